// Package summarizer turns free-form human review text into structured
// resume conditions by calling an external summarization endpoint. The
// dialectic machine treats it as best-effort: on timeout or failure the
// original text is attached verbatim instead.
package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/CIRWEL/unitares/pkg/models"
)

// DefaultTimeout bounds one summarization call. Human input arrives inside
// an interactive review; a slow summarizer must not stall the session.
const DefaultTimeout = 5 * time.Second

// ErrNotConfigured is returned by the Nop summarizer; callers fall back to
// attaching the raw text.
var ErrNotConfigured = errors.New("summarizer: endpoint not configured")

// Summarizer structures free text into resume conditions.
type Summarizer interface {
	// StructureConditions extracts structured conditions from text. Zero
	// conditions with nil error means the text carried none.
	StructureConditions(ctx context.Context, text string) ([]models.Condition, error)
}

// New returns an HTTP-backed summarizer, or the Nop fallback when no
// endpoint is configured.
func New(endpoint string) Summarizer {
	if strings.TrimSpace(endpoint) == "" {
		slog.Info("No summarizer endpoint configured, human input passes through verbatim")
		return Nop{}
	}
	return &Client{
		client:   &http.Client{Timeout: DefaultTimeout},
		endpoint: endpoint,
	}
}

// Client calls a JSON summarization endpoint.
type Client struct {
	client   *http.Client
	endpoint string
}

var _ Summarizer = (*Client)(nil)

type structureRequest struct {
	Text string `json:"text"`
}

type structureResponse struct {
	Conditions []models.Condition `json:"conditions"`
}

func (c *Client) StructureConditions(ctx context.Context, text string) ([]models.Condition, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	body, err := json.Marshal(structureRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("summarizer: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("summarizer: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("summarizer: call endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("summarizer: endpoint returned %d: %s", resp.StatusCode, payload)
	}

	var out structureResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("summarizer: decode response: %w", err)
	}
	return out.Conditions, nil
}

// Nop is the summarizer used when no endpoint is configured.
type Nop struct{}

var _ Summarizer = Nop{}

func (Nop) StructureConditions(context.Context, string) ([]models.Condition, error) {
	return nil, ErrNotConfigured
}
