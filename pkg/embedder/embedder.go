// Package embedder provides text embeddings for semantic knowledge search
// via an external embeddings endpoint. Like the summarizer, it is strictly
// optional: without an endpoint, search degrades to substring matching.
package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds one embeddings call; batches can be large.
const DefaultTimeout = 30 * time.Second

// ErrNotConfigured is returned by the Nop embedder; search falls back to
// substring matching.
var ErrNotConfigured = errors.New("embedder: endpoint not configured")

// Embedder converts texts to vectors.
type Embedder interface {
	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// New returns an HTTP-backed embedder, or the Nop fallback when no endpoint
// is configured.
func New(endpoint string) Embedder {
	if strings.TrimSpace(endpoint) == "" {
		slog.Info("No embeddings endpoint configured, knowledge search uses substring matching")
		return Nop{}
	}
	return &Client{
		client:   &http.Client{Timeout: DefaultTimeout},
		endpoint: endpoint,
	}
}

// Client calls a JSON embeddings endpoint with batched input.
type Client struct {
	client   *http.Client
	endpoint string
}

var _ Embedder = (*Client)(nil)

type embedRequest struct {
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	body, err := json.Marshal(embedRequest{Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embedder: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedder: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedder: call endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedder: endpoint returned %d: %s", resp.StatusCode, payload)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("embedder: decode response: %w", err)
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedder: got %d embeddings for %d inputs", len(out.Embeddings), len(texts))
	}
	return out.Embeddings, nil
}

// Nop is the embedder used when no endpoint is configured.
type Nop struct{}

var _ Embedder = Nop{}

func (Nop) Embed(context.Context, []string) ([][]float32, error) {
	return nil, ErrNotConfigured
}

// Cosine returns the cosine similarity of two vectors, 0 when either is
// empty or zero-length.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
