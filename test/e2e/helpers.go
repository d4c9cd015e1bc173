package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CIRWEL/unitares/pkg/dialectic"
	"github.com/CIRWEL/unitares/pkg/dynamics"
	"github.com/CIRWEL/unitares/pkg/models"
	"github.com/CIRWEL/unitares/pkg/registry"
)

// ────────────────────────────────────────────────────────────
// Operation client
// ────────────────────────────────────────────────────────────

// envelope mirrors the dispatch response with the result left raw so each
// caller can decode into its own type.
type envelope struct {
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result"`
	Error     string          `json:"error"`
	ErrorCode string          `json:"error_code"`
	Details   map[string]any  `json:"details"`
	Recovery  []string        `json:"recovery"`
}

// creds is one agent's credential set. UserAgent doubles as the transport
// fingerprint, so every agent in a test must carry a distinct one.
type creds struct {
	UUID       string
	APIKey     string
	SessionKey string
	UserAgent  string
	Admin      bool
}

// call posts one operation and returns the decoded envelope regardless of
// HTTP status.
func (app *TestApp) call(t *testing.T, op string, c *creds, args map[string]any) *envelope {
	t.Helper()

	var body bytes.Buffer
	require.NoError(t, json.NewEncoder(&body).Encode(map[string]any{"args": args}))

	req, err := http.NewRequest(http.MethodPost, app.BaseURL+"/api/v1/op/"+op, &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if c != nil {
		req.Header.Set("User-Agent", c.UserAgent)
		if c.APIKey != "" {
			req.Header.Set("X-Agent-UUID", c.UUID)
			req.Header.Set("X-API-Key", c.APIKey)
		} else if c.SessionKey != "" {
			req.Header.Set("X-Session-Key", c.SessionKey)
		}
		if c.Admin {
			req.Header.Set("X-Admin-Token", testAdminToken)
		}
	}

	resp, err := app.HTTP.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env), "undecodable envelope: %s", raw)
	return &env
}

// callOK posts one operation, requires success, and decodes the result
// into out when out is non-nil.
func (app *TestApp) callOK(t *testing.T, op string, c *creds, args map[string]any, out any) {
	t.Helper()
	env := app.call(t, op, c, args)
	require.True(t, env.OK, "%s failed: %s (%s)", op, env.Error, env.ErrorCode)
	if out != nil {
		require.NoError(t, json.Unmarshal(env.Result, out))
	}
}

// callErr posts one operation and requires it to fail with the given code.
func (app *TestApp) callErr(t *testing.T, op string, c *creds, args map[string]any, code string) *envelope {
	t.Helper()
	env := app.call(t, op, c, args)
	require.False(t, env.OK, "%s unexpectedly succeeded", op)
	require.Equal(t, code, env.ErrorCode, "%s failed with the wrong code: %s", op, env.Error)
	return env
}

// onboard creates a fresh identity under the given display name and returns
// its credentials. Names must be unique within a test; the registry treats
// a repeated fingerprint as a returning agent.
func (app *TestApp) onboard(t *testing.T, name string) *creds {
	t.Helper()
	c := &creds{UserAgent: "unitares-e2e/" + name}

	var res models.ResolveResult
	app.callOK(t, "onboard", c, map[string]any{"display_name": name}, &res)
	require.True(t, res.Created, "onboard adopted an existing identity for %q", name)
	require.NotNil(t, res.Identity)
	require.NotEmpty(t, res.APIKey)
	require.NotEmpty(t, res.SessionKey)

	c.UUID = res.Identity.UUID
	c.APIKey = res.APIKey
	c.SessionKey = res.SessionKey
	return c
}

// ────────────────────────────────────────────────────────────
// White-box seeding
//
// Trajectories that would take hours of wall-clock drift to reach are
// written straight into the store; everything after the seed runs over
// HTTP against the real pipeline.
// ────────────────────────────────────────────────────────────

// seedState overwrites an agent's durable state.
func (app *TestApp) seedState(t *testing.T, agentUUID string, state *models.AgentState) {
	t.Helper()
	state.AgentUUID = agentUUID
	if state.RiskThreshold == 0 {
		state.RiskThreshold = dynamics.DefaultRiskThreshold
	}
	if state.CoherenceThreshold == 0 {
		state.CoherenceThreshold = dynamics.DefaultCoherenceThreshold
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	require.NoError(t, app.Store.PutState(context.Background(), state))
}

// pause flips an agent to paused without going through a reject verdict.
func (app *TestApp) pause(t *testing.T, agentUUID string) {
	t.Helper()
	require.NoError(t, app.Store.UpdateIdentityStatus(
		context.Background(), agentUUID, models.AgentStatusPaused, nil))
}

// auditEvents returns the audit trail for one subject and action, newest
// first.
func (app *TestApp) auditEvents(t *testing.T, subjectUUID, action string) []*models.AuditEvent {
	t.Helper()
	events, err := app.Store.ListAudit(context.Background(), models.AuditFilters{
		SubjectUUID: subjectUUID,
		Action:      action,
	})
	require.NoError(t, err)
	return events
}

// ────────────────────────────────────────────────────────────
// Dialectic submissions
// ────────────────────────────────────────────────────────────

// submitArgs builds the signed argument bundle for one dialectic message.
// The signature is computed client-side from the plaintext api key, exactly
// as a real agent would: the server never sees the key, only the HMAC keyed
// by its hash.
func submitArgs(t *testing.T, c *creds, kind models.MessageKind, sessionID string, seq int, msg *models.DialecticMessage) map[string]any {
	t.Helper()

	msg.SessionID = sessionID
	msg.Seq = seq
	msg.AuthorUUID = c.UUID
	msg.Kind = kind
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	sig, err := dialectic.Sign(registry.HashKey(c.APIKey), msg)
	require.NoError(t, err)

	args := map[string]any{
		"session_id": sessionID,
		"seq":        seq,
		"timestamp":  msg.Timestamp.Format(time.RFC3339Nano),
		"signature":  sig,
		"reasoning":  msg.Reasoning,
	}
	if msg.RootCause != "" {
		args["root_cause"] = msg.RootCause
	}
	if len(msg.ProposedConditions) > 0 {
		args["proposed_conditions"] = msg.ProposedConditions
	}
	if len(msg.ObservedMetrics) > 0 {
		args["observed_metrics"] = msg.ObservedMetrics
	}
	if len(msg.Concerns) > 0 {
		args["concerns"] = msg.Concerns
	}
	if msg.Agrees != nil {
		args["agrees"] = *msg.Agrees
	}
	return args
}

func boolPtr(b bool) *bool { return &b }

// zeros is a parameters vector of the engine's required dimension.
func zeros(n int) []float64 { return make([]float64, n) }
