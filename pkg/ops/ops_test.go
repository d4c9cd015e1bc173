package ops

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CIRWEL/unitares/pkg/audit"
	"github.com/CIRWEL/unitares/pkg/cache"
	"github.com/CIRWEL/unitares/pkg/config"
	"github.com/CIRWEL/unitares/pkg/dialectic"
	"github.com/CIRWEL/unitares/pkg/dynamics"
	"github.com/CIRWEL/unitares/pkg/locks"
	"github.com/CIRWEL/unitares/pkg/metrics"
	"github.com/CIRWEL/unitares/pkg/models"
	"github.com/CIRWEL/unitares/pkg/notes"
	"github.com/CIRWEL/unitares/pkg/observe"
	"github.com/CIRWEL/unitares/pkg/recovery"
	"github.com/CIRWEL/unitares/pkg/registry"
	"github.com/CIRWEL/unitares/pkg/store/sqlite"
)

const testAdminToken = "operator-secret"

type testEnv struct {
	dispatcher *Dispatcher
	store      *sqlite.Store
	engine     *dynamics.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, Config{
		AdminToken: testAdminToken,
		RateLimits: config.RateLimitConfig{
			Window:    time.Hour,
			Knowledge: 20,
			Updates:   600,
			Dialectic: 60,
			Admin:     120,
		},
		KnowledgeRetention: 7 * 24 * time.Hour,
	})
}

func newTestEnvWith(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	c := cache.New(cache.Config{Enabled: true})
	locker := locks.NewLocal(500 * time.Millisecond)
	recorder := audit.NewRecorder(st)
	engine := dynamics.New(st, locker, recorder, dynamics.DefaultParams(), dynamics.DefaultConfig())
	machine := dialectic.New(st, locker, engine, recorder, nil, nil, nil, dialectic.Config{})

	d := New(Deps{
		Store:     st,
		Cache:     c,
		Locks:     locker,
		Registry:  registry.New(st, c, recorder, time.Hour),
		Engine:    engine,
		Dialectic: machine,
		Notes:     notes.New(st, c, nil),
		Observer:  observe.New(st, engine),
		Tracker:   recovery.NewTracker(30 * time.Minute),
		Audit:     recorder,
		Metrics:   metrics.New(),
	}, cfg)
	return &testEnv{dispatcher: d, store: st, engine: engine}
}

func (e *testEnv) dispatch(req *Request) *Response {
	return e.dispatcher.Dispatch(context.Background(), req)
}

type testAgent struct {
	uuid       string
	apiKey     string
	sessionKey string
}

func (e *testEnv) onboard(t *testing.T, name string) testAgent {
	t.Helper()
	resp := e.dispatch(&Request{Op: "onboard", Args: map[string]any{
		"display_name": name,
		"model":        "test-model",
	}})
	require.True(t, resp.OK, "onboard failed: %s %s", resp.ErrorCode, resp.Error)

	res, ok := resp.Result.(*models.ResolveResult)
	require.True(t, ok, "onboard result type %T", resp.Result)
	require.True(t, res.Created)
	require.NotNil(t, res.Identity)
	require.NotEmpty(t, res.APIKey)
	require.NotEmpty(t, res.SessionKey)
	return testAgent{uuid: res.Identity.UUID, apiKey: res.APIKey, sessionKey: res.SessionKey}
}

// paramVec sizes a parameter vector to the engine's configured dimension.
func paramVec(fill float64) []float64 {
	vec := make([]float64, dynamics.DefaultConfig().ParamDim)
	for i := range vec {
		vec[i] = fill
	}
	return vec
}

func TestDispatchUnknownOperation(t *testing.T) {
	env := newTestEnv(t)

	resp := env.dispatch(&Request{Op: "divine_intervention"})
	assert.False(t, resp.OK)
	assert.Equal(t, models.ErrCodeResourceNotFound, resp.ErrorCode)
	assert.Contains(t, resp.Recovery, "list_operations")
}

func TestDispatchValidatesArgs(t *testing.T) {
	env := newTestEnv(t)
	agent := env.onboard(t, "validator")

	// Missing required parameter.
	resp := env.dispatch(&Request{Op: "describe_operation"})
	assert.False(t, resp.OK)
	assert.Equal(t, models.ErrCodeMissingParameter, resp.ErrorCode)
	assert.Equal(t, "name", resp.Details["parameter"])

	// Declared integer, got string.
	resp = env.dispatch(&Request{
		Op:         "get_history",
		Args:       map[string]any{"limit": "five"},
		SessionKey: agent.sessionKey,
	})
	assert.False(t, resp.OK)
	assert.Equal(t, models.ErrCodeInvalidParameterType, resp.ErrorCode)

	// Declared boolean, got number.
	resp = env.dispatch(&Request{Op: "onboard", Args: map[string]any{"resume": 1.0}})
	assert.False(t, resp.OK)
	assert.Equal(t, models.ErrCodeInvalidParameterType, resp.ErrorCode)

	// Fractional value fails the integer check.
	resp = env.dispatch(&Request{
		Op:         "get_history",
		Args:       map[string]any{"limit": 2.5},
		SessionKey: agent.sessionKey,
	})
	assert.False(t, resp.OK)
	assert.Equal(t, models.ErrCodeInvalidParameterType, resp.ErrorCode)
}

func TestDispatchRequiresCredentials(t *testing.T) {
	env := newTestEnv(t)

	resp := env.dispatch(&Request{Op: "get_metrics"})
	assert.False(t, resp.OK)
	assert.Equal(t, models.ErrCodeAuthRequired, resp.ErrorCode)
	assert.Contains(t, resp.Recovery, "onboard")
}

func TestIdentityBindsThroughEitherCredential(t *testing.T) {
	env := newTestEnv(t)
	agent := env.onboard(t, "binder")

	resp := env.dispatch(&Request{Op: "identity", SessionKey: agent.sessionKey})
	require.True(t, resp.OK, "%s %s", resp.ErrorCode, resp.Error)
	result := resp.Result.(map[string]any)
	assert.Equal(t, agent.uuid, result["identity"].(*models.Identity).UUID)

	resp = env.dispatch(&Request{Op: "identity", AgentUUID: agent.uuid, APIKey: agent.apiKey})
	require.True(t, resp.OK)

	resp = env.dispatch(&Request{Op: "identity", AgentUUID: agent.uuid, APIKey: "uk_wrong"})
	assert.False(t, resp.OK)
	assert.Equal(t, models.ErrCodeAuthFailed, resp.ErrorCode)

	resp = env.dispatch(&Request{Op: "identity", SessionKey: "sk_expired"})
	assert.False(t, resp.OK)
	assert.Equal(t, models.ErrCodeAuthFailed, resp.ErrorCode)
}

func TestOnboardAmbiguousCandidate(t *testing.T) {
	env := newTestEnv(t)
	first := env.onboard(t, "atlas")

	// Same name, no adoption choice: prompt, never silently adopt.
	resp := env.dispatch(&Request{Op: "onboard", Args: map[string]any{"display_name": "atlas"}})
	require.False(t, resp.OK)
	assert.Equal(t, models.ErrCodeAmbiguousExisting, resp.ErrorCode)
	candidate, ok := resp.Details["candidate"].(*models.ExistingCandidate)
	require.True(t, ok)
	assert.Equal(t, first.uuid, candidate.UUID)
	assert.Len(t, resp.Recovery, 2)

	// The two choices are mutually exclusive.
	resp = env.dispatch(&Request{Op: "onboard", Args: map[string]any{
		"display_name": "atlas", "resume": true, "force_new": true,
	}})
	assert.False(t, resp.OK)
	assert.Equal(t, models.ErrCodeBadInput, resp.ErrorCode)

	// force_new mints a distinct identity under the same name.
	resp = env.dispatch(&Request{Op: "onboard", Args: map[string]any{
		"display_name": "atlas", "force_new": true,
	}})
	require.True(t, resp.OK)
	fresh := resp.Result.(*models.ResolveResult)
	assert.True(t, fresh.Created)
	assert.NotEqual(t, first.uuid, fresh.Identity.UUID)

	// Resuming by name needs the claim token.
	resp = env.dispatch(&Request{Op: "onboard", Args: map[string]any{
		"display_name": "atlas", "resume": true,
	}})
	assert.False(t, resp.OK)
	assert.Equal(t, models.ErrCodeAuthFailed, resp.ErrorCode)
}

func TestOnboardResumeByNameClaim(t *testing.T) {
	env := newTestEnv(t)
	first := env.onboard(t, "norse")

	resp := env.dispatch(&Request{Op: "onboard", Args: map[string]any{
		"display_name": "norse", "resume": true, "name_claim_token": "tok-1",
	}})
	require.True(t, resp.OK, "%s %s", resp.ErrorCode, resp.Error)
	adopted := resp.Result.(*models.ResolveResult)
	assert.False(t, adopted.Created)
	assert.Equal(t, first.uuid, adopted.Identity.UUID)
	// The api key is returned exactly once, at creation.
	assert.Empty(t, adopted.APIKey)
	assert.NotEmpty(t, adopted.SessionKey)

	// A different token cannot take the claimed name over.
	resp = env.dispatch(&Request{Op: "onboard", Args: map[string]any{
		"display_name": "norse", "resume": true, "name_claim_token": "tok-2",
	}})
	assert.False(t, resp.OK)
	assert.Equal(t, models.ErrCodeAuthFailed, resp.ErrorCode)
}

func TestWriteLandsOnBoundIdentity(t *testing.T) {
	env := newTestEnv(t)
	alice := env.onboard(t, "alice")
	bob := env.onboard(t, "bob")

	// alice names bob as the target; the write must land on alice.
	resp := env.dispatch(&Request{
		Op: "process_update",
		Args: map[string]any{
			"agent_uuid": bob.uuid,
			"parameters": paramVec(0.1),
			"confidence": 0.9,
			"ci_passed":  true,
		},
		SessionKey: alice.sessionKey,
	})
	require.True(t, resp.OK, "%s %s", resp.ErrorCode, resp.Error)
	result := resp.Result.(*models.UpdateResult)
	assert.Equal(t, alice.uuid, result.AgentUUID)
	assert.Equal(t, int64(1), result.TotalUpdates)

	snap := env.dispatch(&Request{
		Op:         "get_metrics",
		Args:       map[string]any{"agent_uuid": bob.uuid},
		SessionKey: alice.sessionKey,
	})
	require.True(t, snap.OK)
	assert.Equal(t, int64(0), snap.Result.(*models.StateView).TotalUpdates)
}

func TestRateLimitedClassBudget(t *testing.T) {
	env := newTestEnvWith(t, Config{
		AdminToken: testAdminToken,
		RateLimits: config.RateLimitConfig{Window: time.Hour, Updates: 2},
	})
	agent := env.onboard(t, "budgeted")

	args := map[string]any{"parameters": paramVec(0.1)}
	for i := 0; i < 2; i++ {
		resp := env.dispatch(&Request{Op: "simulate_update", Args: args, SessionKey: agent.sessionKey})
		require.True(t, resp.OK, "call %d: %s %s", i, resp.ErrorCode, resp.Error)
	}

	resp := env.dispatch(&Request{Op: "simulate_update", Args: args, SessionKey: agent.sessionKey})
	require.False(t, resp.OK)
	assert.Equal(t, models.ErrCodeRateLimited, resp.ErrorCode)
	assert.Equal(t, "updates", resp.Details["class"])
	assert.Equal(t, 2, resp.Details["limit"])

	// Reads outside the class stay unaffected.
	resp = env.dispatch(&Request{Op: "get_metrics", SessionKey: agent.sessionKey})
	assert.True(t, resp.OK)
}

func TestAliasRoutesToCanonicalOperation(t *testing.T) {
	env := newTestEnv(t)
	agent := env.onboard(t, "aliased")

	resp := env.dispatch(&Request{Op: "get_state", SessionKey: agent.sessionKey})
	require.True(t, resp.OK, "%s %s", resp.ErrorCode, resp.Error)
	assert.Equal(t, agent.uuid, resp.Result.(*models.StateView).AgentUUID)

	resp = env.dispatch(&Request{Op: "health"})
	assert.True(t, resp.OK)
}

func TestPanicFoldsIntoInternalError(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.table["explode"] = &Operation{
		Name: "explode",
		Handler: func(ctx context.Context, call *Call) (any, error) {
			panic("kaboom")
		},
	}

	resp := env.dispatch(&Request{Op: "explode"})
	require.False(t, resp.OK)
	assert.Equal(t, models.ErrCodeInternal, resp.ErrorCode)
	assert.Contains(t, resp.Error, "explode")
}

func TestHandlerTimeoutBecomesTimeoutError(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.table["slow"] = &Operation{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Handler: func(ctx context.Context, call *Call) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	resp := env.dispatch(&Request{Op: "slow"})
	require.False(t, resp.OK)
	assert.Equal(t, models.ErrCodeTimeout, resp.ErrorCode)
	assert.Contains(t, resp.Error, "slow exceeded")
}

func TestOperatorTokenGate(t *testing.T) {
	env := newTestEnv(t)
	agent := env.onboard(t, "pausee")

	resp := env.dispatch(&Request{Op: "operator_resume", Args: map[string]any{"agent_uuid": agent.uuid}})
	assert.False(t, resp.OK)
	assert.Equal(t, models.ErrCodePermissionDenied, resp.ErrorCode)

	resp = env.dispatch(&Request{
		Op:         "operator_resume",
		Args:       map[string]any{"agent_uuid": agent.uuid},
		AdminToken: "guessed",
	})
	assert.False(t, resp.OK)
	assert.Equal(t, models.ErrCodePermissionDenied, resp.ErrorCode)
}

func TestOperatorSurfaceDisabledWithoutToken(t *testing.T) {
	env := newTestEnvWith(t, Config{})

	resp := env.dispatch(&Request{
		Op:         "cleanup_stale_locks",
		AdminToken: "anything",
	})
	require.False(t, resp.OK)
	assert.Equal(t, models.ErrCodePermissionDenied, resp.ErrorCode)
	assert.Contains(t, resp.Error, "disabled")
}

func TestOperatorResumeBypassesSafety(t *testing.T) {
	env := newTestEnv(t)
	agent := env.onboard(t, "stuck")
	ctx := context.Background()

	require.NoError(t, env.store.PutState(ctx, unhealthyState(agent.uuid)))
	require.NoError(t, env.engine.Pause(ctx, agent.uuid, agent.uuid, "risk spike"))

	// The agent itself cannot resume: the predicate fails.
	resp := env.dispatch(&Request{Op: "resume_if_safe", SessionKey: agent.sessionKey})
	require.False(t, resp.OK)
	assert.Equal(t, models.ErrCodeUnsafe, resp.ErrorCode)

	// The operator can.
	resp = env.dispatch(&Request{
		Op:         "operator_resume",
		Args:       map[string]any{"agent_uuid": agent.uuid, "reason": "manual inspection done"},
		AdminToken: testAdminToken,
	})
	require.True(t, resp.OK, "%s %s", resp.ErrorCode, resp.Error)
	result := resp.Result.(*models.ResumeResult)
	assert.Equal(t, models.AgentStatusActive, result.Status)
	assert.False(t, result.AlreadyActive)
}

func TestRotateKeyNeedsCurrentKey(t *testing.T) {
	env := newTestEnv(t)
	agent := env.onboard(t, "rotator")

	// A session key is not proof of key possession.
	resp := env.dispatch(&Request{Op: "rotate_key", SessionKey: agent.sessionKey})
	require.False(t, resp.OK)
	assert.Equal(t, models.ErrCodeAuthFailed, resp.ErrorCode)

	resp = env.dispatch(&Request{Op: "rotate_key", AgentUUID: agent.uuid, APIKey: agent.apiKey})
	require.True(t, resp.OK, "%s %s", resp.ErrorCode, resp.Error)
	result := resp.Result.(map[string]any)
	next := result["api_key"].(string)
	require.NotEmpty(t, next)
	assert.NotEqual(t, agent.apiKey, next)

	// The old key is dead, the new one binds.
	resp = env.dispatch(&Request{Op: "identity", AgentUUID: agent.uuid, APIKey: agent.apiKey})
	assert.False(t, resp.OK)
	assert.Equal(t, models.ErrCodeAuthFailed, resp.ErrorCode)

	resp = env.dispatch(&Request{Op: "identity", AgentUUID: agent.uuid, APIKey: next})
	assert.True(t, resp.OK)
}

func healthyStateFor(agentUUID string, coherence, risk float64) *models.AgentState {
	return &models.AgentState{
		AgentUUID: agentUUID,
		E:         0.5, I: 0.8, S: 0.2, V: 0,
		Coherence: coherence, RiskScore: risk, Lambda1: 0.3,
		Regime: models.RegimeExploration, Margin: models.MarginComfortable,
		RiskThreshold:      dynamics.DefaultRiskThreshold,
		CoherenceThreshold: dynamics.DefaultCoherenceThreshold,
		UpdatedAt:          time.Now().UTC(),
	}
}

func unhealthyState(agentUUID string) *models.AgentState {
	st := healthyStateFor(agentUUID, 0.2, 0.85)
	st.S = 1.6
	st.V = -1.2
	return st
}
