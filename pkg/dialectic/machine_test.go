package dialectic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CIRWEL/unitares/pkg/audit"
	"github.com/CIRWEL/unitares/pkg/dynamics"
	"github.com/CIRWEL/unitares/pkg/locks"
	"github.com/CIRWEL/unitares/pkg/models"
	"github.com/CIRWEL/unitares/pkg/store/sqlite"
)

func newTestMachine(t *testing.T) (*Machine, *sqlite.Store) {
	t.Helper()
	ctx := context.Background()

	st, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	locker := locks.NewLocal(500 * time.Millisecond)
	recorder := audit.NewRecorder(st)
	engine := dynamics.New(st, locker, recorder, dynamics.DefaultParams(), dynamics.DefaultConfig())
	return New(st, locker, engine, recorder, nil, nil, nil, Config{}), st
}

// seedAgent creates an identity plus a current state row and returns the
// stored key hash used to sign that agent's messages.
func seedAgent(t *testing.T, st *sqlite.Store, agentUUID string, status models.AgentStatus,
	state *models.AgentState, tags []string, tier models.TrustTier) string {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	if tier == "" {
		tier = models.TrustTierActive
	}

	keyHash := "hash-" + agentUUID
	require.NoError(t, st.CreateIdentity(ctx, &models.Identity{
		UUID:         agentUUID,
		AgentID:      agentUUID,
		APIKeyHash:   keyHash,
		Status:       status,
		TrustTier:    tier,
		Tags:         tags,
		CreatedAt:    now,
		LastUpdateAt: now,
	}))
	if state != nil {
		state.AgentUUID = agentUUID
		if state.UpdatedAt.IsZero() {
			state.UpdatedAt = now
		}
		require.NoError(t, st.PutState(ctx, state))
	}
	return keyHash
}

func healthyState(coherence, risk float64) *models.AgentState {
	return &models.AgentState{
		E: 0.5, I: 0.8, S: 0.2, V: 0,
		Coherence: coherence, RiskScore: risk, Lambda1: 0.3,
		Regime: models.RegimeExploration, Margin: models.MarginComfortable,
		RiskThreshold:      dynamics.DefaultRiskThreshold,
		CoherenceThreshold: dynamics.DefaultCoherenceThreshold,
	}
}

func signedMsg(t *testing.T, keyHash, sessionID, author string, kind models.MessageKind,
	seq int, mutate func(*models.DialecticMessage)) *models.DialecticMessage {
	t.Helper()
	msg := &models.DialecticMessage{
		Seq:        seq,
		SessionID:  sessionID,
		AuthorUUID: author,
		Kind:       kind,
		Timestamp:  time.Now().UTC(),
		Reasoning:  "reasoning for " + string(kind),
	}
	if mutate != nil {
		mutate(msg)
	}
	sig, err := Sign(keyHash, msg)
	require.NoError(t, err)
	msg.Signature = sig
	return msg
}

const walkRootCause = "tool timeouts during dependency scan caused repeated retries"

var walkCondition = models.Condition{Kind: "threshold", Key: "risk_threshold", Value: 0.5, Direction: "decrease"}

// walkToSynthesis opens a session and plays thesis and antithesis so the
// caller can exercise the synthesis phase.
func walkToSynthesis(t *testing.T, m *Machine, st *sqlite.Store) (session *models.DialecticSession, pausedHash, reviewerHash string) {
	t.Helper()
	ctx := context.Background()

	pausedHash = seedAgent(t, st, "paused-1", models.AgentStatusPaused, healthyState(0.7, 0.3), []string{"analysis"}, "")
	reviewerHash = seedAgent(t, st, "rev-1", models.AgentStatusActive, healthyState(0.9, 0.1), []string{"analysis"}, "")

	session, err := m.RequestReview(ctx, "paused-1", "stuck after repeated timeouts", "", nil)
	require.NoError(t, err)

	thesis := signedMsg(t, pausedHash, session.SessionID, "paused-1", models.MessageKindThesis, 1,
		func(msg *models.DialecticMessage) {
			msg.Reasoning = "risk climbed while retries piled up"
			msg.RootCause = walkRootCause
			msg.ProposedConditions = []models.Condition{walkCondition}
		})
	_, err = m.SubmitThesis(ctx, "paused-1", thesis)
	require.NoError(t, err)

	antithesis := signedMsg(t, reviewerHash, session.SessionID, "rev-1", models.MessageKindAntithesis, 2,
		func(msg *models.DialecticMessage) {
			msg.Reasoning = "the update trace supports the timeout reading"
			msg.RootCause = "dependency scan tool timeouts caused the retry pileup"
			msg.ProposedConditions = []models.Condition{walkCondition}
			msg.Agrees = boolPtr(true)
		})
	_, err = m.SubmitAntithesis(ctx, "rev-1", antithesis)
	require.NoError(t, err)
	return session, pausedHash, reviewerHash
}

func synthesisMsg(t *testing.T, keyHash, sessionID, author string, seq int,
	mutate func(*models.DialecticMessage)) *models.DialecticMessage {
	return signedMsg(t, keyHash, sessionID, author, models.MessageKindSynthesis, seq,
		func(msg *models.DialecticMessage) {
			msg.Reasoning = "lower the risk threshold and cap scan timeouts"
			msg.RootCause = walkRootCause
			msg.ProposedConditions = []models.Condition{walkCondition}
			msg.Agrees = boolPtr(true)
			if mutate != nil {
				mutate(msg)
			}
		})
}

func TestRequestReviewSelectsBestReviewer(t *testing.T) {
	ctx := context.Background()
	m, st := newTestMachine(t)

	seedAgent(t, st, "paused-1", models.AgentStatusPaused, healthyState(0.7, 0.3), []string{"analysis"}, "")
	seedAgent(t, st, "rev-weak", models.AgentStatusActive, healthyState(0.5, 0.5), nil, "")
	seedAgent(t, st, "rev-strong", models.AgentStatusActive, healthyState(0.9, 0.1), []string{"analysis"}, "")
	// Inadmissible candidates, regardless of health.
	seedAgent(t, st, "rev-degraded", models.AgentStatusActive, healthyState(0.95, 0.05), nil, models.TrustTierDegraded)
	seedAgent(t, st, "rev-bot", models.AgentStatusActive, healthyState(0.95, 0.05), []string{models.TagAutonomous}, "")

	session, err := m.RequestReview(ctx, "paused-1", "stuck", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "rev-strong", session.ReviewerAgentUUID)
	assert.Equal(t, models.PhaseThesis, session.Phase)
	assert.Equal(t, models.SessionStatusActive, session.Status)
	require.NotNil(t, session.StateSnapshot)
	assert.InDelta(t, 0.7, session.StateSnapshot.Coherence, 1e-9)

	// A second request while one is open is refused with the open id.
	_, err = m.RequestReview(ctx, "paused-1", "still stuck", "", nil)
	require.Error(t, err)
	assert.True(t, models.IsCode(err, models.ErrCodeAlreadyOpen))
	assert.Equal(t, session.SessionID, models.AsError(err).Details["session_id"])
}

func TestRequestReviewValidation(t *testing.T) {
	ctx := context.Background()
	m, st := newTestMachine(t)

	_, err := m.RequestReview(ctx, "ghost", "stuck", "", nil)
	assert.True(t, models.IsCode(err, models.ErrCodeAgentNotFound))

	seedAgent(t, st, "active-1", models.AgentStatusActive, healthyState(0.8, 0.2), nil, "")
	_, err = m.RequestReview(ctx, "active-1", "not actually stuck", "", nil)
	assert.True(t, models.IsCode(err, models.ErrCodeBadInput))
}

func TestRequestReviewNoReviewer(t *testing.T) {
	ctx := context.Background()
	m, st := newTestMachine(t)

	seedAgent(t, st, "paused-1", models.AgentStatusPaused, healthyState(0.7, 0.3), nil, "")
	// The only other agents are inadmissible.
	seedAgent(t, st, "rev-degraded", models.AgentStatusActive, healthyState(0.9, 0.1), nil, models.TrustTierDegraded)
	seedAgent(t, st, "rev-bot", models.AgentStatusActive, healthyState(0.9, 0.1), []string{models.TagAutonomous}, "")

	_, err := m.RequestReview(ctx, "paused-1", "stuck", "", nil)
	require.Error(t, err)
	assert.True(t, models.IsCode(err, models.ErrCodeNoReviewer))
	assert.Contains(t, models.AsError(err).Recovery, "operator_resume")
}

func TestSessionResolvesThroughSynthesis(t *testing.T) {
	ctx := context.Background()
	m, st := newTestMachine(t)
	session, pausedHash, _ := walkToSynthesis(t, m, st)

	res, err := m.SubmitSynthesis(ctx, "paused-1",
		synthesisMsg(t, pausedHash, session.SessionID, "paused-1", 3, nil), "")
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.True(t, res.Accepted)
	require.NotNil(t, res.Resume)
	assert.Equal(t, models.AgentStatusActive, res.Resume.Status)

	final, err := m.Get(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseResolved, final.Phase)
	assert.Equal(t, models.SessionStatusResolved, final.Status)
	require.NotNil(t, final.Resolution)
	assert.Equal(t, models.ResolutionSynthesisAccepted, final.Resolution.Type)
	assert.Equal(t, "paused-1", final.Resolution.ResolvedBy)
	require.Len(t, final.Messages, 3)

	// The resume applied the negotiated threshold and reactivated the agent.
	identity, err := st.GetIdentity(ctx, "paused-1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusActive, identity.Status)

	state, err := st.GetState(ctx, "paused-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, state.RiskThreshold, 1e-9)

	// No open session remains.
	open, err := m.OpenSessionFor(ctx, "paused-1")
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestSynthesisConservativeDefaultAndCooldown(t *testing.T) {
	ctx := context.Background()
	m, st := newTestMachine(t)
	session, pausedHash, _ := walkToSynthesis(t, m, st)

	// Three syntheses that neither agree nor propose anything.
	for attempt := 1; attempt <= 3; attempt++ {
		msg := synthesisMsg(t, pausedHash, session.SessionID, "paused-1", 2+attempt,
			func(msg *models.DialecticMessage) {
				msg.Agrees = nil
				msg.ProposedConditions = nil
			})
		res, err := m.SubmitSynthesis(ctx, "paused-1", msg, "")
		require.NoError(t, err)
		assert.False(t, res.Converged)
		assert.Equal(t, attempt, res.Session.SynthesisAttempts)

		if attempt < 3 {
			assert.Equal(t, models.PhaseSynthesis, res.Session.Phase)
		} else {
			assert.Equal(t, models.PhaseFailed, res.Session.Phase)
			require.NotNil(t, res.Session.Resolution)
			assert.Equal(t, models.ResolutionConservativeDefault, res.Session.Resolution.Type)
		}
	}

	// The agent stays paused and reopening is rate limited.
	identity, err := st.GetIdentity(ctx, "paused-1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusPaused, identity.Status)

	_, err = m.RequestReview(ctx, "paused-1", "retry", "", nil)
	require.Error(t, err)
	assert.True(t, models.IsCode(err, models.ErrCodeRateLimited))
	assert.NotNil(t, models.AsError(err).Details["retry_after_seconds"])
}

func TestSynthesisUnsafePostGate(t *testing.T) {
	ctx := context.Background()
	m, st := newTestMachine(t)
	session, pausedHash, _ := walkToSynthesis(t, m, st)

	msg := synthesisMsg(t, pausedHash, session.SessionID, "paused-1", 3,
		func(msg *models.DialecticMessage) {
			msg.ProposedConditions = []models.Condition{
				{Kind: "threshold", Key: "risk_threshold", Value: 0.95},
			}
		})
	res, err := m.SubmitSynthesis(ctx, "paused-1", msg, "")
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.False(t, res.Accepted)

	assert.Equal(t, models.PhaseFailed, res.Session.Phase)
	require.NotNil(t, res.Session.Resolution)
	assert.Equal(t, models.ResolutionUnsafePostGate, res.Session.Resolution.Type)

	identity, err := st.GetIdentity(ctx, "paused-1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusPaused, identity.Status)
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	m, st := newTestMachine(t)

	pausedHash := seedAgent(t, st, "paused-1", models.AgentStatusPaused, healthyState(0.7, 0.3), nil, "")
	reviewerHash := seedAgent(t, st, "rev-1", models.AgentStatusActive, healthyState(0.9, 0.1), nil, "")
	strangerHash := seedAgent(t, st, "stranger", models.AgentStatusActive, healthyState(0.9, 0.1), nil, "")

	session, err := m.RequestReview(ctx, "paused-1", "stuck", "", nil)
	require.NoError(t, err)
	// Equal scores tie-break on uuid, so rev-1 beats stranger.
	require.Equal(t, "rev-1", session.ReviewerAgentUUID)

	t.Run("unknown session", func(t *testing.T) {
		msg := signedMsg(t, pausedHash, "no-such-session", "paused-1", models.MessageKindThesis, 1, nil)
		_, err := m.SubmitThesis(ctx, "paused-1", msg)
		assert.True(t, models.IsCode(err, models.ErrCodeSessionNotFound))
	})

	t.Run("kind mismatch with operation", func(t *testing.T) {
		msg := signedMsg(t, pausedHash, session.SessionID, "paused-1", models.MessageKindAntithesis, 1, nil)
		_, err := m.SubmitThesis(ctx, "paused-1", msg)
		assert.True(t, models.IsCode(err, models.ErrCodeBadInput))
	})

	t.Run("non participant", func(t *testing.T) {
		msg := signedMsg(t, strangerHash, session.SessionID, "stranger", models.MessageKindThesis, 1, nil)
		_, err := m.SubmitThesis(ctx, "stranger", msg)
		assert.True(t, models.IsCode(err, models.ErrCodePermissionDenied))
	})

	t.Run("antithesis during thesis phase", func(t *testing.T) {
		msg := signedMsg(t, reviewerHash, session.SessionID, "rev-1", models.MessageKindAntithesis, 1, nil)
		_, err := m.SubmitAntithesis(ctx, "rev-1", msg)
		assert.True(t, models.IsCode(err, models.ErrCodeWrongPhase))
	})

	t.Run("thesis by the reviewer", func(t *testing.T) {
		msg := signedMsg(t, reviewerHash, session.SessionID, "rev-1", models.MessageKindThesis, 1, nil)
		_, err := m.SubmitThesis(ctx, "rev-1", msg)
		assert.True(t, models.IsCode(err, models.ErrCodePermissionDenied))
	})

	t.Run("author field not the authenticated agent", func(t *testing.T) {
		msg := signedMsg(t, pausedHash, session.SessionID, "rev-1", models.MessageKindThesis, 1, nil)
		_, err := m.SubmitThesis(ctx, "paused-1", msg)
		assert.True(t, models.IsCode(err, models.ErrCodeOwnershipViolation))
	})

	t.Run("stale seq", func(t *testing.T) {
		msg := signedMsg(t, pausedHash, session.SessionID, "paused-1", models.MessageKindThesis, 7, nil)
		_, err := m.SubmitThesis(ctx, "paused-1", msg)
		require.Error(t, err)
		assert.True(t, models.IsCode(err, models.ErrCodeBadInput))
		assert.Equal(t, 1, models.AsError(err).Details["expected_seq"])
	})

	t.Run("bad signature", func(t *testing.T) {
		msg := signedMsg(t, "not-the-stored-hash", session.SessionID, "paused-1", models.MessageKindThesis, 1, nil)
		_, err := m.SubmitThesis(ctx, "paused-1", msg)
		assert.True(t, models.IsCode(err, models.ErrCodeAuthFailed))
	})

	t.Run("missing reasoning", func(t *testing.T) {
		msg := signedMsg(t, pausedHash, session.SessionID, "paused-1", models.MessageKindThesis, 1,
			func(msg *models.DialecticMessage) { msg.Reasoning = "" })
		_, err := m.SubmitThesis(ctx, "paused-1", msg)
		assert.True(t, models.IsCode(err, models.ErrCodeMissingParameter))
	})

	// The session is untouched by all of the rejects.
	got, err := m.Get(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseThesis, got.Phase)
	assert.Empty(t, got.Messages)
}

type stubSummarizer struct {
	conditions []models.Condition
	err        error
}

func (s stubSummarizer) StructureConditions(context.Context, string) ([]models.Condition, error) {
	return s.conditions, s.err
}

func TestHumanInputStructuredIntoConditions(t *testing.T) {
	ctx := context.Background()
	m, st := newTestMachine(t)
	m.summarizer = stubSummarizer{conditions: []models.Condition{
		{Kind: "monitor", Key: "update_interval_seconds", Value: 300},
	}}
	session, pausedHash, _ := walkToSynthesis(t, m, st)

	res, err := m.SubmitSynthesis(ctx, "paused-1",
		synthesisMsg(t, pausedHash, session.SessionID, "paused-1", 3, nil),
		"check in every five minutes")
	require.NoError(t, err)
	require.True(t, res.Accepted)

	// Human guidance rides into the resolution alongside the synthesis.
	require.NotNil(t, res.Session.Resolution)
	assert.Len(t, res.Session.Resolution.Conditions, 2)
	assert.True(t, containsCondition(res.Session.Resolution.Conditions,
		models.Condition{Kind: "monitor", Key: "update_interval_seconds", Value: 300}))
}

func TestHumanInputVerbatimFallback(t *testing.T) {
	ctx := context.Background()
	m, st := newTestMachine(t)
	m.summarizer = stubSummarizer{err: errors.New("endpoint down")}
	session, pausedHash, _ := walkToSynthesis(t, m, st)

	res, err := m.SubmitSynthesis(ctx, "paused-1",
		synthesisMsg(t, pausedHash, session.SessionID, "paused-1", 3, nil),
		"check in every five minutes")
	require.NoError(t, err)
	require.True(t, res.Accepted)

	got, err := m.Get(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"check in every five minutes"}, got.HumanInputs)
	assert.Empty(t, got.HumanConditions)
	assert.Len(t, got.Resolution.Conditions, 1)
}

func TestHumanConditionsCannotOverrideGate(t *testing.T) {
	ctx := context.Background()
	m, st := newTestMachine(t)
	m.summarizer = stubSummarizer{conditions: []models.Condition{
		{Kind: "threshold", Key: "risk_threshold", Value: 0.99},
	}}
	session, pausedHash, _ := walkToSynthesis(t, m, st)

	res, err := m.SubmitSynthesis(ctx, "paused-1",
		synthesisMsg(t, pausedHash, session.SessionID, "paused-1", 3, nil),
		"just let it run hot")
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, models.PhaseFailed, res.Session.Phase)
	assert.Equal(t, models.ResolutionUnsafePostGate, res.Session.Resolution.Type)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	m, st := newTestMachine(t)
	session, _, _ := walkToSynthesis(t, m, st)

	_, err := m.Cancel(ctx, session.SessionID, "someone-else", "not mine", false)
	assert.True(t, models.IsCode(err, models.ErrCodePermissionDenied))

	cancelled, err := m.Cancel(ctx, session.SessionID, "rev-1", "reviewer withdrew", false)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseCancelled, cancelled.Phase)
	assert.Equal(t, models.SessionStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.Resolution)
	assert.Equal(t, models.ResolutionCancelled, cancelled.Resolution.Type)
	assert.Equal(t, "rev-1", cancelled.Resolution.ResolvedBy)

	// Cancelling again is a no-op success.
	again, err := m.Cancel(ctx, session.SessionID, "rev-1", "again", false)
	require.NoError(t, err)
	assert.Equal(t, models.ResolutionCancelled, again.Resolution.Type)
	assert.Equal(t, "reviewer withdrew", again.Resolution.Reason)

	// The paused agent is unaffected.
	identity, err := st.GetIdentity(ctx, "paused-1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusPaused, identity.Status)
}

func TestCancelForceAllowsOperators(t *testing.T) {
	ctx := context.Background()
	m, st := newTestMachine(t)
	session, _, _ := walkToSynthesis(t, m, st)

	cancelled, err := m.Cancel(ctx, session.SessionID, "operator-7", "manual intervention", true)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseCancelled, cancelled.Phase)
	assert.Equal(t, "operator-7", cancelled.Resolution.ResolvedBy)
}

func TestCancelStaleTimesOutSessions(t *testing.T) {
	ctx := context.Background()
	m, st := newTestMachine(t)
	session, _, _ := walkToSynthesis(t, m, st)

	// Nothing is stale yet.
	n, err := m.CancelStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Jump the machine clock past the progress timeout.
	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = m.CancelStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := m.Get(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseCancelled, got.Phase)
	require.NotNil(t, got.Resolution)
	assert.Equal(t, models.ResolutionTimeout, got.Resolution.Type)

	identity, err := st.GetIdentity(ctx, "paused-1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusPaused, identity.Status)
}

func TestListSessions(t *testing.T) {
	ctx := context.Background()
	m, st := newTestMachine(t)
	session, _, _ := walkToSynthesis(t, m, st)

	sessions, err := m.List(ctx, models.SessionFilters{AgentUUID: "paused-1"})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, session.SessionID, sessions[0].SessionID)

	sessions, err = m.List(ctx, models.SessionFilters{Status: models.SessionStatusResolved})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
