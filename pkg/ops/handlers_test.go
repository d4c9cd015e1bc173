package ops

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CIRWEL/unitares/pkg/dialectic"
	"github.com/CIRWEL/unitares/pkg/dynamics"
	"github.com/CIRWEL/unitares/pkg/models"
	"github.com/CIRWEL/unitares/pkg/registry"
)

func TestProcessUpdateFlow(t *testing.T) {
	env := newTestEnv(t)
	agent := env.onboard(t, "runner")

	var last *models.UpdateResult
	for i := 0; i < 3; i++ {
		resp := env.dispatch(&Request{
			Op: "process_update",
			Args: map[string]any{
				"parameters": paramVec(0.05),
				"confidence": 0.8,
				"ci_passed":  true,
				"task_type":  "refactor",
			},
			SessionKey: agent.sessionKey,
		})
		require.True(t, resp.OK, "update %d: %s %s", i, resp.ErrorCode, resp.Error)
		last = resp.Result.(*models.UpdateResult)
	}
	assert.Equal(t, int64(3), last.TotalUpdates)
	assert.NotEmpty(t, last.Verdict)
	assert.Greater(t, last.Sampling.MaxTokens, 0)

	resp := env.dispatch(&Request{
		Op:         "get_history",
		Args:       map[string]any{"limit": 2},
		SessionKey: agent.sessionKey,
	})
	require.True(t, resp.OK)
	history := resp.Result.(map[string]any)
	assert.Equal(t, 2, history["count"])

	resp = env.dispatch(&Request{Op: "get_metrics", SessionKey: agent.sessionKey})
	require.True(t, resp.OK)
	assert.Equal(t, int64(3), resp.Result.(*models.StateView).TotalUpdates)
}

func TestSimulateUpdateLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)
	agent := env.onboard(t, "dreamer")

	resp := env.dispatch(&Request{
		Op:         "simulate_update",
		Args:       map[string]any{"parameters": paramVec(0.05)},
		SessionKey: agent.sessionKey,
	})
	require.True(t, resp.OK, "%s %s", resp.ErrorCode, resp.Error)
	assert.NotEmpty(t, resp.Result.(*models.UpdateResult).Verdict)

	resp = env.dispatch(&Request{Op: "get_metrics", SessionKey: agent.sessionKey})
	require.True(t, resp.OK)
	assert.Equal(t, int64(0), resp.Result.(*models.StateView).TotalUpdates)
}

func TestRecoveryReviewAndResume(t *testing.T) {
	env := newTestEnv(t)
	agent := env.onboard(t, "recoverer")
	ctx := context.Background()

	// Active agents need no recovery.
	resp := env.dispatch(&Request{Op: "self_recovery_review", SessionKey: agent.sessionKey})
	require.True(t, resp.OK, "%s %s", resp.ErrorCode, resp.Error)
	review := resp.Result.(map[string]any)
	check := review["check"].(*dynamics.RecoveryCheck)
	assert.Equal(t, models.AgentStatusActive, check.Status)
	guidance := review["guidance"].([]string)
	require.NotEmpty(t, guidance)
	assert.Contains(t, guidance[0], "no recovery needed")

	// Paused with a healthy stored state: the predicate holds.
	require.NoError(t, env.store.PutState(ctx, healthyStateFor(agent.uuid, 0.7, 0.2)))
	require.NoError(t, env.engine.Pause(ctx, agent.uuid, agent.uuid, "stuck in a loop"))

	resp = env.dispatch(&Request{Op: "check_recovery_options", SessionKey: agent.sessionKey})
	require.True(t, resp.OK)
	check = resp.Result.(*dynamics.RecoveryCheck)
	assert.Equal(t, models.AgentStatusPaused, check.Status)
	assert.True(t, check.Safe)
	assert.Empty(t, check.Blockers)

	resp = env.dispatch(&Request{Op: "resume_if_safe", SessionKey: agent.sessionKey})
	require.True(t, resp.OK, "%s %s", resp.ErrorCode, resp.Error)
	assert.Equal(t, models.AgentStatusActive, resp.Result.(*models.ResumeResult).Status)
}

// signedSubmitArgs signs msg with the author's api key hash and projects it
// into the argument bundle a client would send over the wire.
func signedSubmitArgs(t *testing.T, apiKey string, msg *models.DialecticMessage) map[string]any {
	t.Helper()
	sig, err := dialectic.Sign(registry.HashKey(apiKey), msg)
	require.NoError(t, err)

	args := map[string]any{
		"session_id": msg.SessionID,
		"seq":        msg.Seq,
		"timestamp":  msg.Timestamp.Format(time.RFC3339Nano),
		"signature":  sig,
		"reasoning":  msg.Reasoning,
	}
	if msg.RootCause != "" {
		args["root_cause"] = msg.RootCause
	}
	if len(msg.Concerns) > 0 {
		args["concerns"] = msg.Concerns
	}
	if msg.Agrees != nil {
		args["agrees"] = *msg.Agrees
	}
	return args
}

func reviewMsg(author, sessionID string, kind models.MessageKind, seq int) *models.DialecticMessage {
	return &models.DialecticMessage{
		Seq:        seq,
		SessionID:  sessionID,
		AuthorUUID: author,
		Kind:       kind,
		Timestamp:  time.Now().UTC(),
		Reasoning:  "reasoning for " + string(kind),
	}
}

func TestDialecticSessionFlow(t *testing.T) {
	env := newTestEnv(t)
	paused := env.onboard(t, "paused-worker")
	reviewer := env.onboard(t, "review-worker")
	ctx := context.Background()

	require.NoError(t, env.store.PutState(ctx, healthyStateFor(paused.uuid, 0.7, 0.3)))
	require.NoError(t, env.store.PutState(ctx, healthyStateFor(reviewer.uuid, 0.9, 0.1)))
	require.NoError(t, env.engine.Pause(ctx, paused.uuid, paused.uuid, "repeated tool timeouts"))

	resp := env.dispatch(&Request{
		Op:         "request_review",
		Args:       map[string]any{"topic": "stuck after repeated timeouts"},
		SessionKey: paused.sessionKey,
	})
	require.True(t, resp.OK, "%s %s", resp.ErrorCode, resp.Error)
	session := resp.Result.(*models.DialecticSession)
	assert.Equal(t, models.PhaseThesis, session.Phase)
	assert.Equal(t, paused.uuid, session.PausedAgentUUID)
	assert.Equal(t, reviewer.uuid, session.ReviewerAgentUUID)

	// The open session rides along on identity.
	resp = env.dispatch(&Request{Op: "identity", SessionKey: paused.sessionKey})
	require.True(t, resp.OK)
	open, ok := resp.Result.(map[string]any)["open_session"].(*models.DialecticSession)
	require.True(t, ok)
	assert.Equal(t, session.SessionID, open.SessionID)

	// The reviewer cannot author the thesis.
	resp = env.dispatch(&Request{
		Op:         "submit_thesis",
		Args:       signedSubmitArgs(t, reviewer.apiKey, reviewMsg(reviewer.uuid, session.SessionID, models.MessageKindThesis, 1)),
		SessionKey: reviewer.sessionKey,
	})
	require.False(t, resp.OK)
	assert.Equal(t, models.ErrCodePermissionDenied, resp.ErrorCode)

	// Claiming a stale transcript slot is rejected.
	resp = env.dispatch(&Request{
		Op:         "submit_thesis",
		Args:       signedSubmitArgs(t, paused.apiKey, reviewMsg(paused.uuid, session.SessionID, models.MessageKindThesis, 2)),
		SessionKey: paused.sessionKey,
	})
	require.False(t, resp.OK)
	assert.Equal(t, models.ErrCodeBadInput, resp.ErrorCode)
	assert.Equal(t, 1, resp.Details["expected_seq"])

	// A forged signature is rejected.
	forged := signedSubmitArgs(t, paused.apiKey, reviewMsg(paused.uuid, session.SessionID, models.MessageKindThesis, 1))
	forged["signature"] = "deadbeef"
	resp = env.dispatch(&Request{Op: "submit_thesis", Args: forged, SessionKey: paused.sessionKey})
	require.False(t, resp.OK)
	assert.Equal(t, models.ErrCodeAuthFailed, resp.ErrorCode)

	// The real thesis advances the phase.
	thesis := reviewMsg(paused.uuid, session.SessionID, models.MessageKindThesis, 1)
	thesis.RootCause = "tool timeouts during dependency scans caused retry loops"
	resp = env.dispatch(&Request{
		Op:         "submit_thesis",
		Args:       signedSubmitArgs(t, paused.apiKey, thesis),
		SessionKey: paused.sessionKey,
	})
	require.True(t, resp.OK, "%s %s", resp.ErrorCode, resp.Error)
	submitted := resp.Result.(*dialectic.SubmitResult)
	assert.Equal(t, models.PhaseAntithesis, submitted.Session.Phase)

	antithesis := reviewMsg(reviewer.uuid, session.SessionID, models.MessageKindAntithesis, 2)
	antithesis.Concerns = []string{"retry budget was already generous"}
	resp = env.dispatch(&Request{
		Op:         "submit_antithesis",
		Args:       signedSubmitArgs(t, reviewer.apiKey, antithesis),
		SessionKey: reviewer.sessionKey,
	})
	require.True(t, resp.OK, "%s %s", resp.ErrorCode, resp.Error)
	assert.Equal(t, models.PhaseSynthesis, resp.Result.(*dialectic.SubmitResult).Session.Phase)

	resp = env.dispatch(&Request{
		Op:         "get_session",
		Args:       map[string]any{"session_id": session.SessionID},
		SessionKey: paused.sessionKey,
	})
	require.True(t, resp.OK)
	assert.Len(t, resp.Result.(*models.DialecticSession).Messages, 2)

	resp = env.dispatch(&Request{
		Op:         "list_sessions",
		Args:       map[string]any{"agent_uuid": paused.uuid},
		SessionKey: paused.sessionKey,
	})
	require.True(t, resp.OK)
	assert.Equal(t, 1, resp.Result.(map[string]any)["count"])

	// force is the operator escape hatch, not a participant's.
	resp = env.dispatch(&Request{
		Op:         "cancel_session",
		Args:       map[string]any{"session_id": session.SessionID, "force": true},
		SessionKey: paused.sessionKey,
	})
	require.False(t, resp.OK)
	assert.Equal(t, models.ErrCodePermissionDenied, resp.ErrorCode)

	resp = env.dispatch(&Request{
		Op:         "cancel_session",
		Args:       map[string]any{"session_id": session.SessionID, "reason": "resolved out of band"},
		SessionKey: paused.sessionKey,
	})
	require.True(t, resp.OK, "%s %s", resp.ErrorCode, resp.Error)
	assert.Equal(t, models.SessionStatusCancelled, resp.Result.(*models.DialecticSession).Status)
}

func TestAgentLifecycleActions(t *testing.T) {
	env := newTestEnv(t)
	alice := env.onboard(t, "fleet-alice")
	bob := env.onboard(t, "fleet-bob")

	resp := env.dispatch(&Request{
		Op:         "agent_lifecycle",
		Args:       map[string]any{"action": "list"},
		SessionKey: alice.sessionKey,
	})
	require.True(t, resp.OK, "%s %s", resp.ErrorCode, resp.Error)
	listing := resp.Result.(map[string]any)
	assert.Equal(t, 2, listing["count"])
	assert.Equal(t, 2, listing["total"])

	resp = env.dispatch(&Request{
		Op:         "agent_lifecycle",
		Args:       map[string]any{"action": "get", "agent_uuid": bob.uuid},
		SessionKey: alice.sessionKey,
	})
	require.True(t, resp.OK)
	assert.Equal(t, bob.uuid, resp.Result.(*models.Identity).UUID)

	resp = env.dispatch(&Request{
		Op: "agent_lifecycle",
		Args: map[string]any{
			"action":   "update_metadata",
			"metadata": map[string]any{"team": "search"},
			"tags":     []string{"pilot"},
		},
		SessionKey: alice.sessionKey,
	})
	require.True(t, resp.OK, "%s %s", resp.ErrorCode, resp.Error)
	updated := resp.Result.(*models.Identity)
	assert.Equal(t, "search", updated.Metadata["team"])
	assert.Equal(t, []string{"pilot"}, updated.Tags)

	resp = env.dispatch(&Request{
		Op:         "agent_lifecycle",
		Args:       map[string]any{"action": "update_metadata"},
		SessionKey: alice.sessionKey,
	})
	require.False(t, resp.OK)
	assert.Equal(t, models.ErrCodeMissingParameter, resp.ErrorCode)

	resp = env.dispatch(&Request{
		Op:         "agent_lifecycle",
		Args:       map[string]any{"action": "archive"},
		SessionKey: alice.sessionKey,
	})
	require.True(t, resp.OK, "%s %s", resp.ErrorCode, resp.Error)
	assert.Equal(t, models.AgentStatusArchived, resp.Result.(*models.Identity).Status)

	// Archived agents do not integrate updates.
	resp = env.dispatch(&Request{
		Op:         "process_update",
		Args:       map[string]any{"parameters": paramVec(0.05)},
		SessionKey: alice.sessionKey,
	})
	require.False(t, resp.OK)
	assert.Equal(t, models.ErrCodeBadInput, resp.ErrorCode)

	resp = env.dispatch(&Request{
		Op:         "agent_lifecycle",
		Args:       map[string]any{"action": "unarchive"},
		SessionKey: alice.sessionKey,
	})
	require.True(t, resp.OK)
	assert.Equal(t, models.AgentStatusActive, resp.Result.(*models.Identity).Status)

	resp = env.dispatch(&Request{
		Op:         "agent_lifecycle",
		Args:       map[string]any{"action": "delete"},
		SessionKey: alice.sessionKey,
	})
	require.True(t, resp.OK)
	assert.Equal(t, models.AgentStatusDeleted, resp.Result.(*models.Identity).Status)

	// Deleted agents disappear from plain listings.
	resp = env.dispatch(&Request{
		Op:         "agent_lifecycle",
		Args:       map[string]any{"action": "list"},
		SessionKey: bob.sessionKey,
	})
	require.True(t, resp.OK)
	assert.Equal(t, 1, resp.Result.(map[string]any)["count"])

	resp = env.dispatch(&Request{
		Op:         "agent_lifecycle",
		Args:       map[string]any{"action": "list", "include_deleted": true},
		SessionKey: bob.sessionKey,
	})
	require.False(t, resp.OK)
	assert.Equal(t, models.ErrCodePermissionDenied, resp.ErrorCode)

	resp = env.dispatch(&Request{
		Op:         "agent_lifecycle",
		Args:       map[string]any{"action": "list", "include_deleted": true},
		SessionKey: bob.sessionKey,
		AdminToken: testAdminToken,
	})
	require.True(t, resp.OK, "%s %s", resp.ErrorCode, resp.Error)
	assert.Equal(t, 2, resp.Result.(map[string]any)["count"])

	resp = env.dispatch(&Request{
		Op:         "agent_lifecycle",
		Args:       map[string]any{"action": "hibernate"},
		SessionKey: bob.sessionKey,
	})
	require.False(t, resp.OK)
	assert.Equal(t, models.ErrCodeBadInput, resp.ErrorCode)
}

func TestKnowledgeActions(t *testing.T) {
	env := newTestEnv(t)
	author := env.onboard(t, "scribe")
	other := env.onboard(t, "reader")

	resp := env.dispatch(&Request{
		Op: "knowledge",
		Args: map[string]any{
			"action":  "store",
			"summary": "Redis pipelines stall when TLS handshakes retry",
			"details": "Seen under packet loss; retry budget compounds with pipeline depth.",
			"kind":    "insight",
			"tags":    []string{"cache"},
		},
		SessionKey: author.sessionKey,
	})
	require.True(t, resp.OK, "%s %s", resp.ErrorCode, resp.Error)
	note := resp.Result.(*models.KnowledgeNote)
	require.NotEmpty(t, note.ID)
	assert.Equal(t, author.uuid, note.AuthorUUID)
	assert.Equal(t, models.NoteStatusOpen, note.Status)

	resp = env.dispatch(&Request{
		Op:         "knowledge",
		Args:       map[string]any{"action": "store"},
		SessionKey: author.sessionKey,
	})
	require.False(t, resp.OK)
	assert.Equal(t, models.ErrCodeMissingParameter, resp.ErrorCode)

	resp = env.dispatch(&Request{
		Op:         "knowledge",
		Args:       map[string]any{"action": "get", "id": note.ID},
		SessionKey: other.sessionKey,
	})
	require.True(t, resp.OK)
	assert.Equal(t, note.ID, resp.Result.(*models.KnowledgeNote).ID)

	resp = env.dispatch(&Request{
		Op:         "knowledge",
		Args:       map[string]any{"action": "list", "author_uuid": author.uuid},
		SessionKey: other.sessionKey,
	})
	require.True(t, resp.OK)
	assert.Equal(t, 1, resp.Result.(map[string]any)["count"])

	resp = env.dispatch(&Request{
		Op:         "knowledge",
		Args:       map[string]any{"action": "search", "query": "redis"},
		SessionKey: other.sessionKey,
	})
	require.True(t, resp.OK, "%s %s", resp.ErrorCode, resp.Error)
	found := resp.Result.(map[string]any)
	require.GreaterOrEqual(t, found["count"].(int), 1)

	// Only the author flips a note's status.
	resp = env.dispatch(&Request{
		Op:         "knowledge",
		Args:       map[string]any{"action": "update_status", "id": note.ID, "status": "resolved"},
		SessionKey: other.sessionKey,
	})
	require.False(t, resp.OK)
	assert.Equal(t, models.ErrCodeOwnershipViolation, resp.ErrorCode)

	resp = env.dispatch(&Request{
		Op:         "knowledge",
		Args:       map[string]any{"action": "update_status", "id": note.ID, "status": "resolved"},
		SessionKey: author.sessionKey,
	})
	require.True(t, resp.OK, "%s %s", resp.ErrorCode, resp.Error)
	assert.Equal(t, models.NoteStatusResolved, resp.Result.(*models.KnowledgeNote).Status)

	resp = env.dispatch(&Request{
		Op:         "knowledge",
		Args:       map[string]any{"action": "cleanup"},
		SessionKey: author.sessionKey,
	})
	require.False(t, resp.OK)
	assert.Equal(t, models.ErrCodePermissionDenied, resp.ErrorCode)

	resp = env.dispatch(&Request{
		Op:         "knowledge",
		Args:       map[string]any{"action": "cleanup", "retention_hours": 1},
		SessionKey: author.sessionKey,
		AdminToken: testAdminToken,
	})
	require.True(t, resp.OK, "%s %s", resp.ErrorCode, resp.Error)
	assert.Equal(t, int64(0), resp.Result.(map[string]any)["removed"])
}

func TestObservabilityActions(t *testing.T) {
	env := newTestEnv(t)
	alice := env.onboard(t, "obs-alice")
	bob := env.onboard(t, "obs-bob")

	for _, agent := range []testAgent{alice, bob} {
		resp := env.dispatch(&Request{
			Op:         "process_update",
			Args:       map[string]any{"parameters": paramVec(0.05), "confidence": 0.9},
			SessionKey: agent.sessionKey,
		})
		require.True(t, resp.OK, "%s %s", resp.ErrorCode, resp.Error)
	}

	for _, action := range []map[string]any{
		{"action": "observe"},
		{"action": "compare", "agent_uuids": []string{alice.uuid, bob.uuid}},
		{"action": "detect_anomalies"},
		{"action": "aggregate_metrics", "statuses": []string{"active"}},
		{"action": "telemetry"},
	} {
		resp := env.dispatch(&Request{Op: "observability", Args: action, SessionKey: alice.sessionKey})
		require.True(t, resp.OK, "%v: %s %s", action["action"], resp.ErrorCode, resp.Error)
		assert.NotNil(t, resp.Result)
	}

	resp := env.dispatch(&Request{
		Op:         "observability",
		Args:       map[string]any{"action": "gaze"},
		SessionKey: alice.sessionKey,
	})
	require.False(t, resp.OK)
	assert.Equal(t, models.ErrCodeBadInput, resp.ErrorCode)
	assert.Contains(t, resp.Details["actions"].([]string), "observe")
}

func TestHealthAndSchemaOperations(t *testing.T) {
	env := newTestEnv(t)

	resp := env.dispatch(&Request{Op: "health_check"})
	require.True(t, resp.OK)
	health := resp.Result.(map[string]any)
	assert.Equal(t, "ok", health["status"])
	components := health["components"].(map[string]string)
	assert.Equal(t, "ok", components["store"])
	assert.Equal(t, "local", components["cache"])
	assert.NotEmpty(t, health["version"].(string))

	resp = env.dispatch(&Request{Op: "list_operations"})
	require.True(t, resp.OK)
	listed := resp.Result.(map[string]any)
	operations := listed["operations"].([]*Operation)
	assert.Equal(t, len(operations), listed["count"])
	names := make(map[string]bool, len(operations))
	for _, op := range operations {
		names[op.Name] = true
	}
	assert.True(t, names["onboard"])
	assert.True(t, names["process_update"])
	assert.True(t, names["health_check"])

	resp = env.dispatch(&Request{Op: "describe_operation", Args: map[string]any{"name": "get_state"}})
	require.True(t, resp.OK)
	described := resp.Result.(map[string]any)
	assert.Equal(t, "get_metrics", described["operation"].(*Operation).Name)
	assert.Equal(t, 30, described["timeout_seconds"])
	assert.Contains(t, described["aliases"].([]string), "get_state")

	resp = env.dispatch(&Request{Op: "describe_operation", Args: map[string]any{"name": "armageddon"}})
	require.False(t, resp.OK)
	assert.Equal(t, models.ErrCodeResourceNotFound, resp.ErrorCode)

	resp = env.dispatch(&Request{Op: "cleanup_stale_locks", AdminToken: testAdminToken})
	require.True(t, resp.OK, "%s %s", resp.ErrorCode, resp.Error)
	assert.GreaterOrEqual(t, resp.Result.(map[string]any)["reaped"].(int), 0)
}
