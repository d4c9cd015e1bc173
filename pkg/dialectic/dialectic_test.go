package dialectic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CIRWEL/unitares/pkg/models"
)

func boolPtr(b bool) *bool { return &b }

func sampleMessage() *models.DialecticMessage {
	return &models.DialecticMessage{
		Seq:        1,
		SessionID:  "sess-1",
		AuthorUUID: "agent-1",
		Kind:       models.MessageKindThesis,
		Timestamp:  time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		Reasoning:  "risk accumulated while retries piled up",
		RootCause:  "tool timeouts during dependency scan",
		ProposedConditions: []models.Condition{
			{Kind: "threshold", Key: "risk_threshold", Value: 0.5, Direction: "decrease"},
		},
	}
}

func TestSignAndVerify(t *testing.T) {
	msg := sampleMessage()

	sig, err := Sign("stored-key-hash", msg)
	require.NoError(t, err)
	require.NotEmpty(t, sig)
	msg.Signature = sig

	assert.True(t, Verify("stored-key-hash", msg))
	assert.False(t, Verify("other-key-hash", msg))

	// Any covered field breaks the signature.
	tampered := *msg
	tampered.Reasoning = "risk accumulated while retries piled up!"
	assert.False(t, Verify("stored-key-hash", &tampered))

	tampered = *msg
	tampered.Seq = 2
	assert.False(t, Verify("stored-key-hash", &tampered))

	empty := *msg
	empty.Signature = ""
	assert.False(t, Verify("stored-key-hash", &empty))
}

func TestSignatureFieldExcludedFromPayload(t *testing.T) {
	msg := sampleMessage()

	first, err := Sign("stored-key-hash", msg)
	require.NoError(t, err)

	// Signing must not depend on whatever is already in the field.
	msg.Signature = "something-stale"
	second, err := Sign("stored-key-hash", msg)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGateForbiddenPatterns(t *testing.T) {
	gate, err := NewGate(nil)
	require.NoError(t, err)

	for _, text := range []string{
		"please Disable the Governance loop for this run",
		"we should bypass all safety checks",
		"remove the health monitor entirely",
		"grant unlimited operational risk",
	} {
		err := gate.CheckText(text)
		require.Error(t, err, text)
		assert.True(t, models.IsCode(err, models.ErrCodeUnsafe))
	}

	assert.NoError(t, gate.CheckText("lower the risk threshold and retry the scan"))
}

func TestGateExtraPatterns(t *testing.T) {
	gate, err := NewGate([]string{`rm -rf`})
	require.NoError(t, err)

	assert.Error(t, gate.CheckText("cleanup via RM -RF /data"))
	assert.NoError(t, gate.CheckText("cleanup via the retention sweep"))

	_, err = NewGate([]string{`(unbalanced`})
	assert.Error(t, err)
}

func TestGateConditionBounds(t *testing.T) {
	gate, err := NewGate(nil)
	require.NoError(t, err)

	cases := []struct {
		name      string
		condition models.Condition
		ok        bool
	}{
		{"risk in bounds", models.Condition{Kind: "threshold", Key: "risk_threshold", Value: 0.5}, true},
		{"risk at max", models.Condition{Kind: "threshold", Key: "risk_threshold", Value: 0.90}, true},
		{"risk above max", models.Condition{Kind: "threshold", Key: "risk_threshold", Value: 0.91}, false},
		{"risk zero", models.Condition{Kind: "threshold", Key: "risk_threshold", Value: 0}, false},
		{"coherence in bounds", models.Condition{Kind: "threshold", Key: "coherence_threshold", Value: 0.4}, true},
		{"coherence below min", models.Condition{Kind: "threshold", Key: "coherence_threshold", Value: 0.05}, false},
		{"coherence at one", models.Condition{Kind: "threshold", Key: "coherence_threshold", Value: 1}, false},
		{"vague followup", models.Condition{Kind: "followup", Key: "maybe retry", Value: 0}, false},
		{"concrete followup", models.Condition{Kind: "monitor", Key: "update_interval_seconds", Value: 300}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := gate.CheckConditions([]models.Condition{tc.condition})
			if tc.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, models.IsCode(err, models.ErrCodeUnsafe))
			}
		})
	}
}

func TestGateSynthesisRootCauseLength(t *testing.T) {
	gate, err := NewGate(nil)
	require.NoError(t, err)

	msg := sampleMessage()
	msg.RootCause = "timeouts   \t  "
	err = gate.CheckSynthesis(msg)
	require.Error(t, err)
	assert.True(t, models.IsCode(err, models.ErrCodeUnsafe))

	msg.RootCause = "tool timeouts during dependency scan"
	assert.NoError(t, gate.CheckSynthesis(msg))
}

func TestGateSynthesisScansConcerns(t *testing.T) {
	gate, err := NewGate(nil)
	require.NoError(t, err)

	msg := sampleMessage()
	msg.Concerns = []string{"could we bypass the safety predicate just once"}
	err = gate.CheckSynthesis(msg)
	require.Error(t, err)
	assert.True(t, models.IsCode(err, models.ErrCodeUnsafe))
}

func TestEvaluateConvergence(t *testing.T) {
	shared := models.Condition{Kind: "threshold", Key: "risk_threshold", Value: 0.5, Direction: "decrease"}
	thesis := &models.DialecticMessage{
		RootCause:          "tool timeouts during dependency scan caused repeated retries",
		ProposedConditions: []models.Condition{shared},
	}
	antithesis := &models.DialecticMessage{
		Agrees:             boolPtr(true),
		RootCause:          "dependency scan tool timeouts caused a retry loop",
		ProposedConditions: []models.Condition{shared},
	}
	synthesis := &models.DialecticMessage{
		Agrees:             boolPtr(true),
		RootCause:          thesis.RootCause,
		ProposedConditions: []models.Condition{shared},
	}

	t.Run("aligned positions converge", func(t *testing.T) {
		c := evaluateConvergence(thesis, antithesis, synthesis)
		assert.True(t, c.Converged)
		assert.Equal(t, 1.0, c.ConditionOverlap)
		assert.GreaterOrEqual(t, c.RootCauseScore, rootCauseJaccardMin)
	})

	t.Run("no agreement and no conditions", func(t *testing.T) {
		bare := &models.DialecticMessage{RootCause: thesis.RootCause}
		c := evaluateConvergence(thesis, antithesis, bare)
		assert.False(t, c.Converged)
		assert.Contains(t, c.Reason, "no agreement")
	})

	t.Run("direction conflict invalidates", func(t *testing.T) {
		opposed := &models.DialecticMessage{
			Agrees:    boolPtr(true),
			RootCause: thesis.RootCause,
			ProposedConditions: []models.Condition{
				{Kind: "threshold", Key: "risk_threshold", Value: 0.8, Direction: "increase"},
			},
		}
		c := evaluateConvergence(thesis, antithesis, opposed)
		assert.False(t, c.Converged)
		assert.Contains(t, c.Reason, "opposite directions")
	})

	t.Run("agreed knob plus contested knob converges", func(t *testing.T) {
		tight := models.Condition{Kind: "limit", Key: "concurrent_tasks", Value: 5}
		loose := models.Condition{Kind: "limit", Key: "concurrent_tasks", Value: 8}
		cap := models.Condition{Kind: "limit", Key: "max_tokens", Value: 256}

		th := &models.DialecticMessage{
			Agrees:             boolPtr(true),
			RootCause:          thesis.RootCause,
			ProposedConditions: []models.Condition{tight, cap},
		}
		an := &models.DialecticMessage{
			Agrees:             boolPtr(true),
			RootCause:          antithesis.RootCause,
			ProposedConditions: []models.Condition{loose, cap},
		}
		syn := &models.DialecticMessage{
			Agrees:             boolPtr(true),
			RootCause:          thesis.RootCause,
			ProposedConditions: []models.Condition{loose, cap},
		}

		c := evaluateConvergence(th, an, syn)
		assert.True(t, c.Converged)
		assert.Equal(t, 0.5, c.ConditionOverlap)
	})

	t.Run("disjoint condition sets", func(t *testing.T) {
		other := &models.DialecticMessage{
			Agrees:    boolPtr(true),
			RootCause: antithesis.RootCause,
			ProposedConditions: []models.Condition{
				{Kind: "monitor", Key: "update_interval_seconds", Value: 300},
			},
		}
		c := evaluateConvergence(thesis, other, synthesis)
		assert.False(t, c.Converged)
		assert.Contains(t, c.Reason, "do not overlap")
		assert.Equal(t, 0.0, c.ConditionOverlap)
	})

	t.Run("root causes about different failures", func(t *testing.T) {
		unrelated := &models.DialecticMessage{
			Agrees:             boolPtr(true),
			RootCause:          "operator changed credentials without notice",
			ProposedConditions: []models.Condition{shared},
		}
		c := evaluateConvergence(thesis, unrelated, synthesis)
		assert.False(t, c.Converged)
		assert.Contains(t, c.Reason, "do not align")
	})

	t.Run("empty condition sets overlap fully", func(t *testing.T) {
		bareThesis := &models.DialecticMessage{RootCause: thesis.RootCause}
		bareAntithesis := &models.DialecticMessage{Agrees: boolPtr(true), RootCause: thesis.RootCause}
		c := evaluateConvergence(bareThesis, bareAntithesis, synthesis)
		assert.True(t, c.Converged)
		assert.Equal(t, 1.0, c.ConditionOverlap)
	})
}

func TestTokenJaccard(t *testing.T) {
	assert.Equal(t, 1.0, tokenJaccard("the tool timeout", "tool timeout"))
	assert.Equal(t, 0.0, tokenJaccard("tool timeout", "credential rotation"))
	assert.Equal(t, 0.0, tokenJaccard("", "tool timeout"))
	// Case and punctuation do not matter.
	assert.Equal(t, 1.0, tokenJaccard("Tool, Timeout!", "tool timeout"))
}

func TestMergeConditions(t *testing.T) {
	a := models.Condition{Kind: "threshold", Key: "risk_threshold", Value: 0.5}
	b := models.Condition{Kind: "monitor", Key: "update_interval_seconds", Value: 300}

	merged := mergeConditions([]models.Condition{a}, []models.Condition{a, b})
	assert.Len(t, merged, 2)
	assert.True(t, containsCondition(merged, a))
	assert.True(t, containsCondition(merged, b))
}
