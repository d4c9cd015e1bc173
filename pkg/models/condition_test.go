package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConditionEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Condition
		want bool
	}{
		{
			name: "identical limits are equal",
			a:    Condition{Kind: "limit", Key: "concurrent_tasks", Value: 5},
			b:    Condition{Kind: "limit", Key: "concurrent_tasks", Value: 5},
			want: true,
		},
		{
			name: "different value is not equal",
			a:    Condition{Kind: "limit", Key: "concurrent_tasks", Value: 5},
			b:    Condition{Kind: "limit", Key: "concurrent_tasks", Value: 8},
			want: false,
		},
		{
			name: "different key is not equal",
			a:    Condition{Kind: "limit", Key: "concurrent_tasks", Value: 5},
			b:    Condition{Kind: "limit", Key: "max_tokens", Value: 5},
			want: false,
		},
		{
			name: "direction participates in equality",
			a:    Condition{Kind: "threshold", Key: "risk_threshold", Value: 0.5, Direction: "increase"},
			b:    Condition{Kind: "threshold", Key: "risk_threshold", Value: 0.5},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Equal(tt.b))
			assert.Equal(t, tt.want, tt.b.Equal(tt.a))
		})
	}
}

func TestConditionConflictsWith(t *testing.T) {
	inc := Condition{Kind: "threshold", Key: "risk_threshold", Value: 0.6, Direction: "increase"}
	dec := Condition{Kind: "threshold", Key: "risk_threshold", Value: 0.4, Direction: "decrease"}
	otherKey := Condition{Kind: "threshold", Key: "coherence_threshold", Value: 0.4, Direction: "decrease"}
	noDir := Condition{Kind: "limit", Key: "risk_threshold", Value: 0.5}

	assert.True(t, inc.ConflictsWith(dec))
	assert.True(t, dec.ConflictsWith(inc))
	assert.False(t, inc.ConflictsWith(otherKey))
	assert.False(t, inc.ConflictsWith(noDir), "conditions without a direction never conflict")
	assert.False(t, inc.ConflictsWith(inc))
}

func TestAgentStatusTerminal(t *testing.T) {
	assert.False(t, AgentStatusActive.IsTerminal())
	assert.False(t, AgentStatusPaused.IsTerminal())
	assert.True(t, AgentStatusArchived.IsTerminal())
	assert.True(t, AgentStatusDeleted.IsTerminal())
}

func TestDialecticPhaseTerminal(t *testing.T) {
	active := []DialecticPhase{PhaseThesis, PhaseAntithesis, PhaseSynthesis}
	terminal := []DialecticPhase{PhaseResolved, PhaseFailed, PhaseCancelled}

	for _, p := range active {
		assert.False(t, p.IsTerminal(), string(p))
	}
	for _, p := range terminal {
		assert.True(t, p.IsTerminal(), string(p))
	}
}
