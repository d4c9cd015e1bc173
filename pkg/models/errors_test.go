package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := NewError(ErrCodeAgentNotFound, "agent %s not found", "abc-123")
	assert.Equal(t, "AGENT_NOT_FOUND: agent abc-123 not found", err.Error())
	assert.Equal(t, ErrCodeAgentNotFound, err.Code)
}

func TestErrorDetailsAndRecovery(t *testing.T) {
	err := NewError(ErrCodeUnsafe, "safety predicate not met").
		WithDetails(map[string]any{"coherence": 0.30, "risk_score": 0.65}).
		WithRecovery("self_recovery_review", "request_review")

	require.NotNil(t, err.Details)
	assert.Equal(t, 0.30, err.Details["coherence"])
	assert.Equal(t, []string{"self_recovery_review", "request_review"}, err.Recovery)
}

func TestAsError(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.Nil(t, AsError(nil))
	})

	t.Run("typed error passes through a wrap chain", func(t *testing.T) {
		inner := NewError(ErrCodeContention, "lock busy")
		wrapped := fmt.Errorf("apply update: %w", inner)

		got := AsError(wrapped)
		require.NotNil(t, got)
		assert.Equal(t, ErrCodeContention, got.Code)
	})

	t.Run("plain error becomes INTERNAL", func(t *testing.T) {
		got := AsError(errors.New("boom"))
		require.NotNil(t, got)
		assert.Equal(t, ErrCodeInternal, got.Code)
		assert.Equal(t, "boom", got.Message)
	})
}

func TestIsCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewError(ErrCodeRateLimited, "too many notes"))

	assert.True(t, IsCode(err, ErrCodeRateLimited))
	assert.False(t, IsCode(err, ErrCodeTimeout))
	assert.False(t, IsCode(errors.New("plain"), ErrCodeInternal), "plain errors carry no code")
}
