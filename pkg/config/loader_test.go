package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv neutralizes the variables the loader reads so ambient shell
// state cannot leak into assertions.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"HTTP_PORT", "ADMIN_TOKEN",
		"DB_BACKEND", "DB_URL", "DB_MIN_CONN", "DB_MAX_CONN",
		"CACHE_URL", "CACHE_ENABLED", "SESSION_TTL_SECONDS",
		"LOCK_TIMEOUT_SECONDS", "STUCK_SWEEP_INTERVAL_SECONDS",
		"I_DYNAMICS_MODE", "SUMMARIZER_ENDPOINT", "EMBEDDINGS_ENDPOINT",
	} {
		t.Setenv(key, "")
	}
}

func TestInitializeDefaults(t *testing.T) {
	clearEnv(t)
	configDir := t.TempDir()

	cfg, err := Initialize(context.Background(), configDir)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, configDir, cfg.ConfigDir())
	assert.Equal(t, "8080", cfg.Server.HTTPPort)
	assert.Empty(t, cfg.Server.AdminToken)

	// No backend and no URL falls back to the embedded store.
	assert.Equal(t, BackendSQLite, cfg.Database.Backend)
	assert.Equal(t, DefaultSQLitePath, cfg.Database.URL)
	assert.Equal(t, 5, cfg.Database.MinConns)
	assert.Equal(t, 25, cfg.Database.MaxConns)

	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, time.Hour, cfg.Cache.SessionTTL)
	assert.Equal(t, 30*time.Second, cfg.Locks.TTL)
	assert.Equal(t, 5*time.Minute, cfg.Recovery.SweepInterval)
	assert.Equal(t, "nonlinear", cfg.Dynamics.IntegrityMode)

	assert.Equal(t, 20, cfg.RateLimits.Knowledge)
	assert.Equal(t, 600, cfg.RateLimits.Updates)
	assert.Equal(t, 60, cfg.RateLimits.Dialectic)
	assert.Equal(t, 120, cfg.RateLimits.Admin)
	assert.Equal(t, time.Hour, cfg.RateLimits.Window)
	assert.Empty(t, cfg.Gate.ForbiddenPatterns)
}

func TestInitializeGovernanceYAML(t *testing.T) {
	clearEnv(t)
	configDir := t.TempDir()

	governance := `
dynamics:
  alpha: 0.9
  kappa: 0.6
  param_dim: 64
rate_limits:
  updates: 1200
  dialectic: 30
safety_gate:
  forbidden_patterns:
    - "override.*budget"
    - "ignore.*operator"
recovery:
  warmup: 30s
  parallelism: 8
  action_window: 2h
dialectic:
  session_timeout: 45m
  max_synthesis_attempts: 5
knowledge:
  retention: 168h
`
	err := os.WriteFile(filepath.Join(configDir, governanceFile), []byte(governance), 0644)
	require.NoError(t, err)

	cfg, err := Initialize(context.Background(), configDir)
	require.NoError(t, err)

	// Overridden values.
	assert.Equal(t, 0.9, cfg.Dynamics.Alpha)
	assert.Equal(t, 0.6, cfg.Dynamics.Kappa)
	assert.Equal(t, 64, cfg.Dynamics.ParamDim)
	assert.Equal(t, 1200, cfg.RateLimits.Updates)
	assert.Equal(t, 30, cfg.RateLimits.Dialectic)
	assert.Equal(t, []string{"override.*budget", "ignore.*operator"}, cfg.Gate.ForbiddenPatterns)
	assert.Equal(t, 30*time.Second, cfg.Recovery.Warmup)
	assert.Equal(t, 8, cfg.Recovery.Parallelism)
	assert.Equal(t, 2*time.Hour, cfg.Recovery.ActionWindow)
	assert.Equal(t, 45*time.Minute, cfg.Dialectic.SessionTimeout)
	assert.Equal(t, 5, cfg.Dialectic.MaxSynthesisAttempts)
	assert.Equal(t, 168*time.Hour, cfg.Knowledge.Retention)

	// Untouched sections keep their defaults.
	assert.Equal(t, 0.5, cfg.Dynamics.BetaE)
	assert.Equal(t, 1.0, cfg.Dynamics.CMax)
	assert.Equal(t, 20, cfg.RateLimits.Knowledge)
	assert.Equal(t, time.Hour, cfg.Dialectic.ReopenCooldown)
	assert.Equal(t, time.Hour, cfg.Knowledge.CleanupInterval)
	assert.Equal(t, 5*time.Minute, cfg.Recovery.SweepInterval)
}

func TestInitializeEnvExpansionInYAML(t *testing.T) {
	clearEnv(t)
	configDir := t.TempDir()
	t.Setenv("UNITARES_TEST_PATTERN", "leak.*credentials")

	governance := `
safety_gate:
  forbidden_patterns:
    - "{{.UNITARES_TEST_PATTERN}}"
`
	err := os.WriteFile(filepath.Join(configDir, governanceFile), []byte(governance), 0644)
	require.NoError(t, err)

	cfg, err := Initialize(context.Background(), configDir)
	require.NoError(t, err)
	assert.Equal(t, []string{"leak.*credentials"}, cfg.Gate.ForbiddenPatterns)
}

func TestInitializeInvalidYAML(t *testing.T) {
	clearEnv(t)
	configDir := t.TempDir()

	err := os.WriteFile(filepath.Join(configDir, governanceFile), []byte(`dynamics: [not a map`), 0644)
	require.NoError(t, err)

	_, err = Initialize(context.Background(), configDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitializeValidationFailure(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_BACKEND", "postgres") // explicit postgres without a URL

	_, err := Initialize(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
	assert.ErrorIs(t, err, ErrMissingRequiredField)
}

func TestInitializeBadDurationKeepsDefault(t *testing.T) {
	clearEnv(t)
	configDir := t.TempDir()

	governance := `
recovery:
  warmup: "soon"
`
	err := os.WriteFile(filepath.Join(configDir, governanceFile), []byte(governance), 0644)
	require.NoError(t, err)

	cfg, err := Initialize(context.Background(), configDir)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.Recovery.Warmup)
}

func TestRateLimitClassLookup(t *testing.T) {
	limits := Default().RateLimits

	assert.Equal(t, 20, limits.Limit("knowledge"))
	assert.Equal(t, 600, limits.Limit("updates"))
	assert.Equal(t, 60, limits.Limit("dialectic"))
	assert.Equal(t, 120, limits.Limit("admin"))
	assert.Zero(t, limits.Limit(""))
	assert.Zero(t, limits.Limit("reads"))
}
