package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validBase returns a config that passes validation, for mutation below.
func validBase() *Config {
	cfg := Default()
	cfg.Database.Backend = BackendSQLite
	cfg.Database.URL = DefaultSQLitePath
	return cfg
}

func TestValidateAcceptsDefaults(t *testing.T) {
	assert.NoError(t, validate(validBase()))
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		section string
		field   string
	}{
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.HTTPPort = "http" },
			section: "server",
			field:   "http_port",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Database.Backend = "oracle" },
			section: "database",
			field:   "backend",
		},
		{
			name:    "postgres without url",
			mutate:  func(c *Config) { c.Database.Backend = BackendPostgres; c.Database.URL = "" },
			section: "database",
			field:   "url",
		},
		{
			name:    "pool bounds inverted",
			mutate:  func(c *Config) { c.Database.MinConns = 30 },
			section: "database",
			field:   "max_conns",
		},
		{
			name:    "zero session ttl",
			mutate:  func(c *Config) { c.Cache.SessionTTL = 0 },
			section: "cache",
			field:   "session_ttl",
		},
		{
			name:    "unknown integrity mode",
			mutate:  func(c *Config) { c.Dynamics.IntegrityMode = "quadratic" },
			section: "dynamics",
			field:   "integrity_mode",
		},
		{
			name:    "negative coefficient",
			mutate:  func(c *Config) { c.Dynamics.Kappa = -0.5 },
			section: "dynamics",
			field:   "kappa",
		},
		{
			name:    "coherence ceiling above one",
			mutate:  func(c *Config) { c.Dynamics.CMax = 1.5 },
			section: "dynamics",
			field:   "c_max",
		},
		{
			name:    "zero sweep interval",
			mutate:  func(c *Config) { c.Recovery.SweepInterval = 0 },
			section: "recovery",
			field:   "sweep_interval",
		},
		{
			name:    "zero synthesis attempts",
			mutate:  func(c *Config) { c.Dialectic.MaxSynthesisAttempts = 0 },
			section: "dialectic",
			field:   "max_synthesis_attempts",
		},
		{
			name:    "zero rate limit",
			mutate:  func(c *Config) { c.RateLimits.Updates = 0 },
			section: "rate_limits",
			field:   "updates",
		},
		{
			name:    "uncompilable gate pattern",
			mutate:  func(c *Config) { c.Gate.ForbiddenPatterns = []string{"("} },
			section: "safety_gate",
			field:   "forbidden_patterns",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBase()
			tc.mutate(cfg)

			err := validate(cfg)
			require.Error(t, err)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.section, verr.Section)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestValidationErrorFormatting(t *testing.T) {
	err := NewValidationError("database", "url", ErrMissingRequiredField)
	assert.Contains(t, err.Error(), "database")
	assert.Contains(t, err.Error(), "url")
	assert.ErrorIs(t, err, ErrMissingRequiredField)
}
