package config

import (
	"fmt"
	"regexp"
	"strconv"
)

// validate performs comprehensive validation on loaded configuration.
// Everything here fails at startup; nothing is deferred to first use.
func validate(cfg *Config) error {
	checks := []func(*Config) error{
		validateServer,
		validateDatabase,
		validateCache,
		validateLocks,
		validateDynamics,
		validateRecovery,
		validateDialectic,
		validateKnowledge,
		validateRateLimits,
		validateGate,
	}
	for _, check := range checks {
		if err := check(cfg); err != nil {
			return err
		}
	}
	return nil
}

func validateServer(cfg *Config) error {
	port, err := strconv.Atoi(cfg.Server.HTTPPort)
	if err != nil || port < 1 || port > 65535 {
		return NewValidationError("server", "http_port",
			fmt.Errorf("%w: %q", ErrInvalidValue, cfg.Server.HTTPPort))
	}
	return nil
}

func validateDatabase(cfg *Config) error {
	db := cfg.Database
	switch db.Backend {
	case BackendPostgres, BackendSQLite:
	default:
		return NewValidationError("database", "backend",
			fmt.Errorf("%w: %q (want %q or %q)", ErrInvalidValue, db.Backend, BackendPostgres, BackendSQLite))
	}
	if db.URL == "" {
		return NewValidationError("database", "url",
			fmt.Errorf("%w: DB_URL is required for the %s backend", ErrMissingRequiredField, db.Backend))
	}
	if db.MinConns < 0 {
		return NewValidationError("database", "min_conns",
			fmt.Errorf("%w: %d", ErrInvalidValue, db.MinConns))
	}
	if db.MaxConns < 1 || db.MaxConns < db.MinConns {
		return NewValidationError("database", "max_conns",
			fmt.Errorf("%w: %d (min_conns is %d)", ErrInvalidValue, db.MaxConns, db.MinConns))
	}
	return nil
}

func validateCache(cfg *Config) error {
	if cfg.Cache.SessionTTL <= 0 {
		return NewValidationError("cache", "session_ttl",
			fmt.Errorf("%w: %v", ErrInvalidValue, cfg.Cache.SessionTTL))
	}
	return nil
}

func validateLocks(cfg *Config) error {
	if cfg.Locks.TTL <= 0 {
		return NewValidationError("locks", "ttl",
			fmt.Errorf("%w: %v", ErrInvalidValue, cfg.Locks.TTL))
	}
	return nil
}

func validateDynamics(cfg *Config) error {
	d := cfg.Dynamics

	switch d.IntegrityMode {
	case "nonlinear", "linear":
	default:
		return NewValidationError("dynamics", "integrity_mode",
			fmt.Errorf("%w: %q (want \"nonlinear\" or \"linear\")", ErrInvalidValue, d.IntegrityMode))
	}

	// Coefficients steer relaxation and decay rates; negative values would
	// flip the direction of the dynamics.
	coefficients := []struct {
		name  string
		value float64
	}{
		{"alpha", d.Alpha},
		{"beta_e", d.BetaE},
		{"beta_i", d.BetaI},
		{"gamma_i", d.GammaI},
		{"k", d.K},
		{"mu", d.Mu},
		{"lambda2", d.Lambda2},
		{"kappa", d.Kappa},
		{"delta", d.Delta},
		{"lambda1_base", d.Lambda1Base},
	}
	for _, c := range coefficients {
		if c.value < 0 {
			return NewValidationError("dynamics", c.name,
				fmt.Errorf("%w: %v (must be >= 0)", ErrInvalidValue, c.value))
		}
	}

	if d.C1 <= 0 {
		return NewValidationError("dynamics", "c1",
			fmt.Errorf("%w: %v (must be > 0)", ErrInvalidValue, d.C1))
	}
	// Coherence lives in [0,1]; a ceiling above 1 would break every
	// threshold comparison downstream.
	if d.CMax <= 0 || d.CMax > 1 {
		return NewValidationError("dynamics", "c_max",
			fmt.Errorf("%w: %v (must be in (0,1])", ErrInvalidValue, d.CMax))
	}
	if d.ParamDim < 0 {
		return NewValidationError("dynamics", "param_dim",
			fmt.Errorf("%w: %v", ErrInvalidValue, d.ParamDim))
	}
	if d.DriftDim < 0 {
		return NewValidationError("dynamics", "drift_dim",
			fmt.Errorf("%w: %v", ErrInvalidValue, d.DriftDim))
	}
	return nil
}

func validateRecovery(cfg *Config) error {
	r := cfg.Recovery
	if r.SweepInterval <= 0 {
		return NewValidationError("recovery", "sweep_interval",
			fmt.Errorf("%w: %v", ErrInvalidValue, r.SweepInterval))
	}
	if r.Warmup < 0 {
		return NewValidationError("recovery", "warmup",
			fmt.Errorf("%w: %v", ErrInvalidValue, r.Warmup))
	}
	if r.Parallelism < 1 {
		return NewValidationError("recovery", "parallelism",
			fmt.Errorf("%w: %v", ErrInvalidValue, r.Parallelism))
	}
	if r.ActionWindow <= 0 {
		return NewValidationError("recovery", "action_window",
			fmt.Errorf("%w: %v", ErrInvalidValue, r.ActionWindow))
	}
	return nil
}

func validateDialectic(cfg *Config) error {
	d := cfg.Dialectic
	if d.SessionTimeout <= 0 {
		return NewValidationError("dialectic", "session_timeout",
			fmt.Errorf("%w: %v", ErrInvalidValue, d.SessionTimeout))
	}
	if d.ReopenCooldown < 0 {
		return NewValidationError("dialectic", "reopen_cooldown",
			fmt.Errorf("%w: %v", ErrInvalidValue, d.ReopenCooldown))
	}
	if d.MaxSynthesisAttempts < 1 {
		return NewValidationError("dialectic", "max_synthesis_attempts",
			fmt.Errorf("%w: %v", ErrInvalidValue, d.MaxSynthesisAttempts))
	}
	return nil
}

func validateKnowledge(cfg *Config) error {
	k := cfg.Knowledge
	if k.Retention <= 0 {
		return NewValidationError("knowledge", "retention",
			fmt.Errorf("%w: %v", ErrInvalidValue, k.Retention))
	}
	if k.CleanupInterval <= 0 {
		return NewValidationError("knowledge", "cleanup_interval",
			fmt.Errorf("%w: %v", ErrInvalidValue, k.CleanupInterval))
	}
	return nil
}

func validateRateLimits(cfg *Config) error {
	r := cfg.RateLimits
	if r.Window <= 0 {
		return NewValidationError("rate_limits", "window",
			fmt.Errorf("%w: %v", ErrInvalidValue, r.Window))
	}
	classes := []struct {
		name  string
		limit int
	}{
		{"knowledge", r.Knowledge},
		{"updates", r.Updates},
		{"dialectic", r.Dialectic},
		{"admin", r.Admin},
	}
	for _, c := range classes {
		if c.limit < 1 {
			return NewValidationError("rate_limits", c.name,
				fmt.Errorf("%w: %d (must be >= 1)", ErrInvalidValue, c.limit))
		}
	}
	return nil
}

// validateGate compiles each extra pattern the same way the safety gate
// will, so a bad regex surfaces at startup instead of on first review.
func validateGate(cfg *Config) error {
	for _, p := range cfg.Gate.ForbiddenPatterns {
		if _, err := regexp.Compile(`(?i)` + p); err != nil {
			return NewValidationError("safety_gate", "forbidden_patterns",
				fmt.Errorf("%w: %q: %v", ErrInvalidValue, p, err))
		}
	}
	return nil
}
