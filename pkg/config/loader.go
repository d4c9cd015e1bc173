package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// governanceFile is the optional tuning file looked up in the config dir.
const governanceFile = "unitares.yaml"

// governanceYAML is the unitares.yaml file structure. Every section is
// optional; absent sections keep the built-in defaults.
type governanceYAML struct {
	Dynamics   *DynamicsConfig  `yaml:"dynamics"`
	RateLimits *RateLimitConfig `yaml:"rate_limits"`
	SafetyGate *GateConfig      `yaml:"safety_gate"`
	Recovery   *recoveryYAML    `yaml:"recovery"`
	Dialectic  *dialecticYAML   `yaml:"dialectic"`
	Knowledge  *knowledgeYAML   `yaml:"knowledge"`
}

// Duration fields arrive as strings ("30s", "1h") and are parsed with
// time.ParseDuration; the sweep interval is environment-only and has no
// YAML counterpart.
type recoveryYAML struct {
	Warmup       string `yaml:"warmup"`
	Parallelism  int    `yaml:"parallelism"`
	ActionWindow string `yaml:"action_window"`
}

type dialecticYAML struct {
	SessionTimeout       string `yaml:"session_timeout"`
	ReopenCooldown       string `yaml:"reopen_cooldown"`
	MaxSynthesisAttempts int    `yaml:"max_synthesis_attempts"`
}

type knowledgeYAML struct {
	Retention       string `yaml:"retention"`
	CleanupInterval string `yaml:"cleanup_interval"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Merge unitares.yaml from configDir if present (env vars expanded)
//  3. Apply the environment variable table
//  4. Validate the result
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"db_backend", cfg.Database.Backend,
		"cache_enabled", cfg.Cache.Enabled,
		"integrity_mode", cfg.Dynamics.IntegrityMode,
		"extra_gate_patterns", len(cfg.Gate.ForbiddenPatterns))

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	cfg := Default()
	cfg.configDir = configDir

	overlay, err := loadGovernanceYAML(configDir)
	if err != nil {
		return nil, NewLoadError(governanceFile, err)
	}
	if overlay != nil {
		if err := applyGovernance(cfg, overlay); err != nil {
			return nil, NewLoadError(governanceFile, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadGovernanceYAML reads and parses unitares.yaml. A missing file is not
// an error; the file is optional.
func loadGovernanceYAML(configDir string) (*governanceYAML, error) {
	path := filepath.Join(configDir, governanceFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No governance config found, using built-in defaults", "path", path)
			return nil, nil
		}
		return nil, err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing the YAML parser to handle the content (or fail with a clearer
	// error message).
	data = ExpandEnv(data)

	var overlay governanceYAML
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return &overlay, nil
}

// applyGovernance merges the YAML overlay over the defaults already in cfg.
// Numeric sections merge field-wise (set values override, unset keep the
// default); gate patterns append to the built-in set.
func applyGovernance(cfg *Config, overlay *governanceYAML) error {
	if overlay.Dynamics != nil {
		if err := mergo.Merge(&cfg.Dynamics, *overlay.Dynamics, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge dynamics config: %w", err)
		}
	}

	if overlay.RateLimits != nil {
		if err := mergo.Merge(&cfg.RateLimits, *overlay.RateLimits, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge rate limit config: %w", err)
		}
	}

	if overlay.SafetyGate != nil {
		cfg.Gate.ForbiddenPatterns = append(cfg.Gate.ForbiddenPatterns, overlay.SafetyGate.ForbiddenPatterns...)
	}

	if r := overlay.Recovery; r != nil {
		cfg.Recovery.Warmup = resolveDuration("recovery.warmup", r.Warmup, cfg.Recovery.Warmup)
		cfg.Recovery.ActionWindow = resolveDuration("recovery.action_window", r.ActionWindow, cfg.Recovery.ActionWindow)
		if r.Parallelism > 0 {
			cfg.Recovery.Parallelism = r.Parallelism
		}
	}

	if d := overlay.Dialectic; d != nil {
		cfg.Dialectic.SessionTimeout = resolveDuration("dialectic.session_timeout", d.SessionTimeout, cfg.Dialectic.SessionTimeout)
		cfg.Dialectic.ReopenCooldown = resolveDuration("dialectic.reopen_cooldown", d.ReopenCooldown, cfg.Dialectic.ReopenCooldown)
		if d.MaxSynthesisAttempts > 0 {
			cfg.Dialectic.MaxSynthesisAttempts = d.MaxSynthesisAttempts
		}
	}

	if k := overlay.Knowledge; k != nil {
		cfg.Knowledge.Retention = resolveDuration("knowledge.retention", k.Retention, cfg.Knowledge.Retention)
		cfg.Knowledge.CleanupInterval = resolveDuration("knowledge.cleanup_interval", k.CleanupInterval, cfg.Knowledge.CleanupInterval)
	}

	return nil
}

// resolveDuration parses a duration string from YAML, keeping the default
// on empty or unparsable input.
func resolveDuration(field, raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("Invalid duration in governance config, using default",
			"field", field,
			"value", raw,
			"default", def,
			"error", err)
		return def
	}
	return d
}
