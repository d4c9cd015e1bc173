// Package config loads runtime configuration from two layers: environment
// variables for operational wiring (store backend, cache, timeouts) and an
// optional unitares.yaml for governance tuning (dynamics coefficients,
// safety-gate patterns, rate limits). YAML overrides built-in defaults;
// the environment is authoritative for everything in its table.
package config

import "time"

// Config is the umbrella configuration object returned by Initialize()
// and consumed by process wiring in main.
type Config struct {
	configDir string

	Server       ServerConfig
	Database     DatabaseConfig
	Cache        CacheConfig
	Locks        LockConfig
	Dynamics     DynamicsConfig
	Recovery     RecoveryConfig
	Dialectic    DialecticConfig
	Knowledge    KnowledgeConfig
	RateLimits   RateLimitConfig
	Gate         GateConfig
	Capabilities CapabilitiesConfig
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	// HTTPPort is the listen port for the API server.
	HTTPPort string
	// AdminToken guards operator-only operations. Empty disables them.
	AdminToken string
}

// Store backends selectable via DB_BACKEND.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// DefaultSQLitePath is the embedded store location used when no backend
// is configured at all.
const DefaultSQLitePath = "unitares.db"

// DatabaseConfig selects and tunes the durable store.
type DatabaseConfig struct {
	// Backend is "postgres" or "sqlite". Empty resolves to postgres when
	// a URL is set and to the embedded sqlite store otherwise.
	Backend  string
	URL      string
	MinConns int
	MaxConns int
}

// CacheConfig tunes the ephemeral session/rate-limit cache.
type CacheConfig struct {
	URL        string
	Enabled    bool
	SessionTTL time.Duration
}

// LockConfig tunes per-agent write locks.
type LockConfig struct {
	TTL time.Duration
}

// DynamicsConfig is the deployment coefficient sheet for the EISV system.
// The integration step is fixed and deliberately absent: tuning it would
// change what the recorded histories mean.
type DynamicsConfig struct {
	Alpha       float64 `yaml:"alpha"`
	BetaE       float64 `yaml:"beta_e"`
	BetaI       float64 `yaml:"beta_i"`
	GammaI      float64 `yaml:"gamma_i"`
	K           float64 `yaml:"k"`
	Mu          float64 `yaml:"mu"`
	Lambda2     float64 `yaml:"lambda2"`
	Kappa       float64 `yaml:"kappa"`
	Delta       float64 `yaml:"delta"`
	Lambda1Base float64 `yaml:"lambda1_base"`
	C1          float64 `yaml:"c1"`
	CMax        float64 `yaml:"c_max"`
	ParamDim    int     `yaml:"param_dim"`
	DriftDim    int     `yaml:"drift_dim"`

	// IntegrityMode is "nonlinear" or "linear", set via I_DYNAMICS_MODE.
	IntegrityMode string `yaml:"-"`
}

// RecoveryConfig tunes the stuck-agent sweep. The interval comes from the
// environment; the rest from unitares.yaml.
type RecoveryConfig struct {
	SweepInterval time.Duration
	Warmup        time.Duration
	Parallelism   int
	ActionWindow  time.Duration
}

// DialecticConfig tunes review session behavior.
type DialecticConfig struct {
	SessionTimeout       time.Duration
	ReopenCooldown       time.Duration
	MaxSynthesisAttempts int
}

// KnowledgeConfig tunes note retention.
type KnowledgeConfig struct {
	Retention       time.Duration
	CleanupInterval time.Duration
}

// RateLimitConfig is the per-class hourly budget, counted per agent.
type RateLimitConfig struct {
	// Window is the sliding window all class budgets share.
	Window time.Duration `yaml:"-"`

	Knowledge int `yaml:"knowledge"`
	Updates   int `yaml:"updates"`
	Dialectic int `yaml:"dialectic"`
	Admin     int `yaml:"admin"`
}

// Limit returns the budget for a class name, or 0 when the class is not
// rate limited.
func (r RateLimitConfig) Limit(class string) int {
	switch class {
	case "knowledge":
		return r.Knowledge
	case "updates":
		return r.Updates
	case "dialectic":
		return r.Dialectic
	case "admin":
		return r.Admin
	default:
		return 0
	}
}

// GateConfig extends the safety gate. Patterns are appended to the built-in
// set; the built-ins cannot be removed.
type GateConfig struct {
	ForbiddenPatterns []string `yaml:"forbidden_patterns"`
}

// CapabilitiesConfig points at optional external collaborators. Empty
// endpoints leave the corresponding capability as a no-op.
type CapabilitiesConfig struct {
	SummarizerEndpoint string
	EmbeddingsEndpoint string
}

// Default returns the built-in configuration. Every value here can run a
// working single-node deployment with no YAML and no environment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort: "8080",
		},
		Database: DatabaseConfig{
			MinConns: 5,
			MaxConns: 25,
		},
		Cache: CacheConfig{
			Enabled:    true,
			SessionTTL: time.Hour,
		},
		Locks: LockConfig{
			TTL: 30 * time.Second,
		},
		Dynamics: DynamicsConfig{
			Alpha:         0.8,
			BetaE:         0.5,
			BetaI:         0.3,
			GammaI:        0.1,
			K:             0.4,
			Mu:            0.3,
			Lambda2:       0.2,
			Kappa:         0.5,
			Delta:         0.2,
			Lambda1Base:   0.3,
			C1:            3.0,
			CMax:          1.0,
			ParamDim:      128,
			DriftDim:      3,
			IntegrityMode: "nonlinear",
		},
		Recovery: RecoveryConfig{
			SweepInterval: 5 * time.Minute,
			Warmup:        10 * time.Second,
			Parallelism:   4,
			ActionWindow:  time.Hour,
		},
		Dialectic: DialecticConfig{
			SessionTimeout:       time.Hour,
			ReopenCooldown:       time.Hour,
			MaxSynthesisAttempts: 3,
		},
		Knowledge: KnowledgeConfig{
			Retention:       30 * 24 * time.Hour,
			CleanupInterval: time.Hour,
		},
		RateLimits: RateLimitConfig{
			Window:    time.Hour,
			Knowledge: 20,
			Updates:   600,
			Dialectic: 60,
			Admin:     120,
		},
	}
}
