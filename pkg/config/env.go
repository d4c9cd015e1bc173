package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnv overlays the environment variable table onto cfg. Environment
// values are authoritative: they are applied after the YAML merge.
func applyEnv(cfg *Config) error {
	cfg.Server.HTTPPort = getEnvOrDefault("HTTP_PORT", cfg.Server.HTTPPort)
	cfg.Server.AdminToken = os.Getenv("ADMIN_TOKEN")

	cfg.Database.Backend = strings.ToLower(getEnvOrDefault("DB_BACKEND", cfg.Database.Backend))
	cfg.Database.URL = getEnvOrDefault("DB_URL", cfg.Database.URL)

	minConns, err := getEnvInt("DB_MIN_CONN", cfg.Database.MinConns)
	if err != nil {
		return err
	}
	maxConns, err := getEnvInt("DB_MAX_CONN", cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	cfg.Database.MinConns = minConns
	cfg.Database.MaxConns = maxConns

	resolveBackend(&cfg.Database)

	cfg.Cache.URL = getEnvOrDefault("CACHE_URL", cfg.Cache.URL)
	if v := os.Getenv("CACHE_ENABLED"); v == "0" || strings.EqualFold(v, "false") {
		cfg.Cache.Enabled = false
	}

	sessionTTL, err := getEnvSeconds("SESSION_TTL_SECONDS", cfg.Cache.SessionTTL)
	if err != nil {
		return err
	}
	cfg.Cache.SessionTTL = sessionTTL

	lockTTL, err := getEnvSeconds("LOCK_TIMEOUT_SECONDS", cfg.Locks.TTL)
	if err != nil {
		return err
	}
	cfg.Locks.TTL = lockTTL

	sweep, err := getEnvSeconds("STUCK_SWEEP_INTERVAL_SECONDS", cfg.Recovery.SweepInterval)
	if err != nil {
		return err
	}
	cfg.Recovery.SweepInterval = sweep

	cfg.Dynamics.IntegrityMode = strings.ToLower(getEnvOrDefault("I_DYNAMICS_MODE", cfg.Dynamics.IntegrityMode))

	cfg.Capabilities.SummarizerEndpoint = getEnvOrDefault("SUMMARIZER_ENDPOINT", cfg.Capabilities.SummarizerEndpoint)
	cfg.Capabilities.EmbeddingsEndpoint = getEnvOrDefault("EMBEDDINGS_ENDPOINT", cfg.Capabilities.EmbeddingsEndpoint)

	return nil
}

// resolveBackend fills in the store backend when DB_BACKEND is unset:
// postgres when a URL is configured, the embedded sqlite store otherwise.
// A sqlite backend without a URL gets the default database path.
func resolveBackend(db *DatabaseConfig) {
	if db.Backend == "" {
		if db.URL != "" {
			db.Backend = BackendPostgres
		} else {
			db.Backend = BackendSQLite
		}
	}
	if db.Backend == BackendSQLite && db.URL == "" {
		db.URL = DefaultSQLitePath
		slog.Info("No DB_URL configured, falling back to the embedded sqlite store", "path", db.URL)
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, val, err)
	}
	return n, nil
}

func getEnvSeconds(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, val, err)
	}
	return time.Duration(n) * time.Second, nil
}
