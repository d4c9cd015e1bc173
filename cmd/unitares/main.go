// UNITARES governance server - hosts the operation surface over HTTP,
// advances agent EISV state, and runs the background recovery sweeps.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/CIRWEL/unitares/pkg/api"
	"github.com/CIRWEL/unitares/pkg/audit"
	"github.com/CIRWEL/unitares/pkg/cache"
	"github.com/CIRWEL/unitares/pkg/cleanup"
	"github.com/CIRWEL/unitares/pkg/config"
	"github.com/CIRWEL/unitares/pkg/dialectic"
	"github.com/CIRWEL/unitares/pkg/dynamics"
	"github.com/CIRWEL/unitares/pkg/embedder"
	"github.com/CIRWEL/unitares/pkg/locks"
	"github.com/CIRWEL/unitares/pkg/metrics"
	"github.com/CIRWEL/unitares/pkg/notes"
	"github.com/CIRWEL/unitares/pkg/observe"
	"github.com/CIRWEL/unitares/pkg/ops"
	"github.com/CIRWEL/unitares/pkg/recovery"
	"github.com/CIRWEL/unitares/pkg/registry"
	"github.com/CIRWEL/unitares/pkg/store"
	"github.com/CIRWEL/unitares/pkg/store/postgres"
	"github.com/CIRWEL/unitares/pkg/store/sqlite"
	"github.com/CIRWEL/unitares/pkg/summarizer"
	"github.com/CIRWEL/unitares/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// openStore picks the persistence backend from configuration. Both backends
// run their schema migrations inside Open.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		return postgres.Open(ctx, postgres.Config{
			URL:      cfg.URL,
			MinConns: int32(cfg.MinConns),
			MaxConns: int32(cfg.MaxConns),
		})
	default:
		return sqlite.Open(ctx, cfg.URL)
	}
}

// buildLocker returns the write-lock backend: Redis when a cache URL is
// configured (the lock must be cluster-wide when replicas share a cache),
// otherwise the in-process locker with its TTL reaper started.
func buildLocker(ctx context.Context, cacheURL string) (locks.Locker, func(), error) {
	if cacheURL != "" {
		opt, err := redis.ParseURL(cacheURL)
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(opt)
		locker := locks.NewRedis(client, 0)
		stop := func() {
			if err := client.Close(); err != nil {
				slog.Error("Error closing lock Redis client", "error", err)
			}
		}
		return locker, stop, nil
	}
	locker := locks.NewLocal(0)
	if err := locker.Start(ctx); err != nil {
		return nil, nil, err
	}
	return locker, locker.Stop, nil
}

// dynamicsParams maps the deployment coefficient sheet onto engine
// parameters. DT stays at its default: the step is part of what recorded
// histories mean and is not tunable per deployment.
func dynamicsParams(cfg config.DynamicsConfig) dynamics.Params {
	p := dynamics.DefaultParams()
	p.Alpha = cfg.Alpha
	p.BetaE = cfg.BetaE
	p.BetaI = cfg.BetaI
	p.GammaI = cfg.GammaI
	p.K = cfg.K
	p.Mu = cfg.Mu
	p.Lambda2 = cfg.Lambda2
	p.Kappa = cfg.Kappa
	p.Delta = cfg.Delta
	p.Lambda1Base = cfg.Lambda1Base
	p.C1 = cfg.C1
	p.CMax = cfg.CMax
	if cfg.IntegrityMode == string(dynamics.IntegrityLinear) {
		p.Mode = dynamics.IntegrityLinear
	} else {
		p.Mode = dynamics.IntegrityNonlinear
	}
	return p
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting UNITARES",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Open the persistence backend
	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to open store", "backend", cfg.Database.Backend, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()
	slog.Info("Store ready", "backend", cfg.Database.Backend)

	// 3. Session cache and write locks
	c := cache.New(cache.Config{
		URL:        cfg.Cache.URL,
		Enabled:    cfg.Cache.Enabled,
		SessionTTL: cfg.Cache.SessionTTL,
	})
	defer c.Close()
	slog.Info("Cache ready", "mode", c.Mode())

	locker, stopLocker, err := buildLocker(ctx, cfg.Cache.URL)
	if err != nil {
		slog.Error("Failed to initialize write locks", "error", err)
		os.Exit(1)
	}
	defer stopLocker()

	// 4. Audit trail, metrics, and the EISV engine
	recorder := audit.NewRecorder(st)
	m := metrics.New()

	engine := dynamics.New(st, locker, recorder, dynamicsParams(cfg.Dynamics), dynamics.Config{
		ParamDim: cfg.Dynamics.ParamDim,
		DriftDim: cfg.Dynamics.DriftDim,
		LockTTL:  cfg.Locks.TTL,
	})
	slog.Info("Dynamics engine ready", "integrity_mode", cfg.Dynamics.IntegrityMode)

	// 5. Identity registry, knowledge service, and capability clients
	reg := registry.New(st, c, recorder, cfg.Cache.SessionTTL)

	emb := embedder.New(cfg.Capabilities.EmbeddingsEndpoint)
	notesSvc := notes.New(st, c, emb).
		WithWriteBudget(cfg.RateLimits.Knowledge, cfg.RateLimits.Window)

	summ := summarizer.New(cfg.Capabilities.SummarizerEndpoint)

	// 6. Dialectic review machine
	gate, err := dialectic.NewGate(cfg.Gate.ForbiddenPatterns)
	if err != nil {
		slog.Error("Failed to compile safety gate patterns", "error", err)
		os.Exit(1)
	}
	machine := dialectic.New(st, locker, engine, recorder, summ, gate, m, dialectic.Config{
		MaxSynthesisAttempts: cfg.Dialectic.MaxSynthesisAttempts,
		SessionTimeout:       cfg.Dialectic.SessionTimeout,
		ReopenCooldown:       cfg.Dialectic.ReopenCooldown,
		LockTTL:              cfg.Locks.TTL,
	})
	slog.Info("Dialectic machine ready",
		"session_timeout", cfg.Dialectic.SessionTimeout,
		"forbidden_patterns", len(cfg.Gate.ForbiddenPatterns))

	// 7. Observability and background sweeps
	obs := observe.New(st, engine)
	tracker := recovery.NewTracker(recovery.DefaultPatternWindow)

	sweeper := recovery.New(st, engine, machine, notesSvc, tracker, m, recovery.Config{
		Interval:     cfg.Recovery.SweepInterval,
		Warmup:       cfg.Recovery.Warmup,
		Parallelism:  cfg.Recovery.Parallelism,
		ActionWindow: cfg.Recovery.ActionWindow,
	})
	sweeper.Start(ctx)
	slog.Info("Recovery sweep started", "interval", cfg.Recovery.SweepInterval)

	retention := cleanup.New(st, notesSvc, locker, cleanup.Config{
		Interval:      cfg.Knowledge.CleanupInterval,
		NoteRetention: cfg.Knowledge.Retention,
	})
	retention.Start(ctx)
	slog.Info("Retention sweep started", "interval", cfg.Knowledge.CleanupInterval)

	// 8. Operation dispatcher and HTTP server
	dispatcher := ops.New(ops.Deps{
		Store:     st,
		Cache:     c,
		Locks:     locker,
		Registry:  reg,
		Engine:    engine,
		Dialectic: machine,
		Notes:     notesSvc,
		Observer:  obs,
		Tracker:   tracker,
		Audit:     recorder,
		Metrics:   m,
	}, ops.Config{
		AdminToken:         cfg.Server.AdminToken,
		RateLimits:         cfg.RateLimits,
		KnowledgeRetention: cfg.Knowledge.Retention,
	})

	httpServer := api.NewServer(dispatcher, m.Handler())

	// 9. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Server.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("UNITARES started successfully",
		"http_port", cfg.Server.HTTPPort,
		"admin_enabled", cfg.Server.AdminToken != "")

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: sweeps first so no sweep holds a lock while
	// the store goes away, then the HTTP server on its own budget.
	sweeper.Stop()
	slog.Info("Recovery sweep stopped")

	retention.Stop()
	slog.Info("Retention sweep stopped")

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
