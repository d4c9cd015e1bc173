// Package e2e boots a complete UNITARES replica against a real store and
// drives it over HTTP, the way an agent fleet would.
package e2e

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CIRWEL/unitares/pkg/api"
	"github.com/CIRWEL/unitares/pkg/audit"
	"github.com/CIRWEL/unitares/pkg/cache"
	"github.com/CIRWEL/unitares/pkg/config"
	"github.com/CIRWEL/unitares/pkg/dialectic"
	"github.com/CIRWEL/unitares/pkg/dynamics"
	"github.com/CIRWEL/unitares/pkg/locks"
	"github.com/CIRWEL/unitares/pkg/metrics"
	"github.com/CIRWEL/unitares/pkg/notes"
	"github.com/CIRWEL/unitares/pkg/observe"
	"github.com/CIRWEL/unitares/pkg/ops"
	"github.com/CIRWEL/unitares/pkg/recovery"
	"github.com/CIRWEL/unitares/pkg/registry"
	"github.com/CIRWEL/unitares/pkg/store"
	testdb "github.com/CIRWEL/unitares/test/database"
)

const testAdminToken = "e2e-admin-token"

// TestApp is one running replica: the full service graph over a store,
// served by httptest. The recovery sweeper is built but never started;
// tests call Sweep directly so detection has no timing races.
type TestApp struct {
	Store    store.Store
	Cache    *cache.Cache
	Engine   *dynamics.Engine
	Registry *registry.Resolver
	Machine  *dialectic.Machine
	Notes    *notes.Service
	Sweeper  *recovery.Service
	Dispatch *ops.Dispatcher
	HTTP     *httptest.Server
	BaseURL  string

	t *testing.T
}

// testAppConfig holds options accumulated before boot.
type testAppConfig struct {
	store      store.Store // injected store, for multi-replica tests
	adminToken string
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithStore injects a pre-opened store, skipping the default in-memory
// database. Multi-replica tests use this to share one schema.
func WithStore(st store.Store) TestAppOption {
	return func(c *testAppConfig) { c.store = st }
}

// WithAdminToken overrides the operator token.
func WithAdminToken(token string) TestAppOption {
	return func(c *testAppConfig) { c.adminToken = token }
}

// NewTestApp boots a replica. Shutdown is registered via t.Cleanup.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()
	ctx := context.Background()

	tc := &testAppConfig{adminToken: testAdminToken}
	for _, opt := range opts {
		opt(tc)
	}

	// 1. Store - injected or a fresh in-memory database.
	st := tc.store
	if st == nil {
		st = testdb.Open(t)
	}

	// 2. Ephemeral layer: cache and write locks. Local locks suffice;
	// cross-replica safety rides on the store's conflict guard.
	c := cache.New(cache.Config{Enabled: true})
	t.Cleanup(func() { _ = c.Close() })
	locker := locks.NewLocal(500 * time.Millisecond)
	require.NoError(t, locker.Start(ctx))
	t.Cleanup(locker.Stop)

	// 3. Audit trail and metrics.
	recorder := audit.NewRecorder(st)
	m := metrics.New()

	// 4. Governance core.
	engine := dynamics.New(st, locker, recorder, dynamics.DefaultParams(), dynamics.DefaultConfig())

	// 5. Identity and knowledge.
	reg := registry.New(st, c, recorder, time.Hour)
	notesSvc := notes.New(st, c, nil)

	// 6. Dialectic machine with the default gate.
	machine := dialectic.New(st, locker, engine, recorder, nil, nil, m, dialectic.Config{})

	// 7. Recovery sweeper, deliberately not started.
	tracker := recovery.NewTracker(recovery.DefaultPatternWindow)
	sweeper := recovery.New(st, engine, machine, notesSvc, tracker, m, recovery.Config{})

	// 8. Operation surface. Budgets are high enough that no scenario
	// trips a rate limit by accident.
	dispatcher := ops.New(ops.Deps{
		Store:     st,
		Cache:     c,
		Locks:     locker,
		Registry:  reg,
		Engine:    engine,
		Dialectic: machine,
		Notes:     notesSvc,
		Observer:  observe.New(st, engine),
		Tracker:   tracker,
		Audit:     recorder,
		Metrics:   m,
	}, ops.Config{
		AdminToken: tc.adminToken,
		RateLimits: config.RateLimitConfig{
			Window:    time.Minute,
			Knowledge: 1000,
			Updates:   1000,
			Dialectic: 1000,
			Admin:     1000,
		},
		KnowledgeRetention: time.Hour,
	})

	// 9. HTTP server on a random port.
	srv := api.NewServer(dispatcher, m.Handler())
	httpServer := httptest.NewServer(srv.Handler())
	t.Cleanup(httpServer.Close)

	require.NotEmpty(t, httpServer.URL)
	return &TestApp{
		Store:    st,
		Cache:    c,
		Engine:   engine,
		Registry: reg,
		Machine:  machine,
		Notes:    notesSvc,
		Sweeper:  sweeper,
		Dispatch: dispatcher,
		HTTP:     httpServer,
		BaseURL:  httpServer.URL,
		t:        t,
	}
}
