// Package database provides the store-under-test helpers shared by
// integration and end-to-end tests. The default backend is in-memory
// SQLite; setting UNITARES_TEST_DB=postgres moves the same tests onto an
// isolated PostgreSQL schema (CI service container or a local
// testcontainer, see test/util).
package database

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CIRWEL/unitares/pkg/store"
	"github.com/CIRWEL/unitares/pkg/store/postgres"
	"github.com/CIRWEL/unitares/pkg/store/sqlite"
	"github.com/CIRWEL/unitares/test/util"
)

// Open returns a migrated store for one test, closed via t.Cleanup.
func Open(t *testing.T) store.Store {
	t.Helper()
	if os.Getenv("UNITARES_TEST_DB") == "postgres" {
		return OpenPostgres(t)
	}
	return OpenSQLite(t)
}

// OpenSQLite opens a private in-memory store.
func OpenSQLite(t *testing.T) store.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// OpenPostgres provisions an isolated schema on the shared test database
// and opens a pool on it. Skipped in -short runs: without CI_DATABASE_URL
// the schema lives on a testcontainer.
func OpenPostgres(t *testing.T) store.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed store in short mode")
	}
	url := util.SetupTestDatabase(t)
	s, err := postgres.Open(context.Background(), postgres.Config{URL: url, MinConns: 1, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// SharedPostgres is one isolated schema that several pools may join, for
// tests that run multiple replicas against the same data.
type SharedPostgres struct {
	URL string
}

// NewSharedPostgres provisions the schema. Migrations run when the first
// pool opens; reopening the already-migrated schema is a no-op.
func NewSharedPostgres(t *testing.T) *SharedPostgres {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed store in short mode")
	}
	return &SharedPostgres{URL: util.SetupTestDatabase(t)}
}

// OpenPool opens an independent connection pool on the shared schema,
// closed via t.Cleanup.
func (s *SharedPostgres) OpenPool(t *testing.T) store.Store {
	t.Helper()
	st, err := postgres.Open(context.Background(), postgres.Config{URL: s.URL, MinConns: 1, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}
