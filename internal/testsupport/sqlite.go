// Package testsupport holds helpers shared by package tests: throwaway
// SQLite databases for unit tests and MySQL/Postgres containers for the
// integration suite.
package testsupport

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anbu0809/strata-migrate/internal/config"
	"github.com/anbu0809/strata-migrate/internal/db"
)

// SQLiteProfile returns a profile for a fresh database file under t.TempDir().
func SQLiteProfile(t *testing.T, name string) config.ConnectionProfile {
	t.Helper()
	return config.ConnectionProfile{Dialect: "sqlite", DBName: filepath.Join(t.TempDir(), name+".db"), PoolSize: 1}
}

// OpenSQLite opens profile and runs the given statements. The connection is
// closed when the test ends.
func OpenSQLite(t *testing.T, p config.ConnectionProfile, statements ...string) *db.Connector {
	t.Helper()
	conn, err := db.Open(context.Background(), p, nil, db.OpenOptions{Label: p.DBName, Retry: db.RetryPolicy{MaxRetries: 0}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	Exec(t, conn, statements...)
	return conn
}

// NewSQLite is OpenSQLite on a fresh file.
func NewSQLite(t *testing.T, name string, statements ...string) *db.Connector {
	t.Helper()
	return OpenSQLite(t, SQLiteProfile(t, name), statements...)
}

func Exec(t *testing.T, conn *db.Connector, statements ...string) {
	t.Helper()
	for _, s := range statements {
		require.NoError(t, conn.DB.Exec(s).Error, s)
	}
}

// Count returns SELECT COUNT(*) of table.
func Count(t *testing.T, conn *db.Connector, table string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, conn.DB.Raw("SELECT COUNT(*) FROM "+conn.Dialect.Quote(table)).Scan(&n).Error)
	return n
}
