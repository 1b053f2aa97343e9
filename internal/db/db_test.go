package db

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anbu0809/strata-migrate/internal/config"
	"github.com/anbu0809/strata-migrate/internal/errs"
	"github.com/anbu0809/strata-migrate/internal/metrics"
	"github.com/anbu0809/strata-migrate/internal/secrets"
)

func TestBuildDSN(t *testing.T) {
	creds := &secrets.Credentials{Username: "app", Password: "p@ss:word"}
	testCases := []struct {
		name     string
		profile  config.ConnectionProfile
		contains []string
	}{
		{
			name:     "mysql",
			profile:  config.ConnectionProfile{Dialect: "mysql", Host: "db", Port: 3306, DBName: "shop", SSLMode: "require"},
			contains: []string{"app:p@ss:word@tcp(db:3306)/shop", "parseTime=true", "tls=skip-verify", "charset=utf8mb4"},
		},
		{
			name:     "postgres",
			profile:  config.ConnectionProfile{Dialect: "postgres", Host: "db", Port: 5432, DBName: "shop"},
			contains: []string{"postgres://app:p%40ss%3Aword@db:5432/shop", "sslmode=disable", "connect_timeout=10"},
		},
		{
			name:     "sqlite",
			profile:  config.ConnectionProfile{Dialect: "sqlite", DBName: "/tmp/x.db"},
			contains: []string{"file:/tmp/x.db?", "_foreign_keys=1", "_busy_timeout=5000"},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dsn, err := BuildDSN(tc.profile, creds, 10*time.Second)
			require.NoError(t, err)
			for _, c := range tc.contains {
				assert.Contains(t, dsn, c)
			}
		})
	}

	_, err := BuildDSN(config.ConnectionProfile{Dialect: "oracle"}, creds, 0)
	assert.Error(t, err)
}

func TestDialectFacts(t *testing.T) {
	d, err := ParseDialect(" PostgreS ")
	require.NoError(t, err)
	assert.Equal(t, Postgres, d)
	assert.True(t, Postgres.TransactionalDDL())
	assert.False(t, MySQL.TransactionalDDL())
	assert.False(t, SQLite.RowValueSeek())
	p, s := MySQL.MaxDecimal()
	assert.Equal(t, 65, p)
	assert.Equal(t, 30, s)
	assert.Equal(t, "`a``b`", MySQL.Quote("a`b"))
}

func TestIsTransient(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), true},
		{"bad conn", driver.ErrBadConn, true},
		{"pg connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"pg deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"pg unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"mysql deadlock", &mysql.MySQLError{Number: 1213}, true},
		{"mysql gone away", &mysql.MySQLError{Number: 2006}, true},
		{"mysql syntax", &mysql.MySQLError{Number: 1064}, false},
		{"sqlite busy", errors.New("database is locked"), true},
		{"syntax", errors.New("near \"SELEC\": syntax error"), false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestIsAlreadyExists(t *testing.T) {
	assert.True(t, IsAlreadyExists(&pgconn.PgError{Code: "42P07"}))
	assert.True(t, IsAlreadyExists(&mysql.MySQLError{Number: 1050}))
	assert.True(t, IsAlreadyExists(errors.New("table orders already exists")))
	assert.True(t, IsAlreadyExists(errors.New("duplicate column name: total")))
	assert.False(t, IsAlreadyExists(&pgconn.PgError{Code: "42601"}))
	assert.False(t, IsAlreadyExists(nil))
}

func TestRetryStopsAtCeiling(t *testing.T) {
	calls := 0
	var notified []int
	err := Retry(context.Background(), RetryPolicy{MaxRetries: 3, Initial: time.Millisecond, MaxInterval: time.Millisecond},
		IsTransient,
		func(_ error, attempt int, _ time.Duration) { notified = append(notified, attempt) },
		func(context.Context) error {
			calls++
			return driver.ErrBadConn
		})
	assert.ErrorIs(t, err, driver.ErrBadConn)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []int{1, 2, 3}, notified)
}

func TestRetryDoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxRetries: 5, Initial: time.Millisecond}, IsTransient, nil,
		func(context.Context) error {
			calls++
			return errors.New("syntax error")
		})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxRetries: 3, Initial: time.Millisecond}, IsTransient, nil,
		func(context.Context) error {
			calls++
			if calls < 3 {
				return driver.ErrBadConn
			}
			return nil
		})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestOpenSQLite(t *testing.T) {
	p := config.ConnectionProfile{Dialect: "sqlite", DBName: filepath.Join(t.TempDir(), "src.db"), PoolSize: 4}
	store := metrics.NewStore()
	conn, err := Open(context.Background(), p, nil, OpenOptions{Label: "source", Metrics: store, Retry: RetryPolicy{MaxRetries: 1}})
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, SQLite, conn.Dialect)
	sqlDB, err := conn.SQLDB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
}

func TestOpenUnsupportedDialectIsConfigurationError(t *testing.T) {
	_, err := Open(context.Background(), config.ConnectionProfile{Dialect: "oracle"}, nil, OpenOptions{Label: "source"})
	assert.True(t, errs.Is(err, errs.KindConfiguration))
}

func TestCheckSQLite(t *testing.T) {
	p := config.ConnectionProfile{Dialect: "sqlite", DBName: filepath.Join(t.TempDir(), "check.db"), PoolSize: 1}
	results := Check(context.Background(), "source", p, nil, time.Second)
	require.Len(t, results, 1)
	assert.Equal(t, CheckPass, results[0].Status)
	assert.True(t, strings.HasPrefix(results[0].Detail, "3."))
}

func TestCheckUnreachableHostSkipsLaterSteps(t *testing.T) {
	p := config.ConnectionProfile{Dialect: "postgres", Host: "127.0.0.1", Port: 1, DBName: "x", PoolSize: 1}
	results := Check(context.Background(), "target", p, &secrets.Credentials{Username: "u", Password: "p"}, 500*time.Millisecond)
	require.Len(t, results, 3)
	assert.Equal(t, CheckPass, results[0].Status)
	assert.Equal(t, CheckFail, results[1].Status)
	assert.NotEmpty(t, results[1].SuggestedFix)
	assert.Equal(t, CheckSkip, results[2].Status)
}
