package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/anbu0809/strata-migrate/internal/logger"
	"github.com/anbu0809/strata-migrate/internal/utils"
)

// Dialect tags a database family.
type Dialect string

const (
	MySQL    Dialect = "mysql"
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

func ParseDialect(s string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(s))); d {
	case MySQL, Postgres, SQLite:
		return d, nil
	}
	return "", fmt.Errorf("unsupported dialect: %s", s)
}

func (d Dialect) String() string { return string(d) }

// Quote quotes an identifier for this dialect.
func (d Dialect) Quote(name string) string { return utils.QuoteIdentifier(name, string(d)) }

// TransactionalDDL reports whether DDL can be rolled back inside a
// transaction. MySQL commits implicitly on every DDL statement.
func (d Dialect) TransactionalDDL() bool { return d != MySQL }

// RowValueSeek reports whether keyset predicates may use row-value
// comparison ((a,b) > (?,?)). SQLite gets the OR-expanded form instead.
func (d Dialect) RowValueSeek() bool { return d == MySQL || d == Postgres }

// MaxDecimal returns the largest DECIMAL precision and scale the dialect can
// store. Zero means unbounded.
func (d Dialect) MaxDecimal() (precision, scale int) {
	switch d {
	case MySQL:
		return 65, 30
	case Postgres:
		return 1000, 1000
	}
	return 0, 0
}

// MaxVarchar is the largest declarable VARCHAR length; zero means unbounded.
func (d Dialect) MaxVarchar() int {
	switch d {
	case MySQL:
		return 16383 // utf8mb4 row limit
	case Postgres:
		return 10485760
	}
	return 0
}

// Connector wraps a gorm handle with its dialect.
type Connector struct {
	DB      *gorm.DB
	Dialect Dialect
}

func New(dialect Dialect, dsn string, gl gormlogger.Interface) (*Connector, error) {
	var dialector gorm.Dialector
	switch dialect {
	case MySQL:
		dialector = mysql.Open(dsn)
	case Postgres:
		dialector = postgres.Open(dsn)
	case SQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gl,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database (%s): %w", dialect, err)
	}
	return &Connector{DB: gdb, Dialect: dialect}, nil
}

// Optimize configures the underlying connection pool.
func (c *Connector) Optimize(poolSize int, maxLifetime time.Duration) error {
	sqlDB, err := c.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB for optimization: %w", err)
	}
	if poolSize <= 0 {
		poolSize = 10
	}
	if maxLifetime <= 0 {
		maxLifetime = time.Hour
	}

	switch c.Dialect {
	case MySQL, Postgres:
		sqlDB.SetMaxIdleConns(max(1, poolSize/2))
		sqlDB.SetMaxOpenConns(poolSize)
		sqlDB.SetConnMaxLifetime(maxLifetime)
	case SQLite:
		// One writer at a time; extra connections only produce SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetConnMaxLifetime(0)
	}
	return nil
}

func (c *Connector) SQLDB() (*sql.DB, error) {
	return c.DB.DB()
}

func (c *Connector) Ping(ctx context.Context) error {
	sqlDB, err := c.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB for ping: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func (c *Connector) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	sqlDB, err := c.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB handle to close: %w", err)
	}
	logger.Log.Debug("Closing database connection pool", zap.String("dialect", string(c.Dialect)))
	return sqlDB.Close()
}
