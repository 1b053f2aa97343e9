package schema

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/anbu0809/strata-migrate/internal/db"
	"github.com/anbu0809/strata-migrate/internal/errs"
)

// Introspector reads a live database into a Snapshot. It never writes.
type Introspector struct {
	Logger       *zap.Logger
	Retry        db.RetryPolicy
	QueryTimeout time.Duration
}

func NewIntrospector(logger *zap.Logger, retry db.RetryPolicy, queryTimeout time.Duration) *Introspector {
	return &Introspector{Logger: logger.Named("introspect"), Retry: retry, QueryTimeout: queryTimeout}
}

// Capture lists the tables matching sel and describes each of them.
// Transient failures are retried up to the policy ceiling and then surface
// as ConnectivityError; anything else is an IntrospectionError.
func (in *Introspector) Capture(ctx context.Context, conn *db.Connector, sel Selection) (*Snapshot, error) {
	log := in.Logger.With(zap.String("dialect", conn.Dialect.String()))
	started := time.Now()

	var names []string
	err := in.withRetry(ctx, log, "list tables", func(ctx context.Context) error {
		var err error
		names, err = listTables(ctx, conn.DB, conn.Dialect)
		return err
	})
	if err != nil {
		return nil, in.classify("list tables", err)
	}

	snap := &Snapshot{Dialect: conn.Dialect.String(), CapturedAt: time.Now().UTC()}
	for _, name := range names {
		if !sel.Match(name) {
			log.Debug("Table excluded by selection", zap.String("table", name))
			continue
		}
		var t Table
		op := "describe table " + name
		err := in.withRetry(ctx, log.With(zap.String("table", name)), op, func(ctx context.Context) error {
			var err error
			t, err = fetchTable(ctx, conn.DB, conn.Dialect, name)
			return err
		})
		if err != nil {
			return nil, in.classify(op, err)
		}
		if err := checkTable(&t); err != nil {
			return nil, errs.Introspection(op, err)
		}
		snap.Tables = append(snap.Tables, t)
	}
	sort.Slice(snap.Tables, func(i, j int) bool { return snap.Tables[i].Name < snap.Tables[j].Name })
	resolveImplicitReferences(snap)

	log.Info("Schema captured",
		zap.Int("tables", len(snap.Tables)),
		zap.Duration("duration", time.Since(started).Round(time.Millisecond)))
	return snap, nil
}

func (in *Introspector) withRetry(ctx context.Context, log *zap.Logger, op string, fn func(ctx context.Context) error) error {
	return db.Retry(ctx, in.Retry, db.IsTransient,
		func(err error, attempt int, wait time.Duration) {
			log.Warn("Introspection query failed, retrying",
				zap.String("op", op), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		},
		func(ctx context.Context) error {
			qctx, cancel := db.WithTimeout(ctx, in.QueryTimeout)
			defer cancel()
			return fn(qctx)
		})
}

func (in *Introspector) classify(op string, err error) error {
	if db.IsTransient(err) {
		return errs.Connectivity(op, err)
	}
	return errs.Introspection(op, err)
}

func listTables(ctx context.Context, gdb *gorm.DB, dialect db.Dialect) ([]string, error) {
	var query string
	switch dialect {
	case db.MySQL:
		query = `SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE' ORDER BY table_name`
	case db.Postgres:
		query = `SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() AND table_type = 'BASE TABLE' ORDER BY table_name`
	case db.SQLite:
		query = `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
	default:
		return nil, fmt.Errorf("unsupported dialect for listing tables: %s", dialect)
	}
	var tables []string
	if err := gdb.WithContext(ctx).Raw(query).Scan(&tables).Error; err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return tables, nil
}

// fetchTable dispatches to the dialect-specific describer.
func fetchTable(ctx context.Context, gdb *gorm.DB, dialect db.Dialect, table string) (Table, error) {
	switch dialect {
	case db.MySQL:
		return fetchMySQLTable(ctx, gdb, table)
	case db.Postgres:
		return fetchPostgresTable(ctx, gdb, table)
	case db.SQLite:
		return fetchSQLiteTable(ctx, gdb, table)
	}
	return Table{}, fmt.Errorf("unsupported dialect: %s", dialect)
}

// checkTable rejects metadata that cannot describe a real table and forces
// primary key columns to NOT NULL, which every dialect implies.
func checkTable(t *Table) error {
	if t.Name == "" {
		return fmt.Errorf("table with empty name")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %q reported no columns", t.Name)
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if c.Name == "" {
			return fmt.Errorf("table %q has a column with empty name", t.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("table %q reports column %q twice", t.Name, c.Name)
		}
		seen[c.Name] = true
	}
	for _, pk := range t.PrimaryKey {
		col, ok := t.Column(pk, false)
		if !ok {
			return fmt.Errorf("table %q primary key references unknown column %q", t.Name, pk)
		}
		col.Nullable = false
	}
	for _, idx := range t.Indexes {
		for _, c := range idx.Columns {
			if !seen[c] {
				return fmt.Errorf("table %q index %q references unknown column %q", t.Name, idx.Name, c)
			}
		}
	}
	for _, fk := range t.ForeignKeys {
		if fk.RefTable == "" || len(fk.Columns) == 0 {
			return fmt.Errorf("table %q has malformed foreign key %q", t.Name, fk.Name)
		}
	}
	sort.Slice(t.Indexes, func(i, j int) bool { return t.Indexes[i].Name < t.Indexes[j].Name })
	sort.Slice(t.ForeignKeys, func(i, j int) bool { return t.ForeignKeys[i].Name < t.ForeignKeys[j].Name })
	return nil
}

// resolveImplicitReferences fills foreign keys that reference the parent's
// primary key without naming its columns (SQLite allows this).
func resolveImplicitReferences(snap *Snapshot) {
	for ti := range snap.Tables {
		for fi := range snap.Tables[ti].ForeignKeys {
			fk := &snap.Tables[ti].ForeignKeys[fi]
			if len(fk.RefColumns) == len(fk.Columns) {
				continue
			}
			if parent, ok := snap.Table(fk.RefTable, false); ok && len(parent.PrimaryKey) == len(fk.Columns) {
				fk.RefColumns = append([]string(nil), parent.PrimaryKey...)
			}
		}
	}
}
