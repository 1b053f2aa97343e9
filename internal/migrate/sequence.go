package migrate

import (
	"context"
	"fmt"
	"time"

	"github.com/anbu0809/strata-migrate/internal/db"
	"github.com/anbu0809/strata-migrate/internal/schema"
	"github.com/anbu0809/strata-migrate/internal/utils"
)

// ResetSequences moves Postgres identity/serial sequences past the copied
// rows so later inserts do not collide. MySQL and SQLite advance their
// counters on explicit inserts by themselves.
func ResetSequences(ctx context.Context, conn *db.Connector, t *schema.Table, timeout time.Duration) error {
	if conn.Dialect != db.Postgres {
		return nil
	}
	qt := conn.Dialect.Quote(t.Name)
	for _, c := range t.Columns {
		if !c.AutoIncrement {
			continue
		}
		qc := conn.Dialect.Quote(c.Name)
		stmt := fmt.Sprintf(
			"SELECT setval(pg_get_serial_sequence(%s, %s), COALESCE(MAX(%s), 1), MAX(%s) IS NOT NULL) FROM %s",
			utils.QuoteLiteral(qt, conn.Dialect.String()), utils.QuoteLiteral(c.Name, conn.Dialect.String()), qc, qc, qt)
		sctx, cancel := db.WithTimeout(ctx, timeout)
		err := conn.DB.WithContext(sctx).Exec(stmt).Error
		cancel()
		if err != nil {
			return fmt.Errorf("reset sequence of %s.%s: %w", t.Name, c.Name, err)
		}
	}
	return nil
}
