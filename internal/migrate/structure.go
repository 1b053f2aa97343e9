// Package migrate applies approved structure to the target and copies table
// data into it with idempotent upserts.
package migrate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/anbu0809/strata-migrate/internal/db"
	"github.com/anbu0809/strata-migrate/internal/errs"
	"github.com/anbu0809/strata-migrate/internal/logger"
)

// Applier executes plan DDL on the target.
type Applier struct {
	Conn             *db.Connector
	StatementTimeout time.Duration
	Logger           *zap.Logger
}

func (a *Applier) log() *zap.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return logger.Log
}

// ApplyTable runs one table's statements in order. Postgres and SQLite get a
// single transaction; MySQL commits DDL implicitly, so statements run one by
// one. Statements whose object already exists are skipped, which makes a
// resumed job safe to re-apply. Cancellation is observed between statements;
// a statement already sent always finishes.
func (a *Applier) ApplyTable(ctx context.Context, table string, statements []string) error {
	if len(statements) == 0 {
		return nil
	}
	log := a.log().With(zap.String("table", table), zap.Int("statements", len(statements)))
	start := time.Now()

	var err error
	if a.Conn.Dialect.TransactionalDDL() {
		err = a.applyTx(ctx, table, statements, log)
	} else {
		err = a.applyEach(ctx, table, statements, log)
	}
	if err != nil {
		log.Error("Structure apply failed", zap.String("error", logger.Redact(err.Error())))
		return err
	}
	log.Info("Structure applied", zap.Duration("duration", time.Since(start)))
	return nil
}

func (a *Applier) applyTx(ctx context.Context, table string, statements []string, log *zap.Logger) error {
	runCtx := context.WithoutCancel(ctx)
	return a.Conn.DB.WithContext(runCtx).Transaction(func(tx *gorm.DB) error {
		for i, stmt := range statements {
			if err := ctx.Err(); err != nil {
				return errs.Aborted("apply structure", err).WithTable(table, "structure")
			}
			sp := fmt.Sprintf("strata_stmt_%d", i)
			if err := tx.SavePoint(sp).Error; err != nil {
				return errs.Structural("savepoint", err).WithTable(table, "structure")
			}
			err := a.exec(runCtx, tx, stmt)
			if err == nil {
				continue
			}
			if db.IsAlreadyExists(err) {
				log.Info("Object already exists, skipping statement", zap.Int("statement", i))
				if rbErr := tx.RollbackTo(sp).Error; rbErr != nil {
					return errs.Structural("rollback to savepoint", rbErr).WithTable(table, "structure")
				}
				continue
			}
			return errs.Structural(fmt.Sprintf("statement %d", i+1), err).WithTable(table, "structure")
		}
		return nil
	})
}

func (a *Applier) applyEach(ctx context.Context, table string, statements []string, log *zap.Logger) error {
	runCtx := context.WithoutCancel(ctx)
	for i, stmt := range statements {
		if err := ctx.Err(); err != nil {
			return errs.Aborted("apply structure", err).WithTable(table, "structure")
		}
		err := a.exec(runCtx, a.Conn.DB, stmt)
		if err == nil {
			continue
		}
		if db.IsAlreadyExists(err) {
			log.Info("Object already exists, skipping statement", zap.Int("statement", i))
			continue
		}
		if i > 0 {
			log.Warn("Earlier statements of this table were committed and stay in place", zap.Int("committed", i))
		}
		return errs.Structural(fmt.Sprintf("statement %d", i+1), err).WithTable(table, "structure")
	}
	return nil
}

func (a *Applier) exec(ctx context.Context, conn *gorm.DB, stmt string) error {
	sctx, cancel := db.WithTimeout(ctx, a.StatementTimeout)
	defer cancel()
	return conn.WithContext(sctx).Exec(stmt).Error
}

// ApplyDeferred runs statements that had to wait for every table (foreign
// keys inside reference cycles). Each statement stands alone; all failures
// are returned together, keyed by owning table.
func (a *Applier) ApplyDeferred(ctx context.Context, deferred map[string][]string, order []string) map[string]error {
	failed := map[string]error{}
	for _, table := range order {
		var tableErr error
		for _, stmt := range deferred[table] {
			if err := ctx.Err(); err != nil {
				failed[table] = multierr.Append(tableErr, errs.Aborted("apply deferred", err).WithTable(table, "structure"))
				return failed
			}
			err := a.exec(context.WithoutCancel(ctx), a.Conn.DB, stmt)
			if err != nil && !db.IsAlreadyExists(err) {
				tableErr = multierr.Append(tableErr, err)
			}
		}
		if tableErr != nil {
			a.log().Error("Deferred statements failed", zap.String("table", table), zap.String("error", logger.Redact(tableErr.Error())))
			failed[table] = errs.Structural("deferred statements", tableErr).WithTable(table, "structure")
		}
	}
	return failed
}
