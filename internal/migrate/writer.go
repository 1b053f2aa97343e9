package migrate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/anbu0809/strata-migrate/internal/db"
	"github.com/anbu0809/strata-migrate/internal/errs"
	"github.com/anbu0809/strata-migrate/internal/logger"
	"github.com/anbu0809/strata-migrate/internal/metrics"
)

// Writer upserts batches into target tables.
type Writer struct {
	Conn         *db.Connector
	Retry        db.RetryPolicy
	BatchTimeout time.Duration
	Logger       *zap.Logger
	Metrics      *metrics.Store
	// OnTransient sees every failure that is about to be retried.
	OnTransient func(table string, err error, attempt int)
}

// Target describes where a batch goes. Keys are the conflict columns (target
// names); without keys rows are inserted plainly. RelaxForeignKeys suspends
// FK checks for the batch's transaction, for tables inside reference cycles.
type Target struct {
	Table            string
	Keys             []string
	RelaxForeignKeys bool
}

func (w *Writer) log() *zap.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return logger.Log
}

// WriteBatch writes rows in one transaction, insert-or-replace by key, so a
// batch written twice leaves the same rows. Transient failures are retried up
// to the policy ceiling; the transaction in flight finishes even when ctx is
// cancelled.
func (w *Writer) WriteBatch(ctx context.Context, t Target, rows []map[string]any) error {
	if len(rows) == 0 {
		return nil
	}
	log := w.log().With(zap.String("table", t.Table), zap.Int("batch_size", len(rows)))
	conflict := upsertClause(t.Keys, rows)

	start := time.Now()
	status := "failure"
	retried := false
	defer func() {
		if w.Metrics != nil {
			w.Metrics.BatchWriteDuration.WithLabelValues(t.Table, status).Observe(time.Since(start).Seconds())
		}
	}()

	op := func(ctx context.Context) error {
		tctx, cancel := db.WithTimeout(context.WithoutCancel(ctx), w.BatchTimeout)
		defer cancel()
		return w.Conn.DB.WithContext(tctx).Transaction(func(tx *gorm.DB) error {
			if t.RelaxForeignKeys {
				if err := relaxForeignKeys(tx, w.Conn.Dialect); err != nil {
					return err
				}
				if w.Conn.Dialect == db.MySQL {
					// session variable; the pooled connection outlives the transaction
					defer tx.Exec("SET SESSION foreign_key_checks = 1")
				}
			}
			q := tx.Table(t.Table)
			if conflict != nil {
				q = q.Clauses(conflict)
			}
			return q.CreateInBatches(rows, len(rows)).Error
		})
	}
	notify := func(err error, attempt int, wait time.Duration) {
		retried = true
		if w.Metrics != nil {
			w.Metrics.BatchRetriesTotal.WithLabelValues(t.Table).Inc()
		}
		log.Warn("Batch write failed, retrying", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.String("error", logger.Redact(err.Error())))
		if w.OnTransient != nil {
			w.OnTransient(t.Table, err, attempt)
		}
	}

	if err := db.Retry(ctx, w.Retry, db.IsTransient, notify, op); err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			status = "failure_cancelled"
			return errs.Aborted("write batch", err).WithTable(t.Table, "data")
		}
		log.Error("Batch write failed", zap.String("error", logger.Redact(err.Error())))
		return errs.DataWrite(fmt.Sprintf("write batch of %d rows", len(rows)), err).WithTable(t.Table, "data")
	}
	status = "success"
	if retried {
		status = "success_retry"
	}
	if w.Metrics != nil {
		w.Metrics.BatchesWritten.WithLabelValues(t.Table).Inc()
		w.Metrics.RowsMigratedTotal.WithLabelValues(t.Table).Add(float64(len(rows)))
	}
	return nil
}

func upsertClause(keys []string, rows []map[string]any) clause.Expression {
	if len(keys) == 0 {
		return nil
	}
	isKey := make(map[string]bool, len(keys))
	cols := make([]clause.Column, len(keys))
	for i, k := range keys {
		isKey[k] = true
		cols[i] = clause.Column{Name: k}
	}
	var update []string
	for name := range rows[0] {
		if !isKey[name] {
			update = append(update, name)
		}
	}
	if len(update) == 0 {
		return clause.OnConflict{Columns: cols, DoNothing: true}
	}
	sort.Strings(update)
	return clause.OnConflict{Columns: cols, DoUpdates: clause.AssignmentColumns(update)}
}

// relaxForeignKeys suspends FK enforcement for the current transaction only.
// Postgres needs superuser or the REPLICATION attribute for this.
func relaxForeignKeys(tx *gorm.DB, d db.Dialect) error {
	switch d {
	case db.MySQL:
		return tx.Exec("SET SESSION foreign_key_checks = 0").Error
	case db.Postgres:
		return tx.Exec("SET LOCAL session_replication_role = replica").Error
	case db.SQLite:
		return tx.Exec("PRAGMA defer_foreign_keys = ON").Error
	}
	return nil
}
