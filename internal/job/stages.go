package job

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/anbu0809/strata-migrate/internal/db"
	"github.com/anbu0809/strata-migrate/internal/errs"
	"github.com/anbu0809/strata-migrate/internal/extract"
	"github.com/anbu0809/strata-migrate/internal/logger"
	"github.com/anbu0809/strata-migrate/internal/migrate"
	"github.com/anbu0809/strata-migrate/internal/reconcile"
	"github.com/anbu0809/strata-migrate/internal/schema"
	"github.com/anbu0809/strata-migrate/internal/translate"
)

// execute runs the remaining stages from the job's current one. Only
// job-level problems are returned; table failures are recorded and the job
// moves on.
func (c *Controller) execute(ctx context.Context, r *run) error {
	for {
		r.mu.RLock()
		stage := r.rec.Stage
		r.mu.RUnlock()

		start := time.Now()
		var err error
		var to Stage
		switch stage {
		case StageMigratingStructure:
			err, to = c.runStructure(ctx, r), StageMigratingData
		case StageMigratingData:
			err, to = c.runData(ctx, r), StageReconciling
		case StageReconciling:
			_, err = c.reconcileTables(ctx, r)
			to = StageCompleted
		default:
			return nil
		}
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		c.observeStage(stage, start)

		if to == StageCompleted {
			r.mu.Lock()
			r.rec.Outcome = r.rec.outcome()
			outcome := r.rec.Outcome
			r.mu.Unlock()
			if err := c.advance(r, StageCompleted); err != nil {
				return err
			}
			if c.metrics != nil {
				c.metrics.JobDuration.WithLabelValues(string(outcome)).Observe(time.Since(r.started).Seconds())
			}
			r.log.Info("Job completed", zap.String("outcome", string(outcome)))
			return nil
		}
		if err := c.advance(r, to); err != nil {
			return err
		}
	}
}

// setTable updates one table phase, persists the job and counts terminal
// results.
func (c *Controller) setTable(r *run, table, phase string, status TableStatus, reason string) {
	r.mu.Lock()
	t := r.rec.Tables[table]
	t.set(phase, status)
	switch {
	case status == TableFailed && reason != "":
		t.Reason = reason
	case status == TableSkipped && t.Reason == "":
		t.Reason = reason
	case status == TableSuccess && phase == phaseReconcile:
		t.Reason = ""
	}
	if status == TableFailed || status == TableSkipped {
		t.skipFrom(nextPhase(phase), reason)
	}
	r.rec.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()
	if c.metrics != nil && status.Terminal() {
		c.metrics.TableStageTotal.WithLabelValues(phase, string(status)).Inc()
	}
	c.save(r)
}

func nextPhase(phase string) string {
	switch phase {
	case phaseStructure:
		return phaseData
	case phaseData:
		return phaseReconcile
	}
	return ""
}

// failTable records err for table and marks the phase FAILED.
func (c *Controller) failTable(r *run, table, phase string, err error) {
	r.log.Error("Table failed", zap.String("table", table), zap.String("stage", phase), zap.String("error", logger.Redact(err.Error())))
	c.recordError(r, table, phase, err, false)
	c.setTable(r, table, phase, TableFailed, logger.Redact(err.Error()))
}

// statementsFor collects the approved statements of table. blocked names
// the first entry that keeps the table from running.
func statementsFor(plan *translate.Plan, approvals map[string]Approval, table string) (stmts, deferred []string, blocked string) {
	for _, e := range plan.ForTable(table) {
		if e.NoOp {
			continue
		}
		a, ok := approvals[e.ID]
		if !ok {
			return nil, nil, fmt.Sprintf("plan entry %s (%s) not approved", e.ID, e.Validation)
		}
		if len(a.Statements) > 0 {
			stmts = append(stmts, a.Statements...)
			continue
		}
		if !e.Runnable() {
			return nil, nil, fmt.Sprintf("plan entry %s needs manual review", e.ID)
		}
		stmts = append(stmts, e.Statements...)
		deferred = append(deferred, e.Deferred...)
	}
	return stmts, deferred, ""
}

// runStructure applies approved DDL one table at a time in foreign-key
// order, then the deferred statements, then captures the target again.
func (c *Controller) runStructure(ctx context.Context, r *run) error {
	r.mu.RLock()
	plan, approvals := r.rec.Plan, r.rec.Approvals
	order := planOrder(plan, r.rec.Order)
	r.mu.RUnlock()

	applier := &migrate.Applier{Conn: r.dst, StatementTimeout: c.cfg.QueryTimeout, Logger: r.log}
	deferred := map[string][]string{}
	var deferredOrder []string
	for _, name := range order {
		r.mu.RLock()
		status := r.rec.Tables[name].Structure
		r.mu.RUnlock()
		if status.Terminal() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		stmts, dfr, blocked := statementsFor(plan, approvals, name)
		if blocked != "" {
			r.log.Warn("Table blocked by plan", zap.String("table", name), zap.String("reason", blocked))
			c.setTable(r, name, phaseStructure, TableSkipped, blocked)
			continue
		}
		c.setTable(r, name, phaseStructure, TableRunning, "")

		tctx, cancel := db.WithTimeout(ctx, c.cfg.TableTimeout)
		err := applier.ApplyTable(tctx, name, stmts)
		cancel()
		if err != nil {
			if errs.Is(err, errs.KindAborted) && ctx.Err() != nil {
				c.setTable(r, name, phaseStructure, TablePending, "")
				return ctx.Err()
			}
			c.failTable(r, name, phaseStructure, err)
			continue
		}
		if len(dfr) > 0 {
			deferred[name] = dfr
			deferredOrder = append(deferredOrder, name)
			continue
		}
		c.setTable(r, name, phaseStructure, TableSuccess, "")
	}

	if len(deferredOrder) > 0 {
		failed := applier.ApplyDeferred(ctx, deferred, deferredOrder)
		if err := ctx.Err(); err != nil {
			for _, name := range deferredOrder {
				c.setTable(r, name, phaseStructure, TablePending, "")
			}
			return err
		}
		for _, name := range deferredOrder {
			if err, ok := failed[name]; ok {
				c.failTable(r, name, phaseStructure, err)
				continue
			}
			c.setTable(r, name, phaseStructure, TableSuccess, "")
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.recaptureTarget(ctx, r)
}

// planOrder is the plan's parents-first order restricted to in-scope
// tables, with anything the plan does not list appended.
func planOrder(plan *translate.Plan, scope []string) []string {
	in := make(map[string]bool, len(scope))
	for _, s := range scope {
		in[s] = true
	}
	var out []string
	seen := map[string]bool{}
	if plan != nil {
		for _, t := range plan.TableOrder {
			if in[t] && !seen[t] {
				out = append(out, t)
				seen[t] = true
			}
		}
	}
	for _, t := range scope {
		if !seen[t] {
			out = append(out, t)
		}
	}
	return out
}

// recaptureTarget refreshes the target snapshot after DDL and matches each
// table to its target name.
func (c *Controller) recaptureTarget(ctx context.Context, r *run) error {
	r.mu.RLock()
	include := append([]string(nil), r.rec.Order...)
	r.mu.RUnlock()
	snap, err := c.introspector().Capture(ctx, r.dst, schema.Selection{Include: include, CaseInsensitive: c.cfg.CaseInsensitive})
	if err != nil {
		return fmt.Errorf("capturing target after structure migration: %w", err)
	}
	r.mu.Lock()
	r.dstSnap = snap
	for _, name := range r.rec.Order {
		if t, ok := snap.Table(name, c.cfg.CaseInsensitive); ok {
			r.rec.Tables[name].TargetName = t.Name
		}
	}
	r.mu.Unlock()
	return nil
}

// runData copies every table whose structure succeeded. A table starts
// only after its in-scope parents finished their own copy; tables caught
// in reference cycles do not wait on each other and write with foreign key
// checks relaxed.
func (c *Controller) runData(ctx context.Context, r *run) error {
	if r.dstSnap == nil {
		if err := c.recaptureTarget(ctx, r); err != nil {
			return err
		}
	}
	r.mu.RLock()
	order := planOrder(r.rec.Plan, r.rec.Order)
	srcSnap, dstSnap := r.srcSnap, r.dstSnap
	cyclic := map[string]bool{}
	if r.rec.Plan != nil {
		for _, t := range r.rec.Plan.Cyclic {
			cyclic[t] = true
		}
	}
	type pair struct{ src, dst *schema.Table }
	tables := map[string]pair{}
	var todo []string
	var missing []string
	for _, name := range order {
		t := r.rec.Tables[name]
		if t.Data.Terminal() || t.Structure != TableSuccess {
			continue
		}
		st, _ := srcSnap.Table(name, false)
		dt, ok := dstSnap.Table(name, c.cfg.CaseInsensitive)
		if st == nil || !ok {
			missing = append(missing, name)
			continue
		}
		tables[name] = pair{st, dt}
		todo = append(todo, name)
	}
	r.mu.RUnlock()

	for _, name := range missing {
		c.failTable(r, name, phaseData, errs.Structural("locate target table", fmt.Errorf("table is not present on the target")).WithTable(name, phaseData))
	}
	if len(todo) == 0 {
		return nil
	}

	parents := map[string][]string{}
	for _, name := range todo {
		for _, p := range schema.Parents(tables[name].src, srcSnap.Tables, c.cfg.CaseInsensitive) {
			if cyclic[name] && cyclic[p] {
				continue
			}
			parents[name] = append(parents[name], p)
		}
	}

	cursors, err := c.store.Cursors(ctx, r.rec.ID)
	if err != nil {
		return fmt.Errorf("loading cursors: %w", err)
	}
	retry := c.retry()
	extractor := extract.New(r.src, extract.Options{
		BatchSize:    c.cfg.BatchSize,
		FetchTimeout: c.cfg.BatchFetchTimeout,
		Retry:        retry,
		Logger:       r.log,
		Metrics:      c.metrics,
	})
	writer := &migrate.Writer{
		Conn:         r.dst,
		Retry:        retry,
		BatchTimeout: c.cfg.QueryTimeout,
		Logger:       r.log,
		Metrics:      c.metrics,
		OnTransient: func(table string, err error, attempt int) {
			c.recordError(r, table, phaseData, fmt.Errorf("batch write attempt %d: %w", attempt, err), true)
		},
	}
	sink := cursorSink{store: c.store, jobID: r.rec.ID}

	work := func(ctx context.Context, name string) tableResult {
		p := tables[name]
		var resume *extract.Cursor
		if raw, ok := cursors[name]; ok {
			cur, err := extract.DecodeCursor(raw, p.src)
			if err != nil {
				r.log.Warn("Ignoring unreadable cursor", zap.String("table", name), zap.Error(err))
			} else {
				resume = &cur
			}
		}
		progress := r.progress[name]
		copier := &migrate.Copier{
			Extractor:       extractor,
			Writer:          writer,
			Prefetch:        c.cfg.PrefetchBatches,
			CaseInsensitive: c.cfg.CaseInsensitive,
			Logger:          r.log,
			OnProgress: func(pr migrate.Progress) {
				progress.Store(&TableProgress{
					RowsWritten:   pr.RowsWritten,
					TotalEstimate: pr.TotalEstimate,
					Batches:       pr.Batches,
					RowsPerSec:    pr.RowsPerSec,
					Strategy:      string(pr.Cursor.Strategy),
					Resumable:     pr.Cursor.Resumable,
					UpdatedAt:     time.Now().UTC(),
				})
			},
		}

		tctx, cancel := db.WithTimeout(ctx, c.cfg.TableTimeout)
		defer cancel()
		res, err := copier.CopyTable(tctx, migrate.CopyJob{
			Source:           p.src,
			Target:           p.dst,
			Resume:           resume,
			Store:            sink,
			RelaxForeignKeys: cyclic[name],
		})
		if err == nil {
			if serr := migrate.ResetSequences(tctx, r.dst, p.dst, c.cfg.QueryTimeout); serr != nil {
				err = errs.DataWrite("reset sequences", serr).WithTable(name, phaseData)
			}
		}
		out := tableResult{table: name, status: TableSuccess, err: err, rows: res.Cursor.RowsExtracted}
		switch {
		case err == nil:
		case errs.Is(err, errs.KindAborted) && ctx.Err() != nil:
			out.status = TablePending
		default:
			out.status = TableFailed
		}
		progress.Store(&TableProgress{
			RowsWritten:   res.Cursor.RowsExtracted,
			TotalEstimate: res.Cursor.TotalEstimate,
			Batches:       res.Batches,
			RowsPerSec:    res.RowsPerSec,
			Strategy:      string(res.Cursor.Strategy),
			Resumable:     res.Cursor.Resumable,
			UpdatedAt:     time.Now().UTC(),
		})
		return out
	}

	for _, name := range todo {
		c.setTable(r, name, phaseData, TableRunning, "")
	}
	unstarted := runPool(ctx, r.log, c.cfg.Workers, todo, parents, work, func(res tableResult) {
		r.mu.Lock()
		r.rec.Tables[res.table].Rows = res.rows
		r.mu.Unlock()
		switch res.status {
		case TableFailed:
			c.failTable(r, res.table, phaseData, res.err)
		case TablePending:
			c.setTable(r, res.table, phaseData, TablePending, "")
		default:
			c.setTable(r, res.table, phaseData, res.status, "")
		}
	})
	for _, name := range unstarted {
		c.setTable(r, name, phaseData, TablePending, "")
	}
	return ctx.Err()
}

// reconcileTables verifies every table whose data copy succeeded, records
// per-table results and appends a report run. Failed tables get remediation
// hints when a translation service is configured.
func (c *Controller) reconcileTables(ctx context.Context, r *run) (*reconcile.Report, error) {
	if r.dstSnap == nil {
		if err := c.recaptureTarget(ctx, r); err != nil {
			return nil, err
		}
	}
	r.mu.RLock()
	order := planOrder(r.rec.Plan, r.rec.Order)
	srcSnap, dstSnap := r.srcSnap, r.dstSnap
	var todo []string
	var skipped []string
	for _, name := range order {
		t := r.rec.Tables[name]
		if t.Data == TableSuccess {
			todo = append(todo, name)
		} else if !t.Reconcile.Terminal() {
			skipped = append(skipped, name)
		}
	}
	r.mu.RUnlock()
	for _, name := range skipped {
		c.setTable(r, name, phaseReconcile, TableSkipped, "data copy did not succeed")
	}

	engine := reconcile.New(r.src, r.dst, reconcile.Options{
		Columns:         c.cfg.ReconcileColumns,
		Buckets:         c.cfg.ReconcileBuckets,
		SampleSize:      c.cfg.ReconcileSampleSize,
		Seed:            c.cfg.ReconcileSeed,
		BatchSize:       c.cfg.BatchSize,
		FetchTimeout:    c.cfg.BatchFetchTimeout,
		QueryTimeout:    c.cfg.QueryTimeout,
		Retry:           c.retry(),
		CaseInsensitive: c.cfg.CaseInsensitive,
		Logger:          r.log,
		Metrics:         c.metrics,
	})
	advisor := &translate.Advisor{Service: c.service, Source: r.src.Dialect, Target: r.dst.Dialect, Logger: r.log}

	rep := &reconcile.Report{JobID: r.rec.ID, StartedAt: time.Now().UTC()}
	byTable := map[string]reconcile.TableReport{}
	work := func(ctx context.Context, name string) tableResult {
		st, _ := srcSnap.Table(name, false)
		dt, ok := dstSnap.Table(name, c.cfg.CaseInsensitive)
		if st == nil || !ok {
			tr := reconcile.TableReport{Table: name, Status: reconcile.StatusError, Error: "table is not present on both sides", StartedAt: time.Now().UTC()}
			return tableResult{table: name, status: TableFailed, report: &tr,
				err: errs.Reconciliation("locate tables", fmt.Errorf("%s", tr.Error)).WithTable(name, phaseReconcile)}
		}
		tctx, cancel := db.WithTimeout(ctx, c.cfg.TableTimeout)
		defer cancel()
		tr, err := engine.Table(tctx, st, dt)
		out := tableResult{table: name, status: TableSuccess, err: err, report: &tr}
		if err == nil {
			return out
		}
		if ctx.Err() != nil {
			out.status = TablePending
			return out
		}
		out.status = TableFailed
		if fixes, ferr := advisor.Advise(ctx, name, tr.Problems()); ferr == nil {
			tr.Fixes = fixes
		}
		return out
	}

	for _, name := range todo {
		c.setTable(r, name, phaseReconcile, TableRunning, "")
	}
	unstarted := runPool(ctx, r.log, c.cfg.Workers, todo, nil, work, func(res tableResult) {
		if res.report != nil && res.status != TablePending {
			byTable[res.table] = *res.report
		}
		switch res.status {
		case TableFailed:
			c.failTable(r, res.table, phaseReconcile, res.err)
		default:
			c.setTable(r, res.table, phaseReconcile, res.status, "")
		}
	})
	for _, name := range unstarted {
		c.setTable(r, name, phaseReconcile, TablePending, "")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, name := range todo {
		if tr, ok := byTable[name]; ok {
			rep.Tables = append(rep.Tables, tr)
		}
	}
	rep.FinishedAt = time.Now().UTC()
	if err := c.store.AppendReport(context.WithoutCancel(ctx), rep); err != nil {
		return nil, fmt.Errorf("persisting report: %w", err)
	}
	r.log.Info("Reconciliation run recorded", zap.Int("run", rep.Run), zap.Bool("passed", rep.Passed()))
	return rep, nil
}
