package job

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/anbu0809/strata-migrate/internal/config"
	"github.com/anbu0809/strata-migrate/internal/errs"
	"github.com/anbu0809/strata-migrate/internal/extract"
	"github.com/anbu0809/strata-migrate/internal/reconcile"
	"github.com/anbu0809/strata-migrate/internal/schema"
	"github.com/anbu0809/strata-migrate/internal/testsupport"
	"github.com/anbu0809/strata-migrate/internal/translate"
)

const (
	ordersDDL  = `CREATE TABLE orders (id INTEGER PRIMARY KEY, total DECIMAL(10,2), created_at TIMESTAMP)`
	ordersSeed = `WITH RECURSIVE n(i) AS (SELECT 1 UNION ALL SELECT i + 1 FROM n WHERE i < 1000)
		INSERT INTO orders SELECT i, i * 1.5, '2024-01-01 10:00:00' FROM n`
)

func testConfig() *config.Config {
	return &config.Config{
		BatchSize:           100,
		Workers:             2,
		PrefetchBatches:     2,
		TableTimeout:        time.Minute,
		CaseInsensitive:     true,
		MaxRetries:          1,
		RetryInterval:       time.Millisecond,
		RetryMaxInterval:    time.Millisecond,
		ConnectTimeout:      5 * time.Second,
		QueryTimeout:        10 * time.Second,
		BatchFetchTimeout:   10 * time.Second,
		ReconcileBuckets:    64,
		ReconcileSampleSize: 100,
		ReconcileSeed:       1,
	}
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newController(t *testing.T, store *Store) *Controller {
	t.Helper()
	c := New(Options{Config: testConfig(), Store: store, Logger: zaptest.NewLogger(t)})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// profile returns a SQLite profile seeded with statements. The seeding
// connection is closed before the controller opens its own.
func profile(t *testing.T, name string, statements ...string) config.ConnectionProfile {
	t.Helper()
	p := testsupport.SQLiteProfile(t, name)
	p.PoolSize = 2
	conn := testsupport.OpenSQLite(t, p, statements...)
	require.NoError(t, conn.Close())
	return p
}

func waitFor(t *testing.T, c *Controller, id string, stage Stage) *Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	st, err := c.Wait(ctx, id)
	require.NoError(t, err)
	require.Equal(t, stage, st.Stage, "message: %s", st.Message)
	return st
}

func TestStageTransitions(t *testing.T) {
	tests := []struct {
		from, to Stage
		want     bool
	}{
		{StageCreated, StageAnalyzing, true},
		{StageAnalyzing, StagePlanReady, true},
		{StagePlanReady, StageMigratingStructure, true},
		{StageMigratingStructure, StageMigratingData, true},
		{StageMigratingData, StageReconciling, true},
		{StageReconciling, StageCompleted, true},
		{StagePlanReady, StageMigratingData, false},
		{StageCreated, StageCompleted, false},
		{StageMigratingData, StageAborted, true},
		{StageAnalyzing, StageFailed, true},
		{StageCompleted, StageFailed, false},
		{StageAborted, StageAnalyzing, false},
		{StageFailed, StageAborted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestSkipFromKeepsFinishedPhases(t *testing.T) {
	tr := newTableRecord("orders")
	tr.Structure = TableSuccess
	tr.skipFrom(phaseStructure, "aborted by operator")
	assert.Equal(t, TableSuccess, tr.Structure)
	assert.Equal(t, TableSkipped, tr.Data)
	assert.Equal(t, TableSkipped, tr.Reconcile)
	assert.Equal(t, "aborted by operator", tr.Reason)
	assert.False(t, tr.Clean())
}

func TestMigrateOrdersEndToEnd(t *testing.T) {
	ctx := context.Background()
	src := profile(t, "src", ordersDDL, ordersSeed)
	dst := profile(t, "dst")
	c := newController(t, newStore(t))

	id, err := c.Start(ctx, src, dst, Selection{})
	require.NoError(t, err)
	waitFor(t, c, id, StagePlanReady)

	plan, err := c.Plan(ctx, id)
	require.NoError(t, err)
	require.Len(t, plan.Entries, 1)
	entry := plan.Entries[0]
	assert.Equal(t, schema.TableMissing, entry.Kind)
	assert.Equal(t, "orders", entry.Table)
	assert.Equal(t, translate.Valid, entry.Validation)
	assert.Equal(t, translate.ConfidenceDirect, entry.Confidence)

	require.NoError(t, c.Approve(ctx, id, RunnableApprovals(plan)))
	st := waitFor(t, c, id, StageCompleted)
	assert.Equal(t, OutcomeClean, st.Outcome)
	assert.Empty(t, st.Errors)
	require.Len(t, st.Tables, 1)
	assert.True(t, st.Tables[0].Clean())
	assert.EqualValues(t, 1000, st.Tables[0].Rows)
	assert.EqualValues(t, 1000, st.RowsWritten)

	rep, err := c.Report(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Run)
	assert.True(t, rep.Passed())
	require.Len(t, rep.Tables, 1)
	assert.Equal(t, reconcile.StatusPassed, rep.Tables[0].Status)
	assert.EqualValues(t, 1000, rep.Tables[0].SourceCount)
	assert.EqualValues(t, 1000, rep.Tables[0].TargetCount)
	assert.True(t, rep.Tables[0].DigestMatch)

	// nothing left to migrate
	srcConn := testsupport.OpenSQLite(t, src)
	dstConn := testsupport.OpenSQLite(t, dst)
	assert.EqualValues(t, 1000, testsupport.Count(t, dstConn, "orders"))
	in := schema.NewIntrospector(zaptest.NewLogger(t), c.retry(), 10*time.Second)
	s1, err := in.Capture(ctx, srcConn, schema.Selection{})
	require.NoError(t, err)
	s2, err := in.Capture(ctx, dstConn, schema.Selection{})
	require.NoError(t, err)
	for _, e := range (schema.Differ{CaseInsensitive: true}).Diff(s1, s2).Entries {
		assert.NotEqual(t, schema.TableMissing, e.Kind, e.ID)
		assert.NotEqual(t, schema.ColumnMissing, e.Kind, e.ID)
	}

	// a second verification appends a run
	rep2, err := c.Reconcile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, rep2.Run)
	reports, err := c.Reports(ctx, id)
	require.NoError(t, err)
	assert.Len(t, reports, 2)
}

func TestUnapprovedEntryBlocksOnlyItsTable(t *testing.T) {
	ctx := context.Background()
	src := profile(t, "src",
		`CREATE TABLE customers (id INTEGER PRIMARY KEY, name TEXT)`,
		`INSERT INTO customers VALUES (1, 'ada'), (2, 'grace')`,
		`CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)`,
		`INSERT INTO notes VALUES (1, 'hello')`)
	dst := profile(t, "dst")
	c := newController(t, newStore(t))

	id, err := c.Start(ctx, src, dst, Selection{})
	require.NoError(t, err)
	waitFor(t, c, id, StagePlanReady)
	plan, err := c.Plan(ctx, id)
	require.NoError(t, err)

	var approvals []Approval
	for _, a := range RunnableApprovals(plan) {
		if e, _ := plan.Entry(a.EntryID); e.Table == "customers" {
			approvals = append(approvals, a)
		}
	}
	require.NotEmpty(t, approvals)
	require.NoError(t, c.Approve(ctx, id, approvals))

	st := waitFor(t, c, id, StageCompleted)
	assert.Equal(t, OutcomePartialSuccess, st.Outcome)
	byName := map[string]TableView{}
	for _, tv := range st.Tables {
		byName[tv.Name] = tv
	}
	customers := byName["customers"]
	assert.True(t, customers.Clean())
	notes := byName["notes"]
	assert.Equal(t, TableSkipped, notes.Structure)
	assert.Equal(t, TableSkipped, notes.Data)
	assert.Equal(t, TableSkipped, notes.Reconcile)
	assert.Contains(t, notes.Reason, "not approved")

	dstConn := testsupport.OpenSQLite(t, dst)
	assert.EqualValues(t, 2, testsupport.Count(t, dstConn, "customers"))
}

func TestDataFailureIsIsolatedAndLogged(t *testing.T) {
	ctx := context.Background()
	src := profile(t, "src",
		`CREATE TABLE customers (id INTEGER PRIMARY KEY, name TEXT)`,
		`INSERT INTO customers VALUES (1, 'ada')`,
		`CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)`,
		`INSERT INTO notes VALUES (1, 'a long note')`)
	dst := profile(t, "dst", `CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT CHECK (length(body) < 5))`)
	c := newController(t, newStore(t))

	id, err := c.Start(ctx, src, dst, Selection{})
	require.NoError(t, err)
	waitFor(t, c, id, StagePlanReady)
	plan, err := c.Plan(ctx, id)
	require.NoError(t, err)
	require.NoError(t, c.Approve(ctx, id, RunnableApprovals(plan)))

	st := waitFor(t, c, id, StageCompleted)
	assert.Equal(t, OutcomePartialSuccess, st.Outcome)
	for _, tv := range st.Tables {
		switch tv.Name {
		case "customers":
			assert.True(t, tv.Clean())
		case "notes":
			assert.Equal(t, TableSuccess, tv.Structure)
			assert.Equal(t, TableFailed, tv.Data)
			assert.Equal(t, TableSkipped, tv.Reconcile)
			assert.NotEmpty(t, tv.Reason)
		}
	}
	require.NotEmpty(t, st.Errors)
	last := st.Errors[len(st.Errors)-1]
	assert.Equal(t, "notes", last.Table)
	assert.Equal(t, phaseData, last.Stage)
	assert.Equal(t, errs.KindDataWrite, last.Kind)
	assert.False(t, last.Transient)

	rep, err := c.Report(ctx, id)
	require.NoError(t, err)
	require.Len(t, rep.Tables, 1)
	assert.Equal(t, "customers", rep.Tables[0].Table)
}

func TestApproveRebuildsStalePlan(t *testing.T) {
	ctx := context.Background()
	src := profile(t, "src", ordersDDL, ordersSeed)
	dst := profile(t, "dst")
	c := newController(t, newStore(t))

	id, err := c.Start(ctx, src, dst, Selection{})
	require.NoError(t, err)
	waitFor(t, c, id, StagePlanReady)
	before, err := c.Plan(ctx, id)
	require.NoError(t, err)

	conn := testsupport.OpenSQLite(t, src, `ALTER TABLE orders ADD COLUMN note TEXT`)
	require.NoError(t, conn.Close())

	err = c.Approve(ctx, id, RunnableApprovals(before))
	assert.ErrorIs(t, err, ErrPlanStale)
	after, err := c.Plan(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, before.DiffFingerprint, after.DiffFingerprint)
	st, err := c.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StagePlanReady, st.Stage)

	require.NoError(t, c.Approve(ctx, id, RunnableApprovals(after)))
	st = waitFor(t, c, id, StageCompleted)
	assert.Equal(t, OutcomeClean, st.Outcome)
}

func TestApproveRejectsUnknownEntry(t *testing.T) {
	ctx := context.Background()
	c := newController(t, newStore(t))
	id, err := c.Start(ctx, profile(t, "src", ordersDDL), profile(t, "dst"), Selection{})
	require.NoError(t, err)
	waitFor(t, c, id, StagePlanReady)

	err = c.Approve(ctx, id, []Approval{{EntryID: "nope"}})
	require.Error(t, err)
	st, err := c.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StagePlanReady, st.Stage)
}

func TestStartRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	c := newController(t, store)
	src := profile(t, "src", ordersDDL)

	tests := []struct {
		name string
		src  config.ConnectionProfile
		dst  config.ConnectionProfile
		sel  Selection
	}{
		{"missing table", src, profile(t, "dst"), Selection{Include: []string{"invoices"}}},
		{"same database", src, src, Selection{}},
		{"invalid profile", src, config.ConnectionProfile{Dialect: "oracle", DBName: "x"}, Selection{}},
		{"empty scope", src, profile(t, "dst"), Selection{Exclude: []string{"orders"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Start(ctx, tt.src, tt.dst, tt.sel)
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.KindConfiguration), err.Error())
		})
	}
	jobs, err := store.ListJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestOneJobPerDatabasePair(t *testing.T) {
	ctx := context.Background()
	src := profile(t, "src", ordersDDL)
	dst := profile(t, "dst")
	c := newController(t, newStore(t))

	id, err := c.Start(ctx, src, dst, Selection{})
	require.NoError(t, err)
	waitFor(t, c, id, StagePlanReady)

	_, err = c.Start(ctx, src, dst, Selection{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConfiguration))

	require.NoError(t, c.Abort(ctx, id))
	st, err := c.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StageAborted, st.Stage)
	assert.Equal(t, OutcomeAborted, st.Outcome)
	for _, tv := range st.Tables {
		assert.Equal(t, TableSkipped, tv.Structure)
		assert.Equal(t, TableSkipped, tv.Data)
	}
	assert.ErrorIs(t, c.Abort(ctx, id), ErrTerminal)

	id2, err := c.Start(ctx, src, dst, Selection{})
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
	waitFor(t, c, id2, StagePlanReady)
}

func TestAbortDuringDataStopsAtBatchBoundary(t *testing.T) {
	ctx := context.Background()
	src := profile(t, "src", ordersDDL, `WITH RECURSIVE n(i) AS (SELECT 1 UNION ALL SELECT i + 1 FROM n WHERE i < 300000)
		INSERT INTO orders SELECT i, i * 1.5, '2024-01-01 10:00:00' FROM n`)
	dst := profile(t, "dst")
	store := newStore(t)
	c := newController(t, store)

	id, err := c.Start(ctx, src, dst, Selection{})
	require.NoError(t, err)
	waitFor(t, c, id, StagePlanReady)
	plan, err := c.Plan(ctx, id)
	require.NoError(t, err)
	require.NoError(t, c.Approve(ctx, id, RunnableApprovals(plan)))

	require.Eventually(t, func() bool {
		st, err := c.Status(ctx, id)
		return err == nil && st.Stage == StageMigratingData && st.RowsWritten >= 200
	}, 30*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Abort(ctx, id))

	st := waitFor(t, c, id, StageAborted)
	assert.Equal(t, OutcomeAborted, st.Outcome)
	assert.Empty(t, st.Errors)

	dstConn := testsupport.OpenSQLite(t, dst)
	written := testsupport.Count(t, dstConn, "orders")
	assert.Greater(t, written, int64(0))
	assert.Less(t, written, int64(300000))
	assert.Zero(t, written%int64(testConfig().BatchSize), "rows written: %d", written)

	cursors, err := store.Cursors(ctx, id)
	require.NoError(t, err)
	require.Contains(t, cursors, "orders")
	orders := &schema.Table{
		Name:       "orders",
		Columns:    []schema.Column{{Name: "id", Type: schema.CanonicalType{Kind: schema.KindInteger}}},
		PrimaryKey: []string{"id"},
	}
	cur, err := extract.DecodeCursor(cursors["orders"], orders)
	require.NoError(t, err)
	assert.Equal(t, written, cur.RowsExtracted)
	assert.Equal(t, []any{written}, cur.LastKey)
	assert.False(t, cur.Done)
}

func TestApproveAfterRestart(t *testing.T) {
	ctx := context.Background()
	src := profile(t, "src", ordersDDL, ordersSeed)
	dst := profile(t, "dst")
	store := newStore(t)

	first := New(Options{Config: testConfig(), Store: store, Logger: zaptest.NewLogger(t)})
	id, err := first.Start(ctx, src, dst, Selection{})
	require.NoError(t, err)
	waitFor(t, first, id, StagePlanReady)
	require.NoError(t, first.Close())

	second := newController(t, store)
	st, err := second.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StagePlanReady, st.Stage)

	plan, err := second.Plan(ctx, id)
	require.NoError(t, err)
	require.NoError(t, second.Approve(ctx, id, RunnableApprovals(plan)))
	st = waitFor(t, second, id, StageCompleted)
	assert.Equal(t, OutcomeClean, st.Outcome)
	assert.EqualValues(t, 1000, st.RowsWritten)

	assert.ErrorIs(t, second.Resume(ctx, id), ErrTerminal)
}

func TestResumeContinuesPersistedDataStage(t *testing.T) {
	ctx := context.Background()
	src := profile(t, "src", ordersDDL, ordersSeed)
	dst := profile(t, "dst", ordersDDL, `INSERT INTO orders VALUES (1, 1.5, '2024-01-01 10:00:00')`)
	store := newStore(t)
	c := newController(t, store)

	id, err := c.Start(ctx, src, dst, Selection{})
	require.NoError(t, err)
	waitFor(t, c, id, StagePlanReady)
	require.NoError(t, c.Close())

	// simulate a process that died after structure migration and the
	// first committed batch
	rec, err := store.LoadJob(ctx, id)
	require.NoError(t, err)
	rec.Stage = StageMigratingData
	rec.Tables["orders"].Structure = TableSuccess
	rec.Tables["orders"].Data = TableRunning
	require.NoError(t, store.SaveJob(ctx, rec))

	c2 := newController(t, store)
	require.NoError(t, c2.Resume(ctx, id))
	st := waitFor(t, c2, id, StageCompleted)
	assert.Equal(t, OutcomeClean, st.Outcome, "reason: %+v", st.Tables)

	dstConn := testsupport.OpenSQLite(t, dst)
	assert.EqualValues(t, 1000, testsupport.Count(t, dstConn, "orders"))
}

func TestStatusOfUnknownJob(t *testing.T) {
	c := newController(t, newStore(t))
	_, err := c.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
