package job

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anbu0809/strata-migrate/internal/config"
	"github.com/anbu0809/strata-migrate/internal/errs"
	"github.com/anbu0809/strata-migrate/internal/extract"
	"github.com/anbu0809/strata-migrate/internal/reconcile"
	"github.com/anbu0809/strata-migrate/internal/translate"
)

func sampleRecord(id string, stage Stage) *Record {
	now := time.Now().UTC()
	r := &Record{
		ID:        id,
		Source:    config.ConnectionProfile{Dialect: "postgres", Host: "src", Port: 5432, DBName: "app", SecretRef: "vault:db/src"},
		Target:    config.ConnectionProfile{Dialect: "mysql", Host: "dst", Port: 3306, DBName: "app", SecretRef: "env:DST"},
		Stage:     stage,
		Tables:    map[string]*TableRecord{},
		Order:     []string{"customers", "orders"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, n := range r.Order {
		r.Tables[n] = newTableRecord(n)
	}
	return r
}

func TestStoreRoundTripsJob(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	rec := sampleRecord("job-1", StagePlanReady)
	rec.Tables["orders"].Structure = TableSuccess
	require.NoError(t, s.SaveJob(ctx, rec))

	plan := &translate.Plan{DiffFingerprint: "abc", Entries: []translate.PlanEntry{{ID: "e1", Table: "orders", Validation: translate.Valid}}}
	require.NoError(t, s.SavePlan(ctx, rec.ID, plan, map[string]Approval{"e1": {EntryID: "e1"}}))

	got, err := s.LoadJob(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StagePlanReady, got.Stage)
	assert.Equal(t, rec.Order, got.Order)
	assert.Equal(t, TableSuccess, got.Tables["orders"].Structure)
	assert.Equal(t, TablePending, got.Tables["customers"].Structure)
	assert.Equal(t, "vault:db/src", got.Source.SecretRef)
	require.NotNil(t, got.Plan)
	assert.Equal(t, "abc", got.Plan.DiffFingerprint)
	assert.Contains(t, got.Approvals, "e1")

	_, err = s.LoadJob(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreInFlight(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	live := sampleRecord("live", StageMigratingData)
	done := sampleRecord("done", StageCompleted)
	require.NoError(t, s.SaveJob(ctx, done))

	id, err := s.InFlight(ctx, live.Source.Key(), live.Target.Key())
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, s.SaveJob(ctx, live))
	id, err = s.InFlight(ctx, live.Source.Key(), live.Target.Key())
	require.NoError(t, err)
	assert.Equal(t, "live", id)

	jobs, err := s.ListJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestStoreCursorsAndErrors(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.SaveJob(ctx, sampleRecord("job-1", StageMigratingData)))
	sink := cursorSink{store: s, jobID: "job-1"}
	require.NoError(t, sink.SaveCursor(ctx, extract.Cursor{Table: "orders", RowsExtracted: 100}))
	require.NoError(t, sink.SaveCursor(ctx, extract.Cursor{Table: "orders", RowsExtracted: 200}))

	cursors, err := s.Cursors(ctx, "job-1")
	require.NoError(t, err)
	require.Contains(t, cursors, "orders")
	assert.Contains(t, string(cursors["orders"]), "200")

	require.NoError(t, s.AppendError(ctx, "job-1", ErrorEntry{Seq: 2, Kind: errs.KindDataWrite, Table: "orders", Message: "second"}))
	require.NoError(t, s.AppendError(ctx, "job-1", ErrorEntry{Seq: 1, Kind: errs.KindConnectivity, Transient: true, Message: "first"}))
	log, err := s.Errors(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, "first", log[0].Message)
	assert.True(t, log[0].Transient)
}

func TestStoreNumbersReportRuns(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.SaveJob(ctx, sampleRecord("job-1", StageReconciling)))
	for i := 0; i < 3; i++ {
		rep := &reconcile.Report{JobID: "job-1", Tables: []reconcile.TableReport{{Table: "orders", Status: reconcile.StatusPassed}}}
		require.NoError(t, s.AppendReport(ctx, rep))
		assert.Equal(t, i+1, rep.Run)
	}
	reports, err := s.Reports(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, reports, 3)
	assert.Equal(t, 3, reports[2].Run)

	none, err := s.Reports(ctx, "job-2")
	require.NoError(t, err)
	assert.Empty(t, none)
}
