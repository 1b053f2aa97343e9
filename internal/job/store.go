package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	_ "modernc.org/sqlite"

	"github.com/anbu0809/strata-migrate/internal/extract"
	"github.com/anbu0809/strata-migrate/internal/reconcile"
	"github.com/anbu0809/strata-migrate/internal/translate"
)

// ErrNotFound is returned for unknown job IDs.
var ErrNotFound = errors.New("job not found")

// Store persists jobs in a SQLite file so a job can be resumed after the
// process exits.
type Store struct {
	db *sql.DB
}

// Summary is one row of the job list.
type Summary struct {
	ID        string    `json:"id" yaml:"id"`
	Source    string    `json:"source" yaml:"source"`
	Target    string    `json:"target" yaml:"target"`
	Stage     Stage     `json:"stage" yaml:"stage"`
	Outcome   Outcome   `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// OpenStore opens (creating if needed) dir/strata.db.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	path := filepath.Join(dir, "strata.db")
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	// one writer; SQLite serializes writes anyway
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, multierr.Append(fmt.Errorf("migrating state schema: %w", err), db.Close())
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		source_key TEXT NOT NULL,
		target_key TEXT NOT NULL,
		stage TEXT NOT NULL,
		outcome TEXT NOT NULL DEFAULT '',
		record TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS job_tables (
		job_id TEXT NOT NULL REFERENCES jobs(id),
		name TEXT NOT NULL,
		record TEXT NOT NULL,
		PRIMARY KEY (job_id, name)
	);

	CREATE TABLE IF NOT EXISTS plans (
		job_id TEXT PRIMARY KEY REFERENCES jobs(id),
		plan TEXT NOT NULL,
		approvals TEXT NOT NULL DEFAULT '{}',
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cursors (
		job_id TEXT NOT NULL REFERENCES jobs(id),
		table_name TEXT NOT NULL,
		cursor TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (job_id, table_name)
	);

	CREATE TABLE IF NOT EXISTS error_log (
		job_id TEXT NOT NULL REFERENCES jobs(id),
		seq INTEGER NOT NULL,
		entry TEXT NOT NULL,
		PRIMARY KEY (job_id, seq)
	);

	CREATE TABLE IF NOT EXISTS reports (
		job_id TEXT NOT NULL REFERENCES jobs(id),
		run INTEGER NOT NULL,
		report TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (job_id, run)
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_pair ON jobs(source_key, target_key, stage);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Ping checks the state database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error {
	return s.db.Close()
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// SaveJob upserts the job row and its table rows in one transaction. The
// plan is saved separately by SavePlan.
func (s *Store) SaveJob(ctx context.Context, r *Record) error {
	head := *r
	head.Plan, head.Approvals, head.Tables = nil, nil, nil
	raw, err := json.Marshal(head)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, source_key, target_key, stage, outcome, record, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET stage = excluded.stage, outcome = excluded.outcome,
			record = excluded.record, updated_at = excluded.updated_at
	`, r.ID, r.Source.Key(), r.Target.Key(), string(r.Stage), string(r.Outcome), string(raw),
		r.CreatedAt.Format(time.RFC3339Nano), now())
	if err != nil {
		return fmt.Errorf("saving job %s: %w", r.ID, err)
	}
	for _, name := range r.Order {
		t, ok := r.Tables[name]
		if !ok {
			continue
		}
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encoding table %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_tables (job_id, name, record) VALUES (?, ?, ?)
			ON CONFLICT(job_id, name) DO UPDATE SET record = excluded.record
		`, r.ID, name, string(b)); err != nil {
			return fmt.Errorf("saving table %s: %w", name, err)
		}
	}
	return tx.Commit()
}

// SavePlan stores the plan and approvals of a job.
func (s *Store) SavePlan(ctx context.Context, jobID string, plan *translate.Plan, approvals map[string]Approval) error {
	p, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encoding plan: %w", err)
	}
	if approvals == nil {
		approvals = map[string]Approval{}
	}
	a, err := json.Marshal(approvals)
	if err != nil {
		return fmt.Errorf("encoding approvals: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plans (job_id, plan, approvals, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET plan = excluded.plan, approvals = excluded.approvals, updated_at = excluded.updated_at
	`, jobID, string(p), string(a), now())
	return err
}

// LoadJob reads a job with its tables, plan and approvals.
func (s *Store) LoadJob(ctx context.Context, id string) (*Record, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM jobs WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	r := &Record{}
	if err := json.Unmarshal([]byte(raw), r); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", id, err)
	}

	r.Tables = map[string]*TableRecord{}
	rows, err := s.db.QueryContext(ctx, `SELECT name, record FROM job_tables WHERE job_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name, rec string
		if err := rows.Scan(&name, &rec); err != nil {
			return nil, err
		}
		t := &TableRecord{}
		if err := json.Unmarshal([]byte(rec), t); err != nil {
			return nil, fmt.Errorf("decoding table %s: %w", name, err)
		}
		r.Tables[name] = t
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var plan, approvals string
	err = s.db.QueryRowContext(ctx, `SELECT plan, approvals FROM plans WHERE job_id = ?`, id).Scan(&plan, &approvals)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, err
	default:
		r.Plan = &translate.Plan{}
		if err := json.Unmarshal([]byte(plan), r.Plan); err != nil {
			return nil, fmt.Errorf("decoding plan: %w", err)
		}
		if err := json.Unmarshal([]byte(approvals), &r.Approvals); err != nil {
			return nil, fmt.Errorf("decoding approvals: %w", err)
		}
	}
	return r, nil
}

// ListJobs returns every job, most recently updated first.
func (s *Store) ListJobs(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, source_key, target_key, stage, outcome, updated_at FROM jobs ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Summary
	for rows.Next() {
		var sm Summary
		var updated string
		if err := rows.Scan(&sm.ID, &sm.Source, &sm.Target, &sm.Stage, &sm.Outcome, &updated); err != nil {
			return nil, err
		}
		sm.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, sm)
	}
	return out, rows.Err()
}

// InFlight returns the ID of a non-terminal job for the same database pair,
// or "" when there is none.
func (s *Store) InFlight(ctx context.Context, sourceKey, targetKey string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM jobs WHERE source_key = ? AND target_key = ? AND stage NOT IN (?, ?, ?) LIMIT 1
	`, sourceKey, targetKey, string(StageCompleted), string(StageFailed), string(StageAborted)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

func (s *Store) SaveCursor(ctx context.Context, jobID string, c extract.Cursor) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding cursor: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cursors (job_id, table_name, cursor, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id, table_name) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at
	`, jobID, c.Table, string(raw), now())
	return err
}

// Cursors returns the raw committed cursors of a job by table. They are
// decoded against the table descriptor by extract.DecodeCursor.
func (s *Store) Cursors(ctx context.Context, jobID string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT table_name, cursor FROM cursors WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]byte{}
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, err
		}
		out[name] = []byte(raw)
	}
	return out, rows.Err()
}

func (s *Store) AppendError(ctx context.Context, jobID string, e ErrorEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO error_log (job_id, seq, entry) VALUES (?, ?, ?)`, jobID, e.Seq, string(raw))
	return err
}

func (s *Store) Errors(ctx context.Context, jobID string) ([]ErrorEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entry FROM error_log WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ErrorEntry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e ErrorEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AppendReport numbers rep as the job's next run and stores it. Earlier runs
// are never rewritten.
func (s *Store) AppendReport(ctx context.Context, rep *reconcile.Report) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var last int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(run), 0) FROM reports WHERE job_id = ?`, rep.JobID).Scan(&last); err != nil {
		return err
	}
	rep.Run = last + 1
	raw, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO reports (job_id, run, report, created_at) VALUES (?, ?, ?, ?)`,
		rep.JobID, rep.Run, string(raw), now()); err != nil {
		return err
	}
	return tx.Commit()
}

// Reports returns every run of a job in run order.
func (s *Store) Reports(ctx context.Context, jobID string) ([]*reconcile.Report, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT report FROM reports WHERE job_id = ? ORDER BY run`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*reconcile.Report
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		rep := &reconcile.Report{}
		if err := json.Unmarshal([]byte(raw), rep); err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}

// cursorSink binds the store to one job for extraction streams.
type cursorSink struct {
	store *Store
	jobID string
}

func (c cursorSink) SaveCursor(ctx context.Context, cur extract.Cursor) error {
	return c.store.SaveCursor(ctx, c.jobID, cur)
}
