// Package extract streams source tables in key order as bounded batches and
// tracks where each table's extraction may resume.
package extract

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/anbu0809/strata-migrate/internal/db"
	"github.com/anbu0809/strata-migrate/internal/errs"
	"github.com/anbu0809/strata-migrate/internal/logger"
	"github.com/anbu0809/strata-migrate/internal/metrics"
	"github.com/anbu0809/strata-migrate/internal/schema"
	"github.com/anbu0809/strata-migrate/internal/utils"
)

// ErrNotResumable is returned when a full-scan extraction was interrupted
// after rows were already handed out.
var ErrNotResumable = errors.New("table has no stable ordering key; interrupted extraction cannot resume")

// Options tune every stream opened by an Extractor.
type Options struct {
	BatchSize    int
	FetchTimeout time.Duration
	Retry        db.RetryPolicy
	Logger       *zap.Logger
	Metrics      *metrics.Store
	// SkipEstimate avoids the up-front COUNT(*) when the caller counts rows
	// itself.
	SkipEstimate bool
}

// Batch is one page of rows. LastKey is the key of the final row, nil for
// full scans.
type Batch struct {
	Seq     int
	Rows    []map[string]any
	LastKey []any
}

// Extractor opens streams over one source connection.
type Extractor struct {
	Conn *db.Connector
	Opts Options
}

func New(conn *db.Connector, opts Options) *Extractor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.Logger == nil {
		opts.Logger = logger.Log
	}
	return &Extractor{Conn: conn, Opts: opts}
}

// Stream is a restartable, lazy sequence of batches for one table. Next and
// Commit may be called from different goroutines: Next advances the fetch
// position, Commit advances the durable cursor.
type Stream struct {
	ext     *Extractor
	table   *schema.Table
	store   CursorStore
	log     *zap.Logger
	columns []string
	kinds   []schema.Kind

	fetchKey  []any
	exhausted bool
	seq       int

	scanCancel context.CancelFunc
	rows       *sql.Rows

	mu     sync.Mutex
	cursor Cursor
}

// Open starts extracting t. A non-nil resume cursor continues after its
// LastKey; store, when set, receives the cursor after every Commit.
func (e *Extractor) Open(ctx context.Context, t *schema.Table, resume *Cursor, store CursorStore) (*Stream, error) {
	cur := NewCursor(t)
	if resume != nil && resume.Strategy == cur.Strategy && equalKeys(resume.KeyColumns, cur.KeyColumns) {
		if !resume.Resumable && resume.RowsExtracted > 0 && !resume.Done {
			return nil, errs.DataWrite("open extraction", ErrNotResumable).WithTable(t.Name, "data")
		}
		cur = *resume
		cur.LastKey = append([]any(nil), resume.LastKey...)
		if len(resume.LastKey) == 0 {
			cur.LastKey = nil
		}
	} else if resume != nil {
		e.Opts.Logger.Warn("Saved cursor no longer matches the table's ordering key, starting over",
			zap.String("table", t.Name), zap.String("saved_strategy", string(resume.Strategy)), zap.String("strategy", string(cur.Strategy)))
	}

	s := &Stream{
		ext:      e,
		table:    t,
		store:    store,
		log:      e.Opts.Logger.With(zap.String("table", t.Name), zap.String("strategy", string(cur.Strategy))),
		columns:  t.ColumnNames(),
		fetchKey: cur.LastKey,
		cursor:   cur,
	}
	s.kinds = make([]schema.Kind, len(cur.KeyColumns))
	for i, k := range cur.KeyColumns {
		if col, ok := t.Column(k, false); ok {
			s.kinds[i] = col.Type.Kind
		}
	}
	if cur.Done {
		s.exhausted = true
		return s, nil
	}
	if cur.TotalEstimate == 0 && !e.Opts.SkipEstimate {
		s.cursor.TotalEstimate = e.estimate(ctx, t.Name, s.log)
	}
	if cur.Strategy == StrategyFullScan {
		s.log.Warn("No primary or non-null unique key, extracting with an unordered scan (not resumable)")
	}
	return s, nil
}

func (e *Extractor) estimate(ctx context.Context, table string, log *zap.Logger) int64 {
	cctx, cancel := db.WithTimeout(ctx, e.Opts.FetchTimeout)
	defer cancel()
	var n int64
	if err := e.Conn.DB.WithContext(cctx).Raw("SELECT COUNT(*) FROM " + e.Conn.Dialect.Quote(table)).Scan(&n).Error; err != nil {
		log.Warn("Could not count source rows, progress will have no total", zap.String("error", logger.Redact(err.Error())))
		return 0
	}
	return n
}

// Cursor returns a copy of the committed cursor.
func (s *Stream) Cursor() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cursor
	c.LastKey = append([]any(nil), s.cursor.LastKey...)
	c.KeyColumns = append([]string(nil), s.cursor.KeyColumns...)
	return c
}

// Next fetches the next batch. It returns io.EOF once the table is
// exhausted.
func (s *Stream) Next(ctx context.Context) (*Batch, error) {
	if s.exhausted {
		return nil, io.EOF
	}
	if s.cursor.Strategy == StrategyFullScan {
		return s.nextScan(ctx)
	}

	query, args := s.keysetQuery()
	var rows []map[string]any
	op := func(ctx context.Context) error {
		fctx, cancel := db.WithTimeout(ctx, s.ext.Opts.FetchTimeout)
		defer cancel()
		rows = nil
		return s.ext.Conn.DB.WithContext(fctx).Raw(query, args...).Scan(&rows).Error
	}
	notify := func(err error, attempt int, wait time.Duration) {
		if s.ext.Opts.Metrics != nil {
			s.ext.Opts.Metrics.FetchRetriesTotal.WithLabelValues(s.table.Name).Inc()
		}
		s.log.Warn("Batch fetch failed, retrying same key range",
			zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.String("error", logger.Redact(err.Error())))
	}
	if err := db.Retry(ctx, s.ext.Opts.Retry, db.IsTransient, notify, op); err != nil {
		return nil, fetchError(s.table.Name, err)
	}

	if len(rows) < s.ext.Opts.BatchSize {
		s.exhausted = true
	}
	if len(rows) == 0 {
		return nil, io.EOF
	}
	last := rows[len(rows)-1]
	key := make([]any, len(s.cursor.KeyColumns))
	for i, k := range s.cursor.KeyColumns {
		key[i] = normalizeKey(last[k], s.kinds[i])
	}
	s.fetchKey = key
	s.seq++
	return &Batch{Seq: s.seq, Rows: rows, LastKey: key}, nil
}

func fetchError(table string, err error) error {
	if errors.Is(err, context.Canceled) {
		return errs.Aborted("fetch batch", err).WithTable(table, "data")
	}
	if db.IsTransient(err) {
		return errs.Connectivity("fetch batch", err).WithTable(table, "data")
	}
	return errs.DataWrite("fetch batch", err).WithTable(table, "data")
}

func (s *Stream) selectList() string {
	return utils.QuoteIdentifiers(s.columns, s.ext.Conn.Dialect.String())
}

// keysetQuery builds the next page query. Row-value comparison is used where
// the dialect optimizes it; SQLite gets the equivalent expanded OR form.
func (s *Stream) keysetQuery() (string, []any) {
	d := s.ext.Conn.Dialect
	keys := s.cursor.KeyColumns
	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = d.Quote(k)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", s.selectList(), d.Quote(s.table.Name))
	var args []any
	if s.fetchKey != nil {
		where, a := seekPredicate(d, quoted, s.fetchKey)
		b.WriteString(" WHERE ")
		b.WriteString(where)
		args = a
	}
	fmt.Fprintf(&b, " ORDER BY %s LIMIT %d", strings.Join(quoted, ", "), s.ext.Opts.BatchSize)
	return b.String(), args
}

func seekPredicate(d db.Dialect, quoted []string, last []any) (string, []any) {
	if len(quoted) == 1 {
		return quoted[0] + " > ?", []any{last[0]}
	}
	if d.RowValueSeek() {
		ph := strings.TrimSuffix(strings.Repeat("?, ", len(quoted)), ", ")
		return fmt.Sprintf("(%s) > (%s)", strings.Join(quoted, ", "), ph), append([]any(nil), last...)
	}
	// (a > ?) OR (a = ? AND b > ?) OR ...
	var parts []string
	var args []any
	for i := range quoted {
		var conds []string
		for j := 0; j < i; j++ {
			conds = append(conds, quoted[j]+" = ?")
			args = append(args, last[j])
		}
		conds = append(conds, quoted[i]+" > ?")
		args = append(args, last[i])
		parts = append(parts, "("+strings.Join(conds, " AND ")+")")
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

// nextScan reads the next chunk of a single streaming query. The fetch
// timeout bounds each chunk; when it fires the whole scan is lost.
func (s *Stream) nextScan(ctx context.Context) (*Batch, error) {
	conn := s.ext.Conn
	if s.rows == nil {
		sctx, cancel := context.WithCancel(ctx)
		rows, err := conn.DB.WithContext(sctx).Raw(fmt.Sprintf("SELECT %s FROM %s", s.selectList(), conn.Dialect.Quote(s.table.Name))).Rows()
		if err != nil {
			cancel()
			return nil, fetchError(s.table.Name, err)
		}
		s.rows, s.scanCancel = rows, cancel
	}

	var timedOut atomic.Bool
	var timer *time.Timer
	if d := s.ext.Opts.FetchTimeout; d > 0 {
		cancel := s.scanCancel
		timer = time.AfterFunc(d, func() { timedOut.Store(true); cancel() })
	}
	batch := make([]map[string]any, 0, s.ext.Opts.BatchSize)
	for len(batch) < s.ext.Opts.BatchSize && s.rows.Next() {
		row := map[string]any{}
		if err := conn.DB.ScanRows(s.rows, &row); err != nil {
			s.stopTimer(timer)
			s.Close()
			return nil, fetchError(s.table.Name, err)
		}
		batch = append(batch, row)
	}
	s.stopTimer(timer)
	if err := s.rows.Err(); err != nil {
		s.Close()
		if timedOut.Load() {
			err = fmt.Errorf("scan chunk exceeded %s: %w", s.ext.Opts.FetchTimeout, context.DeadlineExceeded)
		}
		return nil, fetchError(s.table.Name, err)
	}
	if len(batch) < s.ext.Opts.BatchSize {
		s.exhausted = true
		s.Close()
	}
	if len(batch) == 0 {
		return nil, io.EOF
	}
	s.seq++
	return &Batch{Seq: s.seq, Rows: batch}, nil
}

func (s *Stream) stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// Commit records b as consumed and persists the cursor. Batches must be
// committed in the order Next returned them.
func (s *Stream) Commit(ctx context.Context, b *Batch) error {
	s.mu.Lock()
	if b.LastKey != nil {
		s.cursor.LastKey = append([]any(nil), b.LastKey...)
	}
	s.cursor.RowsExtracted += int64(len(b.Rows))
	if s.cursor.RowsExtracted > s.cursor.TotalEstimate {
		s.cursor.TotalEstimate = s.cursor.RowsExtracted
	}
	c := s.cursor
	s.mu.Unlock()
	return s.save(ctx, c)
}

// Finish marks the cursor done once the stream returned io.EOF and every
// batch was committed.
func (s *Stream) Finish(ctx context.Context) error {
	s.mu.Lock()
	s.cursor.Done = true
	s.cursor.TotalEstimate = s.cursor.RowsExtracted
	c := s.cursor
	s.mu.Unlock()
	return s.save(ctx, c)
}

func (s *Stream) save(ctx context.Context, c Cursor) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.SaveCursor(ctx, c); err != nil {
		return fmt.Errorf("save cursor for %s: %w", s.table.Name, err)
	}
	return nil
}

// Close releases a full scan's open result set. Keyset streams hold nothing
// between fetches.
func (s *Stream) Close() error {
	var err error
	if s.rows != nil {
		err = s.rows.Close()
		s.rows = nil
	}
	if s.scanCancel != nil {
		s.scanCancel()
		s.scanCancel = nil
	}
	return err
}

func equalKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
