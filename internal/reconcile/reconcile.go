// Package reconcile verifies migrated tables: row counts, an
// order-independent digest over a column subset and, when those disagree, a
// bounded sample of concrete row differences.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/anbu0809/strata-migrate/internal/db"
	"github.com/anbu0809/strata-migrate/internal/errs"
	"github.com/anbu0809/strata-migrate/internal/extract"
	"github.com/anbu0809/strata-migrate/internal/logger"
	"github.com/anbu0809/strata-migrate/internal/metrics"
	"github.com/anbu0809/strata-migrate/internal/schema"
)

const (
	missingMarker = "<missing>"
	maxValueLen   = 200
)

type Options struct {
	Columns         []string // empty means every shared column
	Buckets         int
	SampleSize      int
	Seed            int64
	BatchSize       int
	FetchTimeout    time.Duration
	QueryTimeout    time.Duration
	Retry           db.RetryPolicy
	CaseInsensitive bool
	Logger          *zap.Logger
	Metrics         *metrics.Store
}

// Engine reconciles tables between one source and one target.
type Engine struct {
	Source *db.Connector
	Target *db.Connector
	Opts   Options
}

func New(src, dst *db.Connector, opts Options) *Engine {
	if opts.Buckets < 1 {
		opts.Buckets = 256
	}
	if opts.SampleSize < 1 {
		opts.SampleSize = 100
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 1000
	}
	if opts.Logger == nil {
		opts.Logger = logger.Log
	}
	return &Engine{Source: src, Target: dst, Opts: opts}
}

// column pairs a source column with its target counterpart.
type column struct {
	src, dst string
	kind     schema.Kind
}

// side is what one database contributes to a comparison.
type side struct {
	conn  *db.Connector
	table *schema.Table
	cols  []string // compared columns, in this side's names
	keys  []string // key columns, in this side's names
}

type plan struct {
	source, target side
	kinds          []schema.Kind
	keyKinds       []schema.Kind
}

// Table compares one table. The report is always returned; err is a
// ReconciliationFailed error when the data differs, or the underlying
// failure when the comparison could not run.
func (e *Engine) Table(ctx context.Context, src, dst *schema.Table) (TableReport, error) {
	log := e.Opts.Logger.With(zap.String("table", src.Name))
	rep := TableReport{Table: src.Name, StartedAt: time.Now().UTC()}
	p, err := e.plan(src, dst)
	if err != nil {
		rep.Error = err.Error()
		return rep.finish(), errs.Reconciliation("reconcile", err).WithTable(src.Name, "reconcile")
	}
	rep.Columns = append([]string(nil), p.source.cols...)
	rep.KeyColumns = append([]string(nil), p.source.keys...)

	srcDigest, err := e.digest(ctx, p.source, p)
	if err != nil {
		rep.Error = logger.Redact(err.Error())
		return rep.finish(), wrapScan(err, src.Name, "source")
	}
	dstDigest, err := e.digest(ctx, p.target, p)
	if err != nil {
		rep.Error = logger.Redact(err.Error())
		return rep.finish(), wrapScan(err, src.Name, "target")
	}

	rep.SourceCount, rep.TargetCount = srcDigest.Count(), dstDigest.Count()
	rep.SourceDigest, rep.TargetDigest = srcDigest.Sum(), dstDigest.Sum()
	rep.DigestMatch = rep.SourceDigest == rep.TargetDigest
	if rep.DigestMatch && rep.SourceCount == rep.TargetCount {
		rep.Status = StatusPassed
		log.Info("Table reconciled", zap.Int64("rows", rep.SourceCount), zap.String("digest", rep.SourceDigest))
		return rep.finish(), nil
	}

	rep.Status = StatusFailed
	if len(p.source.keys) == 0 {
		rep.Error = "table has no key; mismatching rows cannot be located"
	} else {
		differing := srcDigest.Diff(dstDigest)
		mismatches, err := e.sample(ctx, p, differing, src.Name)
		if err != nil {
			rep.Error = logger.Redact(err.Error())
			return rep.finish(), wrapScan(err, src.Name, "sample")
		}
		rep.Mismatches = mismatches
		if e.Opts.Metrics != nil {
			e.Opts.Metrics.ReconcileMismatch.WithLabelValues(src.Name).Add(float64(len(mismatches)))
		}
	}
	log.Warn("Table does not reconcile",
		zap.Int64("source_count", rep.SourceCount),
		zap.Int64("target_count", rep.TargetCount),
		zap.Bool("digest_match", rep.DigestMatch),
		zap.Int("sampled_mismatches", len(rep.Mismatches)))
	return rep.finish(), errs.Reconciliation("reconcile", fmt.Errorf("%s", rep.Summary())).WithTable(src.Name, "reconcile")
}

func wrapScan(err error, table, what string) error {
	if errs.KindOf(err) != errs.KindUnknown {
		return err
	}
	return errs.Reconciliation("scan "+what, err).WithTable(table, "reconcile")
}

func (e *Engine) plan(src, dst *schema.Table) (*plan, error) {
	want := map[string]bool{}
	for _, c := range e.Opts.Columns {
		want[strings.ToLower(c)] = true
	}
	var cols []column
	for _, c := range src.Columns {
		if len(want) > 0 && !want[strings.ToLower(c.Name)] {
			continue
		}
		d, ok := dst.Column(c.Name, e.Opts.CaseInsensitive)
		if !ok {
			continue
		}
		cols = append(cols, column{src: c.Name, dst: d.Name, kind: c.Type.Kind})
	}
	if len(cols) == 0 {
		return nil, errors.New("no shared columns to compare")
	}

	p := &plan{
		source: side{conn: e.Source, table: src},
		target: side{conn: e.Target, table: dst},
	}
	for _, c := range cols {
		p.source.cols = append(p.source.cols, c.src)
		p.target.cols = append(p.target.cols, c.dst)
		p.kinds = append(p.kinds, c.kind)
	}

	_, keys := extract.ChooseStrategy(src)
	for _, k := range keys {
		d, ok := dst.Column(k, e.Opts.CaseInsensitive)
		if !ok {
			return nil, fmt.Errorf("key column %s is missing on the target", k)
		}
		sc, _ := src.Column(k, false)
		p.source.keys = append(p.source.keys, k)
		p.target.keys = append(p.target.keys, d.Name)
		p.keyKinds = append(p.keyKinds, sc.Type.Kind)
	}
	return p, nil
}

func (p *plan) hashes(s side, row map[string]any) (keyHash, rowHash uint64) {
	vals := make([]string, len(s.cols))
	for i, c := range s.cols {
		vals[i] = Canonical(row[c], p.kinds[i])
	}
	rowHash = hashValues(vals)
	if len(s.keys) == 0 {
		return rowHash, rowHash
	}
	return hashValues(p.keyValues(s, row)), rowHash
}

func (p *plan) keyValues(s side, row map[string]any) []string {
	out := make([]string, len(s.keys))
	for i, k := range s.keys {
		out[i] = Canonical(row[k], p.keyKinds[i])
	}
	return out
}

// scan streams every row of one side through fn.
func (e *Engine) scan(ctx context.Context, s side, fn func(row map[string]any)) error {
	ex := extract.New(s.conn, extract.Options{
		BatchSize:    e.Opts.BatchSize,
		FetchTimeout: e.Opts.FetchTimeout,
		Retry:        e.Opts.Retry,
		Logger:       e.Opts.Logger,
		Metrics:      e.Opts.Metrics,
		SkipEstimate: true,
	})
	stream, err := ex.Open(ctx, s.table, nil, nil)
	if err != nil {
		return err
	}
	defer stream.Close()
	for {
		b, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, row := range b.Rows {
			fn(row)
		}
	}
}

func (e *Engine) digest(ctx context.Context, s side, p *plan) (*Digest, error) {
	d := NewDigest(e.Opts.Buckets)
	err := e.scan(ctx, s, func(row map[string]any) {
		d.Add(p.hashes(s, row))
	})
	return d, err
}

// reservoir keeps a uniform sample of at most size rows.
type reservoir struct {
	size int
	seen int
	rows []map[string]any
	rnd  *rand.Rand
}

func (r *reservoir) offer(row map[string]any) {
	r.seen++
	if len(r.rows) < r.size {
		r.rows = append(r.rows, row)
		return
	}
	if j := r.rnd.Intn(r.seen); j < r.size {
		r.rows[j] = row
	}
}

func newRand(seed int64) *rand.Rand { return rand.New(rand.NewSource(seed)) }

// sample draws rows from the buckets that differ on each side and looks
// their keys up on the other side.
func (e *Engine) sample(ctx context.Context, p *plan, differing map[int]bool, table string) ([]Mismatch, error) {
	seed := e.Opts.Seed ^ int64(xxhash.Sum64String(table))
	probe := NewDigest(e.Opts.Buckets)
	pick := func(s side, seed int64) (*reservoir, error) {
		r := &reservoir{size: e.Opts.SampleSize, rnd: newRand(seed)}
		err := e.scan(ctx, s, func(row map[string]any) {
			kh, _ := p.hashes(s, row)
			if differing[probe.Bucket(kh)] {
				r.offer(row)
			}
		})
		return r, err
	}

	srcSample, err := pick(p.source, seed)
	if err != nil {
		return nil, err
	}
	var out []Mismatch
	for _, row := range srcSample.rows {
		other, err := e.lookup(ctx, p.target, p.source, row)
		if err != nil {
			return nil, err
		}
		out = append(out, p.compare(row, other)...)
	}

	// rows that exist only on the target
	dstSample, err := pick(p.target, seed+1)
	if err != nil {
		return nil, err
	}
	for _, row := range dstSample.rows {
		other, err := e.lookup(ctx, p.source, p.target, row)
		if err != nil {
			return nil, err
		}
		if other == nil {
			out = append(out, Mismatch{
				PrimaryKey:  p.describeKey(p.target, row),
				SourceValue: missingMarker,
				TargetValue: "row present",
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].PrimaryKey != out[j].PrimaryKey {
			return out[i].PrimaryKey < out[j].PrimaryKey
		}
		return out[i].Column < out[j].Column
	})
	return out, nil
}

// lookup reads the row of `in` whose key equals the key of row (taken from
// `from`). It returns nil when there is none.
func (e *Engine) lookup(ctx context.Context, in, from side, row map[string]any) (map[string]any, error) {
	d := in.conn.Dialect
	cols := make([]string, len(in.cols))
	for i, c := range in.cols {
		cols[i] = d.Quote(c)
	}
	conds := make([]string, len(in.keys))
	args := make([]any, len(in.keys))
	for i, k := range in.keys {
		conds[i] = d.Quote(k) + " = ?"
		args[i] = row[from.keys[i]]
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s LIMIT 1",
		strings.Join(cols, ", "), d.Quote(in.table.Name), strings.Join(conds, " AND "))

	var rows []map[string]any
	op := func(ctx context.Context) error {
		qctx, cancel := db.WithTimeout(ctx, e.Opts.QueryTimeout)
		defer cancel()
		rows = nil
		return in.conn.DB.WithContext(qctx).Raw(q, args...).Scan(&rows).Error
	}
	if err := db.Retry(ctx, e.Opts.Retry, db.IsTransient, nil, op); err != nil {
		return nil, fmt.Errorf("look up sampled row in %s: %w", in.table.Name, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// compare reports each differing column of a sampled source row; a missing
// target row is one mismatch with an empty column.
func (p *plan) compare(srcRow, dstRow map[string]any) []Mismatch {
	key := p.describeKey(p.source, srcRow)
	if dstRow == nil {
		return []Mismatch{{PrimaryKey: key, SourceValue: "row present", TargetValue: missingMarker}}
	}
	var out []Mismatch
	for i := range p.kinds {
		sv := Canonical(srcRow[p.source.cols[i]], p.kinds[i])
		tv := Canonical(dstRow[p.target.cols[i]], p.kinds[i])
		if sv != tv {
			out = append(out, Mismatch{PrimaryKey: key, Column: p.source.cols[i], SourceValue: display(sv), TargetValue: display(tv)})
		}
	}
	return out
}

func (p *plan) describeKey(s side, row map[string]any) string {
	vals := p.keyValues(s, row)
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = p.source.keys[i] + "=" + display(v)
	}
	return strings.Join(parts, ",")
}

func display(v string) string {
	if v == nullMarker {
		return "NULL"
	}
	if len(v) > maxValueLen {
		return v[:maxValueLen] + "..."
	}
	return v
}
