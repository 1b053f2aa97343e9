package migrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anbu0809/strata-migrate/internal/errs"
	"github.com/anbu0809/strata-migrate/internal/extract"
	"github.com/anbu0809/strata-migrate/internal/logger"
	"github.com/anbu0809/strata-migrate/internal/schema"
)

// Progress is a point-in-time view of one table copy.
type Progress struct {
	Table         string
	RowsWritten   int64
	TotalEstimate int64
	Batches       int
	RowsPerSec    float64
	Cursor        extract.Cursor
}

// CopyResult summarizes a finished table copy.
type CopyResult struct {
	RowsWritten int64
	Batches     int
	Duration    time.Duration
	RowsPerSec  float64
	Cursor      extract.Cursor
}

// Copier moves one table at a time from an extractor into a writer.
type Copier struct {
	Extractor       *extract.Extractor
	Writer          *Writer
	Prefetch        int
	CaseInsensitive bool
	Logger          *zap.Logger
	// OnProgress is called after each committed batch from the copying
	// goroutine.
	OnProgress func(Progress)
}

// CopyJob names the tables on both sides. Resume continues a previous run;
// Store receives the cursor after every written batch.
type CopyJob struct {
	Source           *schema.Table
	Target           *schema.Table
	Resume           *extract.Cursor
	Store            extract.CursorStore
	RelaxForeignKeys bool
}

// CopyTable streams j.Source into j.Target. Batches are written strictly in
// key order; up to Prefetch batches are read ahead while one is written. A
// batch's cursor is committed only after the batch is written.
func (c *Copier) CopyTable(ctx context.Context, j CopyJob) (CopyResult, error) {
	log := c.log().With(zap.String("table", j.Source.Name))
	stream, err := c.Extractor.Open(ctx, j.Source, j.Resume, j.Store)
	if err != nil {
		return CopyResult{}, err
	}
	defer stream.Close()

	coercer := NewCoercer(c.Writer.Conn.Dialect, j.Source, j.Target, c.CaseInsensitive)
	target := Target{Table: j.Target.Name, Keys: c.conflictKeys(j, stream.Cursor()), RelaxForeignKeys: j.RelaxForeignKeys}
	if len(target.Keys) == 0 {
		log.Warn("Target has no usable key, batches are inserted without upsert")
	}

	prefetch := c.Prefetch
	if prefetch < 1 {
		prefetch = 1
	}
	batches := make(chan *extract.Batch, prefetch)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(batches)
		for {
			b, err := stream.Next(gctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			select {
			case batches <- b:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	start := time.Now()
	startRows := stream.Cursor().RowsExtracted
	var res CopyResult
	g.Go(func() error {
		for b := range batches {
			if err := ctx.Err(); err != nil {
				return errs.Aborted("copy table", err).WithTable(j.Source.Name, "data")
			}
			rows, err := coercer.Rows(b.Rows)
			if err != nil {
				return errs.DataWrite(fmt.Sprintf("coerce batch %d", b.Seq), err).WithTable(j.Source.Name, "data")
			}
			if err := c.Writer.WriteBatch(ctx, target, rows); err != nil {
				return err
			}
			// the batch is written; its cursor must be recorded even if ctx is done
			if err := stream.Commit(context.WithoutCancel(ctx), b); err != nil {
				return errs.DataWrite("commit cursor", err).WithTable(j.Source.Name, "data")
			}
			res.RowsWritten += int64(len(b.Rows))
			res.Batches++
			if c.OnProgress != nil {
				cur := stream.Cursor()
				c.OnProgress(Progress{
					Table:         j.Source.Name,
					RowsWritten:   cur.RowsExtracted,
					TotalEstimate: cur.TotalEstimate,
					Batches:       res.Batches,
					RowsPerSec:    rate(cur.RowsExtracted-startRows, time.Since(start)),
					Cursor:        cur,
				})
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		res.Cursor = stream.Cursor()
		if ctx.Err() != nil && errs.KindOf(err) == errs.KindUnknown {
			err = errs.Aborted("copy table", err).WithTable(j.Source.Name, "data")
		}
		log.Error("Table copy stopped", zap.Int64("rows_written", res.RowsWritten), zap.String("error", logger.Redact(err.Error())))
		return res, err
	}
	if err := stream.Finish(ctx); err != nil {
		return res, errs.DataWrite("finish cursor", err).WithTable(j.Source.Name, "data")
	}
	res.Duration = time.Since(start)
	res.RowsPerSec = rate(res.RowsWritten, res.Duration)
	res.Cursor = stream.Cursor()
	log.Info("Table copied",
		zap.Int64("rows_written", res.RowsWritten),
		zap.Int("batches", res.Batches),
		zap.Duration("duration", res.Duration),
		zap.Float64("rows_per_sec", res.RowsPerSec))
	return res, nil
}

// conflictKeys prefers the target's primary key and falls back to the
// extraction key mapped onto target column names.
func (c *Copier) conflictKeys(j CopyJob, cur extract.Cursor) []string {
	if len(j.Target.PrimaryKey) > 0 {
		return append([]string(nil), j.Target.PrimaryKey...)
	}
	var keys []string
	for _, k := range cur.KeyColumns {
		col, ok := j.Target.Column(k, c.CaseInsensitive)
		if !ok {
			return nil
		}
		keys = append(keys, col.Name)
	}
	return keys
}

func (c *Copier) log() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logger.Log
}

func rate(rows int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(rows) / d.Seconds()
}
