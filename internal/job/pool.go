package job

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/anbu0809/strata-migrate/internal/reconcile"
	"github.com/anbu0809/strata-migrate/internal/telemetry"
)

// tableResult is what one table worker hands back. Workers never touch the
// job record; the pool's collector applies results one at a time.
type tableResult struct {
	table  string
	status TableStatus
	err    error
	rows   int64
	report *reconcile.TableReport
}

// runPool runs work for every table with at most workers in flight. A table
// whose parents are still pending waits until they finish; parents outside
// tables count as finished. collect is called from the calling goroutine
// for each result. Tables never started because ctx ended are returned.
func runPool(ctx context.Context, log *zap.Logger, workers int, tables []string, parents map[string][]string,
	work func(ctx context.Context, table string) tableResult, collect func(tableResult)) []string {
	if workers < 1 {
		workers = 1
	}
	pending := make(map[string]bool, len(tables))
	for _, t := range tables {
		pending[t] = true
	}
	launched := make(map[string]bool, len(tables))

	var wg sync.WaitGroup
	resultChan := make(chan tableResult, len(tables))
	sem := make(chan struct{}, workers)
	inFlight := 0

	ready := func(table string) bool {
		for _, p := range parents[table] {
			if pending[p] {
				return false
			}
		}
		return true
	}
	dispatch := func() {
		for _, table := range tables {
			if launched[table] || !ready(table) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			launched[table] = true
			inFlight++
			wg.Add(1)
			telemetry.Go(func() {
				defer wg.Done()
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					log.Warn("Context cancelled while waiting for worker slot", zap.String("table", table))
					resultChan <- tableResult{table: table, status: TablePending, err: ctx.Err()}
					return
				}
				resultChan <- work(ctx, table)
			})
		}
	}

	dispatch()
	for inFlight > 0 {
		res := <-resultChan
		inFlight--
		delete(pending, res.table)
		collect(res)
		dispatch()
	}
	wg.Wait()

	var never []string
	for _, t := range tables {
		if !launched[t] {
			never = append(never, t)
		}
	}
	if len(never) > 0 {
		log.Warn("Context cancelled; tables left unstarted", zap.Strings("tables", never))
	}
	return never
}
