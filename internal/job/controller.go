package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anbu0809/strata-migrate/internal/config"
	"github.com/anbu0809/strata-migrate/internal/db"
	"github.com/anbu0809/strata-migrate/internal/errs"
	"github.com/anbu0809/strata-migrate/internal/logger"
	"github.com/anbu0809/strata-migrate/internal/metrics"
	"github.com/anbu0809/strata-migrate/internal/reconcile"
	"github.com/anbu0809/strata-migrate/internal/schema"
	"github.com/anbu0809/strata-migrate/internal/secrets"
	"github.com/anbu0809/strata-migrate/internal/telemetry"
	"github.com/anbu0809/strata-migrate/internal/translate"
)

var (
	ErrPlanStale    = errors.New("schemas changed since the plan was built; a new plan was generated")
	ErrPlanNotReady = errors.New("plan is not ready")
	ErrNoReport     = errors.New("no reconciliation report yet")
	ErrBusy         = errors.New("job is running")
	ErrTerminal     = errors.New("job already finished")
)

// Options wires a Controller. Service may be nil, in which case entries
// that need the translation service stay PENDING.
type Options struct {
	Config    *config.Config
	Resolver  secrets.Resolver
	Store     *Store
	Service   translate.Service
	Overrides *config.TypeOverrides
	Metrics   *metrics.Store
	Logger    *zap.Logger
}

// Controller runs migration jobs. All methods are safe for concurrent use;
// Status never waits on database or translation I/O.
type Controller struct {
	cfg       *config.Config
	resolver  secrets.Resolver
	store     *Store
	service   translate.Service
	overrides *config.TypeOverrides
	metrics   *metrics.Store
	log       *zap.Logger

	mu     sync.Mutex
	active map[string]*run
	pairs  map[string]string // "source|target" -> job ID
}

func New(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = logger.Log
	}
	return &Controller{
		cfg:       opts.Config,
		resolver:  opts.Resolver,
		store:     opts.Store,
		service:   opts.Service,
		overrides: opts.Overrides,
		metrics:   opts.Metrics,
		log:       opts.Logger.Named("job"),
		active:    map[string]*run{},
		pairs:     map[string]string{},
	}
}

// run is the live state of a job owned by this process.
type run struct {
	mu       sync.RWMutex
	rec      *Record
	src, dst *db.Connector
	srcSnap  *schema.Snapshot
	dstSnap  *schema.Snapshot
	diff     *schema.Diff

	// one pointer per table, fixed at creation; each data worker is the
	// only writer of its own entry
	progress map[string]*atomic.Pointer[TableProgress]

	errMu  sync.Mutex
	errLog []ErrorEntry

	cancel   context.CancelFunc
	done     chan struct{}
	aborting bool
	started  time.Time
	log      *zap.Logger
}

func (r *run) closeConns() error {
	var err error
	if r.src != nil {
		err = multierr.Append(err, r.src.Close())
		r.src = nil
	}
	if r.dst != nil {
		err = multierr.Append(err, r.dst.Close())
		r.dst = nil
	}
	return err
}

func pairKey(src, dst config.ConnectionProfile) string {
	return src.Key() + "|" + dst.Key()
}

func configError(op string, err error) error {
	return &errs.Error{Kind: errs.KindConfiguration, Op: op, Err: err}
}

func (c *Controller) selection(s Selection) schema.Selection {
	return schema.Selection{Include: s.Include, Exclude: s.Exclude, CaseInsensitive: c.cfg.CaseInsensitive}
}

func (c *Controller) retry() db.RetryPolicy {
	return db.RetryPolicy{MaxRetries: c.cfg.MaxRetries, Initial: c.cfg.RetryInterval, MaxInterval: c.cfg.RetryMaxInterval}
}

func (c *Controller) introspector() *schema.Introspector {
	return schema.NewIntrospector(c.log, c.retry(), c.cfg.QueryTimeout)
}

func (c *Controller) translator(src, dst db.Dialect) *translate.Translator {
	return &translate.Translator{
		Mapper:          translate.TypeMapper{Source: src, Target: dst, Overrides: c.overrides},
		Service:         c.service,
		CaseInsensitive: c.cfg.CaseInsensitive,
		ScaleTolerance:  c.cfg.DecimalScaleTolerance,
		Logger:          c.log,
	}
}

// reserve claims the (source, target) pair for jobID. An empty jobID is a
// placeholder while Start is still connecting.
func (c *Controller) reserve(ctx context.Context, key, jobID string, src, dst config.ConnectionProfile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if other, ok := c.pairs[key]; ok && other != jobID {
		if other == "" {
			return configError("start job", fmt.Errorf("a job for this source and target is being submitted"))
		}
		return configError("start job", fmt.Errorf("job %s is already in flight for this source and target", other))
	}
	if jobID == "" {
		id, err := c.store.InFlight(ctx, src.Key(), dst.Key())
		if err != nil {
			return fmt.Errorf("checking in-flight jobs: %w", err)
		}
		if id != "" {
			return configError("start job", fmt.Errorf("job %s is already in flight for this source and target; resume or abort it", id))
		}
	}
	c.pairs[key] = jobID
	return nil
}

func (c *Controller) release(key string) {
	c.mu.Lock()
	delete(c.pairs, key)
	c.mu.Unlock()
}

// Start validates both profiles, connects and captures both schemas. Any
// failure is a ConfigurationError and leaves nothing persisted. Analysis
// then runs in the background until the plan is ready.
func (c *Controller) Start(ctx context.Context, src, dst config.ConnectionProfile, sel Selection) (string, error) {
	if err := src.Validate(); err != nil {
		return "", configError("validate source profile", err)
	}
	if err := dst.Validate(); err != nil {
		return "", configError("validate target profile", err)
	}
	if src.Key() == dst.Key() {
		return "", configError("start job", fmt.Errorf("source and target point at the same database"))
	}
	key := pairKey(src, dst)
	if err := c.reserve(ctx, key, "", src, dst); err != nil {
		return "", err
	}

	r, err := c.attach(ctx, src, dst, sel)
	if err != nil {
		c.release(key)
		return "", configError("start job", err)
	}
	schemaSel := c.selection(sel)
	if missing := schemaSel.Missing(r.srcSnap); len(missing) > 0 {
		c.release(key)
		_ = r.closeConns()
		return "", configError("start job", fmt.Errorf("selected tables not found in source: %v", missing))
	}
	if len(r.srcSnap.Tables) == 0 {
		c.release(key)
		_ = r.closeConns()
		return "", configError("start job", fmt.Errorf("no source tables in scope"))
	}

	order, _ := schema.TopoOrder(r.srcSnap.Tables, c.cfg.CaseInsensitive)
	now := time.Now().UTC()
	rec := &Record{
		ID:        uuid.NewString(),
		Source:    src,
		Target:    dst,
		Selection: sel,
		Stage:     StageCreated,
		Tables:    map[string]*TableRecord{},
		Order:     order,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, name := range order {
		rec.Tables[name] = newTableRecord(name)
	}
	r.init(rec, c.log)

	if err := c.store.SaveJob(ctx, rec); err != nil {
		c.release(key)
		_ = r.closeConns()
		return "", fmt.Errorf("persisting job: %w", err)
	}
	c.mu.Lock()
	c.pairs[key] = rec.ID
	c.active[rec.ID] = r
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.JobsRunning.Inc()
	}

	r.log.Info("Job created", zap.Object("source", src), zap.Object("target", dst), zap.Int("tables", len(order)))
	if err := c.advance(r, StageAnalyzing); err != nil {
		return rec.ID, err
	}
	c.launch(r, c.analyze)
	return rec.ID, nil
}

// attach connects to both databases and captures their schemas in
// parallel.
func (c *Controller) attach(ctx context.Context, src, dst config.ConnectionProfile, sel Selection) (*run, error) {
	r := &run{}
	schemaSel := c.selection(sel)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		r.src, r.srcSnap, err = c.open(gctx, "source", src, schemaSel)
		return err
	})
	g.Go(func() error {
		var err error
		r.dst, r.dstSnap, err = c.open(gctx, "target", dst, schemaSel)
		return err
	})
	if err := g.Wait(); err != nil {
		_ = r.closeConns()
		return nil, err
	}
	return r, nil
}

func (c *Controller) open(ctx context.Context, label string, p config.ConnectionProfile, sel schema.Selection) (*db.Connector, *schema.Snapshot, error) {
	creds, err := secrets.ForProfile(ctx, c.resolver, p.SecretRef, p.User, p.UsernameKey, p.PasswordKey)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve %s credentials: %s", label, logger.Redact(err.Error()))
	}
	conn, err := db.Open(ctx, p, creds, db.OpenOptions{
		Label:          label,
		Retry:          c.retry(),
		ConnectTimeout: c.cfg.ConnectTimeout,
		Debug:          c.cfg.DebugMode,
		Metrics:        c.metrics,
	})
	if err != nil {
		return nil, nil, err
	}
	snap, err := c.introspector().Capture(ctx, conn, sel)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("introspect %s: %w", label, err)
	}
	return conn, snap, nil
}

func (r *run) init(rec *Record, log *zap.Logger) {
	r.rec = rec
	r.started = time.Now()
	r.log = log.With(zap.String("job_id", rec.ID))
	r.progress = make(map[string]*atomic.Pointer[TableProgress], len(rec.Order))
	for _, name := range rec.Order {
		r.progress[name] = &atomic.Pointer[TableProgress]{}
	}
}

// launch runs task in the background with a cancellable context. Only one
// task runs per job at a time.
func (c *Controller) launch(r *run, task func(ctx context.Context, r *run) error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.mu.Lock()
	r.cancel, r.done = cancel, done
	r.mu.Unlock()

	telemetry.Go(func() {
		defer close(done)
		defer cancel()
		err := task(ctx, r)
		c.settle(ctx, r, err)
	})
}

// settle decides what a finished task means for the job: nothing while the
// job waits for approval, ABORTED after Abort, resumable state after a
// shutdown, FAILED on a job-level error.
func (c *Controller) settle(ctx context.Context, r *run, err error) {
	r.mu.RLock()
	stage, aborting := r.rec.Stage, r.aborting
	r.mu.RUnlock()

	switch {
	case aborting:
		c.finish(r, StageAborted, OutcomeAborted, "aborted by operator")
	case err != nil && ctx.Err() != nil:
		r.log.Warn("Job interrupted; state kept for resume", zap.String("stage", string(stage)))
		c.save(r)
		c.detach(r)
	case err != nil:
		r.log.Error("Job failed", zap.String("stage", string(stage)), zap.String("error", logger.Redact(err.Error())))
		c.recordError(r, "", "", err, false)
		telemetry.CaptureJobFailure(r.rec.ID, string(stage), err)
		c.finish(r, StageFailed, OutcomeFailed, logger.Redact(err.Error()))
	case stage == StageCompleted:
		c.detach(r)
	}
}

// finish moves the job to a terminal stage, skips every table phase that
// never ran and releases the job's resources.
func (c *Controller) finish(r *run, stage Stage, outcome Outcome, msg string) {
	r.mu.Lock()
	if err := r.rec.transition(stage); err != nil {
		r.mu.Unlock()
		r.log.Warn("Finish ignored", zap.Error(err))
		c.detach(r)
		return
	}
	r.rec.Outcome = outcome
	r.rec.Message = msg
	for _, name := range r.rec.Order {
		r.rec.Tables[name].skipFrom(phaseStructure, msg)
	}
	r.mu.Unlock()
	r.log.Info("Job finished", zap.String("stage", string(stage)), zap.String("outcome", string(outcome)))
	if c.metrics != nil {
		c.metrics.JobDuration.WithLabelValues(string(outcome)).Observe(time.Since(r.started).Seconds())
	}
	c.save(r)
	c.detach(r)
}

// detach forgets a job that no longer runs in this process.
func (c *Controller) detach(r *run) {
	if err := r.closeConns(); err != nil {
		r.log.Warn("Closing connections", zap.Error(err))
	}
	c.mu.Lock()
	if _, ok := c.active[r.rec.ID]; ok {
		delete(c.active, r.rec.ID)
		if c.metrics != nil {
			c.metrics.JobsRunning.Dec()
		}
	}
	delete(c.pairs, pairKey(r.rec.Source, r.rec.Target))
	c.mu.Unlock()
}

// advance applies a forward transition and persists it.
func (c *Controller) advance(r *run, to Stage) error {
	r.mu.Lock()
	err := r.rec.transition(to)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.log.Info("Job stage changed", zap.String("stage", string(to)))
	return c.saveErr(r)
}

func (c *Controller) saveErr(r *run) error {
	r.mu.RLock()
	snap := r.rec.clone()
	r.mu.RUnlock()
	return c.store.SaveJob(context.Background(), snap)
}

func (c *Controller) save(r *run) {
	if err := c.saveErr(r); err != nil {
		r.log.Error("Persisting job state failed", zap.Error(err))
	}
}

// recordError appends to the job's error log, in memory and in the store.
func (c *Controller) recordError(r *run, table, phase string, err error, transient bool) {
	kind := errs.KindOf(err)
	if transient {
		kind = errs.KindConnectivity
	}
	r.errMu.Lock()
	e := ErrorEntry{
		Seq:       len(r.errLog) + 1,
		At:        time.Now().UTC(),
		Kind:      kind,
		Table:     table,
		Stage:     phase,
		Transient: transient,
		Message:   logger.Redact(err.Error()),
	}
	r.errLog = append(r.errLog, e)
	if serr := c.store.AppendError(context.Background(), r.rec.ID, e); serr != nil {
		r.log.Error("Persisting error log failed", zap.Error(serr))
	}
	r.errMu.Unlock()
	if c.metrics != nil {
		c.metrics.ErrorsTotal.WithLabelValues(string(kind), table).Inc()
	}
}

func (c *Controller) lookup(id string) *run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[id]
}

// analyze diffs the captured schemas and builds the plan.
func (c *Controller) analyze(ctx context.Context, r *run) error {
	start := time.Now()
	if err := c.buildPlan(ctx, r); err != nil {
		return err
	}
	c.observeStage(StageAnalyzing, start)
	return c.advance(r, StagePlanReady)
}

func (c *Controller) buildPlan(ctx context.Context, r *run) error {
	r.mu.RLock()
	src, dst := r.srcSnap, r.dstSnap
	r.mu.RUnlock()

	diff := schema.Differ{CaseInsensitive: c.cfg.CaseInsensitive}.Diff(src, dst)
	plan, err := c.translator(r.src.Dialect, r.dst.Dialect).Build(ctx, diff, src, dst)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.diff = diff
	r.rec.Plan = plan
	r.rec.Approvals = map[string]Approval{}
	for _, name := range r.rec.Order {
		if t, ok := dst.Table(name, c.cfg.CaseInsensitive); ok {
			r.rec.Tables[name].TargetName = t.Name
		}
	}
	r.mu.Unlock()
	return c.store.SavePlan(context.Background(), r.rec.ID, plan, nil)
}

func (c *Controller) observeStage(stage Stage, start time.Time) {
	if c.metrics != nil {
		c.metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
	}
}

// Plan returns the job's migration plan once analysis is done.
func (c *Controller) Plan(ctx context.Context, id string) (*translate.Plan, error) {
	rec, err := c.record(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Plan == nil {
		return nil, fmt.Errorf("%w: job is %s", ErrPlanNotReady, rec.Stage)
	}
	return rec.Plan, nil
}

// record returns a copy of the job record, live or persisted.
func (c *Controller) record(ctx context.Context, id string) (*Record, error) {
	if r := c.lookup(id); r != nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.rec.clone(), nil
	}
	return c.store.LoadJob(ctx, id)
}

// RunnableApprovals approves every entry that passed validation. Entries
// needing review or still pending are left out.
func RunnableApprovals(plan *translate.Plan) []Approval {
	var out []Approval
	for _, e := range plan.Entries {
		if !e.NoOp && e.Validation == translate.Valid {
			out = append(out, Approval{EntryID: e.ID})
		}
	}
	return out
}

// Approve records the operator's approvals and starts the migration. Both
// schemas are captured again first; if the diff no longer matches the plan,
// a new plan is built and ErrPlanStale returned. Override statements go
// through the same validation as generated ones.
func (c *Controller) Approve(ctx context.Context, id string, approvals []Approval) error {
	r, err := c.resume(ctx, id)
	if err != nil {
		return err
	}
	r.mu.RLock()
	stage, busy := r.rec.Stage, r.done != nil && !closed(r.done)
	plan := r.rec.Plan
	r.mu.RUnlock()
	if busy {
		return ErrBusy
	}
	if stage != StagePlanReady || plan == nil {
		return fmt.Errorf("%w: job is %s", ErrPlanNotReady, stage)
	}

	sel := c.selection(r.rec.Selection)
	var srcSnap, dstSnap *schema.Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { srcSnap, err = c.introspector().Capture(gctx, r.src, sel); return })
	g.Go(func() (err error) { dstSnap, err = c.introspector().Capture(gctx, r.dst, sel); return })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("re-capturing schemas: %w", err)
	}
	diff := schema.Differ{CaseInsensitive: c.cfg.CaseInsensitive}.Diff(srcSnap, dstSnap)
	if diff.Fingerprint() != plan.DiffFingerprint {
		r.log.Warn("Plan is stale; rebuilding")
		r.mu.Lock()
		r.srcSnap, r.dstSnap = srcSnap, dstSnap
		r.mu.Unlock()
		if err := c.buildPlan(ctx, r); err != nil {
			return err
		}
		c.save(r)
		return ErrPlanStale
	}

	tr := c.translator(r.src.Dialect, r.dst.Dialect)
	accepted := make(map[string]Approval, len(approvals))
	for _, a := range approvals {
		entry, ok := plan.Entry(a.EntryID)
		if !ok {
			return fmt.Errorf("plan has no entry %q", a.EntryID)
		}
		if len(a.Statements) > 0 {
			if err := tr.ValidateOverride(ctx, plan, diff, srcSnap, dstSnap, a.EntryID, a.Statements); err != nil {
				return fmt.Errorf("override for %s rejected: %w", a.EntryID, err)
			}
		} else if !entry.Runnable() {
			return fmt.Errorf("entry %s is %s; approve it with override statements", a.EntryID, entry.Validation)
		}
		accepted[a.EntryID] = a
	}

	r.mu.Lock()
	r.srcSnap, r.dstSnap, r.diff = srcSnap, dstSnap, diff
	r.rec.Approvals = accepted
	r.mu.Unlock()
	if err := c.store.SavePlan(ctx, id, plan, accepted); err != nil {
		return fmt.Errorf("persisting approvals: %w", err)
	}
	r.log.Info("Plan approved", zap.Int("approved", len(accepted)), zap.Int("entries", len(plan.Entries)))
	if err := c.advance(r, StageMigratingStructure); err != nil {
		return err
	}
	c.launch(r, c.execute)
	return nil
}

func closed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Resume continues a persisted job from its stage: analysis is redone,
// completed table phases are kept, and data copies restart from their
// committed cursors. A job waiting for approval is only reattached.
func (c *Controller) Resume(ctx context.Context, id string) error {
	r, err := c.resume(ctx, id)
	if err != nil {
		return err
	}
	r.mu.RLock()
	stage, busy := r.rec.Stage, r.done != nil && !closed(r.done)
	r.mu.RUnlock()
	if busy {
		return ErrBusy
	}
	switch stage {
	case StageCreated:
		if err := c.advance(r, StageAnalyzing); err != nil {
			return err
		}
		c.launch(r, c.analyze)
	case StageAnalyzing:
		c.launch(r, c.analyze)
	case StageMigratingStructure, StageMigratingData, StageReconciling:
		c.launch(r, c.execute)
	}
	return nil
}

// resume returns the live run of id, reattaching a persisted non-terminal
// job when this process does not hold it.
func (c *Controller) resume(ctx context.Context, id string) (*run, error) {
	if r := c.lookup(id); r != nil {
		return r, nil
	}
	rec, err := c.store.LoadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Stage.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, rec.Stage)
	}
	key := pairKey(rec.Source, rec.Target)
	if err := c.reserve(ctx, key, rec.ID, rec.Source, rec.Target); err != nil {
		return nil, err
	}
	r, err := c.attach(ctx, rec.Source, rec.Target, rec.Selection)
	if err != nil {
		c.release(key)
		return nil, err
	}
	for _, t := range rec.Tables {
		for _, p := range []string{phaseStructure, phaseData, phaseReconcile} {
			if t.status(p) == TableRunning {
				t.set(p, TablePending)
			}
		}
	}
	r.init(rec, c.log)
	if r.errLog, err = c.store.Errors(ctx, id); err != nil {
		_ = r.closeConns()
		c.release(key)
		return nil, err
	}
	if rec.Plan != nil {
		r.diff = schema.Differ{CaseInsensitive: c.cfg.CaseInsensitive}.Diff(r.srcSnap, r.dstSnap)
	}

	c.mu.Lock()
	if other, ok := c.active[id]; ok {
		c.mu.Unlock()
		_ = r.closeConns()
		return other, nil
	}
	c.active[id] = r
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.JobsRunning.Inc()
	}
	r.log.Info("Job reattached", zap.String("stage", string(rec.Stage)))
	return r, nil
}

// Abort cancels a job cooperatively: in-flight batches and statements
// finish, nothing new starts, and the job ends ABORTED.
func (c *Controller) Abort(ctx context.Context, id string) error {
	if r := c.lookup(id); r != nil {
		r.mu.Lock()
		if r.rec.Stage.Terminal() {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrTerminal, r.rec.Stage)
		}
		running := r.done != nil && !closed(r.done)
		r.aborting = true
		cancel := r.cancel
		r.mu.Unlock()
		r.log.Warn("Abort requested")
		if running {
			cancel()
			return nil
		}
		c.finish(r, StageAborted, OutcomeAborted, "aborted by operator")
		return nil
	}

	rec, err := c.store.LoadJob(ctx, id)
	if err != nil {
		return err
	}
	if err := rec.transition(StageAborted); err != nil {
		return fmt.Errorf("%w: %s", ErrTerminal, rec.Stage)
	}
	rec.Outcome = OutcomeAborted
	rec.Message = "aborted by operator"
	for _, name := range rec.Order {
		if t, ok := rec.Tables[name]; ok {
			t.skipFrom(phaseStructure, rec.Message)
		}
	}
	return c.store.SaveJob(ctx, rec)
}

// Wait blocks until the job's current background task ends, then returns
// its status.
func (c *Controller) Wait(ctx context.Context, id string) (*Status, error) {
	if r := c.lookup(id); r != nil {
		r.mu.RLock()
		done := r.done
		r.mu.RUnlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return c.Status(ctx, id)
}

// Status reports the job's stage, per-table status, throughput and error
// log. Progress is what the last committed batch published.
func (c *Controller) Status(ctx context.Context, id string) (*Status, error) {
	if r := c.lookup(id); r != nil {
		r.mu.RLock()
		rec := r.rec.clone()
		r.mu.RUnlock()
		r.errMu.Lock()
		errLog := append([]ErrorEntry(nil), r.errLog...)
		r.errMu.Unlock()
		return buildStatus(rec, errLog, r.progress), nil
	}
	rec, err := c.store.LoadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	errLog, err := c.store.Errors(ctx, id)
	if err != nil {
		return nil, err
	}
	return buildStatus(rec, errLog, nil), nil
}

func buildStatus(rec *Record, errLog []ErrorEntry, progress map[string]*atomic.Pointer[TableProgress]) *Status {
	st := &Status{
		JobID:     rec.ID,
		Stage:     rec.Stage,
		Outcome:   rec.Outcome,
		Message:   rec.Message,
		Source:    rec.Source.Key(),
		Target:    rec.Target.Key(),
		Errors:    errLog,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if st.Errors == nil {
		st.Errors = []ErrorEntry{}
	}
	for _, name := range rec.Order {
		t, ok := rec.Tables[name]
		if !ok {
			continue
		}
		v := TableView{TableRecord: *t}
		rows := t.Rows
		if p, ok := progress[name]; ok {
			if snap := p.Load(); snap != nil {
				v.Progress = snap
				if snap.RowsWritten > rows {
					rows = snap.RowsWritten
				}
				if t.Data == TableRunning {
					st.Throughput += snap.RowsPerSec
				}
			}
		}
		st.RowsWritten += rows
		st.Tables = append(st.Tables, v)
	}
	return st
}

// Report returns the latest reconciliation run.
func (c *Controller) Report(ctx context.Context, id string) (*reconcile.Report, error) {
	reports, err := c.Reports(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, ErrNoReport
	}
	return reports[len(reports)-1], nil
}

// Reports returns every reconciliation run of the job, oldest first.
func (c *Controller) Reports(ctx context.Context, id string) ([]*reconcile.Report, error) {
	if _, err := c.record(ctx, id); err != nil {
		return nil, err
	}
	return c.store.Reports(ctx, id)
}

// List returns every known job.
func (c *Controller) List(ctx context.Context) ([]Summary, error) {
	return c.store.ListJobs(ctx)
}

// Reconcile verifies a completed job again and appends a new report run.
// Table reconcile statuses and the outcome follow the new run.
func (c *Controller) Reconcile(ctx context.Context, id string) (*reconcile.Report, error) {
	if c.lookup(id) != nil {
		return nil, ErrBusy
	}
	rec, err := c.store.LoadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Stage != StageCompleted {
		return nil, fmt.Errorf("job is %s; only completed jobs can be reconciled again", rec.Stage)
	}
	key := pairKey(rec.Source, rec.Target)
	if err := c.reserve(ctx, key, rec.ID, rec.Source, rec.Target); err != nil {
		return nil, err
	}
	defer c.release(key)

	r, err := c.attach(ctx, rec.Source, rec.Target, Selection{Include: rec.Order})
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.closeConns() }()
	r.init(rec, c.log)
	if r.errLog, err = c.store.Errors(ctx, id); err != nil {
		return nil, err
	}

	rep, err := c.reconcileTables(ctx, r)
	if err != nil {
		return nil, err
	}
	r.rec.Outcome = r.rec.outcome()
	r.rec.UpdatedAt = time.Now().UTC()
	if err := c.saveErr(r); err != nil {
		return nil, err
	}
	return rep, nil
}

// Close interrupts every running job without aborting it; persisted state
// lets a later process resume them.
func (c *Controller) Close() error {
	c.mu.Lock()
	runs := make([]*run, 0, len(c.active))
	for _, r := range c.active {
		runs = append(runs, r)
	}
	c.mu.Unlock()
	sort.Slice(runs, func(i, j int) bool { return runs[i].rec.ID < runs[j].rec.ID })

	for _, r := range runs {
		r.mu.RLock()
		cancel, done := r.cancel, r.done
		r.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
		if done != nil {
			<-done
		}
		if c.lookup(r.rec.ID) != nil {
			c.detach(r)
		}
	}
	return nil
}
