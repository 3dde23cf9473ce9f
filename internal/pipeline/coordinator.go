package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-intel/internal/aggregate"
	"github.com/sells-group/market-intel/internal/model"
	"github.com/sells-group/market-intel/internal/processing"
	"github.com/sells-group/market-intel/internal/scheduler"
	"github.com/sells-group/market-intel/internal/source"
)

var (
	// ErrRunAlreadyActive is returned by StartRun while another run has not
	// reached a terminal stage.
	ErrRunAlreadyActive = errors.New("run already active")

	// ErrUnknownRun is returned for a run id that was never issued or whose
	// record has expired.
	ErrUnknownRun = errors.New("unknown run")

	// ErrRunNotFinished is returned when acknowledging a run that is still
	// in progress.
	ErrRunNotFinished = errors.New("run not finished")

	// ErrRegistryEmpty fails a run that has no sources to collect.
	ErrRegistryEmpty = errors.New("no enabled sources")

	// ErrNoTerminalSources fails a run whose every collection was abandoned
	// at the run deadline.
	ErrNoTerminalSources = errors.New("no source finished before the run deadline")
)

// Scheduler selects and dispatches collections.
type Scheduler interface {
	Due(now time.Time, categories ...model.Category) []model.SourceDescriptor
	Enabled(categories ...model.Category) []model.SourceDescriptor
	Dispatch(ctx context.Context, srcs []model.SourceDescriptor, deadline time.Time) *scheduler.Batch
}

// Processor starts a processing pass.
type Processor interface {
	Start(ctx context.Context, categories ...model.Category) (*processing.Batch, error)
}

// Pinger checks that the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Querier answers intelligence queries.
type Querier interface {
	Query(ctx context.Context, f model.ItemFilter) (aggregate.Result, error)
}

// Config tunes run sequencing.
type Config struct {
	// RunDeadline bounds collection. Default: 5m.
	RunDeadline time.Duration
	// AnalyzeGrace bounds how long Analyzing waits for stragglers. Default: 2m.
	AnalyzeGrace time.Duration
	// RunTTL is how long a finished run stays queryable. Default: 1h.
	RunTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.RunDeadline <= 0 {
		c.RunDeadline = 5 * time.Minute
	}
	if c.AnalyzeGrace <= 0 {
		c.AnalyzeGrace = 2 * time.Minute
	}
	if c.RunTTL <= 0 {
		c.RunTTL = time.Hour
	}
	return c
}

type run struct {
	mu        sync.Mutex
	snap      Snapshot
	expiresAt time.Time
	done      chan struct{}
}

func (r *run) snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.Clone()
}

// Coordinator owns the pipeline state machine and implements the trigger,
// status and query operations. At most one run is active at a time.
type Coordinator struct {
	cfg      Config
	registry *source.Registry
	sched    Scheduler
	proc     Processor
	pinger   Pinger
	query    Querier
	log      *zap.Logger
	now      func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	active    *run
	runs      map[string]*run
	observers []Observer
}

// Deps are the collaborators a Coordinator drives. Pinger may be nil.
type Deps struct {
	Registry  *source.Registry
	Scheduler Scheduler
	Processor Processor
	Pinger    Pinger
	Querier   Querier
}

// New creates a Coordinator in the Idle stage.
func New(deps Deps, cfg Config, observers ...Observer) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:       cfg.withDefaults(),
		registry:  deps.Registry,
		sched:     deps.Scheduler,
		proc:      deps.Processor,
		pinger:    deps.Pinger,
		query:     deps.Querier,
		log:       zap.L().With(zap.String("component", "pipeline.coordinator")),
		now:       time.Now,
		baseCtx:   ctx,
		cancel:    cancel,
		runs:      make(map[string]*run),
		observers: observers,
	}
}

// Subscribe adds an observer for subsequent transitions.
func (c *Coordinator) Subscribe(o Observer) {
	c.mu.Lock()
	c.observers = append(c.observers, o)
	c.mu.Unlock()
}

// Stage returns the machine stage: the active run's stage, or Idle.
func (c *Coordinator) Stage() Stage {
	c.mu.Lock()
	r := c.active
	c.mu.Unlock()
	if r == nil {
		return StageIdle
	}
	return r.snapshot().Stage
}

// StartRun moves the machine from Idle to Collecting and sequences the run in
// the background. It returns the run id.
func (c *Coordinator) StartRun(_ context.Context, mode Mode, categories []model.Category) (string, error) {
	if mode != ModeScheduled && mode != ModeManual {
		return "", eris.Errorf("pipeline: unknown mode %q", mode)
	}
	for _, cat := range categories {
		if !cat.Valid() {
			return "", eris.Errorf("pipeline: unknown category %q", cat)
		}
	}

	now := c.now()
	r := &run{
		snap: Snapshot{
			RunID:      uuid.NewString(),
			Mode:       mode,
			Categories: append([]model.Category(nil), categories...),
			Stage:      StageIdle,
			StartedAt:  now,
			UpdatedAt:  now,
		},
		done: make(chan struct{}),
	}

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return "", ErrRunAlreadyActive
	}
	c.pruneLocked(now)
	c.active = r
	c.runs[r.snap.RunID] = r
	c.wg.Add(1)
	c.mu.Unlock()

	if err := c.transition(r, StageCollecting, nil); err != nil {
		c.wg.Done()
		return "", err
	}
	go c.execute(c.baseCtx, r, mode, categories)
	return r.snap.RunID, nil
}

// RunScheduled starts a scheduled run when any source is due. It is the
// periodic tick callback and never blocks on the run.
func (c *Coordinator) RunScheduled(ctx context.Context) {
	if len(c.sched.Due(c.now())) == 0 {
		return
	}
	id, err := c.StartRun(ctx, ModeScheduled, nil)
	switch {
	case errors.Is(err, ErrRunAlreadyActive):
		c.log.Debug("pipeline: tick skipped, run in progress")
	case err != nil:
		c.log.Error("pipeline: scheduled run", zap.Error(err))
	default:
		c.log.Info("pipeline: scheduled run started", zap.String("run_id", id))
	}
}

// GetRunStatus returns the latest snapshot of a run.
func (c *Coordinator) GetRunStatus(id string) (Snapshot, error) {
	r, err := c.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return r.snapshot(), nil
}

// Acknowledge marks a finished run as read. The machine is already Idle once
// observers received the terminal snapshot; acknowledging an active run is
// an error.
func (c *Coordinator) Acknowledge(id string) (Snapshot, error) {
	r, err := c.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	r.mu.Lock()
	if !r.snap.Stage.Terminal() {
		r.mu.Unlock()
		return Snapshot{}, eris.Wrapf(ErrRunNotFinished, "pipeline: run %s is %s", id, r.snap.Stage)
	}
	r.snap.Acknowledged = true
	snap := r.snap.Clone()
	r.mu.Unlock()

	c.release(r)
	return snap, nil
}

// Wait blocks until the run reaches a terminal stage or ctx ends.
func (c *Coordinator) Wait(ctx context.Context, id string) (Snapshot, error) {
	r, err := c.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), eris.Wrap(ctx.Err(), "pipeline: wait")
	}
}

// QueryIntelligence returns stored items grouped by category.
func (c *Coordinator) QueryIntelligence(ctx context.Context, f model.ItemFilter) (aggregate.Result, error) {
	return c.query.Query(ctx, f)
}

// Shutdown cancels the active run and waits for it to finish or ctx to end.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "pipeline: shutdown")
	}
}

func (c *Coordinator) lookup(id string) (*run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[id]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownRun, "pipeline: run %q", id)
	}
	r.mu.Lock()
	expired := !r.expiresAt.IsZero() && !c.now().Before(r.expiresAt)
	r.mu.Unlock()
	if expired {
		delete(c.runs, id)
		return nil, eris.Wrapf(ErrUnknownRun, "pipeline: run %q expired", id)
	}
	return r, nil
}

// pruneLocked drops expired runs. The caller holds c.mu.
func (c *Coordinator) pruneLocked(now time.Time) {
	for id, r := range c.runs {
		r.mu.Lock()
		expired := !r.expiresAt.IsZero() && !now.Before(r.expiresAt)
		r.mu.Unlock()
		if expired {
			delete(c.runs, id)
		}
	}
}

// release resets the machine to Idle if r is the active run.
func (c *Coordinator) release(r *run) {
	c.mu.Lock()
	if c.active == r {
		c.active = nil
	}
	c.mu.Unlock()
}

// update changes counters without a stage transition.
func (c *Coordinator) update(r *run, mutate func(s *Snapshot)) {
	r.mu.Lock()
	mutate(&r.snap)
	r.snap.UpdatedAt = c.now()
	r.mu.Unlock()
}

func (c *Coordinator) transition(r *run, to Stage, mutate func(s *Snapshot)) error {
	r.mu.Lock()
	from := r.snap.Stage
	if !CanTransition(from, to) {
		r.mu.Unlock()
		return eris.Wrapf(ErrInvalidTransition, "pipeline: %s -> %s", from, to)
	}
	if mutate != nil {
		mutate(&r.snap)
	}
	now := c.now()
	r.snap.Stage = to
	r.snap.UpdatedAt = now
	if to.Terminal() {
		r.snap.EndedAt = &now
		r.expiresAt = now.Add(c.cfg.RunTTL)
	}
	snap := r.snap.Clone()
	r.mu.Unlock()

	fields := []zap.Field{
		zap.String("run_id", snap.RunID),
		zap.String("from", string(from)),
		zap.String("stage", string(to)),
	}
	if to == StageFailed {
		c.log.Error("pipeline: stage transition", append(fields, zap.String("error", snap.Error))...)
	} else {
		c.log.Info("pipeline: stage transition", fields...)
	}

	c.publish(snap)
	if to.Terminal() {
		c.release(r)
		close(r.done)
	}
	return nil
}

func (c *Coordinator) publish(snap Snapshot) {
	c.mu.Lock()
	obs := append([]Observer(nil), c.observers...)
	c.mu.Unlock()
	for _, o := range obs {
		o.Observe(snap.Clone())
	}
}

func (c *Coordinator) fail(r *run, err error) {
	if terr := c.transition(r, StageFailed, func(s *Snapshot) { s.Error = err.Error() }); terr != nil {
		c.log.Error("pipeline: cannot mark run failed", zap.Error(terr))
	}
}

// execute sequences Collecting -> Processing -> Analyzing -> Complete. Only
// structural problems fail the run.
func (c *Coordinator) execute(ctx context.Context, r *run, mode Mode, categories []model.Category) {
	defer c.wg.Done()
	log := c.log.With(zap.String("run_id", r.snap.RunID), zap.String("mode", string(mode)))

	if c.registry.Len() == 0 || len(c.registry.List(source.Filter{Categories: categories, EnabledOnly: true})) == 0 {
		c.fail(r, ErrRegistryEmpty)
		return
	}
	if c.pinger != nil {
		if err := c.pinger.Ping(ctx); err != nil {
			c.fail(r, eris.Wrap(err, "pipeline: store unavailable"))
			return
		}
	}

	// Collecting.
	var srcs []model.SourceDescriptor
	if mode == ModeManual {
		srcs = c.sched.Enabled(categories...)
	} else {
		srcs = c.sched.Due(c.now(), categories...)
	}
	batch := c.sched.Dispatch(ctx, srcs, time.Now().Add(c.cfg.RunDeadline))
	total := batch.Total()
	c.update(r, func(s *Snapshot) { s.SourcesTotal = total })
	log.Info("pipeline: collecting", zap.Int("sources", total))

	var admitErr error
	abandoned := 0
	for cr := range batch.Results() {
		if cr.AdmitErr != nil && admitErr == nil {
			admitErr = cr.AdmitErr
		}
		if cr.Abandoned {
			abandoned++
		}
		c.update(r, func(s *Snapshot) { s.fold(cr) })
	}
	if admitErr != nil {
		c.fail(r, eris.Wrap(admitErr, "pipeline: persist collected items"))
		return
	}
	if total > 0 && abandoned == total {
		c.fail(r, ErrNoTerminalSources)
		return
	}
	if err := c.transition(r, StageProcessing, nil); err != nil {
		log.Error("pipeline: transition", zap.Error(err))
		return
	}

	// Processing.
	pb, err := c.proc.Start(ctx, categories...)
	if err != nil {
		c.fail(r, err)
		return
	}
	select {
	case <-pb.Submitted():
	case <-ctx.Done():
		c.fail(r, eris.Wrap(ctx.Err(), "pipeline: processing cancelled"))
		return
	}
	submitted := pb.Result().Submitted
	if err := c.transition(r, StageAnalyzing, func(s *Snapshot) { s.Submitted = submitted }); err != nil {
		log.Error("pipeline: transition", zap.Error(err))
		return
	}

	// Analyzing.
	grace := time.NewTimer(c.cfg.AnalyzeGrace)
	defer grace.Stop()
	partial := false
	select {
	case <-pb.Done():
	case <-grace.C:
		partial = true
		log.Warn("pipeline: analysis grace elapsed, completing with partial results")
	case <-ctx.Done():
		c.fail(r, eris.Wrap(ctx.Err(), "pipeline: analysis cancelled"))
		return
	}

	res := pb.Result()
	if err := c.transition(r, StageComplete, func(s *Snapshot) {
		s.Submitted = res.Submitted
		s.ProcessedCount = res.Succeeded
		s.AnalysisFailed = res.Failed
		if partial {
			s.Stragglers = res.Submitted - res.Succeeded - res.Failed
		}
	}); err != nil {
		log.Error("pipeline: transition", zap.Error(err))
	}
}
