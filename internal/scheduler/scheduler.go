// Package scheduler decides which sources are due and drives one collection
// per due source under a concurrency cap.
package scheduler

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/market-intel/internal/collect"
	"github.com/sells-group/market-intel/internal/dedup"
	"github.com/sells-group/market-intel/internal/model"
	"github.com/sells-group/market-intel/internal/resilience"
	"github.com/sells-group/market-intel/internal/source"
)

// Status is the health of a source as seen by the scheduler.
type Status string

const (
	StatusOK        Status = "ok"
	StatusFailing   Status = "failing"
	StatusSuspended Status = "suspended"
)

// Collector fetches items for one source.
type Collector interface {
	Collect(ctx context.Context, src model.SourceDescriptor, since time.Time) ([]model.RawItem, error)
}

// Admitter persists collected items, dropping ones already seen.
type Admitter interface {
	Admit(ctx context.Context, src model.SourceDescriptor, items []model.RawItem) (dedup.Result, error)
}

// History persists terminal collection runs and reads them back on startup.
type History interface {
	RecordCollection(ctx context.Context, run model.CollectionRun) error
	CollectionHistory(ctx context.Context, sourceID string, limit int) ([]model.CollectionRun, error)
}

// Config tunes scheduling. Zero values take the defaults below.
type Config struct {
	MaxConcurrent     int
	SuspendAfter      int
	JitterFraction    float64
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	TierCadence       map[model.Tier]time.Duration

	// OnComplete is called once per terminal collection run, including
	// abandoned ones.
	OnComplete func(run model.CollectionRun)
	// OnStatusChange is called when a source moves between ok, failing and
	// suspended.
	OnStatusChange func(sourceID string, from, to Status)
}

// DefaultTierCadence is the refresh interval per tier when a descriptor does
// not set its own.
func DefaultTierCadence() map[model.Tier]time.Duration {
	return map[model.Tier]time.Duration{
		model.TierCritical: 5 * time.Minute,
		model.TierHigh:     15 * time.Minute,
		model.TierMedium:   time.Hour,
		model.TierLow:      6 * time.Hour,
	}
}

// DefaultConfig returns the stock scheduling policy.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:     5,
		SuspendAfter:      3,
		JitterFraction:    0.05,
		BackoffMultiplier: 1,
		MaxBackoff:        24 * time.Hour,
		TierCadence:       DefaultTierCadence(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.SuspendAfter <= 0 {
		c.SuspendAfter = d.SuspendAfter
	}
	if c.JitterFraction < 0 {
		c.JitterFraction = 0
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	cadence := DefaultTierCadence()
	for tier, v := range c.TierCadence {
		if v > 0 {
			cadence[tier] = v
		}
	}
	c.TierCadence = cadence
	return c
}

// SourceState is one row of the scheduler's per-source table.
type SourceState struct {
	SourceID            string         `json:"source_id"`
	Category            model.Category `json:"category"`
	Tier                model.Tier     `json:"tier"`
	Enabled             bool           `json:"enabled"`
	Cadence             time.Duration  `json:"cadence"`
	Status              Status         `json:"status"`
	LastRunEnd          time.Time      `json:"last_run_end,omitzero"`
	LastSuccess         time.Time      `json:"last_success,omitzero"`
	NextDue             time.Time      `json:"next_due,omitzero"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	LastOutcome         model.Outcome  `json:"last_outcome,omitempty"`
	LastError           string         `json:"last_error,omitempty"`
	InFlight            bool           `json:"in_flight"`
}

// Scheduler owns the per-source state table. Due is a pure function of that
// table and the clock; Dispatch is the only path that invokes the collector.
type Scheduler struct {
	cfg       Config
	registry  *source.Registry
	collector Collector
	admitter  Admitter
	history   History
	log       *zap.Logger

	now    func() time.Time
	jitter func() float64 // uniform in [0, 1)

	mu     sync.Mutex
	states map[string]*SourceState
	order  []string

	inflight sync.WaitGroup
}

// New builds a scheduler over every source in reg. history may be nil.
func New(reg *source.Registry, c Collector, a Admitter, history History, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:       cfg,
		registry:  reg,
		collector: c,
		admitter:  a,
		history:   history,
		log:       zap.L().With(zap.String("component", "scheduler")),
		now:       time.Now,
		jitter:    rand.Float64,
		states:    make(map[string]*SourceState, reg.Len()),
	}
	for _, d := range reg.List(source.Filter{}) {
		s.states[d.ID] = &SourceState{
			SourceID: d.ID,
			Category: d.Category,
			Tier:     d.Tier,
			Enabled:  d.Enabled,
			Cadence:  s.Cadence(d),
			Status:   StatusOK,
		}
		s.order = append(s.order, d.ID)
	}
	return s
}

// Cadence is the descriptor override when set, otherwise the tier default.
func (s *Scheduler) Cadence(d model.SourceDescriptor) time.Duration {
	if d.Cadence > 0 {
		return d.Cadence
	}
	return s.cfg.TierCadence[d.Tier]
}

// Order sorts descriptors by tier (CRITICAL first), then ascending id.
func Order(srcs []model.SourceDescriptor) {
	sort.SliceStable(srcs, func(i, j int) bool {
		if srcs[i].Tier != srcs[j].Tier {
			return srcs[i].Tier < srcs[j].Tier
		}
		return srcs[i].ID < srcs[j].ID
	})
}

// Due returns the enabled sources whose next-due time is at or before now and
// that have no collection in flight, in dispatch order. Categories, when
// given, restrict the set.
func (s *Scheduler) Due(now time.Time, categories ...model.Category) []model.SourceDescriptor {
	return s.selectSources(categories, func(st *SourceState) bool {
		return !now.Before(st.NextDue)
	})
}

// Enabled returns every enabled source without a collection in flight, in
// dispatch order, ignoring cadence.
func (s *Scheduler) Enabled(categories ...model.Category) []model.SourceDescriptor {
	return s.selectSources(categories, func(*SourceState) bool { return true })
}

func (s *Scheduler) selectSources(categories []model.Category, keep func(*SourceState) bool) []model.SourceDescriptor {
	descs := s.registry.List(source.Filter{Categories: categories, EnabledOnly: true})

	s.mu.Lock()
	out := descs[:0]
	for _, d := range descs {
		st := s.states[d.ID]
		if st == nil || st.InFlight || !keep(st) {
			continue
		}
		out = append(out, d)
	}
	s.mu.Unlock()

	Order(out)
	return out
}

// Batch is the set of collections started by one Dispatch call.
type Batch struct {
	results chan model.CollectionRun
	total   int
}

// Total is the number of sources the batch accepted.
func (b *Batch) Total() int { return b.total }

// Results yields terminal runs in completion order and is closed once every
// accepted source has reported. Each run is delivered exactly once across
// Results and Wait.
func (b *Batch) Results() <-chan model.CollectionRun { return b.results }

// Wait blocks until every accepted source has a terminal run and returns the
// runs not already taken from Results.
func (b *Batch) Wait() []model.CollectionRun {
	var out []model.CollectionRun
	for run := range b.results {
		out = append(out, run)
	}
	return out
}

func (b *Batch) deliver(run model.CollectionRun) {
	b.results <- run
}

// Dispatch starts a collection for each source, in the given order, without
// blocking the caller. Sources with a collection already in flight are
// skipped. A non-zero deadline bounds the whole batch: collections still
// running past it are reported as abandoned timeouts and their eventual
// result is discarded.
func (s *Scheduler) Dispatch(ctx context.Context, srcs []model.SourceDescriptor, deadline time.Time) *Batch {
	accepted := s.claim(srcs)
	b := &Batch{
		results: make(chan model.CollectionRun, len(accepted)),
		total:   len(accepted),
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if deadline.IsZero() {
		runCtx, cancel = context.WithCancel(ctx)
	} else {
		runCtx, cancel = context.WithDeadline(ctx, deadline)
	}

	go func() {
		defer cancel()
		defer close(b.results)

		g := new(errgroup.Group)
		g.SetLimit(s.cfg.MaxConcurrent)
		for _, src := range accepted {
			if runCtx.Err() != nil {
				run := s.abandon(src, s.now(), runCtx.Err())
				s.finish(src, run)
				s.release(src.ID)
				b.deliver(run)
				continue
			}
			g.Go(func() error {
				b.deliver(s.runOne(runCtx, src))
				return nil
			})
		}
		_ = g.Wait()
	}()
	return b
}

// claim marks srcs in flight and returns the ones that were not already.
func (s *Scheduler) claim(srcs []model.SourceDescriptor) []model.SourceDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.SourceDescriptor, 0, len(srcs))
	for _, d := range srcs {
		st, ok := s.states[d.ID]
		if !ok || st.InFlight || !d.Enabled {
			continue
		}
		st.InFlight = true
		out = append(out, d)
	}
	return out
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	if st, ok := s.states[id]; ok {
		st.InFlight = false
	}
	s.mu.Unlock()
}

// runOne collects and admits one source, returning at the latest when runCtx
// ends. The in-flight flag clears only once the underlying work returns.
func (s *Scheduler) runOne(runCtx context.Context, src model.SourceDescriptor) model.CollectionRun {
	started := s.now()
	since := s.lastSuccess(src.ID)

	done := make(chan model.CollectionRun, 1)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		done <- s.collectAndAdmit(runCtx, src, started, since)
	}()

	select {
	case run := <-done:
		s.release(src.ID)
		if run.Abandoned {
			run = s.abandon(src, started, runCtx.Err())
		}
		s.finish(src, run)
		return run
	case <-runCtx.Done():
		run := s.abandon(src, started, runCtx.Err())
		s.finish(src, run)
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			late := <-done
			s.release(src.ID)
			s.log.Debug("discarding late collection result",
				zap.String("source", src.ID),
				zap.String("outcome", string(late.Outcome)),
			)
		}()
		return run
	}
}

func (s *Scheduler) collectAndAdmit(ctx context.Context, src model.SourceDescriptor, started, since time.Time) model.CollectionRun {
	run := model.CollectionRun{SourceID: src.ID, StartedAt: started}

	items, err := s.collector.Collect(ctx, src, since)
	if ctx.Err() != nil {
		run.Abandoned = true
		return run
	}
	if err != nil {
		run.EndedAt = s.now()
		run.Outcome = model.OutcomeFailed
		run.Reason = err.Error()
		run.ErrorKind = string(collect.KindUnreachable)
		if ce, ok := collect.AsError(err); ok {
			run.ErrorKind = string(ce.Kind)
			run.RetryAfter = ce.RetryAfter
		}
		return run
	}

	run.ItemCount = len(items)
	if len(items) > 0 {
		res, err := s.admitter.Admit(ctx, src, items)
		run.Stored, run.Duplicates = res.Stored, res.Duplicates
		if err != nil {
			if ctx.Err() != nil {
				run.Abandoned = true
				return run
			}
			var de *dedup.Error
			if errors.As(err, &de) {
				run.Stored, run.Duplicates = de.Partial.Stored, de.Partial.Duplicates
			}
			run.AdmitErr = err
		}
	}

	run.EndedAt = s.now()
	switch {
	case run.AdmitErr != nil:
		run.Outcome = model.OutcomeFailed
		run.ErrorKind = "store_unavailable"
		run.Reason = run.AdmitErr.Error()
	case len(items) == 0:
		run.Outcome = model.OutcomeEmpty
	default:
		run.Outcome = model.OutcomeSuccess
	}
	return run
}

func (s *Scheduler) abandon(src model.SourceDescriptor, started time.Time, cause error) model.CollectionRun {
	if cause == nil {
		cause = context.DeadlineExceeded
	}
	return model.CollectionRun{
		SourceID:  src.ID,
		StartedAt: started,
		EndedAt:   s.now(),
		Outcome:   model.OutcomeFailed,
		ErrorKind: string(collect.KindTimeout),
		Reason:    "abandoned at run deadline: " + cause.Error(),
		Abandoned: true,
	}
}

func (s *Scheduler) lastSuccess(id string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[id]; ok {
		return st.LastSuccess
	}
	return time.Time{}
}

// finish folds a terminal run into the state table, persists it and fires
// the hooks.
func (s *Scheduler) finish(src model.SourceDescriptor, run model.CollectionRun) {
	s.mu.Lock()
	st := s.states[src.ID]
	from := st.Status
	s.apply(st, run)
	to, failures := st.Status, st.ConsecutiveFailures
	s.mu.Unlock()

	if run.Outcome == model.OutcomeFailed {
		s.log.Warn("collection failed",
			zap.String("source", src.ID),
			zap.String("kind", run.ErrorKind),
			zap.String("reason", run.Reason),
			zap.Int("consecutive_failures", failures),
		)
	} else {
		s.log.Debug("collection finished",
			zap.String("source", src.ID),
			zap.String("outcome", string(run.Outcome)),
			zap.Int("items", run.ItemCount),
			zap.Duration("elapsed", run.Elapsed()),
		)
	}

	if s.history != nil && run.AdmitErr == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.history.RecordCollection(ctx, run); err != nil {
			s.log.Warn("record collection history", zap.String("source", src.ID), zap.Error(err))
		}
		cancel()
	}

	if from != to && s.cfg.OnStatusChange != nil {
		s.cfg.OnStatusChange(src.ID, from, to)
	}
	if s.cfg.OnComplete != nil {
		s.cfg.OnComplete(run)
	}
}

// apply updates st for run. The caller holds s.mu.
func (s *Scheduler) apply(st *SourceState, run model.CollectionRun) {
	end := run.EndedAt
	if end.IsZero() {
		end = s.now()
	}
	st.LastRunEnd = end
	st.LastOutcome = run.Outcome

	if run.Outcome != model.OutcomeFailed {
		st.ConsecutiveFailures = 0
		st.LastError = ""
		st.Status = StatusOK
		st.LastSuccess = run.StartedAt
		st.NextDue = end.Add(st.Cadence + s.spread(st.Cadence))
		return
	}

	st.ConsecutiveFailures++
	st.LastError = run.Reason
	st.Status = StatusFailing
	if st.ConsecutiveFailures >= s.cfg.SuspendAfter {
		st.Status = StatusSuspended
	}
	wait := resilience.Exponential(st.Cadence, st.ConsecutiveFailures-1, s.cfg.BackoffMultiplier, s.cfg.MaxBackoff)
	if wait < st.Cadence {
		wait = st.Cadence
	}
	wait += s.spread(st.Cadence)
	if run.RetryAfter > wait {
		wait = run.RetryAfter
	}
	st.NextDue = end.Add(wait)
}

// spread is a uniform offset in [0, JitterFraction*cadence).
func (s *Scheduler) spread(cadence time.Duration) time.Duration {
	if s.cfg.JitterFraction == 0 {
		return 0
	}
	return time.Duration(s.jitter() * s.cfg.JitterFraction * float64(cadence))
}

// Status returns a copy of the state table in declaration order.
func (s *Scheduler) Status() []SourceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SourceState, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.states[id])
	}
	return out
}

// State returns the row for one source.
func (s *Scheduler) State(id string) (SourceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return SourceState{}, eris.Wrapf(source.ErrUnknownSource, "scheduler: %q", id)
	}
	return *st, nil
}

// Resume clears the failure streak of a source and makes it due immediately.
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	st, ok := s.states[id]
	if !ok {
		s.mu.Unlock()
		return eris.Wrapf(source.ErrUnknownSource, "scheduler: %q", id)
	}
	from := st.Status
	st.ConsecutiveFailures = 0
	st.LastError = ""
	st.Status = StatusOK
	st.NextDue = time.Time{}
	s.mu.Unlock()

	s.log.Info("source resumed", zap.String("source", id), zap.String("from", string(from)))
	if from != StatusOK && s.cfg.OnStatusChange != nil {
		s.cfg.OnStatusChange(id, from, StatusOK)
	}
	return nil
}

// Seed rebuilds the state table from persisted collection history so failure
// streaks and next-due times survive a restart.
func (s *Scheduler) Seed(ctx context.Context) error {
	if s.history == nil {
		return nil
	}
	limit := s.cfg.SuspendAfter + 1
	for _, id := range s.order {
		runs, err := s.history.CollectionHistory(ctx, id, limit)
		if err != nil {
			return eris.Wrapf(err, "scheduler: seed %s", id)
		}
		if len(runs) == 0 {
			continue
		}

		s.mu.Lock()
		st := s.states[id]
		// Oldest first so the streak accumulates as it happened.
		for i := len(runs) - 1; i >= 0; i-- {
			s.apply(st, runs[i])
		}
		s.mu.Unlock()
	}
	return nil
}

// Wait blocks until every collection goroutine, including abandoned ones,
// has returned.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}
