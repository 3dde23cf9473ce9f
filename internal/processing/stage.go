// Package processing submits unprocessed stored items to the analysis
// collaborator and records the outcome on each item.
package processing

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/market-intel/internal/model"
)

// Analyzer produces the enrichment for one item. Implementations must be
// idempotent and safe to retry.
type Analyzer interface {
	Analyze(ctx context.Context, item model.StoredItem) (model.Enrichment, error)
}

// Store is the slice of the item store the stage reads and writes.
type Store interface {
	SelectUnprocessed(ctx context.Context, limit int, categories ...model.Category) ([]model.StoredItem, error)
	MarkProcessed(ctx context.Context, id string, e model.Enrichment) (bool, error)
	RecordFailure(ctx context.Context, id string, reason string) error
}

// Config tunes submission.
type Config struct {
	// MaxConcurrent caps simultaneous analysis calls. Default: 4.
	MaxConcurrent int
	// RatePerSec caps submissions per second. Zero means unlimited.
	RatePerSec float64
	// BatchLimit caps items selected per batch. Default: 500.
	BatchLimit int
	// OnItem observes every finished item.
	OnItem func(item model.StoredItem, err error, elapsed time.Duration)
}

// Result counts one processing batch.
type Result struct {
	Submitted int `json:"submitted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Batch tracks one pass over the unprocessed items.
type Batch struct {
	total     int
	submitted chan struct{}
	done      chan struct{}

	mu  sync.Mutex
	res Result
}

// Total is the number of items selected for the batch.
func (b *Batch) Total() int { return b.total }

// Submitted is closed once every selected item has been handed to the
// analyzer, or submission stopped because the context ended.
func (b *Batch) Submitted() <-chan struct{} { return b.submitted }

// Done is closed once every submitted item has finished.
func (b *Batch) Done() <-chan struct{} { return b.done }

// Result returns the counts so far. After Done they are final.
func (b *Batch) Result() Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.res
}

func (b *Batch) add(fn func(r *Result)) {
	b.mu.Lock()
	fn(&b.res)
	b.mu.Unlock()
}

// Stage drives analysis over unprocessed items.
type Stage struct {
	store    Store
	analyzer Analyzer
	cfg      Config
	limiter  *rate.Limiter
	log      *zap.Logger

	mu       sync.Mutex
	inflight map[string]bool // item ids handed to a batch and not yet finished
}

// New creates a processing stage.
func New(s Store, a Analyzer, cfg Config) *Stage {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 500
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return &Stage{
		store:    s,
		analyzer: a,
		cfg:      cfg,
		limiter:  limiter,
		log:      zap.L().With(zap.String("component", "processing.stage")),
		inflight: make(map[string]bool),
	}
}

// Start selects unprocessed items in categories (all when empty) and begins
// submitting them in the background. Items still being analyzed by an
// earlier batch are skipped. Selection failure is returned synchronously;
// per-item failures are only counted.
func (s *Stage) Start(ctx context.Context, categories ...model.Category) (*Batch, error) {
	selected, err := s.store.SelectUnprocessed(ctx, s.cfg.BatchLimit, categories...)
	if err != nil {
		return nil, eris.Wrap(err, "processing: select unprocessed")
	}
	items := s.claim(selected)

	b := &Batch{
		total:     len(items),
		submitted: make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.log.Info("processing batch started",
		zap.Int("items", len(items)),
		zap.Int("in_flight_skipped", len(selected)-len(items)),
		zap.Int("max_concurrent", s.cfg.MaxConcurrent),
	)

	go func() {
		defer close(b.done)

		g := new(errgroup.Group)
		g.SetLimit(s.cfg.MaxConcurrent)
		for i, item := range items {
			if err := s.limiter.Wait(ctx); err != nil {
				s.log.Warn("processing submission stopped", zap.Error(err))
				for _, rest := range items[i:] {
					s.release(rest.ID)
				}
				break
			}
			b.add(func(r *Result) { r.Submitted++ })
			g.Go(func() error {
				defer s.release(item.ID)
				s.processOne(ctx, b, item)
				return nil
			})
		}
		close(b.submitted)
		_ = g.Wait()

		res := b.Result()
		s.log.Info("processing batch finished",
			zap.Int("submitted", res.Submitted),
			zap.Int("succeeded", res.Succeeded),
			zap.Int("failed", res.Failed),
		)
	}()
	return b, nil
}

// claim marks items in flight and returns the ones no other batch holds.
func (s *Stage) claim(items []model.StoredItem) []model.StoredItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.StoredItem, 0, len(items))
	for _, it := range items {
		if s.inflight[it.ID] {
			continue
		}
		s.inflight[it.ID] = true
		out = append(out, it)
	}
	return out
}

func (s *Stage) release(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// ProcessBatch runs one full pass and waits for it.
func (s *Stage) ProcessBatch(ctx context.Context, categories ...model.Category) (Result, error) {
	b, err := s.Start(ctx, categories...)
	if err != nil {
		return Result{}, err
	}
	<-b.Done()
	return b.Result(), nil
}

func (s *Stage) processOne(ctx context.Context, b *Batch, item model.StoredItem) {
	start := time.Now()
	err := s.analyze(ctx, item)
	if s.cfg.OnItem != nil {
		s.cfg.OnItem(item, err, time.Since(start))
	}
	if err != nil {
		b.add(func(r *Result) { r.Failed++ })
		return
	}
	b.add(func(r *Result) { r.Succeeded++ })
}

func (s *Stage) analyze(ctx context.Context, item model.StoredItem) error {
	enr, err := s.analyzer.Analyze(ctx, item)
	if err != nil {
		s.log.Warn("analysis failed",
			zap.String("item_id", item.ID),
			zap.String("source", item.SourceID),
			zap.Error(err),
		)
		// The reason is recorded even when the batch context is cancelled.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := s.store.RecordFailure(rctx, item.ID, err.Error()); rerr != nil {
			s.log.Error("record analysis failure", zap.String("item_id", item.ID), zap.Error(rerr))
		}
		return err
	}

	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := s.store.MarkProcessed(mctx, item.ID, enr); err != nil {
		s.log.Error("mark processed", zap.String("item_id", item.ID), zap.Error(err))
		return eris.Wrap(err, "processing: mark processed")
	}
	return nil
}
