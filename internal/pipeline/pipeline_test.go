package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/market-intel/internal/aggregate"
	"github.com/sells-group/market-intel/internal/collect"
	"github.com/sells-group/market-intel/internal/dedup"
	"github.com/sells-group/market-intel/internal/model"
	"github.com/sells-group/market-intel/internal/processing"
	"github.com/sells-group/market-intel/internal/scheduler"
	"github.com/sells-group/market-intel/internal/source"
	"github.com/sells-group/market-intel/internal/store"
)

var published = time.Date(2025, 10, 14, 14, 0, 0, 0, time.UTC)

func wsb() model.SourceDescriptor {
	return model.SourceDescriptor{
		ID:       "wsb",
		Name:     "r/wallstreetbets",
		Category: model.CategorySocial,
		Tier:     model.TierMedium,
		Cadence:  10 * time.Minute,
		Kind:     model.FetchCustom,
		Params:   model.Params{"handler": "wsb"},
		Enabled:  true,
	}
}

func post(n int) model.RawItem {
	return model.RawItem{
		Title:       fmt.Sprintf("post %d", n),
		Ticker:      "GME",
		PublishedAt: published.Add(time.Duration(n) * time.Minute),
	}
}

type funcAnalyzer func(item model.StoredItem) (model.Enrichment, error)

func (f funcAnalyzer) Analyze(_ context.Context, item model.StoredItem) (model.Enrichment, error) {
	return f(item)
}

type recorder struct {
	mu     sync.Mutex
	stages []Stage
	last   Snapshot
}

func (r *recorder) Observe(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, s.Stage)
	r.last = s
}

func (r *recorder) Stages() []Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Stage(nil), r.stages...)
}

type harness struct {
	st     *store.SQLiteStore
	sched  *scheduler.Scheduler
	coord  *Coordinator
	custom *collect.CustomClient
}

func newHarness(t *testing.T, descs []model.SourceDescriptor, an processing.Analyzer, cfg Config) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	reg, err := source.NewRegistry(descs)
	require.NoError(t, err)

	custom := collect.NewCustomClient()
	col := collect.NewDefaultCollector(nil, time.Second, custom)
	sched := scheduler.New(reg, col, dedup.New(st), st, scheduler.Config{})
	proc := processing.New(st, an, processing.Config{MaxConcurrent: 2})

	coord := New(Deps{
		Registry:  reg,
		Scheduler: sched,
		Processor: proc,
		Pinger:    st,
		Querier:   aggregate.New(st),
	}, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})
	return &harness{st: st, sched: sched, coord: coord, custom: custom}
}

func waitRun(t *testing.T, c *Coordinator, id string) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := c.Wait(ctx, id)
	require.NoError(t, err)
	return snap
}

func TestTransitions(t *testing.T) {
	allowed := [][2]Stage{
		{StageIdle, StageCollecting},
		{StageCollecting, StageProcessing},
		{StageCollecting, StageFailed},
		{StageProcessing, StageAnalyzing},
		{StageProcessing, StageFailed},
		{StageAnalyzing, StageComplete},
		{StageAnalyzing, StageFailed},
		{StageComplete, StageIdle},
		{StageFailed, StageIdle},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]Stage{
		{StageIdle, StageProcessing},
		{StageIdle, StageFailed},
		{StageCollecting, StageAnalyzing},
		{StageCollecting, StageComplete},
		{StageProcessing, StageComplete},
		{StageComplete, StageCollecting},
		{StageFailed, StageCollecting},
		{StageAnalyzing, StageCollecting},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	assert.True(t, StageComplete.Terminal())
	assert.True(t, StageFailed.Terminal())
	assert.False(t, StageAnalyzing.Terminal())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("Scheduled")
	require.NoError(t, err)
	assert.Equal(t, ModeScheduled, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeManual, m)

	_, err = ParseMode("weekly")
	assert.Error(t, err)
}

func TestRun_EndToEnd(t *testing.T) {
	an := funcAnalyzer(func(item model.StoredItem) (model.Enrichment, error) {
		if item.Title == "post 4" {
			return model.Enrichment{}, errors.New("analysis timeout")
		}
		return model.Enrichment{Summary: item.Title, Sentiment: "bullish", Tickers: []string{"GME"}}, nil
	})
	h := newHarness(t, []model.SourceDescriptor{wsb()}, an, Config{})
	ctx := context.Background()

	// Two of the five posts were already stored and analyzed by an earlier run.
	res, err := dedup.New(h.st).Admit(ctx, wsb(), []model.RawItem{post(1), post(2)})
	require.NoError(t, err)
	require.Equal(t, 2, res.Stored)
	prior, err := h.st.SelectUnprocessed(ctx, 0)
	require.NoError(t, err)
	for _, it := range prior {
		ok, err := h.st.MarkProcessed(ctx, it.ID, model.Enrichment{Summary: "earlier"})
		require.NoError(t, err)
		require.True(t, ok)
	}

	h.custom.Handle("wsb", func(context.Context, model.Params, time.Time) ([]model.RawItem, error) {
		return []model.RawItem{post(1), post(2), post(3), post(4), post(5)}, nil
	})

	rec := &recorder{}
	h.coord.Subscribe(rec)

	id, err := h.coord.StartRun(ctx, ModeManual, nil)
	require.NoError(t, err)
	snap := waitRun(t, h.coord, id)

	assert.Equal(t, StageComplete, snap.Stage)
	assert.Equal(t, 5, snap.Collected)
	assert.Equal(t, 3, snap.Stored)
	assert.Equal(t, 2, snap.Duplicates)
	assert.Equal(t, 3, snap.Submitted)
	assert.Equal(t, 2, snap.ProcessedCount)
	assert.Equal(t, 1, snap.AnalysisFailed)
	assert.Equal(t, 1, snap.SourcesTotal)
	assert.Equal(t, 1, snap.SourcesSucceeded)
	assert.Zero(t, snap.Stragglers)
	assert.NotNil(t, snap.EndedAt)
	assert.Equal(t, []Stage{StageCollecting, StageProcessing, StageAnalyzing, StageComplete}, rec.Stages())
	assert.Equal(t, StageIdle, h.coord.Stage())

	left, err := h.st.SelectUnprocessed(ctx, 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "post 4", left[0].Title)
	assert.Equal(t, 1, left[0].Attempts)

	agg, err := h.coord.QueryIntelligence(ctx, model.ItemFilter{Ticker: "gme"})
	require.NoError(t, err)
	assert.Equal(t, 5, agg.Total)
	assert.Equal(t, []model.Category{model.CategorySocial}, agg.Categories())

	state, err := h.sched.State("wsb")
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusOK, state.Status)
	assert.Equal(t, model.OutcomeSuccess, state.LastOutcome)

	history, err := h.st.CollectionHistory(ctx, "wsb", 5)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 3, history[0].Stored)
}

func TestRun_SourceFailureIsNotStructural(t *testing.T) {
	ok := wsb()
	broken := wsb()
	broken.ID, broken.Params = "stocktwits", model.Params{"handler": "stocktwits"}

	h := newHarness(t, []model.SourceDescriptor{ok, broken}, funcAnalyzer(func(model.StoredItem) (model.Enrichment, error) {
		return model.Enrichment{Summary: "ok"}, nil
	}), Config{})
	h.custom.Handle("wsb", func(context.Context, model.Params, time.Time) ([]model.RawItem, error) {
		return []model.RawItem{post(1)}, nil
	})
	h.custom.Handle("stocktwits", func(context.Context, model.Params, time.Time) ([]model.RawItem, error) {
		return nil, errors.New("connection refused")
	})

	id, err := h.coord.StartRun(context.Background(), ModeManual, nil)
	require.NoError(t, err)
	snap := waitRun(t, h.coord, id)

	assert.Equal(t, StageComplete, snap.Stage)
	assert.Equal(t, 1, snap.SourcesSucceeded)
	assert.Equal(t, 1, snap.SourcesFailed)
	assert.Equal(t, []string{"stocktwits"}, snap.FailedSources)
	assert.Equal(t, 1, snap.ProcessedCount)
}

func TestStartRun_AlreadyActive(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, []model.SourceDescriptor{wsb()}, funcAnalyzer(func(model.StoredItem) (model.Enrichment, error) {
		return model.Enrichment{Summary: "ok"}, nil
	}), Config{})
	h.custom.Handle("wsb", func(ctx context.Context, _ model.Params, _ time.Time) ([]model.RawItem, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	})

	ctx := context.Background()
	first, err := h.coord.StartRun(ctx, ModeManual, nil)
	require.NoError(t, err)
	assert.Equal(t, StageCollecting, h.coord.Stage())

	_, err = h.coord.StartRun(ctx, ModeManual, nil)
	assert.ErrorIs(t, err, ErrRunAlreadyActive)

	snap, err := h.coord.Acknowledge(first)
	assert.ErrorIs(t, err, ErrRunNotFinished)
	assert.False(t, snap.Acknowledged)

	close(release)
	done := waitRun(t, h.coord, first)
	assert.Equal(t, StageComplete, done.Stage)
	assert.Equal(t, 1, done.SourcesEmpty)

	second, err := h.coord.StartRun(ctx, ModeManual, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	waitRun(t, h.coord, second)
}

func TestStartRun_RejectsBadInput(t *testing.T) {
	h := newHarness(t, []model.SourceDescriptor{wsb()}, funcAnalyzer(nil), Config{})
	_, err := h.coord.StartRun(context.Background(), "hourly", nil)
	assert.Error(t, err)
	_, err = h.coord.StartRun(context.Background(), ModeManual, []model.Category{"gossip"})
	assert.Error(t, err)
	assert.Equal(t, StageIdle, h.coord.Stage())
}

func TestRun_EmptyRegistryFails(t *testing.T) {
	h := newHarness(t, nil, funcAnalyzer(nil), Config{})
	rec := &recorder{}
	h.coord.Subscribe(rec)

	id, err := h.coord.StartRun(context.Background(), ModeManual, nil)
	require.NoError(t, err)
	snap := waitRun(t, h.coord, id)

	assert.Equal(t, StageFailed, snap.Stage)
	assert.Contains(t, snap.Error, "no enabled sources")
	assert.Equal(t, []Stage{StageCollecting, StageFailed}, rec.Stages())
}

func TestRun_NoEnabledSourceInCategoryFails(t *testing.T) {
	h := newHarness(t, []model.SourceDescriptor{wsb()}, funcAnalyzer(nil), Config{})
	id, err := h.coord.StartRun(context.Background(), ModeManual, []model.Category{model.CategoryRates})
	require.NoError(t, err)
	assert.Equal(t, StageFailed, waitRun(t, h.coord, id).Stage)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return store.ErrStoreUnavailable }

func TestRun_StoreUnavailableFails(t *testing.T) {
	h := newHarness(t, []model.SourceDescriptor{wsb()}, funcAnalyzer(nil), Config{})
	h.coord.pinger = failingPinger{}

	id, err := h.coord.StartRun(context.Background(), ModeManual, nil)
	require.NoError(t, err)
	snap := waitRun(t, h.coord, id)
	assert.Equal(t, StageFailed, snap.Stage)
	assert.Contains(t, snap.Error, "store unavailable")
}

func TestRun_AnalysisGraceCompletesPartially(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t, []model.SourceDescriptor{wsb()}, funcAnalyzer(func(model.StoredItem) (model.Enrichment, error) {
		<-block
		return model.Enrichment{Summary: "late"}, nil
	}), Config{AnalyzeGrace: 50 * time.Millisecond})
	t.Cleanup(func() { close(block) })
	h.custom.Handle("wsb", func(context.Context, model.Params, time.Time) ([]model.RawItem, error) {
		return []model.RawItem{post(1), post(2)}, nil
	})

	id, err := h.coord.StartRun(context.Background(), ModeManual, nil)
	require.NoError(t, err)
	snap := waitRun(t, h.coord, id)

	assert.Equal(t, StageComplete, snap.Stage)
	assert.Equal(t, 2, snap.Submitted)
	assert.Zero(t, snap.ProcessedCount)
	assert.Equal(t, 2, snap.Stragglers)
}

func TestRun_ScheduledSkipsSourcesNotDue(t *testing.T) {
	h := newHarness(t, []model.SourceDescriptor{wsb()}, funcAnalyzer(func(model.StoredItem) (model.Enrichment, error) {
		return model.Enrichment{Summary: "ok"}, nil
	}), Config{})
	calls := 0
	var mu sync.Mutex
	h.custom.Handle("wsb", func(context.Context, model.Params, time.Time) ([]model.RawItem, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, nil
	})

	ctx := context.Background()
	id, err := h.coord.StartRun(ctx, ModeScheduled, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, waitRun(t, h.coord, id).SourcesTotal)

	// Cadence has not elapsed, so the tick does nothing.
	h.coord.RunScheduled(ctx)
	assert.Equal(t, StageIdle, h.coord.Stage())

	id, err = h.coord.StartRun(ctx, ModeScheduled, nil)
	require.NoError(t, err)
	assert.Zero(t, waitRun(t, h.coord, id).SourcesTotal)

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestGetRunStatus_UnknownAndExpired(t *testing.T) {
	h := newHarness(t, nil, funcAnalyzer(nil), Config{RunTTL: time.Minute})
	_, err := h.coord.GetRunStatus("nope")
	assert.ErrorIs(t, err, ErrUnknownRun)

	now := time.Date(2025, 10, 14, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	h.coord.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	id, err := h.coord.StartRun(context.Background(), ModeManual, nil)
	require.NoError(t, err)
	waitRun(t, h.coord, id)

	snap, err := h.coord.GetRunStatus(id)
	require.NoError(t, err)
	assert.Equal(t, StageFailed, snap.Stage)

	acked, err := h.coord.Acknowledge(id)
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	_, err = h.coord.GetRunStatus(id)
	assert.ErrorIs(t, err, ErrUnknownRun)
}

func TestSnapshot_CloneIsIndependent(t *testing.T) {
	end := time.Now()
	s := Snapshot{FailedSources: []string{"a"}, Categories: []model.Category{model.CategoryNews}, EndedAt: &end}
	c := s.Clone()
	c.FailedSources[0] = "b"
	c.Categories[0] = model.CategoryRates
	*c.EndedAt = end.Add(time.Hour)
	assert.Equal(t, "a", s.FailedSources[0])
	assert.Equal(t, model.CategoryNews, s.Categories[0])
	assert.Equal(t, end, *s.EndedAt)
}
