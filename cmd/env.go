package main

import (
	"context"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-intel/internal/aggregate"
	"github.com/sells-group/market-intel/internal/analysis"
	"github.com/sells-group/market-intel/internal/collect"
	"github.com/sells-group/market-intel/internal/dedup"
	"github.com/sells-group/market-intel/internal/fetcher"
	"github.com/sells-group/market-intel/internal/model"
	"github.com/sells-group/market-intel/internal/monitoring"
	"github.com/sells-group/market-intel/internal/observe"
	"github.com/sells-group/market-intel/internal/pipeline"
	"github.com/sells-group/market-intel/internal/processing"
	"github.com/sells-group/market-intel/internal/resilience"
	"github.com/sells-group/market-intel/internal/scheduler"
	"github.com/sells-group/market-intel/internal/source"
	"github.com/sells-group/market-intel/internal/store"
	anthropicpkg "github.com/sells-group/market-intel/pkg/anthropic"
)

var secHosts = []string{"www.sec.gov", "data.sec.gov", "efts.sec.gov"}

// intelEnv holds the initialized store, registry, scheduler and processing
// stage shared by the commands.
type intelEnv struct {
	Store      store.Store
	Registry   *source.Registry
	Scheduler  *scheduler.Scheduler
	Processor  *processing.Stage // nil unless analysis was requested
	Engine     *analysis.Engine
	Metrics    *observe.Metrics
	Alerter    *monitoring.Alerter
	Prometheus *prometheus.Registry
	Redis      *redis.Client // nil when redis.addr is empty
}

// Close releases resources held by the environment.
func (e *intelEnv) Close() {
	if e.Alerter != nil {
		e.Alerter.Wait()
	}
	if e.Redis != nil {
		_ = e.Redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv opens and migrates the store, loads the source catalog and builds
// the scheduler. withAnalysis also wires the Anthropic engine and the
// processing stage. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string, withAnalysis bool) (*intelEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, cfg.Store.MaxConns)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	reg, err := source.Load(cfg.Sources.File)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "load source catalog")
	}

	env := &intelEnv{Store: st, Registry: reg, Prometheus: prometheus.NewRegistry()}
	env.Prometheus.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	env.Metrics = observe.NewMetrics(env.Prometheus)
	env.Alerter = monitoring.NewAlerter(cfg.Monitoring)

	env.Scheduler = scheduler.New(reg, newCollector(), dedup.New(st), st, scheduler.Config{
		MaxConcurrent:     cfg.Scheduler.MaxConcurrent,
		SuspendAfter:      cfg.Scheduler.SuspendAfter,
		JitterFraction:    cfg.Scheduler.JitterFraction,
		BackoffMultiplier: cfg.Scheduler.BackoffMultiplier,
		MaxBackoff:        cfg.Scheduler.MaxBackoff,
		TierCadence:       cfg.Tiers.Cadences(),
		OnComplete: func(run model.CollectionRun) {
			d, err := reg.Get(run.SourceID)
			if err != nil {
				return
			}
			env.Metrics.ObserveCollection(run, d.Category)
		},
		OnStatusChange: func(id string, from, to scheduler.Status) {
			env.Metrics.ObserveStatus(id, from, to)
			env.Alerter.ObserveStatus(id, from, to)
		},
	})
	if err := env.Scheduler.Seed(ctx); err != nil {
		zap.L().Warn("seed scheduler from history", zap.Error(err))
	}

	if withAnalysis {
		var opts []option.RequestOption
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		env.Engine = analysis.NewEngine(anthropicpkg.NewClient(cfg.Anthropic.Key, opts...), analysis.Config{
			Model:     cfg.Anthropic.Model,
			MaxTokens: int64(cfg.Anthropic.MaxTokens),
			Timeout:   time.Duration(cfg.Processing.AnalysisTimeoutSecs) * time.Second,
			Retry:     resilience.RetryConfig{MaxAttempts: cfg.Processing.MaxAttempts},
		})
		env.Processor = processing.New(st, env.Engine, processing.Config{
			MaxConcurrent: cfg.Processing.MaxConcurrent,
			RatePerSec:    cfg.Processing.RatePerSec,
			BatchLimit:    cfg.Processing.BatchLimit,
			OnItem:        env.Metrics.ObserveItem,
		})
	}

	if cfg.Redis.Addr != "" {
		client, err := observe.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			zap.L().Warn("redis unavailable, snapshot stream disabled", zap.Error(err))
		} else {
			env.Redis = client
		}
	}

	zap.L().Info("environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.Int("sources", reg.Len()),
		zap.Bool("analysis", withAnalysis),
		zap.Bool("redis", env.Redis != nil),
	)
	return env, nil
}

func newCollector() *collect.Collector {
	uas := make(map[string]string, len(secHosts))
	for _, h := range secHosts {
		uas[h] = cfg.Fetch.EDGARUserAgent
	}
	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:      cfg.Fetch.UserAgent,
		HostUserAgents: uas,
		Timeout:        time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
		MaxRetries:     cfg.Fetch.MaxRetries,
		RateLimiters:   fetcher.DefaultRateLimiters(),
	})
	return collect.NewDefaultCollector(f, cfg.Scheduler.CollectTimeout(), nil)
}

// newCoordinator builds the pipeline coordinator with every configured
// observer attached.
func (e *intelEnv) newCoordinator() *pipeline.Coordinator {
	observers := []pipeline.Observer{observe.NewLogObserver(nil), e.Metrics, e.Alerter}
	if e.Redis != nil {
		observers = append(observers, observe.NewRedisPublisher(e.Redis, cfg.Redis.Stream, cfg.Redis.MaxLen))
	}
	return pipeline.New(pipeline.Deps{
		Registry:  e.Registry,
		Scheduler: e.Scheduler,
		Processor: e.Processor,
		Pinger:    e.Store,
		Querier:   aggregate.New(e.Store),
	}, pipeline.Config{
		RunDeadline:  cfg.Scheduler.RunDeadline(),
		AnalyzeGrace: time.Duration(cfg.Pipeline.AnalyzeGraceSecs) * time.Second,
		RunTTL:       time.Duration(cfg.Pipeline.RunTTLMins) * time.Minute,
	}, observers...)
}

// sourceAdmin joins the static catalog with the live scheduler state.
type sourceAdmin struct {
	*source.Registry
	*scheduler.Scheduler
}
