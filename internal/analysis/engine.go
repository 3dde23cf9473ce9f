// Package analysis turns stored items into structured enrichment using an
// LLM. It is the analysis collaborator of the processing stage.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-intel/internal/model"
	"github.com/sells-group/market-intel/internal/resilience"
	"github.com/sells-group/market-intel/pkg/anthropic"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "claude-haiku-4-5-20251001"

// Error is a per-item analysis failure. Transient errors are worth retrying on
// the next processing pass; the rest usually mean the response was unusable.
type Error struct {
	ItemID    string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("analysis %s (%s): %v", e.ItemID, kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Config tunes the engine.
type Config struct {
	Model     string
	MaxTokens int64
	Timeout   time.Duration // per call, default 60s
	Retry     resilience.RetryConfig
	Breaker   resilience.BreakerConfig
}

// Engine analyzes items through the Anthropic messages API. It is safe for
// concurrent use and idempotent per item.
type Engine struct {
	client  anthropic.Client
	cfg     Config
	breaker *resilience.Breaker
	log     *zap.Logger
}

// NewEngine creates an engine over client.
func NewEngine(client anthropic.Client, cfg Config) *Engine {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = resilience.RetryLogger("anthropic", "analyze")
	}
	log := zap.L().With(zap.String("component", "analysis.engine"))
	if cfg.Breaker.ShouldTrip == nil {
		cfg.Breaker.ShouldTrip = resilience.IsTransient
	}
	if cfg.Breaker.OnStateChange == nil {
		cfg.Breaker.OnStateChange = func(from, to resilience.CircuitState) {
			log.Warn("analysis circuit changed state",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
	}
	return &Engine{
		client:  client,
		cfg:     cfg,
		breaker: resilience.NewBreaker(cfg.Breaker),
		log:     log,
	}
}

// Model returns the model id the engine calls.
func (e *Engine) Model() string { return e.cfg.Model }

// Analyze returns the enrichment for item. Failures are *Error.
func (e *Engine) Analyze(ctx context.Context, item model.StoredItem) (model.Enrichment, error) {
	req := anthropic.MessageRequest{
		Model:     e.cfg.Model,
		MaxTokens: e.cfg.MaxTokens,
		System:    anthropic.CachedSystem(systemPrompt, "1h"),
		Messages:  []anthropic.Message{{Role: "user", Content: userPrompt(item)}},
	}

	resp, err := resilience.DoVal(ctx, e.cfg.Retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return resilience.Execute(ctx, e.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
			defer cancel()
			resp, err := e.client.CreateMessage(callCtx, req)
			if err != nil {
				if code := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(code) {
					return nil, resilience.NewTransientError(err, code)
				}
				if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
					return nil, resilience.NewTransientError(err, 0)
				}
				return nil, err
			}
			return resp, nil
		})
	})
	if err != nil {
		transient := resilience.IsTransient(err) || errors.Is(err, resilience.ErrCircuitOpen) || ctx.Err() != nil
		return model.Enrichment{}, &Error{ItemID: item.ID, Transient: transient, Err: eris.Wrap(err, "analysis: create message")}
	}

	resp.Usage.LogCost(e.cfg.Model, item.ID)

	enr, err := parseEnrichment(resp.Text())
	if err != nil {
		e.log.Warn("unusable analysis response",
			zap.String("item_id", item.ID),
			zap.String("stop_reason", resp.StopReason),
			zap.Error(err),
		)
		return model.Enrichment{}, &Error{ItemID: item.ID, Err: err}
	}
	enr.Model = resp.Model
	if enr.Model == "" {
		enr.Model = e.cfg.Model
	}
	return enr, nil
}

// CircuitState exposes the engine's breaker for health reporting.
func (e *Engine) CircuitState() resilience.CircuitState {
	return e.breaker.State()
}
