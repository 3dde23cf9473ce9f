// Package collect performs one fetch-and-parse attempt per source and maps
// every failure onto a typed, per-source error.
package collect

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-intel/internal/fetcher"
	"github.com/sells-group/market-intel/internal/model"
)

// FetchClient fetches and parses raw items for one fetch kind.
type FetchClient interface {
	Fetch(ctx context.Context, params model.Params, since time.Time) ([]model.RawItem, error)
}

// FetchFunc adapts a function to FetchClient.
type FetchFunc func(ctx context.Context, params model.Params, since time.Time) ([]model.RawItem, error)

// Fetch calls f.
func (f FetchFunc) Fetch(ctx context.Context, params model.Params, since time.Time) ([]model.RawItem, error) {
	return f(ctx, params, since)
}

// DefaultTimeout bounds a single collection when neither the collector nor
// the source sets one.
const DefaultTimeout = 30 * time.Second

// Collector dispatches a source to the fetch client for its kind.
type Collector struct {
	clients map[model.FetchKind]FetchClient
	timeout time.Duration
}

// NewCollector creates a Collector with the given per-source timeout.
func NewCollector(timeout time.Duration) *Collector {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Collector{
		clients: make(map[model.FetchKind]FetchClient),
		timeout: timeout,
	}
}

// NewDefaultCollector wires the built-in fetch clients for every kind onto f.
// custom may be nil when no custom handlers exist.
func NewDefaultCollector(f fetcher.Fetcher, timeout time.Duration, custom *CustomClient) *Collector {
	c := NewCollector(timeout)
	c.Register(model.FetchRSS, NewRSSClient(f))
	c.Register(model.FetchEDGAR, NewEDGARClient(f))
	c.Register(model.FetchScrape, NewScrapeClient(f))
	c.Register(model.FetchAPI, NewAPIClient(f))
	if custom == nil {
		custom = NewCustomClient()
	}
	c.Register(model.FetchCustom, custom)
	return c
}

// Register installs the client used for kind. It is not safe to call
// concurrently with Collect.
func (c *Collector) Register(kind model.FetchKind, client FetchClient) {
	c.clients[kind] = client
}

// Timeout returns the effective timeout for src. A "timeout" param parsed as
// a Go duration overrides the collector default.
func (c *Collector) Timeout(src model.SourceDescriptor) time.Duration {
	if v := src.Params.Get("timeout"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return c.timeout
}

// Collect fetches items from src published after since (zero means no lower
// bound). It never returns later than the source timeout, and on failure
// returns a *Error.
func (c *Collector) Collect(ctx context.Context, src model.SourceDescriptor, since time.Time) ([]model.RawItem, error) {
	client, ok := c.clients[src.Kind]
	if !ok {
		return nil, &Error{
			Kind:   KindUnreachable,
			Source: src.ID,
			Err:    eris.Errorf("collect: no fetch client for kind %q", src.Kind),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout(src))
	defer cancel()

	type result struct {
		items []model.RawItem
		err   error
	}
	done := make(chan result, 1)
	go func() {
		items, err := client.Fetch(ctx, src.Params, since)
		done <- result{items: items, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		// The client ignored cancellation; its result is dropped when it lands.
		zap.L().Warn("collect: fetch did not return before timeout",
			zap.String("source", src.ID),
			zap.Duration("timeout", c.Timeout(src)),
		)
		return nil, &Error{Kind: KindTimeout, Source: src.ID, Err: ctx.Err()}
	}

	if res.err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindTimeout, Source: src.ID, Err: res.err}
		}
		return nil, classify(src.ID, res.err)
	}

	items := make([]model.RawItem, 0, len(res.items))
	for _, it := range res.items {
		it.SourceID = src.ID
		it.Ticker = model.NormalizeTicker(it.Ticker)
		if !since.IsZero() && !it.PublishedAt.IsZero() && !it.PublishedAt.After(since) {
			continue
		}
		items = append(items, it)
	}
	return items, nil
}
