package collect

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/market-intel/internal/model"
)

// CustomClient dispatches "custom" sources to Go handlers registered by
// name. The source's "handler" param selects the handler.
type CustomClient struct {
	mu       sync.RWMutex
	handlers map[string]FetchFunc
}

// NewCustomClient creates an empty CustomClient.
func NewCustomClient() *CustomClient {
	return &CustomClient{handlers: make(map[string]FetchFunc)}
}

// Handle registers fn under name, replacing any previous handler.
func (c *CustomClient) Handle(name string, fn FetchFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[name] = fn
}

// Fetch runs the handler named by params["handler"].
func (c *CustomClient) Fetch(ctx context.Context, params model.Params, since time.Time) ([]model.RawItem, error) {
	name := params.Get("handler")
	c.mu.RLock()
	fn, ok := c.handlers[name]
	c.mu.RUnlock()
	if !ok {
		return nil, &Error{Kind: KindUnreachable, Err: eris.Errorf("collect: no custom handler %q", name)}
	}
	return fn(ctx, params, since)
}
