// Package fetcher performs rate-limited HTTP GETs for the source fetch clients.
package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Fetcher retrieves a remote document.
type Fetcher interface {
	// Get fetches url and returns the full response body. Non-2xx responses
	// are returned as *StatusError.
	Get(ctx context.Context, url string, header http.Header) ([]byte, error)
}

// StatusError describes a non-success HTTP response.
type StatusError struct {
	StatusCode int
	URL        string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d from %s", e.StatusCode, e.URL)
}

// RateLimited reports whether the upstream asked us to slow down.
func (e *StatusError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// AuthFailure reports whether the upstream rejected our credentials.
func (e *StatusError) AuthFailure() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}
