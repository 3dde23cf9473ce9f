package collect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sells-group/market-intel/internal/fetcher"
)

// ErrorKind classifies why a collection attempt failed.
type ErrorKind string

const (
	KindTimeout      ErrorKind = "timeout"
	KindUnreachable  ErrorKind = "unreachable"
	KindParseFailure ErrorKind = "parse_failure"
	KindRateLimited  ErrorKind = "rate_limited"
	KindAuthFailure  ErrorKind = "auth_failure"
)

// Error is the typed failure of one collection attempt. It is always scoped
// to a single source.
type Error struct {
	Kind       ErrorKind
	Source     string
	RetryAfter time.Duration // set for KindRateLimited when the upstream said so
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("collect %s: %s", e.Source, e.Kind)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ParseFailure wraps err as a parse failure. Fetch clients return it when a
// payload arrived but could not be understood.
func ParseFailure(err error) *Error {
	return &Error{Kind: KindParseFailure, Err: err}
}

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// classify maps a fetch client error onto the collection taxonomy.
func classify(sourceID string, err error) *Error {
	if ce, ok := AsError(err); ok {
		out := *ce
		out.Source = sourceID
		return &out
	}

	var se *fetcher.StatusError
	if errors.As(err, &se) {
		switch {
		case se.RateLimited():
			return &Error{Kind: KindRateLimited, Source: sourceID, RetryAfter: se.RetryAfter, Err: err}
		case se.AuthFailure():
			return &Error{Kind: KindAuthFailure, Source: sourceID, Err: err}
		default:
			return &Error{Kind: KindUnreachable, Source: sourceID, Err: err}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTimeout, Source: sourceID, Err: err}
	}
	return &Error{Kind: KindUnreachable, Source: sourceID, Err: err}
}
