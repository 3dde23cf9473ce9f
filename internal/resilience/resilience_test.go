package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	}
}

func TestDo_SuccessAfterRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("temporary"), 503)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsRetries(t *testing.T) {
	var calls int
	var retried []int
	cfg := fastRetry()
	cfg.OnRetry = func(attempt int, _ error) { retried = append(retried, attempt) }

	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return NewTransientError(errors.New("always fails"), 500)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_PermanentErrorNotRetried(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(), func(_ context.Context) error {
		calls++
		return errors.New("bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoVal_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastRetry()
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour

	var calls int
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := DoVal(ctx, cfg, func(_ context.Context) (int, error) {
		calls++
		return 0, NewTransientError(errors.New("slow"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoVal_ReturnsValue(t *testing.T) {
	v, err := DoVal(context.Background(), fastRetry(), func(_ context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestExponential(t *testing.T) {
	assert.Equal(t, time.Minute, Exponential(time.Minute, 3, 1, 0))
	assert.Equal(t, 8*time.Minute, Exponential(time.Minute, 3, 2, 0))
	assert.Equal(t, 5*time.Minute, Exponential(time.Minute, 3, 2, 5*time.Minute))
	assert.Equal(t, time.Minute, Exponential(time.Minute, -1, 2, 0))
}

func TestJitter(t *testing.T) {
	assert.Equal(t, time.Second, Jitter(time.Second, 0))
	for range 100 {
		d := Jitter(time.Second, 0.5)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(NewTransientError(errors.New("x"), 429)))
	assert.True(t, IsTransient(errors.New("read tcp: i/o timeout")))
	assert.True(t, IsTransient(errors.New("API overloaded")))
	assert.False(t, IsTransient(errors.New("invalid api key")))

	inner := errors.New("inner")
	assert.True(t, errors.Is(NewTransientError(inner, 0), inner))
}

func TestIsTransientHTTPStatus(t *testing.T) {
	assert.True(t, IsTransientHTTPStatus(429))
	assert.True(t, IsTransientHTTPStatus(503))
	assert.False(t, IsTransientHTTPStatus(400))
	assert.False(t, IsTransientHTTPStatus(401))
}

func TestBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Now()
	var transitions []string
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 2,
		Cooldown:         time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	b.now = func() time.Time { return now }

	fail := func(_ context.Context) (int, error) { return 0, errors.New("down") }
	ok := func(_ context.Context) (int, error) { return 1, nil }

	_, _ = Execute(context.Background(), b, fail)
	assert.Equal(t, CircuitClosed, b.State())
	_, _ = Execute(context.Background(), b, fail)
	assert.Equal(t, CircuitOpen, b.State())

	_, err := Execute(context.Background(), b, ok)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	now = now.Add(time.Minute)
	assert.Equal(t, CircuitHalfOpen, b.State())
	v, err := Execute(context.Background(), b, ok)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, CircuitClosed, b.State())

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Second})
	b.now = func() time.Time { return now }

	fail := func(_ context.Context) (int, error) { return 0, errors.New("down") }
	_, _ = Execute(context.Background(), b, fail)
	now = now.Add(time.Second)
	_, _ = Execute(context.Background(), b, fail)
	assert.Equal(t, CircuitOpen, b.State())

	b.Reset()
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreaker_ShouldTripFilters(t *testing.T) {
	permanent := errors.New("bad input")
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 1,
		ShouldTrip:       IsTransient,
	})
	_, err := Execute(context.Background(), b, func(_ context.Context) (int, error) { return 0, permanent })
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, CircuitClosed, b.State())
}
