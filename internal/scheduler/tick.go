package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Loop fires a callback on a fixed tick. A tick that arrives while the
// previous callback is still running is skipped, so the callback itself must
// only dispatch work and return.
type Loop struct {
	cron   *cron.Cron
	every  time.Duration
	fn     func(ctx context.Context)
	ctx    context.Context
	cancel context.CancelFunc
}

// NewLoop creates a loop that calls fn every interval once started.
func NewLoop(every time.Duration, fn func(ctx context.Context)) (*Loop, error) {
	if every < time.Second {
		return nil, eris.Errorf("scheduler: tick interval %s below 1s", every)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(
			cron.Recover(cron.DefaultLogger),
			cron.SkipIfStillRunning(cron.DiscardLogger),
		),
	)
	l := &Loop{cron: c, every: every, fn: fn, ctx: ctx, cancel: cancel}
	if _, err := c.AddFunc("@every "+every.String(), l.tick); err != nil {
		cancel()
		return nil, eris.Wrap(err, "scheduler: register tick")
	}
	return l, nil
}

func (l *Loop) tick() {
	if l.ctx.Err() != nil {
		return
	}
	l.fn(l.ctx)
}

// Start begins ticking in the background.
func (l *Loop) Start() {
	zap.L().Info("scheduler loop started", zap.Duration("every", l.every))
	l.cron.Start()
}

// Stop halts the loop and waits for a running callback to return or ctx to
// end, whichever comes first.
func (l *Loop) Stop(ctx context.Context) error {
	l.cancel()
	done := l.cron.Stop()
	select {
	case <-done.Done():
		zap.L().Info("scheduler loop stopped")
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "scheduler: stop loop")
	}
}
