package refresh

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Loop runs Fn every Interval. A run never overlaps with itself: ticks and
// triggers that arrive while Fn is still running are dropped.
type Loop struct {
	Name     string
	Interval time.Duration
	Fn       func(ctx context.Context) error
	// OnResult, when set, observes every completed run.
	OnResult func(name string, err error)

	running atomic.Bool
	log     *zap.Logger
}

func NewLoop(name string, interval time.Duration, fn func(ctx context.Context) error, log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{Name: name, Interval: interval, Fn: fn, log: log.With(zap.String("loop", name))}
}

// Trigger runs Fn synchronously unless a run is already in progress, in which
// case it returns false immediately.
func (l *Loop) Trigger(ctx context.Context) bool {
	if !l.running.CompareAndSwap(false, true) {
		l.log.Debug("refresh skipped, previous run in progress")
		return false
	}
	defer l.running.Store(false)

	err := l.Fn(ctx)
	if err != nil {
		l.log.Warn("refresh failed, keeping stale data", zap.Error(err))
	}
	if l.OnResult != nil {
		l.OnResult(l.Name, err)
	}
	return true
}

func (l *Loop) Running() bool {
	return l.running.Load()
}

// Run triggers once immediately and then on every tick until ctx ends.
// Each tick fires in its own goroutine so a slow run cannot delay the ticker.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	go l.Trigger(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			go l.Trigger(ctx)
		}
	}
}
