package engine

import (
	"context"
	"sync"
	"time"

	"github.com/Rajchodisetti/premium-engine/internal/observ"
)

// loop runs fn every interval and whenever triggered. busy keeps cycles of
// one loop from overlapping; the one-slot trigger channel coalesces
// triggers that arrive mid-cycle.
type loop struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) error
	wake     chan struct{}
	busy     sync.Mutex
}

func newLoop(name string, interval time.Duration, fn func(ctx context.Context) error) *loop {
	if interval <= 0 {
		interval = time.Hour
	}
	return &loop{name: name, interval: interval, fn: fn, wake: make(chan struct{}, 1)}
}

func (l *loop) trigger() {
	select {
	case l.wake <- struct{}{}:
		observ.IncCounter("loop_triggers_total", map[string]string{"loop": l.name})
	default:
		observ.IncCounter("loop_triggers_coalesced_total", map[string]string{"loop": l.name})
	}
}

func (l *loop) run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-l.wake:
		}
		l.cycle(ctx)
	}
}

func (l *loop) cycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !l.busy.TryLock() {
		observ.Log("cycle_coalesced", map[string]any{"loop": l.name})
		return
	}
	defer l.busy.Unlock()
	if err := l.fn(ctx); err != nil {
		observ.Error("cycle_failed", err, map[string]any{"loop": l.name})
	}
}
