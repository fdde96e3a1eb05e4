package webhooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRetention is how long processed event records are kept.
const DefaultRetention = 30 * 24 * time.Hour

const sweepBatch = 500

// Timer periodically deletes event records older than the retention window.
type Timer struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
	running   atomic.Bool
}

// NewTimer creates a new retention sweeper.
func NewTimer(store Store, retention time.Duration, logger *slog.Logger) *Timer {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Timer{
		store:     store,
		retention: retention,
		interval:  time.Hour,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop. Safe to call more than once, and before
// or during a sweep.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in webhook retention timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx, time.Now())
}

// Sweep deletes records created before now minus the retention window,
// in batches, and returns how many were removed.
func (t *Timer) Sweep(ctx context.Context, now time.Time) int64 {
	cutoff := now.Add(-t.retention)
	var total int64
	for {
		n, err := t.store.DeleteOlderThan(ctx, cutoff, sweepBatch)
		if err != nil {
			t.logger.Warn("failed to delete expired webhook events", "error", err)
			break
		}
		total += n
		if n < sweepBatch || ctx.Err() != nil {
			break
		}
	}
	if total > 0 {
		t.logger.Info("expired webhook events deleted", "count", total)
	}
	return total
}
