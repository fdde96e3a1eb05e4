package archive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
)

const purgeJobName = "case_purge"

// Scheduler runs PurgeTick on a fixed interval. The job runs in singleton
// mode so a slow tick delays the next one instead of overlapping it.
type Scheduler struct {
	purger    *Purger
	interval  time.Duration
	batchSize int
	logger    *slog.Logger

	mu        sync.Mutex
	scheduler gocron.Scheduler
	cancel    context.CancelFunc
	running   atomic.Bool
}

// NewScheduler creates a purge scheduler.
func NewScheduler(purger *Purger, interval time.Duration, batchSize int, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 25
	}
	return &Scheduler{purger: purger, interval: interval, batchSize: batchSize, logger: logger}
}

// Running reports whether the scheduler has been started.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start registers the purge job and starts the scheduler. The job stops
// when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return nil
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	jobCtx, cancel := context.WithCancel(ctx)
	_, err = sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() { s.safeTick(jobCtx) }),
		gocron.WithName(purgeJobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		cancel()
		_ = sched.Shutdown()
		return fmt.Errorf("register purge job: %w", err)
	}

	sched.Start()
	s.scheduler = sched
	s.cancel = cancel
	s.running.Store(true)
	s.logger.Info("purge scheduler started", "interval", s.interval, "batch", s.batchSize)
	return nil
}

// Stop cancels any in-flight tick and shuts the scheduler down.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Load() {
		return
	}
	s.cancel()
	if err := s.scheduler.Shutdown(); err != nil {
		s.logger.Warn("purge scheduler shutdown", "error", err)
	}
	s.running.Store(false)
	s.logger.Info("purge scheduler stopped")
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in purge tick", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := s.purger.PurgeTick(ctx, s.batchSize); err != nil && ctx.Err() == nil {
		s.logger.Error("purge tick failed", "error", err)
	}
}
