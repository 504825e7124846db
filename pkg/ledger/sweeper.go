package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically deletes expired counters from backends that cannot
// expire keys on their own. A stopped sweeper can be started again.
type Sweeper struct {
	target   Sweepable
	schedule string
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cron    *cron.Cron
	stop    chan struct{}
	watcher chan struct{}
}

// NewSweeper creates a sweeper for target on a cron schedule such as
// "@every 5m" or "0 3 * * *".
func NewSweeper(target Sweepable, schedule string, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		target:   target,
		schedule: schedule,
		logger:   logger.With("component", "ledger.sweeper"),
	}
}

// Start schedules sweeping until ctx is cancelled or Stop is called.
// An empty schedule disables the sweeper.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("sweep schedule not configured, skipping sweeper")
		return nil
	}
	if s.running {
		return fmt.Errorf("sweeper already running")
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	stop := make(chan struct{})
	watcher := make(chan struct{})
	s.cron, s.stop, s.watcher = c, stop, watcher
	s.running = true
	c.Start()
	s.logger.Info("sweeper started", "schedule", s.schedule)

	go func() {
		defer close(watcher)
		select {
		case <-ctx.Done():
			if c, _, ok := s.halt(); ok {
				<-c.Stop().Done()
				s.logger.Info("sweeper stopped", "reason", ctx.Err())
			}
		case <-stop:
		}
	}()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	c, watcher, ok := s.halt()
	if !ok {
		return
	}
	<-c.Stop().Done()
	<-watcher
	s.logger.Info("sweeper stopped")
}

// halt marks the sweeper stopped and releases its watcher goroutine.
// It reports false if the sweeper was not running.
func (s *Sweeper) halt() (*cron.Cron, <-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil, nil, false
	}
	close(s.stop)
	s.running = false
	return s.cron, s.watcher, true
}

// RunOnce performs a single sweep and returns the number of counters removed.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	removed, err := s.target.Sweep(ctx)
	if err != nil {
		s.logger.Error("sweep expired counters", "error", err)
		return removed
	}
	if removed > 0 {
		s.logger.Debug("swept expired counters", "removed", removed)
	}
	return removed
}
