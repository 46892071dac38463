package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/gatekeep/internal/clock"
)

// DefaultSweepInterval is used when NewSweeper is given a non-positive interval.
const DefaultSweepInterval = 5 * time.Minute

// Sweeper periodically removes expired entries from a Sweepable. It does
// nothing until Start is called, and Stop waits for the loop to exit.
type Sweeper struct {
	set      Sweepable
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewSweeper creates a stopped sweeper for set.
func NewSweeper(set Sweepable, interval time.Duration, clk clock.Clock, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		set:      set,
		interval: interval,
		clock:    clk,
		logger:   logger.With("component", "sweeper"),
	}
}

// Start launches the background loop. Calling Start twice, or after Stop,
// is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil || s.stopped {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop ends the loop and blocks until it has returned.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// SweepOnce runs a single pass immediately.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	removed, err := s.set.Sweep(ctx, s.clock.Now())
	if err != nil {
		s.logger.Warn("sweep failed", slog.String("error", err.Error()))
		return 0, err
	}
	if removed > 0 {
		s.logger.Debug("swept expired entries", slog.Int("removed", removed))
	}
	return removed, nil
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx) //nolint:errcheck
		}
	}
}
