package crosstest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// RunFunc runs one iteration of the suites. It returns false when no further
// iteration should run.
type RunFunc func(ctx context.Context, iteration int) (bool, error)

// LoopScheduler repeats a run until it fails, the context is cancelled or the
// scheduler is stopped. Without loop mode it runs exactly once.
type LoopScheduler struct {
	interval time.Duration
	loop     bool
	logger   log.Logger

	running  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

// NewLoopScheduler creates a new LoopScheduler.
func NewLoopScheduler(loop bool, interval time.Duration, logger log.Logger) *LoopScheduler {
	return &LoopScheduler{
		interval: interval,
		loop:     loop,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Run calls fn until it returns false or an error. It blocks until the last
// iteration returns.
func (s *LoopScheduler) Run(ctx context.Context, fn RunFunc) error {
	if fn == nil {
		return errors.New("run function is required")
	}
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler already running")
	}
	defer s.running.Store(false)

	if s.loop {
		s.logger.Info("Starting scheduler in loop mode", "interval", s.interval)
	}

	for iteration := 1; ; iteration++ {
		again, err := fn(ctx, iteration)
		if err != nil {
			return err
		}
		if !s.loop || !again {
			return nil
		}

		select {
		case <-time.After(s.interval):
			s.logger.Info("Starting next iteration", "iteration", iteration+1)
		case <-s.done:
			s.logger.Debug("Done signal received, not starting another iteration")
			return nil
		case <-ctx.Done():
			s.logger.Debug("Context canceled, not starting another iteration")
			return nil
		}
	}
}

// Stop prevents further iterations. The running iteration is not affected.
func (s *LoopScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Running reports whether an iteration loop is in progress.
func (s *LoopScheduler) Running() bool {
	return s.running.Load()
}
