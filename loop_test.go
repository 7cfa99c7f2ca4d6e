package crosstest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopSchedulerRunOnce(t *testing.T) {
	s := NewLoopScheduler(false, 0, discard())
	var calls atomic.Int32
	err := s.Run(context.Background(), func(context.Context, int) (bool, error) {
		calls.Add(1)
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, s.Running())
}

func TestLoopSchedulerRequiresFunc(t *testing.T) {
	s := NewLoopScheduler(true, 0, discard())
	require.Error(t, s.Run(context.Background(), nil))
}

func TestLoopSchedulerStopsWhenRunSaysSo(t *testing.T) {
	s := NewLoopScheduler(true, time.Millisecond, discard())
	var iterations []int
	err := s.Run(context.Background(), func(_ context.Context, iteration int) (bool, error) {
		iterations = append(iterations, iteration)
		return iteration < 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, iterations)
}

func TestLoopSchedulerPropagatesError(t *testing.T) {
	s := NewLoopScheduler(true, time.Millisecond, discard())
	boom := errors.New("boom")
	var calls int
	err := s.Run(context.Background(), func(context.Context, int) (bool, error) {
		calls++
		return true, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestLoopSchedulerStop(t *testing.T) {
	s := NewLoopScheduler(true, time.Hour, discard())
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.Run(context.Background(), func(context.Context, int) (bool, error) {
			close(started)
			return true, nil
		})
	}()

	<-started
	s.Stop()
	s.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestLoopSchedulerContextCancel(t *testing.T) {
	s := NewLoopScheduler(true, time.Hour, discard())
	ctx, cancel := context.WithCancel(context.Background())
	err := s.Run(ctx, func(context.Context, int) (bool, error) {
		cancel()
		return true, nil
	})
	require.NoError(t, err)
}
