package workqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutorPreservesOrderPerKey(t *testing.T) {
	executor := NewExecutor(Config{Name: "order", Shards: 4, QueueSize: 16}, nil)
	defer executor.Stop()

	var (
		mu    sync.Mutex
		order []int
	)
	for index := 0; index < 10; index++ {
		value := index
		require.NoError(t, executor.Submit(context.Background(), "reservations", JobFunc(func(context.Context) error {
			mu.Lock()
			order = append(order, value)
			mu.Unlock()
			return nil
		})))
	}
	require.NoError(t, executor.Barrier(context.Background(), "reservations"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestExecutorQueueFull(t *testing.T) {
	executor := NewExecutor(Config{Name: "full", Shards: 1, QueueSize: 1, EnqueueTimeout: 10 * time.Millisecond}, nil)
	defer executor.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, executor.Submit(context.Background(), "k", JobFunc(func(context.Context) error {
		close(started)
		<-release
		return nil
	})))
	<-started

	require.NoError(t, executor.Submit(context.Background(), "k", JobFunc(func(context.Context) error { return nil })))
	err := executor.Submit(context.Background(), "k", JobFunc(func(context.Context) error { return nil }))
	close(release)

	var full *QueueFullError
	require.ErrorAs(t, err, &full)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 1, full.Capacity)
}

func TestExecutorRetriesUntilSuccess(t *testing.T) {
	executor := NewExecutor(Config{Name: "retry", MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxInterval: 2 * time.Millisecond}, nil)
	defer executor.Stop()

	var attempts int32
	require.NoError(t, executor.Submit(context.Background(), "k", JobFunc(func(context.Context) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	})))
	require.NoError(t, executor.Barrier(context.Background(), "k"))
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestExecutorReportsFinalFailure(t *testing.T) {
	var (
		mu       sync.Mutex
		reported []error
		keys     []string
	)
	executor := NewExecutor(Config{
		Name:        "failure",
		MaxAttempts: 5,
		BaseBackoff: time.Millisecond,
		ErrorHandler: func(key string, err error) {
			mu.Lock()
			defer mu.Unlock()
			keys = append(keys, key)
			reported = append(reported, err)
		},
	}, nil)
	defer executor.Stop()

	fatal := errors.New("constraint violated")
	var attempts int32
	require.NoError(t, executor.Submit(context.Background(), "row-1", JobFunc(func(context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return Permanent(fatal)
	})))
	require.NoError(t, executor.Barrier(context.Background(), "row-1"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], fatal)
	assert.Equal(t, []string{"row-1"}, keys)
}

func TestExecutorSkipsCanceledJobs(t *testing.T) {
	executor := NewExecutor(Config{Name: "canceled", Shards: 1}, nil)
	defer executor.Stop()

	release := make(chan struct{})
	require.NoError(t, executor.Submit(context.Background(), "k", JobFunc(func(context.Context) error {
		<-release
		return nil
	})))

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	require.NoError(t, executor.Submit(ctx, "k", JobFunc(func(context.Context) error {
		ran.Store(true)
		return nil
	})))
	cancel()
	close(release)

	require.NoError(t, executor.Barrier(context.Background(), "k"))
	assert.False(t, ran.Load())
}

func TestExecutorRejectsAfterStop(t *testing.T) {
	executor := NewExecutor(Config{Name: "stopped"}, nil)
	var ran atomic.Bool
	require.NoError(t, executor.Submit(context.Background(), "k", JobFunc(func(context.Context) error {
		ran.Store(true)
		return nil
	})))
	executor.Stop()
	executor.Stop()

	assert.True(t, ran.Load())
	assert.ErrorIs(t, executor.Submit(context.Background(), "k", JobFunc(func(context.Context) error { return nil })), ErrExecutorClosed)
}

func TestExecutorRecoversJobPanic(t *testing.T) {
	var reported atomic.Int32
	executor := NewExecutor(Config{
		Name:         "panic",
		ErrorHandler: func(string, error) { reported.Add(1) },
	}, nil)
	defer executor.Stop()

	require.NoError(t, executor.Submit(context.Background(), "k", JobFunc(func(context.Context) error {
		panic("boom")
	})))
	require.NoError(t, executor.Barrier(context.Background(), "k"))
	assert.Equal(t, int32(1), reported.Load())
}
