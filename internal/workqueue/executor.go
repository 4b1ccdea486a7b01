// Package workqueue runs jobs on hash-partitioned workers, preserving FIFO order per key
// while letting different keys proceed in parallel.
//
// Callers must not Submit concurrently for the same key; per-key ordering relies on
// submissions for a key being issued from one goroutine at a time.
package workqueue

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type queuedJob struct {
	ctx context.Context
	key string
	job Job
}

// Executor executes jobs on shard workers chosen by a stable hash of the key.
type Executor struct {
	cfg    Config
	logger *zap.Logger
	queues []chan queuedJob

	done   chan struct{}
	closed atomic.Bool

	wg sync.WaitGroup
}

// NewExecutor constructs the executor and starts its shard workers.
func NewExecutor(cfg Config, logger *zap.Logger) *Executor {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	executor := &Executor{
		cfg:    cfg,
		logger: logger.With(zap.String("executor", cfg.Name)),
		queues: make([]chan queuedJob, cfg.Shards),
		done:   make(chan struct{}),
	}
	for index := 0; index < cfg.Shards; index++ {
		queue := make(chan queuedJob, cfg.QueueSize)
		executor.queues[index] = queue
		executor.wg.Add(1)
		go executor.runWorker(index, queue)
	}
	return executor
}

// Submit enqueues job on the shard owning key. It returns ErrExecutorClosed after
// Stop, a *QueueFullError when the shard stays full past EnqueueTimeout, or ctx.Err().
func (e *Executor) Submit(ctx context.Context, key string, job Job) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}
	select {
	case <-e.done:
		return ErrExecutorClosed
	default:
	}

	shard := e.shardFor(key)
	queue := e.queues[shard]

	timer := time.NewTimer(e.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case queue <- queuedJob{ctx: ctx, key: key, job: job}:
		submissionsTotal.WithLabelValues(e.cfg.Name, shardLabel(shard)).Inc()
		return nil
	case <-e.done:
		return ErrExecutorClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		queueFullTotal.WithLabelValues(e.cfg.Name, shardLabel(shard)).Inc()
		return &QueueFullError{Shard: shard, Length: len(queue), Capacity: cap(queue)}
	}
}

// Barrier waits until every job submitted for key before the call has finished.
func (e *Executor) Barrier(ctx context.Context, key string) error {
	reached := make(chan struct{})
	marker := JobFunc(func(context.Context) error {
		close(reached)
		return nil
	})
	if err := e.Submit(ctx, key, marker); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-reached:
		return nil
	}
}

// Stop drains queued jobs, waits for the workers to exit, and is safe to call twice.
func (e *Executor) Stop() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.logger.Debug("stopping executor", zap.Int("shards", e.cfg.Shards))
	close(e.done)
	e.wg.Wait()
	e.logger.Debug("executor stopped")
}

// Close lets Executor satisfy io.Closer.
func (e *Executor) Close() error {
	e.Stop()
	return nil
}

func (e *Executor) runWorker(index int, queue <-chan queuedJob) {
	defer e.wg.Done()
	defer func() {
		if recovered := recover(); recovered != nil {
			e.logger.Error("worker panic", zap.Int("shard", index), zap.Any("panic", recovered))
		}
	}()

	label := shardLabel(index)
	for {
		select {
		case queued := <-queue:
			if queued.job != nil {
				e.execute(label, queued)
			}
			queueDepth.WithLabelValues(e.cfg.Name, label).Set(float64(len(queue)))
		case <-e.done:
			e.drain(index, queue)
			queueDepth.WithLabelValues(e.cfg.Name, label).Set(0)
			return
		}
	}
}

func (e *Executor) execute(label string, queued queuedJob) {
	if err := queued.ctx.Err(); err != nil {
		e.fail(queued.key, err)
		return
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.BaseBackoff
	policy.Multiplier = 2
	policy.MaxInterval = e.cfg.MaxInterval
	policy.Reset()

	for attempt := 1; ; attempt++ {
		start := time.Now()
		err := e.runSafely(queued)
		runDuration.WithLabelValues(e.cfg.Name, label).Observe(time.Since(start).Seconds())
		if err == nil {
			return
		}
		if isPermanent(err) || attempt >= e.cfg.MaxAttempts {
			e.fail(queued.key, unwrapPermanent(err))
			return
		}

		wait := policy.NextBackOff()
		e.logger.Debug("retrying job",
			zap.String("key", queued.key),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-e.done:
			timer.Stop()
			e.fail(queued.key, fmt.Errorf("executor stopped while retrying: %w", err))
			return
		case <-queued.ctx.Done():
			timer.Stop()
			e.fail(queued.key, queued.ctx.Err())
			return
		}
	}
}

// drain runs whatever is still queued once, skipping jobs whose context ended.
func (e *Executor) drain(index int, queue <-chan queuedJob) {
	drained := 0
	for {
		select {
		case queued := <-queue:
			if queued.job == nil {
				continue
			}
			if err := queued.ctx.Err(); err != nil {
				e.fail(queued.key, err)
				continue
			}
			if err := e.runSafely(queued); err != nil {
				e.fail(queued.key, unwrapPermanent(err))
			}
			drained++
		default:
			if drained > 0 {
				e.logger.Debug("drained shard", zap.Int("shard", index), zap.Int("jobs", drained))
			}
			return
		}
	}
}

func (e *Executor) runSafely(queued queuedJob) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = backoff.Permanent(fmt.Errorf("job panic: %v", recovered))
		}
	}()
	return queued.job.Run(queued.ctx)
}

func (e *Executor) fail(key string, err error) {
	if err == nil {
		return
	}
	failuresTotal.WithLabelValues(e.cfg.Name).Inc()
	if e.cfg.ErrorHandler == nil {
		e.logger.Warn("job failed", zap.String("key", key), zap.Error(err))
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			e.logger.Error("error handler panic", zap.Any("panic", recovered))
		}
	}()
	e.cfg.ErrorHandler(key, err)
}

func (e *Executor) shardFor(key string) int {
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(key))
	return int(hash.Sum32() % uint32(e.cfg.Shards))
}
