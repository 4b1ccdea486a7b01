// Package reconcile installs full-collection snapshots delivered by the remote store
// and mirrors their entities into the local cache.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/koenji/internal/documents"
	"github.com/MarcoPoloResearchLab/koenji/internal/workqueue"
	backoff "github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Batch is one full-collection delivery. Sequence increases monotonically per
// collection; 0 marks a transport that does not sequence its batches.
type Batch struct {
	Sequence  uint64
	Documents []documents.Document
}

// Store is the durable cache for one entity kind.
type Store[T any] interface {
	Upsert(ctx context.Context, entity T) error
	LoadAll(ctx context.Context) ([]T, int, error)
}

// Config wires a Reconciler. Applier and Writer may be shared across reconcilers;
// when nil a private executor is created and stopped by Close.
type Config[T any] struct {
	Collection string
	Decode     func(documents.Document) (T, error)
	Key        func(T) string
	// CacheKey identifies the cache row; defaults to Key.
	CacheKey func(T) string
	Store    Store[T]
	Applier  *workqueue.Executor
	Writer   *workqueue.Executor
	// WriteAttempts bounds retries of a single cache upsert; defaults to 3.
	WriteAttempts int
	Clock         func() time.Time
	Logger        *zap.Logger
}

const (
	defaultWriteAttempts = 3
	writeBackoffInitial  = 50 * time.Millisecond
	writeBackoffMax      = time.Second
)

// pendingWrite holds the entities of the newest installed batch that have not
// reached the cache yet, one per cache key.
type pendingWrite[T any] struct {
	entities []T
}

// Reconciler owns one collection. Every mutation runs on the applier shard for the
// collection name, so batches are installed in delivery order without racing.
type Reconciler[T any] struct {
	collection string
	decode     func(documents.Document) (T, error)
	key        func(T) string
	cacheKey   func(T) string
	store      Store[T]
	applier    *workqueue.Executor
	writer     *workqueue.Executor
	ownApplier bool
	ownWriter  bool
	clock      func() time.Time
	logger     *zap.Logger

	current atomic.Pointer[Snapshot[T]]
	// remoteSeen is only touched on the applier shard.
	remoteSeen bool

	writeAttempts int
	// pending is replaced by every applied batch; writeScheduled is set while a
	// drain job is queued or running on the writer.
	pending        atomic.Pointer[pendingWrite[T]]
	writeScheduled atomic.Bool
	writeCtx       context.Context
	cancelWrite    context.CancelFunc
}

func New[T any](cfg Config[T]) (*Reconciler[T], error) {
	collection := strings.TrimSpace(cfg.Collection)
	if collection == "" {
		return nil, ErrMissingCollection
	}
	if cfg.Decode == nil {
		return nil, ErrMissingDecoder
	}
	if cfg.Key == nil {
		return nil, ErrMissingKey
	}
	cacheKey := cfg.CacheKey
	if cacheKey == nil {
		cacheKey = cfg.Key
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("collection", collection))
	writeAttempts := cfg.WriteAttempts
	if writeAttempts <= 0 {
		writeAttempts = defaultWriteAttempts
	}

	r := &Reconciler[T]{
		collection: collection,
		decode:     cfg.Decode,
		key:        cfg.Key,
		cacheKey:   cacheKey,
		store:      cfg.Store,
		applier:    cfg.Applier,
		writer:     cfg.Writer,
		clock:      clock,
		logger:     logger,

		writeAttempts: writeAttempts,
	}
	if r.applier == nil {
		r.applier = workqueue.NewExecutor(workqueue.Config{Name: collection + "-apply", Shards: 1}, logger)
		r.ownApplier = true
	}
	if r.store != nil && r.writer == nil {
		r.writer = workqueue.NewExecutor(workqueue.Config{
			Name:         collection + "-write",
			MaxAttempts:  1,
			ErrorHandler: PersistenceErrorHandler(logger),
		}, logger)
		r.ownWriter = true
	}
	r.writeCtx, r.cancelWrite = context.WithCancel(context.Background())
	r.current.Store(newSnapshot[T](0, time.Time{}, map[string]T{}))
	return r, nil
}

func (r *Reconciler[T]) Collection() string {
	return r.collection
}

// Snapshot returns the installed collection. Callers must treat it as read-only.
func (r *Reconciler[T]) Snapshot() *Snapshot[T] {
	return r.current.Load()
}

// OnSnapshot queues batch for installation. It returns once the batch is queued;
// the caller's cancellation does not abandon an accepted batch.
func (r *Reconciler[T]) OnSnapshot(ctx context.Context, batch Batch) error {
	job := workqueue.JobFunc(func(context.Context) error {
		r.apply(batch)
		return nil
	})
	if err := r.applier.Submit(context.WithoutCancel(ctx), r.collection, job); err != nil {
		return fmt.Errorf("queue %s batch: %w", r.collection, err)
	}
	return nil
}

// OnError records a transport failure. The installed collection is left untouched
// and no retry is attempted; the transport resumes delivering on its own.
func (r *Reconciler[T]) OnError(err error) {
	if err == nil {
		return
	}
	transportErrorsTotal.WithLabelValues(r.collection).Inc()
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		err = &TransportError{Collection: r.collection, Err: err}
	}
	r.logger.Error("snapshot listener failed", zap.Error(err))
}

// Restore seeds an empty collection from the local cache. It is a no-op once any
// remote batch has been installed. It returns the number of restored entities.
func (r *Reconciler[T]) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	loaded, skipped, err := r.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load %s cache: %w", r.collection, err)
	}
	restored := make(chan int, 1)
	job := workqueue.JobFunc(func(context.Context) error {
		if r.remoteSeen || r.current.Load().Len() > 0 {
			restored <- 0
			return nil
		}
		entities := make(map[string]T, len(loaded))
		for _, entity := range loaded {
			entities[r.key(entity)] = entity
		}
		r.install(newSnapshot(0, r.clock().UTC(), entities), outcomeRestore)
		restored <- len(entities)
		return nil
	})
	if err := r.applier.Submit(ctx, r.collection, job); err != nil {
		return 0, fmt.Errorf("queue %s restore: %w", r.collection, err)
	}
	select {
	case count := <-restored:
		if skipped > 0 {
			r.logger.Warn("skipped corrupt cache rows", zap.Int("skipped", skipped))
		}
		return count, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Flush waits until every batch queued so far is installed and its cache writes
// have completed.
func (r *Reconciler[T]) Flush(ctx context.Context) error {
	if err := r.applier.Barrier(ctx, r.collection); err != nil {
		return err
	}
	if r.writer == nil {
		return nil
	}
	return r.writer.Barrier(ctx, r.collection)
}

// Close stops the executors this reconciler created. Shared executors are left to
// their owner.
func (r *Reconciler[T]) Close() error {
	if r.ownApplier {
		r.applier.Stop()
	}
	if r.ownWriter {
		r.writer.Stop()
	}
	r.cancelWrite()
	return nil
}

func (r *Reconciler[T]) apply(batch Batch) {
	installed := r.current.Load()
	if batch.Sequence != 0 && batch.Sequence < installed.Sequence() {
		batchesTotal.WithLabelValues(r.collection, outcomeStale).Inc()
		r.logger.Warn("dropping stale snapshot",
			zap.Uint64("sequence", batch.Sequence),
			zap.Uint64("installed_sequence", installed.Sequence()))
		return
	}

	entities := make(map[string]T, len(batch.Documents))
	// writes keeps every decoded entity by cache key, which may be finer than the
	// collection key.
	writes := make([]T, 0, len(batch.Documents))
	writeIndex := make(map[string]int, len(batch.Documents))
	for index, doc := range batch.Documents {
		entity, err := r.decode(doc)
		if err != nil {
			decodeFailuresTotal.WithLabelValues(r.collection).Inc()
			r.logger.Warn("skipping undecodable document",
				zap.Int("index", index),
				zap.String("document_id", doc.ID("id")),
				zap.Error(err))
			continue
		}
		entities[r.key(entity)] = entity
		cacheKey := r.cacheKey(entity)
		if position, seen := writeIndex[cacheKey]; seen {
			writes[position] = entity
			continue
		}
		writeIndex[cacheKey] = len(writes)
		writes = append(writes, entity)
	}

	sequence := batch.Sequence
	if sequence == 0 {
		sequence = installed.Sequence()
	}
	r.remoteSeen = true
	snapshot := newSnapshot(sequence, r.clock().UTC(), entities)
	r.install(snapshot, outcomeApplied)
	r.persist(writes)
}

func (r *Reconciler[T]) install(snapshot *Snapshot[T], outcome string) {
	r.current.Store(snapshot)
	batchesTotal.WithLabelValues(r.collection, outcome).Inc()
	entitiesGauge.WithLabelValues(r.collection).Set(float64(snapshot.Len()))
	r.logger.Debug("collection replaced",
		zap.String("outcome", outcome),
		zap.Uint64("sequence", snapshot.Sequence()),
		zap.Int("count", snapshot.Len()))
}

// persist hands the batch to the writer without waiting on the cache. At most one
// drain job per collection is queued; a newer batch replaces one not yet written.
func (r *Reconciler[T]) persist(entities []T) {
	if r.store == nil {
		return
	}
	if r.pending.Swap(&pendingWrite[T]{entities: entities}) != nil {
		writesSupersededTotal.WithLabelValues(r.collection).Inc()
	}
	if !r.writeScheduled.CompareAndSwap(false, true) {
		return
	}
	if err := r.writer.Submit(r.writeCtx, r.collection, workqueue.JobFunc(r.drainWrites)); err != nil {
		r.writeScheduled.Store(false)
		persistenceFailuresTotal.WithLabelValues(r.collection).Inc()
		r.logger.Error("cache write not queued", zap.Error(err))
	}
}

func (r *Reconciler[T]) drainWrites(ctx context.Context) error {
	for {
		pending := r.pending.Swap(nil)
		if pending == nil {
			r.writeScheduled.Store(false)
			// A batch applied between the swap and the store saw the flag still set.
			if r.pending.Load() == nil || !r.writeScheduled.CompareAndSwap(false, true) {
				return nil
			}
			continue
		}
		for _, entity := range pending.entities {
			if ctx.Err() != nil {
				return nil
			}
			if r.pending.Load() != nil {
				writesSupersededTotal.WithLabelValues(r.collection).Inc()
				break
			}
			if err := r.upsert(ctx, entity); err != nil {
				reportPersistenceFailure(r.logger, r.collection, err)
			}
		}
	}
}

func (r *Reconciler[T]) upsert(ctx context.Context, entity T) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = writeBackoffInitial
	policy.MaxInterval = writeBackoffMax
	retries := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.writeAttempts-1)), ctx)
	err := backoff.Retry(func() error {
		return r.store.Upsert(ctx, entity)
	}, retries)
	if err != nil {
		return &PersistenceError{Collection: r.collection, Key: r.cacheKey(entity), Err: err}
	}
	return nil
}
