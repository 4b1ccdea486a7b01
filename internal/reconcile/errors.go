package reconcile

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	ErrMissingCollection = errors.New("reconcile: collection name is required")
	ErrMissingDecoder    = errors.New("reconcile: decode function is required")
	ErrMissingKey        = errors.New("reconcile: key function is required")
	ErrUnknownCollection = errors.New("reconcile: unknown collection")
	ErrDuplicateSink     = errors.New("reconcile: collection already registered")
)

// TransportError wraps a failure reported by the snapshot transport. It never
// mutates the installed collection.
type TransportError struct {
	Collection string
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on %s: %v", e.Collection, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// PersistenceError reports a cache write that failed after retries. In-memory state
// is unaffected and may run ahead of the cache.
type PersistenceError struct {
	Collection string
	Key        string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s/%s: %v", e.Collection, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// PersistenceErrorHandler returns a workqueue error handler that logs and counts
// cache write failures.
func PersistenceErrorHandler(logger *zap.Logger) func(key string, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(key string, err error) {
		var persistenceErr *PersistenceError
		if errors.As(err, &persistenceErr) {
			reportPersistenceFailure(logger.With(zap.String("collection", persistenceErr.Collection)), key, err)
			return
		}
		reportPersistenceFailure(logger, key, err)
	}
}

func reportPersistenceFailure(logger *zap.Logger, collection string, err error) {
	var persistenceErr *PersistenceError
	if errors.As(err, &persistenceErr) {
		persistenceFailuresTotal.WithLabelValues(persistenceErr.Collection).Inc()
		logger.Error("cache write failed",
			zap.String("key", persistenceErr.Key),
			zap.Error(persistenceErr.Err))
		return
	}
	persistenceFailuresTotal.WithLabelValues(collection).Inc()
	logger.Error("cache write failed", zap.String("key", collection), zap.Error(err))
}
