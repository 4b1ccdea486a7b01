package workqueue

import (
	"errors"
	"fmt"

	backoff "github.com/cenkalti/backoff/v4"
)

var (
	ErrExecutorClosed = errors.New("workqueue: executor closed")
	ErrQueueFull      = errors.New("workqueue: shard queue full")
)

// QueueFullError reports which shard rejected a submission.
type QueueFullError struct {
	Shard    int
	Length   int
	Capacity int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("workqueue: shard %d full (%d/%d)", e.Shard, e.Length, e.Capacity)
}

func (e *QueueFullError) Unwrap() error {
	return ErrQueueFull
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

func isPermanent(err error) bool {
	var permanent *backoff.PermanentError
	return errors.As(err, &permanent)
}

func unwrapPermanent(err error) error {
	if permanent, ok := err.(*backoff.PermanentError); ok {
		return permanent.Unwrap()
	}
	return err
}
