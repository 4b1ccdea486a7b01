package workqueue

import "time"

const (
	defaultShards         = 4
	defaultQueueSize      = 128
	defaultEnqueueTimeout = 100 * time.Millisecond
	defaultMaxAttempts    = 3
	defaultBaseBackoff    = 100 * time.Millisecond
	defaultMaxInterval    = 5 * time.Second
)

// Config groups the executor tunables. Zero values fall back to defaults.
type Config struct {
	// Name labels metrics and log lines.
	Name           string
	Shards         int
	QueueSize      int
	EnqueueTimeout time.Duration

	// ErrorHandler is called on the worker goroutine once a job has failed for good.
	ErrorHandler func(key string, err error)

	MaxAttempts int
	BaseBackoff time.Duration
	MaxInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.Shards <= 0 {
		c.Shards = defaultShards
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = defaultEnqueueTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaultBaseBackoff
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = defaultMaxInterval
	}
	return c
}
