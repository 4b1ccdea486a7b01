package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/koenji/internal/reconcile"
	backoff "github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrMissingClient   = errors.New("transport: redis client is required")
	ErrMissingRegistry = errors.New("transport: registry is required")
)

type RedisSourceConfig struct {
	Client   *redis.Client
	Prefix   string
	Registry *reconcile.Registry
	Logger   *zap.Logger
}

// RedisSource subscribes to one pub/sub channel per registered collection. The
// channel name is Prefix followed by the collection name.
type RedisSource struct {
	client   *redis.Client
	prefix   string
	registry *reconcile.Registry
	logger   *zap.Logger
}

func NewRedisSource(cfg RedisSourceConfig) (*RedisSource, error) {
	if cfg.Client == nil {
		return nil, ErrMissingClient
	}
	if cfg.Registry == nil {
		return nil, ErrMissingRegistry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSource{
		client:   cfg.Client,
		prefix:   cfg.Prefix,
		registry: cfg.Registry,
		logger:   logger,
	}, nil
}

// Channels lists the subscribed channel names.
func (s *RedisSource) Channels() []string {
	names := s.registry.Names()
	channels := make([]string, 0, len(names))
	for _, name := range names {
		channels = append(channels, s.prefix+name)
	}
	return channels
}

// Run delivers messages until ctx is done. Receive failures are reported to every
// sink as transport errors and the subscription is retried with backoff.
func (s *RedisSource) Run(ctx context.Context) error {
	channels := s.Channels()
	pubsub := s.client.Subscribe(ctx, channels...)
	defer pubsub.Close()
	s.logger.Info("snapshot subscription started", zap.Strings("channels", channels))

	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0
	retry.MaxInterval = 30 * time.Second

	for {
		message, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.reportAll(err)
			wait := retry.NextBackOff()
			s.logger.Warn("snapshot subscription interrupted", zap.Duration("retry_in", wait), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()
		s.handleMessage(ctx, message.Channel, []byte(message.Payload))
	}
}

func (s *RedisSource) handleMessage(ctx context.Context, channel string, payload []byte) {
	collection, ok := strings.CutPrefix(channel, s.prefix)
	if !ok {
		s.logger.Warn("message on unexpected channel", zap.String("channel", channel))
		return
	}
	if err := Dispatch(ctx, s.registry, collection, payload); err != nil {
		s.logger.Error("snapshot dispatch failed", zap.String("collection", collection), zap.Error(err))
	}
}

func (s *RedisSource) reportAll(err error) {
	for _, name := range s.registry.Names() {
		sink, lookupErr := s.registry.Lookup(name)
		if lookupErr != nil {
			continue
		}
		sink.OnError(&reconcile.TransportError{Collection: name, Err: fmt.Errorf("receive: %w", err)})
	}
}
