package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

var (
	ErrMissingRedisClient = errors.New("notifications: redis client is required")
	ErrMissingChannel     = errors.New("notifications: channel is required")
)

// Publisher is the subset of the redis client used for fan-out.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisPublisher forwards delivery requests to a Redis pub/sub channel so that
// paired devices can raise the notification locally.
type RedisPublisher struct {
	client  Publisher
	channel string
}

func NewRedisPublisher(client Publisher, channel string) (*RedisPublisher, error) {
	if client == nil {
		return nil, ErrMissingRedisClient
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil, ErrMissingChannel
	}
	return &RedisPublisher{client: client, channel: channel}, nil
}

func (p *RedisPublisher) Deliver(ctx context.Context, request Request) error {
	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("encode notification %s: %w", request.ID, err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish notification %s: %w", request.ID, err)
	}
	return nil
}
