package notifications

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultTriggerDelay = time.Second

// Deliverer hands a scheduled notification to one local channel.
type Deliverer interface {
	Deliver(ctx context.Context, request Request) error
}

// DelivererFunc adapts a function to a Deliverer.
type DelivererFunc func(ctx context.Context, request Request) error

func (f DelivererFunc) Deliver(ctx context.Context, request Request) error { return f(ctx, request) }

// Scheduler runs fn after delay and returns a function that cancels it. fn may run
// on any goroutine.
type Scheduler func(delay time.Duration, fn func()) (cancel func() bool)

func timerScheduler(delay time.Duration, fn func()) func() bool {
	return time.AfterFunc(delay, fn).Stop
}

type CenterConfig struct {
	Deliverers   []Deliverer
	TriggerDelay time.Duration
	Scheduler    Scheduler
	Clock        func() time.Time
	IDProvider   func() (string, error)
	Logger       *zap.Logger
}

// Center owns the in-app log. It is the single writer of that log.
type Center struct {
	mu            sync.Mutex
	notifications []Notification
	pending       map[string]func() bool
	delivered     map[string]struct{}
	closed        bool

	deliverers   []Deliverer
	triggerDelay time.Duration
	schedule     Scheduler
	clock        func() time.Time
	newID        func() (string, error)
	logger       *zap.Logger
}

func NewCenter(cfg CenterConfig) *Center {
	delay := cfg.TriggerDelay
	if delay <= 0 {
		delay = defaultTriggerDelay
	}
	schedule := cfg.Scheduler
	if schedule == nil {
		schedule = timerScheduler
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.IDProvider
	if newID == nil {
		newID = func() (string, error) {
			value, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return value.String(), nil
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Center{
		pending:      make(map[string]func() bool),
		delivered:    make(map[string]struct{}),
		deliverers:   append([]Deliverer(nil), cfg.Deliverers...),
		triggerDelay: delay,
		schedule:     schedule,
		clock:        clock,
		newID:        newID,
		logger:       logger,
	}
}

// Add appends a notification to the log and schedules its delivery. Delivery
// failures are logged and never surface to the caller.
func (c *Center) Add(title, message string, kind Type, reservationID string) (Notification, error) {
	if strings.TrimSpace(title) == "" {
		return Notification{}, ErrMissingTitle
	}
	if _, err := ParseType(string(kind)); err != nil {
		return Notification{}, err
	}
	id, err := c.newID()
	if err != nil {
		return Notification{}, err
	}
	now := c.clock().UTC()
	notification := Notification{
		ID:            id,
		Title:         title,
		Message:       message,
		Type:          kind,
		ReservationID: reservationID,
		CreatedAt:     now,
	}
	request := Request{
		ID:            id,
		Title:         title,
		Body:          message,
		Type:          kind,
		ReservationID: reservationID,
		ScheduledAt:   now.Add(c.triggerDelay),
		Delay:         c.triggerDelay,
	}

	c.mu.Lock()
	c.notifications = append(c.notifications, notification)
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return notification, nil
	}

	cancel := c.schedule(c.triggerDelay, func() { c.deliver(request) })
	c.mu.Lock()
	if _, delivered := c.delivered[id]; delivered {
		delete(c.delivered, id)
	} else {
		c.pending[id] = cancel
	}
	c.mu.Unlock()
	return notification, nil
}

// List returns the log, oldest first.
func (c *Center) List() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.notifications...)
}

// Remove drops one entry from the log. A delivery that is already scheduled still fires.
func (c *Center) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for index, notification := range c.notifications {
		if notification.ID == id {
			c.notifications = append(c.notifications[:index], c.notifications[index+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// Clear empties the log.
func (c *Center) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifications = nil
}

// Close cancels deliveries that have not fired yet.
func (c *Center) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, cancel := range c.pending {
		cancel()
		delete(c.pending, id)
	}
	c.delivered = make(map[string]struct{})
	return nil
}

func (c *Center) deliver(request Request) {
	c.mu.Lock()
	if _, scheduled := c.pending[request.ID]; scheduled {
		delete(c.pending, request.ID)
	} else {
		c.delivered[request.ID] = struct{}{}
	}
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, deliverer := range c.deliverers {
		if err := deliverer.Deliver(ctx, request); err != nil {
			c.logger.Error("notification delivery failed",
				zap.String("notification_id", request.ID),
				zap.String("type", string(request.Type)),
				zap.Error(err))
		}
	}
	c.logger.Debug("notification delivered", zap.String("notification_id", request.ID), zap.String("title", request.Title))
}
