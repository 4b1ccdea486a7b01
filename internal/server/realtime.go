package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/koenji/internal/notifications"
)

const (
	RealtimeEventNotification = "notification"
	realtimeEventHeartbeat    = "heartbeat"
	realtimeSourceBackend     = "koenji-sync"
)

// RealtimeMessage is pushed to stream subscribers. An empty DeviceID broadcasts.
type RealtimeMessage struct {
	DeviceID     string
	EventType    string
	Notification *notifications.Request
	Timestamp    time.Time
}

// RealtimeDispatcher fans messages out to connected devices. Slow subscribers drop
// messages instead of blocking the publisher.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, deviceID string) (<-chan RealtimeMessage, func()) {
	if deviceID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(deviceID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(deviceID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.EventType == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0)
	for deviceID, subscribers := range d.subscribers {
		if message.DeviceID != "" && message.DeviceID != deviceID {
			continue
		}
		for _, subscriber := range subscribers {
			copies = append(copies, subscriber)
		}
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// Deliver broadcasts a scheduled notification to every connected device.
func (d *RealtimeDispatcher) Deliver(_ context.Context, request notifications.Request) error {
	payload := request
	d.Publish(RealtimeMessage{
		EventType:    RealtimeEventNotification,
		Notification: &payload,
		Timestamp:    d.clock().UTC(),
	})
	return nil
}

// Subscribers counts open streams.
func (d *RealtimeDispatcher) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	count := 0
	for _, subscribers := range d.subscribers {
		count += len(subscribers)
	}
	return count
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(deviceID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[deviceID]; !ok {
		d.subscribers[deviceID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[deviceID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(deviceID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[deviceID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, deviceID)
		}
	}
	d.mu.Unlock()
}
