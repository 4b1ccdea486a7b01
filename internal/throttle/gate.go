// Package throttle limits how often a notification may fire for an entity.
package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const (
	defaultMaxEntries    = 4096
	defaultRetention     = 2 * time.Hour
	defaultSweepInterval = 5 * time.Minute
)

// Key identifies one throttle record. Both parts are compared exactly, so
// ("a", "bc") and ("ab", "c") never collide.
type Key struct {
	EntityID string
	Type     string
}

type Config struct {
	// MaxEntries bounds the record; the least recently permitted key is evicted first.
	MaxEntries int
	// Retention is how long a record survives. It should exceed the largest
	// interval callers pass to CanSend.
	Retention     time.Duration
	SweepInterval time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Gate remembers when each key was last permitted. Records live in an expirable
// LRU ordered by permission time; Sweep applies the retention window against the
// gate's own clock.
type Gate struct {
	// mu makes the check and the record of CanSend one step.
	mu      sync.Mutex
	records *expirable.LRU[Key, time.Time]

	retention     time.Duration
	sweepInterval time.Duration
	clock         func() time.Time
	logger        *zap.Logger
}

func NewGate(cfg Config) *Gate {
	capacity := cfg.MaxEntries
	if capacity <= 0 {
		capacity = defaultMaxEntries
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		records:       expirable.NewLRU[Key, time.Time](capacity, nil, retention),
		retention:     retention,
		sweepInterval: sweepInterval,
		clock:         clock,
		logger:        logger,
	}
}

// CanSend reports whether a notification of notificationType may fire for entityID.
// When it returns true the current time is recorded; when false the record is left
// as it was, so a suppressed attempt never extends the quiet period.
func (g *Gate) CanSend(entityID, notificationType string, minimumInterval time.Duration) bool {
	key := Key{EntityID: entityID, Type: notificationType}
	now := g.clock()

	g.mu.Lock()
	defer g.mu.Unlock()

	// Peek leaves recency alone; only a permitted send moves the key forward.
	if recorded, ok := g.records.Peek(key); ok && now.Sub(recorded) < minimumInterval {
		decisionsTotal.WithLabelValues(notificationType, decisionSuppressed).Inc()
		return false
	}
	if evicted := g.records.Add(key, now); evicted {
		evictionsTotal.WithLabelValues(reasonCapacity).Inc()
	}
	entriesGauge.Set(float64(g.records.Len()))
	decisionsTotal.WithLabelValues(notificationType, decisionPermitted).Inc()
	return true
}

// Reset forgets a single key.
func (g *Gate) Reset(entityID, notificationType string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.records.Remove(Key{EntityID: entityID, Type: notificationType}) {
		entriesGauge.Set(float64(g.records.Len()))
	}
}

// Clear forgets every key.
func (g *Gate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records.Purge()
	entriesGauge.Set(0)
}

func (g *Gate) Len() int {
	return g.records.Len()
}

// Sweep drops records older than the retention window and returns how many went.
func (g *Gate) Sweep() int {
	cutoff := g.clock().Add(-g.retention)

	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for {
		key, recorded, ok := g.records.GetOldest()
		if !ok || !recorded.Before(cutoff) {
			break
		}
		g.records.Remove(key)
		removed++
	}
	if removed > 0 {
		evictionsTotal.WithLabelValues(reasonExpired).Add(float64(removed))
	}
	entriesGauge.Set(float64(g.records.Len()))
	return removed
}

// Run sweeps on SweepInterval until ctx is done.
func (g *Gate) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if removed := g.Sweep(); removed > 0 {
				g.logger.Debug("throttle records swept", zap.Int("removed", removed))
			}
		}
	}
}
