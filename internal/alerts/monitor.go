// Package alerts watches the reservation collection and raises throttled
// notifications for guests running late and tables about to free up.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/koenji/internal/notifications"
	"github.com/MarcoPoloResearchLab/koenji/internal/reconcile"
	"github.com/MarcoPoloResearchLab/koenji/internal/reservations"
	"go.uber.org/zap"
)

const (
	LateGrace           = 15 * time.Minute
	LateInterval        = 15 * time.Minute
	NearEndWindowStart  = 25 * time.Minute
	NearEndWindowEnd    = 30 * time.Minute
	NearEndInterval     = 10 * time.Minute
	defaultScanInterval = time.Minute
)

var (
	ErrMissingSource   = errors.New("alerts: reservation source is required")
	ErrMissingGate     = errors.New("alerts: throttle gate is required")
	ErrMissingNotifier = errors.New("alerts: notifier is required")
)

// ReservationSource exposes the installed reservation collection.
type ReservationSource interface {
	Snapshot() *reconcile.Snapshot[reservations.Reservation]
}

// Gate is the throttle consulted before every notification.
type Gate interface {
	CanSend(entityID, notificationType string, minimumInterval time.Duration) bool
}

// Notifier records and schedules a notification.
type Notifier interface {
	Add(title, message string, kind notifications.Type, reservationID string) (notifications.Notification, error)
}

type Config struct {
	Source   ReservationSource
	Gate     Gate
	Notifier Notifier
	Interval time.Duration
	Location *time.Location
	Clock    func() time.Time
	Logger   *zap.Logger
}

type Monitor struct {
	source   ReservationSource
	gate     Gate
	notifier Notifier
	interval time.Duration
	location *time.Location
	clock    func() time.Time
	logger   *zap.Logger
}

func NewMonitor(cfg Config) (*Monitor, error) {
	if cfg.Source == nil {
		return nil, ErrMissingSource
	}
	if cfg.Gate == nil {
		return nil, ErrMissingGate
	}
	if cfg.Notifier == nil {
		return nil, ErrMissingNotifier
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultScanInterval
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		source:   cfg.Source,
		gate:     cfg.Gate,
		notifier: cfg.Notifier,
		interval: interval,
		location: location,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Run scans on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Scan()
		}
	}
}

// Scan evaluates every reservation once and returns the notifications it raised.
func (m *Monitor) Scan() []notifications.Notification {
	now := m.clock().In(m.location)
	today := now.Format(reservations.DateLayout)

	var raised []notifications.Notification
	for _, reservation := range m.source.Snapshot().All() {
		if !reservation.IsActive() || reservation.DateString != today {
			continue
		}
		start, err := reservation.StartsAt(m.location)
		if err != nil {
			m.logger.Debug("skipping reservation with bad schedule", zap.String("reservation_id", reservations.Key(reservation)), zap.Error(err))
			continue
		}
		end, err := reservation.EndsAt(m.location)
		if err != nil {
			continue
		}
		if now.Before(start) || !now.Before(end) {
			continue
		}

		if isLate(reservation, start, now) {
			if notification, ok := m.raise(reservation, notifications.TypeLate, LateInterval,
				"Running late",
				fmt.Sprintf("%s's reservation is %d minutes late.", reservation.Name, int(now.Sub(start).Minutes()))); ok {
				raised = append(raised, notification)
			}
		}
		if remaining := end.Sub(now); remaining > NearEndWindowStart && remaining <= NearEndWindowEnd {
			if notification, ok := m.raise(reservation, notifications.TypeNearEnd, NearEndInterval,
				"Ending soon",
				fmt.Sprintf("%s's reservation ends in %d minutes.", reservation.Name, int(remaining.Minutes()))); ok {
				raised = append(raised, notification)
			}
		}
	}
	return raised
}

func isLate(reservation reservations.Reservation, start, now time.Time) bool {
	return reservation.Status != reservations.StatusShowedUp && now.After(start.Add(LateGrace))
}

func (m *Monitor) raise(reservation reservations.Reservation, kind notifications.Type, interval time.Duration, title, message string) (notifications.Notification, bool) {
	id := reservations.Key(reservation)
	if !m.gate.CanSend(id, string(kind), interval) {
		return notifications.Notification{}, false
	}
	notification, err := m.notifier.Add(title, message, kind, id)
	if err != nil {
		m.logger.Error("failed to add notification", zap.String("reservation_id", id), zap.String("type", string(kind)), zap.Error(err))
		return notifications.Notification{}, false
	}
	return notification, true
}
