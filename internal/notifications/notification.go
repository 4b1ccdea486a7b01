// Package notifications keeps the in-app notification log and schedules delivery of
// each entry to the configured local channels.
package notifications

import (
	"errors"
	"time"
)

// Type categorises a notification.
type Type string

const (
	TypeLate           Type = "late"
	TypeNearEnd        Type = "nearEnd"
	TypeCanceled       Type = "canceled"
	TypeRestored       Type = "restored"
	TypeWaitingList    Type = "waitingList"
	TypeSync           Type = "sync"
	TypeWebReservation Type = "webReservation"
)

var (
	ErrMissingTitle = errors.New("notifications: title is required")
	ErrUnknownType  = errors.New("notifications: unknown type")
	ErrNotFound     = errors.New("notifications: notification not found")
)

// ParseType validates a wire value.
func ParseType(value string) (Type, error) {
	switch Type(value) {
	case TypeLate, TypeNearEnd, TypeCanceled, TypeRestored, TypeWaitingList, TypeSync, TypeWebReservation:
		return Type(value), nil
	}
	return "", ErrUnknownType
}

// Notification is one entry of the in-app log.
type Notification struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	Type          Type      `json:"type"`
	ReservationID string    `json:"reservationId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Request is what a Deliverer receives once the trigger delay has elapsed.
type Request struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	Body          string        `json:"body"`
	Type          Type          `json:"type"`
	ReservationID string        `json:"reservationId,omitempty"`
	ScheduledAt   time.Time     `json:"scheduledAt"`
	Delay         time.Duration `json:"-"`
}
