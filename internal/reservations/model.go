// Package reservations defines the reservation entity, its wire decoding, and its local cache.
package reservations

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"

	defaultPreferredLanguage = "it"
)

var ErrInvalidSchedule = errors.New("reservations: invalid date or time")

// Category is the service slot a reservation belongs to.
type Category string

const (
	CategoryLunch         Category = "lunch"
	CategoryDinner        Category = "dinner"
	CategoryNoBookingZone Category = "noBookingZone"
)

// Acceptance tracks whether the restaurant confirmed the booking.
type Acceptance string

const (
	AcceptanceConfirmed Acceptance = "confirmed"
	AcceptanceToConfirm Acceptance = "toConfirm"
	AcceptanceNA        Acceptance = "na"
)

// Status is the lifecycle state of a reservation.
type Status string

const (
	StatusNoShow   Status = "noShow"
	StatusShowedUp Status = "showedUp"
	StatusCanceled Status = "canceled"
	StatusPending  Status = "pending"
	StatusLate     Status = "late"
	StatusToHandle Status = "toHandle"
	StatusDeleted  Status = "deleted"
	StatusNA       Status = "na"
)

// Type describes how the reservation was made.
type Type string

const (
	TypeWalkIn      Type = "walkIn"
	TypeInAdvance   Type = "inAdvance"
	TypeWaitingList Type = "waitingList"
	TypeNA          Type = "na"
)

// Table is a seat assignment embedded in a reservation.
type Table struct {
	ID                             int    `json:"id"`
	Name                           string `json:"name"`
	MaxCapacity                    int    `json:"maxCapacity"`
	Row                            int    `json:"row"`
	Column                         int    `json:"column"`
	AdjacentCount                  int    `json:"adjacentCount"`
	ActiveReservationAdjacentCount int    `json:"activeReservationAdjacentCount"`
	IsVisible                      bool   `json:"isVisible"`
}

// Reservation is a booking as held in memory and in the local cache.
type Reservation struct {
	ID                uuid.UUID  `json:"id"`
	Name              string     `json:"name"`
	Phone             string     `json:"phone"`
	NumberOfPersons   int        `json:"numberOfPersons"`
	DateString        string     `json:"dateString"`
	Category          Category   `json:"category"`
	StartTime         string     `json:"startTime"`
	EndTime           string     `json:"endTime"`
	Acceptance        Acceptance `json:"acceptance"`
	Status            Status     `json:"status"`
	ReservationType   Type       `json:"reservationType"`
	Group             bool       `json:"group"`
	Notes             string     `json:"notes,omitempty"`
	Tables            []Table    `json:"tables"`
	CreationDate      time.Time  `json:"creationDate"`
	LastEditedOn      time.Time  `json:"lastEditedOn"`
	IsMock            bool       `json:"isMock"`
	AssignedEmoji     string     `json:"assignedEmoji,omitempty"`
	ImageData         []byte     `json:"imageData,omitempty"`
	PreferredLanguage string     `json:"preferredLanguage"`
}

// Key returns the identifier used to de-duplicate and cache reservations.
func Key(reservation Reservation) string {
	return reservation.ID.String()
}

// ColorHue maps the identifier onto a stable hue in [0, 1) using a djb2 hash of the
// upper-case UUID text.
func (r Reservation) ColorHue() float64 {
	var hash int64 = 5381
	for _, b := range []byte(strings.ToUpper(r.ID.String())) {
		hash = (hash << 5) + hash + int64(b)
	}
	remainder := hash % 360
	if remainder < 0 {
		remainder = -remainder
	}
	return float64(remainder) / 360.0
}

// IsActive reports whether the reservation still occupies its tables.
func (r Reservation) IsActive() bool {
	switch r.Status {
	case StatusCanceled, StatusDeleted, StatusToHandle:
		return false
	}
	return r.ReservationType != TypeWaitingList
}

// StartsAt resolves the start of the reservation in loc.
func (r Reservation) StartsAt(loc *time.Location) (time.Time, error) {
	return combine(r.DateString, r.StartTime, loc)
}

// EndsAt resolves the end of the reservation in loc. An end time earlier than the
// start rolls over to the next day.
func (r Reservation) EndsAt(loc *time.Location) (time.Time, error) {
	end, err := combine(r.DateString, r.EndTime, loc)
	if err != nil {
		return time.Time{}, err
	}
	start, err := r.StartsAt(loc)
	if err != nil {
		return time.Time{}, err
	}
	if end.Before(start) {
		end = end.AddDate(0, 0, 1)
	}
	return end, nil
}

func combine(date, clock string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	value, err := time.ParseInLocation(DateLayout+" "+TimeLayout, date+" "+clock, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return value, nil
}
