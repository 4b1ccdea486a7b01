package reservations

import (
	"encoding/base64"
	"fmt"

	"github.com/MarcoPoloResearchLab/koenji/internal/documents"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type tableDocument struct {
	ID                             *int    `document:"id" validate:"required"`
	Name                           *string `document:"name" validate:"required"`
	MaxCapacity                    *int    `document:"maxCapacity" validate:"required,gte=0"`
	Row                            *int    `document:"row" validate:"required"`
	Column                         *int    `document:"column" validate:"required"`
	AdjacentCount                  *int    `document:"adjacentCount" validate:"omitempty,gte=0"`
	ActiveReservationAdjacentCount *int    `document:"activeReservationAdjacentCount" validate:"omitempty,gte=0"`
	IsVisible                      *bool   `document:"isVisible"`
}

type reservationDocument struct {
	ID                *string  `document:"id" validate:"required"`
	Name              *string  `document:"name" validate:"required"`
	Phone             *string  `document:"phone" validate:"required"`
	NumberOfPersons   *int     `document:"numberOfPersons" validate:"required,gte=0"`
	DateString        *string  `document:"dateString" validate:"required,datetime=2006-01-02"`
	Category          *string  `document:"category" validate:"required,oneof=lunch dinner noBookingZone"`
	StartTime         *string  `document:"startTime" validate:"required,datetime=15:04"`
	EndTime           *string  `document:"endTime" validate:"required,datetime=15:04"`
	Acceptance        *string  `document:"acceptance" validate:"required,oneof=confirmed toConfirm na"`
	Status            *string  `document:"status" validate:"required,oneof=noShow showedUp canceled pending late toHandle deleted na"`
	ReservationType   *string  `document:"reservationType" validate:"required,oneof=walkIn inAdvance waitingList na"`
	Group             *bool    `document:"group" validate:"required"`
	Notes             *string  `document:"notes"`
	Tables            any      `document:"tables"`
	CreationDate      *float64 `document:"creationDate" validate:"required"`
	LastEditedOn      *float64 `document:"lastEditedOn" validate:"required"`
	IsMock            *bool    `document:"isMock" validate:"required"`
	AssignedEmoji     *string  `document:"assignedEmoji"`
	ImageData         any      `document:"imageData"`
	PreferredLanguage *string  `document:"preferredLanguage"`
}

// Decoder returns a decode function that logs what it drops. A malformed table
// entry is skipped and an unreadable imageData is treated as absent; any missing or
// malformed top-level required field still rejects the document.
func Decoder(logger *zap.Logger) func(documents.Document) (Reservation, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(doc documents.Document) (Reservation, error) {
		return decode(doc, logger)
	}
}

// Decode is Decoder without logging.
func Decode(doc documents.Document) (Reservation, error) {
	return decode(doc, zap.NewNop())
}

func decode(doc documents.Document, logger *zap.Logger) (Reservation, error) {
	var wire reservationDocument
	if err := documents.Decode(doc, &wire); err != nil {
		return Reservation{}, err
	}

	id, err := uuid.Parse(*wire.ID)
	if err != nil {
		return Reservation{}, documents.InvalidField("id", err)
	}

	imageData, err := decodeImageData(wire.ImageData)
	if err != nil {
		logger.Warn("ignoring unreadable image data",
			zap.String("reservation_id", *wire.ID),
			zap.Error(err))
		imageData = nil
	}

	tables := decodeTables(wire.Tables, *wire.ID, logger)

	reservation := Reservation{
		ID:                id,
		Name:              *wire.Name,
		Phone:             *wire.Phone,
		NumberOfPersons:   *wire.NumberOfPersons,
		DateString:        *wire.DateString,
		Category:          Category(*wire.Category),
		StartTime:         *wire.StartTime,
		EndTime:           *wire.EndTime,
		Acceptance:        Acceptance(*wire.Acceptance),
		Status:            Status(*wire.Status),
		ReservationType:   Type(*wire.ReservationType),
		Group:             *wire.Group,
		Tables:            tables,
		CreationDate:      documents.TimeFromSeconds(*wire.CreationDate),
		LastEditedOn:      documents.TimeFromSeconds(*wire.LastEditedOn),
		IsMock:            *wire.IsMock,
		ImageData:         imageData,
		PreferredLanguage: defaultPreferredLanguage,
	}
	if wire.Notes != nil {
		reservation.Notes = *wire.Notes
	}
	if wire.AssignedEmoji != nil {
		reservation.AssignedEmoji = *wire.AssignedEmoji
	}
	if wire.PreferredLanguage != nil && *wire.PreferredLanguage != "" {
		reservation.PreferredLanguage = *wire.PreferredLanguage
	}
	return reservation, nil
}

func decodeTables(value any, reservationID string, logger *zap.Logger) []Table {
	var entries []any
	switch typed := value.(type) {
	case nil:
		return []Table{}
	case []any:
		entries = typed
	case []map[string]any:
		for _, entry := range typed {
			entries = append(entries, entry)
		}
	default:
		logger.Warn("ignoring tables that are not a list",
			zap.String("reservation_id", reservationID),
			zap.String("type", fmt.Sprintf("%T", value)))
		return []Table{}
	}

	tables := make([]Table, 0, len(entries))
	for index, entry := range entries {
		table, err := decodeTable(entry)
		if err != nil {
			logger.Warn("skipping malformed table",
				zap.String("reservation_id", reservationID),
				zap.Int("index", index),
				zap.Error(err))
			continue
		}
		tables = append(tables, table)
	}
	return tables
}

func decodeTable(entry any) (Table, error) {
	var fields documents.Document
	switch typed := entry.(type) {
	case map[string]any:
		fields = typed
	case documents.Document:
		fields = typed
	default:
		return Table{}, documents.InvalidField("", fmt.Errorf("unsupported table type %T", entry))
	}
	var wire tableDocument
	if err := documents.Decode(fields, &wire); err != nil {
		return Table{}, err
	}
	table := Table{
		ID:          *wire.ID,
		Name:        *wire.Name,
		MaxCapacity: *wire.MaxCapacity,
		Row:         *wire.Row,
		Column:      *wire.Column,
		IsVisible:   true,
	}
	if wire.AdjacentCount != nil {
		table.AdjacentCount = *wire.AdjacentCount
	}
	if wire.ActiveReservationAdjacentCount != nil {
		table.ActiveReservationAdjacentCount = *wire.ActiveReservationAdjacentCount
	}
	if wire.IsVisible != nil {
		table.IsVisible = *wire.IsVisible
	}
	return table, nil
}

func decodeImageData(value any) ([]byte, error) {
	switch typed := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return append([]byte(nil), typed...), nil
	case string:
		if typed == "" {
			return nil, nil
		}
		decoded, err := base64.StdEncoding.DecodeString(typed)
		if err != nil {
			return nil, err
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", value)
	}
}
