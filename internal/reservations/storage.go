package reservations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrMissingDatabase = errors.New("reservations: database handle is required")
	ErrCorruptRecord   = errors.New("reservations: cached record is corrupt")
)

// Record is the row persisted in the local durable cache.
type Record struct {
	ReservationID     string  `gorm:"column:reservation_id;primaryKey;size:36"`
	Name              string  `gorm:"column:name;not null"`
	Phone             string  `gorm:"column:phone;not null"`
	NumberOfPersons   int     `gorm:"column:number_of_persons;not null"`
	DateString        string  `gorm:"column:date_string;size:10;index;not null"`
	Category          string  `gorm:"column:category;size:32;not null"`
	StartTime         string  `gorm:"column:start_time;size:5;not null"`
	EndTime           string  `gorm:"column:end_time;size:5;not null"`
	Acceptance        string  `gorm:"column:acceptance;size:32;not null"`
	Status            string  `gorm:"column:status;size:32;not null"`
	ReservationType   string  `gorm:"column:reservation_type;size:32;not null"`
	IsGroup           bool    `gorm:"column:is_group;not null"`
	Notes             string  `gorm:"column:notes"`
	TablesJSON        string  `gorm:"column:tables_json;type:text;not null"`
	CreatedAtMillis   int64   `gorm:"column:creation_date_ms;not null"`
	LastEditedMillis  int64   `gorm:"column:last_edited_on_ms;not null"`
	IsMock            bool    `gorm:"column:is_mock;not null"`
	AssignedEmoji     string  `gorm:"column:assigned_emoji"`
	ImageData         []byte  `gorm:"column:image_data"`
	PreferredLanguage string  `gorm:"column:preferred_language;size:16"`
	ColorHue          float64 `gorm:"column:color_hue"`
}

func (Record) TableName() string {
	return "reservations"
}

// NewRecord flattens a reservation into its cache row.
func NewRecord(reservation Reservation) (Record, error) {
	tables := reservation.Tables
	if tables == nil {
		tables = []Table{}
	}
	tablesJSON, err := json.Marshal(tables)
	if err != nil {
		return Record{}, fmt.Errorf("reservations: encode tables: %w", err)
	}
	return Record{
		ReservationID:     reservation.ID.String(),
		Name:              reservation.Name,
		Phone:             reservation.Phone,
		NumberOfPersons:   reservation.NumberOfPersons,
		DateString:        reservation.DateString,
		Category:          string(reservation.Category),
		StartTime:         reservation.StartTime,
		EndTime:           reservation.EndTime,
		Acceptance:        string(reservation.Acceptance),
		Status:            string(reservation.Status),
		ReservationType:   string(reservation.ReservationType),
		IsGroup:           reservation.Group,
		Notes:             reservation.Notes,
		TablesJSON:        string(tablesJSON),
		CreatedAtMillis:   reservation.CreationDate.UnixMilli(),
		LastEditedMillis:  reservation.LastEditedOn.UnixMilli(),
		IsMock:            reservation.IsMock,
		AssignedEmoji:     reservation.AssignedEmoji,
		ImageData:         reservation.ImageData,
		PreferredLanguage: reservation.PreferredLanguage,
		ColorHue:          reservation.ColorHue(),
	}, nil
}

// Reservation rebuilds the entity from its cache row.
func (r Record) Reservation() (Reservation, error) {
	id, err := uuid.Parse(r.ReservationID)
	if err != nil {
		return Reservation{}, fmt.Errorf("%w: id: %v", ErrCorruptRecord, err)
	}
	tables := []Table{}
	if r.TablesJSON != "" {
		if err := json.Unmarshal([]byte(r.TablesJSON), &tables); err != nil {
			return Reservation{}, fmt.Errorf("%w: tables: %v", ErrCorruptRecord, err)
		}
	}
	language := r.PreferredLanguage
	if language == "" {
		language = defaultPreferredLanguage
	}
	return Reservation{
		ID:                id,
		Name:              r.Name,
		Phone:             r.Phone,
		NumberOfPersons:   r.NumberOfPersons,
		DateString:        r.DateString,
		Category:          Category(r.Category),
		StartTime:         r.StartTime,
		EndTime:           r.EndTime,
		Acceptance:        Acceptance(r.Acceptance),
		Status:            Status(r.Status),
		ReservationType:   Type(r.ReservationType),
		Group:             r.IsGroup,
		Notes:             r.Notes,
		Tables:            tables,
		CreationDate:      time.UnixMilli(r.CreatedAtMillis).UTC(),
		LastEditedOn:      time.UnixMilli(r.LastEditedMillis).UTC(),
		IsMock:            r.IsMock,
		AssignedEmoji:     r.AssignedEmoji,
		ImageData:         r.ImageData,
		PreferredLanguage: language,
	}, nil
}

// Cache mirrors reservations into SQLite.
type Cache struct {
	db *gorm.DB
}

// NewCache wraps db; the schema is expected to be migrated already.
func NewCache(db *gorm.DB) (*Cache, error) {
	if db == nil {
		return nil, ErrMissingDatabase
	}
	return &Cache{db: db}, nil
}

// Upsert inserts the reservation or overwrites the row with the same identifier.
func (c *Cache) Upsert(ctx context.Context, reservation Reservation) error {
	record, err := NewRecord(reservation)
	if err != nil {
		return err
	}
	return c.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "reservation_id"}},
			UpdateAll: true,
		}).
		Create(&record).Error
}

// Get loads a single cached reservation.
func (c *Cache) Get(ctx context.Context, id uuid.UUID) (Reservation, error) {
	var record Record
	if err := c.db.WithContext(ctx).Where("reservation_id = ?", id.String()).Take(&record).Error; err != nil {
		return Reservation{}, err
	}
	return record.Reservation()
}

// LoadAll returns every cached reservation. Corrupt rows are skipped and reported
// through skipped.
func (c *Cache) LoadAll(ctx context.Context) (loaded []Reservation, skipped int, err error) {
	var records []Record
	if err := c.db.WithContext(ctx).Order("reservation_id").Find(&records).Error; err != nil {
		return nil, 0, err
	}
	loaded = make([]Reservation, 0, len(records))
	for _, record := range records {
		reservation, convErr := record.Reservation()
		if convErr != nil {
			skipped++
			continue
		}
		loaded = append(loaded, reservation)
	}
	return loaded, skipped, nil
}
