package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrMissingDatabase = errors.New("sessions: database handle is required")
	ErrMissingDeviceID = errors.New("sessions: device id is required")
	ErrSessionNotFound = errors.New("sessions: session not found")
)

// ServiceError carries a stable operation.reason code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opPresenceNew       = "sessions.presence.new"
	opSetActive         = "sessions.set_active"
	reasonMissingDB     = "missing_database"
	reasonMissingDevice = "missing_device_id"
	reasonNotFound      = "not_found"
	reasonUpdateFailed  = "update_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Record is the cached row, keyed by the session's document id.
type Record struct {
	SessionID       string `gorm:"column:session_id;primaryKey;size:190"`
	UUID            string `gorm:"column:uuid;size:190;index;not null"`
	UserName        string `gorm:"column:user_name;not null"`
	IsEditing       bool   `gorm:"column:is_editing;not null"`
	LastUpdateMilli int64  `gorm:"column:last_update_ms;not null"`
	IsActive        bool   `gorm:"column:is_active;not null"`
	DeviceName      string `gorm:"column:device_name"`
	ProfileImageURL string `gorm:"column:profile_image_url"`
}

func (Record) TableName() string {
	return "sessions"
}

func newRecord(session Session) Record {
	return Record{
		SessionID:       session.ID,
		UUID:            session.UUID,
		UserName:        session.UserName,
		IsEditing:       session.IsEditing,
		LastUpdateMilli: session.LastUpdate.UnixMilli(),
		IsActive:        session.IsActive,
		DeviceName:      session.DeviceName,
		ProfileImageURL: session.ProfileImageURL,
	}
}

func (r Record) session() Session {
	return Session{
		ID:              r.SessionID,
		UUID:            r.UUID,
		UserName:        r.UserName,
		IsEditing:       r.IsEditing,
		LastUpdate:      time.UnixMilli(r.LastUpdateMilli).UTC(),
		IsActive:        r.IsActive,
		DeviceName:      r.DeviceName,
		ProfileImageURL: r.ProfileImageURL,
	}
}

// Cache mirrors sessions into SQLite.
type Cache struct {
	db *gorm.DB
}

func NewCache(db *gorm.DB) (*Cache, error) {
	if db == nil {
		return nil, ErrMissingDatabase
	}
	return &Cache{db: db}, nil
}

// Upsert replaces the row that shares the session's document id.
func (c *Cache) Upsert(ctx context.Context, session Session) error {
	record := newRecord(session)
	return c.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			UpdateAll: true,
		}).
		Create(&record).Error
}

// LoadAll returns every cached session.
func (c *Cache) LoadAll(ctx context.Context) ([]Session, int, error) {
	var records []Record
	if err := c.db.WithContext(ctx).Order("session_id").Find(&records).Error; err != nil {
		return nil, 0, err
	}
	loaded := make([]Session, 0, len(records))
	for _, record := range records {
		loaded = append(loaded, record.session())
	}
	return loaded, 0, nil
}

// Presence copies device connectivity into the cached session row.
type Presence struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

type PresenceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

func NewPresence(cfg PresenceConfig) (*Presence, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opPresenceNew, reasonMissingDB, ErrMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Presence{db: cfg.Database, clock: clock, logger: logger}, nil
}

// SetActive stores the active flag together with the server's current time.
func (p *Presence) SetActive(ctx context.Context, deviceID string, active bool) (Session, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return Session{}, newServiceError(opSetActive, reasonMissingDevice, ErrMissingDeviceID)
	}
	now := p.clock().UTC()
	var updated Record
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Record{}).
			Where("session_id = ?", deviceID).
			Updates(map[string]any{
				"is_active":      active,
				"last_update_ms": now.UnixMilli(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrSessionNotFound
		}
		return tx.Where("session_id = ?", deviceID).Take(&updated).Error
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return Session{}, newServiceError(opSetActive, reasonNotFound, fmt.Errorf("%w: %s", ErrSessionNotFound, deviceID))
		}
		p.logger.Error("presence update failed", zap.String("device_id", deviceID), zap.Error(err))
		return Session{}, newServiceError(opSetActive, reasonUpdateFailed, err)
	}
	p.logger.Debug("presence updated", zap.String("device_id", deviceID), zap.Bool("is_active", active))
	return updated.session(), nil
}
