// Package sessions tracks connected devices and their presence.
package sessions

import (
	"time"

	"github.com/MarcoPoloResearchLab/koenji/internal/documents"
	"go.uber.org/zap"
)

// Session is one device's editing session.
type Session struct {
	ID              string    `json:"id"`
	UUID            string    `json:"uuid"`
	UserName        string    `json:"userName"`
	IsEditing       bool      `json:"isEditing"`
	LastUpdate      time.Time `json:"lastUpdate"`
	IsActive        bool      `json:"isActive"`
	DeviceName      string    `json:"deviceName,omitempty"`
	ProfileImageURL string    `json:"profileImageURL,omitempty"`
}

// Key returns the in-memory identity of a session.
func Key(session Session) string {
	return session.UUID
}

type sessionDocument struct {
	ID              *string  `document:"id" validate:"required"`
	UUID            *string  `document:"uuid" validate:"required"`
	UserName        *string  `document:"userName" validate:"required"`
	IsEditing       *bool    `document:"isEditing" validate:"required"`
	LastUpdate      *float64 `document:"lastUpdate" validate:"required"`
	IsActive        *bool    `document:"isActive" validate:"required"`
	DeviceName      *string  `document:"deviceName"`
	ProfileImageURL *string  `document:"profileImageURL"`
}

// Decoder returns a decode function that logs optional fields it drops. A
// profileImageURL that is not a URL is treated as absent.
func Decoder(logger *zap.Logger) func(documents.Document) (Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(doc documents.Document) (Session, error) {
		return decode(doc, logger)
	}
}

// Decode turns a remote document into a Session without logging.
func Decode(doc documents.Document) (Session, error) {
	return decode(doc, zap.NewNop())
}

func decode(doc documents.Document, logger *zap.Logger) (Session, error) {
	var wire sessionDocument
	if err := documents.Decode(doc, &wire); err != nil {
		return Session{}, err
	}
	session := Session{
		ID:         *wire.ID,
		UUID:       *wire.UUID,
		UserName:   *wire.UserName,
		IsEditing:  *wire.IsEditing,
		LastUpdate: documents.TimeFromSeconds(*wire.LastUpdate),
		IsActive:   *wire.IsActive,
	}
	if wire.DeviceName != nil {
		session.DeviceName = *wire.DeviceName
	}
	if wire.ProfileImageURL != nil && *wire.ProfileImageURL != "" {
		if err := documents.CheckField("profileImageURL", *wire.ProfileImageURL, "url"); err != nil {
			logger.Warn("ignoring invalid profile image url",
				zap.String("session_id", session.ID),
				zap.Error(err))
		} else {
			session.ProfileImageURL = *wire.ProfileImageURL
		}
	}
	return session, nil
}
