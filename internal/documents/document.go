// Package documents decodes loosely typed remote documents into typed wire structs.
package documents

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrMissingField = errors.New("documents: required field missing")
	ErrInvalidField = errors.New("documents: field has invalid value")
	ErrNilDocument  = errors.New("documents: document is nil")
)

// Document is the raw key/value payload delivered by the remote store.
type Document map[string]any

// ID returns the string stored under key, or an empty string when absent.
func (d Document) ID(key string) string {
	value, ok := d[key].(string)
	if !ok {
		return ""
	}
	return value
}

// DecodeError reports why a single document could not be turned into an entity.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("decode document: %v", e.Err)
	}
	return fmt.Sprintf("decode document field %q: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// MissingField builds a DecodeError for an absent required field.
func MissingField(field string) error {
	return &DecodeError{Field: field, Err: ErrMissingField}
}

// InvalidField builds a DecodeError for a present but malformed field.
func InvalidField(field string, cause error) error {
	if cause == nil {
		return &DecodeError{Field: field, Err: ErrInvalidField}
	}
	return &DecodeError{Field: field, Err: fmt.Errorf("%w: %v", ErrInvalidField, cause)}
}

// TimeFromSeconds converts fractional epoch seconds into a UTC time.
func TimeFromSeconds(seconds float64) time.Time {
	whole, fraction := math.Modf(seconds)
	return time.Unix(int64(whole), int64(math.Round(fraction*1e9))).UTC()
}

// SecondsFromTime is the inverse of TimeFromSeconds.
func SecondsFromTime(value time.Time) float64 {
	if value.IsZero() {
		return 0
	}
	return float64(value.UnixNano()) / 1e9
}
