// Package wire holds the pieces shared by the entity mappers: the mapping
// error type, denormalized references and timestamp parsing.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/scanlytics/scanlytics/pkg/recordid"
)

// ErrMappingFailure marks a raw record that could not be mapped into its
// canonical form.
var ErrMappingFailure = errors.New("mapping failure")

// MappingError describes which field of which entity failed to map.
type MappingError struct {
	Entity string
	Field  string
	Err    error
}

func (e *MappingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s: %v", e.Entity, e.Field, ErrMappingFailure)
	}
	return fmt.Sprintf("%s: %s: %v", e.Entity, e.Field, e.Err)
}

// Unwrap exposes both the mapping sentinel and the underlying cause so that
// errors.Is matches ErrMappingFailure as well as e.g. recordid.ErrMalformed.
func (e *MappingError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMappingFailure}
	}
	return []error{ErrMappingFailure, e.Err}
}

// Missing reports a required field that is absent or empty.
func Missing(entity, field string) error {
	return &MappingError{Entity: entity, Field: field, Err: errors.New("required field missing")}
}

// Invalid reports a field whose value could not be interpreted.
func Invalid(entity, field string, err error) error {
	return &MappingError{Entity: entity, Field: field, Err: err}
}

// Ref is a denormalized reference to another entity: its canonical id and
// display name.
type Ref struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RawRef is the wire form of a Ref.
type RawRef struct {
	ID   json.RawMessage `json:"id"`
	Name string          `json:"name"`
}

// ID normalizes a required identifier field.
func ID(entity, field string, raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", Missing(entity, field)
	}
	id, err := recordid.Normalize(raw)
	if err != nil {
		return "", Invalid(entity, field, err)
	}
	if id == "" {
		return "", Missing(entity, field)
	}
	return id, nil
}

// OptionalID normalizes an identifier that may be absent.
func OptionalID(entity, field string, raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	id, err := recordid.Normalize(raw)
	if err != nil {
		return "", Invalid(entity, field, err)
	}
	return id, nil
}

// IDs normalizes an optional list of identifiers, keeping nil for an absent
// field.
func IDs(entity, field string, raws []json.RawMessage) ([]string, error) {
	ids, err := recordid.NormalizeList(raws)
	if err != nil {
		return nil, Invalid(entity, field, err)
	}
	return ids, nil
}

// MapRef maps a required reference; its id must be present.
func MapRef(entity, field string, raw *RawRef) (Ref, error) {
	if raw == nil {
		return Ref{}, Missing(entity, field)
	}
	id, err := ID(entity, field+".id", raw.ID)
	if err != nil {
		return Ref{}, err
	}
	return Ref{ID: id, Name: raw.Name}, nil
}

// MapOptionalRef maps a reference that may be absent. An absent reference
// yields the zero Ref.
func MapOptionalRef(entity, field string, raw *RawRef) (Ref, error) {
	if raw == nil {
		return Ref{}, nil
	}
	id, err := OptionalID(entity, field+".id", raw.ID)
	if err != nil {
		return Ref{}, err
	}
	return Ref{ID: id, Name: raw.Name}, nil
}

// Time parses a required RFC 3339 timestamp.
func Time(entity, field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, Missing(entity, field)
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, Invalid(entity, field, err)
	}
	return t, nil
}

// OptionalTime parses a timestamp that may be absent, returning the zero
// time when it is.
func OptionalTime(entity, field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return Time(entity, field, value)
}

// Required rejects an empty required string.
func Required(entity, field, value string) error {
	if value == "" {
		return Missing(entity, field)
	}
	return nil
}
