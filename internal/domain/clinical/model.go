package clinical

import (
	"encoding/json"
	"time"

	"github.com/scanlytics/scanlytics/internal/platform/wire"
)

// CommandGetNotes returns every clinical note visible to the session.
const CommandGetNotes = "get_patient_notes"

// Note is the canonical clinical note.
type Note struct {
	ID         string    `json:"id"`
	Patient    wire.Ref  `json:"patient"`
	Symptoms   string    `json:"symptoms"`
	Diagnosis  string    `json:"diagnosis"`
	Treatment  string    `json:"treatment"`
	Severity   Severity  `json:"severity"`
	IsUrgent   bool      `json:"is_urgent"`
	Department string    `json:"department,omitempty"`
	UserOwner  wire.Ref  `json:"user_owner"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RawNote is a note as returned by get_patient_notes. Newer backends nest
// the patient and owner as {id, name}; older ones send flat patient_id,
// patient_name and attending_doctor fields.
type RawNote struct {
	ID         json.RawMessage `json:"id"`
	Patient    *wire.RawRef    `json:"patient"`
	UserOwner  *wire.RawRef    `json:"user_owner"`
	Symptoms   string          `json:"symptoms"`
	Diagnosis  string          `json:"diagnosis"`
	Treatment  string          `json:"treatment"`
	Severity   string          `json:"severity"`
	IsUrgent   bool            `json:"is_urgent"`
	Department string          `json:"department"`
	CreatedAt  string          `json:"created_at"`
	UpdatedAt  string          `json:"updated_at"`

	PatientID       json.RawMessage `json:"patient_id"`
	PatientName     string          `json:"patient_name"`
	AttendingDoctor json.RawMessage `json:"attending_doctor"`
}
