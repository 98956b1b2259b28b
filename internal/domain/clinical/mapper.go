package clinical

import (
	"time"

	"github.com/scanlytics/scanlytics/internal/platform/syncer"
	"github.com/scanlytics/scanlytics/internal/platform/wire"
)

const entityNote = "clinical_note"

// MapNote converts a raw clinical note into its canonical form.
func MapNote(raw RawNote) (Note, error) {
	id, err := wire.ID(entityNote, "id", raw.ID)
	if err != nil {
		return Note{}, err
	}

	patientRef := raw.Patient
	if patientRef == nil && len(raw.PatientID) > 0 {
		patientRef = &wire.RawRef{ID: raw.PatientID, Name: raw.PatientName}
	}
	patient, err := wire.MapRef(entityNote, "patient", patientRef)
	if err != nil {
		return Note{}, err
	}

	ownerRef := raw.UserOwner
	if ownerRef == nil && len(raw.AttendingDoctor) > 0 {
		ownerRef = &wire.RawRef{ID: raw.AttendingDoctor}
	}
	owner, err := wire.MapOptionalRef(entityNote, "user_owner", ownerRef)
	if err != nil {
		return Note{}, err
	}

	if raw.Severity == "" {
		return Note{}, wire.Missing(entityNote, "severity")
	}
	severity, err := ParseSeverity(raw.Severity)
	if err != nil {
		return Note{}, wire.Invalid(entityNote, "severity", err)
	}

	created, err := wire.Time(entityNote, "created_at", raw.CreatedAt)
	if err != nil {
		return Note{}, err
	}
	updated, err := wire.OptionalTime(entityNote, "updated_at", raw.UpdatedAt)
	if err != nil {
		return Note{}, err
	}

	return Note{
		ID:         id,
		Patient:    patient,
		Symptoms:   raw.Symptoms,
		Diagnosis:  raw.Diagnosis,
		Treatment:  raw.Treatment,
		Severity:   severity,
		IsUrgent:   raw.IsUrgent,
		Department: raw.Department,
		UserOwner:  owner,
		CreatedAt:  created,
		UpdatedAt:  updated,
	}, nil
}

// NoteSource wires clinical notes into a fetch pipeline.
var NoteSource = syncer.Source[RawNote, Note]{
	Entity:    entityNote,
	Command:   CommandGetNotes,
	Map:       MapNote,
	CreatedAt: func(n Note) time.Time { return n.CreatedAt },
}

// Urgent returns the urgent notes of notes, preserving order.
func Urgent(notes []Note) []Note {
	var out []Note
	for _, n := range notes {
		if n.IsUrgent {
			out = append(out, n)
		}
	}
	return out
}

// ForPatient returns the notes referencing patientID, preserving order.
func ForPatient(notes []Note, patientID string) []Note {
	var out []Note
	for _, n := range notes {
		if n.Patient.ID == patientID {
			out = append(out, n)
		}
	}
	return out
}
