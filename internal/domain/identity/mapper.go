package identity

import (
	"time"

	"github.com/scanlytics/scanlytics/internal/platform/syncer"
	"github.com/scanlytics/scanlytics/internal/platform/wire"
)

const (
	entityPatient = "patient"
	entityUser    = "user"
)

// MapPatient converts a raw patient into its canonical form.
func MapPatient(raw RawPatient) (Patient, error) {
	id, err := wire.ID(entityPatient, "id", raw.ID)
	if err != nil {
		return Patient{}, err
	}
	if err := wire.Required(entityPatient, "name", raw.Name); err != nil {
		return Patient{}, err
	}
	doctor, err := wire.OptionalID(entityPatient, "primary_doctor", raw.PrimaryDoctor)
	if err != nil {
		return Patient{}, err
	}
	notes, err := wire.IDs(entityPatient, "notes", raw.Notes)
	if err != nil {
		return Patient{}, err
	}
	reports, err := wire.IDs(entityPatient, "reports", raw.Reports)
	if err != nil {
		return Patient{}, err
	}
	images, err := wire.IDs(entityPatient, "images", raw.Images)
	if err != nil {
		return Patient{}, err
	}
	created, err := wire.Time(entityPatient, "created_at", raw.CreatedAt)
	if err != nil {
		return Patient{}, err
	}
	updated, err := wire.OptionalTime(entityPatient, "updated_at", raw.UpdatedAt)
	if err != nil {
		return Patient{}, err
	}

	return Patient{
		ID:            id,
		Name:          raw.Name,
		DateOfBirth:   raw.DateOfBirth,
		Gender:        raw.Gender,
		ContactNumber: raw.ContactNumber,
		Address:       raw.Address,
		PrimaryDoctor: doctor,
		Notes:         notes,
		Reports:       reports,
		Images:        images,
		CreatedAt:     created,
		UpdatedAt:     updated,
	}, nil
}

// MapUser converts a raw user into its canonical form.
func MapUser(raw RawUser) (User, error) {
	id, err := wire.ID(entityUser, "id", raw.ID)
	if err != nil {
		return User{}, err
	}
	if err := wire.Required(entityUser, "email", raw.Email); err != nil {
		return User{}, err
	}
	org, err := wire.OptionalID(entityUser, "organization", raw.Organization)
	if err != nil {
		return User{}, err
	}

	patients, err := wire.IDs(entityUser, "patients", raw.Patients)
	if err != nil {
		return User{}, err
	}
	notes, err := wire.IDs(entityUser, "patient_notes", raw.PatientNotes)
	if err != nil {
		return User{}, err
	}
	reports, err := wire.IDs(entityUser, "reports", raw.Reports)
	if err != nil {
		return User{}, err
	}
	images, err := wire.IDs(entityUser, "images", raw.Images)
	if err != nil {
		return User{}, err
	}
	statements, err := wire.IDs(entityUser, "statements", raw.Statements)
	if err != nil {
		return User{}, err
	}
	created, err := wire.Time(entityUser, "created_at", raw.CreatedAt)
	if err != nil {
		return User{}, err
	}
	updated, err := wire.OptionalTime(entityUser, "updated_at", raw.UpdatedAt)
	if err != nil {
		return User{}, err
	}

	return User{
		ID:             id,
		Name:           raw.Name,
		Email:          raw.Email,
		Role:           raw.Role,
		Specialization: raw.Specialization,
		Organization:   org,
		Patients:       patients,
		PatientNotes:   notes,
		Reports:        reports,
		Images:         images,
		Statements:     statements,
		CreatedAt:      created,
		UpdatedAt:      updated,
	}, nil
}

// PatientSource wires patients into a fetch pipeline.
var PatientSource = syncer.Source[RawPatient, Patient]{
	Entity:    entityPatient,
	Command:   CommandGetPatients,
	Map:       MapPatient,
	CreatedAt: func(p Patient) time.Time { return p.CreatedAt },
}

// UserSource wires users into a fetch pipeline.
var UserSource = syncer.Source[RawUser, User]{
	Entity:    entityUser,
	Command:   CommandGetUsers,
	Map:       MapUser,
	CreatedAt: func(u User) time.Time { return u.CreatedAt },
}
