package identity

import (
	"encoding/json"
	"time"
)

// Commands answered by the backend for this package's entities.
const (
	CommandGetPatients = "get_patients"
	CommandGetUsers    = "get_users"
)

// Patient is the canonical patient record published to the patient store.
type Patient struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	DateOfBirth   string    `json:"date_of_birth"`
	Gender        string    `json:"gender"`
	ContactNumber string    `json:"contact_number"`
	Address       string    `json:"address"`
	PrimaryDoctor string    `json:"primary_doctor,omitempty"`
	Notes         []string  `json:"notes"`
	Reports       []string  `json:"reports"`
	Images        []string  `json:"images"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RawPatient is a patient as returned by get_patients. Identifier fields keep
// their raw encoding until mapped.
type RawPatient struct {
	ID            json.RawMessage   `json:"id"`
	Name          string            `json:"name"`
	DateOfBirth   string            `json:"date_of_birth"`
	Gender        string            `json:"gender"`
	ContactNumber string            `json:"contact_number"`
	Address       string            `json:"address"`
	PrimaryDoctor json.RawMessage   `json:"primary_doctor"`
	Notes         []json.RawMessage `json:"notes"`
	Reports       []json.RawMessage `json:"reports"`
	Images        []json.RawMessage `json:"images"`
	CreatedAt     string            `json:"created_at"`
	UpdatedAt     string            `json:"updated_at"`
}

// User is the canonical clinician/staff account.
type User struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Email          string    `json:"email"`
	Role           string    `json:"role"`
	Specialization string    `json:"specialization,omitempty"`
	Organization   string    `json:"organization,omitempty"`
	Patients       []string  `json:"patients"`
	PatientNotes   []string  `json:"patient_notes"`
	Reports        []string  `json:"reports"`
	Images         []string  `json:"images"`
	Statements     []string  `json:"statements"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RawUser is a user as returned by get_users. The backend also sends the
// password hash, which is deliberately not decoded.
type RawUser struct {
	ID             json.RawMessage   `json:"id"`
	Name           string            `json:"name"`
	Email          string            `json:"email"`
	Role           string            `json:"role"`
	Specialization string            `json:"specialization"`
	Organization   json.RawMessage   `json:"organization"`
	Patients       []json.RawMessage `json:"patients"`
	PatientNotes   []json.RawMessage `json:"patient_notes"`
	Reports        []json.RawMessage `json:"reports"`
	Images         []json.RawMessage `json:"images"`
	Statements     []json.RawMessage `json:"statements"`
	CreatedAt      string            `json:"created_at"`
	UpdatedAt      string            `json:"updated_at"`
}
