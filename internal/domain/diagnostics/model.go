package diagnostics

import (
	"encoding/json"
	"time"

	"github.com/scanlytics/scanlytics/internal/platform/wire"
)

// CommandGetReports returns every diagnostic report visible to the session.
const CommandGetReports = "get_reports"

// Report is the canonical diagnostic report.
type Report struct {
	ID         string    `json:"id"`
	ReportText string    `json:"report_text"`
	BodyPart   string    `json:"body_part"`
	Condition  string    `json:"condition"`
	Patient    wire.Ref  `json:"patient"`
	UserOwner  wire.Ref  `json:"user_owner"`
	Files      []string  `json:"files"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RawReport is a report as returned by get_reports. Some backend revisions
// call the body part "body_type".
type RawReport struct {
	ID         json.RawMessage `json:"id"`
	ReportText string          `json:"report_text"`
	BodyPart   string          `json:"body_part"`
	BodyType   string          `json:"body_type"`
	Condition  string          `json:"condition"`
	Patient    *wire.RawRef    `json:"patient"`
	UserOwner  *wire.RawRef    `json:"user_owner"`
	Files      []string        `json:"files"`
	CreatedAt  string          `json:"created_at"`
	UpdatedAt  string          `json:"updated_at"`
}
