package diagnostics

import (
	"slices"
	"time"

	"github.com/scanlytics/scanlytics/internal/platform/syncer"
	"github.com/scanlytics/scanlytics/internal/platform/wire"
)

const entityReport = "report"

// MapReport converts a raw report into its canonical form.
func MapReport(raw RawReport) (Report, error) {
	id, err := wire.ID(entityReport, "id", raw.ID)
	if err != nil {
		return Report{}, err
	}
	patient, err := wire.MapRef(entityReport, "patient", raw.Patient)
	if err != nil {
		return Report{}, err
	}
	owner, err := wire.MapOptionalRef(entityReport, "user_owner", raw.UserOwner)
	if err != nil {
		return Report{}, err
	}
	created, err := wire.Time(entityReport, "created_at", raw.CreatedAt)
	if err != nil {
		return Report{}, err
	}
	updated, err := wire.OptionalTime(entityReport, "updated_at", raw.UpdatedAt)
	if err != nil {
		return Report{}, err
	}

	bodyPart := raw.BodyPart
	if bodyPart == "" {
		bodyPart = raw.BodyType
	}

	return Report{
		ID:         id,
		ReportText: raw.ReportText,
		BodyPart:   bodyPart,
		Condition:  raw.Condition,
		Patient:    patient,
		UserOwner:  owner,
		Files:      slices.Clone(raw.Files),
		CreatedAt:  created,
		UpdatedAt:  updated,
	}, nil
}

// ReportSource wires reports into a fetch pipeline.
var ReportSource = syncer.Source[RawReport, Report]{
	Entity:    entityReport,
	Command:   CommandGetReports,
	Map:       MapReport,
	CreatedAt: func(r Report) time.Time { return r.CreatedAt },
}
