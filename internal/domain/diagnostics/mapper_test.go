package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/scanlytics/scanlytics/internal/platform/gateway/gatewaytest"
	"github.com/scanlytics/scanlytics/internal/platform/store"
	"github.com/scanlytics/scanlytics/internal/platform/syncer"
	"github.com/scanlytics/scanlytics/internal/platform/wire"
)

func decodeReport(t *testing.T, s string) RawReport {
	t.Helper()
	var raw RawReport
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return raw
}

func TestMapReport(t *testing.T) {
	raw := decodeReport(t, `{
		"id": {"String":"r1"},
		"report_text": "No acute findings.",
		"body_part": "chest",
		"condition": "normal",
		"patient": {"id": {"String":"p1"}, "name": "Jane"},
		"user_owner": {"id": {"String":"u1"}, "name": "Dr. Grey"},
		"files": ["scan-1.png"],
		"created_at": "2024-03-01T08:00:00Z",
		"updated_at": "2024-03-01T09:00:00Z"
	}`)
	r, err := MapReport(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.ID != "r1" || r.Patient.ID != "p1" || r.UserOwner.ID != "u1" {
		t.Errorf("ids not normalized: %+v", r)
	}
	if r.ReportText != "No acute findings." || r.BodyPart != "chest" || r.Condition != "normal" {
		t.Errorf("scalars not passed through: %+v", r)
	}
	if len(r.Files) != 1 || r.Files[0] != "scan-1.png" {
		t.Errorf("unexpected files %v", r.Files)
	}
}

func TestMapReport_BodyTypeFallback(t *testing.T) {
	raw := decodeReport(t, `{"id":"r2","body_type":"knee","patient":{"id":"p1"},"created_at":"2024-03-01T08:00:00Z"}`)
	r, err := MapReport(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.BodyPart != "knee" {
		t.Errorf("expected knee, got %q", r.BodyPart)
	}
	if r.UserOwner != (wire.Ref{}) {
		t.Errorf("expected empty owner, got %+v", r.UserOwner)
	}
}

func TestMapReport_RequiresPatient(t *testing.T) {
	_, err := MapReport(decodeReport(t, `{"id":"r3","created_at":"2024-03-01T08:00:00Z"}`))
	if !errors.Is(err, wire.ErrMappingFailure) {
		t.Fatalf("expected ErrMappingFailure, got %v", err)
	}
}

func TestReportPipeline_StableOrderForEqualTimestamps(t *testing.T) {
	fake := gatewaytest.New()
	fake.Respond(CommandGetReports, json.RawMessage(`[
		{"id":"r1","patient":{"id":"p1"},"created_at":"2024-03-01T08:00:00Z"},
		{"id":"r2","patient":{"id":"p1"},"created_at":"2024-03-02T08:00:00Z"},
		{"id":"r3","patient":{"id":"p1"},"created_at":"2024-03-01T08:00:00Z"}
	]`))
	st := store.New[Report]()
	syncer.New(ReportSource, fake, st, syncer.Options{Logger: zerolog.Nop()}).Fetch(context.Background())

	got := st.Get()
	if len(got) != 3 || got[0].ID != "r2" || got[1].ID != "r1" || got[2].ID != "r3" {
		t.Errorf("expected [r2 r1 r3], got %+v", got)
	}
}
