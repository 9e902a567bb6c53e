package request

import (
	"errors"
	"testing"
	"time"

	"github.com/altamedica/patient-export/internal/export"
)

func TestStatusTransitions(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusPending, StatusProcessing},
		{StatusPending, StatusCancelled},
		{StatusPending, StatusFailed},
		{StatusProcessing, StatusCompleted},
		{StatusProcessing, StatusFailed},
		{StatusProcessing, StatusCancelled},
		{StatusCompleted, StatusExpired},
	}
	for _, tc := range legal {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to Status }{
		{StatusCompleted, StatusProcessing},
		{StatusCompleted, StatusCancelled},
		{StatusFailed, StatusCompleted},
		{StatusCancelled, StatusProcessing},
		{StatusExpired, StatusCompleted},
		{StatusPending, StatusCompleted},
	}
	for _, tc := range illegal {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be illegal", tc.from, tc.to)
		}
	}
}

func TestInvalidTransitionError(t *testing.T) {
	err := &InvalidTransitionError{From: StatusCompleted, To: StatusCancelled}
	if err.Error() != "invalid export status transition: completed -> cancelled" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func validRequest() *ExportRequest {
	return &ExportRequest{
		ID:          "exp-1",
		PatientID:   "p-1",
		RequestedBy: "clinician-7",
		Format:      export.FormatJSON,
		Categories:  []export.DataCategory{export.CategoryMedicalRecords},
	}
}

func TestRequestValidate(t *testing.T) {
	if err := validRequest().Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	r := validRequest()
	r.PatientID = ""
	if err := r.Validate(); !errors.Is(err, export.ErrPatientIDRequired) {
		t.Errorf("missing patient ID: got %v", err)
	}

	r = validRequest()
	r.Format = ""
	if err := r.Validate(); !errors.Is(err, export.ErrFormatRequired) {
		t.Errorf("missing format: got %v", err)
	}

	r = validRequest()
	r.Categories = nil
	if err := r.Validate(); err == nil {
		t.Error("empty categories should be rejected")
	}

	r = validRequest()
	r.Categories = []export.DataCategory{"horoscope"}
	var unknown *export.UnknownCategoryError
	if err := r.Validate(); !errors.As(err, &unknown) {
		t.Errorf("unknown category: got %v", err)
	}

	r = validRequest()
	r.DateRange = &export.DateRange{
		From: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := r.Validate(); err == nil {
		t.Error("inverted date range should be rejected")
	}
}
