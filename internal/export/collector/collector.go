// Package collector retrieves per-category medical data for export.
// One collector exists per implemented data category; the Factory creates,
// caches and orchestrates them.
package collector

import (
	"context"
	"strings"

	"github.com/altamedica/patient-export/internal/export"
)

// Store is the boundary to the clinical database. Implemented by
// postgres.PatientStore; collectors never touch the database directly.
type Store interface {
	PatientInfo(ctx context.Context, patientID string) (*export.PatientInfo, error)
	MedicalRecords(ctx context.Context, patientID string, dr *export.DateRange) ([]export.MedicalRecord, error)
	LabResults(ctx context.Context, patientID string, dr *export.DateRange) ([]export.LabResult, error)
	Appointments(ctx context.Context, patientID string, dr *export.DateRange) ([]export.Appointment, error)
	VitalSigns(ctx context.Context, patientID string, dr *export.DateRange) ([]export.VitalSign, error)
}

// Collector retrieves, validates and sanitizes records for one category.
type Collector interface {
	Category() export.DataCategory
	Collect(ctx context.Context, patientID string, dr *export.DateRange) ([]export.Record, error)
	Validate(records []export.Record) error
	Sanitize(records []export.Record) []export.Record
}

// protectedPlaceholder replaces direct document and image URLs so exported
// artifacts never leak pre-signed storage links.
const protectedPlaceholder = "[protected]"

// sanitizeRecords scrubs fields that must never leave the platform raw:
// storage URLs are replaced with a placeholder, payment instrument fields
// are dropped entirely.
func sanitizeRecords(records []export.Record) []export.Record {
	out := make([]export.Record, 0, len(records))
	for _, r := range records {
		clean := make(export.Record, len(r))
		for k, v := range r {
			key := strings.ToLower(k)
			switch {
			case strings.HasSuffix(key, "_url") || key == "url":
				clean[k] = protectedPlaceholder
			case strings.Contains(key, "card_number") || strings.Contains(key, "payment_method") || strings.Contains(key, "billing_account"):
				// dropped
			default:
				clean[k] = v
			}
		}
		out = append(out, clean)
	}
	return out
}

// nonEmptyString reports whether record field k is a non-empty string.
func nonEmptyString(r export.Record, k string) bool {
	s, ok := r[k].(string)
	return ok && s != ""
}
