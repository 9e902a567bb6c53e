package collector

import (
	"context"
	"fmt"

	"github.com/altamedica/patient-export/internal/export"
)

// medicalRecordsCollector collects medical history entries.
type medicalRecordsCollector struct {
	store Store
}

func (c *medicalRecordsCollector) Category() export.DataCategory {
	return export.CategoryMedicalRecords
}

func (c *medicalRecordsCollector) Collect(ctx context.Context, patientID string, dr *export.DateRange) ([]export.Record, error) {
	rows, err := c.store.MedicalRecords(ctx, patientID, dr)
	if err != nil {
		return nil, fmt.Errorf("collect medical records: %w", err)
	}
	records := make([]export.Record, 0, len(rows))
	for _, r := range rows {
		records = append(records, export.Record{
			"id":            r.ID,
			"patient_id":    r.PatientID,
			"date":          r.Date,
			"type":          r.Type,
			"description":   r.Description,
			"diagnosis":     r.Diagnosis,
			"treatment":     r.Treatment,
			"provider_id":   r.ProviderID,
			"provider_name": r.ProviderName,
			"status":        r.Status,
		})
	}
	return records, nil
}

func (c *medicalRecordsCollector) Validate(records []export.Record) error {
	for i, r := range records {
		if !nonEmptyString(r, "id") {
			return fmt.Errorf("medical record %d: missing id", i)
		}
		if _, ok := r["date"]; !ok {
			return fmt.Errorf("medical record %d: missing date", i)
		}
		if !nonEmptyString(r, "type") {
			return fmt.Errorf("medical record %d: missing type", i)
		}
	}
	return nil
}

func (c *medicalRecordsCollector) Sanitize(records []export.Record) []export.Record {
	return sanitizeRecords(records)
}

// labResultsCollector collects laboratory test results.
type labResultsCollector struct {
	store Store
}

func (c *labResultsCollector) Category() export.DataCategory {
	return export.CategoryLabResults
}

func (c *labResultsCollector) Collect(ctx context.Context, patientID string, dr *export.DateRange) ([]export.Record, error) {
	rows, err := c.store.LabResults(ctx, patientID, dr)
	if err != nil {
		return nil, fmt.Errorf("collect lab results: %w", err)
	}
	records := make([]export.Record, 0, len(rows))
	for _, r := range rows {
		records = append(records, export.Record{
			"id":              r.ID,
			"patient_id":      r.PatientID,
			"result_date":     r.ResultDate,
			"test_name":       r.TestName,
			"value":           r.Value,
			"unit":            r.Unit,
			"reference_range": r.ReferenceRange,
			"flag":            r.Flag,
			"status":          r.Status,
		})
	}
	return records, nil
}

func (c *labResultsCollector) Validate(records []export.Record) error {
	for i, r := range records {
		if !nonEmptyString(r, "id") {
			return fmt.Errorf("lab result %d: missing id", i)
		}
		if !nonEmptyString(r, "test_name") {
			return fmt.Errorf("lab result %d: missing test name", i)
		}
		if _, ok := r["result_date"]; !ok {
			return fmt.Errorf("lab result %d: missing result date", i)
		}
	}
	return nil
}

func (c *labResultsCollector) Sanitize(records []export.Record) []export.Record {
	return sanitizeRecords(records)
}

// appointmentsCollector collects scheduled and past visits.
type appointmentsCollector struct {
	store Store
}

func (c *appointmentsCollector) Category() export.DataCategory {
	return export.CategoryAppointments
}

func (c *appointmentsCollector) Collect(ctx context.Context, patientID string, dr *export.DateRange) ([]export.Record, error) {
	rows, err := c.store.Appointments(ctx, patientID, dr)
	if err != nil {
		return nil, fmt.Errorf("collect appointments: %w", err)
	}
	records := make([]export.Record, 0, len(rows))
	for _, a := range rows {
		records = append(records, export.Record{
			"id":               a.ID,
			"patient_id":       a.PatientID,
			"appointment_date": a.AppointmentDate,
			"type":             a.Type,
			"status":           a.Status,
			"provider_id":      a.ProviderID,
			"provider_name":    a.ProviderName,
			"reason":           a.Reason,
			"notes":            a.Notes,
		})
	}
	return records, nil
}

func (c *appointmentsCollector) Validate(records []export.Record) error {
	for i, r := range records {
		if !nonEmptyString(r, "id") {
			return fmt.Errorf("appointment %d: missing id", i)
		}
		if _, ok := r["appointment_date"]; !ok {
			return fmt.Errorf("appointment %d: missing appointment date", i)
		}
		if !nonEmptyString(r, "status") {
			return fmt.Errorf("appointment %d: missing status", i)
		}
	}
	return nil
}

func (c *appointmentsCollector) Sanitize(records []export.Record) []export.Record {
	return sanitizeRecords(records)
}

// vitalSignsCollector collects vitals measurements.
type vitalSignsCollector struct {
	store Store
}

func (c *vitalSignsCollector) Category() export.DataCategory {
	return export.CategoryVitalSigns
}

func (c *vitalSignsCollector) Collect(ctx context.Context, patientID string, dr *export.DateRange) ([]export.Record, error) {
	rows, err := c.store.VitalSigns(ctx, patientID, dr)
	if err != nil {
		return nil, fmt.Errorf("collect vital signs: %w", err)
	}
	records := make([]export.Record, 0, len(rows))
	for _, v := range rows {
		records = append(records, export.Record{
			"id":                v.ID,
			"patient_id":        v.PatientID,
			"recorded_at":       v.RecordedAt,
			"blood_pressure":    v.BloodPressure,
			"heart_rate":        v.HeartRate,
			"temperature":       v.Temperature,
			"weight":            v.Weight,
			"height":            v.Height,
			"oxygen_saturation": v.OxygenSat,
		})
	}
	return records, nil
}

func (c *vitalSignsCollector) Validate(records []export.Record) error {
	for i, r := range records {
		if !nonEmptyString(r, "id") {
			return fmt.Errorf("vital sign %d: missing id", i)
		}
		if _, ok := r["recorded_at"]; !ok {
			return fmt.Errorf("vital sign %d: missing recorded_at", i)
		}
		if hr, ok := r["heart_rate"].(int); ok && (hr < 0 || hr > 400) {
			return fmt.Errorf("vital sign %d: heart rate %d out of range", i, hr)
		}
	}
	return nil
}

func (c *vitalSignsCollector) Sanitize(records []export.Record) []export.Record {
	return sanitizeRecords(records)
}
