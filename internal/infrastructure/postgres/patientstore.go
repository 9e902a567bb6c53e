// Package postgres provides PostgreSQL infrastructure components.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/altamedica/patient-export/internal/export"
)

// ErrPatientNotFound indicates the patient row does not exist.
var ErrPatientNotFound = errors.New("patient not found")

// PatientStore reads patient demographics and per-category medical records.
// It is the sole boundary between the export pipeline and the clinical
// database; the pipeline treats everything behind it as opaque.
type PatientStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPatientStore creates a new patient store.
func NewPatientStore(pool *pgxpool.Pool, logger *zap.Logger) *PatientStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PatientStore{pool: pool, logger: logger}
}

// PatientInfo loads the demographic snapshot for a patient.
func (s *PatientStore) PatientInfo(ctx context.Context, patientID string) (*export.PatientInfo, error) {
	query := `
		SELECT id, first_name, last_name, date_of_birth, gender, email, phone, address
		FROM patients
		WHERE id = $1
	`

	info := &export.PatientInfo{}
	err := s.pool.QueryRow(ctx, query, patientID).Scan(
		&info.ID, &info.FirstName, &info.LastName, &info.DateOfBirth,
		&info.Gender, &info.ContactInfo.Email, &info.ContactInfo.Phone,
		&info.ContactInfo.Address,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, fmt.Errorf("load patient %s: %w", patientID, err)
	}

	return info, nil
}

// MedicalRecords returns medical history entries for a patient, newest first.
func (s *PatientStore) MedicalRecords(ctx context.Context, patientID string, dr *export.DateRange) ([]export.MedicalRecord, error) {
	query := `
		SELECT id, patient_id, record_date, record_type, description,
		       COALESCE(diagnosis, ''), COALESCE(treatment, ''),
		       COALESCE(provider_id, ''), COALESCE(provider_name, ''), COALESCE(status, '')
		FROM medical_records
		WHERE patient_id = $1
	` + dateRangeClause("record_date", dr) + `
		ORDER BY record_date DESC
	`

	rows, err := s.pool.Query(ctx, query, rangeArgs(patientID, dr)...)
	if err != nil {
		return nil, fmt.Errorf("query medical records: %w", err)
	}
	defer rows.Close()

	var records []export.MedicalRecord
	for rows.Next() {
		var r export.MedicalRecord
		err := rows.Scan(
			&r.ID, &r.PatientID, &r.Date, &r.Type, &r.Description,
			&r.Diagnosis, &r.Treatment, &r.ProviderID, &r.ProviderName, &r.Status,
		)
		if err != nil {
			return nil, fmt.Errorf("scan medical record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// LabResults returns lab results for a patient, newest first.
func (s *PatientStore) LabResults(ctx context.Context, patientID string, dr *export.DateRange) ([]export.LabResult, error) {
	query := `
		SELECT id, patient_id, result_date, test_name, value,
		       COALESCE(unit, ''), COALESCE(reference_range, ''),
		       COALESCE(flag, ''), COALESCE(status, '')
		FROM lab_results
		WHERE patient_id = $1
	` + dateRangeClause("result_date", dr) + `
		ORDER BY result_date DESC
	`

	rows, err := s.pool.Query(ctx, query, rangeArgs(patientID, dr)...)
	if err != nil {
		return nil, fmt.Errorf("query lab results: %w", err)
	}
	defer rows.Close()

	var results []export.LabResult
	for rows.Next() {
		var r export.LabResult
		err := rows.Scan(
			&r.ID, &r.PatientID, &r.ResultDate, &r.TestName, &r.Value,
			&r.Unit, &r.ReferenceRange, &r.Flag, &r.Status,
		)
		if err != nil {
			return nil, fmt.Errorf("scan lab result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Appointments returns appointments for a patient, newest first.
func (s *PatientStore) Appointments(ctx context.Context, patientID string, dr *export.DateRange) ([]export.Appointment, error) {
	query := `
		SELECT id, patient_id, appointment_date, appointment_type, status,
		       COALESCE(provider_id, ''), COALESCE(provider_name, ''),
		       COALESCE(reason, ''), COALESCE(notes, '')
		FROM appointments
		WHERE patient_id = $1
	` + dateRangeClause("appointment_date", dr) + `
		ORDER BY appointment_date DESC
	`

	rows, err := s.pool.Query(ctx, query, rangeArgs(patientID, dr)...)
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	defer rows.Close()

	var appts []export.Appointment
	for rows.Next() {
		var a export.Appointment
		err := rows.Scan(
			&a.ID, &a.PatientID, &a.AppointmentDate, &a.Type, &a.Status,
			&a.ProviderID, &a.ProviderName, &a.Reason, &a.Notes,
		)
		if err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		appts = append(appts, a)
	}
	return appts, rows.Err()
}

// VitalSigns returns vitals measurements for a patient, newest first.
func (s *PatientStore) VitalSigns(ctx context.Context, patientID string, dr *export.DateRange) ([]export.VitalSign, error) {
	query := `
		SELECT id, patient_id, recorded_at, COALESCE(blood_pressure, ''),
		       COALESCE(heart_rate, 0), COALESCE(temperature, 0),
		       COALESCE(weight, 0), COALESCE(height, 0), COALESCE(oxygen_saturation, 0)
		FROM vital_signs
		WHERE patient_id = $1
	` + dateRangeClause("recorded_at", dr) + `
		ORDER BY recorded_at DESC
	`

	rows, err := s.pool.Query(ctx, query, rangeArgs(patientID, dr)...)
	if err != nil {
		return nil, fmt.Errorf("query vital signs: %w", err)
	}
	defer rows.Close()

	var vitals []export.VitalSign
	for rows.Next() {
		var v export.VitalSign
		err := rows.Scan(
			&v.ID, &v.PatientID, &v.RecordedAt, &v.BloodPressure,
			&v.HeartRate, &v.Temperature, &v.Weight, &v.Height, &v.OxygenSat,
		)
		if err != nil {
			return nil, fmt.Errorf("scan vital sign: %w", err)
		}
		vitals = append(vitals, v)
	}
	return vitals, rows.Err()
}

// dateRangeClause appends the date filter when a range is present.
// Positional parameters $2/$3 line up with rangeArgs.
func dateRangeClause(column string, dr *export.DateRange) string {
	if dr == nil {
		return ""
	}
	return fmt.Sprintf(" AND %s >= $2 AND %s <= $3\n", column, column)
}

func rangeArgs(patientID string, dr *export.DateRange) []interface{} {
	if dr == nil {
		return []interface{}{patientID}
	}
	return []interface{}{patientID, dr.From, dr.To}
}
