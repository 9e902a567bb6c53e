// Package export defines the patient data export data model.
// A PatientDataPackage is the unit of work: assembled fresh per export
// request, never mutated once generation begins, discarded afterwards.
package export

import (
	"time"
)

// Format identifies an export output format.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatPDF  Format = "pdf"
	FormatZIP  Format = "zip"
	FormatFHIR Format = "fhir"
)

// AllFormats lists every format the registry knows about, implemented or not.
func AllFormats() []Format {
	return []Format{FormatJSON, FormatCSV, FormatPDF, FormatZIP, FormatFHIR}
}

// DataCategory identifies one kind of medical data.
type DataCategory string

const (
	CategoryMedicalRecords DataCategory = "medical_records"
	CategoryLabResults     DataCategory = "lab_results"
	CategoryPrescriptions  DataCategory = "prescriptions"
	CategoryAppointments   DataCategory = "appointments"
	CategoryVitalSigns     DataCategory = "vital_signs"
	CategoryImmunizations  DataCategory = "immunizations"
	CategoryAllergies      DataCategory = "allergies"
	CategoryProcedures     DataCategory = "procedures"
	CategoryDiagnoses      DataCategory = "diagnoses"
	CategoryClinicalNotes  DataCategory = "clinical_notes"
	CategoryImaging        DataCategory = "imaging"
	CategoryDocuments      DataCategory = "documents"
	CategoryBilling        DataCategory = "billing"
	CategoryConsents       DataCategory = "consents"
	CategoryAuditLogs      DataCategory = "audit_logs"
)

// AllCategories lists the closed category enumeration.
func AllCategories() []DataCategory {
	return []DataCategory{
		CategoryMedicalRecords, CategoryLabResults, CategoryPrescriptions,
		CategoryAppointments, CategoryVitalSigns, CategoryImmunizations,
		CategoryAllergies, CategoryProcedures, CategoryDiagnoses,
		CategoryClinicalNotes, CategoryImaging, CategoryDocuments,
		CategoryBilling, CategoryConsents, CategoryAuditLogs,
	}
}

// IsKnownCategory reports whether c is part of the closed enumeration.
func IsKnownCategory(c DataCategory) bool {
	for _, known := range AllCategories() {
		if c == known {
			return true
		}
	}
	return false
}

// Record is the opaque record form that flows through the pipeline.
// Implemented categories produce records from typed structs at the collector
// boundary; categories without a concrete schema stay opaque end to end.
type Record map[string]interface{}

// DateRange filters collected records to a time window.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// PatientInfo is an immutable demographic snapshot taken at export time.
type PatientInfo struct {
	ID                string        `json:"id"`
	FirstName         string        `json:"first_name"`
	LastName          string        `json:"last_name"`
	DateOfBirth       time.Time     `json:"date_of_birth"`
	Gender            string        `json:"gender"`
	ContactInfo       ContactInfo   `json:"contact_info"`
	EmergencyContacts []Record      `json:"emergency_contacts,omitempty"`
	Insurance         []Record      `json:"insurance,omitempty"`
}

// ContactInfo holds patient contact details.
type ContactInfo struct {
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

// MedicalData maps each collected category to its ordered records.
// Absent and empty entries are both legal.
type MedicalData map[DataCategory][]Record

// RecordCount returns the total number of records across all categories.
func (m MedicalData) RecordCount() int {
	total := 0
	for _, records := range m {
		total += len(records)
	}
	return total
}

// Metadata describes one export run.
type Metadata struct {
	ExportDate    time.Time  `json:"export_date"`
	ExportVersion string     `json:"export_version"`
	DateRange     *DateRange `json:"date_range,omitempty"`
	TotalRecords  int        `json:"total_records"`
	Categories    []string   `json:"categories"`
	Format        string     `json:"format"`
	Checksum      string     `json:"checksum"`
	Encrypted     bool       `json:"encrypted"`
}

// Compliance carries the regulatory flags attached to every package.
type Compliance struct {
	HIPAACompliant    bool   `json:"hipaa_compliant"`
	Ley26529Compliant bool   `json:"ley26529_compliant"`
	DataMinimization  bool   `json:"data_minimization"`
	PatientConsent    bool   `json:"patient_consent"`
	AuditLogged       bool   `json:"audit_logged"`
	EncryptionUsed    bool   `json:"encryption_used"`
	RetentionPeriod   string `json:"retention_period"`
}

// PatientDataPackage is the complete in-memory unit of exportable data.
type PatientDataPackage struct {
	ExportID    string      `json:"export_id"`
	PatientInfo PatientInfo `json:"patient_info"`
	MedicalData MedicalData `json:"medical_data"`
	Metadata    Metadata    `json:"metadata"`
	Compliance  Compliance  `json:"compliance"`
}

// MedicalRecord is a medical history entry (implemented category).
type MedicalRecord struct {
	ID           string    `json:"id"`
	PatientID    string    `json:"patient_id"`
	Date         time.Time `json:"date"`
	Type         string    `json:"type"`
	Description  string    `json:"description"`
	Diagnosis    string    `json:"diagnosis,omitempty"`
	Treatment    string    `json:"treatment,omitempty"`
	ProviderID   string    `json:"provider_id,omitempty"`
	ProviderName string    `json:"provider_name,omitempty"`
	Status       string    `json:"status,omitempty"`
}

// LabResult is a laboratory test result (implemented category).
type LabResult struct {
	ID             string    `json:"id"`
	PatientID      string    `json:"patient_id"`
	ResultDate     time.Time `json:"result_date"`
	TestName       string    `json:"test_name"`
	Value          string    `json:"value"`
	Unit           string    `json:"unit,omitempty"`
	ReferenceRange string    `json:"reference_range,omitempty"`
	Flag           string    `json:"flag,omitempty"`
	Status         string    `json:"status,omitempty"`
}

// Appointment is a scheduled or past visit (implemented category).
type Appointment struct {
	ID              string    `json:"id"`
	PatientID       string    `json:"patient_id"`
	AppointmentDate time.Time `json:"appointment_date"`
	Type            string    `json:"type"`
	Status          string    `json:"status"`
	ProviderID      string    `json:"provider_id,omitempty"`
	ProviderName    string    `json:"provider_name,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	Notes           string    `json:"notes,omitempty"`
}

// VitalSign is a single vitals measurement (implemented category).
type VitalSign struct {
	ID            string    `json:"id"`
	PatientID     string    `json:"patient_id"`
	RecordedAt    time.Time `json:"recorded_at"`
	BloodPressure string    `json:"blood_pressure,omitempty"`
	HeartRate     int       `json:"heart_rate,omitempty"`
	Temperature   float64   `json:"temperature,omitempty"`
	Weight        float64   `json:"weight,omitempty"`
	Height        float64   `json:"height,omitempty"`
	OxygenSat     int       `json:"oxygen_saturation,omitempty"`
}
