// Package strategy implements buffer-producing export serializers for
// synchronous, ad-hoc exports. Unlike generators, strategies filter the
// package by per-category inclusion flags and return bytes instead of
// writing files.
package strategy

import (
	"github.com/altamedica/patient-export/internal/export"
)

// Strategy serializes a filtered package to an in-memory buffer.
type Strategy interface {
	Export(pkg *export.PatientDataPackage, opts Options) ([]byte, error)
	ContentType() string
	FileExtension() string
}

// Options carries one inclusion flag per data category. Patient info,
// metadata and compliance blocks are always included.
type Options struct {
	IncludeMedicalRecords bool `json:"include_medical_records"`
	IncludeLabResults     bool `json:"include_lab_results"`
	IncludePrescriptions  bool `json:"include_prescriptions"`
	IncludeAppointments   bool `json:"include_appointments"`
	IncludeVitalSigns     bool `json:"include_vital_signs"`
	IncludeImmunizations  bool `json:"include_immunizations"`
	IncludeAllergies      bool `json:"include_allergies"`
	IncludeProcedures     bool `json:"include_procedures"`
	IncludeDiagnoses      bool `json:"include_diagnoses"`
	IncludeClinicalNotes  bool `json:"include_clinical_notes"`
	IncludeImaging        bool `json:"include_imaging"`
	IncludeDocuments      bool `json:"include_documents"`
	IncludeBilling        bool `json:"include_billing"`
	IncludeConsents       bool `json:"include_consents"`
	IncludeAuditLogs      bool `json:"include_audit_logs"`
}

// IncludeAll returns options with every category flag set.
func IncludeAll() Options {
	return Options{
		IncludeMedicalRecords: true,
		IncludeLabResults:     true,
		IncludePrescriptions:  true,
		IncludeAppointments:   true,
		IncludeVitalSigns:     true,
		IncludeImmunizations:  true,
		IncludeAllergies:      true,
		IncludeProcedures:     true,
		IncludeDiagnoses:      true,
		IncludeClinicalNotes:  true,
		IncludeImaging:        true,
		IncludeDocuments:      true,
		IncludeBilling:        true,
		IncludeConsents:       true,
		IncludeAuditLogs:      true,
	}
}

// Included reports whether the flag for the given category is set.
func (o Options) Included(cat export.DataCategory) bool {
	switch cat {
	case export.CategoryMedicalRecords:
		return o.IncludeMedicalRecords
	case export.CategoryLabResults:
		return o.IncludeLabResults
	case export.CategoryPrescriptions:
		return o.IncludePrescriptions
	case export.CategoryAppointments:
		return o.IncludeAppointments
	case export.CategoryVitalSigns:
		return o.IncludeVitalSigns
	case export.CategoryImmunizations:
		return o.IncludeImmunizations
	case export.CategoryAllergies:
		return o.IncludeAllergies
	case export.CategoryProcedures:
		return o.IncludeProcedures
	case export.CategoryDiagnoses:
		return o.IncludeDiagnoses
	case export.CategoryClinicalNotes:
		return o.IncludeClinicalNotes
	case export.CategoryImaging:
		return o.IncludeImaging
	case export.CategoryDocuments:
		return o.IncludeDocuments
	case export.CategoryBilling:
		return o.IncludeBilling
	case export.CategoryConsents:
		return o.IncludeConsents
	case export.CategoryAuditLogs:
		return o.IncludeAuditLogs
	default:
		return false
	}
}

// ForFormat returns the strategy for an export format. Only formats with a
// buffer serializer are supported here.
func ForFormat(format export.Format) (Strategy, error) {
	switch format {
	case export.FormatJSON:
		return &JSONStrategy{}, nil
	case export.FormatCSV:
		return &CSVStrategy{}, nil
	case export.FormatPDF:
		return &PDFStrategy{}, nil
	default:
		return nil, &export.UnknownFormatError{Format: format}
	}
}

// filterPackage copies the package keeping only flagged categories. The
// patient, metadata and compliance blocks carry over unconditionally.
func filterPackage(pkg *export.PatientDataPackage, opts Options) *export.PatientDataPackage {
	filtered := &export.PatientDataPackage{
		ExportID:    pkg.ExportID,
		PatientInfo: pkg.PatientInfo,
		MedicalData: make(export.MedicalData),
		Metadata:    pkg.Metadata,
		Compliance:  pkg.Compliance,
	}
	for cat, records := range pkg.MedicalData {
		if opts.Included(cat) {
			filtered.MedicalData[cat] = records
		}
	}
	filtered.Metadata.TotalRecords = filtered.MedicalData.RecordCount()
	return filtered
}

// includedCategories lists the filtered package's non-empty categories in
// enumeration order for deterministic section ordering.
func includedCategories(pkg *export.PatientDataPackage) []export.DataCategory {
	var cats []export.DataCategory
	for _, cat := range export.AllCategories() {
		if records, ok := pkg.MedicalData[cat]; ok && len(records) > 0 {
			cats = append(cats, cat)
		}
	}
	return cats
}
