package strategy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/altamedica/patient-export/internal/export"
)

func strategyPackage(t *testing.T, medicalRecords int) *export.PatientDataPackage {
	t.Helper()

	records := make([]export.Record, medicalRecords)
	for i := range records {
		records[i] = export.Record{
			"id":          fmt.Sprintf("mr-%d", i+1),
			"date":        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i),
			"type":        "consultation",
			"description": "visit notes",
			"status":      "final",
		}
	}

	return &export.PatientDataPackage{
		ExportID: "exp-456",
		PatientInfo: export.PatientInfo{
			ID:          "p-2",
			FirstName:   "Luis",
			LastName:    "Fernandez",
			DateOfBirth: time.Date(1970, 11, 20, 0, 0, 0, 0, time.UTC),
			Gender:      "male",
		},
		MedicalData: export.MedicalData{
			export.CategoryMedicalRecords: records,
			export.CategoryLabResults: {
				{"id": "lr-1", "result_date": time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), "test_name": "CBC", "value": "normal", "status": "final"},
			},
		},
		Metadata: export.Metadata{
			ExportDate:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
			TotalRecords: medicalRecords + 1,
		},
		Compliance: export.Compliance{
			HIPAACompliant:  true,
			RetentionPeriod: "10 years",
		},
	}
}

func TestJSONStrategyFiltersCategories(t *testing.T) {
	s := &JSONStrategy{}
	pkg := strategyPackage(t, 3)

	buf, err := s.Export(pkg, Options{IncludeMedicalRecords: true})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	var out export.PatientDataPackage
	if err := json.Unmarshal(buf, &out); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}

	if _, ok := out.MedicalData[export.CategoryMedicalRecords]; !ok {
		t.Error("flagged category missing from output")
	}
	if _, ok := out.MedicalData[export.CategoryLabResults]; ok {
		t.Error("unflagged category leaked into output")
	}
	if out.Metadata.TotalRecords != 3 {
		t.Errorf("TotalRecords should be recomputed after filtering, got %d", out.Metadata.TotalRecords)
	}
	if out.PatientInfo.ID != "p-2" {
		t.Error("patient block must carry over unconditionally")
	}
	if !out.Compliance.HIPAACompliant {
		t.Error("compliance block must carry over unconditionally")
	}
}

func TestJSONStrategyPrettyPrinted(t *testing.T) {
	s := &JSONStrategy{}
	buf, err := s.Export(strategyPackage(t, 1), IncludeAll())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if !bytes.Contains(buf, []byte("\n  ")) {
		t.Error("output should be indented")
	}
}

func TestCSVStrategySections(t *testing.T) {
	s := &CSVStrategy{}
	pkg := strategyPackage(t, 2)

	buf, err := s.Export(pkg, Options{IncludeMedicalRecords: true, IncludeLabResults: true})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	out := string(buf)

	for _, section := range []string{"PATIENT INFORMATION", "MEDICAL RECORDS", "LAB RESULTS"} {
		if !strings.Contains(out, section+"\n") {
			t.Errorf("missing section title %q", section)
		}
	}
	// Sections separate with a blank line.
	if !strings.Contains(out, "\n\nMEDICAL RECORDS") {
		t.Error("expected blank line before category section")
	}
	if !strings.Contains(out, "Date,Type,Description,Status") {
		t.Error("missing fixed medical records column layout")
	}
	if !strings.Contains(out, "CBC") {
		t.Error("lab result row missing")
	}
}

func TestCSVStrategyEscaping(t *testing.T) {
	s := &CSVStrategy{}
	pkg := strategyPackage(t, 1)
	pkg.MedicalData[export.CategoryMedicalRecords][0]["description"] = `includes, comma and "quotes"`

	buf, err := s.Export(pkg, Options{IncludeMedicalRecords: true})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if !strings.Contains(string(buf), `"includes, comma and ""quotes"""`) {
		t.Errorf("cell not escaped: %s", buf)
	}
}

func TestCSVStrategyExcludesUnflagged(t *testing.T) {
	s := &CSVStrategy{}

	buf, err := s.Export(strategyPackage(t, 1), Options{IncludeMedicalRecords: true})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if strings.Contains(string(buf), "LAB RESULTS") {
		t.Error("unflagged category section should be absent")
	}
}

func TestPDFStrategyOutput(t *testing.T) {
	s := &PDFStrategy{}
	// 25 records exercises the 10-row cap and the overflow line.
	pkg := strategyPackage(t, 25)

	buf, err := s.Export(pkg, IncludeAll())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if !bytes.HasPrefix(buf, []byte("%PDF")) {
		t.Errorf("output should start with %%PDF, got %q", buf[:8])
	}
	if s.ContentType() != "application/pdf" {
		t.Errorf("content type: %s", s.ContentType())
	}
}

func TestSummarizeRecordCapOverflowLine(t *testing.T) {
	line := summarizeRecord(export.CategoryMedicalRecords, export.Record{
		"date":        time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		"type":        "consultation",
		"description": "annual check",
		"status":      "final",
	})
	if line != "2026-01-02  |  consultation  |  annual check  |  final" {
		t.Errorf("unexpected summary line: %q", line)
	}
}

func TestForFormat(t *testing.T) {
	for _, format := range []export.Format{export.FormatJSON, export.FormatCSV, export.FormatPDF} {
		if _, err := ForFormat(format); err != nil {
			t.Errorf("ForFormat(%s): %v", format, err)
		}
	}

	_, err := ForFormat(export.FormatZIP)
	var unknown *export.UnknownFormatError
	if !errors.As(err, &unknown) {
		t.Errorf("expected UnknownFormatError for zip, got %v", err)
	}
}
