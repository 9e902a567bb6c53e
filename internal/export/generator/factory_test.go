package generator

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"
	"time"

	"github.com/altamedica/patient-export/internal/export"
)

func testPackage(t *testing.T) *export.PatientDataPackage {
	t.Helper()

	exportDate := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	records := make([]export.Record, 5)
	for i := range records {
		records[i] = export.Record{
			"id":          "mr-" + string(rune('1'+i)),
			"patient_id":  "p-1",
			"date":        exportDate.AddDate(0, 0, -i),
			"type":        "consultation",
			"description": "follow-up visit",
		}
	}

	return &export.PatientDataPackage{
		ExportID: "exp-123",
		PatientInfo: export.PatientInfo{
			ID:          "p-1",
			FirstName:   "Ana",
			LastName:    "Garcia",
			DateOfBirth: time.Date(1985, 6, 2, 0, 0, 0, 0, time.UTC),
			Gender:      "female",
		},
		MedicalData: export.MedicalData{
			export.CategoryMedicalRecords: records,
			export.CategoryLabResults:     {},
		},
		Metadata: export.Metadata{
			ExportDate:    exportDate,
			ExportVersion: "2.1.0",
			TotalRecords:  5,
			Categories:    []string{"medical_records", "lab_results"},
			Format:        "json",
		},
		Compliance: export.Compliance{
			HIPAACompliant:    true,
			Ley26529Compliant: true,
			PatientConsent:    true,
			AuditLogged:       true,
			RetentionPeriod:   "10 years",
		},
	}
}

func TestGetCachesPerFormat(t *testing.T) {
	f := NewFactory(nil)

	first, err := f.Get(export.FormatJSON)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	second, err := f.Get(export.FormatJSON)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if first != second {
		t.Error("expected cached generator instance")
	}
	if f.InstanceCount() != 1 {
		t.Errorf("expected 1 cached instance, got %d", f.InstanceCount())
	}

	f.ClearCache()
	if f.InstanceCount() != 0 {
		t.Errorf("expected empty cache after ClearCache, got %d", f.InstanceCount())
	}
}

func TestGetUnknownFormat(t *testing.T) {
	f := NewFactory(nil)

	_, err := f.Get(export.Format("parquet"))
	var unknown *export.UnknownFormatError
	if !errors.As(err, &unknown) {
		t.Errorf("expected UnknownFormatError, got %T: %v", err, err)
	}
}

func TestGenerateExportValidation(t *testing.T) {
	f := NewFactory(nil)
	pkg := testPackage(t)
	dir := t.TempDir()
	ctx := context.Background()

	if _, err := f.GenerateExport(ctx, "", pkg, dir, Options{}); !errors.Is(err, export.ErrFormatRequired) {
		t.Errorf("missing format: got %v", err)
	}
	if _, err := f.GenerateExport(ctx, export.FormatJSON, nil, dir, Options{}); !errors.Is(err, export.ErrPackageRequired) {
		t.Errorf("missing package: got %v", err)
	}

	noID := testPackage(t)
	noID.PatientInfo.ID = ""
	if _, err := f.GenerateExport(ctx, export.FormatJSON, noID, dir, Options{}); !errors.Is(err, export.ErrPatientIDRequired) {
		t.Errorf("missing patient ID: got %v", err)
	}

	if _, err := f.GenerateExport(ctx, export.FormatJSON, pkg, dir, Options{ChunkSize: 512}); !errors.Is(err, export.ErrChunkSizeTooSmall) {
		t.Errorf("small chunk size: got %v", err)
	}

	if _, err := f.GenerateExport(ctx, export.FormatJSON, pkg, dir, Options{Language: "fr"}); err == nil {
		t.Error("expected error for unsupported language")
	}
}

func TestGenerateExportNotImplementedFormat(t *testing.T) {
	f := NewFactory(nil)

	_, err := f.GenerateExport(context.Background(), export.FormatPDF, testPackage(t), t.TempDir(), Options{})
	if err == nil {
		t.Fatal("expected error for pdf generation")
	}
	if !export.IsNotImplemented(err) {
		t.Errorf("expected NotImplementedError, got %v", err)
	}
}

func TestGenerateExportResultMetadata(t *testing.T) {
	f := NewFactory(nil)

	res, err := f.GenerateExport(context.Background(), export.FormatJSON, testPackage(t), t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("GenerateExport: %v", err)
	}
	if res.Size <= 0 {
		t.Errorf("expected positive artifact size, got %d", res.Size)
	}
	if res.GenerationTime <= 0 {
		t.Error("expected positive generation time")
	}
	want := "/api/v1/exports/download/exp-123/"
	if len(res.DownloadURL) <= len(want) || res.DownloadURL[:len(want)] != want {
		t.Errorf("unexpected download URL: %s", res.DownloadURL)
	}
	if _, err := os.Stat(res.Path); err != nil {
		t.Errorf("artifact missing on disk: %v", err)
	}
}

func TestGenerateMultipleFormats(t *testing.T) {
	f := NewFactory(nil)
	dir := t.TempDir()

	results := f.GenerateMultipleFormats(context.Background(),
		[]export.Format{export.FormatJSON, export.FormatPDF},
		testPackage(t), dir, Options{})

	if len(results) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(results))
	}

	jsonRes := results[export.FormatJSON]
	if jsonRes.Err != nil {
		t.Errorf("json should succeed: %v", jsonRes.Err)
	}
	if jsonRes.Result == nil {
		t.Fatal("json result missing")
	}
	if _, err := os.Stat(jsonRes.Result.Path); err != nil {
		t.Errorf("json artifact missing: %v", err)
	}

	pdfRes := results[export.FormatPDF]
	if pdfRes.Err == nil {
		t.Error("pdf should carry a captured error")
	}
	if !export.IsNotImplemented(pdfRes.Err) {
		t.Errorf("expected NotImplementedError for pdf, got %v", pdfRes.Err)
	}
}

func TestEstimateExportSizeRatio(t *testing.T) {
	f := NewFactory(nil)
	pkg := testPackage(t)

	jsonEst, err := f.EstimateExportSize(export.FormatJSON, pkg)
	if err != nil {
		t.Fatalf("estimate json: %v", err)
	}
	csvEst, err := f.EstimateExportSize(export.FormatCSV, pkg)
	if err != nil {
		t.Fatalf("estimate csv: %v", err)
	}

	// csv/json sizes must follow the registered 0.7/1.0 multipliers.
	ratio := float64(csvEst.EstimatedSize) / float64(jsonEst.EstimatedSize)
	if math.Abs(ratio-0.7) > 0.01 {
		t.Errorf("expected ratio ~0.7, got %f", ratio)
	}
	if jsonEst.Confidence != "high" {
		t.Errorf("json confidence should be high, got %s", jsonEst.Confidence)
	}

	pdfEst, err := f.EstimateExportSize(export.FormatPDF, pkg)
	if err != nil {
		t.Fatalf("estimate pdf: %v", err)
	}
	if pdfEst.Confidence != "medium" {
		t.Errorf("pdf confidence should be medium, got %s", pdfEst.Confidence)
	}

	if _, ok := jsonEst.Breakdown[export.CategoryMedicalRecords]; !ok {
		t.Error("breakdown should include medical_records")
	}
}

func TestFormatsListingIncludesUnimplemented(t *testing.T) {
	f := NewFactory(nil)

	infos := f.Formats()
	if len(infos) != 5 {
		t.Fatalf("expected 5 advertised formats, got %d", len(infos))
	}

	byFormat := make(map[export.Format]FormatInfo, len(infos))
	for _, info := range infos {
		byFormat[info.Format] = info
	}
	if !byFormat[export.FormatJSON].Implemented {
		t.Error("json must be implemented")
	}
	if byFormat[export.FormatFHIR].Implemented {
		t.Error("fhir must be advertised but not implemented")
	}
	if byFormat[export.FormatZIP].Capabilities.SizeMultiplier != 0.3 {
		t.Errorf("zip multiplier: got %f", byFormat[export.FormatZIP].Capabilities.SizeMultiplier)
	}
}
