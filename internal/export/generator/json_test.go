package generator

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/altamedica/patient-export/internal/export"
)

func TestJSONGenerateRoundTrip(t *testing.T) {
	gen := newJSONGenerator()
	pkg := testPackage(t)

	path, err := gen.Generate(context.Background(), pkg, t.TempDir())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.HasSuffix(path, ".json") {
		t.Errorf("expected .json artifact, got %s", path)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}

	var doc struct {
		Export struct {
			TotalRecords    int    `json:"totalRecords"`
			ExportDate      string `json:"exportDate"`
			RetentionExpiry string `json:"retentionExpiry"`
		} `json:"export"`
		MedicalData map[string]struct {
			Count       int                      `json:"count"`
			LastUpdated string                   `json:"lastUpdated"`
			Records     []map[string]interface{} `json:"records"`
		} `json:"medicalData"`
		Metadata map[string]interface{} `json:"_metadata"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal artifact: %v", err)
	}

	sum := 0
	for _, cat := range doc.MedicalData {
		sum += cat.Count
	}
	if doc.Export.TotalRecords != sum {
		t.Errorf("totalRecords %d != sum of category counts %d", doc.Export.TotalRecords, sum)
	}

	for _, field := range []string{doc.Export.ExportDate, doc.Export.RetentionExpiry} {
		if _, err := time.Parse(time.RFC3339, field); err != nil {
			t.Errorf("invalid ISO timestamp %q: %v", field, err)
		}
	}

	mr := doc.MedicalData["medical_records"]
	if mr.Count != 5 {
		t.Fatalf("expected 5 medical records, got %d", mr.Count)
	}
	// Records must be sorted newest first; every date field must be an
	// ISO string after normalization.
	var prev time.Time
	for i, rec := range mr.Records {
		s, ok := rec["date"].(string)
		if !ok {
			t.Fatalf("record %d date not normalized to string: %T", i, rec["date"])
		}
		d, err := time.Parse(time.RFC3339, s)
		if err != nil {
			t.Fatalf("record %d invalid date %q: %v", i, s, err)
		}
		if i > 0 && d.After(prev) {
			t.Errorf("records not sorted descending at index %d", i)
		}
		prev = d
	}

	if doc.Metadata["schema"] != "patient-data-export" {
		t.Errorf("unexpected _metadata schema: %v", doc.Metadata["schema"])
	}
}

func TestRetentionExpiry(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if got := retentionExpiry(from, "10 years"); got.Year() != 2036 {
		t.Errorf("10 years: got %v", got)
	}
	if got := retentionExpiry(from, "6 months"); got.Month() != time.July {
		t.Errorf("6 months: got %v", got)
	}
	if got := retentionExpiry(from, "30 days"); got.Day() != 31 {
		t.Errorf("30 days: got %v", got)
	}
	// Unparseable strings fall back to 10 years.
	if got := retentionExpiry(from, "per institutional policy"); got.Year() != 2036 {
		t.Errorf("fallback: got %v", got)
	}
}

func TestExtractRecordDatePriority(t *testing.T) {
	date := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// "date" outranks "created_at".
	r := export.Record{"date": date, "created_at": created}
	if got := extractRecordDate(r); !got.Equal(date) {
		t.Errorf("expected date field to win, got %v", got)
	}

	// Snake and camel spellings both match.
	r = export.Record{"recorded_at": date}
	if got := extractRecordDate(r); !got.Equal(date) {
		t.Errorf("snake_case: got %v", got)
	}
	r = export.Record{"recordedAt": "2025-05-01T00:00:00Z"}
	if got := extractRecordDate(r); !got.Equal(date) {
		t.Errorf("camelCase string: got %v", got)
	}

	// No date-like field falls back to roughly now.
	before := time.Now().Add(-time.Minute)
	got := extractRecordDate(export.Record{"id": "x"})
	if got.Before(before) {
		t.Errorf("fallback should be near current time, got %v", got)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"Ana_Garcia_export_2026-03-14T10-30-00Z": "Ana_Garcia_export_2026-03-14T10-30-00Z",
		"José María_export":                      "Jos_Mar_a_export",
		"a//b\\c":                                "a_b_c",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
