package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/altamedica/patient-export/internal/api/middleware"
	"github.com/altamedica/patient-export/internal/export"
	"github.com/altamedica/patient-export/internal/export/generator"
)

func testHandler() *ExportHandler {
	return NewExportHandler(nil, nil, generator.NewFactory(nil), nil, zap.NewNop(), "/tmp/exports")
}

func withPrincipal(r *http.Request, p middleware.Principal) *http.Request {
	ctx := context.WithValue(r.Context(), middleware.PrincipalKey, p)
	return r.WithContext(ctx)
}

func adhocBody(t *testing.T, format export.Format) *bytes.Buffer {
	t.Helper()
	pkg := &export.PatientDataPackage{
		ExportID: "exp-h-1",
		PatientInfo: export.PatientInfo{
			ID:          "p-1",
			FirstName:   "Ana",
			LastName:    "Garcia",
			DateOfBirth: time.Date(1985, 6, 12, 0, 0, 0, 0, time.UTC),
		},
		MedicalData: export.MedicalData{
			export.CategoryMedicalRecords: {
				{"id": "mr-1", "date": "2026-01-05", "type": "consultation", "status": "final"},
			},
		},
		Metadata: export.Metadata{TotalRecords: 1},
	}
	raw, err := json.Marshal(AdhocRequest{Format: format, Package: pkg})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return bytes.NewBuffer(raw)
}

func TestAdhocReturnsStrategyContentType(t *testing.T) {
	h := testHandler()

	req := httptest.NewRequest(http.MethodPost, "/adhoc", adhocBody(t, export.FormatJSON))
	req = withPrincipal(req, middleware.Principal{ClientID: "c-1", Role: middleware.RoleClinician})
	rec := httptest.NewRecorder()

	h.Adhoc(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %s", ct)
	}
	if !json.Valid(rec.Body.Bytes()) {
		t.Error("body should be valid JSON")
	}
}

func TestAdhocPDF(t *testing.T) {
	h := testHandler()

	req := httptest.NewRequest(http.MethodPost, "/adhoc", adhocBody(t, export.FormatPDF))
	req = withPrincipal(req, middleware.Principal{ClientID: "c-1", Role: middleware.RoleAdmin})
	rec := httptest.NewRecorder()

	h.Adhoc(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("expected application/pdf, got %s", ct)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")) {
		t.Error("body should be a PDF document")
	}
}

func TestAdhocUnknownFormat(t *testing.T) {
	h := testHandler()

	req := httptest.NewRequest(http.MethodPost, "/adhoc", adhocBody(t, export.Format("xml")))
	req = withPrincipal(req, middleware.Principal{ClientID: "c-1", Role: middleware.RoleAdmin})
	rec := httptest.NewRecorder()

	h.Adhoc(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown format, got %d", rec.Code)
	}
}

func TestAdhocDeniesForeignPatient(t *testing.T) {
	h := testHandler()

	req := httptest.NewRequest(http.MethodPost, "/adhoc", adhocBody(t, export.FormatJSON))
	req = withPrincipal(req, middleware.Principal{ClientID: "portal", Role: middleware.RolePatient, PatientID: "p-other"})
	rec := httptest.NewRecorder()

	h.Adhoc(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("patient principal must not export another patient, got %d", rec.Code)
	}
}

func TestAdhocOwnPatientAllowed(t *testing.T) {
	h := testHandler()

	req := httptest.NewRequest(http.MethodPost, "/adhoc", adhocBody(t, export.FormatJSON))
	req = withPrincipal(req, middleware.Principal{ClientID: "portal", Role: middleware.RolePatient, PatientID: "p-1"})
	rec := httptest.NewRecorder()

	h.Adhoc(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("patient may export their own data, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestFormatsListing(t *testing.T) {
	h := testHandler()

	req := httptest.NewRequest(http.MethodGet, "/formats", nil)
	rec := httptest.NewRecorder()

	h.Formats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var infos []generator.FormatInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatalf("unmarshal listing: %v", err)
	}
	if len(infos) != 5 {
		t.Errorf("expected 5 advertised formats, got %d", len(infos))
	}
}

func TestEstimate(t *testing.T) {
	h := testHandler()

	body := adhocBody(t, export.FormatCSV)
	// Estimate and adhoc share the format+package body shape.
	req := httptest.NewRequest(http.MethodPost, "/estimate", body)
	req = withPrincipal(req, middleware.Principal{ClientID: "c-1", Role: middleware.RoleClinician})
	rec := httptest.NewRecorder()

	h.Estimate(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var est generator.SizeEstimate
	if err := json.Unmarshal(rec.Body.Bytes(), &est); err != nil {
		t.Fatalf("unmarshal estimate: %v", err)
	}
	if est.EstimatedSize <= 0 {
		t.Error("estimate should be positive")
	}
	if est.Confidence != "high" {
		t.Errorf("csv is implemented, confidence should be high, got %s", est.Confidence)
	}
}

func TestDownloadRejectsTraversal(t *testing.T) {
	h := testHandler()

	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", "exp-1")
	rctx.URLParams.Add("file", "../secret")

	req := httptest.NewRequest(http.MethodGet, "/download/exp-1/x", nil)
	req = withPrincipal(req, middleware.Principal{ClientID: "c-1", Role: middleware.RoleAdmin})
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rec := httptest.NewRecorder()

	h.Download(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for traversal attempt, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Error("response must not echo the path")
	}
}
