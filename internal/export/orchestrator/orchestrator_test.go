package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/altamedica/patient-export/internal/export"
	"github.com/altamedica/patient-export/internal/export/audit"
	"github.com/altamedica/patient-export/internal/export/collector"
	"github.com/altamedica/patient-export/internal/export/generator"
	"github.com/altamedica/patient-export/internal/export/request"
	"github.com/altamedica/patient-export/internal/export/secure"
)

type fakeRequestStore struct {
	markProcessingErr error

	stages      []string
	completed   bool
	downloadURL string
	fileSize    int64
	checksum    string
	failed      bool
	failMessage string
}

func (s *fakeRequestStore) MarkProcessing(ctx context.Context, id string) error {
	return s.markProcessingErr
}

func (s *fakeRequestStore) UpdateProgress(ctx context.Context, id string, progress int, stage string) error {
	s.stages = append(s.stages, stage)
	return nil
}

func (s *fakeRequestStore) Complete(ctx context.Context, id, downloadURL string, fileSize int64, checksum string) error {
	s.completed = true
	s.downloadURL = downloadURL
	s.fileSize = fileSize
	s.checksum = checksum
	return nil
}

func (s *fakeRequestStore) Fail(ctx context.Context, id, message string) error {
	s.failed = true
	s.failMessage = message
	return nil
}

type fakeAuditor struct {
	entries []audit.Entry
}

func (a *fakeAuditor) Record(ctx context.Context, entry audit.Entry) error {
	a.entries = append(a.entries, entry)
	return nil
}

type fakePatientStore struct {
	patientErr error
}

func (s *fakePatientStore) PatientInfo(ctx context.Context, patientID string) (*export.PatientInfo, error) {
	if s.patientErr != nil {
		return nil, s.patientErr
	}
	return &export.PatientInfo{
		ID:          patientID,
		FirstName:   "Ana",
		LastName:    "Garcia",
		DateOfBirth: time.Date(1985, 6, 12, 0, 0, 0, 0, time.UTC),
		Gender:      "F",
	}, nil
}

func (s *fakePatientStore) MedicalRecords(ctx context.Context, patientID string, dr *export.DateRange) ([]export.MedicalRecord, error) {
	return []export.MedicalRecord{
		{ID: "mr-1", PatientID: patientID, Date: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), Type: "consultation", Description: "Annual check", Status: "final"},
	}, nil
}

func (s *fakePatientStore) LabResults(ctx context.Context, patientID string, dr *export.DateRange) ([]export.LabResult, error) {
	return nil, nil
}

func (s *fakePatientStore) Appointments(ctx context.Context, patientID string, dr *export.DateRange) ([]export.Appointment, error) {
	return nil, nil
}

func (s *fakePatientStore) VitalSigns(ctx context.Context, patientID string, dr *export.DateRange) ([]export.VitalSign, error) {
	return nil, nil
}

func testRequest() *request.ExportRequest {
	return &request.ExportRequest{
		ID:          "exp-orch-1",
		PatientID:   "p-1",
		RequestedBy: "clinician-7",
		Format:      export.FormatJSON,
		Categories:  []export.DataCategory{export.CategoryMedicalRecords, export.CategoryLabResults},
		Status:      request.StatusPending,
	}
}

func newTestOrchestrator(t *testing.T, store *fakeRequestStore, patients *fakePatientStore, enc Encryptor) (*Orchestrator, *fakeAuditor, string) {
	t.Helper()
	auditor := &fakeAuditor{}
	dir := t.TempDir()

	o, err := New(Config{
		Requests:   store,
		Store:      patients,
		Collectors: collector.NewFactory(patients, nil),
		Generators: generator.NewFactory(nil),
		Auditor:    auditor,
		Encryptor:  enc,
		ExportDir:  dir,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o, auditor, dir
}

func TestProcessCompletesExport(t *testing.T) {
	store := &fakeRequestStore{}
	o, auditor, dir := newTestOrchestrator(t, store, &fakePatientStore{}, nil)

	if err := o.Process(context.Background(), testRequest()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if !store.completed {
		t.Fatal("request should be completed")
	}
	if len(store.checksum) != 64 {
		t.Errorf("expected sha256 hex checksum, got %q", store.checksum)
	}
	if !strings.HasPrefix(store.downloadURL, "/api/v1/exports/download/exp-orch-1/") {
		t.Errorf("unexpected download URL %q", store.downloadURL)
	}
	if store.fileSize == 0 {
		t.Error("file size should be recorded")
	}

	entries, err := os.ReadDir(filepath.Join(dir, "exp-orch-1"))
	if err != nil || len(entries) == 0 {
		t.Fatalf("artifact directory should contain the export: %v", err)
	}

	var sawCompleted bool
	for _, e := range auditor.entries {
		if e.Action == audit.ActionExportCompleted {
			sawCompleted = true
		}
	}
	if !sawCompleted {
		t.Error("completion should be audited")
	}

	want := []string{"fetching_patient", "collecting", "validating", "assembling", "generating"}
	if len(store.stages) != len(want) {
		t.Fatalf("expected stages %v, got %v", want, store.stages)
	}
	for i, stage := range want {
		if store.stages[i] != stage {
			t.Errorf("stage %d: expected %s, got %s", i, stage, store.stages[i])
		}
	}
}

func TestProcessEncryptsArtifact(t *testing.T) {
	enc, err := secure.NewEncryptor(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	store := &fakeRequestStore{}
	o, _, dir := newTestOrchestrator(t, store, &fakePatientStore{}, enc)

	if err := o.Process(context.Background(), testRequest()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if !strings.HasSuffix(store.downloadURL, secure.EncryptedSuffix) {
		t.Errorf("download URL should point at the encrypted artifact, got %q", store.downloadURL)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "exp-orch-1"))
	if err != nil {
		t.Fatalf("read artifact dir: %v", err)
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), secure.EncryptedSuffix) {
			t.Errorf("plaintext artifact left on disk: %s", e.Name())
		}
	}
}

func TestProcessFailsOnPatientError(t *testing.T) {
	store := &fakeRequestStore{}
	o, auditor, _ := newTestOrchestrator(t, store, &fakePatientStore{patientErr: errors.New("patient not found")}, nil)

	err := o.Process(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	if !store.failed {
		t.Error("request should be marked failed")
	}
	if !strings.Contains(store.failMessage, "patient not found") {
		t.Errorf("failure message should carry the cause, got %q", store.failMessage)
	}

	var sawFailed bool
	for _, e := range auditor.entries {
		if e.Action == audit.ActionExportFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Error("failure should be audited")
	}
}

func TestProcessDropsStaleCommand(t *testing.T) {
	store := &fakeRequestStore{
		markProcessingErr: &request.InvalidTransitionError{From: request.StatusCancelled, To: request.StatusProcessing},
	}
	o, _, _ := newTestOrchestrator(t, store, &fakePatientStore{}, nil)

	if err := o.Process(context.Background(), testRequest()); err != nil {
		t.Fatalf("stale command should be dropped without error, got %v", err)
	}
	if store.completed || store.failed {
		t.Error("stale command must not touch the request")
	}
}
