package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/altamedica/patient-export/internal/export"
)

// fakeStore returns canned rows and can be told to fail per category.
type fakeStore struct {
	medicalRecords []export.MedicalRecord
	labResults     []export.LabResult
	appointments   []export.Appointment
	vitalSigns     []export.VitalSign

	failLabResults bool
}

func (s *fakeStore) PatientInfo(ctx context.Context, patientID string) (*export.PatientInfo, error) {
	return &export.PatientInfo{ID: patientID, FirstName: "Ana", LastName: "Garcia"}, nil
}

func (s *fakeStore) MedicalRecords(ctx context.Context, patientID string, dr *export.DateRange) ([]export.MedicalRecord, error) {
	return s.medicalRecords, nil
}

func (s *fakeStore) LabResults(ctx context.Context, patientID string, dr *export.DateRange) ([]export.LabResult, error) {
	if s.failLabResults {
		return nil, errors.New("connection reset")
	}
	return s.labResults, nil
}

func (s *fakeStore) Appointments(ctx context.Context, patientID string, dr *export.DateRange) ([]export.Appointment, error) {
	return s.appointments, nil
}

func (s *fakeStore) VitalSigns(ctx context.Context, patientID string, dr *export.DateRange) ([]export.VitalSign, error) {
	return s.vitalSigns, nil
}

func TestGetReturnsSameInstance(t *testing.T) {
	f := NewFactory(&fakeStore{}, nil)

	first, err := f.Get(export.CategoryMedicalRecords)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	second, err := f.Get(export.CategoryMedicalRecords)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if first != second {
		t.Error("expected cached collector instance on repeated Get")
	}

	f.ClearCache()
	third, err := f.Get(export.CategoryMedicalRecords)
	if err != nil {
		t.Fatalf("Get after ClearCache: %v", err)
	}
	if third == first {
		t.Error("expected new instance after ClearCache")
	}
}

func TestGetUnimplementedCategory(t *testing.T) {
	f := NewFactory(&fakeStore{}, nil)

	_, err := f.Get(export.CategoryPrescriptions)
	if err == nil {
		t.Fatal("expected error for unimplemented category")
	}
	if !export.IsNotImplemented(err) {
		t.Errorf("expected NotImplementedError, got %T: %v", err, err)
	}
	if f.IsImplemented(export.CategoryPrescriptions) {
		t.Error("prescriptions should not be implemented")
	}
}

func TestGetUnknownCategory(t *testing.T) {
	f := NewFactory(&fakeStore{}, nil)

	_, err := f.Get(export.DataCategory("horoscope"))
	if err == nil {
		t.Fatal("expected error for unknown category")
	}
	var unknown *export.UnknownCategoryError
	if !errors.As(err, &unknown) {
		t.Errorf("expected UnknownCategoryError, got %T: %v", err, err)
	}
}

func TestCollectMultipleFiltersUnimplemented(t *testing.T) {
	store := &fakeStore{
		medicalRecords: []export.MedicalRecord{
			{ID: "mr-1", PatientID: "p-1", Date: time.Now(), Type: "consultation"},
		},
	}
	f := NewFactory(store, nil)

	data := f.CollectMultiple(context.Background(),
		[]export.DataCategory{export.CategoryMedicalRecords, export.CategoryPrescriptions},
		"p-1", nil)

	if len(data) != 1 {
		t.Fatalf("expected 1 category, got %d", len(data))
	}
	if _, ok := data[export.CategoryPrescriptions]; ok {
		t.Error("prescriptions should be absent, not empty")
	}
	if got := len(data[export.CategoryMedicalRecords]); got != 1 {
		t.Errorf("expected 1 medical record, got %d", got)
	}
}

func TestCollectMultipleToleratesFailure(t *testing.T) {
	store := &fakeStore{
		medicalRecords: []export.MedicalRecord{
			{ID: "mr-1", PatientID: "p-1", Date: time.Now(), Type: "consultation"},
		},
		failLabResults: true,
	}
	f := NewFactory(store, nil)

	data := f.CollectMultiple(context.Background(),
		[]export.DataCategory{export.CategoryMedicalRecords, export.CategoryLabResults},
		"p-1", nil)

	if len(data) != 2 {
		t.Fatalf("expected 2 categories, got %d", len(data))
	}
	labs, ok := data[export.CategoryLabResults]
	if !ok {
		t.Fatal("failed category must still be present in result")
	}
	if len(labs) != 0 {
		t.Errorf("failed category should yield empty slice, got %d records", len(labs))
	}
	if len(data[export.CategoryMedicalRecords]) != 1 {
		t.Error("sibling category should be unaffected by the failure")
	}
}

func TestValidateCollectedAggregatesErrors(t *testing.T) {
	f := NewFactory(&fakeStore{}, nil)

	data := export.MedicalData{
		export.CategoryMedicalRecords: {
			{"id": "", "date": time.Now(), "type": "consultation"},
		},
		export.CategoryLabResults: {
			{"id": "lr-1", "test_name": "", "result_date": time.Now()},
		},
	}

	result := f.ValidateCollected(data)
	if result.Valid {
		t.Fatal("expected invalid result")
	}
	if len(result.Errors) != 2 {
		t.Errorf("expected 2 aggregated errors, got %d: %v", len(result.Errors), result.Errors)
	}
}

func TestValidateCollectedSkipsUnimplemented(t *testing.T) {
	f := NewFactory(&fakeStore{}, nil)

	data := export.MedicalData{
		export.CategoryPrescriptions: {
			{"bogus": true},
		},
	}

	result := f.ValidateCollected(data)
	if !result.Valid {
		t.Errorf("unimplemented categories are vacuously valid, got errors: %v", result.Errors)
	}
}

func TestCacheInspection(t *testing.T) {
	f := NewFactory(&fakeStore{}, nil)

	if f.InstanceCount() != 0 {
		t.Fatalf("expected empty cache, got %d", f.InstanceCount())
	}

	if _, err := f.Get(export.CategoryVitalSigns); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := f.Get(export.CategoryAppointments); err != nil {
		t.Fatalf("Get: %v", err)
	}

	if f.InstanceCount() != 2 {
		t.Errorf("expected 2 cached instances, got %d", f.InstanceCount())
	}

	cats := f.CachedCategories()
	if len(cats) != 2 || cats[0] != export.CategoryAppointments || cats[1] != export.CategoryVitalSigns {
		t.Errorf("unexpected cached categories: %v", cats)
	}

	f.ClearCache()
	if f.InstanceCount() != 0 {
		t.Errorf("expected empty cache after ClearCache, got %d", f.InstanceCount())
	}
}

func TestSanitizeScrubsProtectedFields(t *testing.T) {
	records := []export.Record{
		{
			"id":           "doc-1",
			"document_url": "https://storage.internal/signed/abc123",
			"card_number":  "4111111111111111",
			"description":  "discharge summary",
		},
	}

	clean := sanitizeRecords(records)
	if len(clean) != 1 {
		t.Fatalf("expected 1 record, got %d", len(clean))
	}
	if clean[0]["document_url"] != protectedPlaceholder {
		t.Errorf("document_url not scrubbed: %v", clean[0]["document_url"])
	}
	if _, ok := clean[0]["card_number"]; ok {
		t.Error("card_number should be dropped")
	}
	if clean[0]["description"] != "discharge summary" {
		t.Error("unrelated fields must survive sanitization")
	}
}
