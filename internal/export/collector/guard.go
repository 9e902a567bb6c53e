package collector

import (
	"context"

	"github.com/altamedica/patient-export/internal/export"
	"github.com/altamedica/patient-export/pkg/circuitbreaker"
)

// GuardedStore wraps a Store so every database call passes through a circuit
// breaker. When the clinical database degrades, the breaker opens and
// collection failures degrade to empty record sets at the factory boundary
// instead of piling up slow queries.
type GuardedStore struct {
	store   Store
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuardedStore wraps store with the given breaker.
func NewGuardedStore(store Store, breaker *circuitbreaker.CircuitBreaker) *GuardedStore {
	return &GuardedStore{store: store, breaker: breaker}
}

func (g *GuardedStore) PatientInfo(ctx context.Context, patientID string) (*export.PatientInfo, error) {
	res, err := g.breaker.Execute(ctx, func() (interface{}, error) {
		return g.store.PatientInfo(ctx, patientID)
	})
	if err != nil {
		return nil, err
	}
	return res.(*export.PatientInfo), nil
}

func (g *GuardedStore) MedicalRecords(ctx context.Context, patientID string, dr *export.DateRange) ([]export.MedicalRecord, error) {
	res, err := g.breaker.Execute(ctx, func() (interface{}, error) {
		return g.store.MedicalRecords(ctx, patientID, dr)
	})
	if err != nil {
		return nil, err
	}
	return res.([]export.MedicalRecord), nil
}

func (g *GuardedStore) LabResults(ctx context.Context, patientID string, dr *export.DateRange) ([]export.LabResult, error) {
	res, err := g.breaker.Execute(ctx, func() (interface{}, error) {
		return g.store.LabResults(ctx, patientID, dr)
	})
	if err != nil {
		return nil, err
	}
	return res.([]export.LabResult), nil
}

func (g *GuardedStore) Appointments(ctx context.Context, patientID string, dr *export.DateRange) ([]export.Appointment, error) {
	res, err := g.breaker.Execute(ctx, func() (interface{}, error) {
		return g.store.Appointments(ctx, patientID, dr)
	})
	if err != nil {
		return nil, err
	}
	return res.([]export.Appointment), nil
}

func (g *GuardedStore) VitalSigns(ctx context.Context, patientID string, dr *export.DateRange) ([]export.VitalSign, error) {
	res, err := g.breaker.Execute(ctx, func() (interface{}, error) {
		return g.store.VitalSigns(ctx, patientID, dr)
	})
	if err != nil {
		return nil, err
	}
	return res.([]export.VitalSign), nil
}
