package collector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/altamedica/patient-export/internal/export"
)

// constructors maps each implemented category to its collector constructor.
// Categories in the enumeration but absent here raise NotImplementedError.
var constructors = map[export.DataCategory]func(Store) Collector{
	export.CategoryMedicalRecords: func(s Store) Collector { return &medicalRecordsCollector{store: s} },
	export.CategoryLabResults:     func(s Store) Collector { return &labResultsCollector{store: s} },
	export.CategoryAppointments:   func(s Store) Collector { return &appointmentsCollector{store: s} },
	export.CategoryVitalSigns:     func(s Store) Collector { return &vitalSignsCollector{store: s} },
}

// Factory creates and caches one collector per category. It is a constructed
// value, not a package global; callers own its lifecycle.
type Factory struct {
	store  Store
	logger *zap.Logger

	mu    sync.Mutex
	cache map[export.DataCategory]Collector
}

// NewFactory creates a collector factory backed by the given store.
func NewFactory(store Store, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		store:  store,
		logger: logger,
		cache:  make(map[export.DataCategory]Collector),
	}
}

// Get returns the cached collector for a category, constructing it on first
// use. Unknown categories and categories without a concrete collector fail.
func (f *Factory) Get(category export.DataCategory) (Collector, error) {
	if !export.IsKnownCategory(category) {
		return nil, &export.UnknownCategoryError{Category: category}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.cache[category]; ok {
		return c, nil
	}

	construct, ok := constructors[category]
	if !ok {
		return nil, &export.NotImplementedError{Category: category}
	}

	c := construct(f.store)
	f.cache[category] = c
	return c, nil
}

// IsImplemented reports whether a concrete collector exists for the category.
func (f *Factory) IsImplemented(category export.DataCategory) bool {
	_, ok := constructors[category]
	return ok
}

// CollectMultiple gathers records for every implemented category in the
// request, fanning out one goroutine per category. A failing category is
// logged and downgraded to an empty slice so the batch always completes;
// unimplemented categories are filtered out entirely and never appear in
// the result.
func (f *Factory) CollectMultiple(ctx context.Context, categories []export.DataCategory, patientID string, dr *export.DateRange) export.MedicalData {
	var implemented []export.DataCategory
	for _, cat := range categories {
		if f.IsImplemented(cat) {
			implemented = append(implemented, cat)
		} else {
			f.logger.Debug("skipping unimplemented category",
				zap.String("category", string(cat)))
		}
	}

	result := make(export.MedicalData, len(implemented))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, cat := range implemented {
		wg.Add(1)
		go func(cat export.DataCategory) {
			defer wg.Done()

			records := f.collectOne(ctx, cat, patientID, dr)

			mu.Lock()
			result[cat] = records
			mu.Unlock()
		}(cat)
	}

	wg.Wait()
	return result
}

// collectOne runs a single category's collect+sanitize, absorbing failures.
func (f *Factory) collectOne(ctx context.Context, cat export.DataCategory, patientID string, dr *export.DateRange) []export.Record {
	c, err := f.Get(cat)
	if err != nil {
		f.logger.Error("collector unavailable",
			zap.String("category", string(cat)),
			zap.Error(err))
		return []export.Record{}
	}

	records, err := c.Collect(ctx, patientID, dr)
	if err != nil {
		f.logger.Error("collection failed, returning empty set",
			zap.String("category", string(cat)),
			zap.String("patient_id", patientID),
			zap.Error(err))
		return []export.Record{}
	}
	if records == nil {
		records = []export.Record{}
	}

	return c.Sanitize(records)
}

// ValidationResult aggregates validation outcomes across categories.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// ValidateCollected validates every present, implemented category's records.
// All failures are aggregated rather than stopping at the first; categories
// without a collector are vacuously valid; a panicking validator becomes an
// error entry instead of propagating.
func (f *Factory) ValidateCollected(data export.MedicalData) ValidationResult {
	result := ValidationResult{Valid: true}

	cats := make([]export.DataCategory, 0, len(data))
	for cat := range data {
		cats = append(cats, cat)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })

	for _, cat := range cats {
		if !f.IsImplemented(cat) {
			continue
		}
		if err := f.validateOne(cat, data[cat]); err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", cat, err))
		}
	}
	return result
}

func (f *Factory) validateOne(cat export.DataCategory, records []export.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("validator panicked: %v", r)
		}
	}()

	c, getErr := f.Get(cat)
	if getErr != nil {
		return getErr
	}
	return c.Validate(records)
}

// ClearCache discards all cached collector instances.
func (f *Factory) ClearCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache = make(map[export.DataCategory]Collector)
}

// InstanceCount returns the number of cached collectors.
func (f *Factory) InstanceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cache)
}

// CachedCategories returns the categories with a cached instance, sorted.
func (f *Factory) CachedCategories() []export.DataCategory {
	f.mu.Lock()
	defer f.mu.Unlock()

	cats := make([]export.DataCategory, 0, len(f.cache))
	for cat := range f.cache {
		cats = append(cats, cat)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	return cats
}
