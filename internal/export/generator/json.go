package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/altamedica/patient-export/internal/export"
)

const (
	jsonSchemaName      = "patient-data-export"
	jsonGeneratorVer    = "2.1.0"
	jsonDefaultTimezone = "America/Argentina/Buenos_Aires"
)

// jsonGenerator writes the layered single-file JSON document.
type jsonGenerator struct{}

func newJSONGenerator() Generator { return &jsonGenerator{} }

func (g *jsonGenerator) FileExtension() string { return "json" }

func (g *jsonGenerator) SupportedLanguages() []string { return []string{"es", "en"} }

func (g *jsonGenerator) Generate(ctx context.Context, pkg *export.PatientDataPackage, outDir string) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}

	doc := g.buildDocument(pkg)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal export document: %w", err)
	}

	path := filepath.Join(outDir, artifactBase(pkg)+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write export file: %w", err)
	}
	return path, nil
}

// buildDocument restructures the flat package into the layered export
// document: export metadata, patient, per-category medical data with counts
// and lastUpdated, compliance, and an internal _metadata block.
func (g *jsonGenerator) buildDocument(pkg *export.PatientDataPackage) map[string]interface{} {
	medicalData := make(map[string]interface{}, len(pkg.MedicalData))
	for cat, records := range pkg.MedicalData {
		medicalData[string(cat)] = g.buildCategory(records)
	}

	exportBlock := map[string]interface{}{
		"exportId":        pkg.ExportID,
		"exportDate":      pkg.Metadata.ExportDate.UTC().Format(time.RFC3339),
		"version":         pkg.Metadata.ExportVersion,
		"totalRecords":    pkg.Metadata.TotalRecords,
		"categories":      pkg.Metadata.Categories,
		"format":          pkg.Metadata.Format,
		"checksum":        pkg.Metadata.Checksum,
		"encrypted":       pkg.Metadata.Encrypted,
		"retentionExpiry": retentionExpiry(pkg.Metadata.ExportDate, pkg.Compliance.RetentionPeriod).UTC().Format(time.RFC3339),
	}
	if pkg.Metadata.DateRange != nil {
		exportBlock["dateRange"] = map[string]interface{}{
			"from": pkg.Metadata.DateRange.From.UTC().Format(time.RFC3339),
			"to":   pkg.Metadata.DateRange.To.UTC().Format(time.RFC3339),
		}
	}

	return map[string]interface{}{
		"export": exportBlock,
		"patient": map[string]interface{}{
			"id":                pkg.PatientInfo.ID,
			"firstName":         pkg.PatientInfo.FirstName,
			"lastName":          pkg.PatientInfo.LastName,
			"dateOfBirth":       pkg.PatientInfo.DateOfBirth.UTC().Format(time.RFC3339),
			"gender":            pkg.PatientInfo.Gender,
			"contactInfo":       normalizeDates(export.Record{"email": pkg.PatientInfo.ContactInfo.Email, "phone": pkg.PatientInfo.ContactInfo.Phone, "address": pkg.PatientInfo.ContactInfo.Address}),
			"emergencyContacts": normalizeDates(pkg.PatientInfo.EmergencyContacts),
			"insurance":         normalizeDates(pkg.PatientInfo.Insurance),
		},
		"medicalData": medicalData,
		"compliance":  pkg.Compliance,
		"_metadata": map[string]interface{}{
			"schema":           jsonSchemaName,
			"generatorVersion": jsonGeneratorVer,
			"encoding":         "utf-8",
			"timezone":         jsonDefaultTimezone,
		},
	}
}

// buildCategory wraps one category's records with a count and the most
// recent record date, sorting records newest first by the documented
// date heuristic.
func (g *jsonGenerator) buildCategory(records []export.Record) map[string]interface{} {
	sorted := make([]export.Record, len(records))
	copy(sorted, records)

	dates := make(map[int]time.Time, len(sorted))
	for i, r := range sorted {
		dates[i] = extractRecordDate(r)
	}
	idx := make([]int, len(sorted))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return dates[idx[a]].After(dates[idx[b]]) })

	ordered := make([]interface{}, len(sorted))
	var lastUpdated time.Time
	for out, in := range idx {
		ordered[out] = normalizeDates(sorted[in])
		if dates[in].After(lastUpdated) {
			lastUpdated = dates[in]
		}
	}

	block := map[string]interface{}{
		"count":   len(records),
		"records": ordered,
	}
	if !lastUpdated.IsZero() {
		block["lastUpdated"] = lastUpdated.UTC().Format(time.RFC3339)
	}
	return block
}
