package generator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/altamedica/patient-export/internal/export"
)

const csvDelimiter = ","

// fieldPriority fixes the leading column order per category; fields not
// listed follow alphabetically.
var fieldPriority = map[export.DataCategory][]string{
	export.CategoryMedicalRecords: {"date", "type", "description", "diagnosis", "treatment", "provider_name", "status"},
	export.CategoryLabResults:     {"result_date", "test_name", "value", "unit", "reference_range", "flag", "status"},
	export.CategoryAppointments:   {"appointment_date", "type", "status", "provider_name", "reason"},
	export.CategoryVitalSigns:     {"recorded_at", "blood_pressure", "heart_rate", "temperature", "weight", "height", "oxygen_saturation"},
}

// categoryDescriptions feed the summary sheet.
var categoryDescriptions = map[export.DataCategory]string{
	export.CategoryMedicalRecords: "Medical history entries (consultations, diagnoses, treatments)",
	export.CategoryLabResults:     "Laboratory test results with reference ranges",
	export.CategoryAppointments:   "Scheduled and past appointments",
	export.CategoryVitalSigns:     "Vital sign measurements",
}

// csvGenerator writes a directory of CSV sheets plus a README.
type csvGenerator struct{}

func newCSVGenerator() Generator { return &csvGenerator{} }

func (g *csvGenerator) FileExtension() string { return "csv" }

func (g *csvGenerator) SupportedLanguages() []string { return []string{"es", "en"} }

func (g *csvGenerator) Generate(ctx context.Context, pkg *export.PatientDataPackage, outDir string) (string, error) {
	dir := filepath.Join(outDir, artifactBase(pkg))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}

	categories := sortedCategories(pkg.MedicalData)

	type sheet struct {
		filename string
		content  string
	}
	sheets := []sheet{
		{"00_export_summary.csv", g.summarySheet(pkg, categories)},
		{"01_patient_information.csv", g.patientSheet(pkg)},
	}
	for i, cat := range categories {
		sheets = append(sheets, sheet{
			filename: fmt.Sprintf("%02d_%s.csv", i+2, cat),
			content:  g.categorySheet(cat, pkg.MedicalData[cat]),
		})
	}
	sheets = append(sheets, sheet{"README.txt", g.readme(pkg, categories)})

	for _, s := range sheets {
		if err := os.WriteFile(filepath.Join(dir, s.filename), []byte(s.content), 0o600); err != nil {
			return "", fmt.Errorf("write %s: %w", s.filename, err)
		}
	}
	return dir, nil
}

func (g *csvGenerator) summarySheet(pkg *export.PatientDataPackage, categories []export.DataCategory) string {
	var b strings.Builder
	writeRow(&b, []string{"Category", "Record_Count", "Filename", "Description"})
	for i, cat := range categories {
		writeRow(&b, []string{
			titleCase(string(cat)),
			fmt.Sprintf("%d", len(pkg.MedicalData[cat])),
			fmt.Sprintf("%02d_%s.csv", i+2, cat),
			categoryDescriptions[cat],
		})
	}
	return b.String()
}

func (g *csvGenerator) patientSheet(pkg *export.PatientDataPackage) string {
	info := pkg.PatientInfo

	var b strings.Builder
	writeRow(&b, []string{"Field", "Value"})
	writeRow(&b, []string{"Patient_Id", info.ID})
	writeRow(&b, []string{"First_Name", info.FirstName})
	writeRow(&b, []string{"Last_Name", info.LastName})
	writeRow(&b, []string{"Date_Of_Birth", info.DateOfBirth.UTC().Format("2006-01-02")})
	writeRow(&b, []string{"Gender", info.Gender})
	writeRow(&b, []string{"Email", info.ContactInfo.Email})
	writeRow(&b, []string{"Phone", info.ContactInfo.Phone})
	writeRow(&b, []string{"Address", info.ContactInfo.Address})
	writeRow(&b, []string{"Export_Date", pkg.Metadata.ExportDate.UTC().Format(time.RFC3339)})
	writeRow(&b, []string{"Export_Id", pkg.ExportID})
	return b.String()
}

// categorySheet writes one category's records with the priority columns
// first and the remaining observed fields alphabetically after.
func (g *csvGenerator) categorySheet(cat export.DataCategory, records []export.Record) string {
	fields := orderedFields(cat, records)

	var b strings.Builder
	headers := make([]string, len(fields))
	for i, f := range fields {
		headers[i] = titleCase(f)
	}
	writeRow(&b, headers)

	for _, r := range records {
		row := make([]string, len(fields))
		for i, f := range fields {
			row[i] = flattenValue(r[f])
		}
		writeRow(&b, row)
	}
	return b.String()
}

func (g *csvGenerator) readme(pkg *export.PatientDataPackage, categories []export.DataCategory) string {
	var b strings.Builder
	b.WriteString("PATIENT DATA EXPORT\n")
	b.WriteString("===================\n\n")
	fmt.Fprintf(&b, "Export ID:    %s\n", pkg.ExportID)
	fmt.Fprintf(&b, "Patient:      %s %s\n", pkg.PatientInfo.FirstName, pkg.PatientInfo.LastName)
	fmt.Fprintf(&b, "Generated:    %s\n", pkg.Metadata.ExportDate.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Total records: %d\n\n", pkg.Metadata.TotalRecords)
	b.WriteString("FILES\n")
	b.WriteString("-----\n")
	b.WriteString("00_export_summary.csv      Overview of included categories\n")
	b.WriteString("01_patient_information.csv Patient demographics and contact details\n")
	for i, cat := range categories {
		fmt.Fprintf(&b, "%02d_%s.csv\n", i+2, cat)
	}
	b.WriteString("\nAll files use UTF-8 encoding with comma delimiters.\n")
	fmt.Fprintf(&b, "Retention period: %s\n", pkg.Compliance.RetentionPeriod)
	b.WriteString("This export contains protected health information. Handle accordingly.\n")
	return b.String()
}

// orderedFields returns the union of fields across records, priority-listed
// fields first in their fixed order, the rest alphabetical.
func orderedFields(cat export.DataCategory, records []export.Record) []string {
	seen := make(map[string]bool)
	for _, r := range records {
		for k := range r {
			seen[k] = true
		}
	}

	var fields []string
	for _, f := range fieldPriority[cat] {
		if seen[f] {
			fields = append(fields, f)
			delete(seen, f)
		}
	}

	rest := make([]string, 0, len(seen))
	for f := range seen {
		rest = append(rest, f)
	}
	sort.Strings(rest)
	return append(fields, rest...)
}

func writeRow(b *strings.Builder, cells []string) {
	for i, cell := range cells {
		if i > 0 {
			b.WriteString(csvDelimiter)
		}
		b.WriteString(escapeCSVCell(cell))
	}
	b.WriteString("\n")
}

// escapeCSVCell applies the standard quoting rule: cells containing the
// delimiter, a quote or a newline are wrapped in quotes with internal
// quotes doubled.
func escapeCSVCell(cell string) string {
	if strings.ContainsAny(cell, csvDelimiter+"\"\n\r") {
		return "\"" + strings.ReplaceAll(cell, "\"", "\"\"") + "\""
	}
	return cell
}

// flattenValue renders a record value as a single CSV cell. Objects become
// "key: value" pairs joined by "; ", arrays join the same way recursively,
// times are ISO-8601.
func flattenValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case *time.Time:
		if val == nil {
			return ""
		}
		return val.UTC().Format(time.RFC3339)
	case export.Record:
		return flattenMap(map[string]interface{}(val))
	case map[string]interface{}:
		return flattenMap(val)
	case []export.Record:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = flattenValue(item)
		}
		return strings.Join(parts, "; ")
	case []interface{}:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = flattenValue(item)
		}
		return strings.Join(parts, "; ")
	case []string:
		return strings.Join(val, "; ")
	default:
		return fmt.Sprintf("%v", val)
	}
}

func flattenMap(m map[string]interface{}) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, flattenValue(m[k])))
	}
	return strings.Join(parts, "; ")
}
