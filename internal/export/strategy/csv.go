package strategy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/altamedica/patient-export/internal/export"
)

// column maps one CSV header to the record field it renders.
type column struct {
	header string
	field  string
}

// sectionLayouts fixes the column layout per category. Categories without
// a layout fall back to a generic date + summary pair.
var sectionLayouts = map[export.DataCategory][]column{
	export.CategoryMedicalRecords: {
		{"Date", "date"}, {"Type", "type"}, {"Description", "description"}, {"Status", "status"},
	},
	export.CategoryLabResults: {
		{"Date", "result_date"}, {"Test", "test_name"}, {"Value", "value"}, {"Unit", "unit"}, {"Status", "status"},
	},
	export.CategoryAppointments: {
		{"Date", "appointment_date"}, {"Type", "type"}, {"Provider", "provider_name"}, {"Status", "status"},
	},
	export.CategoryVitalSigns: {
		{"Date", "recorded_at"}, {"Blood_Pressure", "blood_pressure"}, {"Heart_Rate", "heart_rate"},
		{"Temperature", "temperature"}, {"Oxygen_Saturation", "oxygen_saturation"},
	},
}

var genericLayout = []column{{"Date", "date"}, {"Summary", ""}}

// CSVStrategy renders one titled section per included category, separated
// by blank lines.
type CSVStrategy struct{}

func (s *CSVStrategy) Export(pkg *export.PatientDataPackage, opts Options) ([]byte, error) {
	if pkg == nil {
		return nil, export.ErrPackageRequired
	}
	filtered := filterPackage(pkg, opts)

	var b strings.Builder

	b.WriteString("PATIENT INFORMATION\n")
	writeCells(&b, []string{"Field", "Value"})
	writeCells(&b, []string{"Name", filtered.PatientInfo.FirstName + " " + filtered.PatientInfo.LastName})
	writeCells(&b, []string{"Patient_Id", filtered.PatientInfo.ID})
	writeCells(&b, []string{"Date_Of_Birth", filtered.PatientInfo.DateOfBirth.UTC().Format("2006-01-02")})
	writeCells(&b, []string{"Export_Date", filtered.Metadata.ExportDate.UTC().Format(time.RFC3339)})
	writeCells(&b, []string{"Total_Records", fmt.Sprintf("%d", filtered.Metadata.TotalRecords)})

	for _, cat := range includedCategories(filtered) {
		b.WriteString("\n")
		b.WriteString(strings.ToUpper(strings.ReplaceAll(string(cat), "_", " ")))
		b.WriteString("\n")

		layout, ok := sectionLayouts[cat]
		if !ok {
			layout = genericLayout
		}

		headers := make([]string, len(layout))
		for i, c := range layout {
			headers[i] = c.header
		}
		writeCells(&b, headers)

		for _, r := range filtered.MedicalData[cat] {
			row := make([]string, len(layout))
			for i, c := range layout {
				if c.field == "" {
					row[i] = summarizeFields(r)
				} else {
					row[i] = cellValue(r[c.field])
				}
			}
			writeCells(&b, row)
		}
	}

	return []byte(b.String()), nil
}

func (s *CSVStrategy) ContentType() string { return "text/csv" }

func (s *CSVStrategy) FileExtension() string { return "csv" }

func writeCells(b *strings.Builder, cells []string) {
	for i, cell := range cells {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(escapeCell(cell))
	}
	b.WriteString("\n")
}

// escapeCell applies the standard CSV quoting rule: quote cells containing
// the delimiter, a quote or a newline, doubling internal quotes.
func escapeCell(cell string) string {
	if strings.ContainsAny(cell, ",\"\n\r") {
		return "\"" + strings.ReplaceAll(cell, "\"", "\"\"") + "\""
	}
	return cell
}

// cellValue renders one record value for a CSV cell.
func cellValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case time.Time:
		return val.UTC().Format("2006-01-02")
	case *time.Time:
		if val == nil {
			return ""
		}
		return val.UTC().Format("2006-01-02")
	default:
		return fmt.Sprintf("%v", val)
	}
}

// summarizeFields flattens an opaque record into "key: value" pairs.
func summarizeFields(r export.Record) string {
	keys := make([]string, 0, len(r))
	for k := range r {
		if k == "date" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, cellValue(r[k])))
	}
	return strings.Join(parts, "; ")
}
