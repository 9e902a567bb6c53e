package generator

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/altamedica/patient-export/internal/export"
)

// dateFieldPriority is the documented heuristic for finding a record's
// canonical timestamp. Checked in order; both identifier spellings of each
// field are accepted because opaque categories may carry either. Falls back
// to the current time when nothing matches.
var dateFieldPriority = []string{
	"date",
	"recordedAt", "recorded_at",
	"appointmentDate", "appointment_date",
	"resultDate", "result_date",
	"createdAt", "created_at",
}

// extractRecordDate applies the field-priority heuristic to one record.
func extractRecordDate(r export.Record) time.Time {
	for _, field := range dateFieldPriority {
		v, ok := r[field]
		if !ok {
			continue
		}
		if t, ok := asTime(v); ok {
			return t
		}
	}
	return time.Now().UTC()
}

func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t != nil {
			return *t, true
		}
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

// normalizeDates walks a value recursively and converts every time.Time to
// an ISO-8601 string, so serialized output carries one timestamp encoding.
func normalizeDates(v interface{}) interface{} {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.UTC().Format(time.RFC3339)
	case export.Record:
		return normalizeMap(map[string]interface{}(val))
	case map[string]interface{}:
		return normalizeMap(val)
	case []export.Record:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeDates(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeDates(item)
		}
		return out
	default:
		return v
	}
}

func normalizeMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = normalizeDates(v)
	}
	return out
}

var retentionRe = regexp.MustCompile(`(\d+)\s*(year|month|day)s?`)

// retentionExpiry computes when an export's retention period ends, parsing
// the free-text retention string. Unparseable strings fall back to 10 years.
func retentionExpiry(from time.Time, retention string) time.Time {
	m := retentionRe.FindStringSubmatch(strings.ToLower(retention))
	if m == nil {
		return from.AddDate(10, 0, 0)
	}

	var n int
	fmt.Sscanf(m[1], "%d", &n)

	switch m[2] {
	case "year":
		return from.AddDate(n, 0, 0)
	case "month":
		return from.AddDate(0, n, 0)
	default:
		return from.AddDate(0, 0, n)
	}
}

var filenameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
var repeatedUnderscores = regexp.MustCompile(`_+`)

// artifactBase builds the base artifact name for a package:
// <First>_<Last>_export_<timestamp>, with the ISO timestamp's colons and
// dots replaced by dashes and the whole name sanitized.
func artifactBase(pkg *export.PatientDataPackage) string {
	ts := pkg.Metadata.ExportDate.UTC().Format(time.RFC3339)
	ts = strings.ReplaceAll(ts, ":", "-")
	ts = strings.ReplaceAll(ts, ".", "-")

	name := fmt.Sprintf("%s_%s_export_%s", pkg.PatientInfo.FirstName, pkg.PatientInfo.LastName, ts)
	return sanitizeFilename(name)
}

// sanitizeFilename replaces characters outside [a-zA-Z0-9._-] with
// underscores and collapses runs of underscores.
func sanitizeFilename(name string) string {
	name = filenameUnsafe.ReplaceAllString(name, "_")
	return repeatedUnderscores.ReplaceAllString(name, "_")
}

// titleCase converts an identifier-style field name to Title_Case headers:
// "result_date" and "resultDate" both become "Result_Date".
func titleCase(field string) string {
	// Break camelCase boundaries first, then normalize on underscores.
	var b strings.Builder
	for i, r := range field {
		if i > 0 && r >= 'A' && r <= 'Z' {
			prev := rune(field[i-1])
			if prev != '_' && (prev < 'A' || prev > 'Z') {
				b.WriteByte('_')
			}
		}
		b.WriteRune(r)
	}

	parts := strings.Split(b.String(), "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + strings.ToLower(p[1:])
	}

	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "_")
}

// sortedCategories returns the categories of data that are present and
// non-empty, in enumeration order. Map iteration order is not usable for
// file numbering.
func sortedCategories(data export.MedicalData) []export.DataCategory {
	var cats []export.DataCategory
	for _, cat := range export.AllCategories() {
		if records, ok := data[cat]; ok && len(records) > 0 {
			cats = append(cats, cat)
		}
	}
	return cats
}
