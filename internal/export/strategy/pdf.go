package strategy

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/altamedica/patient-export/internal/export"
)

const (
	// maxRowsPerSection caps how many records a category section renders;
	// the remainder collapses into a "+N more records" line.
	maxRowsPerSection = 10

	pdfPageHeight   = 297.0 // A4 portrait, mm
	pdfBottomMargin = 20.0
	pdfRowHeight    = 6.0
)

// PDFStrategy renders a paginated summary document: patient block, one
// section per included category, footer with page numbers and a compliance
// statement.
type PDFStrategy struct{}

func (s *PDFStrategy) Export(pkg *export.PatientDataPackage, opts Options) ([]byte, error) {
	if pkg == nil {
		return nil, export.ErrPackageRequired
	}
	filtered := filterPackage(pkg, opts)

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetAutoPageBreak(false, pdfBottomMargin)
	pdf.AliasNbPages("")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.CellFormat(0, 10,
			fmt.Sprintf("Page %d of {nb}  |  Confidential patient data export - protected health information (HIPAA / Ley 26.529)", pdf.PageNo()),
			"", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	s.writeHeader(pdf, filtered)
	s.writePatientBlock(pdf, filtered)

	for _, cat := range includedCategories(filtered) {
		s.writeSection(pdf, cat, filtered.MedicalData[cat])
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *PDFStrategy) ContentType() string { return "application/pdf" }

func (s *PDFStrategy) FileExtension() string { return "pdf" }

func (s *PDFStrategy) writeHeader(pdf *gofpdf.Fpdf, pkg *export.PatientDataPackage) {
	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, "Patient Data Export", "", 1, "C", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	pdf.CellFormat(0, 6,
		fmt.Sprintf("Export %s  |  Generated %s", pkg.ExportID, pkg.Metadata.ExportDate.UTC().Format(time.RFC3339)),
		"", 1, "C", false, 0, "")
	pdf.Ln(4)
}

func (s *PDFStrategy) writePatientBlock(pdf *gofpdf.Fpdf, pkg *export.PatientDataPackage) {
	info := pkg.PatientInfo

	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 8, "Patient Information", "B", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)

	lines := []string{
		fmt.Sprintf("Name: %s %s", info.FirstName, info.LastName),
		fmt.Sprintf("Patient ID: %s", info.ID),
		fmt.Sprintf("Date of birth: %s", info.DateOfBirth.UTC().Format("2006-01-02")),
		fmt.Sprintf("Gender: %s", info.Gender),
		fmt.Sprintf("Total records: %d", pkg.Metadata.TotalRecords),
	}
	for _, line := range lines {
		pdf.CellFormat(0, pdfRowHeight, line, "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)
}

// writeSection renders one category: a title, up to maxRowsPerSection
// summarized records, and an overflow line. Greedy pagination: when the
// next line does not fit in the remaining vertical space, a new page starts.
func (s *PDFStrategy) writeSection(pdf *gofpdf.Fpdf, cat export.DataCategory, records []export.Record) {
	// Keep the title and at least one row together.
	s.ensureSpace(pdf, 8+pdfRowHeight)

	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 8, sectionTitle(cat), "B", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)

	shown := len(records)
	if shown > maxRowsPerSection {
		shown = maxRowsPerSection
	}

	for _, r := range records[:shown] {
		s.ensureSpace(pdf, pdfRowHeight)
		pdf.CellFormat(0, pdfRowHeight, summarizeRecord(cat, r), "", 1, "L", false, 0, "")
	}

	if remaining := len(records) - shown; remaining > 0 {
		s.ensureSpace(pdf, pdfRowHeight)
		pdf.SetFont("Helvetica", "I", 9)
		pdf.CellFormat(0, pdfRowHeight, fmt.Sprintf("+%d more records", remaining), "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 9)
	}
	pdf.Ln(3)
}

func (s *PDFStrategy) ensureSpace(pdf *gofpdf.Fpdf, needed float64) {
	if pdf.GetY()+needed > pdfPageHeight-pdfBottomMargin {
		pdf.AddPage()
	}
}

// sectionTitle renders "lab_results" as "Lab Results".
func sectionTitle(cat export.DataCategory) string {
	words := strings.Split(string(cat), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// summarizeRecord renders one record as a single line using the category's
// CSV column layout, falling back to the generic field summary.
func summarizeRecord(cat export.DataCategory, r export.Record) string {
	layout, ok := sectionLayouts[cat]
	if !ok {
		return cellValue(r["date"]) + "  " + summarizeFields(r)
	}

	parts := make([]string, 0, len(layout))
	for _, c := range layout {
		if v := cellValue(r[c.field]); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "  |  ")
}
