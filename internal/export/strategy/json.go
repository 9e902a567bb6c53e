package strategy

import (
	"encoding/json"
	"fmt"

	"github.com/altamedica/patient-export/internal/export"
)

// JSONStrategy serializes the filtered package as pretty-printed JSON.
type JSONStrategy struct{}

func (s *JSONStrategy) Export(pkg *export.PatientDataPackage, opts Options) ([]byte, error) {
	if pkg == nil {
		return nil, export.ErrPackageRequired
	}

	data, err := json.MarshalIndent(filterPackage(pkg, opts), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal filtered package: %w", err)
	}
	return data, nil
}

func (s *JSONStrategy) ContentType() string { return "application/json" }

func (s *JSONStrategy) FileExtension() string { return "json" }
