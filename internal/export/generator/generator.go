// Package generator produces export artifacts on disk, one generator per
// output format. The Factory owns format capabilities, instance caching,
// request validation and multi-format fan-out.
package generator

import (
	"context"

	"github.com/altamedica/patient-export/internal/export"
)

// Generator serializes an assembled package into a file or directory under
// outDir and returns the resulting path. Directory creation is the
// generator's responsibility.
type Generator interface {
	Generate(ctx context.Context, pkg *export.PatientDataPackage, outDir string) (string, error)
	FileExtension() string
	SupportedLanguages() []string
}

// OutputShape describes what a generator writes.
type OutputShape string

const (
	ShapeSingleFile OutputShape = "single-file"
	ShapeMultiFile  OutputShape = "multi-file"
	ShapeArchive    OutputShape = "archive"
)

// Capabilities describes a format independent of whether its generator
// is usable yet. Formats appear in capability listings even when invoking
// them fails with a not-implemented error; discovery consumers rely on the
// full listing.
type Capabilities struct {
	SupportedLanguages []string    `json:"supported_languages"`
	SupportsEncryption bool        `json:"supports_encryption"`
	SupportsStreaming  bool        `json:"supports_streaming"`
	OutputShape        OutputShape `json:"output_shape"`
	// SizeMultiplier estimates output size relative to the JSON baseline.
	SizeMultiplier float64 `json:"size_multiplier"`
}

type registration struct {
	construct    func() Generator
	capabilities Capabilities
}

// registry maps every advertised format to its constructor and
// capabilities. pdf, zip and fhir construct placeholder generators that
// fail on first real use.
var registry = map[export.Format]registration{
	export.FormatJSON: {
		construct: newJSONGenerator,
		capabilities: Capabilities{
			SupportedLanguages: []string{"es", "en"},
			SupportsEncryption: true,
			SupportsStreaming:  false,
			OutputShape:        ShapeSingleFile,
			SizeMultiplier:     1.0,
		},
	},
	export.FormatCSV: {
		construct: newCSVGenerator,
		capabilities: Capabilities{
			SupportedLanguages: []string{"es", "en"},
			SupportsEncryption: true,
			SupportsStreaming:  false,
			OutputShape:        ShapeMultiFile,
			SizeMultiplier:     0.7,
		},
	},
	export.FormatPDF: {
		construct: func() Generator { return &notImplementedGenerator{format: export.FormatPDF, extension: "pdf"} },
		capabilities: Capabilities{
			SupportedLanguages: []string{"es", "en"},
			SupportsEncryption: true,
			SupportsStreaming:  false,
			OutputShape:        ShapeSingleFile,
			SizeMultiplier:     2.5,
		},
	},
	export.FormatZIP: {
		construct: func() Generator { return &notImplementedGenerator{format: export.FormatZIP, extension: "zip"} },
		capabilities: Capabilities{
			SupportedLanguages: []string{"es", "en"},
			SupportsEncryption: true,
			SupportsStreaming:  true,
			OutputShape:        ShapeArchive,
			SizeMultiplier:     0.3,
		},
	},
	export.FormatFHIR: {
		construct: func() Generator { return &notImplementedGenerator{format: export.FormatFHIR, extension: "json"} },
		capabilities: Capabilities{
			SupportedLanguages: []string{"en"},
			SupportsEncryption: true,
			SupportsStreaming:  false,
			OutputShape:        ShapeSingleFile,
			SizeMultiplier:     1.8,
		},
	},
}

// implementedFormats marks the formats whose generators actually produce
// output. The registry deliberately advertises more than this set.
var implementedFormats = map[export.Format]bool{
	export.FormatJSON: true,
	export.FormatCSV:  true,
}

// notImplementedGenerator is the placeholder behind advertised formats
// without a working implementation. It fails at the point of first real use.
type notImplementedGenerator struct {
	format    export.Format
	extension string
}

func (g *notImplementedGenerator) Generate(ctx context.Context, pkg *export.PatientDataPackage, outDir string) (string, error) {
	return "", &export.NotImplementedError{Format: g.format}
}

func (g *notImplementedGenerator) FileExtension() string { return g.extension }

func (g *notImplementedGenerator) SupportedLanguages() []string {
	return registry[g.format].capabilities.SupportedLanguages
}
