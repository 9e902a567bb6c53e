package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/altamedica/patient-export/internal/export"
)

// minChunkSize is the floor for caller-supplied chunk sizes.
const minChunkSize = 1024

// downloadURLPattern is the delivery endpoint contract served by the API.
const downloadURLPattern = "/api/v1/exports/download/%s/%s"

// Options tunes a single generation call. Zero values mean defaults.
type Options struct {
	// Language selects the output language; must be in the generator's
	// supported set when non-empty.
	Language string
	// ChunkSize is a streaming hint in bytes; below 1024 is rejected.
	ChunkSize int
}

// Result describes one produced artifact.
type Result struct {
	Path           string        `json:"path"`
	Format         export.Format `json:"format"`
	Size           int64         `json:"size"`
	GenerationTime time.Duration `json:"generation_time"`
	ThroughputMBps float64       `json:"throughput_mbps"`
	DownloadURL    string        `json:"download_url"`
}

// FormatResult holds one format's outcome in a multi-format run: exactly
// one of Result and Err is set.
type FormatResult struct {
	Result *Result
	Err    error
}

// SizeEstimate approximates artifact size before generation.
type SizeEstimate struct {
	Format        export.Format                   `json:"format"`
	EstimatedSize int64                           `json:"estimated_size"`
	Confidence    string                          `json:"confidence"`
	Breakdown     map[export.DataCategory]int64   `json:"breakdown"`
}

// FormatInfo is one entry in the capability listing.
type FormatInfo struct {
	Format       export.Format `json:"format"`
	Capabilities Capabilities  `json:"capabilities"`
	Implemented  bool          `json:"implemented"`
}

// Factory creates, caches and orchestrates per-format generators.
type Factory struct {
	logger *zap.Logger

	mu    sync.Mutex
	cache map[export.Format]Generator
}

// NewFactory creates a generator factory.
func NewFactory(logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		logger: logger,
		cache:  make(map[export.Format]Generator),
	}
}

// Get returns the cached generator for a format, constructing it on first
// use. Formats outside the registry fail with UnknownFormatError.
func (f *Factory) Get(format export.Format) (Generator, error) {
	reg, ok := registry[format]
	if !ok {
		return nil, &export.UnknownFormatError{Format: format}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if g, ok := f.cache[format]; ok {
		return g, nil
	}
	g := reg.construct()
	f.cache[format] = g
	return g, nil
}

// IsImplemented reports whether the format's generator produces output.
func (f *Factory) IsImplemented(format export.Format) bool {
	return implementedFormats[format]
}

// Formats lists every advertised format with its capabilities. The listing
// deliberately includes formats whose generation fails not-implemented;
// Implemented distinguishes them.
func (f *Factory) Formats() []FormatInfo {
	infos := make([]FormatInfo, 0, len(registry))
	for format, reg := range registry {
		infos = append(infos, FormatInfo{
			Format:       format,
			Capabilities: reg.capabilities,
			Implemented:  implementedFormats[format],
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Format < infos[j].Format })
	return infos
}

// GenerateExport validates the request, runs the format's generator and
// measures the produced artifact.
func (f *Factory) GenerateExport(ctx context.Context, format export.Format, pkg *export.PatientDataPackage, exportDir string, opts Options) (*Result, error) {
	if format == "" {
		return nil, export.ErrFormatRequired
	}
	if pkg == nil {
		return nil, export.ErrPackageRequired
	}
	if pkg.PatientInfo.ID == "" {
		return nil, export.ErrPatientIDRequired
	}
	if opts.ChunkSize > 0 && opts.ChunkSize < minChunkSize {
		return nil, export.ErrChunkSizeTooSmall
	}

	gen, err := f.Get(format)
	if err != nil {
		return nil, err
	}

	if opts.Language != "" && !supportsLanguage(gen, opts.Language) {
		return nil, fmt.Errorf("language %q not supported by %s generator", opts.Language, format)
	}

	start := time.Now()
	path, err := gen.Generate(ctx, pkg, exportDir)
	if err != nil {
		return nil, fmt.Errorf("export generation failed: %w", err)
	}
	elapsed := time.Since(start)

	size, err := artifactSize(path)
	if err != nil {
		return nil, fmt.Errorf("stat generated artifact: %w", err)
	}

	throughput := 0.0
	if elapsed > 0 {
		throughput = float64(size) / (1024 * 1024) / elapsed.Seconds()
	}

	result := &Result{
		Path:           path,
		Format:         format,
		Size:           size,
		GenerationTime: elapsed,
		ThroughputMBps: throughput,
		DownloadURL:    fmt.Sprintf(downloadURLPattern, pkg.ExportID, filepath.Base(path)),
	}

	f.logger.Info("export generated",
		zap.String("export_id", pkg.ExportID),
		zap.String("format", string(format)),
		zap.Int64("size_bytes", size),
		zap.Duration("generation_time", elapsed))

	return result, nil
}

// GenerateMultipleFormats runs generation for each known requested format
// concurrently. One format's failure (including not-implemented formats) is
// captured in its entry and never affects siblings; formats outside the
// registry are dropped.
func (f *Factory) GenerateMultipleFormats(ctx context.Context, formats []export.Format, pkg *export.PatientDataPackage, exportDir string, opts Options) map[export.Format]FormatResult {
	var known []export.Format
	for _, format := range formats {
		if _, ok := registry[format]; ok {
			known = append(known, format)
		}
	}

	results := make(map[export.Format]FormatResult, len(known))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, format := range known {
		wg.Add(1)
		go func(format export.Format) {
			defer wg.Done()

			res, err := f.GenerateExport(ctx, format, pkg, exportDir, opts)

			mu.Lock()
			results[format] = FormatResult{Result: res, Err: err}
			mu.Unlock()
		}(format)
	}

	wg.Wait()
	return results
}

// EstimateExportSize approximates the artifact size as the JSON-serialized
// package length times the format's size multiplier. Confidence is high
// only for implemented formats.
func (f *Factory) EstimateExportSize(format export.Format, pkg *export.PatientDataPackage) (*SizeEstimate, error) {
	reg, ok := registry[format]
	if !ok {
		return nil, &export.UnknownFormatError{Format: format}
	}
	if pkg == nil {
		return nil, export.ErrPackageRequired
	}

	base, err := json.Marshal(pkg)
	if err != nil {
		return nil, fmt.Errorf("marshal package for estimation: %w", err)
	}

	confidence := "medium"
	if implementedFormats[format] {
		confidence = "high"
	}

	breakdown := make(map[export.DataCategory]int64, len(pkg.MedicalData))
	for cat, records := range pkg.MedicalData {
		raw, err := json.Marshal(records)
		if err != nil {
			return nil, fmt.Errorf("marshal %s records for estimation: %w", cat, err)
		}
		breakdown[cat] = int64(float64(len(raw)) * reg.capabilities.SizeMultiplier)
	}

	return &SizeEstimate{
		Format:        format,
		EstimatedSize: int64(float64(len(base)) * reg.capabilities.SizeMultiplier),
		Confidence:    confidence,
		Breakdown:     breakdown,
	}, nil
}

// ClearCache discards all cached generator instances.
func (f *Factory) ClearCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache = make(map[export.Format]Generator)
}

// InstanceCount returns the number of cached generators.
func (f *Factory) InstanceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cache)
}

func supportsLanguage(g Generator, lang string) bool {
	for _, l := range g.SupportedLanguages() {
		if l == lang {
			return true
		}
	}
	return false
}

// artifactSize measures a produced artifact, which is either a single file
// or a directory of sheets.
func artifactSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}

	var total int64
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		total += fi.Size()
		return nil
	})
	return total, err
}
