// Package orchestrator drives one export request end to end: collect,
// validate, assemble, generate, encrypt, finalize. Each phase updates the
// request's progress so the API can report where a long export stands.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/altamedica/patient-export/internal/export"
	"github.com/altamedica/patient-export/internal/export/audit"
	"github.com/altamedica/patient-export/internal/export/collector"
	"github.com/altamedica/patient-export/internal/export/generator"
	"github.com/altamedica/patient-export/internal/export/request"
	"github.com/altamedica/patient-export/internal/observability/metrics"
)

const (
	exportVersion          = "2.1.0"
	defaultRetentionPeriod = "10 years"
)

// RequestStore is the slice of the request repository the orchestrator needs.
type RequestStore interface {
	MarkProcessing(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, progress int, stage string) error
	Complete(ctx context.Context, id, downloadURL string, fileSize int64, checksum string) error
	Fail(ctx context.Context, id, message string) error
}

// AuditRecorder records compliance events for processed exports.
type AuditRecorder interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// Encryptor seals artifacts at rest. Optional.
type Encryptor interface {
	EncryptFile(exportID, path string) (string, error)
}

// Orchestrator processes export requests pulled off the request topic.
type Orchestrator struct {
	requests   RequestStore
	store      collector.Store
	collectors *collector.Factory
	generators *generator.Factory
	auditor    AuditRecorder
	encryptor  Encryptor
	metrics    *metrics.Metrics
	logger     *zap.Logger
	tracer     trace.Tracer

	exportDir string
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Requests   RequestStore
	Store      collector.Store
	Collectors *collector.Factory
	Generators *generator.Factory
	Auditor    AuditRecorder
	// Encryptor is optional; nil leaves artifacts in plaintext.
	Encryptor Encryptor
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	ExportDir string
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Requests == nil || cfg.Store == nil || cfg.Collectors == nil || cfg.Generators == nil {
		return nil, errors.New("requests, store, collectors and generators are required")
	}
	if cfg.ExportDir == "" {
		return nil, errors.New("export directory is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		requests:   cfg.Requests,
		store:      cfg.Store,
		collectors: cfg.Collectors,
		generators: cfg.Generators,
		auditor:    cfg.Auditor,
		encryptor:  cfg.Encryptor,
		metrics:    cfg.Metrics,
		logger:     logger,
		tracer:     otel.Tracer("export-orchestrator"),
		exportDir:  cfg.ExportDir,
	}, nil
}

// Process runs one export request through the full pipeline. A stale command
// (request already cancelled or processed) is dropped without error; every
// other failure marks the request failed and is returned to the caller.
func (o *Orchestrator) Process(ctx context.Context, req *request.ExportRequest) error {
	ctx, span := o.tracer.Start(ctx, "export.process",
		trace.WithAttributes(
			attribute.String("export_id", req.ID),
			attribute.String("patient_id", req.PatientID),
			attribute.String("format", string(req.Format)),
		))
	defer span.End()

	if err := o.requests.MarkProcessing(ctx, req.ID); err != nil {
		var ite *request.InvalidTransitionError
		if errors.As(err, &ite) {
			o.logger.Warn("dropping stale export command",
				zap.String("export_id", req.ID),
				zap.String("current_status", string(ite.From)))
			return nil
		}
		return err
	}

	if o.metrics != nil {
		o.metrics.ActiveExports.Inc()
		defer o.metrics.ActiveExports.Dec()
	}

	start := time.Now()
	result, err := o.run(ctx, req)
	if err != nil {
		span.RecordError(err)
		return o.fail(ctx, req, err)
	}

	downloadURL := result.DownloadURL
	if err := o.requests.Complete(ctx, req.ID, downloadURL, result.Size, result.Checksum); err != nil {
		return err
	}
	o.recordAudit(ctx, req, audit.ActionExportCompleted, map[string]interface{}{
		"format":       string(req.Format),
		"size_bytes":   result.Size,
		"duration":     time.Since(start).String(),
		"record_count": result.RecordCount,
	})

	if o.metrics != nil {
		o.metrics.ExportsCompleted.WithLabelValues(string(req.Format)).Inc()
		o.metrics.ExportDuration.Observe(time.Since(start).Seconds())
		o.metrics.ArtifactBytes.WithLabelValues(string(req.Format)).Observe(float64(result.Size))
	}

	o.logger.Info("export completed",
		zap.String("export_id", req.ID),
		zap.String("patient_id", req.PatientID),
		zap.Int64("size_bytes", result.Size),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// processResult carries what finalization needs out of the pipeline.
type processResult struct {
	DownloadURL string
	Size        int64
	Checksum    string
	RecordCount int
}

func (o *Orchestrator) run(ctx context.Context, req *request.ExportRequest) (*processResult, error) {
	if err := o.requests.UpdateProgress(ctx, req.ID, 10, "fetching_patient"); err != nil {
		return nil, err
	}
	patient, err := o.fetchPatient(ctx, req.PatientID)
	if err != nil {
		return nil, err
	}

	if err := o.requests.UpdateProgress(ctx, req.ID, 30, "collecting"); err != nil {
		return nil, err
	}
	data := o.collect(ctx, req)

	if err := o.requests.UpdateProgress(ctx, req.ID, 50, "validating"); err != nil {
		return nil, err
	}
	if vr := o.collectors.ValidateCollected(data); !vr.Valid {
		return nil, fmt.Errorf("collected data failed validation: %s", strings.Join(vr.Errors, "; "))
	}

	if err := o.requests.UpdateProgress(ctx, req.ID, 60, "assembling"); err != nil {
		return nil, err
	}
	pkg, err := o.assemble(req, patient, data)
	if err != nil {
		return nil, err
	}

	if err := o.requests.UpdateProgress(ctx, req.ID, 70, "generating"); err != nil {
		return nil, err
	}
	genResult, err := o.generate(ctx, req, pkg)
	if err != nil {
		return nil, err
	}

	downloadURL := genResult.DownloadURL
	size := genResult.Size
	if o.encryptor != nil {
		if err := o.requests.UpdateProgress(ctx, req.ID, 90, "encrypting"); err != nil {
			return nil, err
		}
		downloadURL, size, err = o.encrypt(ctx, req.ID, genResult)
		if err != nil {
			return nil, err
		}
	}

	return &processResult{
		DownloadURL: downloadURL,
		Size:        size,
		Checksum:    pkg.Metadata.Checksum,
		RecordCount: pkg.Metadata.TotalRecords,
	}, nil
}

func (o *Orchestrator) fetchPatient(ctx context.Context, patientID string) (*export.PatientInfo, error) {
	ctx, span := o.tracer.Start(ctx, "export.fetch_patient")
	defer span.End()

	patient, err := o.store.PatientInfo(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("fetch patient %s: %w", patientID, err)
	}
	return patient, nil
}

func (o *Orchestrator) collect(ctx context.Context, req *request.ExportRequest) export.MedicalData {
	ctx, span := o.tracer.Start(ctx, "export.collect",
		trace.WithAttributes(attribute.Int("categories", len(req.Categories))))
	defer span.End()

	data := o.collectors.CollectMultiple(ctx, req.Categories, req.PatientID, req.DateRange)

	if o.metrics != nil {
		for cat, records := range data {
			o.metrics.RecordsCollected.WithLabelValues(string(cat)).Add(float64(len(records)))
		}
	}
	span.SetAttributes(attribute.Int("records", data.RecordCount()))
	return data
}

// assemble builds the immutable package: demographics, collected data, run
// metadata with a content checksum, and the compliance block.
func (o *Orchestrator) assemble(req *request.ExportRequest, patient *export.PatientInfo, data export.MedicalData) (*export.PatientDataPackage, error) {
	checksum, err := dataChecksum(data)
	if err != nil {
		return nil, err
	}

	categories := make([]string, 0, len(data))
	for _, cat := range export.AllCategories() {
		if _, ok := data[cat]; ok {
			categories = append(categories, string(cat))
		}
	}

	encrypted := o.encryptor != nil
	return &export.PatientDataPackage{
		ExportID:    req.ID,
		PatientInfo: *patient,
		MedicalData: data,
		Metadata: export.Metadata{
			ExportDate:    time.Now().UTC(),
			ExportVersion: exportVersion,
			DateRange:     req.DateRange,
			TotalRecords:  data.RecordCount(),
			Categories:    categories,
			Format:        string(req.Format),
			Checksum:      checksum,
			Encrypted:     encrypted,
		},
		Compliance: export.Compliance{
			HIPAACompliant:    true,
			Ley26529Compliant: true,
			DataMinimization:  true,
			PatientConsent:    true,
			AuditLogged:       true,
			EncryptionUsed:    encrypted,
			RetentionPeriod:   defaultRetentionPeriod,
		},
	}, nil
}

func (o *Orchestrator) generate(ctx context.Context, req *request.ExportRequest, pkg *export.PatientDataPackage) (*generator.Result, error) {
	ctx, span := o.tracer.Start(ctx, "export.generate",
		trace.WithAttributes(attribute.String("format", string(req.Format))))
	defer span.End()

	outDir := filepath.Join(o.exportDir, req.ID)
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return nil, fmt.Errorf("create export directory: %w", err)
	}

	return o.generators.GenerateExport(ctx, req.Format, pkg, outDir, generator.Options{})
}

// encrypt seals the generated artifact in place. Single-file artifacts are
// renamed with the encrypted suffix; directory artifacts (the CSV file set)
// have each contained file sealed while the directory name, and so the
// download URL, stays stable.
func (o *Orchestrator) encrypt(ctx context.Context, exportID string, genResult *generator.Result) (string, int64, error) {
	_, span := o.tracer.Start(ctx, "export.encrypt")
	defer span.End()

	info, err := os.Stat(genResult.Path)
	if err != nil {
		return "", 0, fmt.Errorf("stat artifact: %w", err)
	}

	if !info.IsDir() {
		encPath, err := o.encryptor.EncryptFile(exportID, genResult.Path)
		if err != nil {
			return "", 0, fmt.Errorf("encrypt artifact: %w", err)
		}
		encInfo, err := os.Stat(encPath)
		if err != nil {
			return "", 0, fmt.Errorf("stat encrypted artifact: %w", err)
		}
		return genResult.DownloadURL + filepath.Ext(encPath), encInfo.Size(), nil
	}

	var total int64
	err = filepath.WalkDir(genResult.Path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		encPath, err := o.encryptor.EncryptFile(exportID, p)
		if err != nil {
			return fmt.Errorf("encrypt %s: %w", filepath.Base(p), err)
		}
		fi, err := os.Stat(encPath)
		if err != nil {
			return err
		}
		total += fi.Size()
		return nil
	})
	if err != nil {
		return "", 0, err
	}
	return genResult.DownloadURL, total, nil
}

func (o *Orchestrator) fail(ctx context.Context, req *request.ExportRequest, cause error) error {
	if o.metrics != nil {
		o.metrics.ExportsFailed.Inc()
	}
	o.logger.Error("export failed",
		zap.String("export_id", req.ID),
		zap.String("patient_id", req.PatientID),
		zap.Error(cause))

	if err := o.requests.Fail(ctx, req.ID, cause.Error()); err != nil {
		o.logger.Error("failed to mark export failed",
			zap.String("export_id", req.ID),
			zap.Error(err))
	}
	o.recordAudit(ctx, req, audit.ActionExportFailed, map[string]interface{}{
		"error": cause.Error(),
	})
	return cause
}

func (o *Orchestrator) recordAudit(ctx context.Context, req *request.ExportRequest, action audit.Action, metadata map[string]interface{}) {
	if o.auditor == nil {
		return
	}
	if err := o.auditor.Record(ctx, audit.Entry{
		Action:    action,
		Actor:     req.RequestedBy,
		PatientID: req.PatientID,
		ExportID:  req.ID,
		Metadata:  metadata,
	}); err != nil {
		o.logger.Error("audit record failed",
			zap.String("export_id", req.ID),
			zap.String("action", string(action)),
			zap.Error(err))
	}
}

// dataChecksum is the SHA-256 of the canonical JSON serialization of the
// collected data. It lets downloaders verify artifact integrity against the
// request record.
func dataChecksum(data export.MedicalData) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal data for checksum: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
