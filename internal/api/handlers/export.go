// Package handlers provides HTTP handlers for the export API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/altamedica/patient-export/internal/api/middleware"
	"github.com/altamedica/patient-export/internal/export"
	"github.com/altamedica/patient-export/internal/export/audit"
	"github.com/altamedica/patient-export/internal/export/generator"
	"github.com/altamedica/patient-export/internal/export/request"
	"github.com/altamedica/patient-export/internal/export/secure"
	"github.com/altamedica/patient-export/internal/export/strategy"
	"github.com/altamedica/patient-export/internal/observability/metrics"
	"github.com/altamedica/patient-export/pkg/idempotency"
)

// ExportHandler handles export endpoints
type ExportHandler struct {
	requests   *request.Repository
	auditor    *audit.Logger
	generators *generator.Factory
	metrics    *metrics.Metrics
	logger     *zap.Logger
	exportDir  string
}

// NewExportHandler creates a new handler
func NewExportHandler(requests *request.Repository, auditor *audit.Logger, generators *generator.Factory, m *metrics.Metrics, logger *zap.Logger, exportDir string) *ExportHandler {
	return &ExportHandler{
		requests:   requests,
		auditor:    auditor,
		generators: generators,
		metrics:    m,
		logger:     logger,
		exportDir:  exportDir,
	}
}

// Routes returns the handler routes
func (h *ExportHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/formats", h.Formats)
	r.Post("/adhoc", h.Adhoc)
	r.Post("/estimate", h.Estimate)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.Cancel)
	r.Get("/download/{id}/{file}", h.Download)
	return r
}

// CreateRequest is the request body for creating an export
type CreateRequest struct {
	PatientID  string                `json:"patient_id"`
	Format     export.Format         `json:"format"`
	Categories []export.DataCategory `json:"categories"`
	DateRange  *export.DateRange     `json:"date_range,omitempty"`
	Options    *strategy.Options     `json:"options,omitempty"`
}

// CreateResponse is the response for creating an export
type CreateResponse struct {
	ID             string         `json:"id"`
	Status         request.Status `json:"status"`
	IdempotencyKey string         `json:"idempotency_key"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Create handles POST /exports. Duplicate submissions within the same day
// return the existing request instead of queueing a second export.
func (h *ExportHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("export-handler")
	ctx, span := tracer.Start(ctx, "create_export")
	defer span.End()

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PatientID == "" {
		h.jsonError(w, "patient_id is required", http.StatusBadRequest)
		return
	}

	principal, ok := h.authorize(w, r, req.PatientID, "create")
	if !ok {
		return
	}

	categories := make([]string, len(req.Categories))
	for i, c := range req.Categories {
		categories[i] = string(c)
	}
	key := idempotency.GenerateKey(req.PatientID, principal.ClientID, string(req.Format), categories, time.Now())

	if existing, err := h.requests.GetByIdempotencyKey(ctx, key); err == nil {
		if existing.Status != request.StatusFailed && existing.Status != request.StatusCancelled {
			span.SetAttributes(attribute.Bool("deduplicated", true))
			h.writeJSON(w, http.StatusOK, CreateResponse{
				ID:             existing.ID,
				Status:         existing.Status,
				IdempotencyKey: existing.IdempotencyKey,
				CreatedAt:      existing.CreatedAt,
			})
			return
		}
		// A failed or cancelled request does not block a retry, but the key
		// column is unique; retries get a fresh key.
		key = uuid.NewString()
	} else if !errors.Is(err, request.ErrRequestNotFound) {
		h.logger.Error("idempotency lookup failed", zap.Error(err))
		h.jsonError(w, "failed to create export", http.StatusInternalServerError)
		return
	}

	opts := strategy.IncludeAll()
	if req.Options != nil {
		opts = *req.Options
	}

	exportReq := &request.ExportRequest{
		ID:             uuid.NewString(),
		PatientID:      req.PatientID,
		RequestedBy:    principal.ClientID,
		Format:         req.Format,
		Categories:     req.Categories,
		DateRange:      req.DateRange,
		Options:        opts,
		IdempotencyKey: key,
	}
	span.SetAttributes(attribute.String("export_id", exportReq.ID))

	if err := h.requests.Create(ctx, exportReq); err != nil {
		h.logger.Error("create export failed", zap.Error(err))
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.recordAudit(ctx, audit.Entry{
		Action:    audit.ActionExportRequested,
		Actor:     principal.ClientID,
		PatientID: req.PatientID,
		ExportID:  exportReq.ID,
		Metadata: map[string]interface{}{
			"format":     string(req.Format),
			"categories": categories,
		},
	})
	if h.metrics != nil {
		h.metrics.ExportsRequested.Inc()
	}

	h.logger.Info("export queued",
		zap.String("export_id", exportReq.ID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.String("patient_id", req.PatientID),
	)

	h.writeJSON(w, http.StatusAccepted, CreateResponse{
		ID:             exportReq.ID,
		Status:         exportReq.Status,
		IdempotencyKey: exportReq.IdempotencyKey,
		CreatedAt:      exportReq.CreatedAt,
	})
}

// Get handles GET /exports/{id}
func (h *ExportHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	req, err := h.requests.Get(ctx, id)
	if err != nil {
		h.jsonError(w, "export not found", http.StatusNotFound)
		return
	}
	if _, ok := h.authorize(w, r, req.PatientID, "get"); !ok {
		return
	}

	h.writeJSON(w, http.StatusOK, req)
}

// List handles GET /exports?patient_id=
func (h *ExportHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patientID := r.URL.Query().Get("patient_id")
	if patientID == "" {
		h.jsonError(w, "patient_id query parameter is required", http.StatusBadRequest)
		return
	}
	if _, ok := h.authorize(w, r, patientID, "list"); !ok {
		return
	}

	requests, err := h.requests.ListByPatient(ctx, patientID, 0)
	if err != nil {
		h.logger.Error("list exports failed", zap.Error(err))
		h.jsonError(w, "failed to list exports", http.StatusInternalServerError)
		return
	}
	if requests == nil {
		requests = []*request.ExportRequest{}
	}

	h.writeJSON(w, http.StatusOK, requests)
}

// Cancel handles DELETE /exports/{id}
func (h *ExportHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	req, err := h.requests.Get(ctx, id)
	if err != nil {
		h.jsonError(w, "export not found", http.StatusNotFound)
		return
	}
	principal, ok := h.authorize(w, r, req.PatientID, "cancel")
	if !ok {
		return
	}

	if err := h.requests.Cancel(ctx, id); err != nil {
		var ite *request.InvalidTransitionError
		if errors.As(err, &ite) {
			h.jsonError(w, err.Error(), http.StatusConflict)
			return
		}
		h.logger.Error("cancel export failed", zap.Error(err))
		h.jsonError(w, "failed to cancel export", http.StatusInternalServerError)
		return
	}

	h.recordAudit(ctx, audit.Entry{
		Action:    audit.ActionExportCancelled,
		Actor:     principal.ClientID,
		PatientID: req.PatientID,
		ExportID:  id,
	})

	h.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(request.StatusCancelled)})
}

// Download handles GET /exports/download/{id}/{file}
func (h *ExportHandler) Download(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	file := chi.URLParam(r, "file")

	if file != filepath.Base(file) || strings.Contains(file, "..") {
		h.jsonError(w, "invalid file name", http.StatusBadRequest)
		return
	}

	req, err := h.requests.Get(ctx, id)
	if err != nil {
		h.jsonError(w, "export not found", http.StatusNotFound)
		return
	}
	principal, ok := h.authorize(w, r, req.PatientID, "download")
	if !ok {
		return
	}
	if req.Status != request.StatusCompleted {
		h.jsonError(w, fmt.Sprintf("export is %s, not completed", req.Status), http.StatusConflict)
		return
	}

	h.recordAudit(ctx, audit.Entry{
		Action:    audit.ActionDownload,
		Actor:     principal.ClientID,
		PatientID: req.PatientID,
		ExportID:  id,
		Metadata:  map[string]interface{}{"file": file},
	})
	if h.metrics != nil {
		h.metrics.DownloadsServed.Inc()
	}

	if strings.HasSuffix(file, secure.EncryptedSuffix) {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file))
	http.ServeFile(w, r, filepath.Join(h.exportDir, id, file))
}

// Formats handles GET /exports/formats
func (h *ExportHandler) Formats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.generators.Formats())
}

// AdhocRequest is the request body for a synchronous export
type AdhocRequest struct {
	Format  export.Format              `json:"format"`
	Package *export.PatientDataPackage `json:"package"`
	Options *strategy.Options          `json:"options,omitempty"`
}

// Adhoc handles POST /exports/adhoc: serialize a caller-supplied package
// synchronously and return the bytes. No request row, no artifact on disk.
func (h *ExportHandler) Adhoc(w http.ResponseWriter, r *http.Request) {
	var req AdhocRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Package == nil {
		h.jsonError(w, "package is required", http.StatusBadRequest)
		return
	}
	principal, ok := h.authorize(w, r, req.Package.PatientInfo.ID, "adhoc")
	if !ok {
		return
	}

	strat, err := strategy.ForFormat(req.Format)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	opts := strategy.IncludeAll()
	if req.Options != nil {
		opts = *req.Options
	}

	out, err := strat.Export(req.Package, opts)
	if err != nil {
		h.logger.Error("adhoc export failed", zap.Error(err))
		h.jsonError(w, "export failed", http.StatusInternalServerError)
		return
	}

	h.recordAudit(r.Context(), audit.Entry{
		Action:    audit.ActionDownload,
		Actor:     principal.ClientID,
		PatientID: req.Package.PatientInfo.ID,
		ExportID:  req.Package.ExportID,
		Metadata:  map[string]interface{}{"format": string(req.Format), "adhoc": true},
	})

	w.Header().Set("Content-Type", strat.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "export"+strat.FileExtension()))
	w.Write(out)
}

// EstimateRequest is the request body for a size estimate
type EstimateRequest struct {
	Format  export.Format              `json:"format"`
	Package *export.PatientDataPackage `json:"package"`
}

// Estimate handles POST /exports/estimate
func (h *ExportHandler) Estimate(w http.ResponseWriter, r *http.Request) {
	var req EstimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Package == nil {
		h.jsonError(w, "package is required", http.StatusBadRequest)
		return
	}
	if _, ok := h.authorize(w, r, req.Package.PatientInfo.ID, "estimate"); !ok {
		return
	}

	estimate, err := h.generators.EstimateExportSize(req.Format, req.Package)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.writeJSON(w, http.StatusOK, estimate)
}

// authorize checks the principal against the target patient. Denials are
// audited and answered with 403.
func (h *ExportHandler) authorize(w http.ResponseWriter, r *http.Request, patientID, operation string) (middleware.Principal, bool) {
	principal, ok := middleware.GetPrincipal(r.Context())
	if !ok {
		h.jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return middleware.Principal{}, false
	}
	if !principal.CanAccessPatient(patientID) {
		h.recordAudit(r.Context(), audit.Entry{
			Action:    audit.ActionAccessDenied,
			Actor:     principal.ClientID,
			PatientID: patientID,
			Metadata:  map[string]interface{}{"operation": operation},
		})
		h.jsonError(w, "access denied", http.StatusForbidden)
		return principal, false
	}
	return principal, true
}

func (h *ExportHandler) recordAudit(ctx context.Context, entry audit.Entry) {
	if h.auditor == nil {
		return
	}
	if err := h.auditor.Record(ctx, entry); err != nil {
		h.logger.Error("audit record failed",
			zap.String("action", string(entry.Action)),
			zap.Error(err))
	}
}

func (h *ExportHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *ExportHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
