package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/altamedica/patient-export/internal/export"
	"github.com/altamedica/patient-export/internal/infrastructure/postgres"
	"github.com/altamedica/patient-export/internal/infrastructure/redpanda"
)

// Repository persists export requests and writes their lifecycle events to
// the outbox in the same transaction.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates an export request repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// Create inserts the request row, the worker command and the requested
// event in one transaction. The command reaches workers only if the row
// committed.
func (r *Repository) Create(ctx context.Context, req *ExportRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	categories, err := json.Marshal(req.Categories)
	if err != nil {
		return fmt.Errorf("marshal categories: %w", err)
	}
	options, err := json.Marshal(req.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	var dateRange []byte
	if req.DateRange != nil {
		if dateRange, err = json.Marshal(req.DateRange); err != nil {
			return fmt.Errorf("marshal date range: %w", err)
		}
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO export_requests
			(id, patient_id, requested_by, format, categories, date_range,
			 options, idempotency_key, status, progress, stage)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, 'queued')
		RETURNING created_at, updated_at
	`
	err = tx.QueryRow(ctx, query,
		req.ID, req.PatientID, req.RequestedBy, req.Format, categories,
		dateRange, options, req.IdempotencyKey, StatusPending,
	).Scan(&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert export request: %w", err)
	}
	req.Status = StatusPending

	command, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal worker command: %w", err)
	}
	if err := postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
		AggregateID:   req.ID,
		AggregateType: "export_request",
		EventType:     EventRequested,
		Payload:       command,
		KafkaTopic:    redpanda.TopicExportRequests,
		KafkaKey:      req.PatientID,
	}); err != nil {
		return err
	}
	if err := r.writeLifecycleEvent(ctx, tx, req, EventRequested, ""); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit export request: %w", err)
	}

	r.logger.Info("export request created",
		zap.String("export_id", req.ID),
		zap.String("patient_id", req.PatientID),
		zap.String("format", string(req.Format)))
	return nil
}

// MarkProcessing moves a pending request to processing.
func (r *Repository) MarkProcessing(ctx context.Context, id string) error {
	return r.transition(ctx, id, StatusProcessing, `
		UPDATE export_requests
		SET status = $2, stage = 'starting', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, nil)
}

// UpdateProgress records the current progress percentage and stage.
func (r *Repository) UpdateProgress(ctx context.Context, id string, progress int, stage string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE export_requests
		SET progress = $2, stage = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, progress, stage)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionFailure(ctx, id, StatusProcessing)
	}
	return nil
}

// Complete marks a processing request completed, records the artifact
// metadata and stamps the expiry.
func (r *Repository) Complete(ctx context.Context, id, downloadURL string, fileSize int64, checksum string) error {
	expiresAt := time.Now().UTC().Add(ArtifactExpiry)
	return r.transition(ctx, id, StatusCompleted, `
		UPDATE export_requests
		SET status = $2, progress = 100, stage = 'done', download_url = $3,
		    file_size = $4, checksum = $5, expires_at = $6, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, []interface{}{downloadURL, fileSize, checksum, expiresAt})
}

// Fail marks a request failed with the terminal error message.
func (r *Repository) Fail(ctx context.Context, id, message string) error {
	return r.transition(ctx, id, StatusFailed, `
		UPDATE export_requests
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, []interface{}{message})
}

// Cancel cancels a pending or processing request.
func (r *Repository) Cancel(ctx context.Context, id string) error {
	return r.transition(ctx, id, StatusCancelled, `
		UPDATE export_requests
		SET status = $2, stage = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, nil)
}

// transition runs a guarded status update and writes the matching
// lifecycle event in the same transaction.
func (r *Repository) transition(ctx context.Context, id string, to Status, query string, extraArgs []interface{}) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	args := append([]interface{}{id, to}, extraArgs...)
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update export request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionFailure(ctx, id, to)
	}

	req, err := getTx(ctx, tx, id)
	if err != nil {
		return err
	}

	if event := eventForStatus(to); event != "" {
		if err := r.writeLifecycleEvent(ctx, tx, req, event, req.ErrorMessage); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}

	r.logger.Info("export request transitioned",
		zap.String("export_id", id),
		zap.String("status", string(to)))
	return nil
}

// transitionFailure distinguishes a missing row from an illegal transition.
func (r *Repository) transitionFailure(ctx context.Context, id string, to Status) error {
	req, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return &InvalidTransitionError{From: req.Status, To: to}
}

func eventForStatus(s Status) string {
	switch s {
	case StatusCompleted:
		return EventCompleted
	case StatusFailed:
		return EventFailed
	case StatusCancelled:
		return EventCancelled
	case StatusExpired:
		return EventExpired
	default:
		return ""
	}
}

func (r *Repository) writeLifecycleEvent(ctx context.Context, tx pgx.Tx, req *ExportRequest, eventType, detail string) error {
	payload, err := json.Marshal(Event{
		EventType:  eventType,
		ExportID:   req.ID,
		PatientID:  req.PatientID,
		Format:     req.Format,
		Status:     req.Status,
		OccurredAt: time.Now().UTC(),
		Detail:     detail,
	})
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}
	return postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
		AggregateID:   req.ID,
		AggregateType: "export_request",
		EventType:     eventType,
		Payload:       payload,
		KafkaTopic:    redpanda.TopicExportEvents,
		KafkaKey:      req.PatientID,
	})
}

const selectColumns = `
	id, patient_id, requested_by, format, categories, date_range, options,
	idempotency_key, status, progress, COALESCE(stage, ''),
	COALESCE(download_url, ''), COALESCE(file_size, 0), COALESCE(checksum, ''),
	COALESCE(error_message, ''), expires_at, created_at, updated_at
`

// Get loads one export request.
func (r *Repository) Get(ctx context.Context, id string) (*ExportRequest, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM export_requests WHERE id = $1`, id)
	return scanRequest(row)
}

func getTx(ctx context.Context, tx pgx.Tx, id string) (*ExportRequest, error) {
	row := tx.QueryRow(ctx, `SELECT `+selectColumns+` FROM export_requests WHERE id = $1`, id)
	return scanRequest(row)
}

// GetByIdempotencyKey returns an existing request with the same key, if any.
func (r *Repository) GetByIdempotencyKey(ctx context.Context, key string) (*ExportRequest, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM export_requests WHERE idempotency_key = $1`, key)
	return scanRequest(row)
}

// ListByPatient returns a patient's requests, newest first.
func (r *Repository) ListByPatient(ctx context.Context, patientID string, limit int) ([]*ExportRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+selectColumns+`
		FROM export_requests
		WHERE patient_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list export requests: %w", err)
	}
	defer rows.Close()

	var requests []*ExportRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// CleanupExpired expires completed requests past their artifact expiry,
// deletes the artifacts under exportDir and emits expired events. Returns
// the number of requests expired.
func (r *Repository) CleanupExpired(ctx context.Context, exportDir string) (int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+selectColumns+`
		FROM export_requests
		WHERE status = 'completed' AND expires_at IS NOT NULL AND expires_at < NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("query expired requests: %w", err)
	}
	expired, err := collectRows(rows)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, req := range expired {
		artifactDir := exportArtifactDir(exportDir, req.ID)
		if err := os.RemoveAll(artifactDir); err != nil {
			r.logger.Error("failed to remove expired artifact",
				zap.String("export_id", req.ID),
				zap.String("path", artifactDir),
				zap.Error(err))
			continue
		}

		if err := r.transition(ctx, req.ID, StatusExpired, `
			UPDATE export_requests
			SET status = $2, download_url = NULL, updated_at = NOW()
			WHERE id = $1 AND status = 'completed'
		`, nil); err != nil {
			r.logger.Error("failed to expire request",
				zap.String("export_id", req.ID),
				zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// exportArtifactDir is where one export's artifacts live on disk.
func exportArtifactDir(exportDir, exportID string) string {
	return filepath.Join(exportDir, exportID)
}

func collectRows(rows pgx.Rows) ([]*ExportRequest, error) {
	defer rows.Close()
	var requests []*ExportRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

func scanRequest(row pgx.Row) (*ExportRequest, error) {
	req := &ExportRequest{}
	var categories, options []byte
	var dateRange []byte

	err := row.Scan(
		&req.ID, &req.PatientID, &req.RequestedBy, &req.Format,
		&categories, &dateRange, &options, &req.IdempotencyKey,
		&req.Status, &req.Progress, &req.Stage, &req.DownloadURL,
		&req.FileSize, &req.Checksum, &req.ErrorMessage,
		&req.ExpiresAt, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("scan export request: %w", err)
	}

	if err := json.Unmarshal(categories, &req.Categories); err != nil {
		return nil, fmt.Errorf("unmarshal categories: %w", err)
	}
	if err := json.Unmarshal(options, &req.Options); err != nil {
		return nil, fmt.Errorf("unmarshal options: %w", err)
	}
	if len(dateRange) > 0 {
		req.DateRange = &export.DateRange{}
		if err := json.Unmarshal(dateRange, req.DateRange); err != nil {
			return nil, fmt.Errorf("unmarshal date range: %w", err)
		}
	}
	return req, nil
}
