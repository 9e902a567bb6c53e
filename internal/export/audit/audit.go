// Package audit records compliance-relevant export activity. Every entry
// is persisted to postgres and mirrored to the audit trail topic through
// the transactional outbox.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/altamedica/patient-export/internal/infrastructure/postgres"
	"github.com/altamedica/patient-export/internal/infrastructure/redpanda"
)

// Action identifies what happened.
type Action string

const (
	ActionExportRequested Action = "export.requested"
	ActionExportCompleted Action = "export.completed"
	ActionExportFailed    Action = "export.failed"
	ActionExportCancelled Action = "export.cancelled"
	ActionAccessGranted   Action = "access.granted"
	ActionAccessDenied    Action = "access.denied"
	ActionDownload        Action = "artifact.downloaded"
	ActionCleanup         Action = "artifact.expired"
)

// Entry is one audit record.
type Entry struct {
	ID        string                 `json:"id"`
	Action    Action                 `json:"action"`
	Actor     string                 `json:"actor"`
	PatientID string                 `json:"patient_id"`
	ExportID  string                 `json:"export_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Logger writes audit entries.
type Logger struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewLogger creates an audit logger.
func NewLogger(pool *pgxpool.Pool, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{pool: pool, logger: logger}
}

// Record persists one audit entry and queues it for the audit trail topic.
// Audit failures are returned, never swallowed: callers decide whether the
// operation may proceed unaudited.
func (l *Logger) Record(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = time.Now().UTC()

	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin audit transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_log (id, action, actor, patient_id, export_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
	`, entry.ID, entry.Action, entry.Actor, entry.PatientID, entry.ExportID, metadata, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	if err := postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
		AggregateID:   entry.ID,
		AggregateType: "audit_entry",
		EventType:     string(entry.Action),
		Payload:       payload,
		KafkaTopic:    redpanda.TopicAuditTrail,
		KafkaKey:      entry.PatientID,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit audit entry: %w", err)
	}

	l.logger.Debug("audit entry recorded",
		zap.String("action", string(entry.Action)),
		zap.String("actor", entry.Actor),
		zap.String("patient_id", entry.PatientID))
	return nil
}
