// Package idempotency implements the inbox pattern for exactly-once export
// processing. A redelivered export command hits a row keyed by its
// deterministic idempotency key and returns the stored result instead of
// running a second export.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the processing state of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// ErrDuplicateMessage indicates the command was already processed
var ErrDuplicateMessage = errors.New("duplicate message: already processed")

// ErrMessageInProgress indicates another worker currently holds the command
var ErrMessageInProgress = errors.New("message in progress by another handler")

// InboxEntry is one idempotency record
type InboxEntry struct {
	IdempotencyKey string
	HandlerName    string
	Status         Status
	Payload        json.RawMessage
	Result         json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
}

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// DefaultTTL is how long entries are kept before cleanup
	DefaultTTL time.Duration
	// CleanupInterval is how often expired entries are purged
	CleanupInterval time.Duration
	// RecoveryTimeout is the age at which a STARTED entry is treated as a
	// crashed worker's leftover and becomes claimable again
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig returns defaults sized for export job durations
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      7 * 24 * time.Hour,
		CleanupInterval: 1 * time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Inbox guards handlers against duplicate command delivery
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates an inbox over the given pool
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ProcessResult reports how a Process call resolved
type ProcessResult struct {
	IsNew        bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc runs the guarded work and returns its storable result
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Process runs fn at most once per idempotency key. A FINISHED entry short-
// circuits with the stored result; a fresh STARTED entry blocks concurrent
// workers; a stale STARTED entry (crashed worker) is reclaimed after
// RecoveryTimeout. Handler errors are classified: terminal errors pin the
// entry FAILED, transient ones leave it RECOVERABLE for the next delivery.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	entry, err := i.getEntry(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to check inbox: %w", err)
	}

	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{IsNew: false, Result: entry.Result}, nil

		case StatusFailed:
			span.SetAttributes(attribute.Bool("previously_failed", true))
			return nil, fmt.Errorf("message previously failed permanently: %s", key)

		case StatusStarted:
			if time.Since(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrMessageInProgress
			}
			// Stale claim from a crashed worker; release it and take over.
			if err := i.markStatus(ctx, key, StatusRecoverable, nil, ""); err != nil {
				return nil, fmt.Errorf("failed to reclaim stale entry: %w", err)
			}

		case StatusRecoverable:
			span.SetAttributes(attribute.Bool("recovered", true))
		}
	}

	if err := i.claim(ctx, key, handlerName, payload); err != nil {
		return nil, err
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if isTerminalError(handlerErr) {
			status = StatusFailed
		}
		if err := i.markStatus(ctx, key, status, nil, handlerErr.Error()); err != nil {
			i.logger.Error("failed to mark error status", zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	// The handler succeeded; a failed FINISHED write only costs one
	// redundant re-run on redelivery.
	if err := i.markStatus(ctx, key, StatusFinished, result, ""); err != nil {
		i.logger.Error("failed to mark finished", zap.Error(err))
	}

	return &ProcessResult{
		IsNew:        entry == nil,
		WasRecovered: entry != nil && entry.Status == StatusRecoverable,
		Result:       result,
	}, nil
}

// GenerateKey creates a deterministic idempotency key for an export request.
// Categories are sorted so flag order does not change the key, and the
// timestamp is bucketed by day: the same caller asking for the same export
// twice in one day is one export.
func GenerateKey(patientID, requestedBy, format string, categories []string, timestamp time.Time) string {
	sorted := make([]string, len(categories))
	copy(sorted, categories)
	sort.Strings(sorted)

	parts := []string{
		patientID,
		requestedBy,
		format,
		strings.Join(sorted, ","),
		timestamp.UTC().Format("2006-01-02"),
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

func (i *Inbox) getEntry(ctx context.Context, key string) (*InboxEntry, error) {
	entry := &InboxEntry{}
	err := i.pool.QueryRow(ctx, `
		SELECT idempotency_key, handler_name, status, payload, result, created_at, updated_at, expires_at
		FROM inbox
		WHERE idempotency_key = $1`,
		key,
	).Scan(
		&entry.IdempotencyKey, &entry.HandlerName, &entry.Status,
		&entry.Payload, &entry.Result, &entry.CreatedAt, &entry.UpdatedAt, &entry.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// claim writes the STARTED row. The upsert only overwrites RECOVERABLE
// entries, so two workers racing on the same key resolve through the
// unique constraint: the loser sees no returned row and backs off.
func (i *Inbox) claim(ctx context.Context, key, handlerName string, payload json.RawMessage) error {
	var returned string
	err := i.pool.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, updated_at = NOW()
		WHERE inbox.status IN ('RECOVERABLE')
		RETURNING idempotency_key`,
		key, handlerName, StatusStarted, payload, time.Now().Add(i.config.DefaultTTL),
	).Scan(&returned)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("failed to claim inbox entry: %w", err)
	}

	return nil
}

// markStatus transitions an entry; a non-empty errMsg is stored as the
// result so operators can see why an export stalled.
func (i *Inbox) markStatus(ctx context.Context, key string, status Status, result json.RawMessage, errMsg string) error {
	if errMsg != "" && result == nil {
		result, _ = json.Marshal(map[string]string{"error": errMsg})
	}

	_, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3`,
		status, result, key)
	return err
}

// StartCleanup starts the background TTL sweep
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop terminates the cleanup sweep
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			if err := i.cleanup(i.ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
		}
	}
}

func (i *Inbox) cleanup(ctx context.Context) error {
	result, err := i.pool.Exec(ctx, `
		DELETE FROM inbox
		WHERE expires_at < NOW()
		   OR (status = 'FINISHED' AND updated_at < NOW() - INTERVAL '7 days')`)
	if err != nil {
		return err
	}

	if result.RowsAffected() > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", result.RowsAffected()))
	}

	return nil
}

// isTerminalError reports whether a handler error should pin the entry
// FAILED instead of leaving it retryable. Validation and authorization
// failures never heal on retry; infrastructure errors might.
func isTerminalError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, phrase := range []string{
		"validation",
		"invalid",
		"not found",
		"unauthorized",
		"forbidden",
	} {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
