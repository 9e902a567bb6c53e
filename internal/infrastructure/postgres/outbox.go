package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// relayLockID serializes relay replicas; only the lock holder drains the
// outbox, the others idle until it releases.
const relayLockID = int64(874230117)

const deadLetterTopic = "dead.letter"

// OutboxEntry is one event awaiting publication
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig holds configuration for the outbox relay
type OutboxConfig struct {
	// BatchSize is the number of entries claimed per poll
	BatchSize int
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration
	// MaxRetries is the publish attempt limit before dead-lettering
	MaxRetries int
	// LockTimeout bounds how long a replica may hold the relay lock
	LockTimeout time.Duration
}

// DefaultOutboxConfig returns defaults tuned for export event volume.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:    50,
		PollInterval: 250 * time.Millisecond,
		MaxRetries:   5,
		LockTimeout:  30 * time.Second,
	}
}

// OutboxPublisher publishes a claimed entry to its topic
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Outbox drains the transactional outbox table to Kafka. Export lifecycle
// and audit events land in the table in the same transaction as the row
// mutation that caused them; the relay binary publishes them from here.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates an outbox relay over the given pool and publisher
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WriteEntry inserts an outbox entry inside the caller's transaction. Callers
// pass the same transaction that mutates the export request or audit row, so
// the event is published iff the mutation commits.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		entry.Payload,
		entry.KafkaTopic,
		entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}

	return nil
}

// Start begins the polling loop
func (o *Outbox) Start() {
	go o.run()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop waits for the current batch to finish and stops polling
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) run() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if err := o.drainBatch(); err != nil {
				o.logger.Error("outbox batch failed", zap.Error(err))
			}
		}
	}
}

// drainBatch claims up to BatchSize pending entries and publishes them.
// Claiming happens inside one transaction so FOR UPDATE SKIP LOCKED holds
// for the whole batch, not just the SELECT statement.
func (o *Outbox) drainBatch() error {
	ctx, span := o.tracer.Start(o.ctx, "outbox_drain_batch")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, o.config.LockTimeout)
	defer cancel()

	var acquired bool
	if err := o.pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", relayLockID).Scan(&acquired); err != nil {
		return fmt.Errorf("acquire relay lock: %w", err)
	}
	if !acquired {
		return nil // another replica holds the lock
	}
	defer o.pool.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", relayLockID)

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback(context.Background())

	entries, err := o.claimPending(ctx, tx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	for _, entry := range entries {
		o.relayEntry(ctx, tx, entry)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// claimPending locks the oldest pending entries for this batch
func (o *Outbox) claimPending(ctx context.Context, tx pgx.Tx) ([]*OutboxEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("claim pending entries: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		if err := rows.Scan(
			&entry.ID, &entry.AggregateID, &entry.AggregateType,
			&entry.EventType, &entry.Payload, &entry.KafkaTopic,
			&entry.KafkaKey, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// relayEntry publishes one claimed entry; failures bump retry_count so the
// entry is retried on a later batch and eventually dead-lettered.
func (o *Outbox) relayEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) {
	ctx, span := o.tracer.Start(ctx, "outbox_relay_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload); err != nil {
		span.RecordError(err)
		o.logger.Error("outbox publish failed",
			zap.Int64("id", entry.ID),
			zap.String("event_type", entry.EventType),
			zap.Error(err))
		if _, updateErr := tx.Exec(ctx, `
			UPDATE outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2`,
			err.Error(), entry.ID); updateErr != nil {
			o.logger.Error("failed to record outbox retry", zap.Error(updateErr))
		}
		return
	}

	if _, err := tx.Exec(ctx,
		"UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1",
		entry.ID); err != nil {
		span.RecordError(err)
		o.logger.Error("failed to mark outbox entry processed",
			zap.Int64("id", entry.ID),
			zap.Error(err))
		return
	}

	o.logger.Debug("outbox entry relayed",
		zap.Int64("id", entry.ID),
		zap.String("topic", entry.KafkaTopic))
}

// CleanupProcessed removes processed entries older than the given age
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := o.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - $1::interval`,
		olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}

	return result.RowsAffected(), nil
}

// MoveToDeadLetter publishes entries that exhausted their retries to the
// dead-letter topic, wrapped with the failure detail, and retires them.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin dead-letter sweep: %w", err)
	}
	defer tx.Rollback(context.Background())

	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		FOR UPDATE SKIP LOCKED`,
		o.config.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("query exhausted entries: %w", err)
	}

	var exhausted []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		if err := rows.Scan(
			&entry.ID, &entry.AggregateID, &entry.AggregateType,
			&entry.EventType, &entry.Payload, &entry.KafkaTopic,
			&entry.KafkaKey, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan exhausted entry: %w", err)
		}
		exhausted = append(exhausted, entry)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var count int64
	for _, entry := range exhausted {
		envelope, err := json.Marshal(map[string]interface{}{
			"original_topic": entry.KafkaTopic,
			"event_type":     entry.EventType,
			"aggregate_id":   entry.AggregateID,
			"payload":        entry.Payload,
			"retry_count":    entry.RetryCount,
			"last_error":     entry.LastError,
			"created_at":     entry.CreatedAt,
		})
		if err != nil {
			continue
		}

		if err := o.publisher.Publish(ctx, deadLetterTopic, entry.KafkaKey, envelope); err != nil {
			o.logger.Error("failed to publish to dead letter",
				zap.Int64("id", entry.ID),
				zap.Error(err))
			continue
		}

		if _, err := tx.Exec(ctx,
			"UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1",
			entry.ID); err != nil {
			o.logger.Error("failed to retire dead-lettered entry",
				zap.Int64("id", entry.ID),
				zap.Error(err))
			continue
		}

		count++
	}

	if err := tx.Commit(ctx); err != nil {
		return count, fmt.Errorf("commit dead-letter sweep: %w", err)
	}
	return count, nil
}

// OutboxStats summarizes outbox backlog and throughput
type OutboxStats struct {
	Pending       int64
	Processed     int64
	Failed        int64
	OldestPending *time.Time
}

// GetStats reads backlog counters in a single pass over the table
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at IS NOT NULL AND processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox`,
		o.config.MaxRetries,
	).Scan(&stats.Pending, &stats.Processed, &stats.Failed, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("read outbox stats: %w", err)
	}

	return stats, nil
}
