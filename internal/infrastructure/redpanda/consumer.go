package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for the export command consumer
type ConsumerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// GroupID is the consumer group ID
	GroupID string
	// Topics is the list of topics to consume
	Topics []string
	// AutoCommit enables automatic offset commits; the worker leaves this
	// off and commits per record after the handler accepts it
	AutoCommit bool
	// AutoCommitIntervalMS is the interval for auto commits
	AutoCommitIntervalMS int64
	// SessionTimeoutMS is the session timeout
	SessionTimeoutMS int64
	// HeartbeatIntervalMS is the heartbeat interval
	HeartbeatIntervalMS int64
	// MaxPollRecords is the maximum records per poll
	MaxPollRecords int
	// FetchMaxBytes is the maximum fetch size
	FetchMaxBytes int32
	// StartOffset is the initial offset (earliest or latest)
	StartOffset string
}

// DefaultConsumerConfig returns defaults for export request processing.
// Export jobs are heavyweight, so each poll stays small.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:              []string{"localhost:9092"},
		GroupID:              "export-worker",
		Topics:               []string{TopicExportRequests},
		AutoCommit:           false,
		AutoCommitIntervalMS: 5000,
		SessionTimeoutMS:     30000,
		HeartbeatIntervalMS:  3000,
		MaxPollRecords:       50,
		FetchMaxBytes:        8388608, // 8MB
		StartOffset:          "earliest",
	}
}

// MessageHandler is called for each consumed message. Returning an error
// leaves the offset uncommitted so the command is redelivered.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage is one record off the export command stream
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Consumer pulls export commands from Redpanda and hands them to a handler.
// Offsets advance only after the handler returns nil, so a crash mid-export
// replays the command and the idempotency inbox absorbs the duplicate.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	handler MessageHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.RWMutex
	messagesRead   int64
	handlerErrors  int64
	lastCommitTime time.Time
}

// NewConsumer creates a consumer for the configured topics
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS) * time.Millisecond),
		kgo.HeartbeatInterval(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.OnPartitionsAssigned(func(ctx context.Context, client *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, client *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	}

	switch cfg.StartOffset {
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	if cfg.AutoCommit {
		opts = append(opts, kgo.AutoCommitInterval(time.Duration(cfg.AutoCommitIntervalMS)*time.Millisecond))
	} else {
		opts = append(opts, kgo.DisableAutoCommit())
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins consuming in the background
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop drains the loop, commits any marked offsets and closes the client
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}

	c.client.Close()
	return nil
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		fetches := c.client.PollRecords(c.ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				c.logger.Error("fetch error",
					zap.String("topic", err.Topic),
					zap.Int32("partition", err.Partition),
					zap.Error(err.Err))
			}
			continue
		}

		fetches.EachRecord(func(record *kgo.Record) {
			c.processRecord(record)
		})
	}
}

func (c *Consumer) processRecord(record *kgo.Record) {
	// Continue the trace the producer started when it published the command.
	ctx := otel.GetTextMapPropagator().Extract(c.ctx, recordCarrier{record})

	ctx, span := c.tracer.Start(ctx, "consume_export_command",
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	if err := c.handler(ctx, msg); err != nil {
		c.logger.Error("command handler failed",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		span.RecordError(err)

		c.mu.Lock()
		c.handlerErrors++
		c.mu.Unlock()
		// Uncommitted: the group redelivers this command.
		return
	}

	c.mu.Lock()
	c.messagesRead++
	c.mu.Unlock()

	if !c.config.AutoCommit {
		c.client.MarkCommitRecords(record)
		if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
			c.logger.Error("failed to commit offset",
				zap.String("topic", record.Topic),
				zap.Int32("partition", record.Partition),
				zap.Int64("offset", record.Offset),
				zap.Error(err))
			span.RecordError(err)
			return
		}
		c.mu.Lock()
		c.lastCommitTime = time.Now()
		c.mu.Unlock()
	}
}

// Stats returns counters for the consumer loop
func (c *Consumer) Stats() ConsumerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConsumerStats{
		MessagesRead:   c.messagesRead,
		HandlerErrors:  c.handlerErrors,
		LastCommitTime: c.lastCommitTime,
	}
}

// ConsumerStats holds consumer counters
type ConsumerStats struct {
	MessagesRead   int64
	HandlerErrors  int64
	LastCommitTime time.Time
}

// recordCarrier adapts kgo record headers to the otel propagation interface
type recordCarrier struct {
	record *kgo.Record
}

func (rc recordCarrier) Get(key string) string {
	for _, h := range rc.record.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (rc recordCarrier) Set(key, value string) {
	for i, h := range rc.record.Headers {
		if h.Key == key {
			rc.record.Headers[i].Value = []byte(value)
			return
		}
	}
	rc.record.Headers = append(rc.record.Headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

func (rc recordCarrier) Keys() []string {
	keys := make([]string, 0, len(rc.record.Headers))
	for _, h := range rc.record.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}

var _ propagation.TextMapCarrier = recordCarrier{}
