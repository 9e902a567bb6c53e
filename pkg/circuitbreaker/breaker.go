// Package circuitbreaker wraps sony/gobreaker with logging, tracing and a
// state-change hook. The export pipeline puts one breaker in front of the
// clinical database so a degraded store sheds load instead of queueing
// slow collection queries behind every export.
package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// StateValue maps a state to a numeric gauge value (0=closed, 1=open,
// 2=half-open).
func StateValue(s State) float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Config holds circuit breaker configuration
type Config struct {
	// Name identifies the circuit breaker
	Name string
	// MaxRequests is max requests allowed in half-open state
	MaxRequests uint32
	// Interval is the cyclic period for clearing counts in closed state
	Interval time.Duration
	// Timeout is how long to wait before transitioning from open to half-open
	Timeout time.Duration
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker before MinRequests is reached
	FailureThreshold uint32
	// FailureRatio opens the breaker once MinRequests have been seen
	FailureRatio float64
	// MinRequests is the minimum sample before the ratio applies
	MinRequests uint32
	// OnStateChange is invoked after every state transition. Optional;
	// used to feed the breaker-state gauge.
	OnStateChange func(name string, state State)
}

// DefaultConfig returns defaults suitable for clinical data stores
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.6,
		MinRequests:      10,
	}
}

// CircuitBreaker wraps gobreaker with observability
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer

	onStateChange func(string, State)

	requestCounter  metric.Int64Counter
	failureCounter  metric.Int64Counter
	rejectedCounter metric.Int64Counter

	stateMu      sync.RWMutex
	currentState State
}

// New creates a new circuit breaker
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cb := &CircuitBreaker{
		name:          cfg.Name,
		logger:        logger,
		tracer:        otel.Tracer("circuit-breaker"),
		onStateChange: cfg.OnStateChange,
		currentState:  StateClosed,
	}

	meter := otel.Meter("circuit-breaker")
	var err error
	if cb.requestCounter, err = meter.Int64Counter("circuit_breaker_requests_total",
		metric.WithDescription("Total requests through circuit breaker")); err != nil {
		return nil, fmt.Errorf("create request counter: %w", err)
	}
	if cb.failureCounter, err = meter.Int64Counter("circuit_breaker_failures_total",
		metric.WithDescription("Total failed requests")); err != nil {
		return nil, fmt.Errorf("create failure counter: %w", err)
	}
	if cb.rejectedCounter, err = meter.Int64Counter("circuit_breaker_rejected_total",
		metric.WithDescription("Total requests rejected by an open circuit")); err != nil {
		return nil, fmt.Errorf("create rejected counter: %w", err)
	}

	cb.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cb.handleStateChange(from, to)
		},
	})

	return cb, nil
}

// Execute runs a function through the circuit breaker
func (c *CircuitBreaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	ctx, span := c.tracer.Start(ctx, "circuit_breaker_execute",
		trace.WithAttributes(
			attribute.String("breaker_name", c.name),
			attribute.String("state", string(c.GetState())),
		))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("name", c.name))
	c.requestCounter.Add(ctx, 1, attrs)

	result, err := c.cb.Execute(fn)
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			c.rejectedCounter.Add(ctx, 1, attrs)
			span.SetAttributes(attribute.Bool("circuit_open", true))
		} else {
			c.failureCounter.Add(ctx, 1, attrs)
		}
		span.RecordError(err)
		return nil, err
	}

	return result, nil
}

// GetState returns the current circuit breaker state
func (c *CircuitBreaker) GetState() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.currentState
}

// IsOpen returns true if the circuit is open
func (c *CircuitBreaker) IsOpen() bool {
	return c.GetState() == StateOpen
}

// Counts returns the current counts from the circuit breaker
func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.cb.Counts()
}

func (c *CircuitBreaker) handleStateChange(from, to gobreaker.State) {
	toState := mapState(to)

	c.stateMu.Lock()
	c.currentState = toState
	c.stateMu.Unlock()

	c.logger.Warn("circuit breaker state changed",
		zap.String("breaker", c.name),
		zap.String("from", string(mapState(from))),
		zap.String("to", string(toState)))

	if c.onStateChange != nil {
		c.onStateChange(c.name, toState)
	}
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
