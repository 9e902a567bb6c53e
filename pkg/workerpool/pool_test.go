package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Workers:                 2,
		QueueSize:               8,
		MaxRetries:              2,
		RetryDelay:              time.Millisecond,
		GracefulShutdownTimeout: time.Second,
	}
}

func awaitResult(t *testing.T, pool *Pool) *Result {
	t.Helper()
	select {
	case r := <-pool.Results():
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a result")
		return nil
	}
}

func TestPoolProcessesTask(t *testing.T) {
	pool, err := New(testConfig(), func(ctx context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Success: true, Data: task.Payload}
	}, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Start()
	defer pool.Stop()

	if err := pool.Submit(&Task{ID: "t-1", Payload: "payload"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	r := awaitResult(t, pool)
	if !r.Success {
		t.Fatalf("task should succeed, got error: %v", r.Error)
	}
	if r.TaskID != "t-1" {
		t.Errorf("expected task t-1, got %s", r.TaskID)
	}
}

func TestPoolRetriesTransientFailure(t *testing.T) {
	var attempts int64
	pool, err := New(testConfig(), func(ctx context.Context, task *Task) *Result {
		if atomic.AddInt64(&attempts, 1) == 1 {
			return &Result{TaskID: task.ID, Success: false, Error: errors.New("transient")}
		}
		return &Result{TaskID: task.ID, Success: true}
	}, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Start()
	defer pool.Stop()

	if err := pool.Submit(&Task{ID: "t-retry"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	r := awaitResult(t, pool)
	if !r.Success {
		t.Fatalf("task should succeed on retry, got: %v", r.Error)
	}
	if got := atomic.LoadInt64(&attempts); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
	if pool.Stats().TasksRetried != 1 {
		t.Errorf("expected 1 retry recorded, got %d", pool.Stats().TasksRetried)
	}
}

func TestPoolExhaustsRetries(t *testing.T) {
	cause := errors.New("downstream unavailable")
	pool, err := New(testConfig(), func(ctx context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Success: false, Error: cause}
	}, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Start()
	defer pool.Stop()

	if err := pool.Submit(&Task{ID: "t-fail"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	r := awaitResult(t, pool)
	if r.Success {
		t.Fatal("task should fail after exhausting retries")
	}
	if !errors.Is(r.Error, cause) {
		t.Errorf("result should wrap the last error, got: %v", r.Error)
	}
}

func TestPoolRejectsWhenQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 2

	// Never started, so the queue only drains on Submit.
	pool, err := New(cfg, func(ctx context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Success: true}
	}, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	if err := pool.Submit(&Task{ID: "a"}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := pool.Submit(&Task{ID: "b"}); err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if err := pool.Submit(&Task{ID: "c"}); err == nil {
		t.Error("submit past queue capacity should fail")
	}
}

func TestPoolRequiresWorkerFunc(t *testing.T) {
	if _, err := New(testConfig(), nil, nil); err == nil {
		t.Error("nil worker function must be rejected")
	}
}
