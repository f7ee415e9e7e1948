package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/s1366560/memstack-sub002/internal/platform/resilience"
)

// storeRetryAttempts/storeRetryDelay bound the retry applied to TaskStore
// and DurableQueue calls that can fail transiently (a bbolt fsync hiccup, a
// redis reconnect). The wrapped calls are retried on every non-nil error,
// sentinels such as ErrNotFound included; a lost CAS is a false result, not
// an error, so it is not retried, and Claim (whose ErrQueueEmpty is control
// flow) is called without the wrapper.
const (
	storeRetryAttempts = 3
	storeRetryDelay    = 20 * time.Millisecond
)

// WorkerPool runs a fixed population of worker loops, each obtaining a ready
// group from the Scheduler, claiming one task from it, dispatching to the
// registered handler, and recording the outcome. The worker count bounds
// total concurrent handler executions — the subsystem's sole concurrency
// throttle.
type WorkerPool struct {
	store    TaskStore
	dq       DurableQueue
	sched    *Scheduler
	registry *HandlerRegistry
	bus      *ProgressBus
	sync     SchemaSyncPort

	workerCount      int
	progressInterval time.Duration

	taskDuration  metric.Float64Histogram
	tasksByResult metric.Int64Counter
	inFlightGauge metric.Int64Gauge
	tracer        trace.Tracer

	wg       sync.WaitGroup
	inFlight int64
	infMu    sync.Mutex
}

// SchemaSyncPort is the best-effort sink invoked after a successful handler
// run with the schema additions it observed.
type SchemaSyncPort interface {
	Sync(ctx context.Context, add SchemaAddition)
}

// WorkerPoolConfig configures WorkerPool construction.
type WorkerPoolConfig struct {
	WorkerCount              int
	ProgressFlushMinInterval time.Duration
}

// NewWorkerPool constructs a pool; Start must be called to run its workers.
func NewWorkerPool(store TaskStore, dq DurableQueue, sched *Scheduler, registry *HandlerRegistry, bus *ProgressBus, sink SchemaSyncPort, cfg WorkerPoolConfig, meter metric.Meter) *WorkerPool {
	workerCount := cfg.WorkerCount
	if workerCount <= 0 {
		workerCount = 20
	}
	flushInterval := cfg.ProgressFlushMinInterval
	if flushInterval <= 0 {
		flushInterval = time.Second
	}

	taskDuration, _ := meter.Float64Histogram("episodequeue_worker_task_duration_ms")
	tasksByResult, _ := meter.Int64Counter("episodequeue_worker_tasks_total")
	inFlightGauge, _ := meter.Int64Gauge("episodequeue_worker_inflight")

	return &WorkerPool{
		store:            store,
		dq:               dq,
		sched:            sched,
		registry:         registry,
		bus:              bus,
		sync:             sink,
		workerCount:      workerCount,
		progressInterval: flushInterval,
		taskDuration:     taskDuration,
		tasksByResult:    tasksByResult,
		inFlightGauge:    inFlightGauge,
		tracer:           otel.Tracer("episodequeue-worker"),
	}
}

// Start launches workerCount goroutines, each running loop(ctx) until ctx is
// cancelled. Start returns immediately; call Wait to block for shutdown.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.workerCount; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go func(id string) {
			defer p.wg.Done()
			p.loop(ctx, id)
		}(workerID)
	}
}

// Wait blocks until every worker goroutine has returned (i.e. ctx was
// cancelled and each worker observed it at its next suspension point).
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

func (p *WorkerPool) loop(ctx context.Context, workerID string) {
	for {
		group, err := p.sched.Acquire(ctx)
		if err != nil {
			return
		}

		taskID, err := p.dq.Claim(ctx, group, workerID)
		if err != nil {
			if errors.Is(err, ErrQueueEmpty) {
				p.sched.Release(ctx, group, false)
				continue
			}
			slog.Error("worker: claim failed", "worker_id", workerID, "group_id", group, "error", err)
			p.sched.Release(ctx, group, false)
			continue
		}

		p.runOne(ctx, workerID, group, taskID)

		remaining, err := p.retryLen(ctx, group)
		if err != nil {
			slog.Error("worker: len failed", "worker_id", workerID, "group_id", group, "error", err)
			remaining = 0
		}
		p.sched.Release(ctx, group, remaining > 0)
	}
}

func (p *WorkerPool) retryUpdateStatus(ctx context.Context, id string, from, to Status, fields TaskUpdate) (bool, error) {
	return resilience.Retry(ctx, storeRetryAttempts, storeRetryDelay, func() (bool, error) {
		return p.store.UpdateStatus(ctx, id, from, to, fields)
	})
}

func (p *WorkerPool) retryGet(ctx context.Context, id string) (TaskRecord, error) {
	return resilience.Retry(ctx, storeRetryAttempts, storeRetryDelay, func() (TaskRecord, error) {
		return p.store.Get(ctx, id)
	})
}

func (p *WorkerPool) retryAck(ctx context.Context, id string) error {
	_, err := resilience.Retry(ctx, storeRetryAttempts, storeRetryDelay, func() (struct{}, error) {
		return struct{}{}, p.dq.Ack(ctx, id)
	})
	return err
}

func (p *WorkerPool) retryLen(ctx context.Context, group string) (int, error) {
	return resilience.Retry(ctx, storeRetryAttempts, storeRetryDelay, func() (int, error) {
		return p.dq.Len(ctx, group)
	})
}

func (p *WorkerPool) retryReEnqueueStalled(ctx context.Context, group, id string) error {
	_, err := resilience.Retry(ctx, storeRetryAttempts, storeRetryDelay, func() (struct{}, error) {
		return struct{}{}, p.dq.ReEnqueueStalled(ctx, group, id)
	})
	return err
}

func (p *WorkerPool) setInFlight(delta int64) {
	p.infMu.Lock()
	p.inFlight += delta
	n := p.inFlight
	p.infMu.Unlock()
	p.inFlightGauge.Record(context.Background(), n)
}

func (p *WorkerPool) runOne(ctx context.Context, workerID, group, taskID string) {
	ctx, span := p.tracer.Start(ctx, "worker.run_task",
		trace.WithAttributes(
			attribute.String("task_id", taskID),
			attribute.String("group_id", group),
			attribute.String("worker_id", workerID),
		),
	)
	defer span.End()

	start := time.Now()
	now := time.Now()
	workerIDCopy := workerID
	ok, err := p.retryUpdateStatus(ctx, taskID, StatusPending, StatusProcessing, TaskUpdate{
		StartedAt: &now,
		WorkerID:  &workerIDCopy,
	})
	if err != nil {
		slog.Error("worker: claim CAS errored", "task_id", taskID, "error", err)
		_ = p.retryAck(ctx, taskID)
		return
	}
	if !ok {
		// Claimed or cancelled elsewhere (e.g. Stop raced us to PENDING->STOPPED).
		_ = p.retryAck(ctx, taskID)
		return
	}

	rec, err := p.retryGet(ctx, taskID)
	if err != nil {
		slog.Error("worker: get after claim failed", "task_id", taskID, "error", err)
		_ = p.retryAck(ctx, taskID)
		return
	}

	desc, err := p.registry.Lookup(rec.Kind)
	if err != nil {
		errMsg := "unknown kind"
		_, _ = p.retryUpdateStatus(ctx, taskID, StatusProcessing, StatusFailed, TaskUpdate{
			CompletedAt: timePtr(time.Now()),
			Error:       &errMsg,
		})
		p.bus.Publish(ctx, ProgressEvent{TaskID: taskID, Percent: rec.Progress, Status: StatusFailed, Message: errMsg, Timestamp: time.Now()})
		_ = p.retryAck(ctx, taskID)
		p.tasksByResult.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "unknown_kind")))
		return
	}

	p.setInFlight(1)
	defer p.setInFlight(-1)

	stoppedFn := func() bool {
		cur, err := p.retryGet(ctx, taskID)
		if err != nil {
			return false
		}
		return cur.Status == StatusStopped
	}

	handlerCtx, cancel := context.WithTimeout(ctx, desc.Timeout)
	reporter := newProgressReporter(taskID, p.bus, p.store, p.progressInterval, stoppedFn, cancel)
	result, handlerErr := desc.Handler.Process(handlerCtx, taskID, rec.Payload, reporter)
	ctxErr := handlerCtx.Err()
	cancel()
	if handlerErr == nil && ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			handlerErr = fmt.Errorf("timeout")
		} else {
			// Cancelled by the progress reporter observing a Stop or by the
			// worker's own ctx ending. After a Stop the status CAS below
			// loses harmlessly against the row's already-STOPPED state.
			handlerErr = ErrStopped
		}
	}

	duration := time.Since(start)
	p.taskDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(
		attribute.String("kind", rec.Kind),
	))

	if handlerErr == nil {
		p.onSuccess(ctx, rec, result)
	} else {
		p.onFailure(ctx, rec, desc, handlerErr)
	}
	_ = p.retryAck(ctx, taskID)
}

func (p *WorkerPool) onSuccess(ctx context.Context, rec TaskRecord, result HandlerResult) {
	progress := 100
	ok, err := p.retryUpdateStatus(ctx, rec.ID, StatusProcessing, StatusCompleted, TaskUpdate{
		CompletedAt: timePtr(time.Now()),
		Progress:    &progress,
		Result:      result.Result,
		EntityID:    strPtrOrNil(result.EntityID),
		EntityType:  strPtrOrNil(result.EntityType),
	})
	if err != nil {
		slog.Error("worker: complete CAS errored", "task_id", rec.ID, "error", err)
		return
	}
	if !ok {
		// Raced with a Stop that already moved the row to STOPPED; the
		// CAS loses harmlessly, matching the cooperative-cancellation design.
		return
	}
	if result.Schema != nil && p.sync != nil {
		p.sync.Sync(ctx, *result.Schema)
	}
	p.bus.Publish(ctx, ProgressEvent{TaskID: rec.ID, Percent: 100, Status: StatusCompleted, Timestamp: time.Now()})
	p.tasksByResult.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "completed")))
}

func (p *WorkerPool) onFailure(ctx context.Context, rec TaskRecord, desc HandlerDescriptor, handlerErr error) {
	msg := handlerErr.Error()
	maxAttempts := rec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = desc.MaxAttempts
	}
	if rec.Attempts+1 < maxAttempts {
		zero := 0
		ok, err := p.retryUpdateStatus(ctx, rec.ID, StatusProcessing, StatusPending, TaskUpdate{
			AttemptsDelta:  1,
			ClearWorkerID:  true,
			ClearStartedAt: true,
			Error:          &msg,
			Progress:       &zero,
		})
		if err != nil {
			slog.Error("worker: retry CAS errored", "task_id", rec.ID, "error", err)
			return
		}
		if !ok {
			return
		}
		if err := p.retryReEnqueueStalled(ctx, rec.GroupID, rec.ID); err != nil {
			slog.Error("worker: re-enqueue after failure errored", "task_id", rec.ID, "error", err)
		}
		p.sched.Notify(ctx, rec.GroupID)
		p.bus.Publish(ctx, ProgressEvent{TaskID: rec.ID, Percent: 0, Status: StatusPending, Message: msg, Timestamp: time.Now()})
		p.tasksByResult.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "retried")))
		return
	}

	ok, err := p.retryUpdateStatus(ctx, rec.ID, StatusProcessing, StatusFailed, TaskUpdate{
		CompletedAt:   timePtr(time.Now()),
		Error:         &msg,
		AttemptsDelta: 1,
	})
	if err != nil {
		slog.Error("worker: fail CAS errored", "task_id", rec.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	p.bus.Publish(ctx, ProgressEvent{TaskID: rec.ID, Percent: rec.Progress, Status: StatusFailed, Message: msg, Timestamp: time.Now()})
	p.tasksByResult.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "failed")))
}

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
