package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Service is the composed facade the HTTP API and CLI front-ends call:
// Enqueue, Get, List, Stop, Retry, StreamProgress. It owns no concurrency
// itself beyond the Scheduler/WorkerPool/Sweeper it wires together.
type Service struct {
	store     TaskStore
	dq        DurableQueue
	sched     *Scheduler
	registry  *HandlerRegistry
	bus       *ProgressBus
	pool      *WorkerPool
	sweeper   *RecoverySweeper
	retention *RetentionSweeper

	enqueueCount metric.Int64Counter
	tracer       trace.Tracer
}

// Config bundles the tunables from SECTION 6 of the public contract.
type Config struct {
	WorkerCount              int
	RecoveryInterval         time.Duration
	ProgressFlushMinInterval time.Duration

	// Retention and RetentionSchedule configure the RetentionSweeper. A
	// zero Retention disables it. RetentionSchedule defaults to a daily
	// cron expression when left blank.
	Retention         time.Duration
	RetentionSchedule string
}

// NewService wires a Service from its ports. If cfg.WorkerCount is 0, the
// Scheduler/WorkerPool/Sweeper are not started — the resulting Service only
// accepts Enqueue/Get/List/Stop/Retry, useful for a producer-only process
// sharing a store with a separate worker binary.
func NewService(store TaskStore, dq DurableQueue, registry *HandlerRegistry, sink SchemaSyncPort, cfg Config, meter metric.Meter) *Service {
	bus := NewProgressBus(store)
	sched := NewScheduler(meter)

	enqueueCount, _ := meter.Int64Counter("episodequeue_service_enqueue_total")

	svc := &Service{
		store:        store,
		dq:           dq,
		sched:        sched,
		registry:     registry,
		bus:          bus,
		enqueueCount: enqueueCount,
		tracer:       otel.Tracer("episodequeue-service"),
	}

	if cfg.WorkerCount > 0 {
		svc.pool = NewWorkerPool(store, dq, sched, registry, bus, sink, WorkerPoolConfig{
			WorkerCount:              cfg.WorkerCount,
			ProgressFlushMinInterval: cfg.ProgressFlushMinInterval,
		}, meter)
		svc.sweeper = NewRecoverySweeper(store, dq, sched, registry, cfg.RecoveryInterval, meter)
	}

	if cfg.Retention > 0 {
		schedule := cfg.RetentionSchedule
		if schedule == "" {
			schedule = "@daily"
		}
		if rs, err := NewRetentionSweeper(store, cfg.Retention, schedule, meter); err == nil {
			svc.retention = rs
		} else {
			slog.Error("retention sweeper: invalid schedule, disabled", "schedule", schedule, "error", err)
		}
	}

	return svc
}

// Start launches the worker pool, recovery sweeper and retention sweeper, if
// configured. It is safe to call on a producer-only Service; the pieces it
// has no configuration for are then no-ops.
func (s *Service) Start(ctx context.Context) {
	if s.retention != nil {
		s.retention.Start(ctx)
	}
	if s.pool == nil {
		return
	}
	s.pool.Start(ctx)
	go s.sweeper.Run(ctx)
}

// Wait blocks until every worker goroutine has exited after ctx cancellation.
func (s *Service) Wait() {
	if s.pool == nil {
		return
	}
	s.pool.Wait()
}

// EnqueueOpts carries the optional per-enqueue overrides.
type EnqueueOpts struct {
	MaxAttempts int
}

// Enqueue validates kind against the registry, writes a PENDING row, appends
// to the group's pending queue, and wakes the Scheduler. It is a synchronous,
// fast call: two small writes.
func (s *Service) Enqueue(ctx context.Context, kind, groupID string, payload []byte, opts EnqueueOpts) (string, error) {
	ctx, span := s.tracer.Start(ctx, "service.enqueue", trace.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("group_id", groupID),
	))
	defer span.End()

	desc, err := s.registry.Lookup(kind)
	if err != nil {
		return "", err
	}
	maxAttempts := desc.MaxAttempts
	if opts.MaxAttempts > 0 {
		maxAttempts = opts.MaxAttempts
	}

	id := uuid.NewString()
	rec := TaskRecord{
		ID:          id,
		GroupID:     groupID,
		Kind:        kind,
		Payload:     payload,
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now(),
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return "", err
	}
	if err := s.dq.Enqueue(ctx, groupID, id); err != nil {
		return "", err
	}
	s.sched.Notify(ctx, groupID)
	s.enqueueCount.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	return id, nil
}

// Get returns the current TaskRecord for id.
func (s *Service) Get(ctx context.Context, id string) (TaskRecord, error) {
	return s.store.Get(ctx, id)
}

// List returns TaskRecords matching filter.
func (s *Service) List(ctx context.Context, filter ListFilter, page Pagination) ([]TaskRecord, error) {
	return s.store.List(ctx, filter, page)
}

// Stop requests cooperative cancellation of id. A PENDING task transitions
// directly to STOPPED and is never dispatched. A PROCESSING task is observed
// STOPPED by its worker at the next progress flush.
func (s *Service) Stop(ctx context.Context, id string) (bool, error) {
	now := time.Now()
	ok, err := s.store.UpdateStatus(ctx, id, StatusPending, StatusStopped, TaskUpdate{StoppedAt: &now})
	if err != nil {
		return false, err
	}
	if ok {
		s.bus.Publish(ctx, ProgressEvent{TaskID: id, Status: StatusStopped, Timestamp: now})
		return true, nil
	}

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if rec.Status != StatusProcessing {
		return false, nil
	}
	ok, err = s.store.UpdateStatus(ctx, id, StatusProcessing, StatusStopped, TaskUpdate{StoppedAt: &now})
	if err != nil {
		return false, err
	}
	if ok {
		s.bus.Publish(ctx, ProgressEvent{TaskID: id, Status: StatusStopped, Timestamp: now})
	}
	return ok, nil
}

// Retry clones a terminal-FAILED task as a fresh PENDING entry with identical
// payload, returning the new task id. Rejects with ErrNotFailed otherwise.
func (s *Service) Retry(ctx context.Context, id string) (string, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if rec.Status != StatusFailed {
		return "", ErrNotFailed
	}

	newID := uuid.NewString()
	clone := TaskRecord{
		ID:          newID,
		GroupID:     rec.GroupID,
		Kind:        rec.Kind,
		Payload:     rec.Payload,
		Status:      StatusPending,
		MaxAttempts: rec.MaxAttempts,
		CreatedAt:   time.Now(),
	}
	if err := s.store.Create(ctx, clone); err != nil {
		return "", err
	}
	if err := s.dq.Enqueue(ctx, rec.GroupID, newID); err != nil {
		return "", err
	}
	s.sched.Notify(ctx, rec.GroupID)
	return newID, nil
}

// StreamProgress returns a Subscription whose Events channel is closed once
// id reaches a terminal status. Callers must call Close when done draining
// to release the subscriber slot, even if they stop reading early.
func (s *Service) StreamProgress(ctx context.Context, id string) (*Subscription, error) {
	sub, err := s.bus.Subscribe(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("stream progress: %w", err)
	}
	return sub, nil
}

// SchedulerStats exposes scheduler occupancy for the introspection endpoint.
func (s *Service) SchedulerStats() SchedulerStats {
	return s.sched.Stats()
}

// SetGroupReadyPublisher installs fn as the Scheduler's cross-process
// notifier, called on every new idle->ready transition. Intended for a
// producer-only or separate-worker-binary deployment where a NATS publish
// is the only way for a sibling worker process to learn of new work.
func (s *Service) SetGroupReadyPublisher(fn func(ctx context.Context, groupID string)) {
	s.sched.SetCrossProcessNotifier(fn)
}

// Notify re-triggers local scheduling for groupID without an accompanying
// store write. It is the counterpart to SetGroupReadyPublisher: a process
// subscribing to cross-process wake messages calls this when one arrives so
// its own Scheduler picks the group up.
func (s *Service) Notify(ctx context.Context, groupID string) {
	s.sched.Notify(ctx, groupID)
}
