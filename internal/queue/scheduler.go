package queue

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Scheduler maintains the set of groups with pending work and hands them out
// to workers in round-robin order, guaranteeing at most one concurrent
// claim per group. It replaces the per-group-goroutine pattern of an
// unbounded-concurrency design with a fixed worker pool fed by a single
// ready-group queue.
type Scheduler struct {
	mu     sync.Mutex
	ready  []string
	active map[string]bool
	wake   chan struct{}
	notify func(ctx context.Context, groupID string)

	readyGauge   metric.Int64Gauge
	notifyCount  metric.Int64Counter
	acquireCount metric.Int64Counter
	tracer       trace.Tracer
}

// NewScheduler constructs an empty Scheduler.
func NewScheduler(meter metric.Meter) *Scheduler {
	readyGauge, _ := meter.Int64Gauge("episodequeue_scheduler_ready_groups")
	notifyCount, _ := meter.Int64Counter("episodequeue_scheduler_notify_total")
	acquireCount, _ := meter.Int64Counter("episodequeue_scheduler_acquire_total")
	return &Scheduler{
		active:       make(map[string]bool),
		wake:         make(chan struct{}, 1),
		readyGauge:   readyGauge,
		notifyCount:  notifyCount,
		acquireCount: acquireCount,
		tracer:       otel.Tracer("episodequeue-scheduler"),
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// SetCrossProcessNotifier installs a callback invoked on every new
// idle->ready transition (never on a re-notify of an already-ready group),
// letting a producer-only or separate-worker-binary deployment publish a
// wake message to sibling processes instead of relying solely on this
// process's own in-memory wake channel.
func (s *Scheduler) SetCrossProcessNotifier(fn func(ctx context.Context, groupID string)) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

// Notify marks groupID as having pending work. A no-op if the group is
// already in the ready queue or currently held by a worker.
func (s *Scheduler) Notify(ctx context.Context, groupID string) {
	_, span := s.tracer.Start(ctx, "scheduler.notify")
	defer span.End()

	s.mu.Lock()
	already := s.active[groupID]
	if !already {
		s.active[groupID] = true
		s.ready = append(s.ready, groupID)
	}
	n := len(s.ready)
	notify := s.notify
	s.mu.Unlock()

	s.notifyCount.Add(ctx, 1)
	s.readyGauge.Record(ctx, int64(n))
	if !already {
		s.signal()
		if notify != nil {
			notify(ctx, groupID)
		}
	}
}

// Acquire blocks until a group is ready and returns it. The returned group
// is popped from the ready queue but remains in active_groups for the
// duration of the caller's hold, so a second Acquire cannot also claim it.
func (s *Scheduler) Acquire(ctx context.Context) (string, error) {
	for {
		s.mu.Lock()
		if len(s.ready) > 0 {
			group := s.ready[0]
			s.ready = s.ready[1:]
			n := len(s.ready)
			s.mu.Unlock()
			s.acquireCount.Add(ctx, 1)
			s.readyGauge.Record(ctx, int64(n))
			return group, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-s.wake:
		}
	}
}

// Release returns groupID after a worker's hold. If stillHasWork, the group
// is pushed back onto the tail of the ready queue for round-robin fairness;
// otherwise it is dropped from active_groups entirely so a future Notify
// can re-admit it.
func (s *Scheduler) Release(ctx context.Context, groupID string, stillHasWork bool) {
	s.mu.Lock()
	if stillHasWork {
		s.ready = append(s.ready, groupID)
	} else {
		delete(s.active, groupID)
	}
	n := len(s.ready)
	s.mu.Unlock()

	s.readyGauge.Record(ctx, int64(n))
	if stillHasWork {
		s.signal()
	}
}

// Stats reports scheduler occupancy for the introspection endpoint.
type SchedulerStats struct {
	ReadyGroups  int
	ActiveGroups int
}

func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStats{ReadyGroups: len(s.ready), ActiveGroups: len(s.active)}
}
