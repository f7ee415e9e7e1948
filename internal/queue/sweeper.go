package queue

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/s1366560/memstack-sub002/internal/platform/resilience"
)

// RecoverySweeper periodically scans PROCESSING tasks whose started_at plus
// their handler's timeout has elapsed and either re-enqueues them (attempts
// remaining) or marks them FAILED. It is the sole recovery path: crashed
// workers never communicate their death, so recovery is purely time-based.
type RecoverySweeper struct {
	store    TaskStore
	dq       DurableQueue
	sched    *Scheduler
	registry *HandlerRegistry
	interval time.Duration

	stalledFound  metric.Int64Counter
	stalledRetry  metric.Int64Counter
	stalledFailed metric.Int64Counter
}

// NewRecoverySweeper constructs a sweeper with the given cadence.
func NewRecoverySweeper(store TaskStore, dq DurableQueue, sched *Scheduler, registry *HandlerRegistry, interval time.Duration, meter metric.Meter) *RecoverySweeper {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	stalledFound, _ := meter.Int64Counter("episodequeue_sweeper_stalled_found_total")
	stalledRetry, _ := meter.Int64Counter("episodequeue_sweeper_stalled_retried_total")
	stalledFailed, _ := meter.Int64Counter("episodequeue_sweeper_stalled_failed_total")
	return &RecoverySweeper{
		store:         store,
		dq:            dq,
		sched:         sched,
		registry:      registry,
		interval:      interval,
		stalledFound:  stalledFound,
		stalledRetry:  stalledRetry,
		stalledFailed: stalledFailed,
	}
}

// Run blocks, sweeping every interval until ctx is cancelled. The sweeper's
// own effective timeout per kind is handler.Timeout plus a fixed grace
// period to avoid racing a task that is about to fail naturally.
func (rs *RecoverySweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.sweepOnce(ctx)
		}
	}
}

const sweepGrace = 5 * time.Second

func (rs *RecoverySweeper) timeoutForKind(kind string) time.Duration {
	desc, err := rs.registry.Lookup(kind)
	if err != nil {
		return DefaultHandlerTimeout + sweepGrace
	}
	return desc.Timeout + sweepGrace
}

func (rs *RecoverySweeper) sweepOnce(ctx context.Context) {
	tr := otel.Tracer("episodequeue-sweeper")
	ctx, span := tr.Start(ctx, "sweeper.sweep")
	defer span.End()

	stalled, err := resilience.Retry(ctx, storeRetryAttempts, storeRetryDelay, func() ([]TaskRecord, error) {
		return rs.store.FindStalled(ctx, time.Now(), rs.timeoutForKind)
	})
	if err != nil {
		slog.Error("sweeper: find stalled failed", "error", err)
		return
	}
	if len(stalled) == 0 {
		return
	}
	rs.stalledFound.Add(ctx, int64(len(stalled)))

	for _, rec := range stalled {
		rs.recover(ctx, rec)
	}
}

func (rs *RecoverySweeper) recover(ctx context.Context, rec TaskRecord) {
	if rec.Attempts+1 >= rec.MaxAttempts {
		errMsg := "stalled"
		ok, err := resilience.Retry(ctx, storeRetryAttempts, storeRetryDelay, func() (bool, error) {
			return rs.store.UpdateStatus(ctx, rec.ID, StatusProcessing, StatusFailed, TaskUpdate{
				CompletedAt:   timePtr(time.Now()),
				Error:         &errMsg,
				AttemptsDelta: 1,
				ClearWorkerID: true,
			})
		})
		if err != nil {
			slog.Error("sweeper: fail stalled task", "task_id", rec.ID, "error", err)
			return
		}
		if ok {
			_, _ = resilience.Retry(ctx, storeRetryAttempts, storeRetryDelay, func() (struct{}, error) {
				return struct{}{}, rs.dq.Ack(ctx, rec.ID)
			})
			rs.stalledFailed.Add(ctx, 1)
		}
		return
	}

	errMsg := "stalled"
	zero := 0
	ok, err := resilience.Retry(ctx, storeRetryAttempts, storeRetryDelay, func() (bool, error) {
		return rs.store.UpdateStatus(ctx, rec.ID, StatusProcessing, StatusPending, TaskUpdate{
			AttemptsDelta:  1,
			ClearWorkerID:  true,
			ClearStartedAt: true,
			Error:          &errMsg,
			Progress:       &zero,
		})
	})
	if err != nil {
		slog.Error("sweeper: recover stalled task", "task_id", rec.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	if _, err := resilience.Retry(ctx, storeRetryAttempts, storeRetryDelay, func() (struct{}, error) {
		return struct{}{}, rs.dq.ReEnqueueStalled(ctx, rec.GroupID, rec.ID)
	}); err != nil {
		slog.Error("sweeper: re-enqueue stalled task", "task_id", rec.ID, "error", err)
		return
	}
	rs.sched.Notify(ctx, rec.GroupID)
	rs.stalledRetry.Add(ctx, 1)
	slog.Warn("sweeper: recovered stalled task", "task_id", rec.ID, "group_id", rec.GroupID, "attempts", rec.Attempts+1)
}

func timePtr(t time.Time) *time.Time { return &t }
