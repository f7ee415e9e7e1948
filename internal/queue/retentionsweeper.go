package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/metric"
)

// RetentionSweeper enforces TaskRecord's configured lifetime by deleting
// terminal rows older than Retention on a cron schedule. It never touches
// PENDING or PROCESSING rows regardless of age.
type RetentionSweeper struct {
	store     TaskStore
	retention time.Duration
	cron      *cron.Cron

	purged metric.Int64Counter
}

// NewRetentionSweeper constructs a sweeper that runs schedule (a standard
// five-field cron expression) against store, purging terminal rows whose
// completion predates retention. A non-positive retention disables purging:
// Start becomes a no-op.
func NewRetentionSweeper(store TaskStore, retention time.Duration, schedule string, meter metric.Meter) (*RetentionSweeper, error) {
	purged, _ := meter.Int64Counter("episodequeue_retention_purged_total")
	rs := &RetentionSweeper{
		store:     store,
		retention: retention,
		purged:    purged,
	}
	if retention <= 0 {
		return rs, nil
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { rs.sweepOnce(context.Background()) }); err != nil {
		return nil, err
	}
	rs.cron = c
	return rs, nil
}

// Start begins the cron schedule. It returns immediately; the schedule runs
// in its own goroutine until ctx is cancelled.
func (rs *RetentionSweeper) Start(ctx context.Context) {
	if rs.cron == nil {
		return
	}
	rs.cron.Start()
	go func() {
		<-ctx.Done()
		<-rs.cron.Stop().Done()
	}()
}

func (rs *RetentionSweeper) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-rs.retention)
	n, err := rs.store.Purge(ctx, cutoff)
	if err != nil {
		slog.Error("retention sweep: purge failed", "error", err)
		return
	}
	if n > 0 {
		rs.purged.Add(ctx, int64(n))
		slog.Info("retention sweep: purged terminal tasks", "count", n, "cutoff", cutoff)
	}
}
