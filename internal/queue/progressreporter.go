package queue

import (
	"context"
	"sync"
	"time"
)

// progressReporter is the concrete ProgressReporter bound to one task's
// worker invocation. It throttles TaskStore writes to at most one per
// progressFlushMinInterval, always flushing the final 100% checkpoint, and
// always publishes to the ProgressBus untouched by the throttle so
// subscribers see every handler-reported checkpoint. At each throttled
// flush it also checks the row's current status and, if it has moved to
// STOPPED since the worker began, cancels the handler's context so the
// handler aborts at its next ctx.Done()/Stopped() check instead of running
// to completion.
type progressReporter struct {
	mu          sync.Mutex
	taskID      string
	bus         *ProgressBus
	store       TaskStore
	minInterval time.Duration
	lastFlush   time.Time
	stopped     func() bool
	cancel      context.CancelFunc
	cancelled   bool
}

func newProgressReporter(taskID string, bus *ProgressBus, store TaskStore, minInterval time.Duration, stopped func() bool, cancel context.CancelFunc) *progressReporter {
	return &progressReporter{
		taskID:      taskID,
		bus:         bus,
		store:       store,
		minInterval: minInterval,
		stopped:     stopped,
		cancel:      cancel,
	}
}

// Report implements ProgressReporter. It is safe for the handler to call
// concurrently, though in practice each handler calls from a single
// goroutine.
func (p *progressReporter) Report(ctx context.Context, percent int, message string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	p.bus.Publish(ctx, ProgressEvent{
		TaskID:    p.taskID,
		Percent:   percent,
		Message:   message,
		Status:    StatusProcessing,
		Timestamp: time.Now(),
	})

	p.mu.Lock()
	final := percent >= 100
	due := final || time.Since(p.lastFlush) >= p.minInterval
	if due {
		p.lastFlush = time.Now()
	}
	p.mu.Unlock()

	if !due {
		return
	}

	progressVal := percent
	msgVal := message
	_, _ = p.store.UpdateStatus(ctx, p.taskID, StatusProcessing, StatusProcessing, TaskUpdate{
		Progress: &progressVal,
		Message:  &msgVal,
	})

	p.abortIfStopped()
}

// abortIfStopped checks the row's current status and cancels the handler
// context the first time it observes STOPPED.
func (p *progressReporter) abortIfStopped() {
	if p.cancel == nil || p.stopped == nil {
		return
	}
	p.mu.Lock()
	already := p.cancelled
	p.mu.Unlock()
	if already {
		return
	}
	if !p.stopped() {
		return
	}
	p.mu.Lock()
	p.cancelled = true
	p.mu.Unlock()
	p.cancel()
}

// Stopped reports whether the task's row has moved to STOPPED since the
// worker began processing it; handlers may poll it to abort cooperatively.
func (p *progressReporter) Stopped() bool {
	if p.stopped == nil {
		return false
	}
	return p.stopped()
}
