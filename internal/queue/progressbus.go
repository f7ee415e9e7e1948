package queue

import (
	"context"
	"sync"
	"time"
)

// ProgressBus holds one multi-subscriber channel per task id. The assigned
// worker is the sole producer; the StreamProgress API is the consumer. When
// a task reaches a terminal status the channel receives a final event and is
// closed; subscribers that arrive after that point are served a synthetic
// terminal event reconstructed from the store instead of the closed channel.
type ProgressBus struct {
	mu      sync.Mutex
	streams map[string]*taskStream
	store   TaskStore
}

type taskStream struct {
	mu       sync.Mutex
	subs     map[chan ProgressEvent]struct{}
	closed   bool
	lastSeen ProgressEvent
}

// NewProgressBus constructs a bus backed by store for synthesizing baseline
// and late-subscriber events.
func NewProgressBus(store TaskStore) *ProgressBus {
	return &ProgressBus{streams: make(map[string]*taskStream), store: store}
}

func (b *ProgressBus) stream(taskID string) *taskStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[taskID]
	if !ok {
		s = &taskStream{subs: make(map[chan ProgressEvent]struct{})}
		b.streams[taskID] = s
	}
	return s
}

// Publish emits an event to every current subscriber of its task. If the
// event's status is terminal, the stream is closed after delivery and future
// subscribers get the synthesized final event instead.
func (b *ProgressBus) Publish(ctx context.Context, ev ProgressEvent) {
	s := b.stream(ev.TaskID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.lastSeen = ev
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// slow subscriber misses an intermediate tick; it will still
			// observe the terminal event or can re-subscribe for baseline.
		}
	}
	if ev.Status.Terminal() {
		for ch := range s.subs {
			close(ch)
		}
		s.subs = make(map[chan ProgressEvent]struct{})
		s.closed = true
	}
}

// Subscription is a live handle on a task's progress stream; callers must
// call Close once done draining Events to release the subscriber slot.
type Subscription struct {
	taskID string
	ch     chan ProgressEvent
	bus    *ProgressBus
}

// Events returns the receive-only event channel.
func (s *Subscription) Events() <-chan ProgressEvent { return s.ch }

// Close unsubscribes and closes the channel. Safe to call more than once and
// safe to call after the bus has already closed the channel itself.
func (s *Subscription) Close() { s.bus.Unsubscribe(s.taskID, s.ch) }

// Subscribe returns a Subscription for taskID, synthesizing an immediate
// baseline event from the current store row. If the task is already
// terminal, a single synthetic final event is sent and the channel is
// closed right away.
func (b *ProgressBus) Subscribe(ctx context.Context, taskID string) (*Subscription, error) {
	rec, err := b.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	s := b.stream(taskID)
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan ProgressEvent, 8)
	baseline := ProgressEvent{
		TaskID:    rec.ID,
		Percent:   rec.Progress,
		Message:   rec.Message,
		Status:    rec.Status,
		Timestamp: time.Now(),
	}

	if rec.Status.Terminal() {
		ch <- baseline
		close(ch)
		return &Subscription{taskID: taskID, ch: ch, bus: b}, nil
	}

	ch <- baseline
	s.subs[ch] = struct{}{}
	return &Subscription{taskID: taskID, ch: ch, bus: b}, nil
}

// Unsubscribe removes ch from taskID's subscriber set and closes it. Safe to
// call after the stream has already closed ch itself.
func (b *ProgressBus) Unsubscribe(taskID string, ch chan ProgressEvent) {
	s := b.stream(taskID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
}

// Forget drops the in-memory stream state for taskID once its result has
// been retained long enough that no client is expected to still be
// streaming it. Safe to call on an already-forgotten id.
func (b *ProgressBus) Forget(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.streams, taskID)
}
