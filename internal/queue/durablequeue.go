package queue

import "context"

// DurableQueue is the ordering substrate: one pending FIFO per group plus a
// global in-flight set. Enqueue/Claim must survive process crash — a worker
// that dies mid-claim leaves its task in the in-flight set, where the
// Recovery Sweeper will find it as stalled.
type DurableQueue interface {
	// Enqueue appends task_id to group's pending list.
	Enqueue(ctx context.Context, groupID, taskID string) error

	// Claim atomically moves one id from the head of group's pending list
	// into the in-flight set tagged with workerID. Returns ErrQueueEmpty if
	// group has no pending items.
	Claim(ctx context.Context, groupID, workerID string) (taskID string, err error)

	// Ack removes taskID from the in-flight set. No-op if absent.
	Ack(ctx context.Context, taskID string) error

	// ReEnqueueStalled removes taskID from the in-flight set and prepends it
	// to group's pending list, preserving its logical position ahead of
	// later-enqueued siblings.
	ReEnqueueStalled(ctx context.Context, groupID, taskID string) error

	// Len returns the number of pending items for group.
	Len(ctx context.Context, groupID string) (int, error)
}
