package queue

import "errors"

// Sentinel errors surfaced by the TaskStore, the public API and the worker
// loop. Apart from ErrStopped, which handlers may return, handler errors are
// not among these: they are recorded verbatim into the TaskRecord's Error
// field and never escape the worker loop.
var (
	// ErrDuplicateTaskID is returned by Create when the id already exists.
	ErrDuplicateTaskID = errors.New("queue: duplicate task id")

	// ErrNotFound is returned by Get/UpdateStatus when no row matches.
	ErrNotFound = errors.New("queue: task not found")

	// ErrUnknownKind is returned by Enqueue when no handler is registered
	// for the requested kind. When a kind vanishes from the registry
	// between enqueue and dispatch, the worker fails the task with the
	// error text "unknown kind" instead.
	ErrUnknownKind = errors.New("queue: unknown handler kind")

	// ErrNotFailed is returned by Retry when the task is not in FAILED status.
	ErrNotFailed = errors.New("queue: task is not in FAILED status")

	// ErrQueueEmpty is returned by Claim when a group's pending list is empty.
	ErrQueueEmpty = errors.New("queue: group pending list is empty")

	// ErrStopped marks a cooperative abort: either the worker's progress
	// reporter cancelled the handler context after observing STOPPED, or a
	// handler checked progress.Stopped() directly between stages and
	// returned this sentinel itself.
	ErrStopped = errors.New("queue: task was stopped")
)
