package queue

import (
	"context"
	"time"
)

// TaskStore is the persistence port for TaskRecord rows. It enforces no
// business rules beyond atomicity: UpdateStatus is the sole mutator of
// Status, implemented as a compare-and-swap on the current value.
type TaskStore interface {
	// Create inserts a new PENDING row. Returns ErrDuplicateTaskID if id
	// already exists.
	Create(ctx context.Context, rec TaskRecord) error

	// UpdateStatus atomically moves a row from `from` to `to`, applying
	// fields, iff the row's current status equals `from`. Returns whether
	// the compare-and-swap succeeded. A false return with a nil error means
	// another writer won the race; the caller should treat this as a no-op,
	// not an error.
	UpdateStatus(ctx context.Context, id string, from, to Status, fields TaskUpdate) (bool, error)

	// Get returns the current row, or ErrNotFound.
	Get(ctx context.Context, id string) (TaskRecord, error)

	// List returns rows matching filter, newest-created first.
	List(ctx context.Context, filter ListFilter, page Pagination) ([]TaskRecord, error)

	// FindStalled returns PROCESSING rows whose StartedAt predates
	// now.Add(-timeout(kind)) for their kind.
	FindStalled(ctx context.Context, now time.Time, timeoutForKind func(kind string) time.Duration) ([]TaskRecord, error)

	// Purge deletes terminal (COMPLETED/FAILED/STOPPED) rows whose terminal
	// timestamp predates cutoff, returning the count removed. Non-terminal
	// rows are never eligible regardless of age.
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

// TaskUpdate carries the optional field changes applied alongside a status
// transition. A nil pointer means "leave unchanged"; Clear* flags explicitly
// null out a field (used when returning a task to PENDING).
type TaskUpdate struct {
	StartedAt   *time.Time
	CompletedAt *time.Time
	StoppedAt   *time.Time
	ClearStartedAt bool

	WorkerID      *string
	ClearWorkerID bool

	AttemptsDelta int

	Progress *int
	Message  *string
	Result   []byte
	Error    *string

	EntityID   *string
	EntityType *string
}
