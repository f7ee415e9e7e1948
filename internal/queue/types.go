// Package queue implements the durable, recoverable, fairly-scheduled
// multi-tenant task queue that drives episode ingestion through the
// knowledge-graph enrichment pipeline.
package queue

import (
	"context"
	"time"
)

// Status is the lifecycle state of a TaskRecord.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusStopped    Status = "STOPPED"
)

// Terminal reports whether s is one of the terminal statuses.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// TaskRecord is the lifecycle row of a single task, persisted by the
// TaskStore and mutated only through UpdateStatus's compare-and-swap.
type TaskRecord struct {
	ID          string `json:"id"`
	GroupID     string `json:"group_id"`
	Kind        string `json:"kind"`
	Payload     []byte `json:"payload"`
	Status      Status `json:"status"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`

	WorkerID string `json:"worker_id,omitempty"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
	Result   []byte `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`

	EntityID   string `json:"entity_id,omitempty"`
	EntityType string `json:"entity_type,omitempty"`
}

// Clone returns a deep-enough copy safe to hand to a caller without sharing
// the payload/result backing arrays' mutability concerns across goroutines.
func (t TaskRecord) Clone() TaskRecord {
	c := t
	if t.Payload != nil {
		c.Payload = append([]byte(nil), t.Payload...)
	}
	if t.Result != nil {
		c.Result = append([]byte(nil), t.Result...)
	}
	return c
}

// ProgressEvent is a single point on a task's progress stream.
type ProgressEvent struct {
	TaskID    string    `json:"task_id"`
	Percent   int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ListFilter narrows List queries. Zero-value fields are unconstrained.
type ListFilter struct {
	GroupID  string
	Kind     string
	Status   Status
	EntityID string
}

// Pagination bounds a List query.
type Pagination struct {
	Limit  int
	Offset int
}

// SchemaAddition describes one entity/edge-type observation emitted by a
// successful handler, destined for the Schema Sync Sink.
type SchemaAddition struct {
	ProjectID    string
	NodeLabels   []string
	EdgeLabels   []string
	EdgeTypeMaps []EdgeTypeMap
}

// EdgeTypeMap is a (source_label, edge_label, target_label) triple observed
// by a handler; the sink inserts it if absent.
type EdgeTypeMap struct {
	SourceLabel string
	EdgeLabel   string
	TargetLabel string
}

// ProgressReporter is handed to a Handler so it can publish incremental
// progress without the worker polling it.
type ProgressReporter interface {
	Report(ctx context.Context, percent int, message string)

	// Stopped reports whether the task has been cooperatively stopped since
	// the handler began; a handler should check this between extraction
	// stages and return ErrStopped if true.
	Stopped() bool
}

// HandlerResult is the tagged outcome of a Handler's Process call.
type HandlerResult struct {
	Result     []byte
	EntityID   string
	EntityType string
	Schema     *SchemaAddition
}

// Handler turns a task payload into a result plus side effects. Process must
// be idempotent on the task id: reinvocation with the same id (after a retry
// or a sweeper-driven recovery) must not duplicate externally visible state.
type Handler interface {
	Process(ctx context.Context, taskID string, payload []byte, progress ProgressReporter) (HandlerResult, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, taskID string, payload []byte, progress ProgressReporter) (HandlerResult, error)

func (f HandlerFunc) Process(ctx context.Context, taskID string, payload []byte, progress ProgressReporter) (HandlerResult, error) {
	return f(ctx, taskID, payload, progress)
}

// HandlerDescriptor is the immutable-after-registration registry entry for
// one task kind.
type HandlerDescriptor struct {
	Kind        string
	Handler     Handler
	Timeout     time.Duration
	MaxAttempts int
}

const (
	DefaultHandlerTimeout = 60 * time.Second
	DefaultMaxAttempts    = 3
)
