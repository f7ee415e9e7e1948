package queue

import (
	"context"
	"sync"
	"time"
)

// memStore is a minimal in-memory TaskStore for exercising the scheduler,
// progress bus and worker pool without a real bbolt/redis backend.
type memStore struct {
	mu   sync.Mutex
	rows map[string]TaskRecord
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]TaskRecord)}
}

func (m *memStore) Create(ctx context.Context, rec TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[rec.ID]; ok {
		return ErrDuplicateTaskID
	}
	m.rows[rec.ID] = rec.Clone()
	return nil
}

func (m *memStore) UpdateStatus(ctx context.Context, id string, from, to Status, fields TaskUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[id]
	if !ok {
		return false, ErrNotFound
	}
	if rec.Status != from {
		return false, nil
	}
	rec.Status = to
	if fields.ClearStartedAt {
		rec.StartedAt = nil
	} else if fields.StartedAt != nil {
		rec.StartedAt = fields.StartedAt
	}
	if fields.CompletedAt != nil {
		rec.CompletedAt = fields.CompletedAt
	}
	if fields.StoppedAt != nil {
		rec.StoppedAt = fields.StoppedAt
	}
	if fields.ClearWorkerID {
		rec.WorkerID = ""
	} else if fields.WorkerID != nil {
		rec.WorkerID = *fields.WorkerID
	}
	rec.Attempts += fields.AttemptsDelta
	if fields.Progress != nil {
		rec.Progress = *fields.Progress
	}
	if fields.Message != nil {
		rec.Message = *fields.Message
	}
	if fields.Result != nil {
		rec.Result = fields.Result
	}
	if fields.Error != nil {
		rec.Error = *fields.Error
	}
	if fields.EntityID != nil {
		rec.EntityID = *fields.EntityID
	}
	if fields.EntityType != nil {
		rec.EntityType = *fields.EntityType
	}
	m.rows[id] = rec
	return true, nil
}

func (m *memStore) Get(ctx context.Context, id string) (TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[id]
	if !ok {
		return TaskRecord{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *memStore) List(ctx context.Context, filter ListFilter, page Pagination) ([]TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TaskRecord
	for _, rec := range m.rows {
		if filter.GroupID != "" && rec.GroupID != filter.GroupID {
			continue
		}
		if filter.Kind != "" && rec.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (m *memStore) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rec := range m.rows {
		if !rec.Status.Terminal() {
			continue
		}
		ts := rec.CompletedAt
		if ts == nil {
			ts = rec.StoppedAt
		}
		if ts != nil && ts.Before(cutoff) {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) FindStalled(ctx context.Context, now time.Time, timeoutForKind func(kind string) time.Duration) ([]TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TaskRecord
	for _, rec := range m.rows {
		if rec.Status != StatusProcessing || rec.StartedAt == nil {
			continue
		}
		if now.Sub(*rec.StartedAt) > timeoutForKind(rec.Kind) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}
