// Package boltstore implements queue.TaskStore on top of an embedded bbolt
// database, matching the single-file, pure-Go, fsync-durable persistence
// style used elsewhere in this codebase for small control-plane state.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/s1366560/memstack-sub002/internal/queue"
)

var bucketTasks = []byte("tasks")

// Store persists queue.TaskRecord rows in a bbolt bucket, backed by an
// in-memory hot cache so Get/List on an active task avoid a disk round trip.
type Store struct {
	db  *bbolt.DB
	mu  sync.RWMutex
	hot map[string]queue.TaskRecord

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	casConflicts metric.Int64Counter
}

// Open creates or opens the bbolt database at path and warms the hot cache.
func Open(path string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{Timeout: 1 * time.Second}
	db, err := bbolt.Open(path, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTasks)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("boltstore: create bucket: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("episodequeue_boltstore_read_ms")
	writeLatency, _ := meter.Float64Histogram("episodequeue_boltstore_write_ms")
	casConflicts, _ := meter.Int64Counter("episodequeue_boltstore_cas_conflicts_total")

	s := &Store{
		db:           db,
		hot:          make(map[string]queue.TaskRecord),
		readLatency:  readLatency,
		writeLatency: writeLatency,
		casConflicts: casConflicts,
	}
	if err := s.warmCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("boltstore: warm cache: %w", err)
	}
	return s, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var rec queue.TaskRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			s.hot[rec.ID] = rec
			return nil
		})
	})
}

func (s *Store) persist(rec queue.TaskRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("boltstore: marshal: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).Put([]byte(rec.ID), data)
	})
}

// Create inserts a new row, failing with queue.ErrDuplicateTaskID if id
// already exists.
func (s *Store) Create(ctx context.Context, rec queue.TaskRecord) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "create")))
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.hot[rec.ID]; exists {
		return queue.ErrDuplicateTaskID
	}
	if rec.Status == "" {
		rec.Status = queue.StatusPending
	}
	if err := s.persist(rec); err != nil {
		return err
	}
	s.hot[rec.ID] = rec.Clone()
	return nil
}

// UpdateStatus performs the compare-and-swap described by queue.TaskStore.
func (s *Store) UpdateStatus(ctx context.Context, id string, from, to queue.Status, fields queue.TaskUpdate) (bool, error) {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "update_status")))
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.hot[id]
	if !exists {
		return false, queue.ErrNotFound
	}
	if rec.Status != from {
		s.casConflicts.Add(ctx, 1)
		return false, nil
	}

	rec.Status = to
	applyFields(&rec, fields)

	if err := s.persist(rec); err != nil {
		return false, err
	}
	s.hot[id] = rec.Clone()
	return true, nil
}

func applyFields(rec *queue.TaskRecord, f queue.TaskUpdate) {
	if f.StartedAt != nil {
		rec.StartedAt = f.StartedAt
	}
	if f.ClearStartedAt {
		rec.StartedAt = nil
	}
	if f.CompletedAt != nil {
		rec.CompletedAt = f.CompletedAt
	}
	if f.StoppedAt != nil {
		rec.StoppedAt = f.StoppedAt
	}
	if f.WorkerID != nil {
		rec.WorkerID = *f.WorkerID
	}
	if f.ClearWorkerID {
		rec.WorkerID = ""
	}
	if f.AttemptsDelta != 0 {
		rec.Attempts += f.AttemptsDelta
	}
	if f.Progress != nil {
		rec.Progress = *f.Progress
	}
	if f.Message != nil {
		rec.Message = *f.Message
	}
	if f.Result != nil {
		rec.Result = f.Result
	}
	if f.Error != nil {
		rec.Error = *f.Error
	}
	if f.EntityID != nil {
		rec.EntityID = *f.EntityID
	}
	if f.EntityType != nil {
		rec.EntityType = *f.EntityType
	}
}

// Get returns the current row for id, or queue.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (queue.TaskRecord, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "get")))
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, exists := s.hot[id]
	if !exists {
		return queue.TaskRecord{}, queue.ErrNotFound
	}
	return rec.Clone(), nil
}

// List returns rows matching filter, newest-created first, honoring page.
func (s *Store) List(ctx context.Context, filter queue.ListFilter, page queue.Pagination) ([]queue.TaskRecord, error) {
	s.mu.RLock()
	matched := make([]queue.TaskRecord, 0, len(s.hot))
	for _, rec := range s.hot {
		if !matches(rec, filter) {
			continue
		}
		matched = append(matched, rec.Clone())
	}
	s.mu.RUnlock()

	sortByCreatedAtDesc(matched)

	limit := page.Limit
	offset := page.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > len(matched) {
		offset = len(matched)
	}
	end := len(matched)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return matched[offset:end], nil
}

func matches(rec queue.TaskRecord, f queue.ListFilter) bool {
	if f.GroupID != "" && rec.GroupID != f.GroupID {
		return false
	}
	if f.Kind != "" && rec.Kind != f.Kind {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.EntityID != "" && rec.EntityID != f.EntityID {
		return false
	}
	return true
}

func sortByCreatedAtDesc(recs []queue.TaskRecord) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].CreatedAt.After(recs[j-1].CreatedAt); j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}

// Purge deletes terminal rows whose terminal timestamp predates cutoff.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "purge")))
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, rec := range s.hot {
		ts := terminalTimestamp(rec)
		if ts != nil && ts.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		for _, id := range ids {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return 0, fmt.Errorf("boltstore: purge: %w", err)
	}

	for _, id := range ids {
		delete(s.hot, id)
	}
	return len(ids), nil
}

func terminalTimestamp(rec queue.TaskRecord) *time.Time {
	if !rec.Status.Terminal() {
		return nil
	}
	if rec.CompletedAt != nil {
		return rec.CompletedAt
	}
	return rec.StoppedAt
}

// FindStalled returns PROCESSING rows whose StartedAt predates
// now.Add(-timeoutForKind(kind)).
func (s *Store) FindStalled(ctx context.Context, now time.Time, timeoutForKind func(kind string) time.Duration) ([]queue.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []queue.TaskRecord
	for _, rec := range s.hot {
		if rec.Status != queue.StatusProcessing || rec.StartedAt == nil {
			continue
		}
		if now.Sub(*rec.StartedAt) > timeoutForKind(rec.Kind) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}
