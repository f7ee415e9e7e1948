package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/s1366560/memstack-sub002/internal/queue"
)

// fakeStore and fakeQueue are minimal in-process stand-ins for
// queue.TaskStore and queue.DurableQueue, scoped to this package's tests.
type fakeStore struct {
	mu   sync.Mutex
	rows map[string]queue.TaskRecord
}

func newMemStoreForTest() *fakeStore { return &fakeStore{rows: make(map[string]queue.TaskRecord)} }

func (s *fakeStore) Create(ctx context.Context, rec queue.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[rec.ID]; ok {
		return queue.ErrDuplicateTaskID
	}
	s.rows[rec.ID] = rec
	return nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, id string, from, to queue.Status, fields queue.TaskUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok {
		return false, queue.ErrNotFound
	}
	if rec.Status != from {
		return false, nil
	}
	rec.Status = to
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
	rec.Attempts += fields.AttemptsDelta
	s.rows[id] = rec
	return true, nil
}

func (s *fakeStore) Get(ctx context.Context, id string) (queue.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok {
		return queue.TaskRecord{}, queue.ErrNotFound
	}
	return rec, nil
}

func (s *fakeStore) List(ctx context.Context, filter queue.ListFilter, page queue.Pagination) ([]queue.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []queue.TaskRecord
	for _, rec := range s.rows {
		out = append(out, rec)
	}
	return out, nil
}

func (s *fakeStore) FindStalled(ctx context.Context, now time.Time, timeoutForKind func(kind string) time.Duration) ([]queue.TaskRecord, error) {
	return nil, nil
}

func (s *fakeStore) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

type fakeQueue struct {
	mu      sync.Mutex
	pending map[string][]string
}

func newMemQueueForTest() *fakeQueue { return &fakeQueue{pending: make(map[string][]string)} }

func (q *fakeQueue) Enqueue(ctx context.Context, groupID, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[groupID] = append(q.pending[groupID], taskID)
	return nil
}

func (q *fakeQueue) Claim(ctx context.Context, groupID, workerID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.pending[groupID]
	if len(items) == 0 {
		return "", queue.ErrQueueEmpty
	}
	id := items[0]
	q.pending[groupID] = items[1:]
	return id, nil
}

func (q *fakeQueue) Ack(ctx context.Context, taskID string) error { return nil }

func (q *fakeQueue) ReEnqueueStalled(ctx context.Context, groupID, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[groupID] = append([]string{taskID}, q.pending[groupID]...)
	return nil
}

func (q *fakeQueue) Len(ctx context.Context, groupID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[groupID]), nil
}

type stubHandler struct{}

func (stubHandler) Process(ctx context.Context, taskID string, payload []byte, progress queue.ProgressReporter) (queue.HandlerResult, error) {
	progress.Report(ctx, 100, "done")
	return queue.HandlerResult{Result: payload}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	registry := queue.NewHandlerRegistry()
	if err := registry.Register(queue.HandlerDescriptor{Kind: "episode", Handler: stubHandler{}, Timeout: time.Second, MaxAttempts: 1}); err != nil {
		t.Fatalf("register: %v", err)
	}
	mp := noopmetric.MeterProvider{}
	svc := queue.NewService(newMemStoreForTest(), newMemQueueForTest(), registry, nil, queue.Config{
		WorkerCount:              2,
		RecoveryInterval:         time.Minute,
		ProgressFlushMinInterval: time.Millisecond,
	}, mp.Meter("test"))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	svc.Start(ctx)
	t.Cleanup(svc.Wait)
	return New(svc)
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestHandleEnqueueAndGet(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(map[string]any{"kind": "episode", "group_id": "g1", "payload": []byte(`{}`)})
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("enqueue status = %d, body=%s", w.Code, w.Body.String())
	}

	var enq enqueueResponse
	if err := json.Unmarshal(w.Body.Bytes(), &enq); err != nil {
		t.Fatalf("decode enqueue response: %v", err)
	}
	if enq.TaskID == "" {
		t.Fatalf("expected a non-empty task id")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		getReq := httptest.NewRequest(http.MethodGet, "/v1/tasks/"+enq.TaskID, nil)
		getW := httptest.NewRecorder()
		s.ServeHTTP(getW, getReq)
		if getW.Code != http.StatusOK {
			t.Fatalf("get status = %d", getW.Code)
		}
		var rec queue.TaskRecord
		if err := json.Unmarshal(getW.Body.Bytes(), &rec); err != nil {
			t.Fatalf("decode task record: %v", err)
		}
		if rec.Status == queue.StatusCompleted {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never completed, last status %q", rec.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandleEnqueueRejectsMissingFields(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"kind": "", "group_id": ""})
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleGetUnknownTaskReturnsNotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/does-not-exist", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHandleStats(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/queue/stats", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var stats queue.SchedulerStats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
}
