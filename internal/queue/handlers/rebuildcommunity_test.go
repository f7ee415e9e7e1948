package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/s1366560/memstack-sub002/internal/platform/resilience"
	"github.com/s1366560/memstack-sub002/internal/queue/graphclient"
)

func TestRebuildCommunityHandlerReportsCoarseProgress(t *testing.T) {
	h := &RebuildCommunity{Graph: graphclient.NewInMemory()}
	payload, _ := json.Marshal(RebuildCommunityPayload{ProjectID: "proj-1"})
	reporter := &recordingReporter{}

	result, err := h.Process(context.Background(), "task-1", payload, reporter)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.EntityID != "proj-1" || result.EntityType != "project" {
		t.Fatalf("unexpected result tagging: %+v", result)
	}
	want := []int{0, 50, 100}
	if len(reporter.percents) != len(want) {
		t.Fatalf("got %v checkpoints, want %v", reporter.percents, want)
	}
	for i, p := range want {
		if reporter.percents[i] != p {
			t.Fatalf("checkpoint %d = %d, want %d", i, reporter.percents[i], p)
		}
	}
}

func TestRebuildCommunityHandlerRejectsEmptyProjectID(t *testing.T) {
	h := &RebuildCommunity{Graph: graphclient.NewInMemory()}
	payload, _ := json.Marshal(RebuildCommunityPayload{ProjectID: ""})
	if _, err := h.Process(context.Background(), "task-1", payload, &recordingReporter{}); err == nil {
		t.Fatalf("expected error for empty project id")
	}
}

func TestRebuildCommunityHandlerRejectsWhenCircuitOpen(t *testing.T) {
	breaker := resilience.NewCircuitBreakerAdaptive(time.Minute, 6, 1, 0.1, time.Hour, 1)
	breaker.RecordResult(false)

	h := &RebuildCommunity{Graph: graphclient.NewInMemory(), Breaker: breaker}
	payload, _ := json.Marshal(RebuildCommunityPayload{ProjectID: "proj-1"})
	if _, err := h.Process(context.Background(), "task-1", payload, &recordingReporter{}); err == nil {
		t.Fatalf("expected circuit open error")
	}
}

func TestRebuildCommunityHandlerAbortsWhenStopped(t *testing.T) {
	h := &RebuildCommunity{Graph: graphclient.NewInMemory()}
	payload, _ := json.Marshal(RebuildCommunityPayload{ProjectID: "proj-1"})
	reporter := &stoppableReporter{stopped: true}
	if _, err := h.Process(context.Background(), "task-1", payload, reporter); err == nil {
		t.Fatalf("expected stopped error")
	}
}
