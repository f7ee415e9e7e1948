package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/s1366560/memstack-sub002/internal/platform/resilience"
	"github.com/s1366560/memstack-sub002/internal/queue"
	"github.com/s1366560/memstack-sub002/internal/queue/graphclient"
)

// RebuildCommunityKind is the registry key for the long-running community
// rebuild handler. Callers should register it with Timeout=3600s and
// MaxAttempts=1 so a genuinely slow rebuild is never mistaken for a stall
// and is never retried after failing partway through.
const RebuildCommunityKind = "rebuild_community"

// RebuildCommunityPayload is the wire shape of a rebuild-community task's
// payload.
type RebuildCommunityPayload struct {
	ProjectID string `json:"project_id"`
}

// RebuildCommunity recomputes the community structure for a project. It
// emits only coarse progress checkpoints (0/50/100) since the underlying
// graph operation does not expose finer-grained stages.
type RebuildCommunity struct {
	Graph graphclient.Client

	// Breaker guards the graph rebuild call, one breaker per handler kind.
	// Nil disables breaking.
	Breaker *resilience.CircuitBreaker
}

// Process implements queue.Handler.
func (h *RebuildCommunity) Process(ctx context.Context, taskID string, payload []byte, progress queue.ProgressReporter) (queue.HandlerResult, error) {
	var p RebuildCommunityPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return queue.HandlerResult{}, fmt.Errorf("rebuild_community: invalid payload: %w", err)
	}
	if p.ProjectID == "" {
		return queue.HandlerResult{}, fmt.Errorf("rebuild_community: project_id must not be empty")
	}

	if h.Breaker != nil && !h.Breaker.Allow() {
		return queue.HandlerResult{}, fmt.Errorf("rebuild_community: circuit open")
	}

	var stopErr error
	err := h.Graph.RebuildCommunities(ctx, p.ProjectID, func(percent int) {
		progress.Report(ctx, percent, "rebuilding communities")
		if stopErr == nil {
			if cerr := checkStopped(ctx, progress); cerr != nil {
				stopErr = cerr
			}
		}
	})
	if h.Breaker != nil {
		h.Breaker.RecordResult(err == nil)
	}
	if err != nil {
		return queue.HandlerResult{}, fmt.Errorf("rebuild_community: %w", err)
	}
	if stopErr != nil {
		return queue.HandlerResult{}, stopErr
	}

	return queue.HandlerResult{
		EntityID:   p.ProjectID,
		EntityType: "project",
	}, nil
}
