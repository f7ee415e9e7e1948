// Package handlers holds the concrete queue.Handler implementations: the
// canonical episode ingestion handler and the long-running rebuild-
// community handler.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/s1366560/memstack-sub002/internal/platform/resilience"
	"github.com/s1366560/memstack-sub002/internal/queue"
	"github.com/s1366560/memstack-sub002/internal/queue/graphclient"
	"github.com/s1366560/memstack-sub002/internal/queue/llm"
)

// EpisodePayload is the wire shape of an episode task's payload.
type EpisodePayload struct {
	Content           string    `json:"content"`
	SourceDescription string    `json:"source_description"`
	ValidAt           time.Time `json:"valid_at"`
	TenantID          string    `json:"tenant_id"`
	ProjectID         string    `json:"project_id"`
	UserID            string    `json:"user_id"`
	SourceType        string    `json:"source_type"`
}

// EpisodeResult is the JSON shape written into TaskRecord.Result on success.
type EpisodeResult struct {
	EntityCount int `json:"entity_count"`
	EdgeCount   int `json:"edge_count"`
}

// EpisodeKind is the registry key for the canonical episode handler.
const EpisodeKind = "episode"

// Episode drives an episode payload through extraction and persistence. It
// is idempotent on task id: the task id is used as the episode's graph node
// id, so reinvocation (retry or sweeper recovery) overwrites the same node
// rather than creating a duplicate.
type Episode struct {
	LLM   llm.Client
	Graph graphclient.Client

	// Breaker guards every LLM and graph call this handler kind makes: one
	// breaker per handler kind, so a misbehaving LLM provider or graph
	// backend degrades only episode dispatch, not the whole worker pool.
	// Nil disables breaking (calls always pass through).
	Breaker *resilience.CircuitBreaker

	// Limiter bounds how often this handler may call out to the LLM
	// client. Nil disables limiting.
	Limiter *resilience.RateLimiter
}

// Process implements queue.Handler.
func (h *Episode) Process(ctx context.Context, taskID string, payload []byte, progress queue.ProgressReporter) (queue.HandlerResult, error) {
	var ep EpisodePayload
	if err := json.Unmarshal(payload, &ep); err != nil {
		return queue.HandlerResult{}, fmt.Errorf("episode: invalid payload: %w", err)
	}
	if ep.Content == "" {
		return queue.HandlerResult{}, fmt.Errorf("episode: content must not be empty")
	}
	progress.Report(ctx, 10, "validated")

	req := llm.ExtractionRequest{Content: ep.Content, SourceDescription: ep.SourceDescription}

	if h.Limiter != nil && !h.Limiter.Allow() {
		return queue.HandlerResult{}, fmt.Errorf("episode: llm call rate exceeded")
	}
	if h.Breaker != nil && !h.Breaker.Allow() {
		return queue.HandlerResult{}, fmt.Errorf("episode: circuit open")
	}

	progress.Report(ctx, 20, "entity extraction issued")
	entities, err := h.LLM.ExtractEntities(ctx, req)
	h.recordResult(err == nil)
	if err != nil {
		return queue.HandlerResult{}, fmt.Errorf("episode: extract entities: %w", err)
	}
	progress.Report(ctx, 30, "entities returned")

	if err := checkStopped(ctx, progress); err != nil {
		return queue.HandlerResult{}, err
	}

	if h.Breaker != nil && !h.Breaker.Allow() {
		return queue.HandlerResult{}, fmt.Errorf("episode: circuit open")
	}
	edges, err := h.LLM.ExtractEdges(ctx, req, entities)
	h.recordResult(err == nil)
	if err != nil {
		return queue.HandlerResult{}, fmt.Errorf("episode: extract edges: %w", err)
	}
	progress.Report(ctx, 50, "edges extracted")

	if err := checkStopped(ctx, progress); err != nil {
		return queue.HandlerResult{}, err
	}

	node := graphclient.EpisodeNode{
		ID:                taskID,
		TenantID:          ep.TenantID,
		ProjectID:         ep.ProjectID,
		UserID:            ep.UserID,
		Content:           ep.Content,
		SourceDescription: ep.SourceDescription,
		SourceType:        ep.SourceType,
	}
	if h.Breaker != nil && !h.Breaker.Allow() {
		return queue.HandlerResult{}, fmt.Errorf("episode: circuit open")
	}
	err = h.Graph.PersistEpisode(ctx, node, entities, edges)
	h.recordResult(err == nil)
	if err != nil {
		return queue.HandlerResult{}, fmt.Errorf("episode: persist: %w", err)
	}
	progress.Report(ctx, 75, "persisted")

	if err := checkStopped(ctx, progress); err != nil {
		return queue.HandlerResult{}, err
	}

	result, err := json.Marshal(EpisodeResult{EntityCount: len(entities), EdgeCount: len(edges)})
	if err != nil {
		return queue.HandlerResult{}, fmt.Errorf("episode: marshal result: %w", err)
	}
	progress.Report(ctx, 100, "done")

	return queue.HandlerResult{
		Result:     result,
		EntityID:   taskID,
		EntityType: "episode",
		Schema:     schemaAdditions(ep.ProjectID, entities, edges),
	}, nil
}

func (h *Episode) recordResult(success bool) {
	if h.Breaker != nil {
		h.Breaker.RecordResult(success)
	}
}

// checkStopped reports whether the task's handler should abort cooperatively:
// either the caller's context ended (worker shutdown, handler timeout, or a
// Stop-triggered cancel from the progress reporter) or the progress reporter
// itself has independently observed STOPPED.
func checkStopped(ctx context.Context, progress queue.ProgressReporter) error {
	select {
	case <-ctx.Done():
		return queue.ErrStopped
	default:
	}
	if progress.Stopped() {
		return queue.ErrStopped
	}
	return nil
}

func schemaAdditions(projectID string, entities []llm.ExtractedEntity, edges []llm.ExtractedEdge) *queue.SchemaAddition {
	nodeLabels := dedupe(func() []string {
		out := make([]string, 0, len(entities))
		for _, e := range entities {
			out = append(out, e.Type)
		}
		return out
	}())
	edgeLabels := dedupe(func() []string {
		out := make([]string, 0, len(edges))
		for _, e := range edges {
			out = append(out, e.Relation)
		}
		return out
	}())

	byName := make(map[string]string, len(entities))
	for _, e := range entities {
		byName[e.Name] = e.Type
	}
	maps := make([]queue.EdgeTypeMap, 0, len(edges))
	for _, e := range edges {
		maps = append(maps, queue.EdgeTypeMap{
			SourceLabel: byName[e.SourceName],
			EdgeLabel:   e.Relation,
			TargetLabel: byName[e.TargetName],
		})
	}

	return &queue.SchemaAddition{
		ProjectID:    projectID,
		NodeLabels:   nodeLabels,
		EdgeLabels:   edgeLabels,
		EdgeTypeMaps: maps,
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
