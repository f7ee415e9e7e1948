// Package graphclient defines the port the episode and rebuild-community
// handlers use to talk to the knowledge-graph backend, plus an in-memory
// implementation suitable for composition-root wiring before a real graph
// database adapter exists and for use in tests.
package graphclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/s1366560/memstack-sub002/internal/queue/llm"
)

// EpisodeNode is the persisted representation of one ingested episode.
type EpisodeNode struct {
	ID                string
	TenantID          string
	ProjectID         string
	UserID            string
	Content           string
	SourceDescription string
	SourceType        string
}

// Client is the port handlers use to persist extraction output. PersistEpisode
// must be idempotent: calling it twice with the same episodeID must not
// create a duplicate node, so a retried or recovered task reproduces the
// same graph state.
type Client interface {
	PersistEpisode(ctx context.Context, node EpisodeNode, entities []llm.ExtractedEntity, edges []llm.ExtractedEdge) error
	RebuildCommunities(ctx context.Context, projectID string, onProgress func(percent int)) error
}

// InMemory is a Client backed by a process-local map, useful for
// development composition roots and for tests that don't need a real graph
// database.
type InMemory struct {
	mu       sync.Mutex
	episodes map[string]EpisodeNode
}

// NewInMemory returns an empty in-memory graph client.
func NewInMemory() *InMemory {
	return &InMemory{episodes: make(map[string]EpisodeNode)}
}

// PersistEpisode stores node keyed by its ID, overwriting in place on a
// repeat call with the same ID so retries stay idempotent.
func (c *InMemory) PersistEpisode(ctx context.Context, node EpisodeNode, entities []llm.ExtractedEntity, edges []llm.ExtractedEdge) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if node.ID == "" {
		return fmt.Errorf("graphclient: episode id must not be empty")
	}
	c.episodes[node.ID] = node
	return nil
}

// Get returns the persisted node for id, for test assertions.
func (c *InMemory) Get(id string) (EpisodeNode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.episodes[id]
	return n, ok
}

// RebuildCommunities simulates a long-running community-detection pass,
// reporting coarse progress through onProgress.
func (c *InMemory) RebuildCommunities(ctx context.Context, projectID string, onProgress func(percent int)) error {
	if onProgress != nil {
		onProgress(0)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if onProgress != nil {
		onProgress(50)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if onProgress != nil {
		onProgress(100)
	}
	return nil
}
