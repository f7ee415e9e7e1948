// Package llm defines the port the episode handler uses to drive knowledge-
// graph extraction through a chat-completion model, plus a concrete
// sashabaranov/go-openai-backed adapter.
package llm

import "context"

// ExtractionRequest carries the episode content the handler wants turned
// into graph entities and edges.
type ExtractionRequest struct {
	Content            string
	SourceDescription  string
	PreviousEntityKeys []string
}

// ExtractedEntity is one node the model identified in the content.
type ExtractedEntity struct {
	Name    string
	Type    string
	Summary string
}

// ExtractedEdge is one relationship the model identified between two
// entities already present in ExtractionResult.Entities.
type ExtractedEdge struct {
	SourceName string `json:"source_name"`
	TargetName string `json:"target_name"`
	Relation   string `json:"relation"`
}

// ExtractionResult is the model's structured response.
type ExtractionResult struct {
	Entities []ExtractedEntity
	Edges    []ExtractedEdge
}

// Client is the port the episode handler calls to perform entity and edge
// extraction. Implementations must be safe for concurrent use by multiple
// workers.
type Client interface {
	ExtractEntities(ctx context.Context, req ExtractionRequest) ([]ExtractedEntity, error)
	ExtractEdges(ctx context.Context, req ExtractionRequest, entities []ExtractedEntity) ([]ExtractedEdge, error)
}
