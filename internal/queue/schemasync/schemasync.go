// Package schemasync implements the best-effort Schema Sync Sink: on
// successful handler completion it inserts any EntityType/EdgeType/
// EdgeTypeMap rows the handler observed but the relational schema didn't
// already know about, tagged as auto-generated. Failures here never affect
// task status — the user's work already succeeded.
package schemasync

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/s1366560/memstack-sub002/internal/queue"
)

// Sink implements queue.SchemaSyncPort against a Postgres pool.
type Sink struct {
	pool *pgxpool.Pool
}

// New wraps an existing pgxpool.Pool.
func New(pool *pgxpool.Pool) *Sink {
	return &Sink{pool: pool}
}

// Sync inserts add's entity/edge observations. Each entity kind (node
// labels, edge labels, edge type maps) runs in its own transaction so a
// failure on one kind does not poison the others.
func (s *Sink) Sync(ctx context.Context, add queue.SchemaAddition) {
	if err := s.syncEntityTypes(ctx, add.ProjectID, add.NodeLabels); err != nil {
		slog.Error("schema sync: entity types failed", "project_id", add.ProjectID, "error", err)
	}
	if err := s.syncEdgeTypes(ctx, add.ProjectID, add.EdgeLabels); err != nil {
		slog.Error("schema sync: edge types failed", "project_id", add.ProjectID, "error", err)
	}
	if err := s.syncEdgeTypeMaps(ctx, add.ProjectID, add.EdgeTypeMaps); err != nil {
		slog.Error("schema sync: edge type maps failed", "project_id", add.ProjectID, "error", err)
	}
}

func (s *Sink) syncEntityTypes(ctx context.Context, projectID string, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, label := range labels {
		if _, err := tx.Exec(ctx, `
			INSERT INTO entity_types (project_id, label, source, status)
			VALUES ($1, $2, 'generated', 'enabled')
			ON CONFLICT (project_id, label) DO NOTHING
		`, projectID, label); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Sink) syncEdgeTypes(ctx context.Context, projectID string, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, label := range labels {
		if _, err := tx.Exec(ctx, `
			INSERT INTO edge_types (project_id, label, source, status)
			VALUES ($1, $2, 'generated', 'enabled')
			ON CONFLICT (project_id, label) DO NOTHING
		`, projectID, label); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Sink) syncEdgeTypeMaps(ctx context.Context, projectID string, maps []queue.EdgeTypeMap) error {
	if len(maps) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, m := range maps {
		if _, err := tx.Exec(ctx, `
			INSERT INTO edge_type_maps (project_id, source_label, edge_label, target_label, source, status)
			VALUES ($1, $2, $3, $4, 'generated', 'enabled')
			ON CONFLICT (project_id, source_label, edge_label, target_label) DO NOTHING
		`, projectID, m.SourceLabel, m.EdgeLabel, m.TargetLabel); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
