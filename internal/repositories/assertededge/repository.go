// Package assertededge persists source-stated typed edges between canonical
// entities. These are inference inputs only; inferred relationships are
// never written here.
package assertededge

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/foxglove/internal/database"
	"github.com/Ramsey-B/foxglove/internal/tracing"
	"github.com/Ramsey-B/foxglove/pkg/models"
)

// Repository handles asserted edge persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new asserted edge repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// BulkUpsert stores a batch of asserted edges, keyed on
// (from_id, to_id, edge_type, source).
func (r *Repository) BulkUpsert(ctx context.Context, edges []models.AssertedEdge) error {
	ctx, span := tracing.StartSpan(ctx, "assertededge.Repository.BulkUpsert")
	defer span.End()

	if len(edges) == 0 {
		return nil
	}

	now := time.Now().UTC()

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("asserted_edges")
	sb.Cols("id", "from_id", "to_id", "edge_type", "confidence", "source", "created_at")
	for _, edge := range edges {
		id := edge.ID
		if id == "" {
			id = uuid.NewString()
		}
		sb.Values(id, edge.FromID, edge.ToID, edge.EdgeType, edge.Confidence, edge.Source, now)
	}

	query, args := sb.Build()
	query += ` ON CONFLICT (from_id, to_id, edge_type, source) DO UPDATE SET
		confidence = EXCLUDED.confidence`

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"batch_size": len(edges)}).Error("Failed to bulk upsert asserted edges")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to bulk upsert asserted edges")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"batch_size": len(edges)}).Debug("Upserted asserted edges")
	return nil
}

// ListAll returns every asserted edge in deterministic order. Inference
// indexes the full edge set per run, so this is a single scan, not paged.
func (r *Repository) ListAll(ctx context.Context) ([]models.AssertedEdge, error) {
	ctx, span := tracing.StartSpan(ctx, "assertededge.Repository.ListAll")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "from_id", "to_id", "edge_type", "confidence", "source", "created_at")
	sb.From("asserted_edges")
	sb.OrderBy("from_id", "edge_type", "to_id").Asc()

	query, args := sb.Build()

	var edges []models.AssertedEdge
	if err := r.db.SelectContext(ctx, &edges, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list asserted edges")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list asserted edges")
	}
	return edges, nil
}

// ListFrom returns the outgoing edges of one canonical entity.
func (r *Repository) ListFrom(ctx context.Context, canonicalID string) ([]models.AssertedEdge, error) {
	ctx, span := tracing.StartSpan(ctx, "assertededge.Repository.ListFrom")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "from_id", "to_id", "edge_type", "confidence", "source", "created_at")
	sb.From("asserted_edges")
	sb.Where(sb.Equal("from_id", canonicalID))
	sb.OrderBy("edge_type", "to_id").Asc()

	query, args := sb.Build()

	var edges []models.AssertedEdge
	if err := r.db.SelectContext(ctx, &edges, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list asserted edges for entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list asserted edges")
	}
	return edges, nil
}
