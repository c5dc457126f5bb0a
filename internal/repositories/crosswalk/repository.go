// Package crosswalk persists authority-published namespace crosswalks used
// by the cross-reference transitive matching tier.
package crosswalk

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

// Repository handles namespace crosswalk persistence and lookups
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new crosswalk repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Upsert stores one crosswalk mapping, keyed on the full (from, to) pair.
func (r *Repository) Upsert(ctx context.Context, mapping models.NamespaceCrosswalk) error {
	ctx, span := tracing.StartSpan(ctx, "crosswalk.Repository.Upsert")
	defer span.End()

	if mapping.ID == "" {
		mapping.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("namespace_crosswalks")
	sb.Cols("id", "from_namespace", "from_value", "to_namespace", "to_value", "authority", "created_at")
	sb.Values(mapping.ID, mapping.FromNamespace, mapping.FromValue, mapping.ToNamespace, mapping.ToValue, mapping.Authority, now)

	query, args := sb.Build()
	query += ` ON CONFLICT (from_namespace, from_value, to_namespace, to_value) DO UPDATE SET
		authority = EXCLUDED.authority`

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to upsert crosswalk")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert crosswalk")
	}
	return nil
}

// BulkUpsert stores a batch of crosswalk mappings.
func (r *Repository) BulkUpsert(ctx context.Context, mappings []models.NamespaceCrosswalk) error {
	ctx, span := tracing.StartSpan(ctx, "crosswalk.Repository.BulkUpsert")
	defer span.End()

	if len(mappings) == 0 {
		return nil
	}

	now := time.Now().UTC()

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("namespace_crosswalks")
	sb.Cols("id", "from_namespace", "from_value", "to_namespace", "to_value", "authority", "created_at")
	for _, mapping := range mappings {
		id := mapping.ID
		if id == "" {
			id = uuid.NewString()
		}
		sb.Values(id, mapping.FromNamespace, mapping.FromValue, mapping.ToNamespace, mapping.ToValue, mapping.Authority, now)
	}

	query, args := sb.Build()
	query += ` ON CONFLICT (from_namespace, from_value, to_namespace, to_value) DO UPDATE SET
		authority = EXCLUDED.authority`

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"batch_size": len(mappings)}).Error("Failed to bulk upsert crosswalks")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to bulk upsert crosswalks")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"batch_size": len(mappings)}).Debug("Upserted crosswalks")
	return nil
}

// Map returns the mappings out of (namespace, value), in deterministic
// (to_namespace, to_value) order. Implements the matcher's crosswalk source.
func (r *Repository) Map(ctx context.Context, namespace, value string) ([]models.NamespaceCrosswalk, error) {
	ctx, span := tracing.StartSpan(ctx, "crosswalk.Repository.Map")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "from_namespace", "from_value", "to_namespace", "to_value", "authority")
	sb.From("namespace_crosswalks")
	sb.Where(
		sb.Equal("from_namespace", namespace),
		sb.Equal("from_value", value),
	)
	sb.OrderBy("to_namespace", "to_value").Asc()

	query, args := sb.Build()

	var mappings []models.NamespaceCrosswalk
	if err := r.db.SelectContext(ctx, &mappings, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to look up crosswalks")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to look up crosswalks")
	}
	return mappings, nil
}
