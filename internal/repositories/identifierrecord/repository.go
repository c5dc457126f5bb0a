// Package identifierrecord persists raw identifier assertions as they
// arrive from source systems, before and independent of resolution.
package identifierrecord

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/foxglove/internal/database"
	"github.com/Ramsey-B/foxglove/internal/tracing"
	"github.com/Ramsey-B/foxglove/pkg/models"
)

// Repository handles identifier record persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new identifier record repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

var recordColumns = []string{
	"id", "namespace", "value", "raw_value", "entity_type", "source",
	"display_name", "structural_key", "blocking_key", "status",
	"canonical_id", "extracted_at", "created_at",
}

// Upsert stores a record keyed on (namespace, value, source). Re-ingesting
// the same assertion refreshes extraction metadata but never touches the
// resolution state; only the cluster builder moves records between states.
func (r *Repository) Upsert(ctx context.Context, record models.IdentifierRecord) error {
	ctx, span := tracing.StartSpan(ctx, "identifierrecord.Repository.Upsert")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("identifier_records")
	sb.Cols(recordColumns...)
	sb.Values(
		record.ID, record.Namespace, record.Value, record.RawValue, record.EntityType, record.Source,
		record.DisplayName, record.StructuralKey, record.BlockingKey, record.Status,
		record.CanonicalID, record.ExtractedAt, record.CreatedAt,
	)

	query, args := sb.Build()
	query += ` ON CONFLICT (namespace, value, source) DO UPDATE SET
		raw_value = EXCLUDED.raw_value,
		display_name = EXCLUDED.display_name,
		structural_key = EXCLUDED.structural_key,
		blocking_key = EXCLUDED.blocking_key,
		extracted_at = EXCLUDED.extracted_at`

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"namespace": record.Namespace, "source": record.Source}).Error("Failed to upsert identifier record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert identifier record")
	}
	return nil
}

// GetByID returns a record by its ID.
func (r *Repository) GetByID(ctx context.Context, recordID string) (*models.IdentifierRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "identifierrecord.Repository.GetByID")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(recordColumns...)
	sb.From("identifier_records")
	sb.Where(sb.Equal("id", recordID))

	query, args := sb.Build()

	var record models.IdentifierRecord
	if err := r.db.GetContext(ctx, &record, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPError(http.StatusNotFound, "identifier record not found")
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get identifier record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get identifier record")
	}
	return &record, nil
}

// GetByKey returns the record for a (namespace, value, source) triple.
func (r *Repository) GetByKey(ctx context.Context, namespace, value, source string) (*models.IdentifierRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "identifierrecord.Repository.GetByKey")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(recordColumns...)
	sb.From("identifier_records")
	sb.Where(
		sb.Equal("namespace", namespace),
		sb.Equal("value", value),
		sb.Equal("source", source),
	)

	query, args := sb.Build()

	var record models.IdentifierRecord
	if err := r.db.GetContext(ctx, &record, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPError(http.StatusNotFound, "identifier record not found")
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get identifier record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get identifier record")
	}
	return &record, nil
}

// ListByStatus pages records in a given resolution state, oldest first.
func (r *Repository) ListByStatus(ctx context.Context, status models.RecordStatus, limit, offset int) ([]models.IdentifierRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "identifierrecord.Repository.ListByStatus")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(recordColumns...)
	sb.From("identifier_records")
	sb.Where(sb.Equal("status", status))
	sb.OrderBy("created_at", "id").Asc()
	sb.Limit(limit)
	sb.Offset(offset)

	query, args := sb.Build()

	var records []models.IdentifierRecord
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"status": status}).Error("Failed to list identifier records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list identifier records")
	}
	return records, nil
}

// CountByStatus returns the number of records in a resolution state.
func (r *Repository) CountByStatus(ctx context.Context, status models.RecordStatus) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "identifierrecord.Repository.CountByStatus")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("COUNT(*)")
	sb.From("identifier_records")
	sb.Where(sb.Equal("status", status))

	query, args := sb.Build()

	var count int
	if err := r.db.GetContext(ctx, &count, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count identifier records")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count identifier records")
	}
	return count, nil
}
