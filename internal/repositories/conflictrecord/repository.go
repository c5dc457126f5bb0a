// Package conflictrecord persists ambiguous-match conflicts awaiting
// operator review.
package conflictrecord

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/foxglove/internal/database"
	"github.com/Ramsey-B/foxglove/internal/tracing"
	"github.com/Ramsey-B/foxglove/pkg/models"
)

// Repository handles conflict record persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new conflict record repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type conflictRow struct {
	ID           string     `db:"id"`
	RecordID     string     `db:"record_id"`
	CompetingIDs []byte     `db:"competing_canonical_ids"`
	Reason       string     `db:"reason"`
	Status       string     `db:"status"`
	Resolution   *string    `db:"resolution"`
	CreatedAt    time.Time  `db:"created_at"`
	ResolvedAt   *time.Time `db:"resolved_at"`
}

func (row *conflictRow) toModel() (*models.ConflictRecord, error) {
	conflict := &models.ConflictRecord{
		ID:         row.ID,
		RecordID:   row.RecordID,
		Reason:     row.Reason,
		Status:     models.ConflictStatus(row.Status),
		Resolution: row.Resolution,
		CreatedAt:  row.CreatedAt,
		ResolvedAt: row.ResolvedAt,
	}
	if err := json.Unmarshal(row.CompetingIDs, &conflict.CompetingCanonicalIDs); err != nil {
		return nil, err
	}
	return conflict, nil
}

// CreateConflict persists a new open conflict. Participates in the caller's
// context transaction.
func (r *Repository) CreateConflict(ctx context.Context, conflict models.ConflictRecord) error {
	ctx, span := tracing.StartSpan(ctx, "conflictrecord.Repository.CreateConflict")
	defer span.End()

	competing, err := json.Marshal(conflict.CompetingCanonicalIDs)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to encode competing clusters")
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("conflict_records")
	sb.Cols("id", "record_id", "competing_canonical_ids", "reason", "status", "created_at")
	sb.Values(conflict.ID, conflict.RecordID, competing, conflict.Reason, string(conflict.Status), conflict.CreatedAt)

	query, args := sb.Build()

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create conflict record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create conflict record")
	}

	if err := tx.Commit(ctx); err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit conflict record")
	}
	return nil
}

// ResolveConflict closes an open conflict with a resolution note.
// Participates in the caller's context transaction.
func (r *Repository) ResolveConflict(ctx context.Context, conflictID string, resolution string) error {
	ctx, span := tracing.StartSpan(ctx, "conflictrecord.Repository.ResolveConflict")
	defer span.End()

	now := time.Now().UTC()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("conflict_records")
	ub.Set(
		ub.Assign("status", string(models.ConflictStatusResolved)),
		ub.Assign("resolution", resolution),
		ub.Assign("resolved_at", now),
	)
	ub.Where(
		ub.Equal("id", conflictID),
		ub.Equal("status", string(models.ConflictStatusOpen)),
	)

	query, args := ub.Build()

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to resolve conflict record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to resolve conflict record")
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, "no open conflict with that id")
	}

	if err := tx.Commit(ctx); err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit conflict resolution")
	}
	return nil
}

// GetByID returns one conflict record.
func (r *Repository) GetByID(ctx context.Context, conflictID string) (*models.ConflictRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "conflictrecord.Repository.GetByID")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "record_id", "competing_canonical_ids", "reason", "status", "resolution", "created_at", "resolved_at")
	sb.From("conflict_records")
	sb.Where(sb.Equal("id", conflictID))

	query, args := sb.Build()

	var row conflictRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPError(http.StatusNotFound, "conflict not found")
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get conflict record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get conflict record")
	}

	conflict, err := row.toModel()
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "malformed conflict record")
	}
	return conflict, nil
}

// OpenConflictForRecord returns the open conflict for a record, or nil when
// none exists. Re-resolving a still-ambiguous record reuses this conflict
// instead of filing a duplicate.
func (r *Repository) OpenConflictForRecord(ctx context.Context, recordID string) (*models.ConflictRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "conflictrecord.Repository.OpenConflictForRecord")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "record_id", "competing_canonical_ids", "reason", "status", "resolution", "created_at", "resolved_at")
	sb.From("conflict_records")
	sb.Where(
		sb.Equal("record_id", recordID),
		sb.Equal("status", string(models.ConflictStatusOpen)),
	)
	sb.OrderBy("created_at").Asc()
	sb.Limit(1)

	query, args := sb.Build()

	var row conflictRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to look up open conflict for record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to look up open conflict")
	}

	conflict, err := row.toModel()
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "malformed conflict record")
	}
	return conflict, nil
}

// ListOpen returns open conflicts, oldest first.
func (r *Repository) ListOpen(ctx context.Context, limit int) ([]models.ConflictRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "conflictrecord.Repository.ListOpen")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "record_id", "competing_canonical_ids", "reason", "status", "resolution", "created_at", "resolved_at")
	sb.From("conflict_records")
	sb.Where(sb.Equal("status", string(models.ConflictStatusOpen)))
	sb.OrderBy("created_at").Asc()
	sb.Limit(limit)

	query, args := sb.Build()

	var rows []conflictRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list open conflicts")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list open conflicts")
	}

	conflicts := make([]models.ConflictRecord, 0, len(rows))
	for _, row := range rows {
		conflict, err := row.toModel()
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"conflict_id": row.ID}).Error("Malformed conflict record")
			continue
		}
		conflicts = append(conflicts, *conflict)
	}
	return conflicts, nil
}

// CountOpen returns the number of open conflicts.
func (r *Repository) CountOpen(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "conflictrecord.Repository.CountOpen")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("COUNT(*)")
	sb.From("conflict_records")
	sb.Where(sb.Equal("status", string(models.ConflictStatusOpen)))

	query, args := sb.Build()

	var count int
	if err := r.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count open conflicts")
	}
	return count, nil
}
