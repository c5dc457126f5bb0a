// Package canonicalentity is the Postgres implementation of the master
// entity store. Cluster membership is held in canonical_members with the
// record ID as primary key, so single membership is enforced by the
// database and not just by the resolution code.
package canonicalentity

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/foxglove/internal/database"
	"github.com/Ramsey-B/foxglove/internal/tracing"
	"github.com/Ramsey-B/foxglove/pkg/models"
	"github.com/Ramsey-B/foxglove/pkg/store"
)

// Repository handles canonical entity and cluster membership persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new canonical entity repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

var _ store.Store = (*Repository)(nil)

// Lookup returns the canonical entity for an ID.
func (r *Repository) Lookup(ctx context.Context, canonicalID string) (*models.CanonicalEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "canonicalentity.Repository.Lookup")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("canonical_id", "entity_type", "confidence", "tombstone", "version", "created_at", "last_merged_at")
	sb.From("canonical_entities")
	sb.Where(sb.Equal("canonical_id", canonicalID))

	query, args := sb.Build()

	var entity models.CanonicalEntity
	if err := r.db.GetContext(ctx, &entity, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"canonical_id": canonicalID}).Error("Failed to get canonical entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get canonical entity")
	}
	return &entity, nil
}

// Resolve maps a verbatim (namespace, value) key to its canonical ID.
func (r *Repository) Resolve(ctx context.Context, namespace, value string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "canonicalentity.Repository.Resolve")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("canonical_id")
	sb.From("identifier_records")
	sb.Where(
		sb.Equal("namespace", namespace),
		sb.Equal("value", value),
		sb.IsNotNull("canonical_id"),
	)
	sb.OrderBy("canonical_id").Asc()
	sb.Limit(1)

	query, args := sb.Build()

	var canonicalID string
	if err := r.db.GetContext(ctx, &canonicalID, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", store.ErrNotFound
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to resolve identifier key")
		return "", httperror.NewHTTPError(http.StatusInternalServerError, "failed to resolve identifier key")
	}
	return canonicalID, nil
}

// ResolveStructural maps a structural key to its canonical ID.
func (r *Repository) ResolveStructural(ctx context.Context, structuralKey string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "canonicalentity.Repository.ResolveStructural")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("canonical_id")
	sb.From("identifier_records")
	sb.Where(
		sb.Equal("structural_key", structuralKey),
		sb.IsNotNull("canonical_id"),
	)
	sb.OrderBy("canonical_id").Asc()
	sb.Limit(1)

	query, args := sb.Build()

	var canonicalID string
	if err := r.db.GetContext(ctx, &canonicalID, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", store.ErrNotFound
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to resolve structural key")
		return "", httperror.NewHTTPError(http.StatusInternalServerError, "failed to resolve structural key")
	}
	return canonicalID, nil
}

// AllCrossReferences returns every member identifier record of an entity.
func (r *Repository) AllCrossReferences(ctx context.Context, canonicalID string) ([]models.IdentifierRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "canonicalentity.Repository.AllCrossReferences")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(
		"id", "namespace", "value", "raw_value", "entity_type", "source",
		"display_name", "structural_key", "blocking_key", "status",
		"canonical_id", "extracted_at", "created_at",
	)
	sb.From("identifier_records")
	sb.Where(sb.Equal("canonical_id", canonicalID))
	sb.OrderBy("namespace", "value").Asc()

	query, args := sb.Build()

	var records []models.IdentifierRecord
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"canonical_id": canonicalID}).Error("Failed to list cross references")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list cross references")
	}
	return records, nil
}

type memberRow struct {
	Score      float64   `db:"score"`
	AttachedAt time.Time `db:"attached_at"`
	models.IdentifierRecord
}

// Members returns the cluster membership with attach evidence.
func (r *Repository) Members(ctx context.Context, canonicalID string) ([]store.Member, error) {
	ctx, span := tracing.StartSpan(ctx, "canonicalentity.Repository.Members")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(
		"m.score", "m.attached_at",
		"r.id", "r.namespace", "r.value", "r.raw_value", "r.entity_type", "r.source",
		"r.display_name", "r.structural_key", "r.blocking_key", "r.status",
		"r.canonical_id", "r.extracted_at", "r.created_at",
	)
	sb.From("canonical_members m")
	sb.JoinWithOption(sqlbuilder.InnerJoin, "identifier_records r", "r.id = m.record_id")
	sb.Where(sb.Equal("m.canonical_id", canonicalID))
	sb.OrderBy("r.namespace", "r.value").Asc()

	query, args := sb.Build()

	var rows []memberRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"canonical_id": canonicalID}).Error("Failed to list cluster members")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list cluster members")
	}

	members := make([]store.Member, 0, len(rows))
	for _, row := range rows {
		members = append(members, store.Member{
			Record:     row.IdentifierRecord,
			Score:      row.Score,
			AttachedAt: row.AttachedAt,
		})
	}
	return members, nil
}

type bucketRow struct {
	CanonicalID string `db:"canonical_id"`
	RecordID    string `db:"record_id"`
	Name        string `db:"display_name"`
}

// FuzzyBucket returns the blocking bucket for (entityType, blockingKey).
// Only named, attached records participate in fuzzy comparison.
func (r *Repository) FuzzyBucket(ctx context.Context, entityType, blockingKey string) ([]store.BucketEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "canonicalentity.Repository.FuzzyBucket")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("r.canonical_id", "r.id AS record_id", "r.display_name")
	sb.From("identifier_records r")
	sb.Where(
		sb.Equal("r.entity_type", entityType),
		sb.Equal("r.blocking_key", blockingKey),
		sb.IsNotNull("r.canonical_id"),
		sb.IsNotNull("r.display_name"),
	)
	sb.OrderBy("r.canonical_id", "r.id").Asc()

	query, args := sb.Build()

	var rows []bucketRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"blocking_key": blockingKey}).Error("Failed to load fuzzy bucket")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to load fuzzy bucket")
	}

	entries := make([]store.BucketEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, store.BucketEntry{
			CanonicalID: row.CanonicalID,
			RecordID:    row.RecordID,
			Name:        row.Name,
		})
	}
	return entries, nil
}

// CreateEntity creates a new canonical entity with its founding member.
func (r *Repository) CreateEntity(ctx context.Context, entity models.CanonicalEntity, founder store.Member) error {
	ctx, span := tracing.StartSpan(ctx, "canonicalentity.Repository.CreateEntity")
	defer span.End()

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to begin transaction")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("canonical_entities")
	sb.Cols("canonical_id", "entity_type", "confidence", "tombstone", "version", "created_at", "last_merged_at")
	sb.Values(entity.CanonicalID, entity.EntityType, entity.Confidence, entity.Tombstone, entity.Version, entity.CreatedAt, entity.LastMergedAt)

	query, args := sb.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"canonical_id": entity.CanonicalID}).Error("Failed to create canonical entity")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create canonical entity")
	}

	if err := r.attachMember(ctx, tx, entity.CanonicalID, founder); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to commit transaction")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit transaction")
	}
	return nil
}

// Attach adds a member to an existing cluster and sets the recomputed
// aggregate confidence.
func (r *Repository) Attach(ctx context.Context, canonicalID string, member store.Member, confidence float64) error {
	ctx, span := tracing.StartSpan(ctx, "canonicalentity.Repository.Attach")
	defer span.End()

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to begin transaction")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	if err := r.attachMember(ctx, tx, canonicalID, member); err != nil {
		return err
	}

	now := time.Now().UTC()
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("canonical_entities")
	ub.Set(
		ub.Assign("confidence", confidence),
		ub.Assign("last_merged_at", now),
		ub.Incr("version"),
	)
	ub.Where(ub.Equal("canonical_id", canonicalID))

	query, args := ub.Build()
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"canonical_id": canonicalID}).Error("Failed to update canonical entity")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update canonical entity")
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return store.ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to commit transaction")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit transaction")
	}
	return nil
}

// attachMember upserts the identifier record row as attached and inserts
// the membership row. The record ID primary key on canonical_members makes
// a double attach fail instead of silently double homing the record.
func (r *Repository) attachMember(ctx context.Context, tx database.Tx, canonicalID string, member store.Member) error {
	record := member.Record

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("identifier_records")
	ib.Cols(
		"id", "namespace", "value", "raw_value", "entity_type", "source",
		"display_name", "structural_key", "blocking_key", "status",
		"canonical_id", "extracted_at", "created_at",
	)
	ib.Values(
		record.ID, record.Namespace, record.Value, record.RawValue, record.EntityType, record.Source,
		record.DisplayName, record.StructuralKey, record.BlockingKey, models.RecordStatusAttached,
		canonicalID, record.ExtractedAt, record.CreatedAt,
	)

	query, args := ib.Build()
	query += ` ON CONFLICT (namespace, value, source) DO UPDATE SET
		status = EXCLUDED.status,
		canonical_id = EXCLUDED.canonical_id,
		extracted_at = EXCLUDED.extracted_at`

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"record_id": record.ID}).Error("Failed to upsert identifier record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert identifier record")
	}

	attachedAt := member.AttachedAt
	if attachedAt.IsZero() {
		attachedAt = time.Now().UTC()
	}

	// The membership row references the stored record ID, which may differ
	// from the in-flight ID when the (namespace, value, source) row already
	// existed.
	memberQuery := `INSERT INTO canonical_members (record_id, canonical_id, score, attached_at)
		SELECT id, $1, $2, $3 FROM identifier_records
		WHERE namespace = $4 AND value = $5 AND source = $6
		ON CONFLICT (record_id) DO UPDATE SET
			canonical_id = EXCLUDED.canonical_id,
			score = EXCLUDED.score,
			attached_at = EXCLUDED.attached_at`
	if _, err := tx.ExecContext(ctx, memberQuery, canonicalID, member.Score, attachedAt, record.Namespace, record.Value, record.Source); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"record_id": record.ID, "canonical_id": canonicalID}).Error("Failed to insert cluster membership")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert cluster membership")
	}
	return nil
}

// Detach removes members from a cluster, sets the survivor's recomputed
// confidence, and tombstones the entity if it lost all members. Detached
// records return to unresolved so they can be re-homed.
func (r *Repository) Detach(ctx context.Context, canonicalID string, recordIDs []string, confidence float64) error {
	ctx, span := tracing.StartSpan(ctx, "canonicalentity.Repository.Detach")
	defer span.End()

	if len(recordIDs) == 0 {
		return nil
	}

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to begin transaction")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	ids := make([]any, 0, len(recordIDs))
	for _, id := range recordIDs {
		ids = append(ids, id)
	}

	db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	db.DeleteFrom("canonical_members")
	db.Where(
		db.Equal("canonical_id", canonicalID),
		db.In("record_id", ids...),
	)
	query, args := db.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"canonical_id": canonicalID}).Error("Failed to delete cluster memberships")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete cluster memberships")
	}

	rb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	rb.Update("identifier_records")
	rb.Set(
		rb.Assign("status", models.RecordStatusUnresolved),
		rb.Assign("canonical_id", nil),
	)
	rb.Where(rb.In("id", ids...))
	query, args = rb.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to reset detached records")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to reset detached records")
	}

	var remaining int
	countQuery := `SELECT COUNT(*) FROM canonical_members WHERE canonical_id = $1`
	if err := tx.GetContext(ctx, &remaining, countQuery, canonicalID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count remaining members")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to count remaining members")
	}

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("canonical_entities")
	assignments := []string{
		ub.Assign("confidence", confidence),
		ub.Incr("version"),
	}
	if remaining == 0 {
		// Never delete the entity row. Tombstoned IDs stay dereferenceable
		// and are never reassigned.
		assignments = append(assignments, ub.Assign("tombstone", true))
	}
	ub.Set(assignments...)
	ub.Where(ub.Equal("canonical_id", canonicalID))
	query, args = ub.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"canonical_id": canonicalID}).Error("Failed to update canonical entity after detach")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update canonical entity after detach")
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to commit transaction")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit transaction")
	}
	return nil
}

// WithinTx runs fn atomically. The transaction is placed on the context, so
// every repository call made through fn joins it.
func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := tracing.StartSpan(ctx, "canonicalentity.Repository.WithinTx")
	defer span.End()

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to begin transaction")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to commit transaction")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit transaction")
	}
	return nil
}

// Snapshot returns an immutable view for inference and publication. The
// version is the audit log high-water mark, so two snapshots with the same
// version are guaranteed identical.
func (r *Repository) Snapshot(ctx context.Context) (*store.Snapshot, error) {
	ctx, span := tracing.StartSpan(ctx, "canonicalentity.Repository.Snapshot")
	defer span.End()

	var version int64
	if err := r.db.GetContext(ctx, &version, `SELECT COALESCE(MAX(seq), 0) FROM audit_entries`); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to read audit high-water mark")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to read audit high-water mark")
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("canonical_id", "entity_type", "confidence", "tombstone", "version", "created_at", "last_merged_at")
	sb.From("canonical_entities")

	query, args := sb.Build()
	var entities []models.CanonicalEntity
	if err := r.db.SelectContext(ctx, &entities, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to snapshot canonical entities")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to snapshot canonical entities")
	}

	type refRow struct {
		CanonicalID string `db:"canonical_id"`
		Namespace   string `db:"namespace"`
		Value       string `db:"value"`
	}
	rb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	rb.Select("canonical_id", "namespace", "value")
	rb.From("identifier_records")
	rb.Where(rb.IsNotNull("canonical_id"))
	rb.OrderBy("canonical_id", "namespace", "value").Asc()

	query, args = rb.Build()
	var refs []refRow
	if err := r.db.SelectContext(ctx, &refs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to snapshot cross references")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to snapshot cross references")
	}

	snapshot := &store.Snapshot{
		Version:   version,
		TakenAt:   time.Now().UTC(),
		Entities:  make(map[string]models.CanonicalEntity, len(entities)),
		CrossRefs: make(map[string][]models.CrossReference, len(entities)),
	}
	for _, entity := range entities {
		snapshot.Entities[entity.CanonicalID] = entity
	}
	for _, ref := range refs {
		snapshot.CrossRefs[ref.CanonicalID] = append(snapshot.CrossRefs[ref.CanonicalID], models.CrossReference{
			Namespace: ref.Namespace,
			ID:        ref.Value,
		})
	}
	return snapshot, nil
}
