// Package auditlog persists the append-only provenance log. Entries are
// written inside the same transaction as the store mutation they describe;
// the log is the system of record for replay and crash recovery.
package auditlog

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/foxglove/internal/database"
	"github.com/Ramsey-B/foxglove/internal/tracing"
	"github.com/Ramsey-B/foxglove/pkg/models"
)

// Repository handles audit entry persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new audit log repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type auditRow struct {
	ID             string    `db:"id"`
	Timestamp      time.Time `db:"timestamp"`
	Actor          string    `db:"actor"`
	Action         string    `db:"action"`
	SubjectIDs     []byte    `db:"subject_ids"`
	BeforeStateRef *string   `db:"before_state_ref"`
	AfterStateRef  *string   `db:"after_state_ref"`
	Rationale      string    `db:"rationale"`
}

// AppendAudit appends one entry. It participates in the caller's context
// transaction when one is open, which is how the write-ahead discipline is
// enforced: the mutation and its entry commit together or not at all.
func (r *Repository) AppendAudit(ctx context.Context, entry models.AuditEntry) error {
	ctx, span := tracing.StartSpan(ctx, "auditlog.Repository.AppendAudit")
	defer span.End()

	subjects, err := json.Marshal(entry.SubjectIDs)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to encode audit subjects")
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("audit_entries")
	sb.Cols("id", "timestamp", "actor", "action", "subject_ids", "before_state_ref", "after_state_ref", "rationale")
	sb.Values(entry.ID, entry.Timestamp, entry.Actor, string(entry.Action), subjects, entry.BeforeStateRef, entry.AfterStateRef, entry.Rationale)

	query, args := sb.Build()

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to append audit entry")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to append audit entry")
	}

	if err := tx.Commit(ctx); err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit audit entry")
	}
	return nil
}

// AuditEntries returns all entries in append (sequence) order.
func (r *Repository) AuditEntries(ctx context.Context) ([]models.AuditEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "auditlog.Repository.AuditEntries")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "timestamp", "actor", "action", "subject_ids", "before_state_ref", "after_state_ref", "rationale")
	sb.From("audit_entries")
	sb.OrderBy("seq").Asc()

	query, args := sb.Build()

	var rows []auditRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to read audit entries")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to read audit entries")
	}

	entries := make([]models.AuditEntry, 0, len(rows))
	for _, row := range rows {
		entry := models.AuditEntry{
			ID:             row.ID,
			Timestamp:      row.Timestamp,
			Actor:          row.Actor,
			Action:         models.AuditAction(row.Action),
			BeforeStateRef: row.BeforeStateRef,
			AfterStateRef:  row.AfterStateRef,
			Rationale:      row.Rationale,
		}
		if err := json.Unmarshal(row.SubjectIDs, &entry.SubjectIDs); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entry_id": row.ID}).Error("Malformed audit subjects")
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, "malformed audit entry")
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// EntriesForSubject returns entries whose subject list contains the given ID,
// in append order. Used by the operator provenance endpoint.
func (r *Repository) EntriesForSubject(ctx context.Context, subjectID string) ([]models.AuditEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "auditlog.Repository.EntriesForSubject")
	defer span.End()

	// jsonb containment has no sqlbuilder helper; raw SQL with a bound
	// parameter.
	query := `SELECT id, timestamp, actor, action, subject_ids, before_state_ref, after_state_ref, rationale
		FROM audit_entries WHERE subject_ids @> $1 ORDER BY seq ASC`
	subject, err := json.Marshal([]string{subjectID})
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to encode subject filter")
	}

	var rows []auditRow
	if err := r.db.SelectContext(ctx, &rows, query, subject); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to read audit entries for subject")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to read audit entries")
	}

	entries := make([]models.AuditEntry, 0, len(rows))
	for _, row := range rows {
		entry := models.AuditEntry{
			ID:             row.ID,
			Timestamp:      row.Timestamp,
			Actor:          row.Actor,
			Action:         models.AuditAction(row.Action),
			BeforeStateRef: row.BeforeStateRef,
			AfterStateRef:  row.AfterStateRef,
			Rationale:      row.Rationale,
		}
		if err := json.Unmarshal(row.SubjectIDs, &entry.SubjectIDs); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
