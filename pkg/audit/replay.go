// Package audit implements the replay side of the provenance log. The log is
// the source of truth: the member assignments of the master entity store must
// be fully derivable from the audit stream, and any divergence between the
// two is a fatal consistency error for the affected partition.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/foxglove/internal/tracing"
	"github.com/Ramsey-B/foxglove/pkg/models"
	"github.com/Ramsey-B/foxglove/pkg/store"
)

// ErrInconsistentState means the store and the audit log disagree about a
// record's cluster membership. The affected shard must halt; the divergence
// is repaired from the log, never by retrying.
var ErrInconsistentState = errors.New("store diverges from audit log")

// Source streams audit entries in append order.
type Source interface {
	AuditEntries(ctx context.Context) ([]models.AuditEntry, error)
}

// Divergence is one record whose store assignment does not match the
// assignment derived from the log.
type Divergence struct {
	RecordID    string `json:"record_id"`
	LogSays     string `json:"log_says"`   // canonical ID per replay, "" if detached
	StoreSays   string `json:"store_says"` // canonical ID per store, "" if absent
	CanonicalID string `json:"canonical_id"`
}

// Replayer derives record-to-cluster assignments from the audit stream and
// checks the persisted store against them.
type Replayer struct {
	log ectologger.Logger
}

// NewReplayer creates a replayer.
func NewReplayer(log ectologger.Logger) *Replayer {
	return &Replayer{log: log}
}

// Assignments replays the log into the record-to-canonical-ID mapping it
// implies. Merge entries attach their record; split entries detach the
// minority subset; conflict and infer entries do not move records.
func (r *Replayer) Assignments(ctx context.Context, source Source) (map[string]string, error) {
	ctx, span := tracing.StartSpan(ctx, "audit.Replayer.Assignments")
	defer span.End()

	entries, err := source.AuditEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit stream: %w", err)
	}

	assigned := make(map[string]string)
	for _, entry := range entries {
		switch entry.Action {
		case models.AuditActionMerge:
			// Subjects are [record_id, canonical_id, ...]; operator
			// resolutions append the conflict ID after those two.
			if len(entry.SubjectIDs) < 2 {
				return nil, fmt.Errorf("malformed merge entry %s: %w", entry.ID, ErrInconsistentState)
			}
			assigned[entry.SubjectIDs[0]] = entry.SubjectIDs[1]
		case models.AuditActionSplit:
			// Subjects are [canonical_id, detached_record_ids...].
			if len(entry.SubjectIDs) < 2 {
				return nil, fmt.Errorf("malformed split entry %s: %w", entry.ID, ErrInconsistentState)
			}
			canonicalID := entry.SubjectIDs[0]
			for _, recordID := range entry.SubjectIDs[1:] {
				if assigned[recordID] == canonicalID {
					delete(assigned, recordID)
				}
			}
		case models.AuditActionConflict, models.AuditActionInfer:
			// No membership movement.
		default:
			return nil, fmt.Errorf("unknown audit action %q in entry %s: %w", entry.Action, entry.ID, ErrInconsistentState)
		}
	}
	return assigned, nil
}

// Verify replays the log and compares the derived assignments with the
// store's actual membership. It returns every divergence found; a non-empty
// result wraps ErrInconsistentState.
func (r *Replayer) Verify(ctx context.Context, source Source, reader store.Reader) ([]Divergence, error) {
	ctx, span := tracing.StartSpan(ctx, "audit.Replayer.Verify")
	defer span.End()

	log := r.log.WithContext(ctx)

	assigned, err := r.Assignments(ctx, source)
	if err != nil {
		return nil, err
	}

	var divergences []Divergence
	checked := make(map[string]struct{})

	recordIDs := make([]string, 0, len(assigned))
	for recordID := range assigned {
		recordIDs = append(recordIDs, recordID)
	}
	sort.Strings(recordIDs)

	for _, recordID := range recordIDs {
		canonicalID := assigned[recordID]
		members, err := reader.Members(ctx, canonicalID)
		if errors.Is(err, store.ErrNotFound) {
			divergences = append(divergences, Divergence{
				RecordID:    recordID,
				LogSays:     canonicalID,
				CanonicalID: canonicalID,
			})
			continue
		}
		if err != nil {
			return nil, err
		}

		found := false
		for _, member := range members {
			checked[member.Record.ID] = struct{}{}
			if member.Record.ID == recordID {
				found = true
			}
		}
		if !found {
			divergences = append(divergences, Divergence{
				RecordID:    recordID,
				LogSays:     canonicalID,
				CanonicalID: canonicalID,
			})
		}
	}

	// The reverse direction: members the store holds without a merge entry.
	for recordID := range checked {
		if _, ok := assigned[recordID]; !ok {
			divergences = append(divergences, Divergence{
				RecordID:  recordID,
				StoreSays: "present without audit entry",
			})
		}
	}
	sort.Slice(divergences, func(i, j int) bool {
		return divergences[i].RecordID < divergences[j].RecordID
	})

	if len(divergences) > 0 {
		log.WithFields(map[string]any{"divergences": len(divergences)}).Error("Store diverges from audit log")
		return divergences, fmt.Errorf("%d record(s) diverge: %w", len(divergences), ErrInconsistentState)
	}

	log.WithFields(map[string]any{"records": len(assigned)}).Info("Store verified against audit log")
	return nil, nil
}
