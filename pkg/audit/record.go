package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/foxglove/pkg/models"
)

// Appender appends entries to the provenance log.
type Appender interface {
	AppendAudit(ctx context.Context, entry models.AuditEntry) error
}

// RecordInference appends one infer entry covering a whole inference run. The
// subjects are the canonical entities touched by a derived relationship;
// replay treats infer entries as informational, so cluster membership is
// unaffected.
func RecordInference(ctx context.Context, appender Appender, actor string, snapshotVersion int64, relationships []models.InferredRelationship) error {
	if len(relationships) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(relationships)*2)
	for _, rel := range relationships {
		seen[rel.SourceCanonicalID] = struct{}{}
		seen[rel.TargetCanonicalID] = struct{}{}
	}
	subjects := make([]string, 0, len(seen))
	for id := range seen {
		subjects = append(subjects, id)
	}
	sort.Strings(subjects)

	return appender.AppendAudit(ctx, models.AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		Actor:      actor,
		Action:     models.AuditActionInfer,
		SubjectIDs: subjects,
		Rationale:  fmt.Sprintf("derived %d relationships from snapshot version %d", len(relationships), snapshotVersion),
	})
}
