// Package store defines the master entity store: the persisted mapping from
// canonical entities to their member identifier records. Reads are open to
// all consumers; the write surface is handed only to the cluster builder.
// In-memory indexes are rebuildable caches; the audit log is the system of
// record.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Ramsey-B/foxglove/pkg/models"
)

// ErrNotFound is returned when a canonical ID or identifier key is unknown.
var ErrNotFound = errors.New("not found")

// Member is one identifier record inside a cluster, with its attach-time
// evidence.
type Member struct {
	Record     models.IdentifierRecord `json:"record"`
	Score      float64                 `json:"score"`
	AttachedAt time.Time               `json:"attached_at"`
}

// BucketEntry is one fuzzy-blocking-bucket entry: a named member of an
// existing cluster sharing the blocking key.
type BucketEntry struct {
	CanonicalID string
	RecordID    string
	Name        string
}

// Reader is the read contract of the master entity store.
type Reader interface {
	// Lookup returns the canonical entity for an ID.
	Lookup(ctx context.Context, canonicalID string) (*models.CanonicalEntity, error)

	// Resolve maps a verbatim (namespace, value) key to its canonical ID.
	Resolve(ctx context.Context, namespace, value string) (string, error)

	// ResolveStructural maps a structural key to its canonical ID.
	ResolveStructural(ctx context.Context, structuralKey string) (string, error)

	// AllCrossReferences returns every member identifier record of an entity.
	AllCrossReferences(ctx context.Context, canonicalID string) ([]models.IdentifierRecord, error)

	// Members returns the cluster membership with attach evidence.
	Members(ctx context.Context, canonicalID string) ([]Member, error)

	// FuzzyBucket returns the blocking bucket for (entityType, blockingKey).
	// Fuzzy matching never compares against the full store.
	FuzzyBucket(ctx context.Context, entityType, blockingKey string) ([]BucketEntry, error)
}

// Writer is the mutation contract. It is exposed only to the cluster
// builder; every call must happen inside WithinTx together with its audit
// entry.
type Writer interface {
	// CreateEntity creates a new canonical entity with its founding member.
	CreateEntity(ctx context.Context, entity models.CanonicalEntity, founder Member) error

	// Attach adds a member to an existing cluster and sets the recomputed
	// aggregate confidence.
	Attach(ctx context.Context, canonicalID string, member Member, confidence float64) error

	// Detach removes members from a cluster (split), sets the survivor's
	// recomputed confidence, and tombstones the entity if it lost all
	// members.
	Detach(ctx context.Context, canonicalID string, recordIDs []string, confidence float64) error
}

// Store combines reads, writes and transactional execution.
type Store interface {
	Reader
	Writer

	// WithinTx runs fn atomically: every store and audit mutation made
	// through ctx is committed together or not at all.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error

	// Snapshot returns an immutable versioned view for inference and
	// publication.
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// Mapping converts an entity plus its members into the published
// MasterEntityMapping shape.
func Mapping(entity *models.CanonicalEntity, refs []models.IdentifierRecord) models.MasterEntityMapping {
	identifiers := make([]models.CrossReference, 0, len(refs))
	for _, ref := range refs {
		identifiers = append(identifiers, models.CrossReference{Namespace: ref.Namespace, ID: ref.Value})
	}
	updated := entity.CreatedAt
	if entity.LastMergedAt != nil {
		updated = *entity.LastMergedAt
	}
	return models.MasterEntityMapping{
		CanonicalID: entity.CanonicalID,
		EntityType:  entity.EntityType,
		Identifiers: identifiers,
		Confidence:  entity.Confidence,
		LastUpdated: updated,
	}
}
