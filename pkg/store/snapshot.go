package store

import (
	"sort"
	"time"

	"github.com/Ramsey-B/foxglove/pkg/models"
)

// Snapshot is an immutable, versioned view of the master entity store.
// Inference runs read-only against a snapshot so it can execute fully in
// parallel without coordinating with resolution writers.
type Snapshot struct {
	Version   int64
	TakenAt   time.Time
	Entities  map[string]models.CanonicalEntity
	CrossRefs map[string][]models.CrossReference
}

// Lookup returns the snapshotted entity for a canonical ID.
func (s *Snapshot) Lookup(canonicalID string) (models.CanonicalEntity, bool) {
	e, ok := s.Entities[canonicalID]
	return e, ok
}

// EntityIDs returns all canonical IDs in deterministic (lexical) order.
// Inference iterates start entities in this order so re-runs over an
// unchanged snapshot reproduce byte-identical output.
func (s *Snapshot) EntityIDs() []string {
	ids := make([]string, 0, len(s.Entities))
	for id := range s.Entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Mappings returns the published mapping for every live (non-tombstone)
// entity, ordered by canonical ID.
func (s *Snapshot) Mappings() []models.MasterEntityMapping {
	out := make([]models.MasterEntityMapping, 0, len(s.Entities))
	for _, id := range s.EntityIDs() {
		entity := s.Entities[id]
		if entity.Tombstone {
			continue
		}
		out = append(out, models.MasterEntityMapping{
			CanonicalID: entity.CanonicalID,
			EntityType:  entity.EntityType,
			Identifiers: s.CrossRefs[id],
			Confidence:  entity.Confidence,
			LastUpdated: lastUpdated(entity),
		})
	}
	return out
}

func lastUpdated(entity models.CanonicalEntity) time.Time {
	if entity.LastMergedAt != nil {
		return *entity.LastMergedAt
	}
	return entity.CreatedAt
}
