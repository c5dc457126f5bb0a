package models

import (
	"time"
)

// CanonicalEntity is the resolved master record for one real-world entity.
// The canonical ID is stable once assigned and is never reused after a split;
// an entity that loses all members becomes a tombstone rather than being
// deleted, so already-published references stay dereferenceable.
type CanonicalEntity struct {
	CanonicalID  string     `json:"canonical_id" db:"canonical_id"`
	EntityType   string     `json:"entity_type" db:"entity_type"`
	Confidence   float64    `json:"confidence" db:"confidence"`
	Tombstone    bool       `json:"tombstone" db:"tombstone"`
	Version      int        `json:"version" db:"version"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	LastMergedAt *time.Time `json:"last_merged_at,omitempty" db:"last_merged_at"`
}

// MasterEntityMapping is the published output shape consumed by the external
// graph store and API layer.
type MasterEntityMapping struct {
	CanonicalID string           `json:"canonical_id"`
	EntityType  string           `json:"entity_type"`
	Identifiers []CrossReference `json:"identifiers"`
	Confidence  float64          `json:"confidence"`
	LastUpdated time.Time        `json:"last_updated"`
}
