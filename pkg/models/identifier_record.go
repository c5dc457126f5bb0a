package models

import (
	"time"
)

// RecordStatus tracks where an identifier record sits in the resolution
// state machine: unresolved -> attached -> (detached re-enters unresolved).
type RecordStatus string

const (
	RecordStatusUnresolved RecordStatus = "unresolved"
	RecordStatusAttached   RecordStatus = "attached"
)

// IdentifierRecord is a single identifier assertion from one source system.
// Records are immutable once created; they are only ever attached to or
// detached from a canonical entity.
type IdentifierRecord struct {
	ID            string       `json:"id" db:"id"`
	Namespace     string       `json:"namespace" db:"namespace"`
	Value         string       `json:"value" db:"value"` // normalized form
	RawValue      string       `json:"raw_value" db:"raw_value"`
	EntityType    string       `json:"entity_type" db:"entity_type"`
	Source        string       `json:"source" db:"source"`
	DisplayName   *string      `json:"display_name,omitempty" db:"display_name"`
	StructuralKey *string      `json:"structural_key,omitempty" db:"structural_key"` // e.g. InChIKey for compounds
	BlockingKey   *string      `json:"blocking_key,omitempty" db:"blocking_key"`
	Status        RecordStatus `json:"status" db:"status"`
	CanonicalID   *string      `json:"canonical_id,omitempty" db:"canonical_id"`
	ExtractedAt   time.Time    `json:"extracted_at" db:"extracted_at"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
}

// Key returns the verbatim (namespace, value) lookup key for the exact tier.
func (r *IdentifierRecord) Key() string {
	return r.Namespace + ":" + r.Value
}

// Name returns the display name or empty string.
func (r *IdentifierRecord) Name() string {
	if r.DisplayName == nil {
		return ""
	}
	return *r.DisplayName
}

// CreateIdentifierRecordRequest is the ingestion payload for a single
// identifier record. Namespace/value syntax is checked by the registry
// before the record is accepted.
type CreateIdentifierRecordRequest struct {
	Namespace     string    `json:"namespace" validate:"required"`
	Value         string    `json:"value" validate:"required"`
	EntityType    string    `json:"entity_type" validate:"required"`
	Source        string    `json:"source" validate:"required"`
	DisplayName   *string   `json:"display_name,omitempty"`
	StructuralKey *string   `json:"structural_key,omitempty"`
	ExtractedAt   time.Time `json:"extracted_at"`
}

// CrossReference is a published (namespace, id) pair for a canonical entity.
type CrossReference struct {
	Namespace string `json:"namespace"`
	ID        string `json:"id"`
}
