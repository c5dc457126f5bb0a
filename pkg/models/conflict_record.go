package models

import (
	"time"
)

// ConflictStatus is the review state of an ambiguous-match conflict.
type ConflictStatus string

const (
	ConflictStatusOpen     ConflictStatus = "open"
	ConflictStatusResolved ConflictStatus = "resolved"
)

// ConflictRecord is created when one identifier record could validly join
// more than one existing cluster above the merge threshold. Conflicts are
// never auto-resolved: two corroborating high-confidence signals pointing at
// different pre-existing clusters means either an upstream data error or an
// over-eager earlier merge, and picking the higher score would hide it.
type ConflictRecord struct {
	ID                    string         `json:"id" db:"id"`
	RecordID              string         `json:"record_id" db:"record_id"`
	CompetingCanonicalIDs []string       `json:"competing_canonical_ids" db:"-"`
	Reason                string         `json:"reason" db:"reason"`
	Status                ConflictStatus `json:"status" db:"status"`
	Resolution            *string        `json:"resolution,omitempty" db:"resolution"`
	CreatedAt             time.Time      `json:"created_at" db:"created_at"`
	ResolvedAt            *time.Time     `json:"resolved_at,omitempty" db:"resolved_at"`
}

// ResolveConflictRequest is the operator payload for closing a conflict.
// WinnerCanonicalID may be empty to dismiss the conflict, leaving the record
// unresolved.
type ResolveConflictRequest struct {
	WinnerCanonicalID string `json:"winner_canonical_id"`
	Rationale         string `json:"rationale" validate:"required"`
}
