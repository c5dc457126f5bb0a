package models

import (
	"time"
)

// AuditAction is the kind of decision an audit entry records.
type AuditAction string

const (
	AuditActionMerge    AuditAction = "merge"
	AuditActionSplit    AuditAction = "split"
	AuditActionConflict AuditAction = "conflict"
	AuditActionInfer    AuditAction = "infer"
)

// AuditEntry is one row of the append-only provenance log. The log is the
// source of truth for replay: the master entity store must be fully
// rebuildable from the audit stream alone.
type AuditEntry struct {
	ID             string      `json:"id" db:"id"`
	Timestamp      time.Time   `json:"timestamp" db:"timestamp"`
	Actor          string      `json:"actor" db:"actor"`
	Action         AuditAction `json:"action" db:"action"`
	SubjectIDs     []string    `json:"subject_ids" db:"-"`
	BeforeStateRef *string     `json:"before_state_ref,omitempty" db:"before_state_ref"`
	AfterStateRef  *string     `json:"after_state_ref,omitempty" db:"after_state_ref"`
	Rationale      string      `json:"rationale" db:"rationale"`
}
