package models

import (
	"time"
)

// AssertedEdge is a source-stated typed relationship between two canonical
// entities. Asserted edges are inputs to inference and are never produced
// by it.
type AssertedEdge struct {
	ID         string    `json:"id" db:"id"`
	FromID     string    `json:"from_id" db:"from_id"`
	ToID       string    `json:"to_id" db:"to_id"`
	EdgeType   string    `json:"edge_type" db:"edge_type"`
	Confidence float64   `json:"confidence" db:"confidence"`
	Source     string    `json:"source" db:"source"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// EvidenceHop is one step of the path a derivation traversed.
type EvidenceHop struct {
	EdgeType string `json:"edge_type"`
	EntityID string `json:"entity_id"`
}

// InferredRelationship is a relationship derived by bounded traversal over
// asserted edges. It always carries its full evidence path and is kept
// distinct from asserted edges; it is never written back as if a source had
// stated it.
type InferredRelationship struct {
	SourceCanonicalID string        `json:"source_canonical_id"`
	TargetCanonicalID string        `json:"target_canonical_id"`
	RelationType      string        `json:"relation_type"`
	Confidence        float64       `json:"confidence"`
	EvidencePath      []EvidenceHop `json:"evidence_path"`
	RuleID            string        `json:"rule_id"`
	InferredAt        time.Time     `json:"inferred_at"`
}
