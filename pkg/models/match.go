package models

// MatchType identifies which matching tier produced a candidate. Tiers are
// strictly ordered: cheaper, higher-precision tiers run first.
type MatchType string

const (
	MatchTypeExactNamespaceID         MatchType = "exact_namespace_id"
	MatchTypeNormalizedStructure      MatchType = "normalized_structure"
	MatchTypeCrossReferenceTransitive MatchType = "cross_reference_transitive"
	MatchTypeFuzzyName                MatchType = "fuzzy_name"
)

// MatchCandidate is a transient proposal that an identifier record belongs to
// an existing canonical entity. RawScore is the tier-local similarity before
// confidence scoring.
type MatchCandidate struct {
	Record      *IdentifierRecord `json:"record"`
	CanonicalID string            `json:"canonical_id"`
	MatchType   MatchType         `json:"match_type"`
	RawScore    float64           `json:"raw_score"`
}

// NamespaceCrosswalk is one row of a deterministic authority-published
// mapping between two namespaces (e.g. uniprot <-> ensembl.gene).
type NamespaceCrosswalk struct {
	ID            string `json:"id" db:"id"`
	FromNamespace string `json:"from_namespace" db:"from_namespace"`
	FromValue     string `json:"from_value" db:"from_value"`
	ToNamespace   string `json:"to_namespace" db:"to_namespace"`
	ToValue       string `json:"to_value" db:"to_value"`
	Authority     string `json:"authority" db:"authority"`
}
