package inference

import "sort"

// Rule is a typed path pattern over the asserted-edge graph. A traversal
// starts at an entity of StartEntityType and follows Path edge types in
// order; reaching the end of the path derives a RelationType edge from the
// start entity to the terminal entity. Derived confidence is the product of
// the per-hop confidences scaled by Prior.
type Rule struct {
	ID              string
	Name            string
	StartEntityType string
	Path            []string
	RelationType    string
	Prior           float64
}

// DefaultRules returns the built-in cross-domain rule set. Rules connect
// R&D entities (targets, compounds) to clinical and regulatory evidence
// that no single source asserts directly.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:              "R-001",
			Name:            "target safety signal",
			StartEntityType: "target",
			Path:            []string{"studied_in", "identifies_risk", "manifests_as"},
			RelationType:    "has_safety_signal",
			Prior:           1.0,
		},
		{
			ID:              "R-002",
			Name:            "compound implicated target",
			StartEntityType: "compound",
			Path:            []string{"tested_in", "investigates"},
			RelationType:    "modulates",
			Prior:           0.9,
		},
		{
			ID:              "R-003",
			Name:            "compound regulatory risk",
			StartEntityType: "compound",
			Path:            []string{"tested_in", "identifies_risk"},
			RelationType:    "has_risk_signal",
			Prior:           0.85,
		},
		{
			ID:              "R-004",
			Name:            "trial concept linkage",
			StartEntityType: "trial",
			Path:            []string{"investigates", "annotated_with"},
			RelationType:    "concerns_concept",
			Prior:           0.8,
		},
	}
}

// SortRules orders rules by ID for deterministic traversal order.
func SortRules(rules []Rule) []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
