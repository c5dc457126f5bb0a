// Package registry validates and normalizes raw identifier strings against
// per-namespace syntax rules. It is a leaf component: pure validation and
// canonicalization, no external state.
package registry

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrUnknownNamespace means no validator is registered for a namespace.
	// Unknown namespaces are rejected outright; silently accepting unknown
	// formats would corrupt downstream matching.
	ErrUnknownNamespace = errors.New("unknown namespace")

	// ErrInvalidFormat means the raw value does not satisfy the namespace
	// syntax rule after canonicalization.
	ErrInvalidFormat = errors.New("invalid identifier format")
)

// CaseMode is the case canonicalization a namespace applies before
// validation. Normalization never guesses missing characters.
type CaseMode int

const (
	CasePreserve CaseMode = iota
	CaseUpper
	CaseLower
)

// Rule is the syntax contract for one namespace.
type Rule struct {
	Namespace  string
	EntityType string // entity type this namespace identifies
	Pattern    *regexp.Regexp
	Example    string
	Case       CaseMode
	Structural bool // value is a content-derived normal form (e.g. InChIKey)
}

// NormalizedIdentifier is the result of a successful Normalize call.
type NormalizedIdentifier struct {
	Namespace  string
	Value      string
	EntityType string
	Structural bool
}

// Registry holds the per-namespace rules. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

// NewRegistry returns a registry preloaded with the built-in namespaces.
func NewRegistry() *Registry {
	r := &Registry{rules: make(map[string]Rule)}
	for _, rule := range builtinRules() {
		r.Register(rule)
	}
	return r
}

// Register adds or replaces a namespace rule.
func (r *Registry) Register(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[rule.Namespace] = rule
}

// Known reports whether a namespace has a registered rule.
func (r *Registry) Known(namespace string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rules[namespace]
	return ok
}

// Rule returns the rule for a namespace.
func (r *Registry) Rule(namespace string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[namespace]
	return rule, ok
}

// Namespaces returns the registered namespace names, sorted lexically.
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.rules))
	for name := range r.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Normalize canonicalizes case and whitespace and validates the value against
// the namespace pattern. The entityType must agree with the namespace's
// registered entity type when the caller supplies one.
func (r *Registry) Normalize(namespace, rawValue, entityType string) (NormalizedIdentifier, error) {
	r.mu.RLock()
	rule, ok := r.rules[namespace]
	r.mu.RUnlock()

	if !ok {
		return NormalizedIdentifier{}, fmt.Errorf("%w: %q has no registered validator", ErrUnknownNamespace, namespace)
	}

	value := strings.TrimSpace(rawValue)
	switch rule.Case {
	case CaseUpper:
		value = strings.ToUpper(value)
	case CaseLower:
		value = strings.ToLower(value)
	}

	if value == "" || !rule.Pattern.MatchString(value) {
		return NormalizedIdentifier{}, fmt.Errorf("%w: %q is not a valid %s identifier (expected like %q)",
			ErrInvalidFormat, rawValue, namespace, rule.Example)
	}

	if entityType != "" && rule.EntityType != "" && entityType != rule.EntityType {
		return NormalizedIdentifier{}, fmt.Errorf("%w: namespace %q identifies %q entities, not %q",
			ErrInvalidFormat, namespace, rule.EntityType, entityType)
	}

	return NormalizedIdentifier{
		Namespace:  namespace,
		Value:      value,
		EntityType: rule.EntityType,
		Structural: rule.Structural,
	}, nil
}

// builtinRules is the documented namespace table: {namespace, regex, example}.
func builtinRules() []Rule {
	return []Rule{
		{
			Namespace:  "chembl",
			EntityType: "compound",
			Pattern:    regexp.MustCompile(`^CHEMBL\d+$`),
			Example:    "CHEMBL25",
			Case:       CaseUpper,
		},
		{
			Namespace:  "drugbank",
			EntityType: "compound",
			Pattern:    regexp.MustCompile(`^DB\d{5}$`),
			Example:    "DB00945",
			Case:       CaseUpper,
		},
		{
			Namespace:  "pubchem.cid",
			EntityType: "compound",
			Pattern:    regexp.MustCompile(`^\d+$`),
			Example:    "2158",
			Case:       CasePreserve,
		},
		{
			Namespace:  "inchikey",
			EntityType: "compound",
			Pattern:    regexp.MustCompile(`^[A-Z]{14}-[A-Z]{10}-[A-Z]$`),
			Example:    "BSYNRYMUTXBXSQ-UHFFFAOYSA-N",
			Case:       CaseUpper,
			Structural: true,
		},
		{
			Namespace:  "uniprot",
			EntityType: "target",
			Pattern:    regexp.MustCompile(`^[OPQ][0-9][A-Z0-9]{3}[0-9]$`),
			Example:    "P00533",
			Case:       CaseUpper,
		},
		{
			Namespace:  "ensembl.gene",
			EntityType: "target",
			Pattern:    regexp.MustCompile(`^ENSG\d{11}$`),
			Example:    "ENSG00000146648",
			Case:       CaseUpper,
		},
		{
			Namespace:  "hgnc",
			EntityType: "target",
			Pattern:    regexp.MustCompile(`^HGNC:\d+$`),
			Example:    "HGNC:3236",
			Case:       CaseUpper,
		},
		{
			Namespace:  "nct",
			EntityType: "trial",
			Pattern:    regexp.MustCompile(`^NCT\d{8}$`),
			Example:    "NCT01234567",
			Case:       CaseUpper,
		},
		{
			Namespace:  "fda.nda",
			EntityType: "filing",
			Pattern:    regexp.MustCompile(`^NDA\d{6}$`),
			Example:    "NDA020702",
			Case:       CaseUpper,
		},
		{
			Namespace:  "mesh",
			EntityType: "concept",
			Pattern:    regexp.MustCompile(`^[CD]\d{6,9}$`),
			Example:    "D000077287",
			Case:       CaseUpper,
		},
	}
}
