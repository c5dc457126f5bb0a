package matching

import (
	"strings"

	"github.com/Ramsey-B/foxglove/pkg/normalizers"
)

// BlockingKey computes the coarse bucket key for a display name: the Soundex
// code of the first normalized token. Fuzzy comparison is restricted to one
// bucket, which bounds its cost to a small candidate set regardless of store
// size.
func BlockingKey(entityType, displayName string) string {
	normalized := normalizeName(entityType, displayName)
	if normalized == "" {
		return ""
	}
	first := normalized
	if idx := strings.IndexByte(normalized, ' '); idx > 0 {
		first = normalized[:idx]
	}
	return NewScorer().Soundex(first)
}

// normalizeName picks the normalizer for an entity type's display names.
func normalizeName(entityType, name string) string {
	switch entityType {
	case "target":
		return normalizers.Apply(name, "ngene")
	default:
		return normalizers.Apply(name, "ndrug")
	}
}
