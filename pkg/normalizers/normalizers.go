// Package normalizers provides string normalization functions used for name
// matching and blocking-key computation
package normalizers

import (
	"strings"
	"unicode"
)

// Normalizer is a function that normalizes a string value
type Normalizer func(string) string

// registry holds all registered normalizers
var registry = make(map[string]Normalizer)

func init() {
	Register("lowercase", Lowercase)
	Register("uppercase", Uppercase)
	Register("trim", Trim)
	Register("remove_whitespace", RemoveWhitespace)
	Register("remove_punctuation", RemovePunctuation)
	Register("alphanumeric", Alphanumeric)
	Register("ndrug", NormalizeDrugName)
	Register("ngene", NormalizeGeneSymbol)
}

// Register adds a normalizer to the registry
func Register(name string, fn Normalizer) {
	registry[name] = fn
}

// Get retrieves a normalizer by name
func Get(name string) (Normalizer, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Apply applies a named normalizer to a value
func Apply(value, normalizer string) string {
	fn, ok := registry[normalizer]
	if !ok {
		return value
	}
	return fn(value)
}

// Lowercase converts string to lowercase
func Lowercase(s string) string {
	return strings.ToLower(s)
}

// Uppercase converts string to uppercase
func Uppercase(s string) string {
	return strings.ToUpper(s)
}

// Trim removes leading and trailing whitespace
func Trim(s string) string {
	return strings.TrimSpace(s)
}

// RemoveWhitespace removes all whitespace characters
func RemoveWhitespace(s string) string {
	var result strings.Builder
	for _, r := range s {
		if !unicode.IsSpace(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// RemovePunctuation removes all punctuation characters
func RemovePunctuation(s string) string {
	var result strings.Builder
	for _, r := range s {
		if !unicode.IsPunct(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Alphanumeric keeps only alphanumeric characters
func Alphanumeric(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// saltSuffixes are salt/form designations that vary across compound
// databases for the same parent drug.
var saltSuffixes = []string{
	" hydrochloride", " hcl", " sodium", " potassium", " calcium",
	" mesylate", " maleate", " tartrate", " citrate", " sulfate",
	" phosphate", " acetate", " besylate", " fumarate", " succinate",
	" monohydrate", " dihydrate", " anhydrous",
}

// NormalizeDrugName normalizes a drug or compound name for matching:
// lowercase, salt/form suffixes stripped, punctuation removed, whitespace
// collapsed.
func NormalizeDrugName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	changed := true
	for changed {
		changed = false
		for _, suffix := range saltSuffixes {
			if strings.HasSuffix(s, suffix) {
				s = strings.TrimSpace(s[:len(s)-len(suffix)])
				changed = true
			}
		}
	}

	var result strings.Builder
	prevSpace := false
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			result.WriteRune(r)
			prevSpace = false
		case unicode.IsSpace(r) || r == '-':
			if !prevSpace && result.Len() > 0 {
				result.WriteRune(' ')
				prevSpace = true
			}
		}
	}

	return strings.TrimSpace(result.String())
}

// NormalizeGeneSymbol normalizes a gene/protein symbol: uppercase,
// alphanumeric plus dash only.
func NormalizeGeneSymbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	var result strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			result.WriteRune(r)
		}
	}
	return result.String()
}
