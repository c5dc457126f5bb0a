package confidence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/foxglove/pkg/models"
)

func TestScoreTierWeights(t *testing.T) {
	scorer := NewScorer(DefaultConfig())

	tests := []struct {
		name      string
		matchType models.MatchType
		rawScore  float64
		want      float64
	}{
		{"exact namespace id", models.MatchTypeExactNamespaceID, 0, 1.0},
		{"normalized structure", models.MatchTypeNormalizedStructure, 0, 0.98},
		{"cross reference transitive", models.MatchTypeCrossReferenceTransitive, 0, 0.85},
		{"fuzzy at zero similarity", models.MatchTypeFuzzyName, 0, 0.3},
		{"fuzzy at full similarity", models.MatchTypeFuzzyName, 1, 0.7},
		{"fuzzy midband", models.MatchTypeFuzzyName, 0.5, 0.5},
		{"unknown match type", models.MatchType("bogus"), 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scorer.Score(models.MatchCandidate{MatchType: tt.matchType, RawScore: tt.rawScore}, 0)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestScoreSourceReliability(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SourceReliability = map[string]float64{
		"scraper": 0.8,
		"broken":  1.5, // out of range, ignored
	}
	scorer := NewScorer(cfg)

	record := &models.IdentifierRecord{Source: "scraper"}
	got := scorer.Score(models.MatchCandidate{MatchType: models.MatchTypeExactNamespaceID, Record: record}, 0)
	assert.InDelta(t, 0.8, got, 1e-9)

	// Unknown and out-of-range sources score neutral.
	record = &models.IdentifierRecord{Source: "curated"}
	got = scorer.Score(models.MatchCandidate{MatchType: models.MatchTypeExactNamespaceID, Record: record}, 0)
	assert.InDelta(t, 1.0, got, 1e-9)

	record = &models.IdentifierRecord{Source: "broken"}
	got = scorer.Score(models.MatchCandidate{MatchType: models.MatchTypeExactNamespaceID, Record: record}, 0)
	assert.InDelta(t, 1.0, got, 1e-9)
}

func TestAggregate(t *testing.T) {
	scorer := NewScorer(DefaultConfig())

	t.Run("empty evidence scores zero", func(t *testing.T) {
		assert.Zero(t, scorer.Aggregate(nil))
	})

	t.Run("single member sets the base", func(t *testing.T) {
		got := scorer.Aggregate([]MemberEvidence{{Score: 0.98, Source: "chembl"}})
		assert.InDelta(t, 0.98, got, 1e-9)
	})

	t.Run("independent sources corroborate", func(t *testing.T) {
		got := scorer.Aggregate([]MemberEvidence{
			{Score: 0.9, Source: "chembl"},
			{Score: 0.8, Source: "drugbank"},
		})
		assert.InDelta(t, 0.92, got, 1e-9)
	})

	t.Run("same source never corroborates itself", func(t *testing.T) {
		got := scorer.Aggregate([]MemberEvidence{
			{Score: 0.9, Source: "chembl"},
			{Score: 0.8, Source: "chembl"},
		})
		assert.InDelta(t, 0.9, got, 1e-9)
	})

	t.Run("members below the floor are ignored", func(t *testing.T) {
		got := scorer.Aggregate([]MemberEvidence{
			{Score: 0.9, Source: "chembl"},
			{Score: 0.4, Source: "drugbank"},
		})
		assert.InDelta(t, 0.9, got, 1e-9)
	})

	t.Run("aggregate saturates at one", func(t *testing.T) {
		evidence := []MemberEvidence{{Score: 1.0, Source: "s0"}}
		for i := 0; i < 10; i++ {
			evidence = append(evidence, MemberEvidence{Score: 0.9, Source: string(rune('a' + i))})
		}
		got := scorer.Aggregate(evidence)
		assert.InDelta(t, 1.0, got, 1e-9)
	})

	t.Run("monotonic in added corroboration", func(t *testing.T) {
		base := []MemberEvidence{{Score: 0.85, Source: "chembl"}}
		withMore := append([]MemberEvidence{}, base...)
		withMore = append(withMore, MemberEvidence{Score: 0.8, Source: "drugbank"})
		require.GreaterOrEqual(t, scorer.Aggregate(withMore), scorer.Aggregate(base))
	})
}

func TestNewScorerDefaultsZeroValues(t *testing.T) {
	scorer := NewScorer(Config{})
	got := scorer.Aggregate([]MemberEvidence{
		{Score: 0.9, Source: "a"},
		{Score: 0.8, Source: "b"},
	})
	assert.InDelta(t, 0.92, got, 1e-9)
}
