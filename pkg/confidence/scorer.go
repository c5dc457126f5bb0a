// Package confidence converts match candidates into calibrated confidence
// values. The scorer is a pure function of match type, source reliability,
// and corroboration, with no external state, so scoring is deterministic and
// replayable.
package confidence

import (
	"math"

	"github.com/Ramsey-B/foxglove/pkg/models"
)

// Config contains scoring weights.
type Config struct {
	// SourceReliability maps a source system to a reliability weight in
	// (0, 1]. Unknown sources score neutral (1.0).
	SourceReliability map[string]float64

	// CorroborationBonus is added per additional independent corroborating
	// source. The aggregate never exceeds 1.0.
	CorroborationBonus float64

	// CorroborationFloor is the minimum member score that counts as
	// corroboration. Members below the floor neither raise nor lower the
	// aggregate.
	CorroborationFloor float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SourceReliability:  map[string]float64{},
		CorroborationBonus: 0.02,
		CorroborationFloor: 0.75,
	}
}

// Scorer scores match candidates and aggregates cluster confidence.
type Scorer struct {
	cfg Config
}

// NewScorer creates a scorer.
func NewScorer(cfg Config) *Scorer {
	if cfg.CorroborationBonus <= 0 {
		cfg.CorroborationBonus = 0.02
	}
	if cfg.CorroborationFloor <= 0 {
		cfg.CorroborationFloor = 0.75
	}
	return &Scorer{cfg: cfg}
}

// Score converts a match candidate into a confidence in [0,1].
// existingClusterConfidence is the target cluster's current aggregate; it
// participates only as a cap guard; scoring a candidate never changes it.
func (s *Scorer) Score(candidate models.MatchCandidate, existingClusterConfidence float64) float64 {
	base := s.baseWeight(candidate.MatchType, candidate.RawScore)
	rel := s.reliability(candidate.Record)
	return clamp01(base * rel)
}

// MemberEvidence is one cluster member's attach-time evidence.
type MemberEvidence struct {
	Score  float64
	Source string
}

// Aggregate computes a cluster's confidence from its members' evidence.
// The aggregate is monotonic: the strongest member sets the base, and each
// additional independent corroborating source adds a bonus that saturates
// below 1.0. Members under the corroboration floor are ignored, so a
// contradicting low-confidence member alone never raises the aggregate.
func (s *Scorer) Aggregate(evidence []MemberEvidence) float64 {
	if len(evidence) == 0 {
		return 0
	}

	var best float64
	corroborating := make(map[string]struct{})
	for _, ev := range evidence {
		if ev.Score > best {
			best = ev.Score
		}
		if ev.Score >= s.cfg.CorroborationFloor {
			corroborating[ev.Source] = struct{}{}
		}
	}

	bonusSources := len(corroborating) - 1
	if bonusSources < 0 {
		bonusSources = 0
	}

	return clamp01(best + float64(bonusSources)*s.cfg.CorroborationBonus)
}

// baseWeight maps match types to their tier base weights. Fuzzy scores scale
// the raw similarity into the low/medium band.
func (s *Scorer) baseWeight(matchType models.MatchType, rawScore float64) float64 {
	switch matchType {
	case models.MatchTypeExactNamespaceID:
		return 1.0
	case models.MatchTypeNormalizedStructure:
		return 0.98
	case models.MatchTypeCrossReferenceTransitive:
		return 0.85
	case models.MatchTypeFuzzyName:
		return 0.3 + 0.4*clamp01(rawScore)
	default:
		return 0
	}
}

func (s *Scorer) reliability(record *models.IdentifierRecord) float64 {
	if record == nil {
		return 1.0
	}
	w, ok := s.cfg.SourceReliability[record.Source]
	if !ok || w <= 0 || w > 1 {
		return 1.0
	}
	return w
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
