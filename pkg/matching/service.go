// Package matching implements tiered candidate proposal for identifier
// records. Tiers run in strict order, cheapest and highest-precision first,
// and short-circuit once a tier yields an unambiguous high-confidence result:
//
//  1. exact (namespace, value) lookup
//  2. structural key lookup (e.g. InChIKey for compounds)
//  3. cross-reference transitive lookup via authority crosswalk tables
//  4. blocked fuzzy name similarity (only when tiers 1-3 found nothing)
package matching

import (
	"context"
	"errors"
	"sort"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/foxglove/internal/tracing"
	"github.com/Ramsey-B/foxglove/pkg/models"
	"github.com/Ramsey-B/foxglove/pkg/store"
)

// Config contains configuration for the candidate matcher.
type Config struct {
	FuzzyMinSimilarity float64 // similarity floor for fuzzy candidates (default: 0.3)
	FuzzyMaxCandidates int     // cap on fuzzy candidates per record (default: 5)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FuzzyMinSimilarity: 0.3,
		FuzzyMaxCandidates: 5,
	}
}

// CrosswalkSource resolves deterministic namespace-to-namespace mappings
// pre-populated from authoritative crosswalks.
type CrosswalkSource interface {
	Map(ctx context.Context, namespace, value string) ([]models.NamespaceCrosswalk, error)
}

// Service proposes canonical-cluster candidates for identifier records.
type Service struct {
	log        ectologger.Logger
	index      store.Reader
	crosswalks CrosswalkSource
	scorer     *Scorer
	cfg        Config
}

// NewService creates a new candidate matcher.
func NewService(log ectologger.Logger, index store.Reader, crosswalks CrosswalkSource, cfg Config) *Service {
	if cfg.FuzzyMaxCandidates <= 0 {
		cfg.FuzzyMaxCandidates = 5
	}
	return &Service{
		log:        log,
		index:      index,
		crosswalks: crosswalks,
		scorer:     NewScorer(),
		cfg:        cfg,
	}
}

// Propose returns zero or more match candidates for a record, in tier order.
func (s *Service) Propose(ctx context.Context, record *models.IdentifierRecord) ([]models.MatchCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Service.Propose")
	defer span.End()

	log := s.log.WithContext(ctx).WithFields(map[string]any{
		"record_id":   record.ID,
		"namespace":   record.Namespace,
		"entity_type": record.EntityType,
	})

	// Tier 1: exact key
	if candidate, ok, err := s.exactTier(ctx, record); err != nil {
		return nil, err
	} else if ok {
		log.WithFields(map[string]any{"canonical_id": candidate.CanonicalID}).Debug("Exact tier hit")
		return []models.MatchCandidate{candidate}, nil
	}

	// Tier 2: canonical structure
	if candidate, ok, err := s.structuralTier(ctx, record); err != nil {
		return nil, err
	} else if ok {
		log.WithFields(map[string]any{"canonical_id": candidate.CanonicalID}).Debug("Structural tier hit")
		return []models.MatchCandidate{candidate}, nil
	}

	// Tier 3: cross-reference transitive
	candidates, err := s.crosswalkTier(ctx, record)
	if err != nil {
		return nil, err
	}
	if len(candidates) > 0 {
		log.WithFields(map[string]any{"candidate_count": len(candidates)}).Debug("Crosswalk tier hit")
		return candidates, nil
	}

	// Tier 4: fuzzy name, only when every deterministic tier came up empty
	candidates, err = s.fuzzyTier(ctx, record)
	if err != nil {
		return nil, err
	}
	if len(candidates) > 0 {
		log.WithFields(map[string]any{"candidate_count": len(candidates)}).Debug("Fuzzy tier candidates")
	}
	return candidates, nil
}

func (s *Service) exactTier(ctx context.Context, record *models.IdentifierRecord) (models.MatchCandidate, bool, error) {
	canonicalID, err := s.index.Resolve(ctx, record.Namespace, record.Value)
	if errors.Is(err, store.ErrNotFound) {
		return models.MatchCandidate{}, false, nil
	}
	if err != nil {
		return models.MatchCandidate{}, false, err
	}
	return models.MatchCandidate{
		Record:      record,
		CanonicalID: canonicalID,
		MatchType:   models.MatchTypeExactNamespaceID,
		RawScore:    1.0,
	}, true, nil
}

func (s *Service) structuralTier(ctx context.Context, record *models.IdentifierRecord) (models.MatchCandidate, bool, error) {
	key := structuralKey(record)
	if key == "" {
		return models.MatchCandidate{}, false, nil
	}

	canonicalID, err := s.index.ResolveStructural(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return models.MatchCandidate{}, false, nil
	}
	if err != nil {
		return models.MatchCandidate{}, false, err
	}
	return models.MatchCandidate{
		Record:      record,
		CanonicalID: canonicalID,
		MatchType:   models.MatchTypeNormalizedStructure,
		RawScore:    1.0,
	}, true, nil
}

func (s *Service) crosswalkTier(ctx context.Context, record *models.IdentifierRecord) ([]models.MatchCandidate, error) {
	if s.crosswalks == nil {
		return nil, nil
	}

	mappings, err := s.crosswalks.Map(ctx, record.Namespace, record.Value)
	if err != nil {
		return nil, err
	}
	if len(mappings) == 0 {
		return nil, nil
	}

	seen := make(map[string]struct{})
	var candidates []models.MatchCandidate
	for _, mapping := range mappings {
		canonicalID, err := s.index.Resolve(ctx, mapping.ToNamespace, mapping.ToValue)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if _, dup := seen[canonicalID]; dup {
			continue
		}
		seen[canonicalID] = struct{}{}
		candidates = append(candidates, models.MatchCandidate{
			Record:      record,
			CanonicalID: canonicalID,
			MatchType:   models.MatchTypeCrossReferenceTransitive,
			RawScore:    1.0,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CanonicalID < candidates[j].CanonicalID
	})
	return candidates, nil
}

// fuzzyTier compares the record's normalized name against its blocking
// bucket only. Candidates are aggregated per cluster (best member score) and
// capped.
func (s *Service) fuzzyTier(ctx context.Context, record *models.IdentifierRecord) ([]models.MatchCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Service.fuzzyTier")
	defer span.End()

	name := record.Name()
	if name == "" {
		return nil, nil
	}

	blockingKey := BlockingKey(record.EntityType, name)
	if blockingKey == "" {
		return nil, nil
	}

	bucket, err := s.index.FuzzyBucket(ctx, record.EntityType, blockingKey)
	if err != nil {
		return nil, err
	}
	if len(bucket) == 0 {
		return nil, nil
	}

	sourceName := normalizeName(record.EntityType, name)

	best := make(map[string]float64)
	for _, entry := range bucket {
		candidateName := normalizeName(record.EntityType, entry.Name)
		if candidateName == "" {
			continue
		}
		sim := s.scorer.NameSimilarity(sourceName, candidateName)
		if sim < s.cfg.FuzzyMinSimilarity {
			continue
		}
		if sim > best[entry.CanonicalID] {
			best[entry.CanonicalID] = sim
		}
	}

	candidates := make([]models.MatchCandidate, 0, len(best))
	for canonicalID, sim := range best {
		candidates = append(candidates, models.MatchCandidate{
			Record:      record,
			CanonicalID: canonicalID,
			MatchType:   models.MatchTypeFuzzyName,
			RawScore:    sim,
		})
	}

	// Deterministic order: score descending, canonical ID as tie-break.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].RawScore != candidates[j].RawScore {
			return candidates[i].RawScore > candidates[j].RawScore
		}
		return candidates[i].CanonicalID < candidates[j].CanonicalID
	})

	if len(candidates) > s.cfg.FuzzyMaxCandidates {
		candidates = candidates[:s.cfg.FuzzyMaxCandidates]
	}
	return candidates, nil
}

// structuralKey returns the record's content-derived key: either an explicit
// structural key extracted alongside the identifier, or the value itself when
// the namespace is structural (an inchikey record is its own structural key).
func structuralKey(record *models.IdentifierRecord) string {
	if record.StructuralKey != nil && *record.StructuralKey != "" {
		return *record.StructuralKey
	}
	if record.Namespace == "inchikey" {
		return record.Value
	}
	return ""
}
