// Package clustering implements the cluster builder: the only component with
// write authority over the master entity store. It applies merge and split
// decisions under a write-ahead discipline: the audit entry and the store
// mutation commit in one transaction or not at all.
package clustering

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/foxglove/internal/tracing"
	"github.com/Ramsey-B/foxglove/pkg/confidence"
	"github.com/Ramsey-B/foxglove/pkg/models"
	"github.com/Ramsey-B/foxglove/pkg/store"
)

// ErrInconsistentState means a store mutation and its audit entry disagree.
// This is fatal for the affected shard: it must not be retried, only
// repaired from the log.
var ErrInconsistentState = errors.New("inconsistent store/audit state")

// Outcome classifies what the engine did with one record.
type Outcome string

const (
	OutcomeAttached        Outcome = "attached"
	OutcomeCreated         Outcome = "created"
	OutcomeConflict        Outcome = "conflict"
	OutcomeAlreadyResolved Outcome = "already_resolved"
)

// Decision is the result of resolving a single record.
type Decision struct {
	Record      *models.IdentifierRecord
	Outcome     Outcome
	CanonicalID string
	Confidence  float64
	Conflict    *models.ConflictRecord
	Split       *SplitResult
}

// SplitResult describes a split performed because structural evidence
// contradicted an earlier merge.
type SplitResult struct {
	SurvivorCanonicalID string
	NewCanonicalID      string
	DetachedRecordIDs   []string
}

// AuditAppender appends to the provenance log within the ambient
// transaction.
type AuditAppender interface {
	AppendAudit(ctx context.Context, entry models.AuditEntry) error
}

// ConflictSink persists ambiguous-match conflicts for review.
type ConflictSink interface {
	CreateConflict(ctx context.Context, conflict models.ConflictRecord) error
	ResolveConflict(ctx context.Context, conflictID string, resolution string) error
	OpenConflictForRecord(ctx context.Context, recordID string) (*models.ConflictRecord, error)
}

// Config contains cluster builder thresholds.
type Config struct {
	MergeThreshold float64 // confidence above which a single candidate is merged (default: 0.75)
	Actor          string  // recorded in audit entries (default: "resolver")
	DryRun         bool    // compute decisions without committing
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MergeThreshold: 0.75,
		Actor:          "resolver",
	}
}

// Engine is the cluster builder.
type Engine struct {
	log       ectologger.Logger
	store     store.Store
	audit     AuditAppender
	conflicts ConflictSink
	scorer    *confidence.Scorer
	cfg       Config
	now       func() time.Time
}

// NewEngine creates a cluster builder.
func NewEngine(
	log ectologger.Logger,
	st store.Store,
	audit AuditAppender,
	conflicts ConflictSink,
	scorer *confidence.Scorer,
	cfg Config,
) *Engine {
	if cfg.MergeThreshold <= 0 {
		cfg.MergeThreshold = 0.75
	}
	if cfg.Actor == "" {
		cfg.Actor = "resolver"
	}
	return &Engine{
		log:       log,
		store:     st,
		audit:     audit,
		conflicts: conflicts,
		scorer:    scorer,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ResolveRecord applies the transition rules for one unresolved record given
// its match candidates:
//
//   - exactly one candidate at or above the merge threshold: attach
//   - two or more above-threshold candidates pointing at different clusters:
//     emit a ConflictRecord and leave the record unresolved, never pick the
//     higher score
//   - no candidate above threshold: create a new singleton entity
//
// After an attach the target cluster's structural evidence is re-checked;
// a contradiction triggers a split.
func (e *Engine) ResolveRecord(ctx context.Context, record *models.IdentifierRecord, candidates []models.MatchCandidate) (*Decision, error) {
	ctx, span := tracing.StartSpan(ctx, "clustering.Engine.ResolveRecord")
	defer span.End()

	log := e.log.WithContext(ctx).WithFields(map[string]any{
		"record_id": record.ID,
		"key":       record.Key(),
	})

	scored := e.scoreCandidates(ctx, candidates)

	// Idempotence: a record whose key already lives in its best candidate
	// cluster was resolved by an earlier run. No mutation, no audit.
	if len(scored) > 0 {
		if resolved, err := e.alreadyResolved(ctx, record, scored[0].candidate.CanonicalID); err != nil {
			return nil, err
		} else if resolved {
			log.Debug("Record already resolved; skipping")
			return &Decision{
				Record:      record,
				Outcome:     OutcomeAlreadyResolved,
				CanonicalID: scored[0].candidate.CanonicalID,
			}, nil
		}
	}

	switch len(scored) {
	case 0:
		return e.createSingleton(ctx, record, log)
	case 1:
		return e.attach(ctx, record, scored[0], log)
	default:
		return e.emitConflict(ctx, record, scored, log)
	}
}

type scoredCandidate struct {
	candidate models.MatchCandidate
	score     float64
}

// scoreCandidates scores every candidate, keeps those at or above the merge
// threshold, and deduplicates per target cluster keeping the best score.
// Output is ordered score descending, canonical ID ascending.
func (e *Engine) scoreCandidates(ctx context.Context, candidates []models.MatchCandidate) []scoredCandidate {
	best := make(map[string]scoredCandidate)
	for _, candidate := range candidates {
		var clusterConfidence float64
		if entity, err := e.store.Lookup(ctx, candidate.CanonicalID); err == nil {
			if entity.Tombstone {
				continue
			}
			clusterConfidence = entity.Confidence
		}

		score := e.scorer.Score(candidate, clusterConfidence)
		if score < e.cfg.MergeThreshold {
			continue
		}
		if existing, ok := best[candidate.CanonicalID]; !ok || score > existing.score {
			best[candidate.CanonicalID] = scoredCandidate{candidate: candidate, score: score}
		}
	}

	out := make([]scoredCandidate, 0, len(best))
	for _, sc := range best {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].candidate.CanonicalID < out[j].candidate.CanonicalID
	})
	return out
}

func (e *Engine) alreadyResolved(ctx context.Context, record *models.IdentifierRecord, canonicalID string) (bool, error) {
	members, err := e.store.Members(ctx, canonicalID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, member := range members {
		if member.Record.Namespace == record.Namespace && member.Record.Value == record.Value {
			return true, nil
		}
	}
	return false, nil
}

// createSingleton creates a new canonical entity with the record as its
// founding member. The canonical ID is the structural key when the record
// carries one, otherwise the record's own namespace-qualified key.
func (e *Engine) createSingleton(ctx context.Context, record *models.IdentifierRecord, log ectologger.Logger) (*Decision, error) {
	canonicalID := canonicalIDFor(record)
	now := e.now()

	entity := models.CanonicalEntity{
		CanonicalID: canonicalID,
		EntityType:  record.EntityType,
		Confidence:  1.0,
		CreatedAt:   now,
	}

	attached := *record
	attached.Status = models.RecordStatusAttached
	attached.CanonicalID = &canonicalID
	founder := store.Member{Record: attached, Score: 1.0, AttachedAt: now}

	if e.cfg.DryRun {
		return &Decision{Record: record, Outcome: OutcomeCreated, CanonicalID: canonicalID, Confidence: entity.Confidence}, nil
	}

	err := e.store.WithinTx(ctx, func(ctx context.Context) error {
		if err := e.audit.AppendAudit(ctx, models.AuditEntry{
			ID:            uuid.NewString(),
			Timestamp:     now,
			Actor:         e.cfg.Actor,
			Action:        models.AuditActionMerge,
			SubjectIDs:    []string{record.ID, canonicalID},
			AfterStateRef: ref(canonicalID),
			Rationale:     fmt.Sprintf("no candidate above threshold %.2f; created singleton for %s", e.cfg.MergeThreshold, record.Key()),
		}); err != nil {
			return err
		}
		return e.store.CreateEntity(ctx, entity, founder)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create singleton for %s: %w", record.Key(), err)
	}

	log.WithFields(map[string]any{"canonical_id": canonicalID}).Info("Created canonical entity")
	return &Decision{Record: record, Outcome: OutcomeCreated, CanonicalID: canonicalID, Confidence: entity.Confidence}, nil
}

// attach merges the record into its single above-threshold candidate cluster
// and recomputes the aggregate confidence from all members.
func (e *Engine) attach(ctx context.Context, record *models.IdentifierRecord, sc scoredCandidate, log ectologger.Logger) (*Decision, error) {
	canonicalID := sc.candidate.CanonicalID
	now := e.now()

	members, err := e.store.Members(ctx, canonicalID)
	if err != nil {
		return nil, err
	}

	evidence := make([]confidence.MemberEvidence, 0, len(members)+1)
	for _, member := range members {
		evidence = append(evidence, confidence.MemberEvidence{Score: member.Score, Source: member.Record.Source})
	}
	evidence = append(evidence, confidence.MemberEvidence{Score: sc.score, Source: record.Source})
	aggregate := e.scorer.Aggregate(evidence)

	attached := *record
	attached.Status = models.RecordStatusAttached
	attached.CanonicalID = &canonicalID
	member := store.Member{Record: attached, Score: sc.score, AttachedAt: now}

	decision := &Decision{Record: record, Outcome: OutcomeAttached, CanonicalID: canonicalID, Confidence: aggregate}
	if e.cfg.DryRun {
		return decision, nil
	}

	err = e.store.WithinTx(ctx, func(ctx context.Context) error {
		if err := e.audit.AppendAudit(ctx, models.AuditEntry{
			ID:             uuid.NewString(),
			Timestamp:      now,
			Actor:          e.cfg.Actor,
			Action:         models.AuditActionMerge,
			SubjectIDs:     []string{record.ID, canonicalID},
			BeforeStateRef: ref(canonicalID),
			AfterStateRef:  ref(canonicalID),
			Rationale: fmt.Sprintf("%s matched %s via %s at %.3f (threshold %.2f)",
				record.Key(), canonicalID, sc.candidate.MatchType, sc.score, e.cfg.MergeThreshold),
		}); err != nil {
			return err
		}
		return e.store.Attach(ctx, canonicalID, member, aggregate)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach %s to %s: %w", record.Key(), canonicalID, err)
	}

	log.WithFields(map[string]any{
		"canonical_id": canonicalID,
		"match_type":   sc.candidate.MatchType,
		"score":        sc.score,
	}).Info("Attached record to canonical entity")

	// New structural evidence can contradict an earlier merge.
	split, err := e.checkStructuralConsistency(ctx, canonicalID)
	if err != nil {
		return nil, err
	}
	decision.Split = split

	return decision, nil
}

// emitConflict records an ambiguous match and leaves the record unresolved.
func (e *Engine) emitConflict(ctx context.Context, record *models.IdentifierRecord, scored []scoredCandidate, log ectologger.Logger) (*Decision, error) {
	competing := make([]string, 0, len(scored))
	for _, sc := range scored {
		competing = append(competing, sc.candidate.CanonicalID)
	}
	sort.Strings(competing)

	// Re-running resolution over an unchanged store must not file the same
	// conflict twice.
	if !e.cfg.DryRun {
		existing, err := e.conflicts.OpenConflictForRecord(ctx, record.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to check open conflicts for %s: %w", record.Key(), err)
		}
		if existing != nil {
			log.WithFields(map[string]any{"conflict_id": existing.ID}).Info("Ambiguous match already has an open conflict")
			return &Decision{Record: record, Outcome: OutcomeConflict, Conflict: existing}, nil
		}
	}

	now := e.now()
	conflict := models.ConflictRecord{
		ID:                    uuid.NewString(),
		RecordID:              record.ID,
		CompetingCanonicalIDs: competing,
		Reason: fmt.Sprintf("%s scored above merge threshold %.2f against %d distinct clusters",
			record.Key(), e.cfg.MergeThreshold, len(competing)),
		Status:    models.ConflictStatusOpen,
		CreatedAt: now,
	}

	decision := &Decision{Record: record, Outcome: OutcomeConflict, Conflict: &conflict}
	if e.cfg.DryRun {
		return decision, nil
	}

	err := e.store.WithinTx(ctx, func(ctx context.Context) error {
		if err := e.audit.AppendAudit(ctx, models.AuditEntry{
			ID:         uuid.NewString(),
			Timestamp:  now,
			Actor:      e.cfg.Actor,
			Action:     models.AuditActionConflict,
			SubjectIDs: append([]string{record.ID}, competing...),
			Rationale:  conflict.Reason,
		}); err != nil {
			return err
		}
		return e.conflicts.CreateConflict(ctx, conflict)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record conflict for %s: %w", record.Key(), err)
	}

	log.WithFields(map[string]any{"competing": competing}).Warn("Ambiguous match; conflict recorded, record left unresolved")
	return decision, nil
}

func canonicalIDFor(record *models.IdentifierRecord) string {
	if record.StructuralKey != nil && *record.StructuralKey != "" {
		return "inchikey:" + *record.StructuralKey
	}
	return record.Key()
}

func ref(canonicalID string) *string {
	return &canonicalID
}
