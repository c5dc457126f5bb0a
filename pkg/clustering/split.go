package clustering

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/Ramsey-B/foxglove/internal/appcontext"
	"github.com/Ramsey-B/foxglove/internal/tracing"
	"github.com/Ramsey-B/foxglove/pkg/confidence"
	"github.com/Ramsey-B/foxglove/pkg/models"
	"github.com/Ramsey-B/foxglove/pkg/store"
)

// checkStructuralConsistency inspects a cluster's structural keys after a
// mutation. Two distinct structural keys inside one cluster are strong
// contradicting evidence: the minority subset is split off.
func (e *Engine) checkStructuralConsistency(ctx context.Context, canonicalID string) (*SplitResult, error) {
	members, err := e.store.Members(ctx, canonicalID)
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]store.Member)
	for _, member := range members {
		key := memberStructuralKey(member.Record)
		if key == "" {
			continue
		}
		groups[key] = append(groups[key], member)
	}
	if len(groups) < 2 {
		return nil, nil
	}

	return e.split(ctx, canonicalID, members, groups)
}

// split detaches the minority-evidence subset from a cluster and re-resolves
// the detached records as unresolved, which re-clusters them under a fresh
// canonical ID. The survivor keeps its canonical ID; IDs are never reused.
func (e *Engine) split(ctx context.Context, canonicalID string, members []store.Member, groups map[string][]store.Member) (*SplitResult, error) {
	ctx, span := tracing.StartSpan(ctx, "clustering.Engine.split")
	defer span.End()

	log := e.log.WithContext(ctx).WithFields(map[string]any{"canonical_id": canonicalID})

	survivorKey := survivorStructuralKey(canonicalID, groups)

	var detached []store.Member
	for key, group := range groups {
		if key != survivorKey {
			detached = append(detached, group...)
		}
	}
	sort.Slice(detached, func(i, j int) bool {
		return detached[i].Record.ID < detached[j].Record.ID
	})

	detachedIDs := make([]string, 0, len(detached))
	for _, member := range detached {
		detachedIDs = append(detachedIDs, member.Record.ID)
	}

	// Recompute survivor confidence from the remaining members only.
	remaining := make([]confidence.MemberEvidence, 0, len(members))
	detachedSet := make(map[string]struct{}, len(detachedIDs))
	for _, id := range detachedIDs {
		detachedSet[id] = struct{}{}
	}
	for _, member := range members {
		if _, gone := detachedSet[member.Record.ID]; gone {
			continue
		}
		remaining = append(remaining, confidence.MemberEvidence{Score: member.Score, Source: member.Record.Source})
	}
	survivorConfidence := e.scorer.Aggregate(remaining)

	now := e.now()
	if e.cfg.DryRun {
		return &SplitResult{SurvivorCanonicalID: canonicalID, DetachedRecordIDs: detachedIDs}, nil
	}

	err := e.store.WithinTx(ctx, func(ctx context.Context) error {
		if err := e.audit.AppendAudit(ctx, models.AuditEntry{
			ID:             uuid.NewString(),
			Timestamp:      now,
			Actor:          e.cfg.Actor,
			Action:         models.AuditActionSplit,
			SubjectIDs:     append([]string{canonicalID}, detachedIDs...),
			BeforeStateRef: ref(canonicalID),
			AfterStateRef:  ref(canonicalID),
			Rationale: fmt.Sprintf("structural keys diverge within %s: survivor %q keeps %d members, %d minority-evidence records detached",
				canonicalID, survivorKey, len(remaining), len(detachedIDs)),
		}); err != nil {
			return err
		}
		return e.store.Detach(ctx, canonicalID, detachedIDs, survivorConfidence)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to split %s: %w", canonicalID, err)
	}

	log.WithFields(map[string]any{
		"survivor_key": survivorKey,
		"detached":     len(detachedIDs),
	}).Warn("Split cluster on contradicting structural evidence")

	// Detached records re-enter the state machine as unresolved. They carry
	// their structural keys, so the first re-resolved record founds the new
	// cluster and the rest attach to it.
	result := &SplitResult{SurvivorCanonicalID: canonicalID, DetachedRecordIDs: detachedIDs}
	for _, member := range detached {
		record := member.Record
		record.Status = models.RecordStatusUnresolved
		record.CanonicalID = nil

		candidates, err := e.reproposeDetached(ctx, &record)
		if err != nil {
			return nil, err
		}
		decision, err := e.ResolveRecord(ctx, &record, candidates)
		if err != nil {
			return nil, err
		}
		if result.NewCanonicalID == "" && decision.CanonicalID != canonicalID {
			result.NewCanonicalID = decision.CanonicalID
		}
	}

	return result, nil
}

// reproposeDetached rebuilds candidates for a detached record using the
// store indexes only (exact + structural). The fuzzy tier is deliberately
// skipped: re-homing a split record on name similarity could recreate the
// over-eager merge the split just undid.
func (e *Engine) reproposeDetached(ctx context.Context, record *models.IdentifierRecord) ([]models.MatchCandidate, error) {
	var candidates []models.MatchCandidate

	if id, err := e.store.Resolve(ctx, record.Namespace, record.Value); err == nil {
		candidates = append(candidates, models.MatchCandidate{
			Record:      record,
			CanonicalID: id,
			MatchType:   models.MatchTypeExactNamespaceID,
			RawScore:    1.0,
		})
	}

	if key := memberStructuralKey(*record); key != "" {
		if id, err := e.store.ResolveStructural(ctx, key); err == nil {
			candidates = append(candidates, models.MatchCandidate{
				Record:      record,
				CanonicalID: id,
				MatchType:   models.MatchTypeNormalizedStructure,
				RawScore:    1.0,
			})
		}
	}

	return candidates, nil
}

// ApplyConflictResolution applies an explicit operator decision for an open
// conflict: attach the record to the named winner, or dismiss the conflict
// and leave the record unresolved. This is the only path that closes a
// conflict; the engine itself never auto-resolves one.
func (e *Engine) ApplyConflictResolution(
	ctx context.Context,
	conflict *models.ConflictRecord,
	record *models.IdentifierRecord,
	req models.ResolveConflictRequest,
) (*Decision, error) {
	ctx, span := tracing.StartSpan(ctx, "clustering.Engine.ApplyConflictResolution")
	defer span.End()

	log := e.log.WithContext(ctx).WithFields(map[string]any{
		"conflict_id": conflict.ID,
		"record_id":   record.ID,
	})

	if conflict.Status != models.ConflictStatusOpen {
		return nil, fmt.Errorf("conflict %s is not open", conflict.ID)
	}

	actor := appcontext.GetActor(ctx)
	if actor == "" {
		actor = "operator"
	}

	now := e.now()

	// Dismissal: close the conflict, record stays unresolved.
	if req.WinnerCanonicalID == "" {
		err := e.store.WithinTx(ctx, func(ctx context.Context) error {
			if err := e.audit.AppendAudit(ctx, models.AuditEntry{
				ID:         uuid.NewString(),
				Timestamp:  now,
				Actor:      actor,
				Action:     models.AuditActionConflict,
				SubjectIDs: []string{conflict.ID, record.ID},
				Rationale:  "dismissed: " + req.Rationale,
			}); err != nil {
				return err
			}
			return e.conflicts.ResolveConflict(ctx, conflict.ID, "dismissed: "+req.Rationale)
		})
		if err != nil {
			return nil, err
		}
		log.Info("Conflict dismissed")
		return &Decision{Record: record, Outcome: OutcomeConflict, Conflict: conflict}, nil
	}

	valid := false
	for _, id := range conflict.CompetingCanonicalIDs {
		if id == req.WinnerCanonicalID {
			valid = true
			break
		}
	}
	if !valid {
		return nil, fmt.Errorf("canonical entity %s is not among the conflict's competing clusters", req.WinnerCanonicalID)
	}

	members, err := e.store.Members(ctx, req.WinnerCanonicalID)
	if err != nil {
		return nil, err
	}
	evidence := make([]confidence.MemberEvidence, 0, len(members)+1)
	for _, member := range members {
		evidence = append(evidence, confidence.MemberEvidence{Score: member.Score, Source: member.Record.Source})
	}
	// An explicit operator decision is authoritative evidence.
	evidence = append(evidence, confidence.MemberEvidence{Score: 1.0, Source: record.Source})
	aggregate := e.scorer.Aggregate(evidence)

	attached := *record
	attached.Status = models.RecordStatusAttached
	attached.CanonicalID = &req.WinnerCanonicalID
	member := store.Member{Record: attached, Score: 1.0, AttachedAt: now}

	err = e.store.WithinTx(ctx, func(ctx context.Context) error {
		if err := e.audit.AppendAudit(ctx, models.AuditEntry{
			ID:             uuid.NewString(),
			Timestamp:      now,
			Actor:          actor,
			Action:         models.AuditActionMerge,
			SubjectIDs:     []string{record.ID, req.WinnerCanonicalID, conflict.ID},
			BeforeStateRef: ref(req.WinnerCanonicalID),
			AfterStateRef:  ref(req.WinnerCanonicalID),
			Rationale:      "conflict resolved by operator: " + req.Rationale,
		}); err != nil {
			return err
		}
		if err := e.store.Attach(ctx, req.WinnerCanonicalID, member, aggregate); err != nil {
			return err
		}
		return e.conflicts.ResolveConflict(ctx, conflict.ID, "attached to "+req.WinnerCanonicalID+": "+req.Rationale)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply conflict resolution: %w", err)
	}

	log.WithFields(map[string]any{"winner": req.WinnerCanonicalID}).Info("Conflict resolved")
	return &Decision{Record: record, Outcome: OutcomeAttached, CanonicalID: req.WinnerCanonicalID, Confidence: aggregate}, nil
}

// survivorStructuralKey decides which structural-key group keeps the
// canonical ID: the largest group, then the group matching the canonical
// ID's own key suffix, then the lexically smallest key. Deterministic.
func survivorStructuralKey(canonicalID string, groups map[string][]store.Member) string {
	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	best := keys[0]
	for _, key := range keys[1:] {
		switch {
		case len(groups[key]) > len(groups[best]):
			best = key
		case len(groups[key]) == len(groups[best]) && canonicalID == "inchikey:"+key:
			best = key
		}
	}
	return best
}

func memberStructuralKey(record models.IdentifierRecord) string {
	if record.StructuralKey != nil && *record.StructuralKey != "" {
		return *record.StructuralKey
	}
	if record.Namespace == "inchikey" {
		return record.Value
	}
	return ""
}
