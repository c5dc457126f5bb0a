// Package inference derives cross-domain relationships by bounded
// breadth-first traversal of the asserted-edge graph. Inference is read-only
// against a versioned snapshot, so derivations for different starting
// entities are independent and safe to run in parallel.
package inference

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/foxglove/internal/tracing"
	"github.com/Ramsey-B/foxglove/pkg/models"
	"github.com/Ramsey-B/foxglove/pkg/store"
)

// ErrBudgetExceeded classifies a traversal bound hit. It is carried inside a
// Skip, never returned as a run error: one exhausted derivation does not fail
// the batch.
var ErrBudgetExceeded = errors.New("traversal budget exceeded")

// Config bounds every traversal. A budget hit aborts only the affected
// derivation, recorded as skipped rather than failed.
type Config struct {
	MaxDepth    int           // hop limit per derivation (default: 3)
	FanOutCap   int           // max outgoing edges expanded per node (default: 64)
	StartBudget time.Duration // wall-clock limit per starting entity (default: 5s)
}

// DefaultConfig returns the default traversal bounds.
func DefaultConfig() Config {
	return Config{
		MaxDepth:    3,
		FanOutCap:   64,
		StartBudget: 5 * time.Second,
	}
}

// Skip records one derivation that hit a traversal budget.
type Skip struct {
	RuleID   string `json:"rule_id"`
	StartID  string `json:"start_id"`
	Reason   string `json:"reason"`
	HopsDone int    `json:"hops_done"`
}

// Err returns the classifying error for a budget skip. Cancellation skips
// report the context error instead.
func (s Skip) Err() error {
	if s.Reason == "cancelled" {
		return context.Canceled
	}
	return fmt.Errorf("%w: %s", ErrBudgetExceeded, s.Reason)
}

// Result is the outcome of one inference run.
type Result struct {
	Relationships []models.InferredRelationship
	Skipped       []Skip
}

// Graph is an immutable adjacency view over a set of asserted edges.
// Edges are sorted per node so traversal order is deterministic.
type Graph struct {
	outgoing map[string][]models.AssertedEdge
}

// NewGraph indexes asserted edges for traversal.
func NewGraph(edges []models.AssertedEdge) *Graph {
	outgoing := make(map[string][]models.AssertedEdge)
	for _, edge := range edges {
		outgoing[edge.FromID] = append(outgoing[edge.FromID], edge)
	}
	for _, adj := range outgoing {
		sort.Slice(adj, func(i, j int) bool {
			if adj[i].EdgeType != adj[j].EdgeType {
				return adj[i].EdgeType < adj[j].EdgeType
			}
			return adj[i].ToID < adj[j].ToID
		})
	}
	return &Graph{outgoing: outgoing}
}

// EdgesFrom returns the outgoing edges of a node with the given edge type.
func (g *Graph) EdgesFrom(nodeID, edgeType string) []models.AssertedEdge {
	adj := g.outgoing[nodeID]
	out := make([]models.AssertedEdge, 0, len(adj))
	for _, edge := range adj {
		if edge.EdgeType == edgeType {
			out = append(out, edge)
		}
	}
	return out
}

// Engine runs rule-driven inference over a store snapshot.
type Engine struct {
	log ectologger.Logger
	cfg Config
}

// NewEngine creates an inference engine.
func NewEngine(log ectologger.Logger, cfg Config) *Engine {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}
	if cfg.FanOutCap <= 0 {
		cfg.FanOutCap = 64
	}
	if cfg.StartBudget <= 0 {
		cfg.StartBudget = 5 * time.Second
	}
	return &Engine{log: log, cfg: cfg}
}

// Infer derives relationships for every rule against the snapshot and graph.
// Re-running against an unchanged snapshot reproduces a byte-identical
// result: starting entities, adjacency, and output are all sorted, and
// InferredAt is taken from the snapshot version time, not the wall clock.
func (e *Engine) Infer(ctx context.Context, snapshot *store.Snapshot, graph *Graph, rules []Rule) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "inference.Engine.Infer")
	defer span.End()

	log := e.log.WithContext(ctx).WithFields(map[string]any{
		"snapshot_version": snapshot.Version,
		"rules":            len(rules),
	})

	result := &Result{}
	inferredAt := snapshot.TakenAt

	for _, rule := range SortRules(rules) {
		if len(rule.Path) > e.cfg.MaxDepth {
			log.WithFields(map[string]any{"rule_id": rule.ID}).Warn("Rule path exceeds max depth; rule skipped entirely")
			continue
		}
		for _, startID := range snapshot.EntityIDs() {
			entity, ok := snapshot.Lookup(startID)
			if !ok || entity.Tombstone || entity.EntityType != rule.StartEntityType {
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("inference cancelled: %w", err)
			}

			derived, skip := e.traverse(ctx, graph, rule, startID, inferredAt)
			if skip != nil {
				result.Skipped = append(result.Skipped, *skip)
				continue
			}
			result.Relationships = append(result.Relationships, derived...)
		}
	}

	result.Relationships = dedupe(result.Relationships)
	sortRelationships(result.Relationships)

	log.WithFields(map[string]any{
		"inferred": len(result.Relationships),
		"skipped":  len(result.Skipped),
	}).Info("Inference run complete")
	return result, nil
}

// pathState is one partial derivation in the BFS frontier.
type pathState struct {
	nodeID     string
	hops       []models.EvidenceHop
	confidence float64
	visited    map[string]struct{}
}

// traverse runs one bounded BFS from a single starting entity. Traversal is
// iterative, never recursive: the frontier advances one rule hop at a time.
// A per-path visited set makes cycles terminate, and the fan-out cap plus
// wall-clock budget bound hub explosion. Budget hits abort this derivation
// only.
func (e *Engine) traverse(ctx context.Context, graph *Graph, rule Rule, startID string, inferredAt time.Time) ([]models.InferredRelationship, *Skip) {
	deadline := time.Now().Add(e.cfg.StartBudget)

	frontier := []pathState{{
		nodeID:     startID,
		confidence: rule.Prior,
		visited:    map[string]struct{}{startID: {}},
	}}

	for depth, edgeType := range rule.Path {
		if time.Now().After(deadline) {
			return nil, &Skip{RuleID: rule.ID, StartID: startID, Reason: "wall-clock budget exceeded", HopsDone: depth}
		}
		if err := ctx.Err(); err != nil {
			return nil, &Skip{RuleID: rule.ID, StartID: startID, Reason: "cancelled", HopsDone: depth}
		}

		var next []pathState
		for _, state := range frontier {
			edges := graph.EdgesFrom(state.nodeID, edgeType)
			if len(edges) > e.cfg.FanOutCap {
				return nil, &Skip{
					RuleID:   rule.ID,
					StartID:  startID,
					Reason:   fmt.Sprintf("fan-out %d exceeds cap %d at %s", len(edges), e.cfg.FanOutCap, state.nodeID),
					HopsDone: depth,
				}
			}
			for _, edge := range edges {
				if _, seen := state.visited[edge.ToID]; seen {
					continue
				}
				visited := make(map[string]struct{}, len(state.visited)+1)
				for id := range state.visited {
					visited[id] = struct{}{}
				}
				visited[edge.ToID] = struct{}{}

				hops := make([]models.EvidenceHop, len(state.hops), len(state.hops)+1)
				copy(hops, state.hops)
				hops = append(hops, models.EvidenceHop{EdgeType: edge.EdgeType, EntityID: edge.ToID})

				next = append(next, pathState{
					nodeID:     edge.ToID,
					hops:       hops,
					confidence: state.confidence * edge.Confidence,
					visited:    visited,
				})
			}
		}
		frontier = next
		if len(frontier) == 0 {
			return nil, nil
		}
	}

	out := make([]models.InferredRelationship, 0, len(frontier))
	for _, state := range frontier {
		out = append(out, models.InferredRelationship{
			SourceCanonicalID: startID,
			TargetCanonicalID: state.nodeID,
			RelationType:      rule.RelationType,
			Confidence:        state.confidence,
			EvidencePath:      state.hops,
			RuleID:            rule.ID,
			InferredAt:        inferredAt,
		})
	}
	return out, nil
}

// dedupe collapses multiple paths that derive the same (rule, source, target)
// pair, keeping the highest-confidence path. Ties break on the lexically
// smaller evidence path so the survivor is deterministic.
func dedupe(rels []models.InferredRelationship) []models.InferredRelationship {
	type key struct{ ruleID, source, target string }
	best := make(map[key]models.InferredRelationship)
	order := make([]key, 0, len(rels))

	for _, rel := range rels {
		k := key{rel.RuleID, rel.SourceCanonicalID, rel.TargetCanonicalID}
		existing, ok := best[k]
		if !ok {
			best[k] = rel
			order = append(order, k)
			continue
		}
		if rel.Confidence > existing.Confidence ||
			(rel.Confidence == existing.Confidence && pathKey(rel.EvidencePath) < pathKey(existing.EvidencePath)) {
			best[k] = rel
		}
	}

	out := make([]models.InferredRelationship, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}

func pathKey(hops []models.EvidenceHop) string {
	key := ""
	for _, hop := range hops {
		key += hop.EdgeType + ">" + hop.EntityID + "|"
	}
	return key
}

func sortRelationships(rels []models.InferredRelationship) {
	sort.Slice(rels, func(i, j int) bool {
		if rels[i].RuleID != rels[j].RuleID {
			return rels[i].RuleID < rels[j].RuleID
		}
		if rels[i].SourceCanonicalID != rels[j].SourceCanonicalID {
			return rels[i].SourceCanonicalID < rels[j].SourceCanonicalID
		}
		return rels[i].TargetCanonicalID < rels[j].TargetCanonicalID
	})
}
