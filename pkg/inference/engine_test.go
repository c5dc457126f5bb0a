package inference

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/foxglove/pkg/models"
	"github.com/Ramsey-B/foxglove/pkg/store"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func snapshot(takenAt time.Time, entities ...models.CanonicalEntity) *store.Snapshot {
	snap := &store.Snapshot{
		Version:  1,
		TakenAt:  takenAt,
		Entities: make(map[string]models.CanonicalEntity),
	}
	for _, e := range entities {
		snap.Entities[e.CanonicalID] = e
	}
	return snap
}

func entity(id, entityType string) models.CanonicalEntity {
	return models.CanonicalEntity{CanonicalID: id, EntityType: entityType, Confidence: 1.0}
}

func edge(from, to, edgeType string, confidence float64) models.AssertedEdge {
	return models.AssertedEdge{FromID: from, ToID: to, EdgeType: edgeType, Confidence: confidence, Source: "test"}
}

// safetySignalFixture wires the three-hop target safety chain:
// target -> trial -> filing -> concept.
func safetySignalFixture() (*store.Snapshot, *Graph, time.Time) {
	takenAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := snapshot(takenAt,
		entity("uniprot:P00533", "target"),
		entity("nct:NCT01234567", "trial"),
		entity("fda.nda:NDA020702", "filing"),
		entity("mesh:D000077287", "concept"),
	)
	graph := NewGraph([]models.AssertedEdge{
		edge("uniprot:P00533", "nct:NCT01234567", "studied_in", 0.9),
		edge("nct:NCT01234567", "fda.nda:NDA020702", "identifies_risk", 0.8),
		edge("fda.nda:NDA020702", "mesh:D000077287", "manifests_as", 1.0),
	})
	return snap, graph, takenAt
}

func TestInferDerivesChain(t *testing.T) {
	snap, graph, takenAt := safetySignalFixture()
	engine := NewEngine(testLogger(), DefaultConfig())

	result, err := engine.Infer(context.Background(), snap, graph, DefaultRules())
	require.NoError(t, err)
	require.Len(t, result.Relationships, 1)
	assert.Empty(t, result.Skipped)

	rel := result.Relationships[0]
	assert.Equal(t, "R-001", rel.RuleID)
	assert.Equal(t, "uniprot:P00533", rel.SourceCanonicalID)
	assert.Equal(t, "mesh:D000077287", rel.TargetCanonicalID)
	assert.Equal(t, "has_safety_signal", rel.RelationType)

	// Confidence is the product of prior and per-hop confidences.
	assert.InDelta(t, 1.0*0.9*0.8*1.0, rel.Confidence, 1e-9)

	// The full evidence path is carried, and the timestamp comes from the
	// snapshot, not the wall clock.
	require.Len(t, rel.EvidencePath, 3)
	assert.Equal(t, models.EvidenceHop{EdgeType: "studied_in", EntityID: "nct:NCT01234567"}, rel.EvidencePath[0])
	assert.Equal(t, models.EvidenceHop{EdgeType: "manifests_as", EntityID: "mesh:D000077287"}, rel.EvidencePath[2])
	assert.Equal(t, takenAt, rel.InferredAt)
}

func TestInferDeterministic(t *testing.T) {
	takenAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := snapshot(takenAt,
		entity("chembl:CHEMBL25", "compound"),
		entity("chembl:CHEMBL1201", "compound"),
		entity("nct:NCT01234567", "trial"),
		entity("nct:NCT07654321", "trial"),
		entity("uniprot:P00533", "target"),
		entity("mesh:D000077287", "concept"),
	)
	graph := NewGraph([]models.AssertedEdge{
		edge("chembl:CHEMBL25", "nct:NCT01234567", "tested_in", 0.9),
		edge("chembl:CHEMBL25", "nct:NCT07654321", "tested_in", 0.8),
		edge("chembl:CHEMBL1201", "nct:NCT01234567", "tested_in", 0.7),
		edge("nct:NCT01234567", "uniprot:P00533", "investigates", 0.95),
		edge("nct:NCT07654321", "uniprot:P00533", "investigates", 0.85),
		edge("nct:NCT01234567", "mesh:D000077287", "annotated_with", 1.0),
	})
	engine := NewEngine(testLogger(), DefaultConfig())

	first, err := engine.Infer(context.Background(), snap, graph, DefaultRules())
	require.NoError(t, err)
	second, err := engine.Infer(context.Background(), snap, graph, DefaultRules())
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestInferDedupesKeepingBestPath(t *testing.T) {
	takenAt := time.Now().UTC()
	snap := snapshot(takenAt,
		entity("chembl:CHEMBL25", "compound"),
		entity("nct:NCT01234567", "trial"),
		entity("nct:NCT07654321", "trial"),
		entity("uniprot:P00533", "target"),
	)
	// Two paths derive the same (compound, target) pair at different
	// confidences; only the stronger survives.
	graph := NewGraph([]models.AssertedEdge{
		edge("chembl:CHEMBL25", "nct:NCT01234567", "tested_in", 0.9),
		edge("chembl:CHEMBL25", "nct:NCT07654321", "tested_in", 0.5),
		edge("nct:NCT01234567", "uniprot:P00533", "investigates", 1.0),
		edge("nct:NCT07654321", "uniprot:P00533", "investigates", 1.0),
	})
	engine := NewEngine(testLogger(), DefaultConfig())

	result, err := engine.Infer(context.Background(), snap, graph, []Rule{
		{ID: "R-002", StartEntityType: "compound", Path: []string{"tested_in", "investigates"}, RelationType: "modulates", Prior: 0.9},
	})
	require.NoError(t, err)
	require.Len(t, result.Relationships, 1)
	assert.InDelta(t, 0.9*0.9*1.0, result.Relationships[0].Confidence, 1e-9)
	assert.Equal(t, "nct:NCT01234567", result.Relationships[0].EvidencePath[0].EntityID)
}

func TestInferCycleSafe(t *testing.T) {
	takenAt := time.Now().UTC()
	snap := snapshot(takenAt, entity("a", "target"))
	// a -> b -> a cycle under a single edge type.
	graph := NewGraph([]models.AssertedEdge{
		edge("a", "b", "studied_in", 1.0),
		edge("b", "a", "studied_in", 1.0),
	})
	engine := NewEngine(testLogger(), DefaultConfig())

	result, err := engine.Infer(context.Background(), snap, graph, []Rule{
		{ID: "R-X", StartEntityType: "target", Path: []string{"studied_in", "studied_in", "studied_in"}, RelationType: "loops", Prior: 1.0},
	})
	require.NoError(t, err)
	// The only path revisits a and terminates; nothing is derived.
	assert.Empty(t, result.Relationships)
	assert.Empty(t, result.Skipped)
}

func TestInferSkipsTombstones(t *testing.T) {
	takenAt := time.Now().UTC()
	dead := entity("uniprot:P00533", "target")
	dead.Tombstone = true
	snap := snapshot(takenAt, dead, entity("nct:NCT01234567", "trial"))
	graph := NewGraph([]models.AssertedEdge{
		edge("uniprot:P00533", "nct:NCT01234567", "studied_in", 1.0),
	})
	engine := NewEngine(testLogger(), DefaultConfig())

	result, err := engine.Infer(context.Background(), snap, graph, []Rule{
		{ID: "R-X", StartEntityType: "target", Path: []string{"studied_in"}, RelationType: "x", Prior: 1.0},
	})
	require.NoError(t, err)
	assert.Empty(t, result.Relationships)
}

func TestInferFanOutCap(t *testing.T) {
	takenAt := time.Now().UTC()
	snap := snapshot(takenAt, entity("hub", "target"))

	var edges []models.AssertedEdge
	for i := 0; i < 10; i++ {
		edges = append(edges, edge("hub", "t"+string(rune('a'+i)), "studied_in", 1.0))
	}
	graph := NewGraph(edges)

	cfg := DefaultConfig()
	cfg.FanOutCap = 5
	engine := NewEngine(testLogger(), cfg)

	result, err := engine.Infer(context.Background(), snap, graph, []Rule{
		{ID: "R-X", StartEntityType: "target", Path: []string{"studied_in"}, RelationType: "x", Prior: 1.0},
	})
	require.NoError(t, err)

	// The hub derivation is skipped, not failed.
	assert.Empty(t, result.Relationships)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, "hub", result.Skipped[0].StartID)
	assert.Contains(t, result.Skipped[0].Reason, "fan-out")
	assert.ErrorIs(t, result.Skipped[0].Err(), ErrBudgetExceeded)
}

func TestInferMaxDepthSkipsRule(t *testing.T) {
	snap, graph, _ := safetySignalFixture()

	cfg := DefaultConfig()
	cfg.MaxDepth = 2
	engine := NewEngine(testLogger(), cfg)

	// R-001 needs three hops, so it is dropped under a depth limit of two.
	result, err := engine.Infer(context.Background(), snap, graph, DefaultRules())
	require.NoError(t, err)
	for _, rel := range result.Relationships {
		assert.NotEqual(t, "R-001", rel.RuleID)
	}
}

func TestInferCancelled(t *testing.T) {
	snap, graph, _ := safetySignalFixture()
	engine := NewEngine(testLogger(), DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Infer(ctx, snap, graph, DefaultRules())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
