package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/foxglove/pkg/clustering"
	"github.com/Ramsey-B/foxglove/pkg/confidence"
	"github.com/Ramsey-B/foxglove/pkg/matching"
	"github.com/Ramsey-B/foxglove/pkg/models"
	"github.com/Ramsey-B/foxglove/pkg/registry"
	"github.com/Ramsey-B/foxglove/pkg/store"
)

type memCrosswalks struct {
	mappings map[string][]models.NamespaceCrosswalk
}

func (m *memCrosswalks) Map(ctx context.Context, namespace, value string) ([]models.NamespaceCrosswalk, error) {
	if m == nil || m.mappings == nil {
		return nil, nil
	}
	return m.mappings[namespace+":"+value], nil
}

type memConflicts struct {
	mu      sync.Mutex
	created []models.ConflictRecord
}

func (m *memConflicts) CreateConflict(ctx context.Context, conflict models.ConflictRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, conflict)
	return nil
}

func (m *memConflicts) ResolveConflict(ctx context.Context, conflictID string, resolution string) error {
	return nil
}

func (m *memConflicts) OpenConflictForRecord(ctx context.Context, recordID string) (*models.ConflictRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.created {
		if m.created[i].RecordID == recordID {
			return &m.created[i], nil
		}
	}
	return nil, nil
}

type memSink struct {
	mu        sync.Mutex
	decisions []*clustering.Decision
}

func (m *memSink) EmitDecision(ctx context.Context, decision *clustering.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, decision)
	return nil
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func strPtr(s string) *string { return &s }

type harness struct {
	mem       *store.Memory
	conflicts *memConflicts
	sink      *memSink
	resolver  *Resolver
}

func newHarness(t *testing.T, crosswalks *memCrosswalks, cfg Config) *harness {
	t.Helper()

	mem := store.NewMemory()
	conflicts := &memConflicts{}
	sink := &memSink{}
	log := testLogger()
	scorer := confidence.NewScorer(confidence.DefaultConfig())

	matcher := matching.NewService(log, mem, crosswalks, matching.DefaultConfig())
	engineCfg := clustering.DefaultConfig()
	engineCfg.DryRun = cfg.DryRun
	engine := clustering.NewEngine(log, mem, mem, conflicts, scorer, engineCfg)

	resolver := NewResolver(log, registry.NewRegistry(), matcher, engine, crosswalks, cfg)
	resolver.SetEvents(sink)
	return &harness{mem: mem, conflicts: conflicts, sink: sink, resolver: resolver}
}

func request(namespace, value, entityType, source string) models.CreateIdentifierRecordRequest {
	return models.CreateIdentifierRecordRequest{
		Namespace:   namespace,
		Value:       value,
		EntityType:  entityType,
		Source:      source,
		ExtractedAt: time.Now().UTC(),
	}
}

func TestResolveBatch(t *testing.T) {
	h := newHarness(t, nil, DefaultConfig())

	requests := []models.CreateIdentifierRecordRequest{
		request("chembl", "CHEMBL25", "compound", "chembl"),
		request("drugbank", "DB00945", "compound", "drugbank"),
		request("uniprot", "P00533", "target", "uniprot"),
		request("nct", "NCT01234567", "trial", "ctgov"),
	}

	report, err := h.resolver.Resolve(context.Background(), requests)
	require.NoError(t, err)

	assert.Equal(t, 4, report.Processed)
	assert.Equal(t, 4, report.Created)
	assert.Zero(t, report.Attached)
	assert.Zero(t, report.Rejected)
	assert.False(t, report.Fatal)
	assert.Empty(t, report.Failures)

	for _, key := range [][2]string{
		{"chembl", "CHEMBL25"},
		{"drugbank", "DB00945"},
		{"uniprot", "P00533"},
		{"nct", "NCT01234567"},
	} {
		_, err := h.mem.Resolve(context.Background(), key[0], key[1])
		assert.NoError(t, err, "%s:%s not resolved", key[0], key[1])
	}

	// Every committed decision reached the event sink.
	assert.Len(t, h.sink.decisions, 4)
}

func TestResolveRejectsInvalidRequests(t *testing.T) {
	h := newHarness(t, nil, DefaultConfig())

	report, err := h.resolver.Resolve(context.Background(), []models.CreateIdentifierRecordRequest{
		request("chembl", "not-a-chembl-id", "compound", "chembl"),
		request("chebi", "CHEBI:15365", "compound", "chebi"),
		request("chembl", "chembl25", "compound", "chembl"),
	})
	require.NoError(t, err)

	// Malformed and unknown-namespace requests are rejected up front; the
	// case-variant one normalizes and goes through.
	assert.Equal(t, 2, report.Rejected)
	assert.Equal(t, 1, report.Processed)
	require.Len(t, report.Failures, 2)
	for _, failure := range report.Failures {
		assert.Empty(t, failure.RecordID)
		assert.NotEmpty(t, failure.Reason)
	}
}

func TestResolveStructuralMergeAcrossSources(t *testing.T) {
	h := newHarness(t, nil, Config{Shards: 4})

	inchikey := "BSYNRYMUTXBXSQ-UHFFFAOYSA-N"
	reqA := request("chembl", "CHEMBL25", "compound", "chembl")
	reqA.StructuralKey = strPtr(inchikey)
	reqB := request("drugbank", "DB00945", "compound", "drugbank")
	reqB.StructuralKey = strPtr(inchikey)

	report, err := h.resolver.Resolve(context.Background(), []models.CreateIdentifierRecordRequest{reqA, reqB})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Attached)

	members, err := h.mem.Members(context.Background(), "inchikey:"+inchikey)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestPartitionDefersMultiAxisRecords(t *testing.T) {
	h := newHarness(t, nil, Config{Shards: 8})

	inchikey := "RZVAJINKPMORJF-UHFFFAOYSA-N"
	named := request("chembl", "CHEMBL112", "compound", "chembl")
	named.DisplayName = strPtr("Paracetamol")
	structural := request("drugbank", "DB00316", "compound", "drugbank")
	structural.StructuralKey = strPtr(inchikey)
	structuralNamespace := request("inchikey", inchikey, "compound", "pubchem")
	bare := request("nct", "NCT01234567", "trial", "ctgov")

	report := &RunReport{}
	sharded, deferred := h.resolver.partition(context.Background(),
		[]models.CreateIdentifierRecordRequest{named, structural, structuralNamespace, bare}, report)

	// A name or structural key opens a second match axis, so those records
	// all go through the serialized pass where they share one writer with
	// any potential neighbor. Only the bare record is sharded.
	require.Len(t, deferred, 3)
	total := 0
	for _, shard := range sharded {
		total += len(shard)
	}
	assert.Equal(t, 1, total)
}

func TestPartitionCoLocatesExactNeighbors(t *testing.T) {
	h := newHarness(t, nil, Config{Shards: 8})

	report := &RunReport{}
	sharded, deferred := h.resolver.partition(context.Background(),
		[]models.CreateIdentifierRecordRequest{
			request("nct", "NCT01234567", "trial", "ctgov"),
			request("nct", "NCT01234567", "trial", "eudract"),
		}, report)

	require.Empty(t, deferred)
	var occupied []int
	for i, shard := range sharded {
		if len(shard) > 0 {
			occupied = append(occupied, i)
		}
	}
	require.Len(t, occupied, 1)
	assert.Len(t, sharded[occupied[0]], 2)
}

func TestResolveStructuralMergeNamedAndUnnamed(t *testing.T) {
	h := newHarness(t, nil, Config{Shards: 8})

	inchikey := "BSYNRYMUTXBXSQ-UHFFFAOYSA-N"
	named := request("chembl", "CHEMBL25", "compound", "chembl")
	named.DisplayName = strPtr("Aspirin")
	named.StructuralKey = strPtr(inchikey)
	unnamed := request("drugbank", "DB00945", "compound", "drugbank")
	unnamed.StructuralKey = strPtr(inchikey)

	// The named record must not end up on a different writer than the
	// unnamed one sharing its structural key.
	report, err := h.resolver.Resolve(context.Background(), []models.CreateIdentifierRecordRequest{named, unnamed})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Attached)
	members, err := h.mem.Members(context.Background(), "inchikey:"+inchikey)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestResolveCrosswalkSecondPass(t *testing.T) {
	crosswalks := &memCrosswalks{mappings: map[string][]models.NamespaceCrosswalk{
		"drugbank:DB00945": {
			{FromNamespace: "drugbank", FromValue: "DB00945", ToNamespace: "chembl", ToValue: "CHEMBL25", Authority: "unichem"},
		},
	}}
	h := newHarness(t, crosswalks, DefaultConfig())

	// The crosswalk-reachable record merges transitively even though the two
	// records share no shard, name, or structural key.
	report, err := h.resolver.Resolve(context.Background(), []models.CreateIdentifierRecordRequest{
		request("drugbank", "DB00945", "compound", "drugbank"),
		request("chembl", "CHEMBL25", "compound", "chembl"),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Attached)

	members, err := h.mem.Members(context.Background(), "chembl:CHEMBL25")
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestResolveEntityTypeFilter(t *testing.T) {
	h := newHarness(t, nil, Config{Shards: 2, EntityType: "target"})

	report, err := h.resolver.Resolve(context.Background(), []models.CreateIdentifierRecordRequest{
		request("chembl", "CHEMBL25", "compound", "chembl"),
		request("uniprot", "P00533", "target", "uniprot"),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Processed)
	_, err = h.mem.Resolve(context.Background(), "chembl", "CHEMBL25")
	assert.Error(t, err)
}

func TestResolveDryRunCommitsNothing(t *testing.T) {
	h := newHarness(t, nil, Config{Shards: 2, DryRun: true})

	report, err := h.resolver.Resolve(context.Background(), []models.CreateIdentifierRecordRequest{
		request("chembl", "CHEMBL25", "compound", "chembl"),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Created)
	_, err = h.mem.Lookup(context.Background(), "chembl:CHEMBL25")
	assert.Error(t, err)
	assert.Empty(t, h.mem.AuditEntries())
	assert.Empty(t, h.sink.decisions)
}

func TestResolveDeterministicAcrossShardCounts(t *testing.T) {
	requests := []models.CreateIdentifierRecordRequest{
		request("chembl", "CHEMBL25", "compound", "chembl"),
		request("chembl", "CHEMBL1201", "compound", "chembl"),
		request("pubchem.cid", "2244", "compound", "pubchem"),
		request("uniprot", "P00533", "target", "uniprot"),
		request("hgnc", "HGNC:3236", "target", "hgnc"),
		request("nct", "NCT01234567", "trial", "ctgov"),
	}

	canonicalIDs := func(shards int) []string {
		h := newHarness(t, nil, Config{Shards: shards})
		_, err := h.resolver.Resolve(context.Background(), requests)
		require.NoError(t, err)
		snap, err := h.mem.Snapshot(context.Background())
		require.NoError(t, err)
		return snap.EntityIDs()
	}

	assert.Equal(t, canonicalIDs(1), canonicalIDs(8))
}
