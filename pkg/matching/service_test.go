package matching

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/foxglove/pkg/models"
	"github.com/Ramsey-B/foxglove/pkg/store"
)

type fakeCrosswalks struct {
	mappings map[string][]models.NamespaceCrosswalk
	calls    int
}

func (f *fakeCrosswalks) Map(ctx context.Context, namespace, value string) ([]models.NamespaceCrosswalk, error) {
	f.calls++
	return f.mappings[namespace+":"+value], nil
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func strPtr(s string) *string { return &s }

func seedEntity(t *testing.T, mem *store.Memory, canonicalID string, records ...models.IdentifierRecord) {
	t.Helper()
	require.NotEmpty(t, records)

	entity := models.CanonicalEntity{
		CanonicalID: canonicalID,
		EntityType:  records[0].EntityType,
		Confidence:  1.0,
		CreatedAt:   time.Now().UTC(),
	}
	founder := store.Member{Record: records[0], Score: 1.0, AttachedAt: time.Now().UTC()}
	require.NoError(t, mem.CreateEntity(context.Background(), entity, founder))
	for _, record := range records[1:] {
		member := store.Member{Record: record, Score: 1.0, AttachedAt: time.Now().UTC()}
		require.NoError(t, mem.Attach(context.Background(), canonicalID, member, 1.0))
	}
}

func TestProposeExactTier(t *testing.T) {
	mem := store.NewMemory()
	seedEntity(t, mem, "chembl:CHEMBL25", models.IdentifierRecord{
		ID: "r1", Namespace: "chembl", Value: "CHEMBL25", EntityType: "compound", Source: "chembl",
	})

	crosswalks := &fakeCrosswalks{}
	svc := NewService(testLogger(), mem, crosswalks, DefaultConfig())

	record := &models.IdentifierRecord{
		ID: "r2", Namespace: "chembl", Value: "CHEMBL25", EntityType: "compound", Source: "drugbank",
	}
	candidates, err := svc.Propose(context.Background(), record)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "chembl:CHEMBL25", candidates[0].CanonicalID)
	assert.Equal(t, models.MatchTypeExactNamespaceID, candidates[0].MatchType)

	// Exact hits short-circuit: later tiers never run.
	assert.Zero(t, crosswalks.calls)
}

func TestProposeStructuralTier(t *testing.T) {
	mem := store.NewMemory()
	seedEntity(t, mem, "inchikey:BSYNRYMUTXBXSQ-UHFFFAOYSA-N", models.IdentifierRecord{
		ID: "r1", Namespace: "chembl", Value: "CHEMBL25", EntityType: "compound", Source: "chembl",
		StructuralKey: strPtr("BSYNRYMUTXBXSQ-UHFFFAOYSA-N"),
	})

	svc := NewService(testLogger(), mem, &fakeCrosswalks{}, DefaultConfig())

	t.Run("extracted structural key", func(t *testing.T) {
		record := &models.IdentifierRecord{
			ID: "r2", Namespace: "drugbank", Value: "DB00945", EntityType: "compound", Source: "drugbank",
			StructuralKey: strPtr("BSYNRYMUTXBXSQ-UHFFFAOYSA-N"),
		}
		candidates, err := svc.Propose(context.Background(), record)
		require.NoError(t, err)
		require.Len(t, candidates, 1)
		assert.Equal(t, models.MatchTypeNormalizedStructure, candidates[0].MatchType)
		assert.Equal(t, "inchikey:BSYNRYMUTXBXSQ-UHFFFAOYSA-N", candidates[0].CanonicalID)
	})

	t.Run("inchikey value is its own structural key", func(t *testing.T) {
		record := &models.IdentifierRecord{
			ID: "r3", Namespace: "inchikey", Value: "BSYNRYMUTXBXSQ-UHFFFAOYSA-N", EntityType: "compound", Source: "pubchem",
		}
		candidates, err := svc.Propose(context.Background(), record)
		require.NoError(t, err)
		require.Len(t, candidates, 1)
		assert.Equal(t, models.MatchTypeNormalizedStructure, candidates[0].MatchType)
	})
}

func TestProposeCrosswalkTier(t *testing.T) {
	mem := store.NewMemory()
	seedEntity(t, mem, "chembl:CHEMBL25", models.IdentifierRecord{
		ID: "r1", Namespace: "chembl", Value: "CHEMBL25", EntityType: "compound", Source: "chembl",
	})
	seedEntity(t, mem, "chembl:CHEMBL1201", models.IdentifierRecord{
		ID: "r2", Namespace: "chembl", Value: "CHEMBL1201", EntityType: "compound", Source: "chembl",
	})

	crosswalks := &fakeCrosswalks{mappings: map[string][]models.NamespaceCrosswalk{
		"drugbank:DB00945": {
			{FromNamespace: "drugbank", FromValue: "DB00945", ToNamespace: "chembl", ToValue: "CHEMBL1201", Authority: "unichem"},
			{FromNamespace: "drugbank", FromValue: "DB00945", ToNamespace: "chembl", ToValue: "CHEMBL25", Authority: "unichem"},
			// Duplicate mapping to the same cluster must dedupe.
			{FromNamespace: "drugbank", FromValue: "DB00945", ToNamespace: "chembl", ToValue: "CHEMBL25", Authority: "chembl"},
			// Mapping to an unknown key is skipped, not an error.
			{FromNamespace: "drugbank", FromValue: "DB00945", ToNamespace: "pubchem.cid", ToValue: "999999", Authority: "unichem"},
		},
	}}

	svc := NewService(testLogger(), mem, crosswalks, DefaultConfig())

	record := &models.IdentifierRecord{
		ID: "r3", Namespace: "drugbank", Value: "DB00945", EntityType: "compound", Source: "drugbank",
	}
	candidates, err := svc.Propose(context.Background(), record)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "chembl:CHEMBL1201", candidates[0].CanonicalID)
	assert.Equal(t, "chembl:CHEMBL25", candidates[1].CanonicalID)
	for _, c := range candidates {
		assert.Equal(t, models.MatchTypeCrossReferenceTransitive, c.MatchType)
	}
}

func TestProposeFuzzyTier(t *testing.T) {
	aspirin := models.IdentifierRecord{
		ID: "r1", Namespace: "chembl", Value: "CHEMBL25", EntityType: "compound", Source: "chembl",
		DisplayName: strPtr("Aspirin"),
		BlockingKey: strPtr(BlockingKey("compound", "Aspirin")),
	}

	mem := store.NewMemory()
	seedEntity(t, mem, "chembl:CHEMBL25", aspirin)

	svc := NewService(testLogger(), mem, &fakeCrosswalks{}, DefaultConfig())

	t.Run("near name in the same bucket matches", func(t *testing.T) {
		record := &models.IdentifierRecord{
			ID: "r2", Namespace: "mesh", Value: "D001241", EntityType: "compound", Source: "mesh",
			DisplayName: strPtr("aspirine"),
		}
		candidates, err := svc.Propose(context.Background(), record)
		require.NoError(t, err)
		require.Len(t, candidates, 1)
		assert.Equal(t, models.MatchTypeFuzzyName, candidates[0].MatchType)
		assert.Equal(t, "chembl:CHEMBL25", candidates[0].CanonicalID)
		assert.Greater(t, candidates[0].RawScore, 0.8)
	})

	t.Run("salt form normalizes to the parent name", func(t *testing.T) {
		record := &models.IdentifierRecord{
			ID: "r3", Namespace: "drugbank", Value: "DB00945", EntityType: "compound", Source: "drugbank",
			DisplayName: strPtr("ASPIRIN SODIUM"),
		}
		candidates, err := svc.Propose(context.Background(), record)
		require.NoError(t, err)
		require.Len(t, candidates, 1)
		assert.InDelta(t, 1.0, candidates[0].RawScore, 1e-9)
	})

	t.Run("record without a name yields nothing", func(t *testing.T) {
		record := &models.IdentifierRecord{
			ID: "r4", Namespace: "mesh", Value: "D001241", EntityType: "compound", Source: "mesh",
		}
		candidates, err := svc.Propose(context.Background(), record)
		require.NoError(t, err)
		assert.Empty(t, candidates)
	})

	t.Run("dissimilar name below the floor is dropped", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.FuzzyMinSimilarity = 0.95
		strict := NewService(testLogger(), mem, &fakeCrosswalks{}, cfg)

		// Same Soundex bucket as aspirin, but a clearly different name.
		record := &models.IdentifierRecord{
			ID: "r5", Namespace: "mesh", Value: "D001241", EntityType: "compound", Source: "mesh",
			DisplayName: strPtr("aceperone"),
		}
		candidates, err := strict.Propose(context.Background(), record)
		require.NoError(t, err)
		assert.Empty(t, candidates)
	})
}

func TestProposeFuzzyCandidateCap(t *testing.T) {
	mem := store.NewMemory()
	names := []string{"Aspirin", "Aspirin DL-lysine", "Aspirin aluminum", "Aspirin calcium", "Aspirin glycine", "Aspirin magnesium"}
	for i, name := range names {
		record := models.IdentifierRecord{
			ID:        "r" + string(rune('0'+i)),
			Namespace: "pubchem.cid", Value: string(rune('1' + i)), EntityType: "compound", Source: "pubchem",
			DisplayName: strPtr(name),
			BlockingKey: strPtr(BlockingKey("compound", name)),
		}
		seedEntity(t, mem, "pubchem.cid:"+record.Value, record)
	}

	cfg := DefaultConfig()
	cfg.FuzzyMaxCandidates = 3
	svc := NewService(testLogger(), mem, &fakeCrosswalks{}, cfg)

	record := &models.IdentifierRecord{
		ID: "rx", Namespace: "mesh", Value: "D001241", EntityType: "compound", Source: "mesh",
		DisplayName: strPtr("aspirin"),
	}
	candidates, err := svc.Propose(context.Background(), record)
	require.NoError(t, err)
	assert.Len(t, candidates, 3)
	for i := 1; i < len(candidates); i++ {
		assert.GreaterOrEqual(t, candidates[i-1].RawScore, candidates[i].RawScore)
	}
}

func TestBlockingKeyStable(t *testing.T) {
	// Variants of the same name must land in the same bucket.
	assert.Equal(t, BlockingKey("compound", "Aspirin"), BlockingKey("compound", "aspirin hydrochloride"))
	assert.NotEmpty(t, BlockingKey("target", "EGFR"))
	assert.Empty(t, BlockingKey("compound", "   "))
}
