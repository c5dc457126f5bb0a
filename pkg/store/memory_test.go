package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/foxglove/pkg/models"
)

func strPtr(s string) *string { return &s }

func memberFor(id, namespace, value, source string) Member {
	return Member{
		Record: models.IdentifierRecord{
			ID:         id,
			Namespace:  namespace,
			Value:      value,
			EntityType: "compound",
			Source:     source,
			Status:     models.RecordStatusAttached,
		},
		Score:      1.0,
		AttachedAt: time.Now().UTC(),
	}
}

func TestMemoryCreateAndResolve(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	founder := memberFor("r1", "chembl", "CHEMBL25", "chembl")
	founder.Record.StructuralKey = strPtr("BSYNRYMUTXBXSQ-UHFFFAOYSA-N")
	entity := models.CanonicalEntity{CanonicalID: "c1", EntityType: "compound", Confidence: 1.0}
	require.NoError(t, mem.CreateEntity(ctx, entity, founder))

	id, err := mem.Resolve(ctx, "chembl", "CHEMBL25")
	require.NoError(t, err)
	assert.Equal(t, "c1", id)

	id, err = mem.ResolveStructural(ctx, "BSYNRYMUTXBXSQ-UHFFFAOYSA-N")
	require.NoError(t, err)
	assert.Equal(t, "c1", id)

	got, err := mem.Lookup(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)

	// Duplicate canonical IDs are a programming error, not an upsert.
	assert.Error(t, mem.CreateEntity(ctx, entity, founder))

	_, err = mem.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = mem.Resolve(ctx, "chembl", "CHEMBL0")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryDetachTombstones(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	founder := memberFor("r1", "chembl", "CHEMBL25", "chembl")
	entity := models.CanonicalEntity{CanonicalID: "c1", EntityType: "compound", Confidence: 1.0}
	require.NoError(t, mem.CreateEntity(ctx, entity, founder))
	require.NoError(t, mem.Attach(ctx, "c1", memberFor("r2", "drugbank", "DB00945", "drugbank"), 1.0))

	require.NoError(t, mem.Detach(ctx, "c1", []string{"r2"}, 0.9))

	got, err := mem.Lookup(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, got.Tombstone)
	assert.InDelta(t, 0.9, got.Confidence, 1e-9)

	// Detached keys leave the index immediately.
	_, err = mem.Resolve(ctx, "drugbank", "DB00945")
	assert.ErrorIs(t, err, ErrNotFound)

	// Losing the last member tombstones the entity; the ID still resolves.
	require.NoError(t, mem.Detach(ctx, "c1", []string{"r1"}, 0))
	got, err = mem.Lookup(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, got.Tombstone)
	assert.Zero(t, got.Confidence)

	members, err := mem.Members(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestMemoryWithinTxRollback(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	boom := errors.New("boom")
	err := mem.WithinTx(ctx, func(ctx context.Context) error {
		founder := memberFor("r1", "chembl", "CHEMBL25", "chembl")
		entity := models.CanonicalEntity{CanonicalID: "c1", EntityType: "compound", Confidence: 1.0}
		if err := mem.CreateEntity(ctx, entity, founder); err != nil {
			return err
		}
		if err := mem.AppendAudit(ctx, models.AuditEntry{ID: "e1", Action: models.AuditActionMerge, SubjectIDs: []string{"r1", "c1"}}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Entity, indexes and the audit entry all rolled back together.
	_, err = mem.Lookup(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = mem.Resolve(ctx, "chembl", "CHEMBL25")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, mem.AuditEntries())
}

func TestMemoryWithinTxRollbackPreservesConcurrentCommits(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	boom := errors.New("boom")
	entered := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- mem.WithinTx(ctx, func(ctx context.Context) error {
			close(entered)
			founder := memberFor("r-fail", "drugbank", "DB00945", "drugbank")
			entity := models.CanonicalEntity{CanonicalID: "c-fail", EntityType: "compound", Confidence: 1.0}
			if err := mem.CreateEntity(ctx, entity, founder); err != nil {
				return err
			}
			// Give the second writer time to attempt its own transaction; it
			// must queue rather than commit between our copy and restore.
			time.Sleep(50 * time.Millisecond)
			return boom
		})
	}()

	<-entered
	err := mem.WithinTx(ctx, func(ctx context.Context) error {
		founder := memberFor("r-ok", "chembl", "CHEMBL25", "chembl")
		entity := models.CanonicalEntity{CanonicalID: "c-ok", EntityType: "compound", Confidence: 1.0}
		if err := mem.CreateEntity(ctx, entity, founder); err != nil {
			return err
		}
		return mem.AppendAudit(ctx, models.AuditEntry{ID: "e-ok", Action: models.AuditActionMerge, SubjectIDs: []string{"r-ok", "c-ok"}})
	})
	require.NoError(t, err)
	require.ErrorIs(t, <-done, boom)

	// The failed transaction rolled back only its own writes.
	_, err = mem.Lookup(ctx, "c-fail")
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := mem.Lookup(ctx, "c-ok")
	require.NoError(t, err)
	assert.Equal(t, "c-ok", got.CanonicalID)
	_, err = mem.Resolve(ctx, "chembl", "CHEMBL25")
	assert.NoError(t, err)
	entries := mem.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "e-ok", entries[0].ID)
}

func TestMemoryFuzzyBucket(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	founder := memberFor("r1", "chembl", "CHEMBL25", "chembl")
	founder.Record.DisplayName = strPtr("Aspirin")
	founder.Record.BlockingKey = strPtr("A216")
	entity := models.CanonicalEntity{CanonicalID: "c1", EntityType: "compound", Confidence: 1.0}
	require.NoError(t, mem.CreateEntity(ctx, entity, founder))

	bucket, err := mem.FuzzyBucket(ctx, "compound", "A216")
	require.NoError(t, err)
	require.Len(t, bucket, 1)
	assert.Equal(t, BucketEntry{CanonicalID: "c1", RecordID: "r1", Name: "Aspirin"}, bucket[0])

	// Buckets are scoped per entity type.
	bucket, err = mem.FuzzyBucket(ctx, "target", "A216")
	require.NoError(t, err)
	assert.Empty(t, bucket)
}

func TestMemorySnapshot(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	entity := models.CanonicalEntity{CanonicalID: "c1", EntityType: "compound", Confidence: 1.0, CreatedAt: time.Now().UTC()}
	require.NoError(t, mem.CreateEntity(ctx, entity, memberFor("r1", "chembl", "CHEMBL25", "chembl")))
	require.NoError(t, mem.Attach(ctx, "c1", memberFor("r2", "drugbank", "DB00945", "drugbank"), 1.0))

	snap, err := mem.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Version)
	assert.Equal(t, []string{"c1"}, snap.EntityIDs())

	// Cross references are sorted (namespace, value).
	assert.Equal(t, []models.CrossReference{
		{Namespace: "chembl", ID: "CHEMBL25"},
		{Namespace: "drugbank", ID: "DB00945"},
	}, snap.CrossRefs["c1"])

	// The snapshot is a copy: later writes do not leak into it.
	require.NoError(t, mem.Attach(ctx, "c1", memberFor("r3", "pubchem.cid", "2244", "pubchem"), 1.0))
	assert.Len(t, snap.CrossRefs["c1"], 2)

	mappings := snap.Mappings()
	require.Len(t, mappings, 1)
	assert.Equal(t, "c1", mappings[0].CanonicalID)
}

func TestMemoryRebuildIndexes(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	founder := memberFor("r1", "chembl", "CHEMBL25", "chembl")
	founder.Record.StructuralKey = strPtr("BSYNRYMUTXBXSQ-UHFFFAOYSA-N")
	entity := models.CanonicalEntity{CanonicalID: "c1", EntityType: "compound", Confidence: 1.0}
	require.NoError(t, mem.CreateEntity(ctx, entity, founder))

	mem.RebuildIndexes()

	id, err := mem.Resolve(ctx, "chembl", "CHEMBL25")
	require.NoError(t, err)
	assert.Equal(t, "c1", id)
	id, err = mem.ResolveStructural(ctx, "BSYNRYMUTXBXSQ-UHFFFAOYSA-N")
	require.NoError(t, err)
	assert.Equal(t, "c1", id)
}
