package audit

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

type sliceSource []models.AuditEntry

func (s sliceSource) AuditEntries(ctx context.Context) ([]models.AuditEntry, error) {
	return s, nil
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func merge(recordID, canonicalID string) models.AuditEntry {
	return models.AuditEntry{
		ID:         "e-" + recordID + "-" + canonicalID,
		Timestamp:  time.Now().UTC(),
		Actor:      "resolver",
		Action:     models.AuditActionMerge,
		SubjectIDs: []string{recordID, canonicalID},
	}
}

func split(canonicalID string, detached ...string) models.AuditEntry {
	return models.AuditEntry{
		ID:         "e-split-" + canonicalID,
		Timestamp:  time.Now().UTC(),
		Actor:      "resolver",
		Action:     models.AuditActionSplit,
		SubjectIDs: append([]string{canonicalID}, detached...),
	}
}

func TestAssignments(t *testing.T) {
	replayer := NewReplayer(testLogger())

	t.Run("merge then split then rehome", func(t *testing.T) {
		source := sliceSource{
			merge("r1", "c1"),
			merge("r2", "c1"),
			split("c1", "r2"),
			merge("r2", "c2"),
		}
		assigned, err := replayer.Assignments(context.Background(), source)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"r1": "c1", "r2": "c2"}, assigned)
	})

	t.Run("split leaves later reassignment intact", func(t *testing.T) {
		// The split targets the old cluster; a record already moved on is
		// not detached by it.
		source := sliceSource{
			merge("r1", "c1"),
			merge("r1", "c2"),
			split("c1", "r1"),
		}
		assigned, err := replayer.Assignments(context.Background(), source)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"r1": "c2"}, assigned)
	})

	t.Run("conflict and infer entries move nothing", func(t *testing.T) {
		source := sliceSource{
			merge("r1", "c1"),
			{ID: "e3", Action: models.AuditActionConflict, SubjectIDs: []string{"r2", "c1", "c2"}},
			{ID: "e4", Action: models.AuditActionInfer, SubjectIDs: []string{"c1", "c2"}},
		}
		assigned, err := replayer.Assignments(context.Background(), source)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"r1": "c1"}, assigned)
	})

	t.Run("operator merge carries the conflict id as a trailing subject", func(t *testing.T) {
		source := sliceSource{
			{ID: "e5", Action: models.AuditActionMerge, SubjectIDs: []string{"r1", "c1", "conflict-9"}},
		}
		assigned, err := replayer.Assignments(context.Background(), source)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"r1": "c1"}, assigned)
	})

	t.Run("malformed entries are fatal", func(t *testing.T) {
		source := sliceSource{{ID: "e6", Action: models.AuditActionMerge, SubjectIDs: []string{"r1"}}}
		_, err := replayer.Assignments(context.Background(), source)
		assert.ErrorIs(t, err, ErrInconsistentState)

		source = sliceSource{{ID: "e7", Action: models.AuditAction("rename"), SubjectIDs: []string{"r1", "c1"}}}
		_, err = replayer.Assignments(context.Background(), source)
		assert.ErrorIs(t, err, ErrInconsistentState)
	})
}

func seedMember(t *testing.T, mem *store.Memory, canonicalID, recordID string) {
	t.Helper()
	record := models.IdentifierRecord{
		ID:        recordID,
		Namespace: "chembl",
		Value:     recordID,
		Source:    "chembl",
		Status:    models.RecordStatusAttached,
	}
	member := store.Member{Record: record, Score: 1.0, AttachedAt: time.Now().UTC()}

	ctx := context.Background()
	if _, err := mem.Lookup(ctx, canonicalID); err != nil {
		entity := models.CanonicalEntity{CanonicalID: canonicalID, EntityType: "compound", Confidence: 1.0}
		require.NoError(t, mem.CreateEntity(ctx, entity, member))
		return
	}
	require.NoError(t, mem.Attach(ctx, canonicalID, member, 1.0))
}

func TestVerify(t *testing.T) {
	replayer := NewReplayer(testLogger())

	t.Run("consistent store passes", func(t *testing.T) {
		mem := store.NewMemory()
		seedMember(t, mem, "c1", "r1")
		seedMember(t, mem, "c1", "r2")

		divergences, err := replayer.Verify(context.Background(), sliceSource{
			merge("r1", "c1"),
			merge("r2", "c1"),
		}, mem)
		require.NoError(t, err)
		assert.Empty(t, divergences)
	})

	t.Run("log entry without store member diverges", func(t *testing.T) {
		mem := store.NewMemory()
		seedMember(t, mem, "c1", "r1")

		divergences, err := replayer.Verify(context.Background(), sliceSource{
			merge("r1", "c1"),
			merge("r2", "c1"),
		}, mem)
		require.ErrorIs(t, err, ErrInconsistentState)
		require.Len(t, divergences, 1)
		assert.Equal(t, "r2", divergences[0].RecordID)
		assert.Equal(t, "c1", divergences[0].LogSays)
	})

	t.Run("store member without log entry diverges", func(t *testing.T) {
		mem := store.NewMemory()
		seedMember(t, mem, "c1", "r1")
		seedMember(t, mem, "c1", "r2")

		divergences, err := replayer.Verify(context.Background(), sliceSource{
			merge("r1", "c1"),
		}, mem)
		require.ErrorIs(t, err, ErrInconsistentState)
		require.Len(t, divergences, 1)
		assert.Equal(t, "r2", divergences[0].RecordID)
	})

	t.Run("missing cluster diverges", func(t *testing.T) {
		mem := store.NewMemory()

		divergences, err := replayer.Verify(context.Background(), sliceSource{
			merge("r1", "c1"),
		}, mem)
		require.ErrorIs(t, err, ErrInconsistentState)
		require.Len(t, divergences, 1)
		assert.Equal(t, "c1", divergences[0].CanonicalID)
	})
}
