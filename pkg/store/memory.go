package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Ramsey-B/foxglove/pkg/models"
)

// Memory is an in-memory Store with the same contract as the Postgres-backed
// implementation. It serves three roles: the unit-test double for the
// resolution engines, the replay target when rebuilding state from the audit
// log, and the scratch store for dry runs.
type Memory struct {
	mu   sync.RWMutex
	txMu sync.Mutex // serializes WithinTx end to end

	entities     map[string]*memEntity
	byKey        map[string]string // "namespace:value" -> canonical_id
	byStructural map[string]string // structural key -> canonical_id
	buckets      map[string]map[string]BucketEntry
	audit        []models.AuditEntry
	version      int64
}

type memEntity struct {
	entity  models.CanonicalEntity
	members map[string]Member // record ID -> member
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entities:     make(map[string]*memEntity),
		byKey:        make(map[string]string),
		byStructural: make(map[string]string),
		buckets:      make(map[string]map[string]BucketEntry),
	}
}

// Lookup implements Reader.
func (m *Memory) Lookup(ctx context.Context, canonicalID string) (*models.CanonicalEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entities[canonicalID]
	if !ok {
		return nil, fmt.Errorf("canonical entity %q: %w", canonicalID, ErrNotFound)
	}
	entity := e.entity
	return &entity, nil
}

// Resolve implements Reader.
func (m *Memory) Resolve(ctx context.Context, namespace, value string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byKey[namespace+":"+value]
	if !ok {
		return "", fmt.Errorf("identifier %s:%s: %w", namespace, value, ErrNotFound)
	}
	return id, nil
}

// ResolveStructural implements Reader.
func (m *Memory) ResolveStructural(ctx context.Context, structuralKey string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byStructural[structuralKey]
	if !ok {
		return "", fmt.Errorf("structural key %s: %w", structuralKey, ErrNotFound)
	}
	return id, nil
}

// AllCrossReferences implements Reader.
func (m *Memory) AllCrossReferences(ctx context.Context, canonicalID string) ([]models.IdentifierRecord, error) {
	members, err := m.Members(ctx, canonicalID)
	if err != nil {
		return nil, err
	}
	refs := make([]models.IdentifierRecord, 0, len(members))
	for _, member := range members {
		refs = append(refs, member.Record)
	}
	return refs, nil
}

// Members implements Reader. Members are returned ordered by record ID for
// deterministic iteration.
func (m *Memory) Members(ctx context.Context, canonicalID string) ([]Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entities[canonicalID]
	if !ok {
		return nil, fmt.Errorf("canonical entity %q: %w", canonicalID, ErrNotFound)
	}

	members := make([]Member, 0, len(e.members))
	for _, member := range e.members {
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].Record.ID < members[j].Record.ID
	})
	return members, nil
}

// FuzzyBucket implements Reader.
func (m *Memory) FuzzyBucket(ctx context.Context, entityType, blockingKey string) ([]BucketEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket := m.buckets[bucketKey(entityType, blockingKey)]
	entries := make([]BucketEntry, 0, len(bucket))
	for _, entry := range bucket {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RecordID < entries[j].RecordID
	})
	return entries, nil
}

// CreateEntity implements Writer.
func (m *Memory) CreateEntity(ctx context.Context, entity models.CanonicalEntity, founder Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entities[entity.CanonicalID]; exists {
		return fmt.Errorf("canonical entity %q already exists", entity.CanonicalID)
	}

	entity.Version = 1
	m.entities[entity.CanonicalID] = &memEntity{
		entity:  entity,
		members: map[string]Member{founder.Record.ID: founder},
	}
	m.indexMember(entity.CanonicalID, founder)
	m.version++
	return nil
}

// Attach implements Writer.
func (m *Memory) Attach(ctx context.Context, canonicalID string, member Member, confidence float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entities[canonicalID]
	if !ok {
		return fmt.Errorf("canonical entity %q: %w", canonicalID, ErrNotFound)
	}

	e.members[member.Record.ID] = member
	e.entity.Confidence = confidence
	e.entity.Tombstone = false
	e.entity.Version++
	at := member.AttachedAt
	e.entity.LastMergedAt = &at
	m.indexMember(canonicalID, member)
	m.version++
	return nil
}

// Detach implements Writer.
func (m *Memory) Detach(ctx context.Context, canonicalID string, recordIDs []string, confidence float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entities[canonicalID]
	if !ok {
		return fmt.Errorf("canonical entity %q: %w", canonicalID, ErrNotFound)
	}

	for _, recordID := range recordIDs {
		member, ok := e.members[recordID]
		if !ok {
			continue
		}
		delete(e.members, recordID)
		m.unindexMember(canonicalID, member)
	}

	e.entity.Confidence = confidence
	e.entity.Version++
	if len(e.members) == 0 {
		// Never delete: tombstone preserves the canonical ID for
		// already-published references.
		e.entity.Tombstone = true
		e.entity.Confidence = 0
	}
	m.version++
	return nil
}

// WithinTx implements Store. Atomicity is provided by restoring a state copy
// when fn fails; that restore is only sound if no other writer commits
// between the copy and the restore, so transactions are serialized end to
// end. Concurrent shard workers queue here instead of interleaving.
func (m *Memory) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	backup := m.copyStateLocked()
	m.mu.Unlock()

	if err := fn(ctx); err != nil {
		m.mu.Lock()
		m.restoreStateLocked(backup)
		m.mu.Unlock()
		return err
	}
	return nil
}

// Snapshot implements Store.
func (m *Memory) Snapshot(ctx context.Context) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := &Snapshot{
		Version:   m.version,
		TakenAt:   time.Now().UTC(),
		Entities:  make(map[string]models.CanonicalEntity, len(m.entities)),
		CrossRefs: make(map[string][]models.CrossReference, len(m.entities)),
	}
	for id, e := range m.entities {
		snap.Entities[id] = e.entity
		refs := make([]models.CrossReference, 0, len(e.members))
		for _, member := range e.members {
			refs = append(refs, models.CrossReference{
				Namespace: member.Record.Namespace,
				ID:        member.Record.Value,
			})
		}
		sort.Slice(refs, func(i, j int) bool {
			if refs[i].Namespace != refs[j].Namespace {
				return refs[i].Namespace < refs[j].Namespace
			}
			return refs[i].ID < refs[j].ID
		})
		snap.CrossRefs[id] = refs
	}
	return snap, nil
}

// AppendAudit records an audit entry. In the memory store the entry shares
// the caller's WithinTx scope, matching the write-ahead discipline of the
// Postgres implementation.
func (m *Memory) AppendAudit(ctx context.Context, entry models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

// AuditEntries returns the appended audit entries in order.
func (m *Memory) AuditEntries() []models.AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}

// RebuildIndexes recomputes the secondary (namespace,value), structural and
// blocking indexes from the primary entity map. Indexes are caches, never
// the system of record.
func (m *Memory) RebuildIndexes() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byKey = make(map[string]string)
	m.byStructural = make(map[string]string)
	m.buckets = make(map[string]map[string]BucketEntry)
	for id, e := range m.entities {
		for _, member := range e.members {
			m.indexMember(id, member)
		}
	}
}

func (m *Memory) indexMember(canonicalID string, member Member) {
	record := member.Record
	m.byKey[record.Namespace+":"+record.Value] = canonicalID
	if record.StructuralKey != nil && *record.StructuralKey != "" {
		m.byStructural[*record.StructuralKey] = canonicalID
	}
	if record.BlockingKey != nil && *record.BlockingKey != "" && record.Name() != "" {
		key := bucketKey(record.EntityType, *record.BlockingKey)
		if m.buckets[key] == nil {
			m.buckets[key] = make(map[string]BucketEntry)
		}
		m.buckets[key][record.ID] = BucketEntry{
			CanonicalID: canonicalID,
			RecordID:    record.ID,
			Name:        record.Name(),
		}
	}
}

func (m *Memory) unindexMember(canonicalID string, member Member) {
	record := member.Record
	delete(m.byKey, record.Namespace+":"+record.Value)
	if record.StructuralKey != nil && m.byStructural[*record.StructuralKey] == canonicalID {
		delete(m.byStructural, *record.StructuralKey)
	}
	if record.BlockingKey != nil {
		key := bucketKey(record.EntityType, *record.BlockingKey)
		if bucket, ok := m.buckets[key]; ok {
			delete(bucket, record.ID)
		}
	}
}

type memState struct {
	entities     map[string]*memEntity
	byKey        map[string]string
	byStructural map[string]string
	buckets      map[string]map[string]BucketEntry
	auditLen     int
	version      int64
}

func (m *Memory) copyStateLocked() memState {
	s := memState{
		entities:     make(map[string]*memEntity, len(m.entities)),
		byKey:        make(map[string]string, len(m.byKey)),
		byStructural: make(map[string]string, len(m.byStructural)),
		buckets:      make(map[string]map[string]BucketEntry, len(m.buckets)),
		auditLen:     len(m.audit),
		version:      m.version,
	}
	for id, e := range m.entities {
		members := make(map[string]Member, len(e.members))
		for rid, member := range e.members {
			members[rid] = member
		}
		s.entities[id] = &memEntity{entity: e.entity, members: members}
	}
	for k, v := range m.byKey {
		s.byKey[k] = v
	}
	for k, v := range m.byStructural {
		s.byStructural[k] = v
	}
	for k, bucket := range m.buckets {
		cp := make(map[string]BucketEntry, len(bucket))
		for rid, entry := range bucket {
			cp[rid] = entry
		}
		s.buckets[k] = cp
	}
	return s
}

func (m *Memory) restoreStateLocked(s memState) {
	m.entities = s.entities
	m.byKey = s.byKey
	m.byStructural = s.byStructural
	m.buckets = s.buckets
	m.audit = m.audit[:s.auditLen]
	m.version = s.version
}

func bucketKey(entityType, blockingKey string) string {
	return entityType + "|" + blockingKey
}
