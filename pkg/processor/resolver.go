// Package processor runs batch entity resolution. Records are partitioned so
// that any two records which could possibly match land in the same shard;
// each shard has exactly one writer goroutine, so cluster mutations never
// race. A record whose name or structural key opens a second match axis, or
// that is reachable through crosswalk mappings, can match across shards; such
// records are held back and resolved in a deterministic serialized second
// pass after the shards converge.
package processor

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/foxglove/internal/tracing"
	"github.com/Ramsey-B/foxglove/pkg/audit"
	"github.com/Ramsey-B/foxglove/pkg/clustering"
	"github.com/Ramsey-B/foxglove/pkg/matching"
	"github.com/Ramsey-B/foxglove/pkg/models"
	"github.com/Ramsey-B/foxglove/pkg/registry"
)

// Config controls a resolution run.
type Config struct {
	Shards     int    // worker shards per run (default: 8)
	EntityType string // when set, only records of this type are processed
	DryRun     bool
}

// DefaultConfig returns the default run settings.
func DefaultConfig() Config {
	return Config{Shards: 8}
}

// Failure is one record that could not be processed. Per-record failures
// never abort the batch.
type Failure struct {
	RecordID string `json:"record_id"`
	Key      string `json:"key"`
	Reason   string `json:"reason"`
}

// RunReport is the end-of-run summary.
type RunReport struct {
	Processed       int           `json:"processed"`
	Created         int           `json:"created"`
	Attached        int           `json:"attached"`
	AlreadyResolved int           `json:"already_resolved"`
	Conflicts       int           `json:"conflicts"`
	Splits          int           `json:"splits"`
	Rejected        int           `json:"rejected"`
	Failures        []Failure     `json:"failures,omitempty"`
	Fatal           bool          `json:"fatal"`
	Duration        time.Duration `json:"duration"`
}

func (r *RunReport) merge(other RunReport) {
	r.Processed += other.Processed
	r.Created += other.Created
	r.Attached += other.Attached
	r.AlreadyResolved += other.AlreadyResolved
	r.Conflicts += other.Conflicts
	r.Splits += other.Splits
	r.Rejected += other.Rejected
	r.Failures = append(r.Failures, other.Failures...)
	r.Fatal = r.Fatal || other.Fatal
}

// HasConflicts reports whether the run left conflicts pending review.
func (r *RunReport) HasConflicts() bool {
	return r.Conflicts > 0
}

// DecisionSink receives each committed resolution decision, e.g. for event
// publication. Sink errors are logged and never fail the record.
type DecisionSink interface {
	EmitDecision(ctx context.Context, decision *clustering.Decision) error
}

// Resolver drives a batch resolution run end to end.
type Resolver struct {
	log        ectologger.Logger
	registry   *registry.Registry
	matcher    *matching.Service
	engine     *clustering.Engine
	crosswalks matching.CrosswalkSource
	events     DecisionSink
	cfg        Config
}

// NewResolver creates a batch resolver.
func NewResolver(
	log ectologger.Logger,
	reg *registry.Registry,
	matcher *matching.Service,
	engine *clustering.Engine,
	crosswalks matching.CrosswalkSource,
	cfg Config,
) *Resolver {
	if cfg.Shards <= 0 {
		cfg.Shards = 8
	}
	return &Resolver{
		log:        log,
		registry:   reg,
		matcher:    matcher,
		engine:     engine,
		crosswalks: crosswalks,
		cfg:        cfg,
	}
}

// SetEvents installs a decision sink. Dry runs never emit.
func (r *Resolver) SetEvents(sink DecisionSink) {
	r.events = sink
}

// Resolve validates, partitions and resolves a batch of identifier requests.
func (r *Resolver) Resolve(ctx context.Context, requests []models.CreateIdentifierRecordRequest) (*RunReport, error) {
	ctx, span := tracing.StartSpan(ctx, "processor.Resolver.Resolve")
	defer span.End()

	started := time.Now()
	log := r.log.WithContext(ctx).WithFields(map[string]any{
		"requests": len(requests),
		"shards":   r.cfg.Shards,
		"dry_run":  r.cfg.DryRun,
	})
	log.Info("Resolution run starting")

	report := &RunReport{}
	records, deferred := r.partition(ctx, requests, report)

	// First pass: one writer goroutine per shard.
	shardReports := make([]RunReport, r.cfg.Shards)
	var wg sync.WaitGroup
	for shard := 0; shard < r.cfg.Shards; shard++ {
		if len(records[shard]) == 0 {
			continue
		}
		wg.Add(1)
		go func(shard int) {
			defer wg.Done()
			shardReports[shard] = r.runShard(ctx, shard, records[shard])
		}(shard)
	}
	wg.Wait()

	for _, shardReport := range shardReports {
		report.merge(shardReport)
	}

	// Second pass: crosswalk-reachable records, strictly serialized after
	// shard-local convergence so transitive matches see a settled store.
	if len(deferred) > 0 && !report.Fatal {
		sort.Slice(deferred, func(i, j int) bool { return deferred[i].Key() < deferred[j].Key() })
		second := r.runShard(ctx, -1, deferred)
		report.merge(second)
	}

	report.Duration = time.Since(started)
	log.WithFields(map[string]any{
		"processed": report.Processed,
		"created":   report.Created,
		"attached":  report.Attached,
		"conflicts": report.Conflicts,
		"splits":    report.Splits,
		"rejected":  report.Rejected,
		"failures":  len(report.Failures),
	}).Info("Resolution run complete")
	return report, nil
}

// partition validates requests into records and assigns each its shard.
// Records that can match along more than one key, and records with crosswalk
// mappings, are deferred to the second pass instead.
func (r *Resolver) partition(ctx context.Context, requests []models.CreateIdentifierRecordRequest, report *RunReport) ([][]models.IdentifierRecord, []models.IdentifierRecord) {
	records := make([][]models.IdentifierRecord, r.cfg.Shards)
	var deferred []models.IdentifierRecord

	for _, req := range requests {
		record, err := r.buildRecord(req)
		if err != nil {
			report.Rejected++
			report.Failures = append(report.Failures, Failure{
				Key:    req.Namespace + ":" + req.Value,
				Reason: err.Error(),
			})
			continue
		}
		if r.cfg.EntityType != "" && record.EntityType != r.cfg.EntityType {
			continue
		}

		if multiAxis(&record) {
			deferred = append(deferred, record)
			continue
		}
		if r.crosswalks != nil {
			mappings, err := r.crosswalks.Map(ctx, record.Namespace, record.Value)
			if err == nil && len(mappings) > 0 {
				deferred = append(deferred, record)
				continue
			}
		}

		shard := shardFor(&record, r.cfg.Shards)
		records[shard] = append(records[shard], record)
	}

	for shard := range records {
		recs := records[shard]
		sort.Slice(recs, func(i, j int) bool { return recs[i].Key() < recs[j].Key() })
	}
	return records, deferred
}

// buildRecord runs registry validation and derives the structural and
// blocking keys.
func (r *Resolver) buildRecord(req models.CreateIdentifierRecordRequest) (models.IdentifierRecord, error) {
	norm, err := r.registry.Normalize(req.Namespace, req.Value, req.EntityType)
	if err != nil {
		return models.IdentifierRecord{}, err
	}

	record := models.IdentifierRecord{
		ID:            uuid.NewString(),
		Namespace:     norm.Namespace,
		Value:         norm.Value,
		RawValue:      req.Value,
		EntityType:    norm.EntityType,
		Source:        req.Source,
		DisplayName:   req.DisplayName,
		StructuralKey: req.StructuralKey,
		Status:        models.RecordStatusUnresolved,
		ExtractedAt:   req.ExtractedAt,
		CreatedAt:     time.Now().UTC(),
	}
	if name := record.Name(); name != "" {
		if key := matching.BlockingKey(record.EntityType, name); key != "" {
			record.BlockingKey = &key
		}
	}
	return record, nil
}

// runShard resolves one shard's records in order. A consistency error halts
// the shard; any other per-record error is isolated into the report.
func (r *Resolver) runShard(ctx context.Context, shard int, records []models.IdentifierRecord) RunReport {
	ctx, span := tracing.StartSpan(ctx, "processor.Resolver.runShard")
	defer span.End()

	log := r.log.WithContext(ctx).WithFields(map[string]any{
		"shard":   shard,
		"records": len(records),
	})

	var report RunReport
	for i := range records {
		record := records[i]

		candidates, err := r.matcher.Propose(ctx, &record)
		if err != nil {
			report.Failures = append(report.Failures, Failure{RecordID: record.ID, Key: record.Key(), Reason: err.Error()})
			continue
		}

		decision, err := r.engine.ResolveRecord(ctx, &record, candidates)
		if err != nil {
			if errors.Is(err, audit.ErrInconsistentState) || errors.Is(err, clustering.ErrInconsistentState) {
				// Never retried: the shard halts and the divergence is
				// repaired from the log on the next start.
				report.Fatal = true
				report.Failures = append(report.Failures, Failure{
					RecordID: record.ID,
					Key:      record.Key(),
					Reason:   fmt.Sprintf("shard halted: %v", err),
				})
				log.WithError(err).Error("Consistency error; shard halted")
				return report
			}
			report.Failures = append(report.Failures, Failure{RecordID: record.ID, Key: record.Key(), Reason: err.Error()})
			continue
		}

		report.Processed++
		switch decision.Outcome {
		case clustering.OutcomeCreated:
			report.Created++
		case clustering.OutcomeAttached:
			report.Attached++
		case clustering.OutcomeAlreadyResolved:
			report.AlreadyResolved++
		case clustering.OutcomeConflict:
			report.Conflicts++
		}
		if decision.Split != nil {
			report.Splits++
		}

		if r.events != nil && !r.cfg.DryRun {
			if err := r.events.EmitDecision(ctx, decision); err != nil {
				log.WithError(err).WithFields(map[string]any{"record_id": record.ID}).Warn("Failed to emit decision event")
			}
		}
	}
	return report
}

// multiAxis reports whether the record can match along any key besides its
// own (namespace, value) key. A structural key or a name each opens a match
// axis whose neighbors hash to a different shard, so multi-axis records must
// go through the serialized pass; the shard hash is only safe when the
// record's sole match key is the one being hashed.
func multiAxis(record *models.IdentifierRecord) bool {
	if record.StructuralKey != nil && *record.StructuralKey != "" {
		return true
	}
	// An inchikey identifier is itself structural evidence: it can match a
	// record from any namespace carrying the same structural key.
	if record.Namespace == "inchikey" {
		return true
	}
	return record.BlockingKey != nil && *record.BlockingKey != ""
}

// shardFor hashes the record's exact key. Only single-axis records are
// sharded, and two of those can match each other only when they share that
// key, so exact-tier neighbors always land on the same writer.
func shardFor(record *models.IdentifierRecord, shards int) int {
	h := fnv.New32a()
	h.Write([]byte(record.EntityType))
	h.Write([]byte{'|'})
	h.Write([]byte(record.Key()))
	return int(h.Sum32()) % shards
}
