// Package events handles event emission for resolution lifecycle changes
package events

import (
	"context"
	"encoding/json"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/foxglove/internal/tracing"
	"github.com/Ramsey-B/foxglove/pkg/clustering"
	"github.com/Ramsey-B/foxglove/pkg/kafka"
	"github.com/Ramsey-B/foxglove/pkg/models"
)

// Emitter translates resolution decisions into outbound Kafka events.
type Emitter struct {
	producer *kafka.Producer
	logger   ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(producer *kafka.Producer, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
	}
}

// EmitDecision emits the event matching a committed resolution decision.
// Dry-run decisions and idempotent no-ops emit nothing.
func (e *Emitter) EmitDecision(ctx context.Context, decision *clustering.Decision) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitDecision")
	defer span.End()

	switch decision.Outcome {
	case clustering.OutcomeCreated:
		return e.emitEntityEvent(ctx, EventTypeEntityCreated, decision)
	case clustering.OutcomeAttached:
		if err := e.emitEntityEvent(ctx, EventTypeEntityMerged, decision); err != nil {
			return err
		}
		if decision.Split != nil {
			return e.EmitSplit(ctx, decision.Record.EntityType, decision.Split)
		}
		return nil
	case clustering.OutcomeConflict:
		return e.EmitConflictOpened(ctx, decision.Record, decision.Conflict)
	default:
		return nil
	}
}

func (e *Emitter) emitEntityEvent(ctx context.Context, eventType EventType, decision *clustering.Decision) error {
	event := &kafka.ResolutionEvent{
		EventType:   string(eventType),
		CanonicalID: decision.CanonicalID,
		EntityType:  decision.Record.EntityType,
		RecordID:    decision.Record.ID,
		Confidence:  decision.Confidence,
	}

	if err := e.producer.PublishResolutionEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Errorf("Failed to emit %s event", eventType)
		return err
	}
	return nil
}

// EmitSplit emits an entity.split event carrying the survivor, the new
// cluster and the detached record IDs.
func (e *Emitter) EmitSplit(ctx context.Context, entityType string, split *clustering.SplitResult) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitSplit")
	defer span.End()

	data, _ := json.Marshal(map[string]any{
		"schema_version":      SchemaVersion,
		"survivor":            split.SurvivorCanonicalID,
		"new_canonical_id":    split.NewCanonicalID,
		"detached_record_ids": split.DetachedRecordIDs,
	})

	event := &kafka.ResolutionEvent{
		EventType:   string(EventTypeEntitySplit),
		CanonicalID: split.SurvivorCanonicalID,
		EntityType:  entityType,
		Data:        data,
	}

	if err := e.producer.PublishResolutionEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit entity.split event")
		return err
	}
	return nil
}

// EmitConflictOpened emits a conflict.opened event for operator tooling.
func (e *Emitter) EmitConflictOpened(ctx context.Context, record *models.IdentifierRecord, conflict *models.ConflictRecord) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitConflictOpened")
	defer span.End()

	data, _ := json.Marshal(map[string]any{
		"schema_version": SchemaVersion,
		"conflict_id":    conflict.ID,
		"competing_ids":  conflict.CompetingCanonicalIDs,
		"reason":         conflict.Reason,
	})

	event := &kafka.ResolutionEvent{
		EventType:   string(EventTypeConflictOpened),
		CanonicalID: conflict.ID,
		EntityType:  record.EntityType,
		RecordID:    record.ID,
		Data:        data,
	}

	if err := e.producer.PublishResolutionEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit conflict.opened event")
		return err
	}
	return nil
}

// EmitInferred emits relationship.inferred events for an inference run.
func (e *Emitter) EmitInferred(ctx context.Context, rels []models.InferredRelationship) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitInferred")
	defer span.End()

	if err := e.producer.PublishInferenceEvents(ctx, rels); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit relationship.inferred events")
		return err
	}
	return nil
}
