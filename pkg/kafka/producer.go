package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/foxglove/internal/tracing"
	"github.com/Ramsey-B/foxglove/pkg/models"
)

// Producer handles Kafka event emission
type Producer struct {
	writer *kafka.Writer
	logger ectologger.Logger
	topic  string
}

// ProducerConfig holds Kafka producer configuration
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	Compression  string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg ProducerConfig, logger ectologger.Logger) *Producer {
	compression := kafka.Snappy
	switch cfg.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "none":
		compression = 0
	}

	requiredAcks := kafka.RequiredAcks(cfg.RequiredAcks)

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           requiredAcks,
		Compression:            compression,
		AllowAutoTopicCreation: true,
	}

	return &Producer{
		writer: writer,
		logger: logger,
		topic:  cfg.Topic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// ResolutionEvent is emitted for every committed resolution decision.
type ResolutionEvent struct {
	EventType   string          `json:"event_type"` // entity.created, entity.merged, entity.split, conflict.opened
	CanonicalID string          `json:"canonical_id"`
	EntityType  string          `json:"entity_type"`
	RecordID    string          `json:"record_id,omitempty"`
	Confidence  float64         `json:"confidence,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// InferenceEvent is emitted for every relationship inference run output.
type InferenceEvent struct {
	EventType    string                      `json:"event_type"` // relationship.inferred
	Relationship models.InferredRelationship `json:"relationship"`
	Timestamp    time.Time                   `json:"timestamp"`
}

// PublishResolutionEvent publishes a single resolution event to Kafka
func (p *Producer) PublishResolutionEvent(ctx context.Context, event *ResolutionEvent) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishResolutionEvent")
	defer span.End()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(event.CanonicalID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "entity_type", Value: []byte(event.EntityType)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to publish resolution event")
		return err
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"event_type":   event.EventType,
		"canonical_id": event.CanonicalID,
		"entity_type":  event.EntityType,
	}).Debug("Published resolution event")

	return nil
}

// PublishResolutionEvents publishes multiple resolution events in a batch
func (p *Producer) PublishResolutionEvents(ctx context.Context, events []*ResolutionEvent) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishResolutionEvents")
	defer span.End()

	if len(events) == 0 {
		return nil
	}

	messages := make([]kafka.Message, len(events))
	for i, event := range events {
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now().UTC()
		}

		data, err := json.Marshal(event)
		if err != nil {
			return err
		}

		messages[i] = kafka.Message{
			Topic: p.topic,
			Key:   []byte(event.CanonicalID),
			Value: data,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(event.EventType)},
				{Key: "entity_type", Value: []byte(event.EntityType)},
				{Key: "schema_version", Value: []byte("1.0")},
			},
		}
	}

	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"batch_size": len(events),
		}).Error("Failed to publish resolution events batch")
		return err
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_size": len(events),
	}).Debug("Published resolution events batch")

	return nil
}

// PublishInferenceEvents publishes inferred relationships in a batch
func (p *Producer) PublishInferenceEvents(ctx context.Context, rels []models.InferredRelationship) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishInferenceEvents")
	defer span.End()

	if len(rels) == 0 {
		return nil
	}

	messages := make([]kafka.Message, len(rels))
	for i, rel := range rels {
		event := InferenceEvent{
			EventType:    "relationship.inferred",
			Relationship: rel,
			Timestamp:    rel.InferredAt,
		}
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}

		messages[i] = kafka.Message{
			Topic: p.topic,
			Key:   []byte(rel.SourceCanonicalID + "|" + rel.TargetCanonicalID),
			Value: data,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte("relationship.inferred")},
				{Key: "rule_id", Value: []byte(rel.RuleID)},
				{Key: "schema_version", Value: []byte("1.0")},
			},
		}
	}

	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"batch_size": len(rels),
		}).Error("Failed to publish inference events batch")
		return err
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_size": len(rels),
	}).Debug("Published inference events batch")

	return nil
}
