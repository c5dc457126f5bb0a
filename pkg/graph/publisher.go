package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/foxglove/internal/tracing"
	"github.com/Ramsey-B/foxglove/pkg/models"
)

// Publisher projects master entity mappings and relationships into the
// graph database.
type Publisher struct {
	client *Client
	logger ectologger.Logger
}

// NewPublisher creates a publisher over the given client.
func NewPublisher(client *Client, logger ectologger.Logger) *Publisher {
	return &Publisher{
		client: client,
		logger: logger,
	}
}

// PublishMappings upserts one node per master entity mapping. Node labels
// are the entity types; the canonical ID is the merge key.
func (p *Publisher) PublishMappings(ctx context.Context, mappings []models.MasterEntityMapping) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Publisher.PublishMappings")
	defer span.End()

	if len(mappings) == 0 {
		return nil
	}

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_size": len(mappings),
	})

	byType := make(map[string][]models.MasterEntityMapping)
	for _, mapping := range mappings {
		byType[mapping.EntityType] = append(byType[mapping.EntityType], mapping)
	}

	_, err := p.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for entityType, typeMappings := range byType {
			batch := make([]map[string]any, len(typeMappings))
			for i, mapping := range typeMappings {
				identifiers, err := json.Marshal(mapping.Identifiers)
				if err != nil {
					return nil, err
				}
				batch[i] = map[string]any{
					"canonical_id": mapping.CanonicalID,
					"entity_type":  mapping.EntityType,
					"confidence":   mapping.Confidence,
					"identifiers":  string(identifiers),
					"last_updated": mapping.LastUpdated.UTC(),
				}
			}

			cypher := fmt.Sprintf(`
				UNWIND $batch AS data
				MERGE (e:%s {canonical_id: data.canonical_id})
				SET e.entity_type = data.entity_type,
				    e.confidence = data.confidence,
				    e.identifiers = data.identifiers,
				    e.last_updated = data.last_updated
			`, sanitizeLabel(entityType))

			if _, err := tx.Run(ctx, cypher, map[string]any{"batch": batch}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		log.WithError(err).Error("Failed to publish master entity mappings")
		return fmt.Errorf("failed to publish master entity mappings: %w", err)
	}

	log.Debug("Published master entity mappings")
	return nil
}

// RemoveEntity marks a tombstoned canonical entity in the graph. The node is
// kept, flagged rather than deleted, so published references stay resolvable.
func (p *Publisher) RemoveEntity(ctx context.Context, canonicalID string, entityType string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Publisher.RemoveEntity")
	defer span.End()

	cypher := fmt.Sprintf(`
		MATCH (e:%s {canonical_id: $canonical_id})
		SET e.tombstone = true, e.confidence = 0.0
		RETURN e
	`, sanitizeLabel(entityType))

	_, err := p.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{"canonical_id": canonicalID})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to tombstone entity in graph")
		return fmt.Errorf("failed to tombstone entity in graph: %w", err)
	}
	return nil
}

// PublishAssertedEdges upserts source-stated edges between canonical
// entities. The edge type is the relationship label.
func (p *Publisher) PublishAssertedEdges(ctx context.Context, edges []models.AssertedEdge) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Publisher.PublishAssertedEdges")
	defer span.End()

	if len(edges) == 0 {
		return nil
	}

	byType := make(map[string][]models.AssertedEdge)
	for _, edge := range edges {
		byType[edge.EdgeType] = append(byType[edge.EdgeType], edge)
	}

	_, err := p.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for edgeType, typeEdges := range byType {
			batch := make([]map[string]any, len(typeEdges))
			for i, edge := range typeEdges {
				batch[i] = map[string]any{
					"id":         edge.ID,
					"from_id":    edge.FromID,
					"to_id":      edge.ToID,
					"confidence": edge.Confidence,
					"source":     edge.Source,
				}
			}

			cypher := fmt.Sprintf(`
				UNWIND $batch AS data
				MATCH (from {canonical_id: data.from_id})
				MATCH (to {canonical_id: data.to_id})
				MERGE (from)-[r:%s {id: data.id}]->(to)
				SET r.confidence = data.confidence,
				    r.source = data.source,
				    r.asserted = true
			`, sanitizeLabel(edgeType))

			if _, err := tx.Run(ctx, cypher, map[string]any{"batch": batch}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to publish asserted edges")
		return fmt.Errorf("failed to publish asserted edges: %w", err)
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_size": len(edges),
	}).Debug("Published asserted edges")
	return nil
}

// PublishInferred upserts inferred relationships. Inferred edges carry their
// rule ID and evidence path and are flagged inferred=true so they are
// queryable separately from asserted edges.
func (p *Publisher) PublishInferred(ctx context.Context, rels []models.InferredRelationship) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Publisher.PublishInferred")
	defer span.End()

	if len(rels) == 0 {
		return nil
	}

	byType := make(map[string][]models.InferredRelationship)
	for _, rel := range rels {
		byType[rel.RelationType] = append(byType[rel.RelationType], rel)
	}

	_, err := p.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for relType, typeRels := range byType {
			batch := make([]map[string]any, len(typeRels))
			for i, rel := range typeRels {
				evidence, err := json.Marshal(rel.EvidencePath)
				if err != nil {
					return nil, err
				}
				batch[i] = map[string]any{
					"source_id":   rel.SourceCanonicalID,
					"target_id":   rel.TargetCanonicalID,
					"rule_id":     rel.RuleID,
					"confidence":  rel.Confidence,
					"evidence":    string(evidence),
					"inferred_at": rel.InferredAt.UTC(),
				}
			}

			cypher := fmt.Sprintf(`
				UNWIND $batch AS data
				MATCH (from {canonical_id: data.source_id})
				MATCH (to {canonical_id: data.target_id})
				MERGE (from)-[r:%s {rule_id: data.rule_id}]->(to)
				SET r.confidence = data.confidence,
				    r.evidence = data.evidence,
				    r.inferred_at = data.inferred_at,
				    r.inferred = true
			`, sanitizeLabel(relType))

			if _, err := tx.Run(ctx, cypher, map[string]any{"batch": batch}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to publish inferred relationships")
		return fmt.Errorf("failed to publish inferred relationships: %w", err)
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_size": len(rels),
	}).Debug("Published inferred relationships")
	return nil
}

var labelPattern = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// sanitizeLabel ensures the label is safe for Cypher
func sanitizeLabel(label string) string {
	clean := labelPattern.ReplaceAllString(label, "_")
	if clean == "" || !strings.ContainsAny(clean[:1], "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		clean = "Entity_" + clean
	}
	return clean
}
