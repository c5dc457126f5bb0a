package events

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

// EventType names an outbound resolution lifecycle event.
type EventType string

const (
	// EventTypeEntityCreated is emitted when a singleton canonical entity
	// is founded for a record no cluster could claim.
	EventTypeEntityCreated EventType = "entity.created"

	// EventTypeEntityMerged is emitted when a record attaches to an
	// existing canonical entity.
	EventTypeEntityMerged EventType = "entity.merged"

	// EventTypeEntitySplit is emitted when contradicting structural
	// evidence detaches a minority subset into a fresh cluster.
	EventTypeEntitySplit EventType = "entity.split"

	// EventTypeConflictOpened is emitted when an ambiguous match leaves a
	// record unresolved pending operator review.
	EventTypeConflictOpened EventType = "conflict.opened"

	// EventTypeRelationshipInferred is emitted per derived relationship of
	// an inference run.
	EventTypeRelationshipInferred EventType = "relationship.inferred"
)
