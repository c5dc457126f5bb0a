package kafka

import (
	"encoding/json"
	"time"

	"github.com/Ramsey-B/foxglove/pkg/models"
)

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	// Trace context (extracted from Kafka headers)
	TraceParent string
	TraceState  string

	// Parsed content
	Batch *IdentifierBatch
}

// IdentifierBatch is the ingestion payload: one or more identifier records
// extracted by an upstream source connector, plus any asserted edges the
// source stated alongside them.
type IdentifierBatch struct {
	Source        string                                 `json:"source"`
	ExtractedAt   time.Time                              `json:"extracted_at"`
	Records       []models.CreateIdentifierRecordRequest `json:"records"`
	AssertedEdges []models.AssertedEdge                  `json:"asserted_edges,omitempty"`
}

// ParseBatch parses the message value as an identifier batch.
func (m *IncomingMessage) ParseBatch() error {
	var batch IdentifierBatch
	if err := json.Unmarshal(m.Value, &batch); err != nil {
		return err
	}
	m.Batch = &batch
	return nil
}

// GetSource returns the source system name, falling back to the header.
func (m *IncomingMessage) GetSource() string {
	if m.Batch != nil && m.Batch.Source != "" {
		return m.Batch.Source
	}
	return m.Headers["source"]
}

// RecordCount returns the number of identifier records in the batch.
func (m *IncomingMessage) RecordCount() int {
	if m.Batch == nil {
		return 0
	}
	return len(m.Batch.Records)
}
