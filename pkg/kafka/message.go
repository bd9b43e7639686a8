package kafka

import (
	"encoding/json"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// ReferenceMessage is the ingestion envelope sources publish to the
// references topic. The reference payload matches the HTTP resolve body.
type ReferenceMessage struct {
	TenantID  string                   `json:"tenant_id"`
	Reference models.IdentityReference `json:"reference"`
}

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	// Parsed content
	ReferenceMessage *ReferenceMessage
}

// ParseReferenceMessage parses the message value as a reference envelope.
func (m *IncomingMessage) ParseReferenceMessage() error {
	var msg ReferenceMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		return err
	}
	m.ReferenceMessage = &msg
	return nil
}

// GetTenantID returns the tenant from the envelope, falling back to the
// tenant_id header for producers that key by header instead.
func (m *IncomingMessage) GetTenantID() string {
	if m.ReferenceMessage != nil && m.ReferenceMessage.TenantID != "" {
		return m.ReferenceMessage.TenantID
	}
	return m.Headers["tenant_id"]
}
