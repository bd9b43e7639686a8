package events

import (
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

// EventType defines the type of event
type EventType string

const (
	// Identity events
	EventTypeIdentityCreated  EventType = "identity.created"
	EventTypeIdentitiesMerged EventType = "identities.merged"

	// Review events
	EventTypeSuggestionCreated EventType = "suggestion.created"
	EventTypeSuggestionDecided EventType = "suggestion.decided"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventType     EventType `json:"event_type"`
	SchemaVersion string    `json:"schema_version"`
	TenantID      string    `json:"tenant_id"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// IdentityCreatedEvent is emitted when a reference lands on a new canonical
// identity, including provisional identities created on the queued path.
type IdentityCreatedEvent struct {
	BaseEvent
	IdentityID     string  `json:"identity_id"`
	CanonicalName  string  `json:"canonical_name"`
	CanonicalEmail *string `json:"canonical_email,omitempty"`
	IsTeamMember   bool    `json:"is_team_member"`
}

// IdentitiesMergedEvent is emitted after a merge commits. Consumers holding
// the duplicate id should re-point at the survivor.
type IdentitiesMergedEvent struct {
	BaseEvent
	SurvivorID  string  `json:"survivor_id"`
	DuplicateID string  `json:"duplicate_id"`
	EntityKind  string  `json:"entity_kind"`
	Reason      string  `json:"reason"`
	Score       float64 `json:"score"`
	PerformedBy string  `json:"performed_by"`
}

// SuggestionCreatedEvent is emitted when an ambiguous match enters the
// review queue.
type SuggestionCreatedEvent struct {
	BaseEvent
	SuggestionID string  `json:"suggestion_id"`
	IdentityAID  string  `json:"identity_a_id"`
	IdentityBID  string  `json:"identity_b_id"`
	EntityKind   string  `json:"entity_kind"`
	Score        float64 `json:"score"`
	Reason       string  `json:"reason"`
}

// SuggestionDecidedEvent is emitted when a reviewer resolves a suggestion,
// or when the system retires one as obsolete.
type SuggestionDecidedEvent struct {
	BaseEvent
	SuggestionID string  `json:"suggestion_id"`
	IdentityAID  string  `json:"identity_a_id"`
	IdentityBID  string  `json:"identity_b_id"`
	Status       string  `json:"status"`
	ReviewedBy   *string `json:"reviewed_by,omitempty"`
}

// NewBaseEvent creates a base event with common fields
func NewBaseEvent(eventType EventType, tenantID string) BaseEvent {
	return BaseEvent{
		EventType:     eventType,
		SchemaVersion: SchemaVersion,
		TenantID:      tenantID,
		Timestamp:     time.Now().UTC(),
		CorrelationID: uuid.New().String(),
	}
}
