// Package events publishes identity lifecycle events to Kafka. Emission is
// best effort: callers log and continue when a publish fails, the store
// remains the source of truth.
package events

import (
	"context"
	"encoding/json"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Emitter publishes resolution, merge, and review events.
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

// IdentityCreated emits an identity.created event.
func (e *Emitter) IdentityCreated(ctx context.Context, identity *models.CanonicalIdentity) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.IdentityCreated")
	defer span.End()

	event := IdentityCreatedEvent{
		BaseEvent:      NewBaseEvent(EventTypeIdentityCreated, identity.TenantID),
		IdentityID:     identity.ID,
		CanonicalName:  identity.CanonicalName,
		CanonicalEmail: identity.CanonicalEmail,
		IsTeamMember:   identity.IsTeamMember,
	}

	return e.publish(ctx, event.BaseEvent, identity.ID, event)
}

// IdentitiesMerged emits an identities.merged event from the audit record.
func (e *Emitter) IdentitiesMerged(ctx context.Context, record *models.MergeAuditRecord) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.IdentitiesMerged")
	defer span.End()

	event := IdentitiesMergedEvent{
		BaseEvent:   NewBaseEvent(EventTypeIdentitiesMerged, record.TenantID),
		SurvivorID:  record.SurvivorID,
		DuplicateID: record.DuplicateID,
		EntityKind:  record.EntityKind,
		Reason:      record.Reason,
		Score:       record.SimilarityScore,
		PerformedBy: record.PerformedBy,
	}

	// Keyed by survivor so merge history lands on the surviving identity's
	// partition.
	return e.publish(ctx, event.BaseEvent, record.SurvivorID, event)
}

// SuggestionCreated emits a suggestion.created event.
func (e *Emitter) SuggestionCreated(ctx context.Context, suggestion *models.MergeSuggestion) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.SuggestionCreated")
	defer span.End()

	event := SuggestionCreatedEvent{
		BaseEvent:    NewBaseEvent(EventTypeSuggestionCreated, suggestion.TenantID),
		SuggestionID: suggestion.ID,
		IdentityAID:  suggestion.IdentityAID,
		IdentityBID:  suggestion.IdentityBID,
		EntityKind:   suggestion.EntityKind,
		Score:        suggestion.SimilarityScore,
		Reason:       suggestion.MatchingReason,
	}

	return e.publish(ctx, event.BaseEvent, suggestion.ID, event)
}

// SuggestionDecided emits a suggestion.decided event with the final status.
func (e *Emitter) SuggestionDecided(ctx context.Context, suggestion *models.MergeSuggestion) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.SuggestionDecided")
	defer span.End()

	event := SuggestionDecidedEvent{
		BaseEvent:    NewBaseEvent(EventTypeSuggestionDecided, suggestion.TenantID),
		SuggestionID: suggestion.ID,
		IdentityAID:  suggestion.IdentityAID,
		IdentityBID:  suggestion.IdentityBID,
		Status:       suggestion.Status,
		ReviewedBy:   suggestion.ReviewedBy,
	}

	return e.publish(ctx, event.BaseEvent, suggestion.ID, event)
}

func (e *Emitter) publish(ctx context.Context, base BaseEvent, key string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if err := e.producer.PublishIdentityEvent(ctx, &kafka.IdentityEvent{
		EventType: string(base.EventType),
		TenantID:  base.TenantID,
		Key:       key,
		Data:      data,
		Timestamp: base.Timestamp,
	}); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_type": base.EventType,
		}).Error("Failed to emit event")
		return err
	}

	return nil
}
