// Package processor bridges the Kafka ingestion topic to the resolver.
package processor

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/appcontext"
	"github.com/Ramsey-B/fern/pkg/errs"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ReferenceResolver lands one reference on a canonical identity.
type ReferenceResolver interface {
	Resolve(ctx context.Context, tenantID string, ref *models.IdentityReference) (*models.ResolveResult, error)
}

// Processor handles reference messages from the ingestion topic.
type Processor struct {
	resolver ReferenceResolver
	logger   ectologger.Logger
}

// NewProcessor creates a reference ingestion processor
func NewProcessor(resolver ReferenceResolver, logger ectologger.Logger) *Processor {
	return &Processor{
		resolver: resolver,
		logger:   logger,
	}
}

// HandleMessage resolves one ingested reference. Validation failures are
// returned as-is so the consumer commits past the poison message; everything
// else bubbles up uncommitted for redelivery.
func (p *Processor) HandleMessage(ctx context.Context, msg *kafka.IncomingMessage) error {
	ctx, span := tracing.StartSpan(ctx, "processor.Processor.HandleMessage")
	defer span.End()

	tenantID := msg.GetTenantID()
	if tenantID == "" {
		return errs.NewValidationError("tenant_id", "reference message is missing a tenant id")
	}
	ctx = appcontext.SetTenantID(ctx, tenantID)

	ref := &msg.ReferenceMessage.Reference
	result, err := p.resolver.Resolve(ctx, tenantID, ref)
	if err != nil {
		if errs.IsValidation(err) {
			return err
		}
		return fmt.Errorf("failed to resolve ingested reference: %w", err)
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"platform":    ref.Platform,
		"action":      result.Action,
		"identity_id": result.CanonicalIdentityID,
	}).Info("Resolved ingested reference")

	return nil
}
