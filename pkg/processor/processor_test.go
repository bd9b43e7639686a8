package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/appcontext"
	"github.com/Ramsey-B/fern/pkg/errs"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
)

type fakeResolver struct {
	gotTenant string
	gotRef    *models.IdentityReference
	ctxTenant string
	result    *models.ResolveResult
	err       error
}

func (f *fakeResolver) Resolve(ctx context.Context, tenantID string, ref *models.IdentityReference) (*models.ResolveResult, error) {
	f.gotTenant = tenantID
	f.gotRef = ref
	f.ctxTenant = appcontext.GetTenantID(ctx)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func refMessage(tenantID string) *kafka.IncomingMessage {
	return &kafka.IncomingMessage{
		Topic: "identity-references",
		ReferenceMessage: &kafka.ReferenceMessage{
			TenantID: tenantID,
			Reference: models.IdentityReference{
				Platform:       "slack",
				PlatformUserID: "U123",
				Email:          "alex@acme.com",
			},
		},
	}
}

func TestProcessor_HandleMessage(t *testing.T) {
	t.Run("ResolvesReferenceWithTenantContext", func(t *testing.T) {
		resolver := &fakeResolver{
			result: &models.ResolveResult{CanonicalIdentityID: "id-1", Action: models.ResolveActionMatched},
		}
		p := NewProcessor(resolver, testLogger())

		err := p.HandleMessage(context.Background(), refMessage("acme"))
		require.NoError(t, err)
		assert.Equal(t, "acme", resolver.gotTenant)
		assert.Equal(t, "acme", resolver.ctxTenant)
		require.NotNil(t, resolver.gotRef)
		assert.Equal(t, "slack", resolver.gotRef.Platform)
	})

	t.Run("MissingTenantIsValidationError", func(t *testing.T) {
		resolver := &fakeResolver{}
		p := NewProcessor(resolver, testLogger())

		err := p.HandleMessage(context.Background(), refMessage(""))
		require.Error(t, err)
		assert.True(t, errs.IsValidation(err))
		assert.Empty(t, resolver.gotTenant)
	})

	t.Run("ValidationErrorsPassThrough", func(t *testing.T) {
		resolver := &fakeResolver{err: errs.NewValidationError("platform", "platform is required")}
		p := NewProcessor(resolver, testLogger())

		err := p.HandleMessage(context.Background(), refMessage("acme"))
		require.Error(t, err)
		assert.True(t, errs.IsValidation(err))
	})

	t.Run("StoreErrorsAreWrapped", func(t *testing.T) {
		cause := errors.New("connection refused")
		resolver := &fakeResolver{err: cause}
		p := NewProcessor(resolver, testLogger())

		err := p.HandleMessage(context.Background(), refMessage("acme"))
		require.Error(t, err)
		assert.False(t, errs.IsValidation(err))
		assert.ErrorIs(t, err, cause)
	})
}
