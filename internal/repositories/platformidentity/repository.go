// Package platformidentity persists platform-specific identifiers.
package platformidentity

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/errs"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const table = "platform_identities"

var columns = []string{
	"id", "tenant_id", "canonical_identity_id", "platform", "platform_user_id",
	"platform_email", "display_name", "confidence", "verified", "raw_platform_data",
	"first_seen_at", "last_seen_at",
}

// Repository handles platform identity persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new platform identity repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Upsert inserts a platform identity or refreshes an existing one. The
// (tenant, platform, platform_user_id) key never moves between identities
// here; ownership transfers happen only in the merge executor. Re-ingesting
// a known platform identity just bumps last_seen_at and the freshest
// display data, so re-ingestion is a no-op with respect to identity count.
func (r *Repository) Upsert(ctx context.Context, pi *models.PlatformIdentity) (*models.PlatformIdentity, error) {
	ctx, span := tracing.StartSpan(ctx, "platformidentity.Repository.Upsert")
	defer span.End()

	if pi.ID == "" {
		pi.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	pi.FirstSeenAt = now
	pi.LastSeenAt = now
	if len(pi.RawPlatformData) == 0 {
		pi.RawPlatformData = []byte(`{}`)
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto(table)
	sb.Cols("id", "tenant_id", "canonical_identity_id", "platform", "platform_user_id", "platform_email", "display_name", "confidence", "verified", "raw_platform_data", "first_seen_at", "last_seen_at")
	sb.Values(pi.ID, pi.TenantID, pi.CanonicalIdentityID, pi.Platform, pi.PlatformUserID, pi.PlatformEmail, pi.DisplayName, pi.Confidence, pi.Verified, pi.RawPlatformData, pi.FirstSeenAt, pi.LastSeenAt)
	sb.SQL(`ON CONFLICT (tenant_id, platform, platform_user_id) DO UPDATE SET
		display_name = EXCLUDED.display_name,
		platform_email = COALESCE(EXCLUDED.platform_email, ` + table + `.platform_email),
		confidence = GREATEST(` + table + `.confidence, EXCLUDED.confidence),
		raw_platform_data = EXCLUDED.raw_platform_data,
		last_seen_at = EXCLUDED.last_seen_at`)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to upsert platform identity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert platform identity")
	}

	return r.GetByPlatformUserID(ctx, pi.TenantID, pi.Platform, pi.PlatformUserID)
}

// GetByPlatformUserID looks up the owner of a (platform, platform_user_id) key.
func (r *Repository) GetByPlatformUserID(ctx context.Context, tenantID string, platform string, platformUserID string) (*models.PlatformIdentity, error) {
	ctx, span := tracing.StartSpan(ctx, "platformidentity.Repository.GetByPlatformUserID")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("platform", platform),
		sb.Equal("platform_user_id", platformUserID),
	)

	query, args := sb.Build()
	var pi models.PlatformIdentity
	if err := r.db.GetContext(ctx, &pi, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, fmt.Errorf("platform identity %s/%s: %w", platform, platformUserID, errs.ErrNotFound)
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get platform identity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get platform identity")
	}

	return &pi, nil
}

// ListByIdentity returns every platform identity owned by a canonical identity.
func (r *Repository) ListByIdentity(ctx context.Context, tenantID string, canonicalIdentityID string) ([]*models.PlatformIdentity, error) {
	ctx, span := tracing.StartSpan(ctx, "platformidentity.Repository.ListByIdentity")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("canonical_identity_id", canonicalIdentityID),
	)
	sb.OrderBy("first_seen_at", "id").Asc()

	query, args := sb.Build()
	identities := []*models.PlatformIdentity{}
	if err := r.db.SelectContext(ctx, &identities, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list platform identities")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list platform identities")
	}

	return identities, nil
}

// CountByIdentity returns how many platform identities an identity owns.
func (r *Repository) CountByIdentity(ctx context.Context, tenantID string, canonicalIdentityID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "platformidentity.Repository.CountByIdentity")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("COUNT(*)")
	sb.From(table)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("canonical_identity_id", canonicalIdentityID),
	)

	query, args := sb.Build()
	var count int
	if err := r.db.GetContext(ctx, &count, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count platform identities")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count platform identities")
	}

	return count, nil
}

// Reparent moves every platform identity from one canonical identity to
// another and returns how many rows moved.
func (r *Repository) Reparent(ctx context.Context, tenantID string, fromIdentityID string, toIdentityID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "platformidentity.Repository.Reparent")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update(table)
	sb.Set(sb.Assign("canonical_identity_id", toIdentityID))
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("canonical_identity_id", fromIdentityID),
	)

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to reparent platform identities")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to reparent platform identities")
	}

	rows, _ := result.RowsAffected()
	return int(rows), nil
}
