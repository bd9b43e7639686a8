// Package emailalias persists known email addresses for canonical identities.
package emailalias

import (
	"context"
	"fmt"
	"net/http"
	"strings"
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

const table = "email_aliases"

var columns = []string{
	"id", "tenant_id", "canonical_identity_id", "email_address", "is_primary",
	"source_platform", "usage_count", "first_seen_at", "last_seen_at",
}

// Repository handles email alias persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new email alias repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Upsert records a sighting of an email for an identity. An existing alias
// bumps usage_count and last_seen_at. An alias owned by a DIFFERENT identity
// is left untouched and the existing row is returned with
// errs.ConflictError, because an email resolves to exactly one canonical
// identity and ownership moves only through the merge executor.
func (r *Repository) Upsert(ctx context.Context, alias *models.EmailAlias) (*models.EmailAlias, error) {
	ctx, span := tracing.StartSpan(ctx, "emailalias.Repository.Upsert")
	defer span.End()

	alias.EmailAddress = strings.ToLower(strings.TrimSpace(alias.EmailAddress))
	if alias.ID == "" {
		alias.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	alias.FirstSeenAt = now
	alias.LastSeenAt = now
	if alias.UsageCount == 0 {
		alias.UsageCount = 1
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto(table)
	sb.Cols("id", "tenant_id", "canonical_identity_id", "email_address", "is_primary", "source_platform", "usage_count", "first_seen_at", "last_seen_at")
	sb.Values(alias.ID, alias.TenantID, alias.CanonicalIdentityID, alias.EmailAddress, alias.IsPrimary, alias.SourcePlatform, alias.UsageCount, alias.FirstSeenAt, alias.LastSeenAt)
	sb.SQL(`ON CONFLICT (tenant_id, email_address) DO UPDATE SET
		usage_count = ` + table + `.usage_count + 1,
		last_seen_at = EXCLUDED.last_seen_at
		WHERE ` + table + `.canonical_identity_id = EXCLUDED.canonical_identity_id`)

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to upsert email alias")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert email alias")
	}

	rows, _ := result.RowsAffected()
	existing, getErr := r.GetByEmail(ctx, alias.TenantID, alias.EmailAddress)
	if getErr != nil {
		return nil, getErr
	}
	if rows == 0 && existing.CanonicalIdentityID != alias.CanonicalIdentityID {
		return existing, errs.NewConflictError("email_aliases_tenant_id_email_address_key", fmt.Errorf("email %s belongs to identity %s", alias.EmailAddress, existing.CanonicalIdentityID))
	}

	return existing, nil
}

// GetByEmail resolves a normalized email to its alias row.
func (r *Repository) GetByEmail(ctx context.Context, tenantID string, email string) (*models.EmailAlias, error) {
	ctx, span := tracing.StartSpan(ctx, "emailalias.Repository.GetByEmail")
	defer span.End()

	email = strings.ToLower(strings.TrimSpace(email))

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("email_address", email),
	)

	query, args := sb.Build()
	var alias models.EmailAlias
	if err := r.db.GetContext(ctx, &alias, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, fmt.Errorf("email alias: %w", errs.ErrNotFound)
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get email alias")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get email alias")
	}

	return &alias, nil
}

// ListByIdentity returns every alias owned by a canonical identity.
func (r *Repository) ListByIdentity(ctx context.Context, tenantID string, canonicalIdentityID string) ([]*models.EmailAlias, error) {
	ctx, span := tracing.StartSpan(ctx, "emailalias.Repository.ListByIdentity")
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
	aliases := []*models.EmailAlias{}
	if err := r.db.SelectContext(ctx, &aliases, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list email aliases")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list email aliases")
	}

	return aliases, nil
}

// CountByIdentity returns how many aliases an identity owns.
func (r *Repository) CountByIdentity(ctx context.Context, tenantID string, canonicalIdentityID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "emailalias.Repository.CountByIdentity")
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
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count email aliases")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count email aliases")
	}

	return count, nil
}

// Reparent moves every alias from one canonical identity to another. The
// survivor keeps its primary alias: moved aliases are demoted so the
// one-primary-per-identity invariant holds.
func (r *Repository) Reparent(ctx context.Context, tenantID string, fromIdentityID string, toIdentityID string, survivorHasPrimary bool) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "emailalias.Repository.Reparent")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update(table)
	if survivorHasPrimary {
		sb.Set(
			sb.Assign("canonical_identity_id", toIdentityID),
			sb.Assign("is_primary", false),
		)
	} else {
		sb.Set(sb.Assign("canonical_identity_id", toIdentityID))
	}
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("canonical_identity_id", fromIdentityID),
	)

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to reparent email aliases")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to reparent email aliases")
	}

	rows, _ := result.RowsAffected()
	return int(rows), nil
}
