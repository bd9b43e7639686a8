// Package identity persists canonical identities.
package identity

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

const table = "canonical_identities"

var columns = []string{
	"id", "tenant_id", "canonical_name", "canonical_email", "is_team_member",
	"metadata", "name_embedding", "merged_into", "created_at", "updated_at", "deleted_at",
}

// Repository handles canonical identity persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new canonical identity repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// DB exposes the underlying database handle for transactional operations.
func (r *Repository) DB() database.DB {
	return r.db
}

// Create inserts a new canonical identity. A unique-constraint race on the
// canonical email surfaces as errs.ConflictError so the caller can retry
// against the refreshed store.
func (r *Repository) Create(ctx context.Context, identity *models.CanonicalIdentity) (*models.CanonicalIdentity, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.Create")
	defer span.End()

	if identity.ID == "" {
		identity.ID = uuid.New().String()
	}
	identity.CreatedAt = time.Now().UTC()
	identity.UpdatedAt = identity.CreatedAt
	if len(identity.Metadata) == 0 {
		identity.Metadata = []byte(`{}`)
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto(table)
	sb.Cols("id", "tenant_id", "canonical_name", "canonical_email", "is_team_member", "metadata", "name_embedding", "created_at", "updated_at")
	sb.Values(identity.ID, identity.TenantID, identity.CanonicalName, identity.CanonicalEmail, identity.IsTeamMember, identity.Metadata, identity.NameEmbedding, identity.CreatedAt, identity.UpdatedAt)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, errs.NewConflictError(database.ConstraintName(err), err)
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create canonical identity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create canonical identity")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"id": identity.ID}).Info("Created canonical identity")
	return identity, nil
}

// Get retrieves an identity by id, including merged tombstones. Merge chain
// resolution needs the tombstones; use IsActive on the result when only live
// records qualify.
func (r *Repository) Get(ctx context.Context, tenantID string, id string) (*models.CanonicalIdentity, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()
	var identity models.CanonicalIdentity
	if err := r.db.GetContext(ctx, &identity, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, fmt.Errorf("canonical identity %s: %w", id, errs.ErrNotFound)
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get canonical identity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get canonical identity")
	}

	return &identity, nil
}

// GetActiveByEmail finds the live identity whose canonical email matches.
func (r *Repository) GetActiveByEmail(ctx context.Context, tenantID string, email string) (*models.CanonicalIdentity, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.GetActiveByEmail")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		"lower(canonical_email) = "+sb.Var(email),
		sb.IsNull("merged_into"),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	var identity models.CanonicalIdentity
	if err := r.db.GetContext(ctx, &identity, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, fmt.Errorf("canonical identity for email: %w", errs.ErrNotFound)
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get canonical identity by email")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get canonical identity by email")
	}

	return &identity, nil
}

// ListActive returns live identities for a tenant, oldest first so matching
// tie-breaks are deterministic.
func (r *Repository) ListActive(ctx context.Context, tenantID string, limit int, offset int) ([]*models.CanonicalIdentity, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.ListActive")
	defer span.End()

	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.IsNull("merged_into"),
		sb.IsNull("deleted_at"),
	)
	sb.OrderBy("created_at", "id").Asc()
	sb.Limit(limit).Offset(offset)

	query, args := sb.Build()
	identities := []*models.CanonicalIdentity{}
	if err := r.db.SelectContext(ctx, &identities, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list canonical identities")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list canonical identities")
	}

	return identities, nil
}

// CountActive returns the number of live identities for a tenant.
func (r *Repository) CountActive(ctx context.Context, tenantID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.CountActive")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("COUNT(*)")
	sb.From(table)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.IsNull("merged_into"),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	var count int
	if err := r.db.GetContext(ctx, &count, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count canonical identities")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count canonical identities")
	}

	return count, nil
}

// ListTenants returns every tenant with at least one identity, sorted.
func (r *Repository) ListTenants(ctx context.Context) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.ListTenants")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("DISTINCT tenant_id")
	sb.From(table)
	sb.OrderBy("tenant_id")

	query, args := sb.Build()
	tenants := []string{}
	if err := r.db.SelectContext(ctx, &tenants, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list tenants")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list tenants")
	}

	return tenants, nil
}

// Update persists scalar fields and metadata on an existing identity.
func (r *Repository) Update(ctx context.Context, identity *models.CanonicalIdentity) error {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.Update")
	defer span.End()

	identity.UpdatedAt = time.Now().UTC()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update(table)
	sb.Set(
		sb.Assign("canonical_name", identity.CanonicalName),
		sb.Assign("canonical_email", identity.CanonicalEmail),
		sb.Assign("is_team_member", identity.IsTeamMember),
		sb.Assign("metadata", identity.Metadata),
		sb.Assign("name_embedding", identity.NameEmbedding),
		sb.Assign("updated_at", identity.UpdatedAt),
	)
	sb.Where(
		sb.Equal("id", identity.ID),
		sb.Equal("tenant_id", identity.TenantID),
	)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		if database.IsUniqueViolation(err) {
			return errs.NewConflictError(database.ConstraintName(err), err)
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to update canonical identity")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update canonical identity")
	}

	return nil
}

// MarkMerged turns the duplicate row into a tombstone pointing at the
// survivor. Fails with errs.ErrAlreadyMerged when the row already lost a
// merge, so repeat merges are side-effect free.
func (r *Repository) MarkMerged(ctx context.Context, tenantID string, duplicateID string, survivorID string) error {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.MarkMerged")
	defer span.End()

	now := time.Now().UTC()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update(table)
	sb.Set(
		sb.Assign("merged_into", survivorID),
		sb.Assign("updated_at", now),
	)
	sb.Where(
		sb.Equal("id", duplicateID),
		sb.Equal("tenant_id", tenantID),
		sb.IsNull("merged_into"),
	)

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to mark identity merged")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark identity merged")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errs.ErrAlreadyMerged
	}

	return nil
}
