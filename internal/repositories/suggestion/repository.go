// Package suggestion persists merge suggestions, the review queue backing
// store.
package suggestion

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

const table = "merge_suggestions"

var columns = []string{
	"id", "tenant_id", "identity_a_id", "identity_b_id", "entity_kind",
	"similarity_score", "matching_reason", "evidence", "status",
	"reviewed_by", "review_notes", "reviewed_at", "created_at", "updated_at",
}

// Repository handles merge suggestion persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new merge suggestion repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a suggestion for an unordered pair. One row per pair per
// tenant, ever: a pending row absorbs the new sighting (keeping the highest
// score), while a rejected, merged, or obsolete row suppresses re-suggestion
// entirely.
func (r *Repository) Create(ctx context.Context, s *models.MergeSuggestion) (*models.MergeSuggestion, error) {
	ctx, span := tracing.StartSpan(ctx, "suggestion.Repository.Create")
	defer span.End()

	s.IdentityAID, s.IdentityBID = models.OrderPair(s.IdentityAID, s.IdentityBID)
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.EntityKind == "" {
		s.EntityKind = models.EntityKindIdentity
	}
	if s.Status == "" {
		s.Status = models.SuggestionStatusPending
	}
	if len(s.Evidence) == 0 {
		s.Evidence = []byte(`{}`)
	}
	s.CreatedAt = time.Now().UTC()
	s.UpdatedAt = s.CreatedAt

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto(table)
	sb.Cols("id", "tenant_id", "identity_a_id", "identity_b_id", "entity_kind", "similarity_score", "matching_reason", "evidence", "status", "created_at", "updated_at")
	sb.Values(s.ID, s.TenantID, s.IdentityAID, s.IdentityBID, s.EntityKind, s.SimilarityScore, s.MatchingReason, s.Evidence, s.Status, s.CreatedAt, s.UpdatedAt)
	sb.SQL(`ON CONFLICT (tenant_id, identity_a_id, identity_b_id) DO UPDATE SET
		similarity_score = GREATEST(` + table + `.similarity_score, EXCLUDED.similarity_score),
		evidence = EXCLUDED.evidence,
		updated_at = EXCLUDED.updated_at
		WHERE ` + table + `.status = 'pending'`)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create merge suggestion")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create merge suggestion")
	}

	return r.GetByPair(ctx, s.TenantID, s.IdentityAID, s.IdentityBID)
}

// Get retrieves a suggestion by id.
func (r *Repository) Get(ctx context.Context, tenantID string, id string) (*models.MergeSuggestion, error) {
	ctx, span := tracing.StartSpan(ctx, "suggestion.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()
	var s models.MergeSuggestion
	if err := r.db.GetContext(ctx, &s, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, fmt.Errorf("merge suggestion %s: %w", id, errs.ErrNotFound)
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get merge suggestion")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get merge suggestion")
	}

	return &s, nil
}

// GetByPair retrieves the suggestion for an unordered pair, in any status.
func (r *Repository) GetByPair(ctx context.Context, tenantID string, idA string, idB string) (*models.MergeSuggestion, error) {
	ctx, span := tracing.StartSpan(ctx, "suggestion.Repository.GetByPair")
	defer span.End()

	idA, idB = models.OrderPair(idA, idB)

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("identity_a_id", idA),
		sb.Equal("identity_b_id", idB),
	)

	query, args := sb.Build()
	var s models.MergeSuggestion
	if err := r.db.GetContext(ctx, &s, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, fmt.Errorf("merge suggestion for pair: %w", errs.ErrNotFound)
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get merge suggestion by pair")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get merge suggestion by pair")
	}

	return &s, nil
}

// List returns suggestions for a tenant filtered by status, newest first.
func (r *Repository) List(ctx context.Context, tenantID string, status string, page int, pageSize int) ([]*models.MergeSuggestion, int, error) {
	ctx, span := tracing.StartSpan(ctx, "suggestion.Repository.List")
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 50
	}

	countSb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	countSb.Select("COUNT(*)")
	countSb.From(table)
	countSb.Where(countSb.Equal("tenant_id", tenantID))
	if status != "" {
		countSb.Where(countSb.Equal("status", status))
	}

	query, args := countSb.Build()
	var total int
	if err := r.db.GetContext(ctx, &total, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count merge suggestions")
		return nil, 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count merge suggestions")
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("tenant_id", tenantID))
	if status != "" {
		sb.Where(sb.Equal("status", status))
	}
	sb.OrderBy("created_at DESC", "id")
	sb.Limit(pageSize).Offset((page - 1) * pageSize)

	query, args = sb.Build()
	suggestions := []*models.MergeSuggestion{}
	if err := r.db.SelectContext(ctx, &suggestions, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list merge suggestions")
		return nil, 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list merge suggestions")
	}

	return suggestions, total, nil
}

// UpdateStatus transitions a pending suggestion. Returns errs.ErrNotFound
// when the suggestion is missing or no longer pending, so concurrent
// reviewers cannot double-apply a decision.
func (r *Repository) UpdateStatus(ctx context.Context, tenantID string, id string, status string, reviewedBy string, notes string) error {
	ctx, span := tracing.StartSpan(ctx, "suggestion.Repository.UpdateStatus")
	defer span.End()

	now := time.Now().UTC()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update(table)
	sb.Set(
		sb.Assign("status", status),
		sb.Assign("reviewed_by", reviewedBy),
		sb.Assign("review_notes", notes),
		sb.Assign("reviewed_at", now),
		sb.Assign("updated_at", now),
	)
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
		sb.Equal("status", models.SuggestionStatusPending),
	)

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to update merge suggestion status")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update merge suggestion status")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("pending merge suggestion %s: %w", id, errs.ErrNotFound)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"id": id, "status": status}).Info("Updated merge suggestion")
	return nil
}

// MarkObsoleteForIdentity retires every pending suggestion referencing an
// identity that just got merged away, except the one named by exceptID (the
// suggestion whose approval triggered the merge). Called inside the merge
// transaction.
func (r *Repository) MarkObsoleteForIdentity(ctx context.Context, tenantID string, identityID string, exceptID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "suggestion.Repository.MarkObsoleteForIdentity")
	defer span.End()

	now := time.Now().UTC()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update(table)
	sb.Set(
		sb.Assign("status", models.SuggestionStatusObsolete),
		sb.Assign("updated_at", now),
	)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("status", models.SuggestionStatusPending),
		sb.Or(
			sb.Equal("identity_a_id", identityID),
			sb.Equal("identity_b_id", identityID),
		),
	)
	if exceptID != "" {
		sb.Where(sb.NotEqual("id", exceptID))
	}

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to obsolete merge suggestions")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to obsolete merge suggestions")
	}

	rows, _ := result.RowsAffected()
	return int(rows), nil
}
