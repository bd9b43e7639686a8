// Package mergeaudit persists the per-merge audit trail.
package mergeaudit

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const table = "merge_audit_log"

var columns = []string{
	"id", "tenant_id", "survivor_id", "duplicate_id", "entity_kind", "reason",
	"similarity_score", "before_state", "after_state", "conflicts",
	"performed_by", "created_at",
}

// Repository handles merge audit log persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new merge audit repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create writes one audit record. Runs inside the merge transaction so the
// merge and its audit trail commit together.
func (r *Repository) Create(ctx context.Context, record *models.MergeAuditRecord) (*models.MergeAuditRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "mergeaudit.Repository.Create")
	defer span.End()

	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	record.CreatedAt = time.Now().UTC()
	if len(record.Conflicts) == 0 {
		record.Conflicts = []byte(`[]`)
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto(table)
	sb.Cols(columns...)
	sb.Values(
		record.ID, record.TenantID, record.SurvivorID, record.DuplicateID,
		record.EntityKind, record.Reason, record.SimilarityScore,
		record.BeforeState, record.AfterState, record.Conflicts,
		record.PerformedBy, record.CreatedAt,
	)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create merge audit record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create merge audit record")
	}

	return record, nil
}

// ListBySurvivor returns audit records where an identity was the survivor,
// newest first.
func (r *Repository) ListBySurvivor(ctx context.Context, tenantID string, survivorID string, limit int) ([]*models.MergeAuditRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "mergeaudit.Repository.ListBySurvivor")
	defer span.End()

	if limit <= 0 || limit > 200 {
		limit = 50
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("survivor_id", survivorID),
	)
	sb.OrderBy("created_at DESC")
	sb.Limit(limit)

	query, args := sb.Build()
	records := []*models.MergeAuditRecord{}
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list merge audit records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list merge audit records")
	}

	return records, nil
}
