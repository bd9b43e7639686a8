// Package dedupjob persists batch deduplication runs and their tenant lease.
package dedupjob

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

const table = "dedup_job_runs"

var columns = []string{
	"id", "tenant_id", "status", "dry_run", "checkpoint", "leased_until",
	"entities_scanned", "pairs_evaluated", "merges_executed", "suggestions_created",
	"error", "started_at", "finished_at",
}

// Repository handles dedup job run persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new dedup job repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// AcquireLease starts a run if and only if no other run holds an unexpired
// lease on the tenant. Losing the race returns errs.ConflictError.
func (r *Repository) AcquireLease(ctx context.Context, tenantID string, dryRun bool, leaseDuration time.Duration) (*models.DedupJobRun, error) {
	ctx, span := tracing.StartSpan(ctx, "dedupjob.Repository.AcquireLease")
	defer span.End()

	run := &models.DedupJobRun{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		Status:      models.DedupRunStatusRunning,
		DryRun:      dryRun,
		LeasedUntil: time.Now().UTC().Add(leaseDuration),
		StartedAt:   time.Now().UTC(),
	}

	query := `INSERT INTO ` + table + `
		(id, tenant_id, status, dry_run, leased_until, started_at)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE NOT EXISTS (
			SELECT 1 FROM ` + table + `
			WHERE tenant_id = $2 AND status = 'running' AND leased_until > now()
		)`

	result, err := r.db.ExecContext(ctx, query, run.ID, run.TenantID, run.Status, run.DryRun, run.LeasedUntil, run.StartedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to acquire dedup lease")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to acquire dedup lease")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, errs.NewConflictError("dedup_lease", fmt.Errorf("another dedup run holds the lease for tenant %s", tenantID))
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"run_id": run.ID, "tenant_id": tenantID, "dry_run": dryRun}).Info("Acquired dedup lease")
	return run, nil
}

// RenewLease extends a running run's lease.
func (r *Repository) RenewLease(ctx context.Context, runID string, leaseDuration time.Duration) error {
	ctx, span := tracing.StartSpan(ctx, "dedupjob.Repository.RenewLease")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update(table)
	sb.Set(sb.Assign("leased_until", time.Now().UTC().Add(leaseDuration)))
	sb.Where(
		sb.Equal("id", runID),
		sb.Equal("status", models.DedupRunStatusRunning),
	)

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to renew dedup lease")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to renew dedup lease")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("running dedup run %s: %w", runID, errs.ErrNotFound)
	}
	return nil
}

// Checkpoint records the last fully processed entity-type partition and the
// running counters, making the run resumable after cancellation.
func (r *Repository) Checkpoint(ctx context.Context, run *models.DedupJobRun) error {
	ctx, span := tracing.StartSpan(ctx, "dedupjob.Repository.Checkpoint")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update(table)
	sb.Set(
		sb.Assign("checkpoint", run.Checkpoint),
		sb.Assign("entities_scanned", run.EntitiesScanned),
		sb.Assign("pairs_evaluated", run.PairsEvaluated),
		sb.Assign("merges_executed", run.MergesExecuted),
		sb.Assign("suggestions_created", run.SuggestionsCreated),
	)
	sb.Where(sb.Equal("id", run.ID))

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to checkpoint dedup run")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to checkpoint dedup run")
	}
	return nil
}

// Finish closes a run with a terminal status and releases the lease. The
// run's final checkpoint is persisted too: completed runs carry nil, so a
// finished pass leaves no resume point behind.
func (r *Repository) Finish(ctx context.Context, run *models.DedupJobRun, status string, runErr error) error {
	ctx, span := tracing.StartSpan(ctx, "dedupjob.Repository.Finish")
	defer span.End()

	now := time.Now().UTC()
	var errMsg *string
	if runErr != nil {
		msg := runErr.Error()
		errMsg = &msg
	}

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update(table)
	sb.Set(
		sb.Assign("status", status),
		sb.Assign("checkpoint", run.Checkpoint),
		sb.Assign("error", errMsg),
		sb.Assign("finished_at", now),
		sb.Assign("leased_until", now),
		sb.Assign("entities_scanned", run.EntitiesScanned),
		sb.Assign("pairs_evaluated", run.PairsEvaluated),
		sb.Assign("merges_executed", run.MergesExecuted),
		sb.Assign("suggestions_created", run.SuggestionsCreated),
	)
	sb.Where(sb.Equal("id", run.ID))

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to finish dedup run")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to finish dedup run")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"run_id": run.ID, "status": status}).Info("Finished dedup run")
	return nil
}

// Get retrieves a run by id.
func (r *Repository) Get(ctx context.Context, tenantID string, runID string) (*models.DedupJobRun, error) {
	ctx, span := tracing.StartSpan(ctx, "dedupjob.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("id", runID),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()
	var run models.DedupJobRun
	if err := r.db.GetContext(ctx, &run, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, fmt.Errorf("dedup run %s: %w", runID, errs.ErrNotFound)
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get dedup run")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get dedup run")
	}

	return &run, nil
}

// LatestCheckpoint returns the checkpoint of the most recent cancelled or
// failed run for a tenant, so a new run can resume where the last stopped.
// Only runs started after the tenant's last completed pass count: a full
// pass supersedes any older interrupted one, and its partitions must be
// rescanned on the next run.
func (r *Repository) LatestCheckpoint(ctx context.Context, tenantID string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "dedupjob.Repository.LatestCheckpoint")
	defer span.End()

	query := `SELECT checkpoint FROM ` + table + `
		WHERE tenant_id = $1
		  AND status IN ($2, $3)
		  AND checkpoint IS NOT NULL
		  AND started_at > COALESCE((
			SELECT max(started_at) FROM ` + table + `
			WHERE tenant_id = $1 AND status = $4
		  ), to_timestamp(0))
		ORDER BY started_at DESC
		LIMIT 1`

	var checkpoint string
	err := r.db.GetContext(ctx, &checkpoint, query,
		tenantID, models.DedupRunStatusCancelled, models.DedupRunStatusFailed, models.DedupRunStatusCompleted)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return "", nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to read latest dedup checkpoint")
		return "", httperror.NewHTTPError(http.StatusInternalServerError, "failed to read latest dedup checkpoint")
	}

	return checkpoint, nil
}
