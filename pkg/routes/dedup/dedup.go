// Package dedup exposes batch deduplication run endpoints.
package dedup

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/repositories/dedupjob"
	"github.com/Ramsey-B/fern/pkg/appcontext"
	"github.com/Ramsey-B/fern/pkg/dedup"
	"github.com/Ramsey-B/fern/pkg/errs"
	"github.com/Ramsey-B/fern/pkg/models"
)

// Register registers dedup run routes
func Register(g *echo.Group) {
	g.POST("/runs", StartRun)
	g.GET("/runs/:id", GetRun)
}

func requireTenant(c echo.Context) (string, error) {
	tenantID := appcontext.GetTenantID(c.Request().Context())
	if tenantID == "" {
		return "", errs.NewValidationError("tenant_id", "X-Tenant-ID header is required")
	}
	return tenantID, nil
}

// StartRun triggers a batch deduplication pass for the tenant. The pass runs
// synchronously and returns its report; a run already holding the tenant
// lease surfaces as 409.
func StartRun(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID, err := requireTenant(c)
	if err != nil {
		return err
	}

	var req models.StartDedupRunRequest
	if err := c.Bind(&req); err != nil {
		return errs.NewValidationError("", "request body must be a JSON run request")
	}

	ctx, deduper, err := ectoinject.GetContext[*dedup.Deduplicator](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "deduplicator unavailable")
	}

	report, err := deduper.Run(ctx, tenantID, req.DryRun)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, report)
}

// GetRun returns the state of one batch run
func GetRun(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID, err := requireTenant(c)
	if err != nil {
		return err
	}

	ctx, repo, err := ectoinject.GetContext[*dedupjob.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "dedup job store unavailable")
	}

	run, err := repo.Get(ctx, tenantID, c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, run)
}
