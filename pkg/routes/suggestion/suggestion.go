// Package suggestion exposes the merge review queue endpoints.
package suggestion

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/appcontext"
	"github.com/Ramsey-B/fern/pkg/errs"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/review"
)

// Register registers suggestion routes
func Register(g *echo.Group) {
	g.GET("", ListSuggestions)
	g.POST("/:id/approve", ApproveSuggestion)
	g.POST("/:id/reject", RejectSuggestion)
}

func requireTenant(c echo.Context) (string, error) {
	tenantID := appcontext.GetTenantID(c.Request().Context())
	if tenantID == "" {
		return "", errs.NewValidationError("tenant_id", "X-Tenant-ID header is required")
	}
	return tenantID, nil
}

// ListSuggestions lists merge suggestions, filtered by status
func ListSuggestions(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID, err := requireTenant(c)
	if err != nil {
		return err
	}

	status := c.QueryParam("status")
	page, _ := strconv.Atoi(c.QueryParam("page"))
	pageSize, _ := strconv.Atoi(c.QueryParam("page_size"))

	ctx, svc, err := ectoinject.GetContext[*review.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "review service unavailable")
	}

	resp, err := svc.List(ctx, tenantID, status, page, pageSize)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, resp)
}

// ApproveSuggestion approves a pending suggestion and executes the merge
func ApproveSuggestion(c echo.Context) error {
	return decide(c, true)
}

// RejectSuggestion rejects a pending suggestion and suppresses the pair
func RejectSuggestion(c echo.Context) error {
	return decide(c, false)
}

func decide(c echo.Context, approve bool) error {
	ctx := c.Request().Context()
	tenantID, err := requireTenant(c)
	if err != nil {
		return err
	}

	reviewer := appcontext.GetUserID(ctx)
	if reviewer == "" {
		return errs.NewValidationError("user_id", "X-User-ID header is required for review decisions")
	}

	var req models.ReviewDecisionRequest
	if err := c.Bind(&req); err != nil {
		return errs.NewValidationError("", "request body must be a JSON review decision")
	}

	ctx, svc, err := ectoinject.GetContext[*review.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "review service unavailable")
	}

	suggestion, err := svc.Decide(ctx, tenantID, c.Param("id"), reviewer, approve, req.Notes)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, suggestion)
}
