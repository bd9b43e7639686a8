// Package resolve exposes the reference ingestion endpoint.
package resolve

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/appcontext"
	"github.com/Ramsey-B/fern/pkg/errs"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolver"
)

// Register registers resolve routes
func Register(g *echo.Group) {
	g.POST("", ResolveReference)
}

// ResolveReference lands one identity reference on a canonical identity
func ResolveReference(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID := appcontext.GetTenantID(ctx)
	if tenantID == "" {
		return errs.NewValidationError("tenant_id", "X-Tenant-ID header is required")
	}

	var ref models.IdentityReference
	if err := c.Bind(&ref); err != nil {
		return errs.NewValidationError("", "request body must be a JSON identity reference")
	}

	ctx, r, err := ectoinject.GetContext[*resolver.Resolver](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "resolver unavailable")
	}

	result, err := r.Resolve(ctx, tenantID, &ref)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}
