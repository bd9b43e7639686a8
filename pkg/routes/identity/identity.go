// Package identity exposes read endpoints for canonical identities.
package identity

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/repositories/emailalias"
	identityrepo "github.com/Ramsey-B/fern/internal/repositories/identity"
	"github.com/Ramsey-B/fern/internal/repositories/mergeaudit"
	"github.com/Ramsey-B/fern/internal/repositories/platformidentity"
	"github.com/Ramsey-B/fern/pkg/appcontext"
	"github.com/Ramsey-B/fern/pkg/errs"
	"github.com/Ramsey-B/fern/pkg/models"
)

// Register registers identity routes
func Register(g *echo.Group) {
	g.GET("", ListIdentities)
	g.GET("/:id", GetIdentity)
	g.GET("/:id/aliases", GetIdentityAliases)
	g.GET("/:id/platforms", GetIdentityPlatforms)
	g.GET("/:id/export", ExportIdentity)
	g.GET("/:id/merges", GetIdentityMerges)
}

func requireTenant(c echo.Context) (string, error) {
	tenantID := appcontext.GetTenantID(c.Request().Context())
	if tenantID == "" {
		return "", errs.NewValidationError("tenant_id", "X-Tenant-ID header is required")
	}
	return tenantID, nil
}

// ListIdentities lists live identities for a tenant, oldest first
func ListIdentities(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID, err := requireTenant(c)
	if err != nil {
		return err
	}

	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(c.QueryParam("page_size"))
	if pageSize < 1 || pageSize > 1000 {
		pageSize = 50
	}

	ctx, repo, err := ectoinject.GetContext[*identityrepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "identity store unavailable")
	}

	identities, err := repo.ListActive(ctx, tenantID, pageSize, (page-1)*pageSize)
	if err != nil {
		return err
	}
	total, err := repo.CountActive(ctx, tenantID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, &models.CanonicalIdentityListResponse{
		Identities: identities,
		TotalCount: total,
		Page:       page,
		PageSize:   pageSize,
	})
}

// GetIdentity gets a canonical identity by id, including merged tombstones
func GetIdentity(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID, err := requireTenant(c)
	if err != nil {
		return err
	}

	ctx, repo, err := ectoinject.GetContext[*identityrepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "identity store unavailable")
	}

	identity, err := repo.Get(ctx, tenantID, c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, identity)
}

// GetIdentityAliases lists the email aliases owned by an identity
func GetIdentityAliases(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID, err := requireTenant(c)
	if err != nil {
		return err
	}

	ctx, repo, err := ectoinject.GetContext[*emailalias.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "alias store unavailable")
	}

	aliases, err := repo.ListByIdentity(ctx, tenantID, c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, aliases)
}

// GetIdentityPlatforms lists the platform identities owned by an identity
func GetIdentityPlatforms(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID, err := requireTenant(c)
	if err != nil {
		return err
	}

	ctx, repo, err := ectoinject.GetContext[*platformidentity.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "platform identity store unavailable")
	}

	platforms, err := repo.ListByIdentity(ctx, tenantID, c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, platforms)
}

// ExportIdentity returns the full exportable state of one identity
func ExportIdentity(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID, err := requireTenant(c)
	if err != nil {
		return err
	}
	id := c.Param("id")

	ctx, identities, err := ectoinject.GetContext[*identityrepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "identity store unavailable")
	}
	ctx, aliases, err := ectoinject.GetContext[*emailalias.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "alias store unavailable")
	}
	ctx, platforms, err := ectoinject.GetContext[*platformidentity.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "platform identity store unavailable")
	}

	identity, err := identities.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	aliasRows, err := aliases.ListByIdentity(ctx, tenantID, id)
	if err != nil {
		return err
	}
	platformRows, err := platforms.ListByIdentity(ctx, tenantID, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, &models.IdentityExport{
		Identity:           identity,
		PlatformIdentities: platformRows,
		EmailAliases:       aliasRows,
	})
}

// GetIdentityMerges lists the merge audit records where this identity survived
func GetIdentityMerges(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID, err := requireTenant(c)
	if err != nil {
		return err
	}

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit < 1 || limit > 500 {
		limit = 100
	}

	ctx, repo, err := ectoinject.GetContext[*mergeaudit.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "audit store unavailable")
	}

	records, err := repo.ListBySurvivor(ctx, tenantID, c.Param("id"), limit)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, records)
}
