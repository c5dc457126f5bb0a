// Package entity exposes read access to resolved master entities: lookup by
// canonical ID, identifier resolution, cluster membership and provenance.
// All writes go through the resolution pipeline, never through HTTP.
package entity

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/foxglove/internal/repositories/auditlog"
	"github.com/Ramsey-B/foxglove/pkg/store"
)

// Register registers entity routes
func Register(g *echo.Group) {
	g.GET("/resolve", ResolveIdentifier)
	g.GET("/:canonicalId", GetEntity)
	g.GET("/:canonicalId/members", GetMembers)
	g.GET("/:canonicalId/provenance", GetProvenance)
}

// GetEntity returns the published mapping for a canonical entity. Tombstoned
// entities still resolve; callers see the tombstone flag rather than a 404.
func GetEntity(c echo.Context) error {
	ctx := c.Request().Context()
	canonicalID := c.Param("canonicalId")

	ctx, entities, err := ectoinject.GetContext[store.Store](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	entity, err := entities.Lookup(ctx, canonicalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return httperror.NewHTTPError(http.StatusNotFound, "canonical entity not found")
		}
		return err
	}

	refs, err := entities.AllCrossReferences(ctx, canonicalID)
	if err != nil {
		return err
	}

	mapping := store.Mapping(entity, refs)
	return c.JSON(http.StatusOK, map[string]any{
		"entity":  entity,
		"mapping": mapping,
	})
}

// ResolveIdentifier maps a (namespace, value) identifier to its canonical
// entity.
func ResolveIdentifier(c echo.Context) error {
	ctx := c.Request().Context()

	namespace := c.QueryParam("namespace")
	value := c.QueryParam("value")
	if namespace == "" || value == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "namespace and value query parameters are required")
	}

	ctx, entities, err := ectoinject.GetContext[store.Store](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	canonicalID, err := entities.Resolve(ctx, namespace, value)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return httperror.NewHTTPError(http.StatusNotFound, "identifier is not resolved")
		}
		return err
	}

	return c.JSON(http.StatusOK, map[string]string{"canonical_id": canonicalID})
}

// GetMembers returns the cluster membership with attach evidence
func GetMembers(c echo.Context) error {
	ctx := c.Request().Context()
	canonicalID := c.Param("canonicalId")

	ctx, entities, err := ectoinject.GetContext[store.Store](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	members, err := entities.Members(ctx, canonicalID)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		if _, err := entities.Lookup(ctx, canonicalID); errors.Is(err, store.ErrNotFound) {
			return httperror.NewHTTPError(http.StatusNotFound, "canonical entity not found")
		}
	}

	return c.JSON(http.StatusOK, members)
}

// GetProvenance returns the audit trail for a canonical entity: every merge,
// split and conflict entry that names it as a subject, in append order.
func GetProvenance(c echo.Context) error {
	ctx := c.Request().Context()
	canonicalID := c.Param("canonicalId")

	ctx, audits, err := ectoinject.GetContext[*auditlog.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	entries, err := audits.EntriesForSubject(ctx, canonicalID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, entries)
}
