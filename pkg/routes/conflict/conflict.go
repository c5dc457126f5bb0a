// Package conflict exposes the operator review surface for ambiguous-match
// conflicts. Resolution only ever happens here; the resolution engine never
// closes a conflict on its own.
package conflict

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/foxglove/internal/repositories/conflictrecord"
	"github.com/Ramsey-B/foxglove/internal/repositories/identifierrecord"
	"github.com/Ramsey-B/foxglove/pkg/clustering"
	"github.com/Ramsey-B/foxglove/pkg/models"
)

var validate = validator.New()

// Register registers conflict routes
func Register(g *echo.Group) {
	g.GET("", ListConflicts)
	g.GET("/:id", GetConflict)
	g.POST("/:id/resolve", ResolveConflict)
}

// ListConflicts lists open conflicts, oldest first
func ListConflicts(c echo.Context) error {
	ctx := c.Request().Context()

	ctx, repo, err := ectoinject.GetContext[*conflictrecord.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	conflicts, err := repo.ListOpen(ctx, 100)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, conflicts)
}

// GetConflict gets a conflict by ID
func GetConflict(c echo.Context) error {
	ctx := c.Request().Context()
	conflictID := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*conflictrecord.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	conflict, err := repo.GetByID(ctx, conflictID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, conflict)
}

// ResolveConflict applies an operator decision to an open conflict. An empty
// winner_canonical_id dismisses the conflict and leaves the record
// unresolved.
func ResolveConflict(c echo.Context) error {
	ctx := c.Request().Context()
	conflictID := c.Param("id")

	var req models.ResolveConflictRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "rationale is required")
	}

	ctx, conflicts, err := ectoinject.GetContext[*conflictrecord.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}
	ctx, records, err := ectoinject.GetContext[*identifierrecord.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}
	ctx, engine, err := ectoinject.GetContext[*clustering.Engine](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	conflict, err := conflicts.GetByID(ctx, conflictID)
	if err != nil {
		return err
	}
	if conflict.Status != models.ConflictStatusOpen {
		return httperror.NewHTTPError(http.StatusConflict, "conflict is already resolved")
	}

	record, err := records.GetByID(ctx, conflict.RecordID)
	if err != nil {
		return err
	}

	decision, err := engine.ApplyConflictResolution(ctx, conflict, record, req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, decision)
}
