package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Roles supplied by the actor/session service.
const (
	RolePatient       = "patient"
	RoleRequester     = "requester"
	RoleAdministrator = "administrator"
	// RoleDataService is held by internal services that serve patient data
	// and call the access gate before every read.
	RoleDataService = "data_service"
)

// HasRole reports whether the actor on ctx holds role. Administrators hold
// every role.
func HasRole(ctx context.Context, role string) bool {
	for _, has := range RolesFromContext(ctx) {
		if has == role || has == RoleAdministrator {
			return true
		}
	}
	return false
}

// RequireRole returns middleware that checks if the actor has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			for _, required := range roles {
				if HasRole(ctx, required) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
