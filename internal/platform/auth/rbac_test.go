package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func callWithRoles(roles []string, mw echo.MiddlewareFunc) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithActor(req.Context(), "actor-1", roles))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	err := mw(func(c echo.Context) error { return c.String(http.StatusOK, "ok") })(c)
	return rec, err
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name    string
		roles   []string
		require []string
		allowed bool
	}{
		{"matching role", []string{RolePatient}, []string{RolePatient}, true},
		{"one of several", []string{RoleRequester}, []string{RolePatient, RoleRequester}, true},
		{"administrator passes", []string{RoleAdministrator}, []string{RoleDataService}, true},
		{"wrong role", []string{RolePatient}, []string{RoleRequester}, false},
		{"no roles", nil, []string{RolePatient}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := callWithRoles(tt.roles, RequireRole(tt.require...))
			if tt.allowed {
				assert.NoError(t, err)
				assert.Equal(t, http.StatusOK, rec.Code)
				return
			}
			he, ok := err.(*echo.HTTPError)
			if assert.True(t, ok) {
				assert.Equal(t, http.StatusForbidden, he.Code)
			}
		})
	}
}

func TestHasRole_EmptyContext(t *testing.T) {
	assert.False(t, HasRole(context.Background(), RolePatient))
	assert.Equal(t, "", ActorIDFromContext(context.Background()))
}
