package actors

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/consent/internal/platform/auth"
)

func newActorAPI(t *testing.T) (*echo.Echo, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	e := echo.New()
	NewHandler(store).RegisterRoutes(e.Group("/api/v1", auth.DevAuthMiddleware()))
	return e, store
}

func send(e *echo.Echo, method, path, body, roles string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(auth.DevActorHeader, "admin-1")
	req.Header.Set(auth.DevRolesHeader, roles)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_PutGetList(t *testing.T) {
	e, store := newActorAPI(t)

	rec := send(e, http.MethodPut, "/api/v1/actors/pat-1", `{"kind":"patient","email":"p1@example.org"}`, auth.RoleAdministrator)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var a Actor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	assert.Equal(t, "pat-1", a.DisplayName)
	assert.True(t, a.Active)

	rec = send(e, http.MethodPut, "/api/v1/actors/dr-a", `{"kind":"requester","active":false}`, auth.RoleAdministrator)
	require.Equal(t, http.StatusOK, rec.Code)
	stored, err := store.Get(context.Background(), "dr-a")
	require.NoError(t, err)
	assert.False(t, stored.Active)

	rec = send(e, http.MethodGet, "/api/v1/actors/pat-1", "", auth.RoleAdministrator)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = send(e, http.MethodGet, "/api/v1/actors/ghost", "", auth.RoleAdministrator)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = send(e, http.MethodGet, "/api/v1/actors?kind=requester", "", auth.RoleAdministrator)
	var page struct {
		Data  []*Actor `json:"data"`
		Total int      `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, "dr-a", page.Data[0].ID)
}

func TestHandler_Validation(t *testing.T) {
	e, _ := newActorAPI(t)

	assert.Equal(t, http.StatusBadRequest, send(e, http.MethodPut, "/api/v1/actors/x", `{"kind":"robot"}`, auth.RoleAdministrator).Code)
	assert.Equal(t, http.StatusBadRequest, send(e, http.MethodPut, "/api/v1/actors/x", `{"kind":"patient","email":"nope"}`, auth.RoleAdministrator).Code)
	assert.Equal(t, http.StatusBadRequest, send(e, http.MethodPut, "/api/v1/actors/x", `{`, auth.RoleAdministrator).Code)
	assert.Equal(t, http.StatusBadRequest, send(e, http.MethodGet, "/api/v1/actors?kind=robot", "", auth.RoleAdministrator).Code)
}

func TestHandler_RequiresAdministrator(t *testing.T) {
	e, _ := newActorAPI(t)
	assert.Equal(t, http.StatusForbidden, send(e, http.MethodGet, "/api/v1/actors", "", auth.RolePatient).Code)
	assert.Equal(t, http.StatusForbidden, send(e, http.MethodPut, "/api/v1/actors/x", `{"kind":"patient"}`, auth.RoleRequester).Code)
}
