package actors

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/consent/internal/platform/auth"
)

// Handler lets administrators maintain the directory.
type Handler struct {
	store Store
	now   func() time.Time
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store, now: time.Now}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	a := g.Group("/actors", auth.RequireRole(auth.RoleAdministrator))
	a.GET("", h.List)
	a.GET("/:id", h.Get)
	a.PUT("/:id", h.Put)
}

func (h *Handler) List(c echo.Context) error {
	kind := Kind(c.QueryParam("kind"))
	if kind != "" && !validKind(kind) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown actor kind")
	}
	list, err := h.store.List(c.Request().Context(), kind)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "actor directory unavailable")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": list, "total": len(list)})
}

func (h *Handler) Get(c echo.Context) error {
	a, err := h.store.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "actor directory unavailable")
	}
	return c.JSON(http.StatusOK, a)
}

type putActorRequest struct {
	Kind        Kind   `json:"kind"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Active      *bool  `json:"active"`
}

// Put creates or replaces the actor at :id. Active defaults to true.
func (h *Handler) Put(c echo.Context) error {
	var req putActorRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if !validKind(req.Kind) {
		return echo.NewHTTPError(http.StatusBadRequest, "kind must be patient, requester or administrator")
	}
	if req.Email != "" && !strings.Contains(req.Email, "@") {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid email address")
	}
	a := &Actor{
		ID:          c.Param("id"),
		Kind:        req.Kind,
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Active:      req.Active == nil || *req.Active,
		UpdatedAt:   h.now().UTC(),
	}
	if a.DisplayName == "" {
		a.DisplayName = a.ID
	}
	if err := h.store.Upsert(c.Request().Context(), a); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "actor directory unavailable")
	}
	return c.JSON(http.StatusOK, a)
}

func validKind(k Kind) bool {
	return k == KindPatient || k == KindRequester || k == KindAdministrator
}
