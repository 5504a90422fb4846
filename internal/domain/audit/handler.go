package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/consent/internal/platform/auth"
	"github.com/ehr/consent/pkg/pagination"
)

type Handler struct {
	log *Log
}

func NewHandler(log *Log) *Handler {
	return &Handler{log: log}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	admin := api.Group("", auth.RequireRole(auth.RoleAdministrator))
	admin.GET("/audit-events", h.ListEvents)
	admin.GET("/audit-events/verify", h.Verify)
}

type eventPage struct {
	Data         []*Event `json:"data"`
	Limit        int      `json:"limit"`
	NextAfterSeq int64    `json:"next_after_seq,omitempty"`
}

// ListEvents serves investigation queries by contract or request over a time
// range. Paging is by sequence cursor (after_seq), since the trail only grows.
func (h *Handler) ListEvents(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{Limit: pg.Limit, ActorID: c.QueryParam("actor_id")}

	if v := c.QueryParam("contract_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid contract_id")
		}
		f.ContractID = &id
	}
	if v := c.QueryParam("request_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request_id")
		}
		f.RequestID = &id
	}
	if v := c.QueryParam("action"); v != "" {
		f.Actions = []Action{Action(v)}
	}
	for param, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		v := c.QueryParam(param)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid "+param+": expected RFC3339")
		}
		*dst = &t
	}
	if v := c.QueryParam("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid after_seq")
		}
		f.AfterSeq = n
	}

	events, err := h.log.List(c.Request().Context(), f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if events == nil {
		events = []*Event{}
	}
	resp := eventPage{Data: events, Limit: f.Limit}
	if len(events) == f.Limit {
		resp.NextAfterSeq = events[len(events)-1].Seq
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Verify(c echo.Context) error {
	report, err := h.log.Verify(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}
