package compliance

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/consent/internal/domain/consent"
	"github.com/ehr/consent/internal/platform/auth"
	"github.com/ehr/consent/pkg/pagination"
)

type Handler struct {
	desk     *AlertDesk
	reporter *Reporter
	scanner  *Scanner
	now      func() time.Time
}

func NewHandler(desk *AlertDesk, reporter *Reporter, scanner *Scanner) *Handler {
	return &Handler{desk: desk, reporter: reporter, scanner: scanner, now: time.Now}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/compliance", auth.RequireRole(auth.RoleAdministrator))
	g.GET("/alerts", h.ListAlerts)
	g.GET("/alerts/:id", h.GetAlert)
	g.POST("/alerts/:id/resolve", h.ResolveAlert)
	g.GET("/score", h.Score)
	g.GET("/report", h.Report)
	g.POST("/scan", h.Scan)
}

func apiError(err error) error {
	code := consent.ReasonCode(err)
	status := http.StatusServiceUnavailable
	switch code {
	case "invalid_argument":
		status = http.StatusBadRequest
	case "not_found":
		status = http.StatusNotFound
	case "invalid_state_transition", "concurrent_modification":
		status = http.StatusConflict
	}
	msg := err.Error()
	if code == "internal" {
		msg = "store unavailable"
	}
	return echo.NewHTTPError(status, map[string]string{"error": code, "message": msg})
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, map[string]string{"error": "invalid_argument", "message": msg})
}

func (h *Handler) ListAlerts(c echo.Context) error {
	p := pagination.FromContext(c)
	f := AlertFilter{Limit: p.Limit, Offset: p.Offset}
	if v := c.QueryParam("contract_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return badRequest("invalid contract_id")
		}
		f.ContractID = &id
	}
	if v := c.QueryParam("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return badRequest("invalid resolved flag")
		}
		f.Resolved = &b
	}
	for _, t := range strings.Split(c.QueryParam("type"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			f.Types = append(f.Types, AlertType(t))
		}
	}
	for _, s := range strings.Split(c.QueryParam("severity"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			f.Severities = append(f.Severities, Severity(s))
		}
	}

	items, total, err := h.desk.ListAlerts(c.Request().Context(), f)
	if err != nil {
		return apiError(err)
	}
	if items == nil {
		items = []*Alert{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset).WithLinks(c.Request().URL.Path))
}

func (h *Handler) GetAlert(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest("invalid id")
	}
	a, err := h.desk.GetAlert(c.Request().Context(), id)
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, a)
}

type resolveBody struct {
	Note string `json:"note"`
}

func (h *Handler) ResolveAlert(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest("invalid id")
	}
	var body resolveBody
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&body); err != nil {
			return badRequest(err.Error())
		}
	}
	ctx := c.Request().Context()
	a, err := h.desk.ResolveAlert(ctx, id, auth.ActorIDFromContext(ctx), body.Note)
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Score(c echo.Context) error {
	score, err := h.reporter.Score(c.Request().Context())
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"compliance_score": score})
}

func (h *Handler) Report(c echo.Context) error {
	rep, err := h.reporter.Report(c.Request().Context(), h.now())
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, rep)
}

// Scan runs a full violation scan synchronously, or a single contract when
// contract_id is given.
func (h *Handler) Scan(c echo.Context) error {
	ctx := c.Request().Context()
	now := h.now()
	if v := c.QueryParam("contract_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return badRequest("invalid contract_id")
		}
		raised, err := h.scanner.ScanContract(ctx, id, now)
		if err != nil {
			return apiError(err)
		}
		if raised == nil {
			raised = []*Alert{}
		}
		return c.JSON(http.StatusOK, ScanResult{Contracts: 1, Raised: raised})
	}
	res, err := h.scanner.ScanAll(ctx, now)
	if err != nil {
		return apiError(err)
	}
	if res.Raised == nil {
		res.Raised = []*Alert{}
	}
	return c.JSON(http.StatusOK, res)
}
