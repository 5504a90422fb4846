package consent

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/consent/internal/platform/auth"
	"github.com/ehr/consent/pkg/pagination"
)

type Handler struct {
	svc  *Service
	gate *Gate
	now  func() time.Time
}

func NewHandler(svc *Service, gate *Gate) *Handler {
	return &Handler{svc: svc, gate: gate, now: time.Now}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/consent-requests", h.ListRequests)
	api.GET("/consent-requests/:id", h.GetRequest)

	requester := api.Group("", auth.RequireRole(auth.RoleRequester))
	requester.POST("/consent-requests", h.CreateRequest)
	requester.POST("/consent-requests/:id/notify", h.NotifyPatient)
	requester.POST("/consent-requests/:id/withdraw", h.WithdrawRequest)

	patient := api.Group("", auth.RequireRole(auth.RolePatient))
	patient.POST("/consent-requests/:id/review", h.BeginReview)
	patient.POST("/consent-requests/:id/decision", h.RecordDecision)

	api.GET("/contracts", h.ListContracts)
	api.GET("/contracts/:id", h.GetContract)
	api.POST("/contracts/:id/authorize", h.AuthorizeAccess, auth.RequireRole(auth.RoleDataService, auth.RoleRequester))

	admin := api.Group("", auth.RequireRole(auth.RoleAdministrator))
	admin.POST("/contracts/:id/revoke", h.RevokeContract)
	admin.POST("/contracts/:id/suspend", h.SuspendContract)
	admin.POST("/contracts/:id/reinstate", h.ReinstateContract)
	admin.POST("/contracts/:id/review", h.ReviewContract)
}

// apiError translates a service error into an HTTP error carrying the
// structured reason code.
func apiError(err error) error {
	code := ReasonCode(err)
	status := http.StatusServiceUnavailable
	switch code {
	case "invalid_scope", "invalid_requester", "invalid_argument":
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

func forbidden(msg string) error {
	return echo.NewHTTPError(http.StatusForbidden, map[string]string{"error": "forbidden", "message": msg})
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, map[string]string{"error": "invalid_argument", "message": "invalid id"})
	}
	return id, nil
}

// isParty reports whether the caller may see a record between requesterID
// and patientID.
func isParty(c echo.Context, requesterID, patientID string) bool {
	ctx := c.Request().Context()
	if auth.HasRole(ctx, auth.RoleAdministrator) {
		return true
	}
	actor := auth.ActorIDFromContext(ctx)
	return actor != "" && (actor == requesterID || actor == patientID)
}

// scopeToCaller restricts a listing to the caller's own records unless the
// caller is an administrator.
func scopeToCaller(c echo.Context, requesterID, patientID *string) error {
	ctx := c.Request().Context()
	if auth.HasRole(ctx, auth.RoleAdministrator) {
		*requesterID = c.QueryParam("requester_id")
		*patientID = c.QueryParam("patient_id")
		return nil
	}
	actor := auth.ActorIDFromContext(ctx)
	switch {
	case auth.HasRole(ctx, auth.RoleRequester):
		*requesterID = actor
	case auth.HasRole(ctx, auth.RolePatient):
		*patientID = actor
	default:
		return forbidden("listing requires the requester, patient or administrator role")
	}
	return nil
}

type createRequestBody struct {
	RequesterID string   `json:"requester_id"`
	PatientID   string   `json:"patient_id"`
	DataTypes   []string `json:"requested_data_types"`
	Purpose     string   `json:"purpose"`
	Urgency     Urgency  `json:"urgency"`
}

func (h *Handler) CreateRequest(c echo.Context) error {
	var body createRequestBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, map[string]string{"error": "invalid_argument", "message": err.Error()})
	}
	ctx := c.Request().Context()
	requesterID := auth.ActorIDFromContext(ctx)
	// Administrators may file on behalf of a registered requester.
	if body.RequesterID != "" && auth.HasRole(ctx, auth.RoleAdministrator) {
		requesterID = body.RequesterID
	}
	r, err := h.svc.CreateRequest(ctx, requesterID, body.PatientID, body.DataTypes, body.Purpose, body.Urgency)
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) GetRequest(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.GetRequest(c.Request().Context(), id)
	if err != nil {
		return apiError(err)
	}
	if !isParty(c, r.RequesterID, r.PatientID) {
		return apiError(ErrNotFound)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) ListRequests(c echo.Context) error {
	p := pagination.FromContext(c)
	f := RequestFilter{Limit: p.Limit, Offset: p.Offset}
	if err := scopeToCaller(c, &f.RequesterID, &f.PatientID); err != nil {
		return err
	}
	for _, s := range splitParam(c.QueryParam("status")) {
		f.Statuses = append(f.Statuses, RequestStatus(s))
	}
	items, total, err := h.svc.ListRequests(c.Request().Context(), f)
	if err != nil {
		return apiError(err)
	}
	if items == nil {
		items = []*ConsentRequest{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset).WithLinks(c.Request().URL.Path))
}

// loadOwnRequest fetches the request and checks the caller is the given
// party of it.
func (h *Handler) loadOwnRequest(c echo.Context, party func(*ConsentRequest) string) (*ConsentRequest, error) {
	id, err := parseID(c)
	if err != nil {
		return nil, err
	}
	ctx := c.Request().Context()
	r, err := h.svc.GetRequest(ctx, id)
	if err != nil {
		return nil, apiError(err)
	}
	if !auth.HasRole(ctx, auth.RoleAdministrator) && party(r) != auth.ActorIDFromContext(ctx) {
		return nil, forbidden("caller is not a party to this request")
	}
	return r, nil
}

func requesterOf(r *ConsentRequest) string { return r.RequesterID }
func patientOf(r *ConsentRequest) string   { return r.PatientID }

func (h *Handler) NotifyPatient(c echo.Context) error {
	r, err := h.loadOwnRequest(c, requesterOf)
	if err != nil {
		return err
	}
	r, err = h.svc.NotifyPatient(c.Request().Context(), r.ID)
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) BeginReview(c echo.Context) error {
	r, err := h.loadOwnRequest(c, patientOf)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	r, err = h.svc.BeginReview(ctx, r.ID, auth.ActorIDFromContext(ctx))
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, r)
}

type decisionResponse struct {
	Request  *ConsentRequest  `json:"request"`
	Contract *ConsentContract `json:"contract,omitempty"`
}

func (h *Handler) RecordDecision(c echo.Context) error {
	var in DecisionInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, map[string]string{"error": "invalid_argument", "message": err.Error()})
	}
	r, err := h.loadOwnRequest(c, patientOf)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	r, contract, err := h.svc.RecordPatientDecision(ctx, r.ID, auth.ActorIDFromContext(ctx), in)
	if err != nil {
		return apiError(err)
	}
	status := http.StatusOK
	if contract != nil {
		status = http.StatusCreated
	}
	return c.JSON(status, decisionResponse{Request: r, Contract: contract})
}

func (h *Handler) WithdrawRequest(c echo.Context) error {
	r, err := h.loadOwnRequest(c, requesterOf)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	r, err = h.svc.WithdrawRequest(ctx, r.ID, auth.ActorIDFromContext(ctx))
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) GetContract(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ct, err := h.svc.GetContract(c.Request().Context(), id)
	if err != nil {
		return apiError(err)
	}
	if !isParty(c, ct.RequesterID, ct.PatientID) && !auth.HasRole(c.Request().Context(), auth.RoleDataService) {
		return apiError(ErrNotFound)
	}
	return c.JSON(http.StatusOK, ct)
}

func (h *Handler) ListContracts(c echo.Context) error {
	p := pagination.FromContext(c)
	f := ContractFilter{Limit: p.Limit, Offset: p.Offset}
	if err := scopeToCaller(c, &f.RequesterID, &f.PatientID); err != nil {
		return err
	}
	for _, s := range splitParam(c.QueryParam("status")) {
		f.Statuses = append(f.Statuses, ContractStatus(s))
	}
	items, total, err := h.svc.ListContracts(c.Request().Context(), f)
	if err != nil {
		return apiError(err)
	}
	if items == nil {
		items = []*ConsentContract{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset).WithLinks(c.Request().URL.Path))
}

type authorizeBody struct {
	DataType string `json:"data_type"`
}

// AuthorizeAccess is called by data-serving components before every read.
// A grant is 200, a denial is 403 with the reason; neither carries patient
// data.
func (h *Handler) AuthorizeAccess(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body authorizeBody
	if err := c.Bind(&body); err != nil || body.DataType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, map[string]string{"error": "invalid_argument", "message": "data_type is required"})
	}

	ctx := c.Request().Context()
	actor := auth.ActorIDFromContext(ctx)
	// A requester reads only under its own contracts; data services act for any.
	if !auth.HasRole(ctx, auth.RoleDataService) {
		ct, err := h.svc.GetContract(ctx, id)
		if err == nil && ct.RequesterID != actor {
			return forbidden("caller is not the contract's requester")
		}
	}

	dec, err := h.gate.AuthorizeAccess(ctx, actor, id, body.DataType, h.now())
	if err != nil {
		return apiError(err)
	}
	if !dec.Granted {
		return c.JSON(http.StatusForbidden, dec)
	}
	return c.JSON(http.StatusOK, dec)
}

type adminActionBody struct {
	Reason string `json:"reason"`
}

func (h *Handler) adminAction(c echo.Context, fn func(ctx echo.Context, id uuid.UUID, actorID, reason string) (*ConsentContract, error)) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body adminActionBody
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, map[string]string{"error": "invalid_argument", "message": err.Error()})
		}
	}
	ct, err := fn(c, id, auth.ActorIDFromContext(c.Request().Context()), body.Reason)
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, ct)
}

func (h *Handler) RevokeContract(c echo.Context) error {
	return h.adminAction(c, func(c echo.Context, id uuid.UUID, actorID, reason string) (*ConsentContract, error) {
		return h.svc.RevokeContract(c.Request().Context(), id, actorID, reason)
	})
}

func (h *Handler) SuspendContract(c echo.Context) error {
	return h.adminAction(c, func(c echo.Context, id uuid.UUID, actorID, reason string) (*ConsentContract, error) {
		return h.svc.SuspendContract(c.Request().Context(), id, actorID, reason)
	})
}

func (h *Handler) ReinstateContract(c echo.Context) error {
	return h.adminAction(c, func(c echo.Context, id uuid.UUID, actorID, reason string) (*ConsentContract, error) {
		return h.svc.ReinstateContract(c.Request().Context(), id, actorID, reason)
	})
}

type reviewBody struct {
	Note string `json:"note"`
}

func (h *Handler) ReviewContract(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body reviewBody
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, map[string]string{"error": "invalid_argument", "message": err.Error()})
		}
	}
	ctx := c.Request().Context()
	e, err := h.svc.ReviewContract(ctx, id, auth.ActorIDFromContext(ctx), body.Note)
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusCreated, e)
}

func splitParam(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
