package consent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/consent/internal/platform/auth"
)

type apiClient struct {
	t *testing.T
	e *echo.Echo
	f *fixture
}

func newAPI(t *testing.T) *apiClient {
	t.Helper()
	f := newFixture(t)
	h := NewHandler(f.svc, f.gate)
	h.now = func() time.Time { return t0.Add(time.Hour) }

	e := echo.New()
	api := e.Group("/api/v1", auth.DevAuthMiddleware())
	h.RegisterRoutes(api)
	return &apiClient{t: t, e: e, f: f}
}

func (a *apiClient) do(method, path, actor, roles, body string) *httptest.ResponseRecorder {
	a.t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set(auth.DevActorHeader, actor)
	req.Header.Set(auth.DevRolesHeader, roles)
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]string](t, rec)["error"]
}

func TestHandler_FullFlow(t *testing.T) {
	a := newAPI(t)

	rec := a.do(http.MethodPost, "/api/v1/consent-requests", testRequester, auth.RoleRequester,
		`{"patient_id":"patient-42","requested_data_types":["lab_results"],"purpose":"claim"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	r := decode[ConsentRequest](t, rec)
	base := "/api/v1/consent-requests/" + r.ID.String()

	if rec := a.do(http.MethodPost, base+"/notify", testRequester, auth.RoleRequester, ""); rec.Code != http.StatusOK {
		t.Fatalf("notify: %d %s", rec.Code, rec.Body.String())
	}
	if rec := a.do(http.MethodPost, base+"/review", testPatient, auth.RolePatient, ""); rec.Code != http.StatusOK {
		t.Fatalf("review: %d %s", rec.Code, rec.Body.String())
	}

	rec = a.do(http.MethodPost, base+"/decision", testPatient, auth.RolePatient, `{"decision":"approve","max_access_count":1}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("decision: %d %s", rec.Code, rec.Body.String())
	}
	out := decode[decisionResponse](t, rec)
	if out.Contract == nil || out.Request.Status != StatusApproved {
		t.Fatalf("expected approved request with contract, got %+v", out)
	}
	authorize := "/api/v1/contracts/" + out.Contract.ID.String() + "/authorize"

	rec = a.do(http.MethodPost, authorize, "svc-records", auth.RoleDataService, `{"data_type":"lab_results"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("first access: %d %s", rec.Code, rec.Body.String())
	}
	if dec := decode[AccessDecision](t, rec); !dec.Granted || dec.AccessCount != 1 {
		t.Errorf("unexpected decision %+v", dec)
	}

	rec = a.do(http.MethodPost, authorize, "svc-records", auth.RoleDataService, `{"data_type":"lab_results"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("second access: expected 403, got %d", rec.Code)
	}
	if dec := decode[AccessDecision](t, rec); dec.Reason != ReasonLimitExceeded {
		t.Errorf("expected limit_exceeded, got %s", dec.Reason)
	}
}

func TestHandler_CreateValidation(t *testing.T) {
	a := newAPI(t)

	rec := a.do(http.MethodPost, "/api/v1/consent-requests", testRequester, auth.RoleRequester,
		`{"patient_id":"patient-42","requested_data_types":["genome"]}`)
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "invalid_scope" {
		t.Errorf("unknown tag: %d %s", rec.Code, rec.Body.String())
	}

	rec = a.do(http.MethodPost, "/api/v1/consent-requests", "org-unknown", auth.RoleRequester,
		`{"patient_id":"patient-42","requested_data_types":["vitals"]}`)
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "invalid_requester" {
		t.Errorf("unknown requester: %d %s", rec.Code, rec.Body.String())
	}

	rec = a.do(http.MethodPost, "/api/v1/consent-requests", testPatient, auth.RolePatient,
		`{"patient_id":"patient-42","requested_data_types":["vitals"]}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("patients may not file requests, got %d", rec.Code)
	}
}

func TestHandler_OnlyThePatientDecides(t *testing.T) {
	a := newAPI(t)
	r := a.f.sentRequest(t, UrgencyNormal, "vitals")
	path := "/api/v1/consent-requests/" + r.ID.String() + "/decision"

	rec := a.do(http.MethodPost, path, "patient-someone-else", auth.RolePatient, `{"decision":"approve"}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("other patient: expected 403, got %d", rec.Code)
	}

	rec = a.do(http.MethodPost, path, testPatient, auth.RolePatient, `{"decision":"reject"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("reject: %d %s", rec.Code, rec.Body.String())
	}

	rec = a.do(http.MethodPost, path, testPatient, auth.RolePatient, `{"decision":"approve"}`)
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "invalid_state_transition" {
		t.Errorf("decision on terminal request: %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_VisibilityIsScopedToParties(t *testing.T) {
	a := newAPI(t)
	r := a.f.sentRequest(t, UrgencyNormal, "vitals")
	path := "/api/v1/consent-requests/" + r.ID.String()

	if rec := a.do(http.MethodGet, path, testPatient, auth.RolePatient, ""); rec.Code != http.StatusOK {
		t.Errorf("patient: expected 200, got %d", rec.Code)
	}
	if rec := a.do(http.MethodGet, path, "org-other", auth.RoleRequester, ""); rec.Code != http.StatusNotFound {
		t.Errorf("stranger: expected 404, got %d", rec.Code)
	}
	if rec := a.do(http.MethodGet, path, testAdmin, auth.RoleAdministrator, ""); rec.Code != http.StatusOK {
		t.Errorf("administrator: expected 200, got %d", rec.Code)
	}

	rec := a.do(http.MethodGet, "/api/v1/consent-requests", "org-other", auth.RoleRequester, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	if page := decode[map[string]interface{}](t, rec); page["total"] != float64(0) {
		t.Errorf("other requester must see nothing, got %v", page["total"])
	}

	rec = a.do(http.MethodGet, "/api/v1/consent-requests?status=sent_to_patient", testRequester, auth.RoleRequester, "")
	if page := decode[map[string]interface{}](t, rec); page["total"] != float64(1) {
		t.Errorf("owner must see the request, got %v", page["total"])
	}
}

func TestHandler_AuthorizeRequesterMustOwnContract(t *testing.T) {
	a := newAPI(t)
	c := a.f.approved(t, nil, "vitals")
	path := "/api/v1/contracts/" + c.ID.String() + "/authorize"

	if rec := a.do(http.MethodPost, path, "org-other", auth.RoleRequester, `{"data_type":"vitals"}`); rec.Code != http.StatusForbidden {
		t.Errorf("foreign requester: expected 403, got %d", rec.Code)
	}
	if rec := a.do(http.MethodPost, path, testRequester, auth.RoleRequester, `{"data_type":"vitals"}`); rec.Code != http.StatusOK {
		t.Errorf("owning requester: expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if rec := a.do(http.MethodPost, path, testPatient, auth.RolePatient, `{"data_type":"vitals"}`); rec.Code != http.StatusForbidden {
		t.Errorf("patient role cannot authorize reads, got %d", rec.Code)
	}
	if rec := a.do(http.MethodPost, path, "svc-records", auth.RoleDataService, `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing data_type: expected 400, got %d", rec.Code)
	}
}

func TestHandler_AuthorizeUnknownContract(t *testing.T) {
	a := newAPI(t)
	rec := a.do(http.MethodPost, "/api/v1/contracts/6f1d3a52-6c8e-4b0a-9a57-3b8f6f0d9e11/authorize",
		"svc-records", auth.RoleDataService, `{"data_type":"vitals"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if dec := decode[AccessDecision](t, rec); dec.Reason != ReasonNotFound {
		t.Errorf("expected not_found, got %s", dec.Reason)
	}
}

func TestHandler_AdminContractActions(t *testing.T) {
	a := newAPI(t)
	c := a.f.approved(t, nil, "vitals")
	base := "/api/v1/contracts/" + c.ID.String()

	if rec := a.do(http.MethodPost, base+"/suspend", testRequester, auth.RoleRequester, ""); rec.Code != http.StatusForbidden {
		t.Errorf("requester cannot suspend, got %d", rec.Code)
	}
	rec := a.do(http.MethodPost, base+"/suspend", testAdmin, auth.RoleAdministrator, `{"reason":"investigation"}`)
	if rec.Code != http.StatusOK || decode[ConsentContract](t, rec).Status != ContractSuspended {
		t.Fatalf("suspend: %d %s", rec.Code, rec.Body.String())
	}
	if rec := a.do(http.MethodPost, base+"/reinstate", testAdmin, auth.RoleAdministrator, ""); rec.Code != http.StatusOK {
		t.Fatalf("reinstate: %d %s", rec.Code, rec.Body.String())
	}
	if rec := a.do(http.MethodPost, base+"/review", testAdmin, auth.RoleAdministrator, `{"note":"ok"}`); rec.Code != http.StatusCreated {
		t.Fatalf("review: %d %s", rec.Code, rec.Body.String())
	}
	if rec := a.do(http.MethodPost, base+"/revoke", testAdmin, auth.RoleAdministrator, ""); rec.Code != http.StatusOK {
		t.Fatalf("revoke: %d %s", rec.Code, rec.Body.String())
	}
	rec = a.do(http.MethodPost, base+"/revoke", testAdmin, auth.RoleAdministrator, "")
	if rec.Code != http.StatusConflict {
		t.Errorf("second revoke: expected 409, got %d", rec.Code)
	}
	if rec := a.do(http.MethodPost, "/api/v1/contracts/not-a-uuid/revoke", testAdmin, auth.RoleAdministrator, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", rec.Code)
	}
}

func TestReasonCode(t *testing.T) {
	tests := map[error]string{
		nil:                       "",
		ErrInvalidScope:           "invalid_scope",
		ErrNotFound:               "not_found",
		ErrVersionConflict:        "concurrent_modification",
		ErrInvalidStateTransition: "invalid_state_transition",
		echo.ErrBadGateway:        "internal",
	}
	for err, want := range tests {
		if got := ReasonCode(err); got != want {
			t.Errorf("ReasonCode(%v) = %q, want %q", err, got, want)
		}
	}
}
