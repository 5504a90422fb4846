// Package notification delivers patient-facing email: template rendering,
// an SMTP sender behind a circuit breaker, an in-memory delivery log with
// retry, and admin HTTP handlers over that log.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/consent/internal/platform/actors"
	"github.com/ehr/consent/internal/platform/auth"
)

// Delivery statuses.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Template identifiers.
const (
	TemplateConsentRequest          = "consent-request"
	TemplateConsentRequestEmergency = "consent-request-emergency"
)

var ErrNotificationNotFound = errors.New("notification not found")

// Notification is one outbound email and its delivery state.
type Notification struct {
	ID           string            `json:"id"`
	RecipientID  string            `json:"recipient_id"`
	Address      string            `json:"address"`
	Subject      string            `json:"subject"`
	Body         string            `json:"body"`
	TemplateID   string            `json:"template_id,omitempty"`
	TemplateData map[string]string `json:"template_data,omitempty"`
	Status       string            `json:"status"`
	Attempts     int               `json:"attempts"`
	CreatedAt    time.Time         `json:"created_at"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// EmailSender sends one email.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// Template is a subject and body with {{key}} placeholders.
type Template struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine renders registered templates.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the consent templates
// pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	for _, t := range []Template{
		{
			ID:      TemplateConsentRequest,
			Subject: "{{requester}} is asking to see your health records",
			Body: "Hello {{patient_name}},\n\n{{requester}} has asked for access to: {{data_types}}.\n" +
				"Purpose: {{purpose}}\n\nPlease review the request before {{expires_at}}. " +
				"Nothing is shared unless you approve it.",
		},
		{
			ID:      TemplateConsentRequestEmergency,
			Subject: "Urgent: emergency access request from {{requester}}",
			Body: "Hello {{patient_name}},\n\n{{requester}} has filed an emergency request for: {{data_types}}.\n" +
				"Purpose: {{purpose}}\n\nThe request expires at {{expires_at}}. " +
				"Please respond as soon as you can.",
		},
	} {
		t := t
		e.templates[t.ID] = &t
	}
	return e
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render performs {{key}} replacement. Placeholders absent from data are
// left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender records calls and optionally fails. It backs development
// mode when no SMTP host is configured.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailError  string
}

func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// Contacts resolves a party id to its directory entry.
type Contacts interface {
	ContactFor(ctx context.Context, id string) (*actors.Actor, error)
}

// Manager renders, sends and keeps a delivery log.
type Manager struct {
	sender    EmailSender
	contacts  Contacts
	templates *TemplateEngine
	now       func() time.Time

	mu            sync.RWMutex
	notifications map[string]*Notification
}

func NewManager(sender EmailSender, contacts Contacts, tpl *TemplateEngine) *Manager {
	return &Manager{
		sender:        sender,
		contacts:      contacts,
		templates:     tpl,
		now:           time.Now,
		notifications: make(map[string]*Notification),
	}
}

// SendTemplate resolves recipientID's address, renders templateID and sends
// it. The attempt is logged whether or not delivery succeeds; a recipient
// with no contact address is an error and nothing is logged.
func (m *Manager) SendTemplate(ctx context.Context, recipientID, templateID string, data map[string]string) (*Notification, error) {
	contact, err := m.contacts.ContactFor(ctx, recipientID)
	if err != nil {
		return nil, fmt.Errorf("resolve contact for %s: %w", recipientID, err)
	}
	if data == nil {
		data = map[string]string{}
	}
	if _, ok := data["patient_name"]; !ok {
		data["patient_name"] = contact.DisplayName
	}
	subject, body, err := m.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	n := &Notification{
		ID:           uuid.New().String(),
		RecipientID:  recipientID,
		Address:      contact.Email,
		Subject:      subject,
		Body:         body,
		TemplateID:   templateID,
		TemplateData: data,
		Status:       StatusPending,
		CreatedAt:    m.now().UTC(),
	}
	m.mu.Lock()
	m.notifications[n.ID] = n
	m.mu.Unlock()

	err = m.deliver(ctx, n)
	return n.snapshot(&m.mu), err
}

func (m *Manager) deliver(ctx context.Context, n *Notification) error {
	m.mu.RLock()
	to, subject, body := n.Address, n.Subject, n.Body
	m.mu.RUnlock()

	err := m.sender.SendEmail(ctx, to, subject, body)

	m.mu.Lock()
	defer m.mu.Unlock()
	n.Attempts++
	if err != nil {
		n.Status = StatusFailed
		n.Error = err.Error()
		return err
	}
	sentAt := m.now().UTC()
	n.Status = StatusSent
	n.SentAt = &sentAt
	n.Error = ""
	return nil
}

func (n *Notification) snapshot(mu *sync.RWMutex) *Notification {
	mu.RLock()
	defer mu.RUnlock()
	c := *n
	return &c
}

// Get returns one logged notification.
func (m *Manager) Get(_ context.Context, id string) (*Notification, error) {
	m.mu.RLock()
	n, ok := m.notifications[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotificationNotFound
	}
	return n.snapshot(&m.mu), nil
}

// List returns logged notifications, newest first, optionally filtered by
// recipient and status.
func (m *Manager) List(_ context.Context, recipientID, status string, limit int) []*Notification {
	m.mu.RLock()
	var out []*Notification
	for _, n := range m.notifications {
		if recipientID != "" && n.RecipientID != recipientID {
			continue
		}
		if status != "" && n.Status != status {
			continue
		}
		c := *n
		out = append(out, &c)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Retry re-sends a failed notification.
func (m *Manager) Retry(ctx context.Context, id string) (*Notification, error) {
	m.mu.RLock()
	n, ok := m.notifications[id]
	status := ""
	if ok {
		status = n.Status
	}
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotificationNotFound
	}
	if status != StatusFailed {
		return nil, fmt.Errorf("notification %s is %s, only failed notifications can be retried", id, status)
	}
	err := m.deliver(ctx, n)
	return n.snapshot(&m.mu), err
}

// Stats counts logged notifications by status.
func (m *Manager) Stats(_ context.Context) map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make(map[string]int)
	for _, n := range m.notifications {
		stats[n.Status]++
	}
	return stats
}

// Handler exposes the delivery log to administrators.
type Handler struct {
	manager *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{manager: mgr}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	n := g.Group("/notifications", auth.RequireRole(auth.RoleAdministrator))
	n.GET("", h.HandleList)
	n.GET("/stats", h.HandleStats)
	n.GET("/:id", h.HandleGet)
	n.POST("/:id/retry", h.HandleRetry)
}

// HandleList handles GET /notifications?recipient_id=&status=
func (h *Handler) HandleList(c echo.Context) error {
	list := h.manager.List(c.Request().Context(), c.QueryParam("recipient_id"), c.QueryParam("status"), 100)
	return c.JSON(http.StatusOK, map[string]interface{}{"data": list, "total": len(list)})
}

func (h *Handler) HandleGet(c echo.Context) error {
	n, err := h.manager.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, n)
}

// HandleRetry answers 200 with the updated notification when the resend
// succeeds and 502 when it fails again.
func (h *Handler) HandleRetry(c echo.Context) error {
	n, err := h.manager.Retry(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, ErrNotificationNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case n == nil && err != nil:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return c.JSON(http.StatusBadGateway, n)
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.Stats(c.Request().Context()))
}
