package consent

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Urgency controls the response and validity windows applied by the policy.
type Urgency string

const (
	UrgencyNormal    Urgency = "normal"
	UrgencyUrgent    Urgency = "urgent"
	UrgencyEmergency Urgency = "emergency"
)

var validUrgencies = map[Urgency]bool{
	UrgencyNormal:    true,
	UrgencyUrgent:    true,
	UrgencyEmergency: true,
}

// RequestStatus is a state of the consent request lifecycle.
type RequestStatus string

const (
	StatusPending          RequestStatus = "pending"
	StatusSentToPatient    RequestStatus = "sent_to_patient"
	StatusPatientReviewing RequestStatus = "patient_reviewing"
	StatusApproved         RequestStatus = "approved"
	StatusRejected         RequestStatus = "rejected"
	StatusExpired          RequestStatus = "expired"
	StatusWithdrawn        RequestStatus = "withdrawn"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusExpired, StatusWithdrawn:
		return true
	}
	return false
}

// NonTerminalStatuses are the states a deadline sweep may expire.
var NonTerminalStatuses = []RequestStatus{StatusPending, StatusSentToPatient, StatusPatientReviewing}

// ContractStatus is the stored administrative status of a contract.
type ContractStatus string

const (
	ContractActive    ContractStatus = "active"
	ContractExpired   ContractStatus = "expired"
	ContractRevoked   ContractStatus = "revoked"
	ContractSuspended ContractStatus = "suspended"
)

// Decision is the patient's answer to a consent request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ConsentRequest is one requester's request for access to one patient's data.
type ConsentRequest struct {
	ID                 uuid.UUID     `json:"id"`
	RequesterID        string        `json:"requester_id"`
	PatientID          string        `json:"patient_id"`
	RequestedDataTypes []string      `json:"requested_data_types"`
	Purpose            string        `json:"purpose"`
	Urgency            Urgency       `json:"urgency"`
	Status             RequestStatus `json:"status"`
	CreatedAt          time.Time     `json:"created_at"`
	ExpiresAt          time.Time     `json:"expires_at"`
	DecidedAt          *time.Time    `json:"decided_at,omitempty"`
	DecidedBy          *string       `json:"decided_by,omitempty"`
	ContractID         *uuid.UUID    `json:"contract_id,omitempty"`
	Version            int           `json:"version"`
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (r *ConsentRequest) Clone() *ConsentRequest {
	c := *r
	c.RequestedDataTypes = append([]string(nil), r.RequestedDataTypes...)
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		c.DecidedAt = &t
	}
	if r.DecidedBy != nil {
		s := *r.DecidedBy
		c.DecidedBy = &s
	}
	if r.ContractID != nil {
		id := *r.ContractID
		c.ContractID = &id
	}
	return &c
}

// ExpiredAt reports whether a non-terminal request has passed its response
// deadline at now.
func (r *ConsentRequest) ExpiredAt(now time.Time) bool {
	return !r.Status.IsTerminal() && now.After(r.ExpiresAt)
}

// ConsentContract is the enforceable grant issued on approval.
// ValidFrom is inclusive and ValidUntil exclusive. A nil ValidUntil or
// MaxAccessCount means no limit.
type ConsentContract struct {
	ID               uuid.UUID      `json:"id"`
	SourceRequestID  uuid.UUID      `json:"source_request_id"`
	PatientID        string         `json:"patient_id"`
	RequesterID      string         `json:"requester_id"`
	Urgency          Urgency        `json:"urgency"`
	AllowedDataTypes []string       `json:"allowed_data_types"`
	ValidFrom        time.Time      `json:"valid_from"`
	ValidUntil       *time.Time     `json:"valid_until,omitempty"`
	MaxAccessCount   *int           `json:"max_access_count,omitempty"`
	AccessCount      int            `json:"access_count"`
	Status           ContractStatus `json:"status"`
	LastAccessedAt   *time.Time     `json:"last_accessed_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	Version          int            `json:"version"`
}

func (c *ConsentContract) Clone() *ConsentContract {
	out := *c
	out.AllowedDataTypes = append([]string(nil), c.AllowedDataTypes...)
	if c.ValidUntil != nil {
		t := *c.ValidUntil
		out.ValidUntil = &t
	}
	if c.MaxAccessCount != nil {
		n := *c.MaxAccessCount
		out.MaxAccessCount = &n
	}
	if c.LastAccessedAt != nil {
		t := *c.LastAccessedAt
		out.LastAccessedAt = &t
	}
	return &out
}

// Allows reports whether dataType is inside the contract scope.
func (c *ConsentContract) Allows(dataType string) bool {
	for _, t := range c.AllowedDataTypes {
		if t == dataType {
			return true
		}
	}
	return false
}

// Remaining returns the number of accesses left, or nil when unlimited.
func (c *ConsentContract) Remaining() *int {
	if c.MaxAccessCount == nil {
		return nil
	}
	n := *c.MaxAccessCount - c.AccessCount
	if n < 0 {
		n = 0
	}
	return &n
}

// DenialReason explains why the gate refused an access. Empty means granted.
type DenialReason string

const (
	ReasonNotFound       DenialReason = "not_found"
	ReasonRevoked        DenialReason = "revoked"
	ReasonExpired        DenialReason = "expired"
	ReasonScopeViolation DenialReason = "scope_violation"
	ReasonLimitExceeded  DenialReason = "limit_exceeded"
)

// AccessDecision is the result of one authorization check. Denials are
// ordinary values, never errors.
type AccessDecision struct {
	Granted     bool         `json:"granted"`
	Reason      DenialReason `json:"reason,omitempty"`
	ContractID  uuid.UUID    `json:"contract_id"`
	DataType    string       `json:"data_type"`
	AccessCount int          `json:"access_count"`
	Remaining   *int         `json:"remaining,omitempty"`
	EvaluatedAt time.Time    `json:"evaluated_at"`
}

// RequestFilter selects requests for listing. Zero fields match all.
type RequestFilter struct {
	RequesterID string
	PatientID   string
	Statuses    []RequestStatus
	Limit       int
	Offset      int
}

func (f RequestFilter) matches(r *ConsentRequest) bool {
	if f.RequesterID != "" && r.RequesterID != f.RequesterID {
		return false
	}
	if f.PatientID != "" && r.PatientID != f.PatientID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if s == r.Status {
			return true
		}
	}
	return false
}

// ContractFilter selects contracts for listing. Zero fields match all.
type ContractFilter struct {
	RequesterID string
	PatientID   string
	Statuses    []ContractStatus
	Limit       int
	Offset      int
}

func (f ContractFilter) matches(c *ConsentContract) bool {
	if f.RequesterID != "" && c.RequesterID != f.RequesterID {
		return false
	}
	if f.PatientID != "" && c.PatientID != f.PatientID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if s == c.Status {
			return true
		}
	}
	return false
}

// normalizeTags trims duplicates and sorts, so scope sets compare stably.
func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func isSubset(sub, of []string) bool {
	set := make(map[string]bool, len(of))
	for _, t := range of {
		set[t] = true
	}
	for _, t := range sub {
		if !set[t] {
			return false
		}
	}
	return true
}
