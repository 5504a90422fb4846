package audit

import (
	"time"

	"github.com/google/uuid"
)

// Action names one authorization-relevant action.
type Action string

const (
	ActionRequestCreated     Action = "request_created"
	ActionRequestSent        Action = "request_sent"
	ActionRequestReviewing   Action = "request_reviewing"
	ActionRequestApproved    Action = "request_approved"
	ActionRequestRejected    Action = "request_rejected"
	ActionRequestExpired     Action = "request_expired"
	ActionContractAccessed   Action = "contract_accessed"
	ActionAccessDenied       Action = "access_denied"
	ActionContractRevoked    Action = "contract_revoked"
	ActionContractSuspended  Action = "contract_suspended"
	ActionContractReinstated Action = "contract_reinstated"
	ActionContractExpired    Action = "contract_expired"
	ActionContractReviewed   Action = "contract_reviewed"
	ActionAlertRaised        Action = "alert_raised"
	ActionAlertResolved      Action = "alert_resolved"
)

// Outcomes used across actions. Denial events carry the denial reason as
// their outcome instead.
const (
	OutcomeSuccess   = "success"
	OutcomeGranted   = "granted"
	OutcomeWithdrawn = "withdrawn"
)

// Event is one immutable audit record. Seq is assigned by the repository on
// append; ID and Hash are assigned by the Log.
type Event struct {
	ID          string     `json:"id"`
	Seq         int64      `json:"seq"`
	Timestamp   time.Time  `json:"timestamp"`
	ActorID     string     `json:"actor_id"`
	Action      Action     `json:"action"`
	ContractID  *uuid.UUID `json:"contract_id,omitempty"`
	RequestID   *uuid.UUID `json:"request_id,omitempty"`
	DataType    string     `json:"data_type,omitempty"`
	AccessCount *int       `json:"access_count,omitempty"`
	Outcome     string     `json:"outcome"`
	Detail      string     `json:"detail,omitempty"`
	Hash        string     `json:"hash"`
}

func (e *Event) clone() *Event {
	c := *e
	if e.ContractID != nil {
		id := *e.ContractID
		c.ContractID = &id
	}
	if e.RequestID != nil {
		id := *e.RequestID
		c.RequestID = &id
	}
	if e.AccessCount != nil {
		n := *e.AccessCount
		c.AccessCount = &n
	}
	return &c
}

// Filter selects events for investigation queries. Zero fields match all.
type Filter struct {
	ContractID *uuid.UUID
	RequestID  *uuid.UUID
	ActorID    string
	Actions    []Action
	From       *time.Time
	To         *time.Time
	AfterSeq   int64
	Limit      int
}

func (f Filter) matches(e *Event) bool {
	if f.ContractID != nil && (e.ContractID == nil || *e.ContractID != *f.ContractID) {
		return false
	}
	if f.RequestID != nil && (e.RequestID == nil || *e.RequestID != *f.RequestID) {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == e.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && !e.Timestamp.Before(*f.To) {
		return false
	}
	return e.Seq > f.AfterSeq
}

// UUIDRef returns a pointer to a copy of id, for the nullable reference fields.
func UUIDRef(id uuid.UUID) *uuid.UUID { return &id }
