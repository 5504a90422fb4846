package compliance

import (
	"time"

	"github.com/google/uuid"
)

// AlertType names the kind of anomaly the scanner detected.
type AlertType string

const (
	AlertOverLimitAccess           AlertType = "over_limit_access"
	AlertPostExpiryAccess          AlertType = "post_expiry_access"
	AlertScopeViolation            AlertType = "scope_violation"
	AlertUnresolvedEmergencyAccess AlertType = "unresolved_emergency_access"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// SeverityOf returns the fixed severity of an alert type.
func SeverityOf(t AlertType) Severity {
	if t == AlertUnresolvedEmergencyAccess {
		return SeverityMedium
	}
	return SeverityHigh
}

// Alert is a flagged anomaly on one contract. EvidenceEventID and
// EvidenceSeq point at the audit event that triggered it.
type Alert struct {
	ID              uuid.UUID  `json:"id"`
	Type            AlertType  `json:"type"`
	Severity        Severity   `json:"severity"`
	ContractID      uuid.UUID  `json:"contract_id"`
	Detail          string     `json:"detail"`
	EvidenceEventID string     `json:"evidence_event_id,omitempty"`
	EvidenceSeq     int64      `json:"evidence_seq"`
	CreatedAt       time.Time  `json:"created_at"`
	Resolved        bool       `json:"resolved"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
}

func (a *Alert) clone() *Alert {
	out := *a
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}

// AlertFilter selects alerts for listing. Zero fields match all.
type AlertFilter struct {
	ContractID *uuid.UUID
	Types      []AlertType
	Severities []Severity
	Resolved   *bool
	Limit      int
	Offset     int
}

func (f AlertFilter) matches(a *Alert) bool {
	if f.ContractID != nil && a.ContractID != *f.ContractID {
		return false
	}
	if f.Resolved != nil && a.Resolved != *f.Resolved {
		return false
	}
	if len(f.Types) > 0 && !contains(f.Types, a.Type) {
		return false
	}
	if len(f.Severities) > 0 && !contains(f.Severities, a.Severity) {
		return false
	}
	return true
}

func contains[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Report is the read model served to dashboards.
type Report struct {
	GeneratedAt          time.Time      `json:"generated_at"`
	RequestsByStatus     map[string]int `json:"requests_by_status"`
	ContractsByStatus    map[string]int `json:"contracts_by_status"`
	ContractsByEffective map[string]int `json:"contracts_by_effective_status"`
	TotalContracts       int            `json:"total_contracts"`
	ApprovalRate         float64        `json:"approval_rate"`
	ViolationRate        float64        `json:"violation_rate"`
	TotalAlerts          int            `json:"total_alerts"`
	OpenAlerts           int            `json:"open_alerts"`
	OpenAlertsBySeverity map[string]int `json:"open_alerts_by_severity"`
	AlertsByType         map[string]int `json:"alerts_by_type"`
	ResolutionRate       float64        `json:"resolution_rate"`
	ComplianceScore      int            `json:"compliance_score"`
}

// ScanResult summarises one scan pass.
type ScanResult struct {
	Contracts int      `json:"contracts_scanned"`
	Raised    []*Alert `json:"alerts_raised"`
}
