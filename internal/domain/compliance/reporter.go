package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/consent/internal/domain/consent"
	"github.com/ehr/consent/internal/platform/metrics"
)

// Score weights per open alert.
const (
	weightHigh   = 10
	weightMedium = 4
	weightLow    = 1
)

// RequestCounter is the slice of the request store the reporter reads.
type RequestCounter interface {
	CountRequestsByStatus(ctx context.Context) (map[consent.RequestStatus]int, error)
}

// Reporter aggregates the stores into a dashboard read model. It never writes.
type Reporter struct {
	requests  RequestCounter
	contracts consent.ContractRepository
	alerts    Repository
}

func NewReporter(requests RequestCounter, contracts consent.ContractRepository, alerts Repository) *Reporter {
	return &Reporter{requests: requests, contracts: contracts, alerts: alerts}
}

// ComputeScore is 100 minus the weighted count of open alerts, floored at 0.
func ComputeScore(openBySeverity map[Severity]int) int {
	s := 100 - (weightHigh*openBySeverity[SeverityHigh] +
		weightMedium*openBySeverity[SeverityMedium] +
		weightLow*openBySeverity[SeverityLow])
	if s < 0 {
		return 0
	}
	return s
}

// Score returns the current compliance score.
func (r *Reporter) Score(ctx context.Context) (int, error) {
	open := false
	alerts, _, err := r.alerts.ListAlerts(ctx, AlertFilter{Resolved: &open})
	if err != nil {
		return 0, fmt.Errorf("list open alerts: %w", err)
	}
	bySeverity := map[Severity]int{}
	for _, a := range alerts {
		bySeverity[a.Severity]++
	}
	score := ComputeScore(bySeverity)
	metrics.ComplianceScore.Set(float64(score))
	return score, nil
}

// Report builds the full read model at now.
func (r *Reporter) Report(ctx context.Context, now time.Time) (*Report, error) {
	requestCounts, err := r.requests.CountRequestsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count requests: %w", err)
	}
	contracts, _, err := r.contracts.ListContracts(ctx, consent.ContractFilter{})
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	alerts, _, err := r.alerts.ListAlerts(ctx, AlertFilter{})
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}

	rep := &Report{
		GeneratedAt:          now.UTC(),
		RequestsByStatus:     map[string]int{},
		ContractsByStatus:    map[string]int{},
		ContractsByEffective: map[string]int{},
		OpenAlertsBySeverity: map[string]int{},
		AlertsByType:         map[string]int{},
		TotalContracts:       len(contracts),
		TotalAlerts:          len(alerts),
	}
	for s, n := range requestCounts {
		rep.RequestsByStatus[string(s)] = n
	}
	approved, rejected := requestCounts[consent.StatusApproved], requestCounts[consent.StatusRejected]
	if approved+rejected > 0 {
		rep.ApprovalRate = float64(approved) / float64(approved+rejected)
	}

	for _, c := range contracts {
		rep.ContractsByStatus[string(c.Status)]++
		rep.ContractsByEffective[string(consent.EffectiveStatus(c, now))]++
	}

	flagged := map[uuid.UUID]bool{}
	openBySeverity := map[Severity]int{}
	resolved := 0
	for _, a := range alerts {
		flagged[a.ContractID] = true
		rep.AlertsByType[string(a.Type)]++
		if a.Resolved {
			resolved++
			continue
		}
		rep.OpenAlerts++
		openBySeverity[a.Severity]++
		rep.OpenAlertsBySeverity[string(a.Severity)]++
	}
	if len(contracts) > 0 {
		rep.ViolationRate = float64(len(flagged)) / float64(len(contracts))
	}
	rep.ResolutionRate = 1
	if len(alerts) > 0 {
		rep.ResolutionRate = float64(resolved) / float64(len(alerts))
	}
	rep.ComplianceScore = ComputeScore(openBySeverity)
	metrics.ComplianceScore.Set(float64(rep.ComplianceScore))
	return rep, nil
}
