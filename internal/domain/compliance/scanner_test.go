package compliance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/consent/internal/domain/audit"
	"github.com/ehr/consent/internal/domain/consent"
)

type knownRequesters struct{}

func (knownRequesters) IsKnownRequester(context.Context, string) (bool, error) { return true, nil }

type recordingPublisher struct {
	mu     sync.Mutex
	alerts []*Alert
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := payload.(*Alert); ok && topic == AlertTopic {
		p.alerts = append(p.alerts, a)
	}
	return p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.alerts)
}

var t0 = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	repo      consent.Repository
	trail     *audit.Log
	svc       *consent.Service
	gate      *consent.Gate
	alerts    Repository
	scanner   *Scanner
	desk      *AlertDesk
	reporter  *Reporter
	publisher *recordingPublisher

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:      consent.NewMemoryRepository(),
		alerts:    NewMemoryRepository(),
		publisher: &recordingPublisher{},
		now:       t0,
	}
	f.trail = audit.NewLog(audit.NewMemoryRepository(), []byte("compliance-test-key-0123456789ab"), zerolog.Nop())
	f.svc = consent.NewService(f.repo, f.trail, knownRequesters{}, consent.DefaultPolicy(), zerolog.Nop())
	f.svc.SetClock(f.clock)
	f.gate = consent.NewGate(f.repo, f.trail, consent.DefaultPolicy(), zerolog.Nop())

	cfg := DefaultScannerConfig()
	cfg.Workers = 3
	f.scanner = NewScanner(f.repo, f.trail, f.alerts, cfg, zerolog.Nop())
	f.scanner.SetPublisher(f.publisher)
	f.desk = NewAlertDesk(f.alerts, f.trail, zerolog.Nop())
	f.reporter = NewReporter(f.repo, f.repo, f.alerts)
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) setNow(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// contract approves a fresh request at the current fixture time.
func (f *fixture) contract(t *testing.T, urgency consent.Urgency, limit *int, dataTypes ...string) *consent.ConsentContract {
	t.Helper()
	ctx := context.Background()
	r, err := f.svc.CreateRequest(ctx, "org-research-3", "patient-"+uuid.NewString()[:8], dataTypes, "study", urgency)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if _, err := f.svc.NotifyPatient(ctx, r.ID); err != nil {
		t.Fatalf("notify: %v", err)
	}
	_, c, err := f.svc.RecordPatientDecision(ctx, r.ID, r.PatientID,
		consent.DecisionInput{Decision: consent.DecisionApprove, MaxAccessCount: limit})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	return c
}

func (f *fixture) access(t *testing.T, c *consent.ConsentContract, dataType string, at time.Time) *consent.AccessDecision {
	t.Helper()
	dec, err := f.gate.AuthorizeAccess(context.Background(), "svc-records", c.ID, dataType, at)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	return dec
}

// inject writes a granted-access event the gate itself would never have
// written, the way a replayed or out-of-band writer might.
func (f *fixture) inject(t *testing.T, c *consent.ConsentContract, dataType string, at time.Time, count int) {
	t.Helper()
	err := f.trail.Record(context.Background(), &audit.Event{
		Timestamp:   at,
		ActorID:     "legacy-export",
		Action:      audit.ActionContractAccessed,
		ContractID:  audit.UUIDRef(c.ID),
		DataType:    dataType,
		AccessCount: &count,
		Outcome:     audit.OutcomeGranted,
	})
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
}

func (f *fixture) openAlerts(t *testing.T) []*Alert {
	t.Helper()
	open := false
	items, _, err := f.alerts.ListAlerts(context.Background(), AlertFilter{Resolved: &open})
	if err != nil {
		t.Fatal(err)
	}
	return items
}

func (f *fixture) raisedEvents(t *testing.T) int {
	t.Helper()
	events, err := f.trail.List(context.Background(), audit.Filter{Actions: []audit.Action{audit.ActionAlertRaised}})
	if err != nil {
		t.Fatal(err)
	}
	return len(events)
}

func intPtr(n int) *int { return &n }

func TestScan_CleanContractRaisesNothing(t *testing.T) {
	f := newFixture(t)
	c := f.contract(t, consent.UrgencyNormal, intPtr(3), "lab_results")
	for i := 0; i < 3; i++ {
		f.access(t, c, "lab_results", t0.Add(time.Duration(i+1)*time.Minute))
	}
	f.access(t, c, "lab_results", t0.Add(time.Hour))  // limit_exceeded
	f.access(t, c, "prescriptions", t0.Add(time.Hour)) // scope_violation

	res, err := f.scanner.ScanAll(context.Background(), t0.Add(48*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if res.Contracts != 1 || len(res.Raised) != 0 {
		t.Errorf("expected clean scan of 1 contract, got %+v", res)
	}
}

// A denial after the window closed is the gate doing its job, not a breach.
func TestScan_ExpiredDenialIsNotAViolation(t *testing.T) {
	f := newFixture(t)
	c := f.contract(t, consent.UrgencyNormal, nil, "lab_results")

	dec := f.access(t, c, "lab_results", c.ValidUntil.Add(time.Second))
	if dec.Granted || dec.Reason != consent.ReasonExpired {
		t.Fatalf("expected expired denial, got %+v", dec)
	}

	res, err := f.scanner.ScanAll(context.Background(), c.ValidUntil.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Raised) != 0 {
		t.Errorf("expected no alerts, got %d", len(res.Raised))
	}
	if f.raisedEvents(t) != 0 || f.publisher.count() != 0 {
		t.Error("nothing should be recorded or published")
	}
}

func TestScan_PostExpiryAccess(t *testing.T) {
	f := newFixture(t)
	c := f.contract(t, consent.UrgencyNormal, nil, "lab_results")
	f.access(t, c, "lab_results", t0.Add(time.Minute))
	f.inject(t, c, "lab_results", c.ValidUntil.Add(time.Hour), 2)

	raised, err := f.scanner.ScanContract(context.Background(), c.ID, c.ValidUntil.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(raised) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(raised))
	}
	a := raised[0]
	if a.Type != AlertPostExpiryAccess || a.Severity != SeverityHigh || a.ContractID != c.ID {
		t.Errorf("unexpected alert %+v", a)
	}
	if a.EvidenceSeq == 0 || a.EvidenceEventID == "" {
		t.Error("alert must point at its evidence event")
	}
	if f.raisedEvents(t) != 1 || f.publisher.count() != 1 {
		t.Errorf("expected one alert_raised event and one publish")
	}
}

func TestScan_AccessBeforeValidFromIsPostExpiry(t *testing.T) {
	f := newFixture(t)
	c := f.contract(t, consent.UrgencyNormal, nil, "vitals")
	f.inject(t, c, "vitals", c.ValidFrom.Add(-time.Minute), 1)

	raised, err := f.scanner.ScanContract(context.Background(), c.ID, t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(raised) != 1 || raised[0].Type != AlertPostExpiryAccess {
		t.Errorf("expected post_expiry_access, got %+v", raised)
	}
}

func TestScan_OverLimitFromStoredCounter(t *testing.T) {
	f := newFixture(t)
	c := f.contract(t, consent.UrgencyNormal, intPtr(2), "vitals")
	f.access(t, c, "vitals", t0.Add(time.Minute))
	f.access(t, c, "vitals", t0.Add(2*time.Minute))

	_, err := f.repo.MutateContract(context.Background(), c.ID, func(_ context.Context, c *consent.ConsentContract) (bool, error) {
		c.AccessCount = 3
		return true, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	raised, err := f.scanner.ScanContract(context.Background(), c.ID, t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(raised) != 1 || raised[0].Type != AlertOverLimitAccess {
		t.Fatalf("expected over_limit_access, got %+v", raised)
	}
}

func TestScan_OverLimitFromGrantedEvents(t *testing.T) {
	f := newFixture(t)
	c := f.contract(t, consent.UrgencyNormal, intPtr(1), "vitals")
	f.access(t, c, "vitals", t0.Add(time.Minute))
	f.inject(t, c, "vitals", t0.Add(2*time.Minute), 2)

	raised, err := f.scanner.ScanContract(context.Background(), c.ID, t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(raised) != 1 || raised[0].Type != AlertOverLimitAccess {
		t.Fatalf("expected over_limit_access, got %+v", raised)
	}
}

func TestScan_ScopeViolation(t *testing.T) {
	f := newFixture(t)
	c := f.contract(t, consent.UrgencyNormal, nil, "vitals")
	f.inject(t, c, "imaging", t0.Add(time.Minute), 1)

	raised, err := f.scanner.ScanContract(context.Background(), c.ID, t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(raised) != 1 || raised[0].Type != AlertScopeViolation || raised[0].Severity != SeverityHigh {
		t.Fatalf("expected scope_violation, got %+v", raised)
	}
}

func TestScan_UnresolvedEmergencyAccess(t *testing.T) {
	window := DefaultScannerConfig().EmergencyReviewWindow
	tests := []struct {
		name     string
		reviewAt time.Duration // after first access; 0 means no review
		scanAt   time.Duration
		want     bool
	}{
		{"inside window not elapsed", 0, window - time.Hour, false},
		{"no review", 0, window + time.Hour, true},
		{"reviewed in window", 2 * time.Hour, window + time.Hour, false},
		{"reviewed too late", window + time.Minute, window + time.Hour, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			c := f.contract(t, consent.UrgencyEmergency, nil, "vitals")
			first := t0.Add(10 * time.Minute)
			f.access(t, c, "vitals", first)
			if tt.reviewAt > 0 {
				f.setNow(first.Add(tt.reviewAt))
				if _, err := f.svc.ReviewContract(context.Background(), c.ID, "admin-1", "checked"); err != nil {
					t.Fatal(err)
				}
			}

			raised, err := f.scanner.ScanContract(context.Background(), c.ID, first.Add(tt.scanAt))
			if err != nil {
				t.Fatal(err)
			}
			got := len(raised) == 1 && raised[0].Type == AlertUnresolvedEmergencyAccess
			if got != tt.want {
				t.Errorf("expected alert=%v, got %+v", tt.want, raised)
			}
			if got && raised[0].Severity != SeverityMedium {
				t.Errorf("expected medium severity, got %s", raised[0].Severity)
			}
		})
	}
}

func TestScan_NormalUrgencyNeedsNoReview(t *testing.T) {
	f := newFixture(t)
	c := f.contract(t, consent.UrgencyNormal, nil, "vitals")
	f.access(t, c, "vitals", t0.Add(time.Minute))

	raised, err := f.scanner.ScanContract(context.Background(), c.ID, t0.Add(10*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(raised) != 0 {
		t.Errorf("expected no alert, got %+v", raised)
	}
}

func TestScan_Dedup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.contract(t, consent.UrgencyNormal, nil, "vitals")
	f.inject(t, c, "imaging", t0.Add(time.Minute), 1)
	scanAt := t0.Add(time.Hour)

	first, err := f.scanner.ScanContract(ctx, c.ID, scanAt)
	if err != nil || len(first) != 1 {
		t.Fatalf("first scan: %v %d", err, len(first))
	}
	if again, _ := f.scanner.ScanContract(ctx, c.ID, scanAt); len(again) != 0 {
		t.Fatal("open alert must not be raised twice")
	}

	if _, err := f.desk.ResolveAlert(ctx, first[0].ID, "admin-1", "false positive"); err != nil {
		t.Fatal(err)
	}
	if again, _ := f.scanner.ScanContract(ctx, c.ID, scanAt); len(again) != 0 {
		t.Fatal("resolved alert must not be re-raised for the same evidence")
	}

	f.inject(t, c, "diagnoses", t0.Add(2*time.Minute), 2)
	again, err := f.scanner.ScanContract(ctx, c.ID, scanAt)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 1 || again[0].EvidenceSeq <= first[0].EvidenceSeq {
		t.Fatalf("new evidence after resolution must raise a fresh alert, got %+v", again)
	}
	if n := f.raisedEvents(t); n != 2 {
		t.Errorf("expected 2 alert_raised events, got %d", n)
	}
}

func TestScanAll_ManyContracts(t *testing.T) {
	f := newFixture(t)
	const n = 12
	for i := 0; i < n; i++ {
		c := f.contract(t, consent.UrgencyNormal, nil, "vitals")
		if i%2 == 0 {
			f.inject(t, c, "imaging", t0.Add(time.Minute), 1)
		}
	}

	res, err := f.scanner.ScanAll(context.Background(), t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if res.Contracts != n || len(res.Raised) != n/2 {
		t.Errorf("expected %d contracts and %d alerts, got %d and %d", n, n/2, res.Contracts, len(res.Raised))
	}
	if got := len(f.openAlerts(t)); got != n/2 {
		t.Errorf("expected %d stored alerts, got %d", n/2, got)
	}
}

type failingTrail struct{ Trail }

func (failingTrail) List(context.Context, audit.Filter) ([]*audit.Event, error) {
	return nil, errors.New("connection refused")
}

func TestScanAll_StoreFailure(t *testing.T) {
	f := newFixture(t)
	f.contract(t, consent.UrgencyNormal, nil, "vitals")
	s := NewScanner(f.repo, failingTrail{f.trail}, f.alerts, DefaultScannerConfig(), zerolog.Nop())
	if _, err := s.ScanAll(context.Background(), t0); err == nil {
		t.Fatal("expected error")
	}
}

func TestScanContract_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.scanner.ScanContract(context.Background(), uuid.New(), t0)
	if !errors.Is(err, consent.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestScan_PublishFailureDoesNotLoseAlert(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = fmt.Errorf("redis down")
	c := f.contract(t, consent.UrgencyNormal, nil, "vitals")
	f.inject(t, c, "imaging", t0.Add(time.Minute), 1)

	raised, err := f.scanner.ScanContract(context.Background(), c.ID, t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(raised) != 1 || len(f.openAlerts(t)) != 1 {
		t.Error("alert must be stored even when publishing fails")
	}
}

func TestTrigger_DenialSchedulesScan(t *testing.T) {
	f := newFixture(t)
	f.gate.SetDenialObserver(f.scanner)
	c := f.contract(t, consent.UrgencyNormal, nil, "vitals")
	f.inject(t, c, "imaging", t0.Add(time.Minute), 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.scanner.Run(ctx)
		close(done)
	}()

	if dec := f.access(t, c, "imaging", t0.Add(2*time.Minute)); dec.Granted {
		t.Fatal("expected denial")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(f.openAlerts(t)) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if len(f.openAlerts(t)) != 1 {
		t.Fatal("expected the triggered scan to raise one alert")
	}
}

func TestTrigger_FullQueueDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	s := NewScanner(f.repo, f.trail, f.alerts, ScannerConfig{Workers: 1, QueueSize: 1}, zerolog.Nop())
	s.Trigger(uuid.New())
	s.Trigger(uuid.New())
	s.ContractDenied(uuid.New(), consent.ReasonRevoked)
	if len(s.queue) != 1 {
		t.Errorf("expected queue length 1, got %d", len(s.queue))
	}
}
