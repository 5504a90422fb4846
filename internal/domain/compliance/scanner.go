package compliance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/consent/internal/domain/audit"
	"github.com/ehr/consent/internal/domain/consent"
	"github.com/ehr/consent/internal/platform/metrics"
)

// ScannerActor is the actor id written on audit events the scanner emits.
const ScannerActor = "compliance-scanner"

// Trail is the audit access the scanner needs: it reads a contract's events
// and records alert_raised events.
type Trail interface {
	audit.Recorder
	List(ctx context.Context, f audit.Filter) ([]*audit.Event, error)
}

// AlertTopic is the topic raised alerts are published on.
const AlertTopic = "compliance.alert_raised"

// Publisher fans raised alerts out to dashboards. Publishing is best effort.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
}

type ScannerConfig struct {
	Workers               int
	EmergencyReviewWindow time.Duration
	QueueSize             int
}

func DefaultScannerConfig() ScannerConfig {
	return ScannerConfig{Workers: 4, EmergencyReviewWindow: 24 * time.Hour, QueueSize: 256}
}

// Scanner looks for policy breaches in the contracts and their audit trail.
// It only reads contracts and audit events; its writes are alerts and the
// alert_raised events describing them.
type Scanner struct {
	contracts consent.ContractRepository
	trail     Trail
	alerts    Repository
	publisher Publisher
	cfg       ScannerConfig
	logger    zerolog.Logger
	now       func() time.Time

	queue chan uuid.UUID
}

func NewScanner(contracts consent.ContractRepository, trail Trail, alerts Repository, cfg ScannerConfig, logger zerolog.Logger) *Scanner {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultScannerConfig().QueueSize
	}
	if cfg.EmergencyReviewWindow <= 0 {
		cfg.EmergencyReviewWindow = DefaultScannerConfig().EmergencyReviewWindow
	}
	return &Scanner{
		contracts: contracts,
		trail:     trail,
		alerts:    alerts,
		cfg:       cfg,
		logger:    logger.With().Str("component", "violation_scanner").Logger(),
		now:       time.Now,
		queue:     make(chan uuid.UUID, cfg.QueueSize),
	}
}

// SetPublisher attaches the alert publisher.
func (s *Scanner) SetPublisher(p Publisher) {
	s.publisher = p
}

// ContractDenied queues a scan of the contract after the gate denied access.
func (s *Scanner) ContractDenied(contractID uuid.UUID, _ consent.DenialReason) {
	s.Trigger(contractID)
}

// Trigger queues an asynchronous scan of one contract. It never blocks; when
// the queue is full the contract is left to the next scheduled full scan.
func (s *Scanner) Trigger(contractID uuid.UUID) {
	select {
	case s.queue <- contractID:
	default:
		s.logger.Warn().Str("contract_id", contractID.String()).Msg("scan queue full, deferring to scheduled scan")
	}
}

// Run drains the trigger queue until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.queue:
			if _, err := s.ScanContract(ctx, id, s.now()); err != nil {
				s.logger.Error().Err(err).Str("contract_id", id.String()).Msg("triggered scan failed")
			}
		}
	}
}

// ScanAll scans every contract with at most cfg.Workers in flight.
func (s *Scanner) ScanAll(ctx context.Context, now time.Time) (*ScanResult, error) {
	start := time.Now()
	defer func() { metrics.ScanDuration.Observe(time.Since(start).Seconds()) }()

	contracts, _, err := s.contracts.ListContracts(ctx, consent.ContractFilter{})
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}

	result := &ScanResult{Contracts: len(contracts)}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, c := range contracts {
		c := c
		g.Go(func() error {
			raised, err := s.scan(gctx, c, now)
			if err != nil {
				return fmt.Errorf("scan contract %s: %w", c.ID, err)
			}
			if len(raised) > 0 {
				mu.Lock()
				result.Raised = append(result.Raised, raised...)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.logger.Info().
		Int("contracts", result.Contracts).
		Int("alerts_raised", len(result.Raised)).
		Dur("duration", time.Since(start)).
		Msg("violation scan complete")
	return result, nil
}

// ScanContract scans one contract and returns the alerts it raised.
func (s *Scanner) ScanContract(ctx context.Context, id uuid.UUID, now time.Time) ([]*Alert, error) {
	c, err := s.contracts.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.scan(ctx, c, now)
}

func (s *Scanner) scan(ctx context.Context, c *consent.ConsentContract, now time.Time) ([]*Alert, error) {
	events, err := s.trail.List(ctx, audit.Filter{ContractID: audit.UUIDRef(c.ID)})
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}

	var raised []*Alert
	for _, f := range detect(c, events, now, s.cfg.EmergencyReviewWindow) {
		a := &Alert{
			ID:         uuid.New(),
			Type:       f.Type,
			Severity:   SeverityOf(f.Type),
			ContractID: c.ID,
			Detail:     f.Detail,
			CreatedAt:  now.UTC(),
		}
		if f.Evidence != nil {
			a.EvidenceEventID = f.Evidence.ID
			a.EvidenceSeq = f.Evidence.Seq
		}
		ok, err := s.raise(ctx, a)
		if err != nil {
			return raised, err
		}
		if ok {
			raised = append(raised, a)
		}
	}
	return raised, nil
}

// raise stores the alert and its alert_raised event together. Duplicates are
// dropped silently.
func (s *Scanner) raise(ctx context.Context, a *Alert) (bool, error) {
	created := false
	err := s.alerts.WithTx(ctx, func(ctx context.Context) error {
		ok, err := s.alerts.CreateAlert(ctx, a)
		if err != nil || !ok {
			return err
		}
		created = true
		return s.trail.Record(ctx, &audit.Event{
			Timestamp:  a.CreatedAt,
			ActorID:    ScannerActor,
			Action:     audit.ActionAlertRaised,
			ContractID: audit.UUIDRef(a.ContractID),
			Outcome:    string(a.Severity),
			Detail:     fmt.Sprintf("alert_id=%s type=%s evidence_seq=%d", a.ID, a.Type, a.EvidenceSeq),
		})
	})
	if err != nil {
		return false, fmt.Errorf("raise %s alert: %w", a.Type, err)
	}
	if !created {
		return false, nil
	}

	metrics.AlertsRaised.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
	s.logger.Warn().
		Str("alert_id", a.ID.String()).
		Str("contract_id", a.ContractID.String()).
		Str("type", string(a.Type)).
		Str("severity", string(a.Severity)).
		Msg("compliance alert raised")
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, AlertTopic, a); err != nil {
			s.logger.Warn().Err(err).Str("alert_id", a.ID.String()).Msg("alert publish failed")
		}
	}
	return true, nil
}
