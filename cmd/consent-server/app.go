package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/consent/internal/config"
	"github.com/ehr/consent/internal/domain/audit"
	"github.com/ehr/consent/internal/domain/compliance"
	"github.com/ehr/consent/internal/domain/consent"
	"github.com/ehr/consent/internal/platform/actors"
	"github.com/ehr/consent/internal/platform/db"
	"github.com/ehr/consent/internal/platform/events"
	"github.com/ehr/consent/internal/platform/notification"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool

	auditLog  *audit.Log
	consent   consent.Repository
	service   *consent.Service
	gate      *consent.Gate
	actors    actors.Store
	notifier  *notification.Manager
	alerts    compliance.Repository
	scanner   *compliance.Scanner
	desk      *compliance.AlertDesk
	reporter  *compliance.Reporter
	closeFns  []func()
	publisher events.Multi
}

func (a *app) Close() {
	for i := len(a.closeFns) - 1; i >= 0; i-- {
		a.closeFns[i]()
	}
}

// policyFromConfig builds the lifecycle policy from the environment, then
// overlays POLICY_FILE when one is set.
func policyFromConfig(cfg *config.Config) (consent.Policy, error) {
	p := consent.DefaultPolicy()
	if len(cfg.ScopeTags) > 0 {
		p.ScopeTags = cfg.ScopeTags
	}
	windows := map[consent.Urgency][2]time.Duration{
		consent.UrgencyNormal:    {cfg.ResponseWindowNormal, cfg.ContractValidNormal},
		consent.UrgencyUrgent:    {cfg.ResponseWindowUrgent, cfg.ContractValidUrgent},
		consent.UrgencyEmergency: {cfg.ResponseWindowEmergency, cfg.ContractValidEmergency},
	}
	for u, w := range windows {
		up := p.Urgency[u]
		if w[0] > 0 {
			up.ResponseWindow = w[0]
		}
		if w[1] > 0 {
			up.ContractValidity = w[1]
		}
		p.Urgency[u] = up
	}
	p.DefaultMaxAccessCount = cfg.DefaultMaxAccessCount
	if cfg.WriteRetries > 0 {
		p.WriteRetries = cfg.WriteRetries
	}

	if cfg.PolicyFile == "" {
		return p, nil
	}
	return consent.LoadPolicyFile(cfg.PolicyFile, p)
}

// buildApp wires the stores and services for cfg.StoreDriver.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	policy, err := policyFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	var (
		auditRepo audit.Repository
		actorRepo actors.Store
	)
	switch cfg.StoreDriver {
	case "postgres":
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		a.closeFns = append(a.closeFns, pool.Close)
		a.consent = consent.NewRepoPG(pool)
		auditRepo = audit.NewRepoPG(pool)
		a.alerts = compliance.NewRepoPG(pool)
		actorRepo = actors.NewPGStore(pool)
		logger.Info().Msg("connected to database")
	default:
		a.consent = consent.NewMemoryRepository()
		auditRepo = audit.NewMemoryRepository()
		a.alerts = compliance.NewMemoryRepository()
		actorRepo = actors.NewMemoryStore()
		logger.Warn().Msg("using in-memory store, data is lost on exit")
	}

	if err := actors.Seed(ctx, actorRepo, actors.KindRequester, cfg.KnownRequesters, time.Now().UTC()); err != nil {
		a.Close()
		return nil, fmt.Errorf("seed known requesters: %w", err)
	}
	a.actors = actors.NewCachedStore(actorRepo, cfg.ActorCacheTTL)
	directory := actors.NewDirectory(a.actors)

	a.auditLog = audit.NewLog(auditRepo, cfg.AuditKey(), logger)
	a.service = consent.NewService(a.consent, a.auditLog, directory, policy, logger)
	a.gate = consent.NewGate(a.consent, a.auditLog, policy, logger)

	a.notifier = notification.NewManager(emailSender(cfg, logger), directory, notification.NewTemplateEngine())
	a.service.SetNotifier(patientNotifier{manager: a.notifier})

	a.scanner = compliance.NewScanner(a.consent, a.auditLog, a.alerts, compliance.ScannerConfig{
		Workers:               cfg.ScanWorkers,
		EmergencyReviewWindow: cfg.EmergencyReviewWindow,
	}, logger)
	if err := a.wirePublishers(); err != nil {
		a.Close()
		return nil, err
	}
	a.scanner.SetPublisher(a.publisher)
	a.gate.SetDenialObserver(a.scanner)

	a.desk = compliance.NewAlertDesk(a.alerts, a.auditLog, logger)
	a.reporter = compliance.NewReporter(a.consent, a.consent, a.alerts)
	return a, nil
}

func emailSender(cfg *config.Config, logger zerolog.Logger) notification.EmailSender {
	if cfg.SMTPHost == "" {
		logger.Warn().Msg("SMTP_HOST not set, patient emails are recorded but not delivered")
		return &notification.MockEmailSender{}
	}
	smtp := notification.NewSMTPSender(notification.SMTPConfig{
		Host: cfg.SMTPHost,
		Port: cfg.SMTPPort,
		User: cfg.SMTPUser,
		Pass: cfg.SMTPPass,
		From: cfg.SMTPFrom,
		SSL:  cfg.SMTPPort == 465,
	}, logger)
	return notification.NewBreakerSender(smtp, notification.BreakerConfig{
		MaxFailures: cfg.NotifyBreakerMaxFailures,
		Timeout:     cfg.NotifyBreakerTimeout,
	}, logger)
}

func (a *app) wirePublishers() error {
	a.publisher = events.Multi{events.NewLogPublisher(a.logger)}
	if a.cfg.RedisURL != "" {
		rp, err := events.NewRedisPublisher(a.cfg.RedisURL, a.cfg.AlertChannelPrefix)
		if err != nil {
			return err
		}
		a.closeFns = append(a.closeFns, func() { _ = rp.Close() })
		a.publisher = append(a.publisher, rp)
	}
	if a.cfg.AlertWebhookURL != "" {
		wp, err := events.NewWebhookPublisher(a.cfg.AlertWebhookURL, a.cfg.AlertWebhookSecret)
		if err != nil {
			return err
		}
		a.publisher = append(a.publisher, wp)
	}
	return nil
}

// patientNotifier sends the consent request email to the patient.
type patientNotifier struct {
	manager *notification.Manager
}

func (n patientNotifier) NotifyConsentRequest(ctx context.Context, r *consent.ConsentRequest) error {
	tpl := notification.TemplateConsentRequest
	if r.Urgency == consent.UrgencyEmergency {
		tpl = notification.TemplateConsentRequestEmergency
	}
	_, err := n.manager.SendTemplate(ctx, r.PatientID, tpl, map[string]string{
		"requester":  r.RequesterID,
		"data_types": strings.Join(r.RequestedDataTypes, ", "),
		"purpose":    r.Purpose,
		"expires_at": r.ExpiresAt.UTC().Format(time.RFC3339),
	})
	return err
}
