package notification

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	mail "github.com/go-mail/mail"
	"github.com/rs/zerolog"
)

// SMTPConfig configures SMTPSender.
type SMTPConfig struct {
	Host    string
	Port    int
	User    string
	Pass    string
	From    string
	SSL     bool
	Timeout time.Duration
}

// SMTPSender sends plain-text email over SMTP, negotiating STARTTLS when the
// server offers it.
type SMTPSender struct {
	cfg    SMTPConfig
	logger zerolog.Logger
	dial   func(d *mail.Dialer, m *mail.Message) error
}

func NewSMTPSender(cfg SMTPConfig, logger zerolog.Logger) *SMTPSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SMTPSender{
		cfg:    cfg,
		logger: logger.With().Str("component", "smtp").Str("host", cfg.Host).Int("port", cfg.Port).Logger(),
		dial:   func(d *mail.Dialer, m *mail.Message) error { return d.DialAndSend(m) },
	}
}

// message builds the MIME message for one email.
func (s *SMTPSender) message(to, subject, body string) *mail.Message {
	m := mail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)
	return m
}

func (s *SMTPSender) dialer(ctx context.Context) *mail.Dialer {
	d := mail.NewDialer(s.cfg.Host, s.cfg.Port, s.cfg.User, s.cfg.Pass)
	d.TLSConfig = &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}
	d.SSL = s.cfg.SSL
	d.Timeout = s.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < d.Timeout {
			d.Timeout = left
		}
	}
	return d
}

func (s *SMTPSender) SendEmail(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.dial(s.dialer(ctx), s.message(to, subject, body)); err != nil {
		s.logger.Error().Err(err).Str("to", to).Msg("smtp send failed")
		return fmt.Errorf("smtp send: %w", err)
	}
	s.logger.Debug().Str("to", to).Msg("email sent")
	return nil
}
