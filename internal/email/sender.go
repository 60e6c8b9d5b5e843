package email

import (
	"context"
	"errors"
	"fmt"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

// ErrNotConfigured is returned by a Sender with no SMTP transport.
var ErrNotConfigured = errors.New("email transport not configured")

// Sender delivers one HTML email.
type Sender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// SMTPConfig configures an SMTPSender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender sends mail through an SMTP relay. A new connection is dialed
// per message; briefing volume is one message per user per day.
type SMTPSender struct {
	client *mail.Client
	from   string
	logger *zap.Logger
}

func NewSMTPSender(cfg SMTPConfig, logger *zap.Logger) (*SMTPSender, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, fmt.Errorf("NewSMTPSender: host and from are required")
	}
	opts := []mail.Option{
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
	}
	if cfg.Port > 0 {
		opts = append(opts, mail.WithPort(cfg.Port))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	c, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewSMTPSender: %w", err)
	}

	logger.Info("smtp sender configured",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
	)
	return &SMTPSender{client: c, from: cfg.From, logger: logger}, nil
}

func (s *SMTPSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	m, err := buildMessage(s.from, to, subject, htmlBody)
	if err != nil {
		return fmt.Errorf("Send: %w", err)
	}
	if err := s.client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("Send: %w", err)
	}
	return nil
}

func buildMessage(from, to, subject, htmlBody string) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(from); err != nil {
		return nil, err
	}
	if err := m.To(to); err != nil {
		return nil, err
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextHTML, htmlBody)
	return m, nil
}

// NopSender is used when no SMTP relay is configured. Every send fails
// with ErrNotConfigured so the email channel is reported undelivered.
type NopSender struct {
	logger *zap.Logger
}

func NewNopSender(logger *zap.Logger) *NopSender {
	return &NopSender{logger: logger}
}

func (s *NopSender) Send(_ context.Context, to, subject, _ string) error {
	s.logger.Debug("email skipped, no transport",
		zap.String("to", to),
		zap.String("subject", subject),
	)
	return ErrNotConfigured
}
