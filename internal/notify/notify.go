// Package notify delivers failure reports to the operator.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/wneessen/go-mail"

	appLog "calsync/internal/log"
)

// Notifier sends a short plain-text message.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// From and To default to Username.
	From string
	To   string
}

// SMTP sends mail through an authenticated relay. Port 465 uses implicit
// TLS, any other port STARTTLS.
type SMTP struct {
	cfg SMTPConfig
}

func NewSMTP(cfg SMTPConfig) (*SMTP, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host is empty")
	}
	if cfg.Username == "" {
		return nil, errors.New("smtp user is empty")
	}
	if cfg.Port == 0 {
		cfg.Port = 465
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.To == "" {
		cfg.To = cfg.Username
	}
	return &SMTP{cfg: cfg}, nil
}

// Recipient is the address reports go to.
func (s *SMTP) Recipient() string {
	return s.cfg.To
}

func (s *SMTP) Notify(ctx context.Context, subject, body string) error {
	m := mail.NewMsg()
	if err := m.From(s.cfg.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := m.To(s.cfg.To); err != nil {
		return fmt.Errorf("mail to: %w", err)
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextPlain, body)

	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(s.cfg.Username),
		mail.WithPassword(s.cfg.Password),
	}
	if s.cfg.Port == 465 {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	}

	c, err := mail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("mail client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("send mail to %s: %w", s.cfg.To, err)
	}
	appLog.Info("notification sent", "to", s.cfg.To, "subject", subject)
	return nil
}

// Log writes notifications to the log. Used when no mail relay is set.
type Log struct{}

func (Log) Notify(_ context.Context, subject, body string) error {
	appLog.Warn("notification", "subject", subject, "body", body)
	return nil
}
