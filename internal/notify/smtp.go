package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	mail "github.com/go-mail/mail"
	"github.com/taskdesk/server/config"
	"github.com/taskdesk/server/internal/logger"
	"go.uber.org/zap"
)

type mailDialer interface {
	DialAndSend(m ...*mail.Message) error
}

// SMTPSender delivers messages over SMTP.
type SMTPSender struct {
	from   string
	host   string
	dialer mailDialer
}

// NewSMTPSender builds a sender from cfg. TLSMode is "ssl" (implicit TLS),
// "none" (plain connection) or "auto" (STARTTLS when offered).
func NewSMTPSender(cfg config.MailConfig) (*SMTPSender, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	if cfg.From == "" {
		return nil, errors.New("smtp from address is required")
	}

	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)
	d.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	switch cfg.TLSMode {
	case "ssl":
		d.SSL = true
	case "none":
		d.StartTLSPolicy = mail.NoStartTLS
	case "", "auto", "starttls":
	default:
		return nil, fmt.Errorf("unsupported smtp tls mode %q", cfg.TLSMode)
	}

	return &SMTPSender{from: cfg.From, host: cfg.Host, dialer: d}, nil
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return errors.New("smtp send: empty recipient")
	}

	m := mail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	switch {
	case msg.Text != "" && msg.HTML != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	logger.From(ctx).Debug("smtp message sent",
		logger.Component("smtp"),
		zap.String("host", s.host),
		zap.String("kind", msg.Kind),
	)
	return nil
}
