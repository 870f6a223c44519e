package notify

import (
	"context"
	"errors"
	"fmt"
	"html"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
}

// EmailSender sends notifications over SMTP.
type EmailSender struct {
	cfg    SMTPConfig
	dialer *gomail.Dialer
}

func NewEmailSender(cfg SMTPConfig) (*EmailSender, error) {
	if cfg.Host == "" || cfg.FromEmail == "" {
		return nil, errors.New("SMTP host and from address must be set")
	}
	return &EmailSender{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}, nil
}

func (s *EmailSender) Deliver(ctx context.Context, msg StubMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m := s.build(msg)
	if err := s.dialer.DialAndSend(m); err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}
	return m.GetHeader("Message-ID")[0], nil
}

func (s *EmailSender) build(msg StubMessage) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.cfg.FromEmail, s.cfg.FromName)
	m.SetHeader("To", msg.Recipient)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", fmt.Sprintf("<%s@%s>", uuid.NewString(), s.cfg.Host))
	m.SetBody("text/plain", plainBody(msg))
	m.AddAlternative("text/html", htmlBody(msg))
	return m
}

func plainBody(msg StubMessage) string {
	if msg.ActionURL == "" {
		return msg.Body
	}
	return msg.Body + "\n\n" + msg.ActionURL
}

func htmlBody(msg StubMessage) string {
	body := "<p>" + html.EscapeString(msg.Body) + "</p>"
	if msg.ActionURL != "" {
		u := html.EscapeString(msg.ActionURL)
		body += fmt.Sprintf(`<p><a href="%s">%s</a></p>`, u, u)
	}
	return body
}
