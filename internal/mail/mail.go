// Package mail delivers packaged books to a destination address over SMTP.
package mail

import (
	"bytes"
	"context"
	"fmt"

	gomail "github.com/wneessen/go-mail"
)

// Config holds the SMTP connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Mailer sends mail with a single attachment per message. Transport
// failures surface as one error; there is no partial-send concept.
type Mailer struct {
	client *gomail.Client
	from   string
}

// New creates a Mailer from SMTP settings.
func New(cfg Config) (*Mailer, error) {
	client, err := gomail.NewClient(cfg.Host,
		gomail.WithPort(cfg.Port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(cfg.Username),
		gomail.WithPassword(cfg.Password),
	)
	if err != nil {
		return nil, fmt.Errorf("creating SMTP client: %w", err)
	}
	return &Mailer{client: client, from: cfg.From}, nil
}

// Send delivers one message with the given attachment to a single address.
func (m *Mailer) Send(ctx context.Context, to, subject, body, filename string, data []byte) error {
	msg := gomail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return fmt.Errorf("invalid sender address: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("invalid recipient address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, body)
	if err := msg.AttachReader(filename, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("attaching %s: %w", filename, err)
	}

	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("sending mail to %s: %w", to, err)
	}
	return nil
}
