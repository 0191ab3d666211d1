package notify

import (
	"context"
	"fmt"

	"github.com/wneessen/go-mail"
)

// Transport delivers one composed message. Tests and unconfigured
// deployments use Noop; production uses SMTP.
type Transport interface {
	Send(ctx context.Context, subject, body string) error
}

// Noop drops messages. Used when no recipient is configured.
type Noop struct{}

func (Noop) Send(_ context.Context, _, _ string) error { return nil }

// SMTP sends plain-text mail through a relay.
type SMTP struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

func (s *SMTP) Send(ctx context.Context, subject, body string) error {
	msg := mail.NewMsg()
	if err := msg.From(s.From); err != nil {
		return fmt.Errorf("set from %q: %w", s.From, err)
	}
	if err := msg.To(s.To); err != nil {
		return fmt.Errorf("set to %q: %w", s.To, err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	opts := []mail.Option{mail.WithPort(s.Port)}
	if s.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.Username),
			mail.WithPassword(s.Password),
		)
	}
	client, err := mail.NewClient(s.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}
