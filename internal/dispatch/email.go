package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/gomail.v2"

	"github.com/meshgov/warden/internal/models"
)

// SMTPConfig holds mail relay settings for the email channel.
type SMTPConfig struct {
	Host     string `json:"host" validate:"required_with=Port"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from"`
	Subject  string `json:"subject,omitempty"`
}

// mailSender abstracts gomail's dialer so tests can fake the relay.
type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailChannel delivers notifications over SMTP. The job address is the
// recipient mailbox.
type EmailChannel struct {
	cfg    SMTPConfig
	sender mailSender
}

// NewEmailChannel builds an email adapter from SMTP settings.
func NewEmailChannel(cfg SMTPConfig) *EmailChannel {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Subject == "" {
		cfg.Subject = "Warden alert notification"
	}
	return &EmailChannel{
		cfg:    cfg,
		sender: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
}

func (e *EmailChannel) Kind() models.ChannelKind { return models.ChannelEmail }

// RateLimit keeps email bursts small; relays throttle aggressively.
func (e *EmailChannel) RateLimit() (int, float64) { return 5, 1 }

// Send delivers one message. Malformed recipients fail permanently; relay
// errors are transient so the dispatcher retries them.
func (e *EmailChannel) Send(ctx context.Context, message, address string) Outcome {
	if !strings.Contains(address, "@") {
		return Outcome{Kind: Permanent, Err: fmt.Errorf("invalid email address %q", address)}
	}
	if e.cfg.Host == "" {
		return Outcome{Kind: Permanent, Err: fmt.Errorf("email channel has no SMTP host configured")}
	}

	m := gomail.NewMessage()
	m.SetHeader("From", e.cfg.From)
	m.SetHeader("To", address)
	m.SetHeader("Subject", e.cfg.Subject)
	m.SetBody("text/plain", message)

	done := make(chan error, 1)
	go func() {
		done <- e.sender.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return Outcome{Kind: Transient, Err: fmt.Errorf("smtp send failed: %w", err)}
		}
	case <-ctx.Done():
		return Outcome{Kind: Transient, Err: fmt.Errorf("smtp send: %w", ctx.Err())}
	}

	log.Debug().
		Str("to", address).
		Str("relay", e.cfg.Host).
		Msg("Email notification sent")
	return Outcome{Kind: Delivered}
}
