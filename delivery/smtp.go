package delivery

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	mail "github.com/go-mail/mail"
)

// SMTPConfig holds the SMTP transport settings.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
	// TLSMode is "starttls" (default), "ssl", or "none".
	TLSMode string
	// InsecureSkipVerify disables certificate checks. Development only.
	InsecureSkipVerify bool
}

// SMTPSender delivers email messages over SMTP. SMS messages are rejected;
// wire an SMS provider behind [Func] for those.
type SMTPSender struct {
	cfg SMTPConfig
}

// NewSMTPSender returns an SMTP-backed [Sender].
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.TLSMode == "" {
		cfg.TLSMode = "starttls"
	}
	return &SMTPSender{cfg: cfg}
}

// Send implements [Sender]. The context deadline is honored only between
// messages; go-mail dials synchronously.
func (s *SMTPSender) Send(ctx context.Context, msg Message) (*Receipt, error) {
	if msg.Channel != ChannelEmail {
		return nil, fmt.Errorf("%w: smtp sender cannot deliver %s", ErrSendFailed, msg.Channel)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	m := mail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)

	if msg.Body != "" {
		m.SetBody("text/plain", msg.Body)
	}
	if msg.HTMLBody != "" {
		if msg.Body == "" {
			m.SetBody("text/html", msg.HTMLBody)
		} else {
			m.AddAlternative("text/html", msg.HTMLBody)
		}
	}

	d := mail.NewDialer(s.cfg.Host, s.cfg.Port, s.cfg.Username, s.cfg.Password)
	d.TLSConfig = &tls.Config{
		ServerName:         s.cfg.Host,
		InsecureSkipVerify: s.cfg.InsecureSkipVerify,
	}
	switch s.cfg.TLSMode {
	case "ssl":
		d.SSL = true
	case "none":
		d.TLSConfig = &tls.Config{InsecureSkipVerify: s.cfg.InsecureSkipVerify}
	}

	if err := d.DialAndSend(m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return &Receipt{SentAt: time.Now()}, nil
}
