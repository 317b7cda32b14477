package notify

import (
	"context"
	"errors"
	"strings"

	gomail "gopkg.in/gomail.v2"

	"github.com/noah-isme/payconfirm/internal/common"
)

// ErrNoRecipient is returned when an email has nowhere to go.
var ErrNoRecipient = errors.New("notify: recipient is required")

// EmailNotifier sends notifications through an EmailSender.
type EmailNotifier struct {
	Mail    common.EmailSender
	Enabled bool
}

// Notify implements Notifier. Orders without a recipient are skipped.
func (n EmailNotifier) Notify(ctx context.Context, ref OrderRef, content Content) error {
	if !n.Enabled || n.Mail == nil {
		return nil
	}
	to := strings.TrimSpace(ref.Recipient)
	if to == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return &Error{Channel: "email", OrderID: ref.OrderID, Err: err}
	}
	if err := n.Mail.Send(to, content.Subject, content.HTML); err != nil {
		return &Error{Channel: "email", OrderID: ref.OrderID, Err: err}
	}
	return nil
}

// SMTPSender delivers mail over SMTP. It is built once at startup and shared.
type SMTPSender struct {
	From   string
	dialer *gomail.Dialer
}

// NewSMTPSender constructs an SMTP sender.
func NewSMTPSender(host string, port int, username, password, from string) *SMTPSender {
	if strings.TrimSpace(from) == "" {
		from = username
	}
	return &SMTPSender{From: from, dialer: gomail.NewDialer(host, port, username, password)}
}

// Message builds the MIME message for one email.
func (s *SMTPSender) Message(to, subject, html string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", html)
	return m
}

// Send implements common.EmailSender.
func (s *SMTPSender) Send(to, subject, html string) error {
	if s == nil || s.dialer == nil {
		return errors.New("smtp sender not configured")
	}
	if strings.TrimSpace(to) == "" {
		return ErrNoRecipient
	}
	return s.dialer.DialAndSend(s.Message(to, subject, html))
}
