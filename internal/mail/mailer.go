// mailer.go
//
// Mailer interface and SMTPMailer implementation (gomail).
// All sends are best-effort side effects from the caller's point of view:
// handlers enqueue or fire-and-forget, never fail a request on mail errors.
package mail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gopkg.in/gomail.v2"
)

// Mailer sends transactional security emails.
type Mailer interface {
	// SendEmailChangeVerification mails the verify link (containing the raw
	// verify token) to the NEW address of a pending email change.
	SendEmailChangeVerification(ctx context.Context, toEmail, token string, expiresIn time.Duration) error

	// SendEmailChangeAlert mails a security alert to the OLD address, carrying
	// the cancel token so the account owner can reject the change.
	SendEmailChangeAlert(ctx context.Context, toEmail, cancelToken, newEmail string, expiresIn time.Duration) error

	// SendSecurityNotice mails a plain notification (password changed,
	// 2FA disabled) with no token. event is a short human-readable phrase.
	SendSecurityNotice(ctx context.Context, toEmail, event string) error
}

// SMTPConfig holds all configuration for SMTPMailer.
type SMTPConfig struct {
	Host          string
	Port          int
	Username      string
	Password      string
	FromAddress   string
	VerifyURLBase string
	CancelURLBase string
}

// SMTPMailer sends transactional email via SMTP.
// Compatible with any SMTP provider: SES, Mailgun, Mailpit (local dev), etc.
type SMTPMailer struct {
	cfg    SMTPConfig
	dialer *gomail.Dialer
}

// NewSMTPMailer creates an SMTPMailer with the given config.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
}

// linkURL joins a base URL and a token query parameter.
func linkURL(base, token string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "token=" + token
}

func (m *SMTPMailer) send(toEmail, subject, body string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.cfg.FromAddress)
	msg.SetHeader("To", toEmail)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("sending mail to %s: %w", toEmail, err)
	}
	return nil
}

func (m *SMTPMailer) SendEmailChangeVerification(_ context.Context, toEmail, token string, expiresIn time.Duration) error {
	body := fmt.Sprintf(
		"A request was made to use this address for an existing account.\n\n"+
			"To confirm, open the link below. The link expires in %s.\n\n%s\n\n"+
			"If you did not request this, you can ignore this message.\n",
		expiresIn.Round(time.Hour), linkURL(m.cfg.VerifyURLBase, token))
	return m.send(toEmail, "Confirm your new email address", body)
}

func (m *SMTPMailer) SendEmailChangeAlert(_ context.Context, toEmail, cancelToken, newEmail string, expiresIn time.Duration) error {
	body := fmt.Sprintf(
		"A request was made to change your account email to %s.\n\n"+
			"If this was you, no action is needed; confirm from the new address.\n\n"+
			"If this was NOT you, cancel the change within %s using the link below:\n\n%s\n",
		newEmail, expiresIn.Round(time.Hour), linkURL(m.cfg.CancelURLBase, cancelToken))
	return m.send(toEmail, "Security alert: email change requested", body)
}

func (m *SMTPMailer) SendSecurityNotice(_ context.Context, toEmail, event string) error {
	body := fmt.Sprintf(
		"This is a security notification for your account: %s.\n\n"+
			"If this was not you, reset your password immediately.\n",
		event)
	return m.send(toEmail, "Security notification", body)
}

// NopMailer discards all outbound email. Used when SMTP is not configured.
type NopMailer struct{}

func (n *NopMailer) SendEmailChangeVerification(_ context.Context, _, _ string, _ time.Duration) error {
	return nil
}

func (n *NopMailer) SendEmailChangeAlert(_ context.Context, _, _, _ string, _ time.Duration) error {
	return nil
}

func (n *NopMailer) SendSecurityNotice(_ context.Context, _, _ string) error {
	return nil
}
