// Package email provides email notification delivery via SMTP.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/herald-io/herald/internal/channel"
	"github.com/herald-io/herald/internal/message"
)

// Sender implements the email channel via SMTP with STARTTLS.
type Sender struct {
	name     string
	settings channel.EmailSettings
	auth     smtp.Auth
}

// New creates an email sender from a validated channel config.
func New(cfg channel.Config) (*Sender, error) {
	if cfg.Email == nil {
		return nil, errors.New("email sender: settings are required")
	}
	settings := *cfg.Email
	if settings.SMTPPort == 0 {
		settings.SMTPPort = 587
	}

	var auth smtp.Auth
	if settings.SMTPUser != "" && settings.SMTPPassword != "" {
		auth = smtp.PlainAuth("", settings.SMTPUser, settings.SMTPPassword, settings.SMTPHost)
	}

	slog.Info("email sender configured",
		"channel", cfg.Name,
		"smtp_host", settings.SMTPHost,
		"smtp_port", settings.SMTPPort,
		"from_address", settings.FromAddress,
	)

	return &Sender{
		name:     cfg.Name,
		settings: settings,
		auth:     auth,
	}, nil
}

// Name returns the channel name.
func (s *Sender) Name() string { return s.name }

// Type returns the channel type.
func (s *Sender) Type() channel.Type { return channel.TypeEmail }

// Send delivers the message to all recipients using BCC.
func (s *Sender) Send(ctx context.Context, msg *message.Notification) error {
	if len(msg.Recipients) == 0 {
		return &channel.SendError{
			Channel:   s.name,
			Err:       errors.New("no recipients"),
			Permanent: true,
		}
	}

	if err := s.sendEmail(ctx, msg.Title, msg.Content, msg.Recipients); err != nil {
		return &channel.SendError{
			Channel:   s.name,
			Err:       err,
			Permanent: !isTemporary(err),
		}
	}
	return nil
}

// HealthCheck verifies the SMTP server is reachable.
func (s *Sender) HealthCheck(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.settings.SMTPHost, s.settings.SMTPPort)
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = conn.Close() }()

	client, err := smtp.NewClient(conn, s.settings.SMTPHost)
	if err != nil {
		return fmt.Errorf("smtp handshake: %w", err)
	}
	return client.Quit()
}

func (s *Sender) sendEmail(ctx context.Context, subject, body string, recipients []string) error {
	msg := s.buildMessage(subject, body)
	addr := fmt.Sprintf("%s:%d", s.settings.SMTPHost, s.settings.SMTPPort)

	tlsConfig := &tls.Config{
		ServerName: s.settings.SMTPHost,
		MinVersion: tls.VersionTLS12,
	}

	return s.sendWithSTARTTLS(ctx, addr, tlsConfig, recipients, msg)
}

// buildMessage constructs the email message with headers.
func (s *Sender) buildMessage(subject, body string) []byte {
	var msg strings.Builder

	// Headers in deterministic order
	msg.WriteString(fmt.Sprintf("From: %s\r\n", s.settings.FromAddress))
	msg.WriteString("To: undisclosed-recipients:;\r\n")
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	return []byte(msg.String())
}

// sendWithSTARTTLS sends an email using STARTTLS (port 587).
func (s *Sender) sendWithSTARTTLS(ctx context.Context, addr string, tlsConfig *tls.Config, recipients []string, msg []byte) error {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = conn.Close() }()

	client, err := smtp.NewClient(conn, s.settings.SMTPHost)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	// STARTTLS if available
	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if s.auth != nil {
		if err := client.Auth(s.auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	from := extractEmail(s.settings.FromAddress)
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}

	// Recipients go in the envelope, not the headers (BCC).
	var addedRecipients int
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			slog.Warn("failed to add recipient", "error", err)
			continue
		}
		addedRecipients++
	}

	if addedRecipients == 0 {
		return errors.New("no valid recipients")
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}

	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}

	return client.Quit()
}

// extractEmail extracts the email address from formats like "Name <email@example.com>".
func extractEmail(address string) string {
	if idx := strings.Index(address, "<"); idx != -1 {
		end := strings.Index(address, ">")
		if end > idx {
			return address[idx+1 : end]
		}
	}
	return address
}

// isTemporary determines if an SMTP error may succeed on retry.
func isTemporary(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	errStr := err.Error()

	// SMTP 4xx codes are temporary failures
	if strings.Contains(errStr, "421") || // Service not available
		strings.Contains(errStr, "450") || // Mailbox unavailable
		strings.Contains(errStr, "451") || // Local error
		strings.Contains(errStr, "452") { // Insufficient storage
		return true
	}

	// 552 - Mailbox full is sometimes retryable
	if strings.Contains(errStr, "552") {
		return true
	}

	return false
}
