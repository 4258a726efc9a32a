// Package alert notifies operators about conditions that need a human,
// such as zombie jobs or submissions for jobs that do not exist.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"time"
)

// Alerter sends an operator alert
type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}

// LogAlerter writes alerts to the log only
type LogAlerter struct {
	logger *slog.Logger
}

// NewLogAlerter creates a new LogAlerter
func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

// Alert logs the alert at error level
func (a *LogAlerter) Alert(ctx context.Context, subject, body string) error {
	a.logger.ErrorContext(ctx, "ALERT: "+subject,
		slog.String("body", body),
	)
	return nil
}

// EmailConfig holds SMTP settings for alert emails
type EmailConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	To       []string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailAlerter mails alerts to the configured operators. Every alert is
// also logged so it is not lost when the mail server is down.
type EmailAlerter struct {
	config EmailConfig
	logger *slog.Logger
	send   sendFunc
}

// NewEmailAlerter creates a new EmailAlerter
func NewEmailAlerter(config EmailConfig, logger *slog.Logger) *EmailAlerter {
	return &EmailAlerter{
		config: config,
		logger: logger,
		send:   smtp.SendMail,
	}
}

// Alert logs the alert and sends it by mail
func (a *EmailAlerter) Alert(ctx context.Context, subject, body string) error {
	a.logger.ErrorContext(ctx, "ALERT: "+subject,
		slog.String("body", body),
		slog.Any("recipients", a.config.To),
	)

	if len(a.config.To) == 0 {
		return nil
	}

	var auth smtp.Auth
	if a.config.User != "" {
		auth = smtp.PlainAuth("", a.config.User, a.config.Password, a.config.Host)
	}

	addr := fmt.Sprintf("%s:%d", a.config.Host, a.config.Port)
	if err := a.send(addr, auth, a.config.From, a.config.To, a.message(subject, body)); err != nil {
		a.logger.Error("Failed to send alert email",
			slog.String("subject", subject),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to send alert email: %w", err)
	}
	return nil
}

func (a *EmailAlerter) message(subject, body string) []byte {
	var sb strings.Builder
	sb.WriteString("From: " + a.config.From + "\r\n")
	sb.WriteString("To: " + strings.Join(a.config.To, ", ") + "\r\n")
	sb.WriteString("Subject: " + subject + "\r\n")
	sb.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	sb.WriteString("\r\n")
	return []byte(sb.String())
}
