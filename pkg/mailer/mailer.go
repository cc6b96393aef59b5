// Package mailer sends operator notification mails for request lifecycle
// events. Delivery failures are logged and counted, never surfaced to
// clients.
package mailer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mailproof/pkg/check"
	"mailproof/pkg/config"
	"mailproof/pkg/logging"
	"mailproof/pkg/sanitize"
	"mailproof/pkg/store"
	"mailproof/pkg/telemetry"

	gomail "github.com/wneessen/go-mail"
)

// Mailer is the notification surface the intake handler and scheduler use.
type Mailer interface {
	// SendRequestCreated announces a freshly created validation request.
	SendRequestCreated(ctx context.Context, req *store.Request) error

	// SendStatusChange announces a terminal transition, with the last check
	// result when one exists.
	SendStatusChange(ctx context.Context, req *store.Request, result *check.Result) error
}

// SMTPMailer sends mail over a configured SMTP relay.
type SMTPMailer struct {
	cfg     *config.SMTPConfig
	client  *gomail.Client
	logger  *logging.Logger
	metrics *telemetry.Metrics
}

// New builds a mailer from configuration. When SMTP is not configured it
// returns a no-op mailer so callers never branch.
func New(cfg *config.SMTPConfig, logger *logging.Logger, metrics *telemetry.Metrics) (Mailer, error) {
	if !cfg.Enabled() {
		logger.Info("SMTP not configured, notifications disabled")
		return &NoopMailer{}, nil
	}

	opts := []gomail.Option{
		gomail.WithPort(cfg.Port),
		gomail.WithTimeout(30 * time.Second),
	}
	if cfg.Secure {
		opts = append(opts, gomail.WithSSLPort(false))
	} else {
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSOpportunistic))
	}
	if cfg.User != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.User),
			gomail.WithPassword(cfg.Pass),
		)
	}

	client, err := gomail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create smtp client: %w", err)
	}

	logger.Info("Mailer initialized",
		"host", cfg.Host,
		"port", cfg.Port,
		"secure", cfg.Secure,
	)
	return &SMTPMailer{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// SendRequestCreated announces a new request to the admin address.
func (m *SMTPMailer) SendRequestCreated(ctx context.Context, req *store.Request) error {
	subject := fmt.Sprintf("[mailproof] New %s validation request: %s", req.Type, req.Target)

	var b strings.Builder
	fmt.Fprintf(&b, "A new validation request was created.\n\n")
	fmt.Fprintf(&b, "Target:  %s\n", req.Target)
	fmt.Fprintf(&b, "Type:    %s\n", req.Type)
	fmt.Fprintf(&b, "Status:  %s\n", req.Status)
	fmt.Fprintf(&b, "Created: %s\n", req.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Expires: %s\n", req.ExpiresAt.Format(time.RFC3339))

	return m.send(ctx, subject, b.String())
}

// SendStatusChange announces a terminal transition.
func (m *SMTPMailer) SendStatusChange(ctx context.Context, req *store.Request, result *check.Result) error {
	subject := fmt.Sprintf("[mailproof] %s is now %s", req.Target, req.Status)

	var b strings.Builder
	fmt.Fprintf(&b, "Validation request changed state.\n\n")
	fmt.Fprintf(&b, "Target: %s\n", req.Target)
	fmt.Fprintf(&b, "Type:   %s\n", req.Type)
	fmt.Fprintf(&b, "Status: %s\n", req.Status)
	if req.FailReason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", req.FailReason)
	}
	if result != nil {
		fmt.Fprintf(&b, "\nLast check (%s):\n", result.CheckedAt.Format(time.RFC3339))
		for _, v := range result.Missing {
			mark := "MISSING"
			if v.OK {
				mark = "ok"
			}
			fmt.Fprintf(&b, "  %-5s [%s] expected %q, found %d record(s)\n",
				v.Key, mark, v.Expected, len(v.Found))
		}
	}

	return m.send(ctx, subject, b.String())
}

func (m *SMTPMailer) send(ctx context.Context, subject, body string) error {
	msg := gomail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return fmt.Errorf("invalid from address: %w", err)
	}
	if err := msg.To(m.cfg.AdminTo); err != nil {
		return fmt.Errorf("invalid admin address: %w", err)
	}
	msg.Subject(sanitize.Header(subject))
	msg.SetBodyString(gomail.TypeTextPlain, sanitize.Body(body, m.cfg.BodyMaxLength))

	err := m.client.DialAndSendWithContext(ctx, msg)
	m.metrics.AddMailSent(ctx, err == nil)
	if err != nil {
		m.logger.Error("Failed to send notification mail",
			"subject", subject,
			"error", err,
		)
		return fmt.Errorf("smtp send: %w", err)
	}

	m.logger.Debug("Notification mail sent", "subject", subject)
	return nil
}

// NoopMailer drops every notification. Used when SMTP is unconfigured.
type NoopMailer struct{}

func (NoopMailer) SendRequestCreated(context.Context, *store.Request) error {
	return nil
}

func (NoopMailer) SendStatusChange(context.Context, *store.Request, *check.Result) error {
	return nil
}
