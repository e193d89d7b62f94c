package outbound

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/mikey/mail-triage/internal/core"
	"go.uber.org/zap"
)

// Sender delivers a single queued reply
type Sender interface {
	Send(ctx context.Context, msg *core.OutboundMessage) error
}

// SMTPSender delivers replies through an SMTP relay
type SMTPSender struct {
	address  string
	username string
	password string
	from     string
	hello    string
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// SMTPSenderOptions configures an SMTPSender
type SMTPSenderOptions struct {
	Address  string
	Username string
	Password string
	From     string
	Hello    string
	Timeout  time.Duration
}

// NewSMTPSender creates a sender relaying through opts.Address
func NewSMTPSender(opts SMTPSenderOptions, logger *zap.Logger) *SMTPSender {
	if opts.Hello == "" {
		opts.Hello = "localhost"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &SMTPSender{
		address:  opts.Address,
		username: opts.Username,
		password: opts.Password,
		from:     opts.From,
		hello:    opts.Hello,
		timeout:  opts.Timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// Send composes msg and relays it
func (s *SMTPSender) Send(ctx context.Context, msg *core.OutboundMessage) error {
	data, err := Compose(s.from, msg, s.now())
	if err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP relay: %w", err)
	}

	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set connection deadline: %w", err)
	}

	c := smtp.NewClient(conn)
	defer c.Close()

	if err := c.Hello(s.hello); err != nil {
		return fmt.Errorf("EHLO failed: %w", err)
	}

	if ok, _ := c.Extension("STARTTLS"); ok {
		host, _, _ := net.SplitHostPort(s.address)
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("STARTTLS failed: %w", err)
		}
	}

	if s.username != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.username, s.password)); err != nil {
			return fmt.Errorf("AUTH failed: %w", err)
		}
	}

	if err := c.Mail(s.from, nil); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}
	if err := c.Rcpt(msg.To, nil); err != nil {
		return fmt.Errorf("RCPT TO failed: %w", err)
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA command failed: %w", err)
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return fmt.Errorf("failed to send message data: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	if err := c.Quit(); err != nil {
		// The relay already accepted the message
		s.logger.Warn("QUIT command failed", zap.Error(err))
	}
	return nil
}
