package source

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/mikey/mail-triage/internal/ports"
	"go.uber.org/zap"
)

// SMTPIntakeOptions configures an SMTPIntake
type SMTPIntakeOptions struct {
	ListenAddress   string
	Domain          string
	MaxMessageBytes int64
	IngestTimeout   time.Duration
}

// SMTPIntake accepts messages relayed by an MTA and hands them to the ingester
type SMTPIntake struct {
	ingester ports.Ingester
	logger   *zap.Logger
	opts     SMTPIntakeOptions
	server   *smtp.Server
	newID    func() string
}

// NewSMTPIntake creates a new SMTP ingestion source
func NewSMTPIntake(ingester ports.Ingester, opts SMTPIntakeOptions, logger *zap.Logger) *SMTPIntake {
	if opts.Domain == "" {
		opts.Domain = "localhost"
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 10 * 1024 * 1024
	}
	if opts.IngestTimeout <= 0 {
		opts.IngestTimeout = 30 * time.Second
	}

	i := &SMTPIntake{
		ingester: ingester,
		logger:   logger,
		opts:     opts,
		newID:    func() string { return uuid.NewString() },
	}

	i.server = smtp.NewServer(&smtpBackend{intake: i})
	i.server.Addr = opts.ListenAddress
	i.server.Domain = opts.Domain
	i.server.ReadTimeout = 30 * time.Second
	i.server.WriteTimeout = 30 * time.Second
	i.server.MaxMessageBytes = opts.MaxMessageBytes
	i.server.MaxRecipients = 50
	return i
}

// Name identifies the source in logs
func (i *SMTPIntake) Name() string {
	return "smtp"
}

// Start starts accepting connections on the configured address
func (i *SMTPIntake) Start() error {
	l, err := net.Listen("tcp", i.opts.ListenAddress)
	if err != nil {
		return err
	}
	i.Serve(l)
	return nil
}

// Serve accepts connections on l in the background
func (i *SMTPIntake) Serve(l net.Listener) {
	i.logger.Info("SMTP intake starting", zap.String("address", l.Addr().String()))
	go func() {
		if err := i.server.Serve(l); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			i.logger.Error("SMTP server error", zap.Error(err))
		}
	}()
}

// Stop stops the SMTP server
func (i *SMTPIntake) Stop() error {
	return i.server.Close()
}

// smtpBackend implements the go-smtp Backend interface
type smtpBackend struct {
	intake *SMTPIntake
}

// NewSession creates a new SMTP session
func (b *smtpBackend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &smtpSession{intake: b.intake}, nil
}

// smtpSession implements the go-smtp Session interface
type smtpSession struct {
	intake     *SMTPIntake
	sender     string
	recipients []string
}

func (s *smtpSession) Reset() {
	s.sender = ""
	s.recipients = nil
}

func (s *smtpSession) Logout() error {
	return nil
}

func (s *smtpSession) Mail(from string, _ *smtp.MailOptions) error {
	s.sender = from
	return nil
}

func (s *smtpSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.recipients = append(s.recipients, to)
	return nil
}

// Data parses the message and ingests it. A message that cannot be parsed is
// rejected permanently; an ingestion failure asks the client to retry.
func (s *smtpSession) Data(r io.Reader) error {
	logger := s.intake.logger

	raw, err := io.ReadAll(r)
	if err != nil {
		logger.Error("Failed to read message data", zap.Error(err))
		return err
	}

	email, err := ParseMessage(bytes.NewReader(raw), s.intake.newID())
	if err != nil {
		logger.Warn("Rejecting unparseable message",
			zap.String("envelope_from", s.sender),
			zap.Error(err))
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Message could not be parsed",
		}
	}
	if strings.TrimSpace(email.Sender) == "" {
		email.Sender = s.sender
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.intake.opts.IngestTimeout)
	defer cancel()

	classification, err := s.intake.ingester.Ingest(ctx, email)
	if err != nil {
		logger.Error("Failed to ingest message",
			zap.String("email_id", email.ID),
			zap.String("sender", email.Sender),
			zap.Error(err))
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary failure, try again later",
		}
	}

	logger.Info("Message received",
		zap.String("email_id", email.ID),
		zap.String("sender", email.Sender),
		zap.Int("recipients", len(s.recipients)),
		zap.String("label", string(classification.Label)),
		zap.Float64("score", classification.ImportanceScore))
	return nil
}
