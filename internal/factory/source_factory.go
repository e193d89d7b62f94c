package factory

import (
	"fmt"

	"github.com/mikey/mail-triage/internal/adapters/source"
	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/outbound"
	"github.com/mikey/mail-triage/internal/ports"
	"go.uber.org/zap"
)

// SourceFactory creates the ingestion sources and the outbound dispatcher
type SourceFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewSourceFactory creates a new source factory
func NewSourceFactory(cfg *config.Config, logger *zap.Logger) *SourceFactory {
	return &SourceFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateMailSources creates every enabled ingestion source. Pollers keep
// their mailbox position in cursors.
func (f *SourceFactory) CreateMailSources(ingester ports.Ingester, cursors core.CursorRepository) ([]ports.MailSource, error) {
	var sources []ports.MailSource

	smtpCfg := f.cfg.GetSMTPIntake()
	if smtpCfg.Enabled {
		sources = append(sources, source.NewSMTPIntake(ingester, source.SMTPIntakeOptions{
			ListenAddress:   smtpCfg.ListenAddress,
			Domain:          smtpCfg.Domain,
			MaxMessageBytes: smtpCfg.MaxMessageBytes,
		}, f.logger.Named("smtp")))
	}

	imapCfg := f.cfg.GetIMAP()
	if imapCfg.Enabled {
		if imapCfg.Address == "" {
			return nil, fmt.Errorf("ingest.imap.address is required when the IMAP poller is enabled")
		}
		sources = append(sources, source.NewIMAPPoller(ingester, cursors, source.IMAPPollerOptions{
			Address:      imapCfg.Address,
			Username:     imapCfg.Username,
			Password:     imapCfg.Password,
			Mailbox:      imapCfg.Mailbox,
			TLS:          imapCfg.TLS,
			PollInterval: imapCfg.PollInterval,
			BatchSize:    imapCfg.BatchSize,
		}, f.logger.Named("imap")))
	}

	if len(sources) == 0 {
		f.logger.Warn("No ingestion source enabled")
	}
	return sources, nil
}

// CreateDispatcher creates the outbound dispatcher, or nil when delivery is disabled
func (f *SourceFactory) CreateDispatcher(repo core.OutboundRepository) (*outbound.Dispatcher, error) {
	outCfg := f.cfg.GetOutbound()
	if !outCfg.Enabled {
		f.logger.Info("Outbound delivery disabled, replies stay queued")
		return nil, nil
	}
	if outCfg.From == "" {
		return nil, fmt.Errorf("outbound.smtp.from is required when outbound delivery is enabled")
	}

	sender := outbound.NewSMTPSender(outbound.SMTPSenderOptions{
		Address:  outCfg.Address,
		Username: outCfg.Username,
		Password: outCfg.Password,
		From:     outCfg.From,
		Hello:    outCfg.Hello,
		Timeout:  outCfg.Timeout,
	}, f.logger.Named("outbound"))

	return outbound.NewDispatcher(repo, sender, outbound.DispatcherOptions{
		PollInterval: outCfg.PollInterval,
		MaxAttempts:  outCfg.MaxAttempts,
	}, f.logger.Named("outbound")), nil
}
