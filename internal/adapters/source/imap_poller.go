package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/google/uuid"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/ports"
	"go.uber.org/zap"
)

// TLS modes of the IMAP connection
const (
	TLSImplicit = "implicit"
	TLSStartTLS = "starttls"
	TLSNone     = "none"
)

// IMAPPollerOptions configures an IMAPPoller
type IMAPPollerOptions struct {
	Address      string
	Username     string
	Password     string
	Mailbox      string
	TLS          string
	PollInterval time.Duration
	BatchSize    int
}

// IMAPPoller periodically fetches new messages from a mailbox and hands them to the ingester
type IMAPPoller struct {
	ingester ports.Ingester
	cursors  core.CursorRepository
	opts     IMAPPollerOptions
	logger   *zap.Logger

	mu          sync.Mutex
	loaded      bool
	uidValidity uint32
	lastUID     imap.UID

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewIMAPPoller creates a new IMAP ingestion source. The mailbox position is
// kept in cursors so a restart resumes after the last ingested UID.
func NewIMAPPoller(ingester ports.Ingester, cursors core.CursorRepository, opts IMAPPollerOptions, logger *zap.Logger) *IMAPPoller {
	if opts.Mailbox == "" {
		opts.Mailbox = "INBOX"
	}
	if opts.TLS == "" {
		opts.TLS = TLSImplicit
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	return &IMAPPoller{
		ingester: ingester,
		cursors:  cursors,
		opts:     opts,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Name identifies the source in logs
func (p *IMAPPoller) Name() string {
	return "imap"
}

// Start launches the polling loop
func (p *IMAPPoller) Start() error {
	switch p.opts.TLS {
	case TLSImplicit, TLSStartTLS, TLSNone:
	default:
		return fmt.Errorf("unsupported IMAP TLS mode: %s", p.opts.TLS)
	}
	if p.opts.Address == "" {
		return fmt.Errorf("IMAP address is required")
	}

	p.wg.Add(1)
	go p.run()
	p.logger.Info("IMAP poller started",
		zap.String("address", p.opts.Address),
		zap.String("mailbox", p.opts.Mailbox),
		zap.Duration("poll_interval", p.opts.PollInterval))
	return nil
}

// Stop stops the polling loop and waits for an in-flight poll to finish
func (p *IMAPPoller) Stop() error {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
	return nil
}

func (p *IMAPPoller) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	p.pollAndLog(ctx)
	for {
		select {
		case <-ticker.C:
			p.pollAndLog(ctx)
		case <-p.stopCh:
			return
		}
	}
}

func (p *IMAPPoller) pollAndLog(ctx context.Context) {
	n, err := p.Poll(ctx)
	if err != nil {
		p.logger.Error("IMAP poll failed", zap.Error(err))
		return
	}
	if n > 0 {
		p.logger.Info("Ingested messages from IMAP", zap.Int("count", n))
	}
}

func (p *IMAPPoller) dial() (*imapclient.Client, error) {
	var client *imapclient.Client
	var err error

	switch p.opts.TLS {
	case TLSStartTLS:
		client, err = imapclient.DialStartTLS(p.opts.Address, nil)
	case TLSNone:
		client, err = imapclient.DialInsecure(p.opts.Address, nil)
	default:
		client, err = imapclient.DialTLS(p.opts.Address, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", p.opts.Address, err)
	}

	if err := client.Login(p.opts.Username, p.opts.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("authentication failed for %s: %w", p.opts.Username, err)
	}
	return client, nil
}

// Poll fetches the messages that arrived since the last poll and ingests
// them. It returns the number of messages ingested.
func (p *IMAPPoller) Poll(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.loadCursor(ctx); err != nil {
		return 0, err
	}
	startValidity, startUID := p.uidValidity, p.lastUID
	defer func() {
		if p.uidValidity == startValidity && p.lastUID == startUID {
			return
		}
		if err := p.saveCursor(context.WithoutCancel(ctx)); err != nil {
			p.logger.Error("Failed to save IMAP cursor", zap.Error(err))
		}
	}()

	client, err := p.dial()
	if err != nil {
		return 0, err
	}
	defer func() { _ = client.Logout().Wait() }()

	selected, err := client.Select(p.opts.Mailbox, nil).Wait()
	if err != nil {
		return 0, fmt.Errorf("selecting %s: %w", p.opts.Mailbox, err)
	}
	p.checkValidity(selected.UIDValidity)

	var pending imap.UIDSet
	pending.AddRange(p.lastUID+1, 0)
	searchData, err := client.UIDSearch(&imap.SearchCriteria{UID: []imap.UIDSet{pending}}, nil).Wait()
	if err != nil {
		return 0, fmt.Errorf("searching messages: %w", err)
	}

	uids := selectUIDs(searchData.AllUIDs(), p.lastUID, p.opts.BatchSize)
	if len(uids) == 0 {
		return 0, nil
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	var messages []*imapclient.FetchMessageBuffer
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			p.logger.Warn("Failed to collect IMAP message", zap.Error(err))
			continue
		}
		messages = append(messages, buf)
	}
	if err := fetchCmd.Close(); err != nil {
		return 0, fmt.Errorf("fetching messages: %w", err)
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].UID < messages[j].UID })

	ingested := 0
	for _, buf := range messages {
		if ctx.Err() != nil {
			return ingested, ctx.Err()
		}
		raw := buf.FindBodySection(bodySection)
		if raw == nil {
			p.logger.Warn("IMAP message has no body", zap.Uint32("uid", uint32(buf.UID)))
			p.lastUID = buf.UID
			continue
		}

		email, err := ParseMessage(bytes.NewReader(raw), uuid.NewString())
		if err != nil {
			p.logger.Warn("Skipping unparseable IMAP message",
				zap.Uint32("uid", uint32(buf.UID)),
				zap.Error(err))
			p.lastUID = buf.UID
			continue
		}

		if _, err := p.ingester.Ingest(ctx, email); err != nil {
			// The message is retried on the next poll
			return ingested, fmt.Errorf("ingesting UID %d: %w", buf.UID, err)
		}
		p.lastUID = buf.UID
		ingested++
	}
	return ingested, nil
}

// cursorKey names the mailbox position in the cursor repository
func (p *IMAPPoller) cursorKey() string {
	return fmt.Sprintf("imap:%s@%s/%s", p.opts.Username, p.opts.Address, p.opts.Mailbox)
}

// loadCursor restores the persisted position once per poller
func (p *IMAPPoller) loadCursor(ctx context.Context) error {
	if p.loaded || p.cursors == nil {
		return nil
	}
	cursor, err := p.cursors.LoadCursor(ctx, p.cursorKey())
	switch {
	case errors.Is(err, core.ErrNotFound):
	case err != nil:
		return fmt.Errorf("loading IMAP cursor: %w", err)
	default:
		p.uidValidity = cursor.Validity
		p.lastUID = imap.UID(cursor.LastUID)
		p.logger.Debug("Resuming IMAP mailbox",
			zap.Uint32("uid_validity", cursor.Validity),
			zap.Uint32("last_uid", cursor.LastUID))
	}
	p.loaded = true
	return nil
}

func (p *IMAPPoller) saveCursor(ctx context.Context) error {
	if p.cursors == nil {
		return nil
	}
	return p.cursors.SaveCursor(ctx, &core.SourceCursor{
		Source:    p.cursorKey(),
		Validity:  p.uidValidity,
		LastUID:   uint32(p.lastUID),
		UpdatedAt: time.Now().UTC(),
	})
}

// checkValidity restarts from the first UID when the server renumbered the mailbox
func (p *IMAPPoller) checkValidity(validity uint32) {
	if validity == p.uidValidity {
		return
	}
	if p.uidValidity != 0 {
		p.logger.Warn("IMAP UIDVALIDITY changed, rescanning mailbox",
			zap.Uint32("old", p.uidValidity),
			zap.Uint32("new", validity))
	}
	p.uidValidity = validity
	p.lastUID = 0
}

// selectUIDs returns the UIDs above last in ascending order, capped at limit.
// A search for last+1:* always matches the highest UID, even when it is not new.
func selectUIDs(uids []imap.UID, last imap.UID, limit int) []imap.UID {
	var out []imap.UID
	for _, uid := range uids {
		if uid > last {
			out = append(out, uid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
