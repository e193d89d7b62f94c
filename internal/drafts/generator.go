// Package drafts produces reply drafts for emails and queues the replies the
// user decides to send.
package drafts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/senders"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// styleSamples is the number of earlier replies quoted in reply prompts
const styleSamples = 2

// Options configures a Generator
type Options struct {
	MaxEntries int
	Timeout    time.Duration
	Signature  string
}

// Generator produces reply drafts and keeps the latest one per email
type Generator struct {
	emails   core.EmailRepository
	outbound core.OutboundRepository
	llm      core.LLMClient
	template *TemplateDrafter
	cache    *lru.Cache[string, core.DraftReply]
	group    singleflight.Group

	// sends counts queued replies per email; guards cache writes against
	// generations that started before a send
	mu    sync.Mutex
	sends map[string]uint64

	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

// NewGenerator creates a draft generator. A nil llm selects the template drafter.
func NewGenerator(emails core.EmailRepository, outbound core.OutboundRepository, llm core.LLMClient, opts Options, logger *zap.Logger) (*Generator, error) {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 256
	}
	cache, err := lru.New[string, core.DraftReply](opts.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("creating draft cache: %w", err)
	}

	return &Generator{
		emails:   emails,
		outbound: outbound,
		llm:      llm,
		template: NewTemplateDrafter(opts.Signature),
		cache:    cache,
		sends:    make(map[string]uint64),
		timeout:  opts.Timeout,
		logger:   logger,
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}, nil
}

// Draft returns the cached draft of an email, generating one if none exists
func (g *Generator) Draft(ctx context.Context, emailID string) (*core.DraftReply, error) {
	if draft, ok := g.cache.Get(emailID); ok {
		return &draft, nil
	}

	value, err, _ := g.group.Do(emailID, func() (interface{}, error) {
		if draft, ok := g.cache.Get(emailID); ok {
			return &draft, nil
		}
		return g.Generate(ctx, emailID)
	})
	if err != nil {
		return nil, err
	}
	draft := *value.(*core.DraftReply)
	return &draft, nil
}

// Generate produces a new draft for an email, replacing any cached one.
// Failures return core.ErrGenerationFailed and leave the cache untouched.
func (g *Generator) Generate(ctx context.Context, emailID string) (*core.DraftReply, error) {
	email, err := g.emails.GetEmail(ctx, emailID)
	if err != nil {
		return nil, err
	}
	epoch := g.sendEpoch(emailID)

	draft := core.DraftReply{EmailID: emailID}
	if g.llm == nil {
		draft.Text = g.template.Draft(email)
		draft.Model = TemplateModel
	} else {
		text, err := g.generateWithModel(ctx, email)
		if err != nil {
			g.logger.Warn("Failed to generate reply draft",
				zap.String("email_id", emailID),
				zap.String("model", g.llm.Name()),
				zap.Error(err))
			return nil, fmt.Errorf("%w: %v", core.ErrGenerationFailed, err)
		}
		draft.Text = text
		draft.Model = g.llm.Name()
	}
	draft.GeneratedAt = g.now().UTC()

	if !g.cacheDraft(emailID, epoch, draft) {
		g.logger.Debug("Reply sent during generation, draft not cached",
			zap.String("email_id", emailID))
		return &draft, nil
	}
	g.logger.Debug("Generated reply draft",
		zap.String("email_id", emailID),
		zap.String("model", draft.Model),
		zap.Int("length", len(draft.Text)))
	return &draft, nil
}

func (g *Generator) sendEpoch(emailID string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sends[emailID]
}

// cacheDraft caches draft unless a reply to the email was queued after epoch was read
func (g *Generator) cacheDraft(emailID string, epoch uint64, draft core.DraftReply) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sends[emailID] != epoch {
		return false
	}
	g.cache.Add(emailID, draft)
	return true
}

func (g *Generator) generateWithModel(ctx context.Context, email *core.Email) (string, error) {
	samples, err := g.outbound.RecentSent(ctx, styleSamples)
	if err != nil {
		g.logger.Warn("Failed to load earlier replies for style examples",
			zap.String("email_id", email.ID),
			zap.Error(err))
		samples = nil
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	text, err := g.llm.DraftReply(ctx, &core.ReplyRequest{Email: email, StyleSamples: samples})
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("model returned an empty reply")
	}
	return text, nil
}

// SendReply queues text as a reply to an email and clears its draft
func (g *Generator) SendReply(ctx context.Context, emailID, text string) (*core.OutboundMessage, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &core.ValidationError{Field: "reply", Reason: "must not be empty"}
	}

	email, err := g.emails.GetEmail(ctx, emailID)
	if err != nil {
		return nil, err
	}

	to := senders.Address(email.Header("Reply-To"))
	if to == "" {
		to = senders.Address(email.Sender)
	}
	if to == "" {
		return nil, &core.ValidationError{Field: "sender", Reason: "email has no address to reply to"}
	}

	msg := &core.OutboundMessage{
		ID:        g.newID(),
		EmailID:   emailID,
		To:        to,
		Subject:   ReplySubject(email.Subject),
		Body:      text,
		InReplyTo: email.Header("Message-Id"),
		Status:    core.OutboundQueued,
		QueuedAt:  g.now().UTC(),
	}
	if err := g.outbound.EnqueueOutbound(ctx, msg); err != nil {
		return nil, fmt.Errorf("queueing reply to %s: %w", emailID, err)
	}
	g.mu.Lock()
	g.sends[emailID]++
	g.cache.Remove(emailID)
	g.mu.Unlock()

	g.logger.Info("Reply queued",
		zap.String("email_id", emailID),
		zap.String("message_id", msg.ID),
		zap.String("to", msg.To))
	return msg, nil
}

// Cached returns the cached draft of an email without generating one
func (g *Generator) Cached(emailID string) (*core.DraftReply, bool) {
	draft, ok := g.cache.Get(emailID)
	if !ok {
		return nil, false
	}
	return &draft, true
}
