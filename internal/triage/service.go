// Package triage is the boundary facade composing classification, mailbox
// placement, reply drafting and preferences.
package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mikey/mail-triage/internal/classifier"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/drafts"
	"github.com/mikey/mail-triage/internal/mailbox"
	"github.com/mikey/mail-triage/internal/preferences"
	"github.com/mikey/mail-triage/internal/utils"
	"go.uber.org/zap"
)

// Filter selects which emails a listing returns
type Filter string

const (
	FilterAll       Filter = "all"
	FilterImportant Filter = "important"
	FilterUnread    Filter = "unread"
)

// ParseFilter validates a filter name; the empty string means FilterImportant
func ParseFilter(name string) (Filter, error) {
	switch f := Filter(strings.ToLower(strings.TrimSpace(name))); f {
	case "":
		return FilterImportant, nil
	case FilterAll, FilterImportant, FilterUnread:
		return f, nil
	default:
		return "", &core.ValidationError{Field: "filter", Reason: fmt.Sprintf("unknown filter %q", name)}
	}
}

// visible reports whether an email in status belongs to the filter before classification
func (f Filter) visible(status core.MailboxStatus) bool {
	switch f {
	case FilterUnread:
		return status == core.StatusUnread
	case FilterImportant:
		return status == core.StatusUnread || status == core.StatusRead
	default:
		return status != core.StatusTrashed
	}
}

// ListOptions are the parameters of a listing. A zero Filter lists important emails.
type ListOptions struct {
	Filter     Filter
	Query      string
	MaxResults int
}

// Summary is one row of a listing
type Summary struct {
	ID             string               `json:"id"`
	Sender         string               `json:"sender"`
	Subject        string               `json:"subject"`
	Snippet        string               `json:"snippet"`
	Date           time.Time            `json:"date"`
	Status         core.MailboxStatus   `json:"status"`
	Classification *core.Classification `json:"classification"`
}

// Detail is an email with its current classification and mailbox state.
// The email fields are encoded at the top level.
type Detail struct {
	*core.Email
	Classification *core.Classification `json:"classification"`
	State          *core.MailboxState   `json:"state"`
}

// Options configures the service
type Options struct {
	DefaultMaxResults int
	MaxResultsLimit   int
}

// Service is the entry point of every boundary operation
type Service struct {
	emails     core.EmailRepository
	prefs      *preferences.Store
	classifier *classifier.Orchestrator
	mailbox    *mailbox.Machine
	drafts     *drafts.Generator
	text       *utils.TextProcessor
	opts       Options
	logger     *zap.Logger
	now        func() time.Time
}

// NewService creates a new triage service and subscribes the classification
// cache to preference updates
func NewService(
	emails core.EmailRepository,
	prefs *preferences.Store,
	orchestrator *classifier.Orchestrator,
	machine *mailbox.Machine,
	generator *drafts.Generator,
	text *utils.TextProcessor,
	opts Options,
	logger *zap.Logger,
) *Service {
	if opts.DefaultMaxResults <= 0 {
		opts.DefaultMaxResults = 50
	}
	if opts.MaxResultsLimit <= 0 {
		opts.MaxResultsLimit = 500
	}
	if opts.DefaultMaxResults > opts.MaxResultsLimit {
		opts.DefaultMaxResults = opts.MaxResultsLimit
	}
	if text == nil {
		text = utils.NewTextProcessor(logger)
	}

	s := &Service{
		emails:     emails,
		prefs:      prefs,
		classifier: orchestrator,
		mailbox:    machine,
		drafts:     generator,
		text:       text,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
	}
	prefs.OnUpdate(func(ctx context.Context, snapshot *preferences.Snapshot) {
		orchestrator.Invalidate(ctx, snapshot)
	})
	return s
}

// Ingest stores a new email, classifies it and applies its default placement.
// Redelivery of a known id returns the classification of the stored email and
// leaves its mailbox state alone.
func (s *Service) Ingest(ctx context.Context, email *core.Email) (*core.Classification, error) {
	if email == nil || strings.TrimSpace(email.ID) == "" {
		return nil, &core.ValidationError{Field: "id", Reason: "must not be empty"}
	}

	stored, err := s.emails.GetEmail(ctx, email.ID)
	switch {
	case err == nil:
		s.logger.Debug("Email already ingested", zap.String("email_id", email.ID))
		email = stored
	case errors.Is(err, core.ErrNotFound):
		s.prepare(email)
		if err := s.emails.PutEmail(ctx, email); err != nil {
			return nil, fmt.Errorf("failed to store email: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to look up email: %w", err)
	}

	state, created, err := s.mailbox.Create(ctx, email.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create mailbox state: %w", err)
	}

	classification := s.classifier.Classify(ctx, s.prefs.Current(), email)
	// Default placement only applies to the first delivery
	if created {
		state, err = s.mailbox.ApplyClassification(ctx, email.ID, classification)
		if err != nil {
			return nil, fmt.Errorf("failed to apply classification: %w", err)
		}
	}

	s.logger.Info("Email ingested",
		zap.String("email_id", email.ID),
		zap.String("sender", email.Sender),
		zap.String("label", string(classification.Label)),
		zap.Float64("score", classification.ImportanceScore),
		zap.String("status", string(state.Status)))

	return classification, nil
}

// IngestMany ingests emails in order and returns their classifications.
// It stops at the first failure.
func (s *Service) IngestMany(ctx context.Context, emails []*core.Email) ([]*core.Classification, error) {
	out := make([]*core.Classification, 0, len(emails))
	for _, email := range emails {
		c, err := s.Ingest(ctx, email)
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
	return out, nil
}

// prepare fills the derived fields of a newly received email
func (s *Service) prepare(email *core.Email) {
	if strings.TrimSpace(email.Snippet) == "" {
		email.Snippet = s.text.Snippet(email.Body)
	}
	if email.Date.IsZero() {
		email.Date = s.now().UTC()
	}
}

// ListEmails returns the summaries matching opts, most recent first. The
// filter is applied before the result cap.
func (s *Service) ListEmails(ctx context.Context, opts ListOptions) ([]Summary, error) {
	filter := opts.Filter
	if filter == "" {
		filter = FilterImportant
	}
	limit, err := s.maxResults(opts.MaxResults)
	if err != nil {
		return nil, err
	}

	all, err := s.emails.ListEmails(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list emails: %w", err)
	}

	query := strings.ToLower(strings.TrimSpace(opts.Query))
	var candidates []*core.Email
	var states []*core.MailboxState
	for _, email := range all {
		if query != "" && !matchesQuery(email, query) {
			continue
		}
		state, err := s.mailbox.Ensure(ctx, email.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load mailbox state: %w", err)
		}
		if !filter.visible(state.Status) {
			continue
		}
		candidates = append(candidates, email)
		states = append(states, state)
	}

	// Only the important filter depends on the classification
	if filter != FilterImportant && len(candidates) > limit {
		candidates = candidates[:limit]
		states = states[:limit]
	}

	classifications := s.classifier.ClassifyMany(ctx, s.prefs.Current(), candidates)

	summaries := make([]Summary, 0, min(limit, len(candidates)))
	for i, email := range candidates {
		c := classifications[i]
		if filter == FilterImportant && c.Label != core.LabelImportant {
			continue
		}
		summaries = append(summaries, Summary{
			ID:             email.ID,
			Sender:         email.Sender,
			Subject:        email.Subject,
			Snippet:        email.Snippet,
			Date:           email.Date,
			Status:         states[i].Status,
			Classification: c,
		})
		if len(summaries) == limit {
			break
		}
	}
	return summaries, nil
}

func (s *Service) maxResults(requested int) (int, error) {
	switch {
	case requested < 0:
		return 0, &core.ValidationError{Field: "max_results", Reason: "must not be negative"}
	case requested == 0:
		return s.opts.DefaultMaxResults, nil
	case requested > s.opts.MaxResultsLimit:
		return s.opts.MaxResultsLimit, nil
	default:
		return requested, nil
	}
}

func matchesQuery(email *core.Email, query string) bool {
	for _, field := range []string{email.Sender, email.Subject, email.Snippet} {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}
	return false
}

// GetEmail returns the email with its current classification and mailbox state
func (s *Service) GetEmail(ctx context.Context, id string) (*Detail, error) {
	email, err := s.emails.GetEmail(ctx, id)
	if err != nil {
		return nil, err
	}
	state, err := s.mailbox.Ensure(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Detail{
		Email:          email,
		Classification: s.classifier.Classify(ctx, s.prefs.Current(), email),
		State:          state,
	}, nil
}

// MarkRead marks the email read
func (s *Service) MarkRead(ctx context.Context, id string) (*core.MailboxState, error) {
	if err := s.ensureKnown(ctx, id); err != nil {
		return nil, err
	}
	return s.mailbox.MarkRead(ctx, id)
}

// Archive archives the email on behalf of the user
func (s *Service) Archive(ctx context.Context, id string) (*core.MailboxState, error) {
	if err := s.ensureKnown(ctx, id); err != nil {
		return nil, err
	}
	return s.mailbox.Archive(ctx, id, core.ReasonUser)
}

// Trash trashes the email on behalf of the user
func (s *Service) Trash(ctx context.Context, id string) (*core.MailboxState, error) {
	if err := s.ensureKnown(ctx, id); err != nil {
		return nil, err
	}
	return s.mailbox.Trash(ctx, id, core.ReasonUser)
}

// Restore moves an archived or trashed email back to read
func (s *Service) Restore(ctx context.Context, id string) (*core.MailboxState, error) {
	if err := s.ensureKnown(ctx, id); err != nil {
		return nil, err
	}
	return s.mailbox.Restore(ctx, id)
}

// ensureKnown fails with core.ErrNotFound for unknown ids and creates a
// missing mailbox state for known ones
func (s *Service) ensureKnown(ctx context.Context, id string) error {
	if _, err := s.emails.GetEmail(ctx, id); err != nil {
		return err
	}
	_, err := s.mailbox.Ensure(ctx, id)
	return err
}

// Draft returns the cached reply draft or generates one
func (s *Service) Draft(ctx context.Context, id string) (*core.DraftReply, error) {
	return s.drafts.Draft(ctx, id)
}

// RegenerateDraft generates a new reply draft, superseding the cached one
func (s *Service) RegenerateDraft(ctx context.Context, id string) (*core.DraftReply, error) {
	return s.drafts.Generate(ctx, id)
}

// SendReply queues text as the reply to the email and clears its draft
func (s *Service) SendReply(ctx context.Context, id, text string) (*core.OutboundMessage, error) {
	return s.drafts.SendReply(ctx, id, text)
}

// GetPreferences returns the current preferences
func (s *Service) GetPreferences() core.Preferences {
	return s.prefs.Current().Preferences()
}

// UpdatePreferences merges patch onto the current preferences and publishes a new version
func (s *Service) UpdatePreferences(ctx context.Context, patch map[string]json.RawMessage) (core.Preferences, error) {
	snapshot, err := s.prefs.Merge(ctx, patch)
	if err != nil {
		return core.Preferences{}, err
	}
	return snapshot.Preferences(), nil
}
