package core

import (
	"net/textproto"
	"time"
)

// Email represents a received message. It is never mutated after ingestion.
type Email struct {
	ID      string              `json:"id"`
	Sender  string              `json:"sender"`
	Subject string              `json:"subject"`
	Body    string              `json:"body"`
	Snippet string              `json:"snippet"`
	Date    time.Time           `json:"date"`
	Headers map[string][]string `json:"headers,omitempty"`
}

// Header returns the first value of the named header, matching keys canonically.
func (e *Email) Header(name string) string {
	if e == nil || e.Headers == nil {
		return ""
	}
	if values, ok := e.Headers[textproto.CanonicalMIMEHeaderKey(name)]; ok && len(values) > 0 {
		return values[0]
	}
	// Headers may come from sources that do not canonicalize keys
	for key, values := range e.Headers {
		if len(values) > 0 && textproto.CanonicalMIMEHeaderKey(key) == textproto.CanonicalMIMEHeaderKey(name) {
			return values[0]
		}
	}
	return ""
}

// Keywords holds the case-insensitive keyword sets of the preferences
type Keywords struct {
	Important []string `json:"important"`
	Spam      []string `json:"spam"`
}

// Preferences represents the user's rule configuration
type Preferences struct {
	ImportantSenders        []string `json:"important_senders"`
	BlockedSenders          []string `json:"blocked_senders"`
	Keywords                Keywords `json:"keywords"`
	AutoArchivePatterns     []string `json:"auto_archive_patterns"`
	MinimumImportanceScore  float64  `json:"minimum_importance_score"`
	ShowPromotional         bool     `json:"show_promotional"`
	EnableLLMClassification bool     `json:"enable_llm_classification"`
	Version                 uint64   `json:"preferences_version"`
}

// Clone returns a deep copy of the preferences
func (p Preferences) Clone() Preferences {
	out := p
	out.ImportantSenders = append([]string(nil), p.ImportantSenders...)
	out.BlockedSenders = append([]string(nil), p.BlockedSenders...)
	out.Keywords.Important = append([]string(nil), p.Keywords.Important...)
	out.Keywords.Spam = append([]string(nil), p.Keywords.Spam...)
	out.AutoArchivePatterns = append([]string(nil), p.AutoArchivePatterns...)
	return out
}

// Label is the triage verdict of a classification
type Label string

const (
	LabelImportant   Label = "important"
	LabelNormal      Label = "normal"
	LabelPromotional Label = "promotional"
	LabelSpam        Label = "spam"
	LabelBlocked     Label = "blocked"
	LabelAutoArchive Label = "auto_archive"
)

// Refinable reports whether the LLM step may move an email out of this label
func (l Label) Refinable() bool {
	return l == LabelImportant || l == LabelNormal || l == LabelPromotional
}

// ClassificationSource records which engines produced a classification
type ClassificationSource string

const (
	SourceRules    ClassificationSource = "rules"
	SourceRulesLLM ClassificationSource = "rules+llm"
)

// Classification is the derived importance verdict for one email at one preferences version
type Classification struct {
	EmailID            string               `json:"email_id"`
	ImportanceScore    float64              `json:"importance_score"`
	RequiresResponse   bool                 `json:"requires_response"`
	Label              Label                `json:"label"`
	Source             ClassificationSource `json:"source"`
	PreferencesVersion uint64               `json:"preferences_version"`
	Explanation        []string             `json:"explanation"`
	ClassifiedAt       time.Time            `json:"classified_at"`
}

// Clone returns a deep copy of the classification
func (c *Classification) Clone() *Classification {
	if c == nil {
		return nil
	}
	out := *c
	if c.Explanation != nil {
		out.Explanation = make([]string, len(c.Explanation))
		copy(out.Explanation, c.Explanation)
	}
	return &out
}

// CacheKey identifies the single live classification of an email
type CacheKey struct {
	EmailID            string
	PreferencesVersion uint64
}

// Key returns the cache key of the classification
func (c *Classification) Key() CacheKey {
	return CacheKey{EmailID: c.EmailID, PreferencesVersion: c.PreferencesVersion}
}

// MailboxStatus is the placement of an email
type MailboxStatus string

const (
	StatusUnread   MailboxStatus = "unread"
	StatusRead     MailboxStatus = "read"
	StatusArchived MailboxStatus = "archived"
	StatusTrashed  MailboxStatus = "trashed"
)

// Terminal reports whether the status can only be left by an explicit restore
func (s MailboxStatus) Terminal() bool {
	return s == StatusArchived || s == StatusTrashed
}

// TransitionReason records what triggered the last mailbox transition
type TransitionReason string

const (
	ReasonNone          TransitionReason = ""
	ReasonUser          TransitionReason = "user"
	ReasonAutoArchive   TransitionReason = "auto_archive"
	ReasonBlockedSender TransitionReason = "blocked_sender"
)

// Automatic reports whether the reason belongs to a classification-driven transition
func (r TransitionReason) Automatic() bool {
	return r == ReasonAutoArchive || r == ReasonBlockedSender
}

// MailboxState is the authoritative placement record for one email
type MailboxState struct {
	EmailID              string           `json:"email_id"`
	Status               MailboxStatus    `json:"status"`
	LastTransitionReason TransitionReason `json:"last_transition_reason,omitempty"`
	Revision             uint64           `json:"revision"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// DraftReply is an ephemeral reply draft for an email
type DraftReply struct {
	EmailID     string    `json:"email_id"`
	Text        string    `json:"draft"`
	GeneratedAt time.Time `json:"generated_at"`
	Model       string    `json:"model"`
}

// OutboundStatus is the delivery state of a queued reply
type OutboundStatus string

const (
	OutboundQueued OutboundStatus = "queued"
	OutboundSent   OutboundStatus = "sent"
	OutboundFailed OutboundStatus = "failed"
)

// OutboundMessage is a reply queued for delivery by the outbound collaborator
type OutboundMessage struct {
	ID        string         `json:"id"`
	EmailID   string         `json:"email_id"`
	To        string         `json:"to"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	InReplyTo string         `json:"in_reply_to,omitempty"`
	Status    OutboundStatus `json:"status"`
	Attempts  int            `json:"attempts"`
	LastError string         `json:"last_error,omitempty"`
	QueuedAt  time.Time      `json:"queued_at"`
	SentAt    *time.Time     `json:"sent_at,omitempty"`
}

// RefinementRequest is the bounded input handed to an LLM provider for a borderline email
type RefinementRequest struct {
	Email       *Email
	RuleScore   float64
	RuleLabel   Label
	Threshold   float64
	Explanation []string
}

// Refinement is the parsed provider answer for a RefinementRequest
type Refinement struct {
	ImportanceScore  float64
	RequiresResponse bool
	Promotional      bool
	Rationale        string
	ModelUsed        string
}

// ReplyRequest is the input handed to an LLM provider to draft a reply
type ReplyRequest struct {
	Email        *Email
	StyleSamples []string
}

// SourceCursor records how far an ingestion source has read a remote mailbox
type SourceCursor struct {
	Source    string    `json:"source"`
	Validity  uint32    `json:"validity"`
	LastUID   uint32    `json:"last_uid"`
	UpdatedAt time.Time `json:"updated_at"`
}
