package core

import (
	"context"
)

// LLMClient defines the interface for interacting with LLM services
type LLMClient interface {
	// RefineClassification asks the model to re-score a borderline email
	RefineClassification(ctx context.Context, req *RefinementRequest) (*Refinement, error)

	// DraftReply asks the model to write a reply body for an email
	DraftReply(ctx context.Context, req *ReplyRequest) (string, error)

	// Name returns the model identifier used in explanations
	Name() string
}

// ClassificationCache stores the live classification per (email_id, preferences_version)
type ClassificationCache interface {
	// Get retrieves a cached classification, returning ErrCacheMiss when absent
	Get(ctx context.Context, key CacheKey) (*Classification, error)

	// Add stores a classification unless one already exists for its key and
	// returns the live entry (first writer wins)
	Add(ctx context.Context, c *Classification) (*Classification, error)

	// InvalidateBefore drops entries produced by preference versions older than version
	InvalidateBefore(ctx context.Context, version uint64) error

	// Cleanup removes expired or excess entries
	Cleanup(ctx context.Context) error
}

// PreferenceRepository persists the user's preferences
type PreferenceRepository interface {
	LoadPreferences(ctx context.Context) (*Preferences, error)
	SavePreferences(ctx context.Context, prefs *Preferences) error
}

// EmailRepository persists ingested emails
type EmailRepository interface {
	PutEmail(ctx context.Context, email *Email) error
	GetEmail(ctx context.Context, id string) (*Email, error)
	// ListEmails returns all emails ordered by date, most recent first
	ListEmails(ctx context.Context) ([]*Email, error)
}

// MailboxRepository persists mailbox states with compare-and-swap semantics
type MailboxRepository interface {
	GetState(ctx context.Context, emailID string) (*MailboxState, error)
	// CreateState inserts a state, returning ErrAlreadyExists if one is present
	CreateState(ctx context.Context, state *MailboxState) error
	// CompareAndSwapState replaces the state if its stored revision equals
	// expectedRevision; it returns ErrConflict otherwise
	CompareAndSwapState(ctx context.Context, expectedRevision uint64, state *MailboxState) error
}

// OutboundRepository persists queued replies
type OutboundRepository interface {
	EnqueueOutbound(ctx context.Context, msg *OutboundMessage) error
	PendingOutbound(ctx context.Context, limit int) ([]*OutboundMessage, error)
	UpdateOutbound(ctx context.Context, msg *OutboundMessage) error
	// RecentSent returns the bodies of the most recently queued replies
	RecentSent(ctx context.Context, limit int) ([]string, error)
}

// CursorRepository persists the read position of ingestion sources
type CursorRepository interface {
	// LoadCursor returns the cursor of source or ErrNotFound
	LoadCursor(ctx context.Context, source string) (*SourceCursor, error)
	SaveCursor(ctx context.Context, cursor *SourceCursor) error
}

// Store groups the persistence collaborators
type Store interface {
	PreferenceRepository
	EmailRepository
	MailboxRepository
	OutboundRepository
	CursorRepository
	Close() error
}
