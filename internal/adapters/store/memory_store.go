package store

import (
	"context"
	"sort"
	"sync"

	"github.com/mikey/mail-triage/internal/core"
)

// MemoryStore is an in-process implementation of core.Store
type MemoryStore struct {
	mu       sync.RWMutex
	prefs    *core.Preferences
	emails   map[string]*core.Email
	states   map[string]core.MailboxState
	outbound []*core.OutboundMessage
	cursors  map[string]core.SourceCursor
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		emails:  make(map[string]*core.Email),
		states:  make(map[string]core.MailboxState),
		cursors: make(map[string]core.SourceCursor),
	}
}

// LoadPreferences returns the stored preferences or core.ErrNotFound
func (s *MemoryStore) LoadPreferences(_ context.Context) (*core.Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.prefs == nil {
		return nil, core.ErrNotFound
	}
	out := s.prefs.Clone()
	return &out, nil
}

// SavePreferences replaces the stored preferences
func (s *MemoryStore) SavePreferences(_ context.Context, prefs *core.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := prefs.Clone()
	s.prefs = &out
	return nil
}

// PutEmail stores an email, replacing any with the same id
func (s *MemoryStore) PutEmail(_ context.Context, email *core.Email) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *email
	s.emails[email.ID] = &out
	return nil
}

// GetEmail returns an email by id
func (s *MemoryStore) GetEmail(_ context.Context, id string) (*core.Email, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	email, ok := s.emails[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	out := *email
	return &out, nil
}

// ListEmails returns every email, most recent first
func (s *MemoryStore) ListEmails(_ context.Context) ([]*core.Email, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Email, 0, len(s.emails))
	for _, email := range s.emails {
		e := *email
		out = append(out, &e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].ID < out[j].ID
		}
		return out[i].Date.After(out[j].Date)
	})
	return out, nil
}

// GetState returns the mailbox state of an email
func (s *MemoryStore) GetState(_ context.Context, emailID string) (*core.MailboxState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[emailID]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &state, nil
}

// CreateState inserts a new mailbox state
func (s *MemoryStore) CreateState(_ context.Context, state *core.MailboxState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[state.EmailID]; ok {
		return core.ErrAlreadyExists
	}
	s.states[state.EmailID] = *state
	return nil
}

// CompareAndSwapState replaces the state if its revision is still expectedRevision
func (s *MemoryStore) CompareAndSwapState(_ context.Context, expectedRevision uint64, state *core.MailboxState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.states[state.EmailID]
	if !ok {
		return core.ErrNotFound
	}
	if current.Revision != expectedRevision {
		return core.ErrConflict
	}
	s.states[state.EmailID] = *state
	return nil
}

// EnqueueOutbound appends a message to the outbound queue
func (s *MemoryStore) EnqueueOutbound(_ context.Context, msg *core.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *msg
	s.outbound = append(s.outbound, &out)
	return nil
}

// PendingOutbound returns queued messages, oldest first
func (s *MemoryStore) PendingOutbound(_ context.Context, limit int) ([]*core.OutboundMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.OutboundMessage
	for _, msg := range s.outbound {
		if msg.Status != core.OutboundQueued {
			continue
		}
		m := *msg
		out = append(out, &m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// UpdateOutbound replaces a queued message by id
func (s *MemoryStore) UpdateOutbound(_ context.Context, msg *core.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.outbound {
		if existing.ID == msg.ID {
			out := *msg
			s.outbound[i] = &out
			return nil
		}
	}
	return core.ErrNotFound
}

// RecentSent returns the bodies of the most recently queued, non-failed replies
func (s *MemoryStore) RecentSent(_ context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for i := len(s.outbound) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.outbound[i].Status == core.OutboundFailed {
			continue
		}
		out = append(out, s.outbound[i].Body)
	}
	return out, nil
}

// LoadCursor returns the cursor of source or core.ErrNotFound
func (s *MemoryStore) LoadCursor(_ context.Context, source string) (*core.SourceCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cursor, ok := s.cursors[source]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &cursor, nil
}

// SaveCursor replaces the cursor of its source
func (s *MemoryStore) SaveCursor(_ context.Context, cursor *core.SourceCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[cursor.Source] = *cursor
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
