// Package mailbox owns the placement state of every email and the rules by
// which classification and user actions move it between unread, read,
// archived and trashed.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mikey/mail-triage/internal/core"
	"go.uber.org/zap"
)

const defaultMaxRetries = 16

// Machine applies mailbox transitions with compare-and-swap on the state revision
type Machine struct {
	repo       core.MailboxRepository
	logger     *zap.Logger
	maxRetries int
	now        func() time.Time
}

// NewMachine creates a new mailbox state machine
func NewMachine(repo core.MailboxRepository, logger *zap.Logger) *Machine {
	return &Machine{
		repo:       repo,
		logger:     logger,
		maxRetries: defaultMaxRetries,
		now:        time.Now,
	}
}

// decision computes the next state from the current one. It reports false
// when the transition does not apply.
type decision func(current core.MailboxState) (core.MailboxState, bool)

// Ensure creates the unread state of an email if it has none and returns its current state
func (m *Machine) Ensure(ctx context.Context, emailID string) (*core.MailboxState, error) {
	state, _, err := m.Create(ctx, emailID)
	return state, err
}

// Create is Ensure that also reports whether this call created the state
func (m *Machine) Create(ctx context.Context, emailID string) (*core.MailboxState, bool, error) {
	state := &core.MailboxState{
		EmailID:   emailID,
		Status:    core.StatusUnread,
		Revision:  1,
		UpdatedAt: m.now().UTC(),
	}
	err := m.repo.CreateState(ctx, state)
	if err == nil {
		return state, true, nil
	}
	if !errors.Is(err, core.ErrAlreadyExists) {
		return nil, false, fmt.Errorf("creating mailbox state for %s: %w", emailID, err)
	}
	current, err := m.repo.GetState(ctx, emailID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// Get returns the current state of an email
func (m *Machine) Get(ctx context.Context, emailID string) (*core.MailboxState, error) {
	return m.repo.GetState(ctx, emailID)
}

// MarkRead moves an unread email to read. Read and terminal emails are left alone.
func (m *Machine) MarkRead(ctx context.Context, emailID string) (*core.MailboxState, error) {
	return m.transition(ctx, emailID, "mark_read", func(cur core.MailboxState) (core.MailboxState, bool) {
		if cur.Status != core.StatusUnread {
			return cur, false
		}
		cur.Status = core.StatusRead
		cur.LastTransitionReason = core.ReasonUser
		return cur, true
	})
}

// Archive moves an email to archived
func (m *Machine) Archive(ctx context.Context, emailID string, reason core.TransitionReason) (*core.MailboxState, error) {
	return m.transition(ctx, emailID, "archive", moveTo(core.StatusArchived, reason))
}

// Trash moves an email to trashed
func (m *Machine) Trash(ctx context.Context, emailID string, reason core.TransitionReason) (*core.MailboxState, error) {
	return m.transition(ctx, emailID, "trash", moveTo(core.StatusTrashed, reason))
}

// Restore brings an archived or trashed email back to read
func (m *Machine) Restore(ctx context.Context, emailID string) (*core.MailboxState, error) {
	return m.transition(ctx, emailID, "restore", func(cur core.MailboxState) (core.MailboxState, bool) {
		if !cur.Status.Terminal() {
			return cur, false
		}
		cur.Status = core.StatusRead
		cur.LastTransitionReason = core.ReasonUser
		return cur, true
	})
}

// ApplyClassification applies the default placement implied by a classification
func (m *Machine) ApplyClassification(ctx context.Context, emailID string, c *core.Classification) (*core.MailboxState, error) {
	switch c.Label {
	case core.LabelBlocked:
		return m.Trash(ctx, emailID, core.ReasonBlockedSender)
	case core.LabelAutoArchive:
		return m.Archive(ctx, emailID, core.ReasonAutoArchive)
	default:
		return m.Get(ctx, emailID)
	}
}

// moveTo builds the decision for archive and trash. An automatic move never
// touches a state the user has already decided. A terminal state is only
// overridden by a user action, and only when an automatic transition put it there.
func moveTo(target core.MailboxStatus, reason core.TransitionReason) decision {
	return func(cur core.MailboxState) (core.MailboxState, bool) {
		if reason.Automatic() && cur.LastTransitionReason == core.ReasonUser {
			return cur, false
		}
		if cur.Status.Terminal() {
			if reason.Automatic() || !cur.LastTransitionReason.Automatic() {
				return cur, false
			}
		}
		cur.Status = target
		cur.LastTransitionReason = reason
		return cur, true
	}
}

func (m *Machine) transition(ctx context.Context, emailID, action string, decide decision) (*core.MailboxState, error) {
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current, err := m.repo.GetState(ctx, emailID)
		if err != nil {
			return nil, err
		}

		next, apply := decide(*current)
		if !apply {
			return current, nil
		}
		next.Revision = current.Revision + 1
		next.UpdatedAt = m.now().UTC()

		err = m.repo.CompareAndSwapState(ctx, current.Revision, &next)
		if err == nil {
			m.logger.Debug("Mailbox transition applied",
				zap.String("email_id", emailID),
				zap.String("action", action),
				zap.String("from", string(current.Status)),
				zap.String("to", string(next.Status)),
				zap.String("reason", string(next.LastTransitionReason)),
				zap.Uint64("revision", next.Revision))
			return &next, nil
		}
		if !errors.Is(err, core.ErrConflict) {
			return nil, fmt.Errorf("applying %s to %s: %w", action, emailID, err)
		}
	}

	m.logger.Warn("Mailbox transition kept conflicting",
		zap.String("email_id", emailID),
		zap.String("action", action),
		zap.Int("attempts", m.maxRetries))
	return nil, fmt.Errorf("applying %s to %s: %w", action, emailID, core.ErrConflict)
}
