package mailbox

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mikey/mail-triage/internal/adapters/store"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMachine(t *testing.T) (*Machine, *store.MemoryStore) {
	t.Helper()
	repo := store.NewMemoryStore()
	return NewMachine(repo, zap.NewNop()), repo
}

func TestEnsure(t *testing.T) {
	ctx := context.Background()
	m, _ := newMachine(t)

	state, err := m.Ensure(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusUnread, state.Status)
	assert.Equal(t, core.ReasonNone, state.LastTransitionReason)

	_, err = m.MarkRead(ctx, "e1")
	require.NoError(t, err)

	state, err = m.Ensure(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusRead, state.Status, "ensure must not reset an existing state")
}

func TestCreateReportsFirstCall(t *testing.T) {
	ctx := context.Background()
	m, _ := newMachine(t)

	state, created, err := m.Create(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, core.StatusUnread, state.Status)

	_, err = m.MarkRead(ctx, "e1")
	require.NoError(t, err)

	state, created, err = m.Create(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, core.StatusRead, state.Status)
}

func TestTransitions(t *testing.T) {
	type step func(m *Machine, ctx context.Context) (*core.MailboxState, error)

	markRead := func(m *Machine, ctx context.Context) (*core.MailboxState, error) { return m.MarkRead(ctx, "e1") }
	archive := func(reason core.TransitionReason) step {
		return func(m *Machine, ctx context.Context) (*core.MailboxState, error) { return m.Archive(ctx, "e1", reason) }
	}
	trash := func(reason core.TransitionReason) step {
		return func(m *Machine, ctx context.Context) (*core.MailboxState, error) { return m.Trash(ctx, "e1", reason) }
	}
	restore := func(m *Machine, ctx context.Context) (*core.MailboxState, error) { return m.Restore(ctx, "e1") }

	tests := []struct {
		name       string
		steps      []step
		wantStatus core.MailboxStatus
		wantReason core.TransitionReason
	}{
		{"mark read", []step{markRead}, core.StatusRead, core.ReasonUser},
		{"mark read twice", []step{markRead, markRead}, core.StatusRead, core.ReasonUser},
		{"archive from unread", []step{archive(core.ReasonUser)}, core.StatusArchived, core.ReasonUser},
		{"trash from read", []step{markRead, trash(core.ReasonUser)}, core.StatusTrashed, core.ReasonUser},
		{"mark read on terminal is a no-op", []step{archive(core.ReasonUser), markRead}, core.StatusArchived, core.ReasonUser},
		{"restore archived", []step{archive(core.ReasonUser), restore}, core.StatusRead, core.ReasonUser},
		{"restore trashed", []step{trash(core.ReasonBlockedSender), restore}, core.StatusRead, core.ReasonUser},
		{"restore unread is a no-op", []step{restore}, core.StatusUnread, core.ReasonNone},
		{"automatic never overrides terminal", []step{trash(core.ReasonUser), archive(core.ReasonAutoArchive)}, core.StatusTrashed, core.ReasonUser},
		{"automatic over automatic terminal", []step{archive(core.ReasonAutoArchive), trash(core.ReasonBlockedSender)}, core.StatusArchived, core.ReasonAutoArchive},
		{"user overrides automatic archive", []step{archive(core.ReasonAutoArchive), trash(core.ReasonUser)}, core.StatusTrashed, core.ReasonUser},
		{"user archive claims automatic archive", []step{archive(core.ReasonAutoArchive), archive(core.ReasonUser)}, core.StatusArchived, core.ReasonUser},
		{"user does not override user terminal", []step{archive(core.ReasonUser), trash(core.ReasonUser)}, core.StatusArchived, core.ReasonUser},
		{"automatic never undoes restore", []step{trash(core.ReasonBlockedSender), restore, trash(core.ReasonBlockedSender)}, core.StatusRead, core.ReasonUser},
		{"automatic never moves a user read email", []step{markRead, archive(core.ReasonAutoArchive)}, core.StatusRead, core.ReasonUser},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m, _ := newMachine(t)
			_, err := m.Ensure(ctx, "e1")
			require.NoError(t, err)

			var state *core.MailboxState
			for _, s := range tt.steps {
				state, err = s(m, ctx)
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantStatus, state.Status)
			assert.Equal(t, tt.wantReason, state.LastTransitionReason)

			stored, err := m.Get(ctx, "e1")
			require.NoError(t, err)
			assert.Equal(t, *state, *stored)
		})
	}
}

func TestRevisionOnlyAdvancesOnChange(t *testing.T) {
	ctx := context.Background()
	m, _ := newMachine(t)
	_, err := m.Ensure(ctx, "e1")
	require.NoError(t, err)

	first, err := m.Archive(ctx, "e1", core.ReasonUser)
	require.NoError(t, err)
	second, err := m.Archive(ctx, "e1", core.ReasonUser)
	require.NoError(t, err)

	assert.Equal(t, uint64(2), first.Revision)
	assert.Equal(t, first.Revision, second.Revision)
}

func TestApplyClassification(t *testing.T) {
	tests := []struct {
		label      core.Label
		wantStatus core.MailboxStatus
		wantReason core.TransitionReason
	}{
		{core.LabelBlocked, core.StatusTrashed, core.ReasonBlockedSender},
		{core.LabelAutoArchive, core.StatusArchived, core.ReasonAutoArchive},
		{core.LabelImportant, core.StatusUnread, core.ReasonNone},
		{core.LabelSpam, core.StatusUnread, core.ReasonNone},
		{core.LabelPromotional, core.StatusUnread, core.ReasonNone},
	}

	for _, tt := range tests {
		t.Run(string(tt.label), func(t *testing.T) {
			ctx := context.Background()
			m, _ := newMachine(t)
			_, err := m.Ensure(ctx, "e1")
			require.NoError(t, err)

			state, err := m.ApplyClassification(ctx, "e1", &core.Classification{EmailID: "e1", Label: tt.label})
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, state.Status)
			assert.Equal(t, tt.wantReason, state.LastTransitionReason)
		})
	}
}

func TestUnknownEmail(t *testing.T) {
	m, _ := newMachine(t)
	_, err := m.MarkRead(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = m.Restore(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestUserTrashWinsOverConcurrentAutoArchive(t *testing.T) {
	for i := 0; i < 50; i++ {
		ctx := context.Background()
		m, _ := newMachine(t)
		_, err := m.Ensure(ctx, "e1")
		require.NoError(t, err)

		var wg sync.WaitGroup
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, err := m.Archive(ctx, "e1", core.ReasonAutoArchive)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			<-start
			_, err := m.Trash(ctx, "e1", core.ReasonUser)
			assert.NoError(t, err)
		}()
		close(start)
		wg.Wait()

		state, err := m.Get(ctx, "e1")
		require.NoError(t, err)
		require.Equal(t, core.StatusTrashed, state.Status)
		require.Equal(t, core.ReasonUser, state.LastTransitionReason)
	}
}

// racingRepo lets another writer win the first compare-and-swap
type racingRepo struct {
	core.MailboxRepository
	interfere func(ctx context.Context)
	fired     atomic.Bool
}

func (r *racingRepo) CompareAndSwapState(ctx context.Context, expected uint64, state *core.MailboxState) error {
	if r.fired.CompareAndSwap(false, true) {
		r.interfere(ctx)
	}
	return r.MailboxRepository.CompareAndSwapState(ctx, expected, state)
}

func TestConflictIsRetriedAgainstFreshState(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	other := NewMachine(mem, zap.NewNop())
	_, err := other.Ensure(ctx, "e1")
	require.NoError(t, err)

	repo := &racingRepo{MailboxRepository: mem}
	repo.interfere = func(ctx context.Context) {
		_, err := other.Archive(ctx, "e1", core.ReasonAutoArchive)
		require.NoError(t, err)
	}
	m := NewMachine(repo, zap.NewNop())

	// The read decision loses the race, and on retry the email is terminal
	state, err := m.MarkRead(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusArchived, state.Status)
	assert.Equal(t, core.ReasonAutoArchive, state.LastTransitionReason)
	assert.Equal(t, uint64(2), state.Revision)
}

type alwaysConflicting struct {
	core.MailboxRepository
}

func (alwaysConflicting) CompareAndSwapState(context.Context, uint64, *core.MailboxState) error {
	return core.ErrConflict
}

func TestRetriesAreBounded(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	require.NoError(t, mem.CreateState(ctx, &core.MailboxState{EmailID: "e1", Status: core.StatusUnread, Revision: 1}))

	m := NewMachine(alwaysConflicting{mem}, zap.NewNop())
	_, err := m.Trash(ctx, "e1", core.ReasonUser)
	assert.ErrorIs(t, err, core.ErrConflict)
}
