package preferences

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func defaultPrefs() core.Preferences {
	return core.Preferences{
		MinimumImportanceScore:  0.6,
		EnableLLMClassification: true,
	}
}

func TestNormalize(t *testing.T) {
	got, err := Normalize(core.Preferences{
		ImportantSenders:       []string{" Boss@corp.com", "boss@CORP.com", ""},
		Keywords:               core.Keywords{Important: []string{"Urgent", "urgent ", "  "}, Spam: []string{"win"}},
		AutoArchivePatterns:    []string{"^news", "^news", "^NEWS"},
		MinimumImportanceScore: 1.4,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Boss@corp.com"}, got.ImportantSenders)
	assert.Equal(t, []string{"Urgent"}, got.Keywords.Important)
	assert.Equal(t, []string{"^news", "^NEWS"}, got.AutoArchivePatterns)
	assert.Equal(t, 1.0, got.MinimumImportanceScore)

	got, err = Normalize(core.Preferences{MinimumImportanceScore: -3})
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.MinimumImportanceScore)

	_, err = Normalize(core.Preferences{MinimumImportanceScore: math.NaN()})
	assert.True(t, core.IsValidation(err))
}

func TestCompileRejectsBadPattern(t *testing.T) {
	_, err := Compile(core.Preferences{AutoArchivePatterns: []string{"("}})
	require.Error(t, err)

	var ve *core.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "auto_archive_patterns", ve.Field)
}

func TestSnapshotMatchArchiveIsCaseInsensitive(t *testing.T) {
	s, err := Compile(core.Preferences{AutoArchivePatterns: []string{"newsletter"}})
	require.NoError(t, err)

	pattern, ok := s.MatchArchive("Weekly NEWSLETTER #12", "news@example.com")
	assert.True(t, ok)
	assert.Equal(t, "newsletter", pattern)
}

func TestStoreUsesDefaultsWhenNothingStored(t *testing.T) {
	repo := testutil.NewMemoryPreferences()

	store, err := NewStore(context.Background(), repo, defaultPrefs(), zap.NewNop())
	require.NoError(t, err)

	current := store.Current()
	assert.Equal(t, uint64(0), current.Version())
	assert.Equal(t, 0.6, current.Threshold())
	assert.True(t, current.LLMEnabled())
}

func TestStoreUpdateBumpsVersionAndNotifies(t *testing.T) {
	repo := testutil.NewMemoryPreferences()
	store, err := NewStore(context.Background(), repo, defaultPrefs(), zap.NewNop())
	require.NoError(t, err)

	var notified []uint64
	store.OnUpdate(func(_ context.Context, s *Snapshot) {
		notified = append(notified, s.Version())
	})

	prefs := defaultPrefs()
	prefs.Version = 99
	prefs.BlockedSenders = []string{"spam.example"}

	first, err := store.Update(context.Background(), prefs)
	require.NoError(t, err)
	second, err := store.Update(context.Background(), prefs)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Version())
	assert.Equal(t, uint64(2), second.Version())
	assert.Equal(t, []uint64{1, 2}, notified)

	saved, err := repo.LoadPreferences(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), saved.Version)

	reloaded, err := NewStore(context.Background(), repo, defaultPrefs(), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), reloaded.Current().Version())
	_, blocked := reloaded.Current().MatchBlocked("x@spam.example")
	assert.True(t, blocked)
}

func TestStoreUpdateRejectsInvalidWithoutBump(t *testing.T) {
	store, err := NewStore(context.Background(), testutil.NewMemoryPreferences(), defaultPrefs(), zap.NewNop())
	require.NoError(t, err)

	prefs := defaultPrefs()
	prefs.AutoArchivePatterns = []string{"[unclosed"}
	_, err = store.Update(context.Background(), prefs)

	assert.True(t, core.IsValidation(err))
	assert.Equal(t, uint64(0), store.Current().Version())
}

func TestStoreUpdatePersistenceFailure(t *testing.T) {
	repo := testutil.NewMemoryPreferences()
	repo.SaveErr = errors.New("disk full")
	store, err := NewStore(context.Background(), repo, defaultPrefs(), zap.NewNop())
	require.NoError(t, err)

	_, err = store.Update(context.Background(), defaultPrefs())
	assert.Error(t, err)
	assert.Equal(t, uint64(0), store.Current().Version())
}

func TestMerge(t *testing.T) {
	store, err := NewStore(context.Background(), testutil.NewMemoryPreferences(), core.Preferences{
		MinimumImportanceScore: 0.6,
		Keywords:               core.Keywords{Important: []string{"urgent"}, Spam: []string{"lottery"}},
	}, zap.NewNop())
	require.NoError(t, err)

	patch := map[string]json.RawMessage{
		"minimum_importance_score": json.RawMessage(`0.75`),
		"keywords":                 json.RawMessage(`{"spam":["winner"]}`),
		"unknown_key":              json.RawMessage(`"ignored"`),
	}
	snapshot, err := store.Merge(context.Background(), patch)
	require.NoError(t, err)

	assert.Equal(t, 0.75, snapshot.Threshold())
	assert.Equal(t, []string{"urgent"}, snapshot.ImportantKeywords())
	assert.Equal(t, []string{"winner"}, snapshot.SpamKeywords())
	assert.Equal(t, uint64(1), snapshot.Version())

	_, err = store.Merge(context.Background(), map[string]json.RawMessage{
		"show_promotional": json.RawMessage(`"yes"`),
	})
	assert.True(t, core.IsValidation(err))
}
