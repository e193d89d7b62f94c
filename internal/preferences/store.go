package preferences

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mikey/mail-triage/internal/core"
	"go.uber.org/zap"
)

// UpdateListener is notified after a new preferences version is published
type UpdateListener func(ctx context.Context, snapshot *Snapshot)

// Store holds the current preferences snapshot and applies updates
type Store struct {
	repo      core.PreferenceRepository
	logger    *zap.Logger
	current   atomic.Pointer[Snapshot]
	mu        sync.Mutex
	listeners []UpdateListener
}

// NewStore loads the persisted preferences, falling back to defaults when none are stored
func NewStore(ctx context.Context, repo core.PreferenceRepository, defaults core.Preferences, logger *zap.Logger) (*Store, error) {
	s := &Store{repo: repo, logger: logger}

	prefs := defaults
	stored, err := repo.LoadPreferences(ctx)
	switch {
	case err == nil:
		prefs = *stored
	case errors.Is(err, core.ErrNotFound):
		logger.Info("No stored preferences, using defaults")
	default:
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}

	snapshot, err := Compile(prefs)
	if err != nil {
		return nil, fmt.Errorf("stored preferences are invalid: %w", err)
	}
	s.current.Store(snapshot.withVersion(prefs.Version))

	logger.Info("Preferences loaded",
		zap.Uint64("preferences_version", prefs.Version),
		zap.Int("important_senders", len(snapshot.prefs.ImportantSenders)),
		zap.Int("blocked_senders", len(snapshot.prefs.BlockedSenders)),
		zap.Int("auto_archive_patterns", len(snapshot.prefs.AutoArchivePatterns)))

	return s, nil
}

// OnUpdate registers a listener called after every successful update
func (s *Store) OnUpdate(listener UpdateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// Current returns the current snapshot
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Update validates prefs, assigns the next version, persists and publishes it.
// The version supplied by the caller is ignored.
func (s *Store) Update(ctx context.Context, prefs core.Preferences) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	compiled, err := Compile(prefs)
	if err != nil {
		return nil, err
	}

	next := compiled.withVersion(s.current.Load().Version() + 1)
	stored := next.Preferences()
	if err := s.repo.SavePreferences(ctx, &stored); err != nil {
		return nil, fmt.Errorf("failed to save preferences: %w", err)
	}
	s.current.Store(next)

	s.logger.Info("Preferences updated", zap.Uint64("preferences_version", next.Version()))

	for _, listener := range s.listeners {
		listener(ctx, next)
	}
	return next, nil
}

// Merge applies a partial JSON document onto the current preferences and
// updates the store. Unknown keys are ignored.
func (s *Store) Merge(ctx context.Context, patch map[string]json.RawMessage) (*Snapshot, error) {
	merged, err := MergePatch(s.Current().Preferences(), patch)
	if err != nil {
		return nil, err
	}
	return s.Update(ctx, merged)
}

// MergePatch returns base with every known key of patch applied
func MergePatch(base core.Preferences, patch map[string]json.RawMessage) (core.Preferences, error) {
	out := base.Clone()
	for key, raw := range patch {
		var target interface{}
		switch key {
		case "important_senders":
			target = &out.ImportantSenders
		case "blocked_senders":
			target = &out.BlockedSenders
		case "auto_archive_patterns":
			target = &out.AutoArchivePatterns
		case "minimum_importance_score":
			target = &out.MinimumImportanceScore
		case "show_promotional":
			target = &out.ShowPromotional
		case "enable_llm_classification":
			target = &out.EnableLLMClassification
		case "keywords":
			// Partial keyword objects keep the sets they do not name
			target = &out.Keywords
		default:
			continue
		}
		if err := json.Unmarshal(raw, target); err != nil {
			return core.Preferences{}, &core.ValidationError{Field: key, Reason: err.Error()}
		}
	}
	return out, nil
}
