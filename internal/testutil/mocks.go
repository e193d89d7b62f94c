// Package testutil holds hand-written fakes shared by package tests.
package testutil

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mikey/mail-triage/internal/core"
)

// MockLLMClient is a core.LLMClient whose behaviour is set per test
type MockLLMClient struct {
	RefineFunc func(ctx context.Context, req *core.RefinementRequest) (*core.Refinement, error)
	DraftFunc  func(ctx context.Context, req *core.ReplyRequest) (string, error)
	ModelName  string

	refineCalls atomic.Int32
	draftCalls  atomic.Int32
}

// RefineClassification calls RefineFunc
func (m *MockLLMClient) RefineClassification(ctx context.Context, req *core.RefinementRequest) (*core.Refinement, error) {
	m.refineCalls.Add(1)
	if m.RefineFunc == nil {
		return nil, core.ErrClassifierUnavailable
	}
	return m.RefineFunc(ctx, req)
}

// DraftReply calls DraftFunc
func (m *MockLLMClient) DraftReply(ctx context.Context, req *core.ReplyRequest) (string, error) {
	m.draftCalls.Add(1)
	if m.DraftFunc == nil {
		return "", core.ErrGenerationFailed
	}
	return m.DraftFunc(ctx, req)
}

// Name returns ModelName, defaulting to "mock"
func (m *MockLLMClient) Name() string {
	if m.ModelName == "" {
		return "mock"
	}
	return m.ModelName
}

// RefineCalls returns how many refinements were requested
func (m *MockLLMClient) RefineCalls() int {
	return int(m.refineCalls.Load())
}

// DraftCalls returns how many drafts were requested
func (m *MockLLMClient) DraftCalls() int {
	return int(m.draftCalls.Load())
}

// MockPreferenceRepository keeps preferences in memory
type MockPreferenceRepository struct {
	mu      sync.Mutex
	prefs   *core.Preferences
	SaveErr error
	LoadErr error
}

// NewMemoryPreferences returns an empty preference repository
func NewMemoryPreferences() *MockPreferenceRepository {
	return &MockPreferenceRepository{}
}

// LoadPreferences returns the saved preferences or core.ErrNotFound
func (m *MockPreferenceRepository) LoadPreferences(_ context.Context) (*core.Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	if m.prefs == nil {
		return nil, core.ErrNotFound
	}
	out := m.prefs.Clone()
	return &out, nil
}

// SavePreferences stores a copy of prefs
func (m *MockPreferenceRepository) SavePreferences(_ context.Context, prefs *core.Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	out := prefs.Clone()
	m.prefs = &out
	return nil
}

// MockClassificationCache wraps optional function fields around a
// first-writer-wins map
type MockClassificationCache struct {
	GetErr error
	AddErr error

	mu      sync.Mutex
	entries map[core.CacheKey]*core.Classification
	adds    int
}

// NewMockClassificationCache returns an empty cache
func NewMockClassificationCache() *MockClassificationCache {
	return &MockClassificationCache{entries: make(map[core.CacheKey]*core.Classification)}
}

// Get returns the stored entry or core.ErrCacheMiss
func (m *MockClassificationCache) Get(_ context.Context, key core.CacheKey) (*core.Classification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	if c, ok := m.entries[key]; ok {
		return c.Clone(), nil
	}
	return nil, core.ErrCacheMiss
}

// Add stores c unless an entry exists and returns the live one
func (m *MockClassificationCache) Add(_ context.Context, c *core.Classification) (*core.Classification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AddErr != nil {
		return nil, m.AddErr
	}
	m.adds++
	if existing, ok := m.entries[c.Key()]; ok {
		return existing.Clone(), nil
	}
	m.entries[c.Key()] = c.Clone()
	return c.Clone(), nil
}

// InvalidateBefore drops entries older than version
func (m *MockClassificationCache) InvalidateBefore(_ context.Context, version uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.entries {
		if key.PreferencesVersion < version {
			delete(m.entries, key)
		}
	}
	return nil
}

// Cleanup is a no-op
func (m *MockClassificationCache) Cleanup(_ context.Context) error {
	return nil
}

// Len returns the number of live entries
func (m *MockClassificationCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
