package classifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/preferences"
	"github.com/mikey/mail-triage/internal/rules"
	"github.com/mikey/mail-triage/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func compile(t *testing.T, prefs core.Preferences) *preferences.Snapshot {
	t.Helper()
	s, err := preferences.Compile(prefs)
	require.NoError(t, err)
	return s
}

func llmPrefs() core.Preferences {
	return core.Preferences{
		ImportantSenders:        []string{"boss@co.com"},
		Keywords:                core.Keywords{Important: []string{"urgent"}},
		MinimumImportanceScore:  0.6,
		EnableLLMClassification: true,
	}
}

func newOrchestrator(client core.LLMClient, cache core.ClassificationCache) *Orchestrator {
	engine := rules.NewEngine(rules.DefaultWeights(), nil)
	var llm *LLMClassifier
	if client != nil {
		llm = NewLLMClassifier(client, engine, LLMClassifierOptions{
			Timeout:       time.Second,
			AmbiguityBand: 0.15,
		}, zap.NewNop())
	}
	return NewOrchestrator(engine, llm, cache, 4, zap.NewNop())
}

func TestClassifyIsIdempotentPerVersion(t *testing.T) {
	cache := testutil.NewMockClassificationCache()
	o := newOrchestrator(nil, cache)
	snapshot := compile(t, llmPrefs())
	email := &core.Email{ID: "m1", Sender: "assistant@co.com", Subject: "urgent: budget"}

	first := o.Classify(context.Background(), snapshot, email)
	second := o.Classify(context.Background(), snapshot, email)

	assert.Equal(t, first, second)
	assert.Equal(t, core.LabelImportant, first.Label)
	assert.Equal(t, core.SourceRules, first.Source)
	assert.Equal(t, uint64(0), first.PreferencesVersion)
	assert.Equal(t, 1, cache.Len())
}

func TestClassifyRefinesBorderlineEmails(t *testing.T) {
	client := &testutil.MockLLMClient{
		RefineFunc: func(_ context.Context, req *core.RefinementRequest) (*core.Refinement, error) {
			assert.Equal(t, 0.5, req.RuleScore)
			assert.Equal(t, 0.6, req.Threshold)
			return &core.Refinement{ImportanceScore: 0.9, RequiresResponse: true, Rationale: "direct question"}, nil
		},
	}
	o := newOrchestrator(client, testutil.NewMockClassificationCache())
	snapshot := compile(t, llmPrefs())

	c := o.Classify(context.Background(), snapshot, &core.Email{ID: "m1", Sender: "colleague@co.com", Subject: "quick question"})

	assert.Equal(t, core.SourceRulesLLM, c.Source)
	assert.InDelta(t, 0.7, c.ImportanceScore, 1e-9)
	assert.Equal(t, core.LabelImportant, c.Label)
	assert.True(t, c.RequiresResponse)
	assert.Equal(t, "llm: direct question", c.Explanation[len(c.Explanation)-1])
	assert.Equal(t, 1, client.RefineCalls())
}

func TestClassifySkipsRefinementOutsideBand(t *testing.T) {
	client := &testutil.MockLLMClient{
		RefineFunc: func(context.Context, *core.RefinementRequest) (*core.Refinement, error) {
			return &core.Refinement{ImportanceScore: 0}, nil
		},
	}
	o := newOrchestrator(client, testutil.NewMockClassificationCache())
	snapshot := compile(t, llmPrefs())

	c := o.Classify(context.Background(), snapshot, &core.Email{ID: "m1", Sender: "boss@co.com", Subject: "hi"})
	assert.Equal(t, core.SourceRules, c.Source)
	assert.Equal(t, 0, client.RefineCalls())

	disabled := llmPrefs()
	disabled.EnableLLMClassification = false
	c = o.Classify(context.Background(), compile(t, disabled), &core.Email{ID: "m2", Sender: "x@y.com", Subject: "hi"})
	assert.Equal(t, core.SourceRules, c.Source)
	assert.Equal(t, 0, client.RefineCalls())
}

func TestClassifyNeverRefinesBlockedOrArchived(t *testing.T) {
	client := &testutil.MockLLMClient{
		RefineFunc: func(context.Context, *core.RefinementRequest) (*core.Refinement, error) {
			return &core.Refinement{ImportanceScore: 1}, nil
		},
	}
	o := newOrchestrator(client, testutil.NewMockClassificationCache())
	prefs := llmPrefs()
	prefs.BlockedSenders = []string{"spam.biz"}
	prefs.AutoArchivePatterns = []string{"newsletter"}
	prefs.MinimumImportanceScore = 0.1
	snapshot := compile(t, prefs)

	blocked := o.Classify(context.Background(), snapshot, &core.Email{ID: "b", Sender: "x@spam.biz"})
	archived := o.Classify(context.Background(), snapshot, &core.Email{ID: "a", Sender: "x@news.com", Subject: "newsletter"})

	assert.Equal(t, core.LabelBlocked, blocked.Label)
	assert.Equal(t, core.LabelAutoArchive, archived.Label)
	assert.Equal(t, 0, client.RefineCalls())
}

func TestClassifyFallsBackWhenLLMFails(t *testing.T) {
	tests := []struct {
		name   string
		refine func(ctx context.Context, req *core.RefinementRequest) (*core.Refinement, error)
	}{
		{
			name: "provider error",
			refine: func(context.Context, *core.RefinementRequest) (*core.Refinement, error) {
				return nil, errors.New("503 from provider")
			},
		},
		{
			name: "timeout",
			refine: func(ctx context.Context, _ *core.RefinementRequest) (*core.Refinement, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
		{
			name: "malformed score",
			refine: func(context.Context, *core.RefinementRequest) (*core.Refinement, error) {
				return &core.Refinement{ImportanceScore: 3}, nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := rules.NewEngine(rules.DefaultWeights(), nil)
			llm := NewLLMClassifier(&testutil.MockLLMClient{RefineFunc: tt.refine}, engine, LLMClassifierOptions{
				Timeout:       20 * time.Millisecond,
				AmbiguityBand: 0.15,
			}, zap.NewNop())
			o := NewOrchestrator(engine, llm, testutil.NewMockClassificationCache(), 2, zap.NewNop())
			snapshot := compile(t, llmPrefs())
			email := &core.Email{ID: "m1", Sender: "assistant@co.com", Subject: "urgent: budget"}

			c := o.Classify(context.Background(), snapshot, email)
			want := engine.Evaluate(email, snapshot)

			assert.Equal(t, core.SourceRules, c.Source)
			assert.Equal(t, want.Label, c.Label)
			assert.Equal(t, want.Score, c.ImportanceScore)
			assert.Equal(t, want.Explanation, c.Explanation)
		})
	}
}

func TestLLMRefineWrapsErrors(t *testing.T) {
	engine := rules.NewEngine(rules.DefaultWeights(), nil)
	llm := NewLLMClassifier(&testutil.MockLLMClient{
		RefineFunc: func(context.Context, *core.RefinementRequest) (*core.Refinement, error) {
			return nil, errors.New("boom")
		},
	}, engine, LLMClassifierOptions{AmbiguityBand: 0.15}, zap.NewNop())
	snapshot := compile(t, llmPrefs())
	email := &core.Email{ID: "m1", Sender: "x@y.com"}

	_, err := llm.Refine(context.Background(), snapshot, email, engine.Evaluate(email, snapshot))
	assert.ErrorIs(t, err, core.ErrClassifierUnavailable)
}

func TestLLMRefineRelabelsPromotional(t *testing.T) {
	engine := rules.NewEngine(rules.DefaultWeights(), nil)
	llm := NewLLMClassifier(&testutil.MockLLMClient{
		RefineFunc: func(context.Context, *core.RefinementRequest) (*core.Refinement, error) {
			return &core.Refinement{ImportanceScore: 0.2, Promotional: true, Rationale: "marketing"}, nil
		},
	}, engine, LLMClassifierOptions{AmbiguityBand: 0.15}, zap.NewNop())
	snapshot := compile(t, llmPrefs())
	email := &core.Email{ID: "m1", Sender: "x@y.com", Subject: "hello"}

	refined, err := llm.Refine(context.Background(), snapshot, email, engine.Evaluate(email, snapshot))
	require.NoError(t, err)
	assert.Equal(t, core.LabelPromotional, refined.Label)
	assert.InDelta(t, 0.35, refined.Score, 1e-9)
	assert.False(t, refined.RequiresResponse)
}

func TestPreferenceUpdateInvalidatesCache(t *testing.T) {
	cache := testutil.NewMockClassificationCache()
	o := newOrchestrator(nil, cache)
	email := &core.Email{ID: "m1", Sender: "someone@co.com", Subject: "hello"}

	store, err := preferences.NewStore(context.Background(), testutil.NewMemoryPreferences(), llmPrefs(), zap.NewNop())
	require.NoError(t, err)
	store.OnUpdate(o.Invalidate)

	before := o.Classify(context.Background(), store.Current(), email)
	assert.Equal(t, core.LabelNormal, before.Label)

	updated := llmPrefs()
	updated.ImportantSenders = append(updated.ImportantSenders, "someone@co.com")
	_, err = store.Update(context.Background(), updated)
	require.NoError(t, err)

	after := o.Classify(context.Background(), store.Current(), email)
	assert.Equal(t, core.LabelImportant, after.Label)
	assert.Equal(t, uint64(1), after.PreferencesVersion)
	assert.Equal(t, 1, cache.Len())

	_, err = cache.Get(context.Background(), core.CacheKey{EmailID: "m1", PreferencesVersion: 0})
	assert.ErrorIs(t, err, core.ErrCacheMiss)
}

func TestConcurrentClassifyConverges(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	client := &testutil.MockLLMClient{
		RefineFunc: func(context.Context, *core.RefinementRequest) (*core.Refinement, error) {
			n := calls.Add(1)
			<-release
			return &core.Refinement{ImportanceScore: float64(n) / 10, Rationale: fmt.Sprint(n)}, nil
		},
	}
	o := newOrchestrator(client, testutil.NewMockClassificationCache())
	snapshot := compile(t, llmPrefs())
	email := &core.Email{ID: "m1", Sender: "x@y.com", Subject: "hello"}

	var wg sync.WaitGroup
	results := make([]*core.Classification, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = o.Classify(context.Background(), snapshot, email)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, results[0].ImportanceScore, r.ImportanceScore)
		assert.Equal(t, results[0].Explanation, r.Explanation)
	}
}

func TestClassifyManyPreservesOrder(t *testing.T) {
	o := newOrchestrator(nil, testutil.NewMockClassificationCache())
	snapshot := compile(t, llmPrefs())

	emails := make([]*core.Email, 20)
	for i := range emails {
		sender := "x@y.com"
		if i%3 == 0 {
			sender = "boss@co.com"
		}
		emails[i] = &core.Email{ID: fmt.Sprintf("m%d", i), Sender: sender}
	}

	results := o.ClassifyMany(context.Background(), snapshot, emails)
	require.Len(t, results, len(emails))
	for i, r := range results {
		assert.Equal(t, emails[i].ID, r.EmailID)
		if i%3 == 0 {
			assert.Equal(t, core.LabelImportant, r.Label)
		} else {
			assert.Equal(t, core.LabelNormal, r.Label)
		}
	}
}

func TestClassifyManyIsolatesFailures(t *testing.T) {
	client := &testutil.MockLLMClient{
		RefineFunc: func(_ context.Context, req *core.RefinementRequest) (*core.Refinement, error) {
			if req.Email.ID == "bad" {
				return nil, errors.New("provider rejected input")
			}
			return &core.Refinement{ImportanceScore: 0.9}, nil
		},
	}
	o := newOrchestrator(client, testutil.NewMockClassificationCache())
	snapshot := compile(t, llmPrefs())

	results := o.ClassifyMany(context.Background(), snapshot, []*core.Email{
		{ID: "good", Sender: "x@y.com"},
		{ID: "bad", Sender: "x@y.com"},
	})

	assert.Equal(t, core.SourceRulesLLM, results[0].Source)
	assert.Equal(t, core.SourceRules, results[1].Source)
	assert.Equal(t, core.LabelNormal, results[1].Label)
}

func TestCacheErrorsAreNotSurfaced(t *testing.T) {
	cache := testutil.NewMockClassificationCache()
	cache.GetErr = errors.New("connection reset")
	cache.AddErr = errors.New("connection reset")
	o := newOrchestrator(nil, cache)

	c := o.Classify(context.Background(), compile(t, llmPrefs()), &core.Email{ID: "m1", Sender: "boss@co.com"})
	require.NotNil(t, c)
	assert.Equal(t, core.LabelImportant, c.Label)
}

func TestClassifyManyBoundsConcurrency(t *testing.T) {
	tests := []struct {
		name    string
		workers int
		emails  int
	}{
		{name: "single worker", workers: 1, emails: 6},
		{name: "fewer workers than emails", workers: 3, emails: 12},
		{name: "more workers than emails", workers: 8, emails: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var inFlight, peak atomic.Int32
			client := &testutil.MockLLMClient{
				RefineFunc: func(context.Context, *core.RefinementRequest) (*core.Refinement, error) {
					n := inFlight.Add(1)
					defer inFlight.Add(-1)
					for {
						p := peak.Load()
						if n <= p || peak.CompareAndSwap(p, n) {
							break
						}
					}
					time.Sleep(10 * time.Millisecond)
					return &core.Refinement{ImportanceScore: 0.9}, nil
				},
			}
			engine := rules.NewEngine(rules.DefaultWeights(), nil)
			llm := NewLLMClassifier(client, engine, LLMClassifierOptions{
				Timeout:       time.Second,
				AmbiguityBand: 0.15,
			}, zap.NewNop())
			o := NewOrchestrator(engine, llm, testutil.NewMockClassificationCache(), tt.workers, zap.NewNop())

			emails := make([]*core.Email, tt.emails)
			for i := range emails {
				emails[i] = &core.Email{ID: fmt.Sprintf("m%d", i), Sender: "x@y.com", Subject: "hello"}
			}
			results := o.ClassifyMany(context.Background(), compile(t, llmPrefs()), emails)

			require.Len(t, results, tt.emails)
			assert.Equal(t, tt.emails, client.RefineCalls())
			assert.LessOrEqual(t, int(peak.Load()), tt.workers)
			assert.GreaterOrEqual(t, int(peak.Load()), 1)
			for _, r := range results {
				assert.Equal(t, core.SourceRulesLLM, r.Source)
			}
		})
	}
}

func TestClassifyFallsBackWhenRateLimited(t *testing.T) {
	client := &testutil.MockLLMClient{
		RefineFunc: func(context.Context, *core.RefinementRequest) (*core.Refinement, error) {
			return &core.Refinement{ImportanceScore: 0.9}, nil
		},
	}
	engine := rules.NewEngine(rules.DefaultWeights(), nil)
	llm := NewLLMClassifier(client, engine, LLMClassifierOptions{
		Timeout:       20 * time.Millisecond,
		AmbiguityBand: 0.15,
		RateLimit:     0.001,
		Burst:         1,
	}, zap.NewNop())
	o := NewOrchestrator(engine, llm, testutil.NewMockClassificationCache(), 1, zap.NewNop())
	snapshot := compile(t, llmPrefs())

	tests := []struct {
		id         string
		wantSource core.ClassificationSource
	}{
		{id: "m1", wantSource: core.SourceRulesLLM},
		{id: "m2", wantSource: core.SourceRules},
		{id: "m3", wantSource: core.SourceRules},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			email := &core.Email{ID: tt.id, Sender: "x@y.com", Subject: "hello"}
			c := o.Classify(context.Background(), snapshot, email)
			assert.Equal(t, tt.wantSource, c.Source)
			if tt.wantSource == core.SourceRules {
				assert.Equal(t, engine.Evaluate(email, snapshot).Score, c.ImportanceScore)
			}
		})
	}
	assert.Equal(t, 1, client.RefineCalls(), "limited requests never reach the provider")

	_, err := llm.Refine(context.Background(), snapshot, &core.Email{ID: "m4", Sender: "x@y.com"}, rules.Result{Score: 0.5, Label: core.LabelNormal})
	assert.ErrorIs(t, err, core.ErrClassifierUnavailable)
}
