package classifier

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/preferences"
	"github.com/mikey/mail-triage/internal/rules"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Orchestrator composes the rule engine and the LLM classifier into one
// cached classification per (email id, preferences version)
type Orchestrator struct {
	engine  *rules.Engine
	llm     *LLMClassifier
	cache   core.ClassificationCache
	group   singleflight.Group
	workers int
	logger  *zap.Logger
	now     func() time.Time
}

// NewOrchestrator creates a new classification orchestrator
func NewOrchestrator(engine *rules.Engine, llm *LLMClassifier, cache core.ClassificationCache, workers int, logger *zap.Logger) *Orchestrator {
	if workers <= 0 {
		workers = 1
	}
	return &Orchestrator{
		engine:  engine,
		llm:     llm,
		cache:   cache,
		workers: workers,
		logger:  logger,
		now:     time.Now,
	}
}

// Classify returns the classification of email under snapshot. It never fails:
// refinement and cache errors degrade to the rule-based result.
func (o *Orchestrator) Classify(ctx context.Context, snapshot *preferences.Snapshot, email *core.Email) *core.Classification {
	key := core.CacheKey{EmailID: email.ID, PreferencesVersion: snapshot.Version()}

	cached, err := o.cache.Get(ctx, key)
	if err == nil {
		return cached
	}
	if !errors.Is(err, core.ErrCacheMiss) {
		o.logger.Warn("Failed to read classification cache",
			zap.String("email_id", email.ID),
			zap.Error(err))
	}

	flightKey := email.ID + "@" + strconv.FormatUint(key.PreferencesVersion, 10)
	value, _, _ := o.group.Do(flightKey, func() (interface{}, error) {
		return o.classifyAndStore(ctx, snapshot, email), nil
	})
	return value.(*core.Classification).Clone()
}

func (o *Orchestrator) classifyAndStore(ctx context.Context, snapshot *preferences.Snapshot, email *core.Email) *core.Classification {
	classification, complete := o.compute(ctx, snapshot, email)
	if !complete {
		// The caller went away mid-refinement; leave the key for a later caller
		return classification
	}

	live, err := o.cache.Add(ctx, classification)
	if err != nil {
		o.logger.Warn("Failed to store classification",
			zap.String("email_id", email.ID),
			zap.Error(err))
		return classification
	}
	return live
}

// compute runs the rule engine and, when eligible, the LLM refinement. The
// second return value is false when the context was cancelled during refinement.
func (o *Orchestrator) compute(ctx context.Context, snapshot *preferences.Snapshot, email *core.Email) (*core.Classification, bool) {
	result := o.engine.Evaluate(email, snapshot)
	source := core.SourceRules
	complete := true

	if o.llm.ShouldRefine(snapshot, result) {
		refined, err := o.llm.Refine(ctx, snapshot, email, result)
		switch {
		case err == nil:
			result = refined
			source = core.SourceRulesLLM
		case ctx.Err() != nil:
			complete = false
		default:
			o.logger.Warn("LLM refinement unavailable, keeping rule-based result",
				zap.String("email_id", email.ID),
				zap.Error(err))
		}
	}

	o.logger.Debug("Classified email",
		zap.String("email_id", email.ID),
		zap.Uint64("preferences_version", snapshot.Version()),
		zap.String("label", string(result.Label)),
		zap.Float64("score", result.Score),
		zap.String("source", string(source)))

	return &core.Classification{
		EmailID:            email.ID,
		ImportanceScore:    result.Score,
		RequiresResponse:   result.RequiresResponse,
		Label:              result.Label,
		Source:             source,
		PreferencesVersion: snapshot.Version(),
		Explanation:        result.Explanation,
		ClassifiedAt:       o.now().UTC(),
	}, complete
}

// ClassifyMany classifies emails with bounded concurrency and returns the
// classifications in input order
func (o *Orchestrator) ClassifyMany(ctx context.Context, snapshot *preferences.Snapshot, emails []*core.Email) []*core.Classification {
	results := make([]*core.Classification, len(emails))

	var g errgroup.Group
	g.SetLimit(o.workers)
	for i, email := range emails {
		i, email := i, email
		g.Go(func() error {
			results[i] = o.Classify(ctx, snapshot, email)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Invalidate drops cached classifications of versions older than snapshot
func (o *Orchestrator) Invalidate(ctx context.Context, snapshot *preferences.Snapshot) {
	if err := o.cache.InvalidateBefore(ctx, snapshot.Version()); err != nil {
		o.logger.Warn("Failed to invalidate stale classifications",
			zap.Uint64("preferences_version", snapshot.Version()),
			zap.Error(err))
	}
}

// Evaluate runs only the rule engine, bypassing cache and refinement
func (o *Orchestrator) Evaluate(snapshot *preferences.Snapshot, email *core.Email) rules.Result {
	return o.engine.Evaluate(email, snapshot)
}
