package classifier

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/preferences"
	"github.com/mikey/mail-triage/internal/rules"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LLMClassifier refines borderline rule-based classifications with a language model
type LLMClassifier struct {
	client  core.LLMClient
	limiter *rate.Limiter
	timeout time.Duration
	band    float64
	engine  *rules.Engine
	logger  *zap.Logger
}

// LLMClassifierOptions configures an LLMClassifier
type LLMClassifierOptions struct {
	Timeout       time.Duration
	AmbiguityBand float64
	RateLimit     float64
	Burst         int
}

// NewLLMClassifier creates a new LLM classifier. A nil client yields a
// classifier that never refines.
func NewLLMClassifier(client core.LLMClient, engine *rules.Engine, opts LLMClassifierOptions, logger *zap.Logger) *LLMClassifier {
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &LLMClassifier{
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		timeout: opts.Timeout,
		band:    opts.AmbiguityBand,
		engine:  engine,
		logger:  logger,
	}
}

// ShouldRefine reports whether a rule result is eligible for refinement
func (l *LLMClassifier) ShouldRefine(snapshot *preferences.Snapshot, result rules.Result) bool {
	if l == nil || l.client == nil || !snapshot.LLMEnabled() {
		return false
	}
	if !result.Label.Refinable() {
		return false
	}
	return math.Abs(result.Score-snapshot.Threshold()) <= l.band
}

// Refine asks the model to re-score the email and combines its answer with the
// rule result. Every failure is reported as core.ErrClassifierUnavailable.
func (l *LLMClassifier) Refine(ctx context.Context, snapshot *preferences.Snapshot, email *core.Email, result rules.Result) (rules.Result, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	if err := l.limiter.Wait(ctx); err != nil {
		return result, fmt.Errorf("%w: rate limiter: %v", core.ErrClassifierUnavailable, err)
	}

	refinement, err := l.client.RefineClassification(ctx, &core.RefinementRequest{
		Email:       email,
		RuleScore:   result.Score,
		RuleLabel:   result.Label,
		Threshold:   snapshot.Threshold(),
		Explanation: result.Explanation,
	})
	if err != nil {
		return result, fmt.Errorf("%w: %v", core.ErrClassifierUnavailable, err)
	}
	if refinement == nil || refinement.ImportanceScore < 0 || refinement.ImportanceScore > 1 || math.IsNaN(refinement.ImportanceScore) {
		return result, fmt.Errorf("%w: malformed refinement", core.ErrClassifierUnavailable)
	}

	score := math.Max(0, math.Min(1, (result.Score+refinement.ImportanceScore)/2))
	promotional := refinement.Promotional || result.Label == core.LabelPromotional
	label := l.engine.Relabel(score, promotional, snapshot)

	refined := rules.Result{
		Score:            score,
		Label:            label,
		RequiresResponse: label == core.LabelImportant && refinement.RequiresResponse && !rules.IsAutomated(email),
		Explanation:      append(append([]string(nil), result.Explanation...), "llm: "+rationale(refinement)),
	}

	l.logger.Debug("Refined classification",
		zap.String("email_id", email.ID),
		zap.Float64("rule_score", result.Score),
		zap.Float64("model_score", refinement.ImportanceScore),
		zap.Float64("score", score),
		zap.String("label", string(label)),
		zap.String("model", l.client.Name()))

	return refined, nil
}

func rationale(r *core.Refinement) string {
	if r.Rationale == "" {
		return fmt.Sprintf("score %.2f", r.ImportanceScore)
	}
	return r.Rationale
}
