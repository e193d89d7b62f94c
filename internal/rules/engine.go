package rules

import (
	"fmt"
	"math"
	"strings"

	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/preferences"
	"github.com/mikey/mail-triage/internal/utils"
	"golang.org/x/text/cases"
)

// Weights are the score contributions of the rule stages
type Weights struct {
	Base            float64
	ImportantSender float64
	Keyword         float64
	Spam            float64
	SpamCeiling     float64
}

// DefaultWeights returns the stock weights
func DefaultWeights() Weights {
	return Weights{
		Base:            0.5,
		ImportantSender: 0.9,
		Keyword:         0.1,
		Spam:            0.15,
		SpamCeiling:     0.2,
	}
}

// Result is the outcome of evaluating one email
type Result struct {
	Score            float64
	Label            core.Label
	RequiresResponse bool
	Explanation      []string
}

// evaluation is the state threaded through the stages
type evaluation struct {
	email    *core.Email
	snapshot *preferences.Snapshot
	weights  Weights
	fold     cases.Caser
	subject  string
	snippet  string

	score            float64
	label            core.Label
	importantSender  bool
	importantKeyword bool
	spamKeyword      bool
	explanation      []string
	done             bool
}

func (e *evaluation) explain(format string, args ...interface{}) {
	e.explanation = append(e.explanation, fmt.Sprintf(format, args...))
}

type stage struct {
	name string
	run  func(*evaluation)
}

// stages is evaluated in order; a stage may end the evaluation early
var stages = []stage{
	{name: "blocked_sender", run: blockedSender},
	{name: "important_sender", run: importantSender},
	{name: "important_keyword", run: importantKeyword},
	{name: "spam_keyword", run: spamKeyword},
	{name: "auto_archive", run: autoArchive},
	{name: "promotional", run: promotional},
	{name: "threshold", run: threshold},
}

// Precedence returns the stage names in evaluation order
func Precedence() []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.name
	}
	return names
}

// Engine is the deterministic rule-based scorer
type Engine struct {
	weights Weights
	text    *utils.TextProcessor
}

// NewEngine creates a new rule engine
func NewEngine(weights Weights, text *utils.TextProcessor) *Engine {
	if text == nil {
		text = utils.NewTextProcessor(nil)
	}
	return &Engine{weights: weights, text: text}
}

// Evaluate scores email against the snapshot. It performs no I/O and never fails.
func (e *Engine) Evaluate(email *core.Email, snapshot *preferences.Snapshot) Result {
	fold := cases.Fold()
	snippet := email.Snippet
	if snippet == "" {
		snippet = e.text.Snippet(email.Body)
	}

	ev := &evaluation{
		email:    email,
		snapshot: snapshot,
		weights:  e.weights,
		fold:     fold,
		subject:  fold.String(email.Subject),
		snippet:  fold.String(snippet),
	}

	for _, s := range stages {
		s.run(ev)
		if ev.done {
			break
		}
	}

	result := Result{
		Score:       clamp(ev.score),
		Label:       ev.label,
		Explanation: ev.explanation,
	}
	result.RequiresResponse = result.Label == core.LabelImportant && !IsAutomated(email)
	if result.Explanation == nil {
		result.Explanation = []string{}
	}
	return result
}

// Relabel re-decides the label of a refined score among normal, important and promotional
func (e *Engine) Relabel(score float64, promotional bool, snapshot *preferences.Snapshot) core.Label {
	if round(score) >= round(snapshot.Threshold()) {
		return core.LabelImportant
	}
	if promotional && !snapshot.ShowPromotional() {
		return core.LabelPromotional
	}
	return core.LabelNormal
}

func blockedSender(ev *evaluation) {
	if pattern, ok := ev.snapshot.MatchBlocked(ev.email.Sender); ok {
		ev.label = core.LabelBlocked
		ev.score = 0
		ev.explain("blocked_sender: %s", pattern)
		ev.done = true
	}
}

func importantSender(ev *evaluation) {
	if pattern, ok := ev.snapshot.MatchImportant(ev.email.Sender); ok {
		ev.importantSender = true
		ev.score = ev.weights.ImportantSender
		ev.explain("important_sender: %s", pattern)
		return
	}
	ev.score = ev.weights.Base
}

func importantKeyword(ev *evaluation) {
	for _, term := range ev.snapshot.ImportantKeywords() {
		if ev.contains(term) {
			ev.importantKeyword = true
			ev.score = math.Min(1, round(ev.score+ev.weights.Keyword))
			ev.explain("important_keyword: %s", term)
		}
	}
}

func spamKeyword(ev *evaluation) {
	for _, term := range ev.snapshot.SpamKeywords() {
		if ev.contains(term) {
			ev.spamKeyword = true
			ev.score = math.Max(0, round(ev.score-ev.weights.Spam))
			ev.explain("spam_keyword: %s", term)
		}
	}
}

func autoArchive(ev *evaluation) {
	if pattern, ok := ev.snapshot.MatchArchive(ev.email.Subject, ev.email.Sender); ok {
		ev.label = core.LabelAutoArchive
		ev.explain("auto_archive: %s", pattern)
	}
}

func promotional(ev *evaluation) {
	if ev.label != "" || ev.snapshot.ShowPromotional() || ev.importantSender || ev.importantKeyword {
		return
	}
	if marker, ok := promotionalMarker(ev.email); ok {
		ev.label = core.LabelPromotional
		ev.explain("promotional: %s", marker)
	}
}

func threshold(ev *evaluation) {
	if ev.label != "" {
		return
	}
	switch {
	case ev.score >= round(ev.snapshot.Threshold()):
		ev.label = core.LabelImportant
		ev.explain("threshold: %.2f >= %.2f", ev.score, ev.snapshot.Threshold())
	case ev.spamKeyword && ev.score <= round(ev.weights.SpamCeiling):
		ev.label = core.LabelSpam
		ev.explain("threshold: spam %.2f <= %.2f", ev.score, ev.weights.SpamCeiling)
	default:
		ev.label = core.LabelNormal
	}
}

// contains reports whether the folded term occurs in the subject or snippet
func (ev *evaluation) contains(term string) bool {
	folded := ev.fold.String(strings.TrimSpace(term))
	if folded == "" {
		return false
	}
	return strings.Contains(ev.subject, folded) || strings.Contains(ev.snippet, folded)
}

func clamp(score float64) float64 {
	return math.Max(0, math.Min(1, round(score)))
}

// round drops the binary noise of repeated weight sums so scores compare
// exactly against decimal thresholds
func round(score float64) float64 {
	return math.Round(score*1e9) / 1e9
}
