package preferences

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/senders"
)

// Snapshot is an immutable, compiled view of one preferences version.
// Every classification call receives the snapshot it must use.
type Snapshot struct {
	prefs            core.Preferences
	importantSenders *senders.Matcher
	blockedSenders   *senders.Matcher
	archivePatterns  []*regexp.Regexp
}

// Compile normalizes and validates prefs and compiles its matchers
func Compile(prefs core.Preferences) (*Snapshot, error) {
	normalized, err := Normalize(prefs)
	if err != nil {
		return nil, err
	}

	important, err := senders.NewMatcher(normalized.ImportantSenders)
	if err != nil {
		return nil, &core.ValidationError{Field: "important_senders", Reason: err.Error()}
	}
	blocked, err := senders.NewMatcher(normalized.BlockedSenders)
	if err != nil {
		return nil, &core.ValidationError{Field: "blocked_senders", Reason: err.Error()}
	}

	patterns := make([]*regexp.Regexp, 0, len(normalized.AutoArchivePatterns))
	for _, pattern := range normalized.AutoArchivePatterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, &core.ValidationError{
				Field:  "auto_archive_patterns",
				Reason: fmt.Sprintf("invalid regex %q: %v", pattern, err),
			}
		}
		patterns = append(patterns, re)
	}

	return &Snapshot{
		prefs:            normalized,
		importantSenders: important,
		blockedSenders:   blocked,
		archivePatterns:  patterns,
	}, nil
}

// Normalize trims members, drops empty ones, removes duplicates and clamps the
// minimum importance score. Senders and keywords are compared case-insensitively,
// patterns exactly.
func Normalize(prefs core.Preferences) (core.Preferences, error) {
	out := prefs.Clone()
	if math.IsNaN(out.MinimumImportanceScore) || math.IsInf(out.MinimumImportanceScore, 0) {
		return core.Preferences{}, &core.ValidationError{
			Field:  "minimum_importance_score",
			Reason: "must be a finite number",
		}
	}
	out.MinimumImportanceScore = math.Max(0, math.Min(1, out.MinimumImportanceScore))
	out.ImportantSenders = dedupe(out.ImportantSenders, strings.ToLower)
	out.BlockedSenders = dedupe(out.BlockedSenders, strings.ToLower)
	out.Keywords.Important = dedupe(out.Keywords.Important, strings.ToLower)
	out.Keywords.Spam = dedupe(out.Keywords.Spam, strings.ToLower)
	out.AutoArchivePatterns = dedupe(out.AutoArchivePatterns, nil)
	return out, nil
}

// dedupe keeps the first occurrence of each trimmed member, comparing by fold when given
func dedupe(values []string, fold func(string) string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		key := v
		if fold != nil {
			key = fold(v)
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Version returns the preferences version of the snapshot
func (s *Snapshot) Version() uint64 {
	return s.prefs.Version
}

// Preferences returns a copy of the normalized preferences
func (s *Snapshot) Preferences() core.Preferences {
	return s.prefs.Clone()
}

// Threshold returns the minimum importance score
func (s *Snapshot) Threshold() float64 {
	return s.prefs.MinimumImportanceScore
}

// ShowPromotional reports whether promotional mail stays in the normal flow
func (s *Snapshot) ShowPromotional() bool {
	return s.prefs.ShowPromotional
}

// LLMEnabled reports whether LLM refinement is enabled
func (s *Snapshot) LLMEnabled() bool {
	return s.prefs.EnableLLMClassification
}

// ImportantKeywords returns the important keyword terms
func (s *Snapshot) ImportantKeywords() []string {
	return s.prefs.Keywords.Important
}

// SpamKeywords returns the spam keyword terms
func (s *Snapshot) SpamKeywords() []string {
	return s.prefs.Keywords.Spam
}

// MatchBlocked returns the blocked sender pattern matching sender
func (s *Snapshot) MatchBlocked(sender string) (string, bool) {
	return s.blockedSenders.Match(sender)
}

// MatchImportant returns the important sender pattern matching sender
func (s *Snapshot) MatchImportant(sender string) (string, bool) {
	return s.importantSenders.Match(sender)
}

// MatchArchive returns the first auto-archive pattern matching any of the values
func (s *Snapshot) MatchArchive(values ...string) (string, bool) {
	for i, re := range s.archivePatterns {
		for _, v := range values {
			if re.MatchString(v) {
				return s.prefs.AutoArchivePatterns[i], true
			}
		}
	}
	return "", false
}

// withVersion returns a copy of the snapshot stamped with version
func (s *Snapshot) withVersion(version uint64) *Snapshot {
	out := *s
	out.prefs = s.prefs.Clone()
	out.prefs.Version = version
	return &out
}
