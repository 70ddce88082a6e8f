// Package fs matches contacts against user-supplied exclusion globs.
package fs

import (
	"path"
	"strings"
)

// excludePattern is a parsed pattern with the field it applies to.
type excludePattern struct {
	pattern string
	byLabel bool // true = match against the display label; false = the contact ID
}

// ExcludeMatcher checks contacts against a set of glob patterns.
// Patterns prefixed with "label:" match the contact's display label;
// all others match its ID. Matching is case-sensitive.
type ExcludeMatcher struct {
	patterns []excludePattern
}

// NewExcludeMatcher creates an ExcludeMatcher from raw pattern strings.
// Blank entries and entries starting with '#' are skipped.
func NewExcludeMatcher(rawPatterns []string) *ExcludeMatcher {
	var patterns []excludePattern
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		if label, ok := strings.CutPrefix(raw, "label:"); ok {
			patterns = append(patterns, excludePattern{pattern: label, byLabel: true})
			continue
		}
		patterns = append(patterns, excludePattern{pattern: raw})
	}
	return &ExcludeMatcher{patterns: patterns}
}

// Empty reports whether the matcher has no patterns.
func (m *ExcludeMatcher) Empty() bool {
	return m == nil || len(m.patterns) == 0
}

// Match reports whether a contact with the given ID and label is excluded.
func (m *ExcludeMatcher) Match(id, label string) bool {
	if m.Empty() {
		return false
	}

	for _, p := range m.patterns {
		subject := id
		if p.byLabel {
			subject = label
		}
		matched, err := path.Match(p.pattern, subject)
		if err != nil {
			// Bad pattern, skip rather than fail the run.
			continue
		}
		if matched {
			return true
		}
	}
	return false
}
