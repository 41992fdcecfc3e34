package bridge

import "strings"

// DefaultFarewellPhrases is the closing-phrase vocabulary used when none is
// configured.
var DefaultFarewellPhrases = []string{
	"goodbye",
	"bye",
	"see you",
	"farewell",
	"take care",
	"so long",
}

// FarewellMatcher detects closing phrases in transcript segments.
type FarewellMatcher struct {
	phrases []string
}

// NewFarewellMatcher builds a matcher over phrases. Empty phrases are
// skipped; a nil or empty list selects [DefaultFarewellPhrases].
func NewFarewellMatcher(phrases []string) *FarewellMatcher {
	if len(phrases) == 0 {
		phrases = DefaultFarewellPhrases
	}
	m := &FarewellMatcher{phrases: make([]string, 0, len(phrases))}
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			m.phrases = append(m.phrases, p)
		}
	}
	return m
}

// Match reports whether text contains any phrase, case-insensitively, and
// returns the first phrase found.
func (m *FarewellMatcher) Match(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, p := range m.phrases {
		if strings.Contains(lower, p) {
			return p, true
		}
	}
	return "", false
}
