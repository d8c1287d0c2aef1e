// Package selector implements the platform-agnostic selector resolution
// and polling layer: given a core.UiTree snapshot and a flow.Selector, find
// the matching element(s) the way Maestro's matcher does, but without
// depending on any concrete platform's hierarchy format.
package selector

import (
	"regexp"
	"strings"

	"github.com/dlclark/regexp2"
)

// LooksLikeRegex reports whether pattern contains regex metacharacters
// that a literal selector string wouldn't normally include, matching the
// heuristic Maestro uses to decide whether a bare text selector should be
// treated as a regex.
func LooksLikeRegex(pattern string) bool {
	markers := []string{".*", ".+", `\d+`, `\d{`, "^", "$", "[", "(", "|"}
	for _, m := range markers {
		if strings.Contains(pattern, m) {
			return true
		}
	}
	return false
}

// CompileCaseInsensitive compiles pattern as a case-insensitive regex,
// falling back to github.com/dlclark/regexp2 (which supports lookaround
// and backreferences RE2 rejects) when the standard library can't compile
// it. Returns nil, false if neither engine can compile the pattern.
func CompileCaseInsensitive(pattern string) (Matcher, bool) {
	if re, err := regexp.Compile("(?i)" + pattern); err == nil {
		return reMatcher{re}, true
	}
	if re2, err := regexp2.Compile(pattern, regexp2.IgnoreCase); err == nil {
		return re2Matcher{re2}, true
	}
	return nil, false
}

// Matcher abstracts over regexp.Regexp and regexp2.Regexp so callers don't
// need to care which engine compiled a given pattern.
type Matcher interface {
	MatchString(s string) bool
}

type reMatcher struct{ re *regexp.Regexp }

func (m reMatcher) MatchString(s string) bool { return m.re.MatchString(s) }

type re2Matcher struct{ re *regexp2.Regexp }

func (m re2Matcher) MatchString(s string) bool {
	ok, _ := m.re.MatchString(s)
	return ok
}
