package selector

import "strings"

// MatchesText checks whether pattern matches one of an element's
// text-bearing fields (visible text, accessibility label, placeholder
// hint), the way Maestro's matcher does: regex when the pattern looks
// like one, case-insensitive contains otherwise. exact forces a
// case-sensitive whole-string comparison instead.
func MatchesText(pattern string, exact bool, fields ...string) bool {
	if exact {
		for _, f := range fields {
			if f == pattern {
				return true
			}
		}
		return false
	}

	if LooksLikeRegex(pattern) {
		m, ok := CompileCaseInsensitive(pattern)
		if !ok {
			return matchesLiteral(pattern, fields...)
		}
		for _, f := range fields {
			if f == "" {
				continue
			}
			stripped := strings.ReplaceAll(f, "\n", " ")
			if m.MatchString(f) || m.MatchString(stripped) || pattern == f || pattern == stripped {
				return true
			}
		}
		return false
	}

	return matchesLiteral(pattern, fields...)
}

func matchesLiteral(pattern string, fields ...string) bool {
	for _, f := range fields {
		if containsIgnoreCase(f, pattern) {
			return true
		}
	}
	return false
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// MatchesRegex checks an explicit regex selector field (spec.md's `regex`
// selector key, distinct from the heuristic upgrade of `text`) against the
// given fields, always case-insensitively.
func MatchesRegex(pattern string, fields ...string) bool {
	m, ok := CompileCaseInsensitive(pattern)
	if !ok {
		return false
	}
	for _, f := range fields {
		if f != "" && m.MatchString(f) {
			return true
		}
	}
	return false
}
