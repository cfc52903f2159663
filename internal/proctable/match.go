package proctable

import "strings"

// MatchesAny reports whether cmdline contains one of the patterns.
// Patterns compare against the command line with runs of whitespace collapsed.
func MatchesAny(cmdline string, patterns []string) bool {
	norm := strings.Join(strings.Fields(cmdline), " ")
	for _, p := range patterns {
		if p != "" && strings.Contains(norm, p) {
			return true
		}
	}
	return false
}

// HasToken reports whether token appears in cmdline as a whole argument or
// argument part, bare or as the host of "name@token" (Celery node names such
// as "[celeryd: celery@aber:MainProcess]").
func HasToken(cmdline, token string) bool {
	if token == "" {
		return true
	}
	split := func(r rune) bool {
		switch r {
		case ' ', '\t', ':', '[', ']', ',', '=':
			return true
		}
		return false
	}
	for _, part := range strings.FieldsFunc(cmdline, split) {
		if part == token || strings.HasSuffix(part, "@"+token) {
			return true
		}
	}
	return false
}
