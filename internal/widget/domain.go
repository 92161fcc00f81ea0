// ABOUTME: Allow-list pattern matching for widget embed origins
// ABOUTME: Patterns are host[:port] or *.host[:port]; comparison is literal

package widget

import "strings"

// MatchDomain reports whether an origin host[:port] matches an
// allow-list pattern.
//
// Rules:
//   - Exact equality always matches.
//   - "*.base" matches any origin whose host strictly extends base
//     (ends with "."+base). The bare base itself never matches its own
//     wildcard pattern.
//   - A pattern with no port matches an origin on any port; a pattern
//     with an explicit port requires exact port equality.
//
// Comparison is byte-literal: no case folding, no IDN normalization.
// Allow-list entries are expected to be stored in the same form browsers
// send them.
func MatchDomain(origin, pattern string) bool {
	if origin == "" || pattern == "" {
		return false
	}
	if origin == pattern {
		return true
	}

	originHost, originPort := splitHostPort(origin)
	patternHost, patternPort := splitHostPort(pattern)

	if patternPort != "" && patternPort != originPort {
		return false
	}

	if base, ok := strings.CutPrefix(patternHost, "*."); ok {
		return strings.HasSuffix(originHost, "."+base)
	}
	return originHost == patternHost
}

// splitHostPort splits "host[:port]" without net.SplitHostPort's
// requirement that a port be present.
func splitHostPort(s string) (host, port string) {
	if i := strings.LastIndex(s, ":"); i >= 0 && !strings.Contains(s[i+1:], "]") {
		return s[:i], s[i+1:]
	}
	return s, ""
}
