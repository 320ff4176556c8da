package patterns

import (
	"fmt"
	"strings"
)

// Glob is the restricted event-type wildcard grammar: exact match,
// "prefix*", "*suffix", or a single middle "prefix*suffix". Anything with
// more than one star is rejected at compile time — this is deliberately not
// a regex engine.
type Glob struct {
	raw    string
	prefix string
	suffix string
	exact  bool
}

// CompileGlob parses a pattern, rejecting multi-wildcard forms.
func CompileGlob(pattern string) (Glob, error) {
	switch strings.Count(pattern, "*") {
	case 0:
		return Glob{raw: pattern, exact: true}, nil
	case 1:
		idx := strings.IndexByte(pattern, '*')
		return Glob{
			raw:    pattern,
			prefix: pattern[:idx],
			suffix: pattern[idx+1:],
		}, nil
	default:
		return Glob{}, fmt.Errorf("pattern %q: more than one wildcard", pattern)
	}
}

// MustGlob compiles a pattern, panicking on error. For built-in specs.
func MustGlob(pattern string) Glob {
	g, err := CompileGlob(pattern)
	if err != nil {
		panic(err)
	}
	return g
}

// Match reports whether the event type matches the glob.
func (g Glob) Match(eventType string) bool {
	if g.exact {
		return eventType == g.raw
	}
	if len(eventType) < len(g.prefix)+len(g.suffix) {
		return false
	}
	return strings.HasPrefix(eventType, g.prefix) && strings.HasSuffix(eventType, g.suffix)
}

// String returns the original pattern.
func (g Glob) String() string { return g.raw }

// matchesAny reports whether the event type matches any of the globs.
func matchesAny(globs []Glob, eventType string) bool {
	for _, g := range globs {
		if g.Match(eventType) {
			return true
		}
	}
	return false
}
