package patterns

import (
	"regexp"
	"strings"
)

// Matcher returns the names a single source string selects.
type Matcher interface {
	Name() string
	Match(source string, names []string) []string
}

// RegexMatcher treats the source as an RE2 expression searched anywhere in each name.
// Sources that fail to compile match nothing.
type RegexMatcher struct{}

// Name implements Matcher.
func (RegexMatcher) Name() string { return "regex" }

// Match implements Matcher.
func (RegexMatcher) Match(source string, names []string) []string {
	rx, err := regexp.Compile(source)
	if err != nil {
		return nil
	}
	var out []string
	for _, name := range names {
		if rx.MatchString(name) {
			out = append(out, name)
		}
	}
	return out
}

// SubstringMatcher selects names containing the source verbatim.
type SubstringMatcher struct{}

// Name implements Matcher.
func (SubstringMatcher) Name() string { return "substring" }

// Match implements Matcher.
func (SubstringMatcher) Match(source string, names []string) []string {
	if source == "" {
		return nil
	}
	var out []string
	for _, name := range names {
		if strings.Contains(name, source) {
			out = append(out, name)
		}
	}
	return out
}
