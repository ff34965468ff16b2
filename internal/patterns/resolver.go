package patterns

import (
	"log/slog"
	"sort"

	"github.com/miradorstack/flakeguard/internal/models"
)

// Resolution is the outcome of mapping patterns onto an inventory.
type Resolution struct {
	// Tests is the deduplicated, sorted run set.
	Tests []string
	// PerPattern lists the tests each pattern selected, keyed by Pattern.Raw.
	PerPattern map[string][]string
	// Strategy records which matcher produced each pattern's selection.
	Strategy map[string]string
}

// Empty reports whether no pattern selected any test.
func (r Resolution) Empty() bool { return len(r.Tests) == 0 }

// Resolver maps flaky patterns to concrete tests by trying matchers in priority order.
type Resolver struct {
	matchers []Matcher
	logger   *slog.Logger
}

// NewResolver constructs a Resolver. With no matchers it uses regex search, then substring.
func NewResolver(logger *slog.Logger, matchers ...Matcher) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if len(matchers) == 0 {
		matchers = []Matcher{RegexMatcher{}, SubstringMatcher{}}
	}
	return &Resolver{matchers: matchers, logger: logger}
}

// Match returns the names selected by p and the matcher that selected them. The first
// matcher to select anything for any candidate wins; later matchers are fallbacks.
func (r *Resolver) Match(p models.Pattern, names []string) ([]string, string) {
	for _, m := range r.matchers {
		for _, candidate := range p.Candidates {
			if matched := m.Match(candidate, names); len(matched) > 0 {
				return matched, m.Name()
			}
		}
	}
	return nil, ""
}

// Resolve maps every pattern onto names and unions the selections.
func (r *Resolver) Resolve(patterns []models.Pattern, names []string) Resolution {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	res := Resolution{
		PerPattern: make(map[string][]string, len(patterns)),
		Strategy:   make(map[string]string, len(patterns)),
	}
	selected := make(map[string]struct{})
	for _, p := range patterns {
		matched, strategy := r.Match(p, sorted)
		if len(matched) == 0 {
			r.logger.Debug("pattern matched no tests", slog.String("pattern", p.Raw))
			continue
		}
		res.PerPattern[p.Raw] = matched
		res.Strategy[p.Raw] = strategy
		for _, name := range matched {
			selected[name] = struct{}{}
		}
	}

	res.Tests = make([]string, 0, len(selected))
	for name := range selected {
		res.Tests = append(res.Tests, name)
	}
	sort.Strings(res.Tests)
	return res
}
