package models

import (
	"sort"
	"time"
)

// TestCase is an executable test discovered in the build tree.
type TestCase struct {
	Name    string
	Command string
}

// Inventory is the set of tests known to the current build, keyed by name.
type Inventory map[string]TestCase

// Names returns the inventory's test names in lexicographic order.
func (inv Inventory) Names() []string {
	names := make([]string, 0, len(inv))
	for name := range inv {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Attempt records one execution of one test.
type Attempt struct {
	Index    int
	Passed   bool
	Duration time.Duration
}

// TestStats summarises the attempts of one test in one run.
type TestStats struct {
	Attempts    int     `json:"attempts"`
	Failures    int     `json:"failures"`
	Instability float64 `json:"instability"`
	Command     *string `json:"command"` // nil when the test definition had no command
}
