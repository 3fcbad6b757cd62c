// Package selection restricts a poll cycle to configured tests and locations.
package selection

import (
	"errors"
	"fmt"
	"slices"

	"github.com/withObsrvr/obsrvr-har-harvester/internal/synthetics"
)

// ErrConflictingRules is returned when two rules name the same test.
var ErrConflictingRules = errors.New("selection rules conflict")

// Rule selects one test by name or id, optionally narrowed to locations.
type Rule struct {
	Name      string   `yaml:"name"`
	TestID    int64    `yaml:"test_id"`
	Locations []string `yaml:"locations"` // empty = every location
}

func (r Rule) String() string {
	if r.TestID != 0 {
		return fmt.Sprintf("test %d", r.TestID)
	}
	return fmt.Sprintf("test %q", r.Name)
}

// Outcome says why a test was or was not selected.
type Outcome int

const (
	Selected Outcome = iota
	NotSelected
	NoLocation // test selected but none of its locations allowed
)

// Selector decides which inventory tests a cycle processes. A zero rule set
// selects everything.
type Selector struct {
	byName map[string]Rule
	byID   map[int64]Rule
}

// New builds a selector from plain test names plus detailed rules.
func New(names []string, rules []Rule) (*Selector, error) {
	all := make([]Rule, 0, len(names)+len(rules))
	for _, n := range names {
		all = append(all, Rule{Name: n})
	}
	all = append(all, rules...)

	s := &Selector{
		byName: make(map[string]Rule),
		byID:   make(map[int64]Rule),
	}
	for _, r := range all {
		switch {
		case r.TestID != 0:
			if prev, ok := s.byID[r.TestID]; ok {
				return nil, fmt.Errorf("%w: %s listed twice (%v, %v)", ErrConflictingRules, r, prev.Locations, r.Locations)
			}
			s.byID[r.TestID] = r
		case r.Name != "":
			if prev, ok := s.byName[r.Name]; ok {
				return nil, fmt.Errorf("%w: %s listed twice (%v, %v)", ErrConflictingRules, r, prev.Locations, r.Locations)
			}
			s.byName[r.Name] = r
		default:
			return nil, errors.New("selection rule needs a name or test_id")
		}
	}
	return s, nil
}

// All reports whether every test is selected.
func (s *Selector) All() bool {
	return s == nil || (len(s.byName) == 0 && len(s.byID) == 0)
}

// Len returns the number of rules.
func (s *Selector) Len() int {
	if s == nil {
		return 0
	}
	return len(s.byName) + len(s.byID)
}

// Match applies the rules to test. On Selected the returned descriptor has
// its locations narrowed to the allowed ones, in inventory order.
func (s *Selector) Match(test synthetics.TestDescriptor) (synthetics.TestDescriptor, Outcome) {
	if s.All() {
		return test, Selected
	}

	rule, ok := s.byID[test.ID]
	if !ok {
		rule, ok = s.byName[test.Name]
	}
	if !ok {
		return test, NotSelected
	}
	if len(rule.Locations) == 0 {
		return test, Selected
	}

	var locs []string
	for _, loc := range test.Locations {
		if slices.Contains(rule.Locations, loc) {
			locs = append(locs, loc)
		}
	}
	if len(locs) == 0 {
		return test, NoLocation
	}
	test.Locations = locs
	return test, Selected
}
