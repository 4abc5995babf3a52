package watcher

import (
	"path/filepath"
	"regexp"
	"time"

	"github.com/DrunkOnJava/citygame-hmr/internal/pkgerr"
)

// FilterRule classifies a raw filesystem event, assigning it a priority
// or excluding it outright. Rules are evaluated in registration order;
// the first match wins. Each rule carries a priority, an include/
// exclude flag, and an optional per-rule debounce. The per-rule
// debounce does not change when a batch closes: every bucket closes on
// the watcher's global debounce.
type FilterRule struct {
	Pattern          string
	regex            *regexp.Regexp
	Mask             ChangeMask
	Priority         Priority
	Include          bool
	DebounceOverride time.Duration
}

// NewGlobRule builds a filter rule matched with filepath.Match.
func NewGlobRule(pattern string, mask ChangeMask, priority Priority, include bool) FilterRule {
	return FilterRule{Pattern: pattern, Mask: mask, Priority: priority, Include: include}
}

// NewRegexRule builds a filter rule matched with a compiled regexp.
func NewRegexRule(pattern string, mask ChangeMask, priority Priority, include bool) (FilterRule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return FilterRule{}, pkgerr.Wrap(pkgerr.InvalidArgument, "compile filter rule pattern", err)
	}
	return FilterRule{Pattern: pattern, regex: re, Mask: mask, Priority: priority, Include: include}, nil
}

// WithDebounce returns a copy of the rule carrying a per-rule debounce
// override.
func (r FilterRule) WithDebounce(d time.Duration) FilterRule {
	r.DebounceOverride = d
	return r
}

// matches reports whether the rule applies to path for the given kind.
func (r FilterRule) matches(path string, kind ChangeKind) bool {
	if r.Mask != 0 && r.Mask&maskFor(kind) == 0 {
		return false
	}
	if r.regex != nil {
		return r.regex.MatchString(path)
	}
	base := filepath.Base(path)
	if ok, _ := filepath.Match(r.Pattern, base); ok {
		return true
	}
	ok, _ := filepath.Match(r.Pattern, path)
	return ok
}

// classification is the outcome of walking a rule chain for one event.
type classification struct {
	excluded bool
	priority Priority
	debounce time.Duration
}

// classify walks per-path rules first, then global rules, applying the
// first match found across both, and falling back to defaultPriority
// when nothing matches.
func classify(path string, kind ChangeKind, global, perPath []FilterRule, defaultPriority Priority, defaultDebounce time.Duration) classification {
	for _, chain := range [...][]FilterRule{perPath, global} {
		for _, rule := range chain {
			if !rule.matches(path, kind) {
				continue
			}
			if !rule.Include {
				return classification{excluded: true}
			}
			debounce := defaultDebounce
			if rule.DebounceOverride > 0 {
				debounce = rule.DebounceOverride
			}
			return classification{priority: rule.Priority, debounce: debounce}
		}
	}
	return classification{priority: defaultPriority, debounce: defaultDebounce}
}
