package reconcile

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"confsync/internal/remote"
)

// Filter selects which keys a reconciler manages. Patterns use doublestar
// syntax and match against "category/name". The zero Filter matches
// everything.
type Filter struct {
	patterns []string
}

// NewFilter validates patterns.
func NewFilter(patterns ...string) (Filter, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return Filter{}, fmt.Errorf("invalid include pattern %q", p)
		}
	}
	return Filter{patterns: patterns}, nil
}

// Match reports whether key is included.
func (f Filter) Match(key remote.Key) bool {
	if len(f.patterns) == 0 {
		return true
	}
	s := key.String()
	for _, p := range f.patterns {
		if ok, _ := doublestar.Match(p, s); ok {
			return true
		}
	}
	return false
}

// Patterns returns the include patterns.
func (f Filter) Patterns() []string {
	return append([]string(nil), f.patterns...)
}
