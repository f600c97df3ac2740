package install

import (
	"fmt"
	"path/filepath"
	"strings"
)

// AllowList is a set of case-insensitive filename globs. A top-level entry of
// a managed directory survives an install when its base name matches any of
// them.
type AllowList struct {
	patterns []string
}

// NewAllowList validates patterns with filepath.Match syntax.
func NewAllowList(patterns []string) (AllowList, error) {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, err := filepath.Match(p, ""); err != nil {
			return AllowList{}, fmt.Errorf("invalid allow-list pattern %q: %w", p, err)
		}
		out = append(out, p)
	}
	return AllowList{patterns: out}, nil
}

// Match reports whether name matches any pattern.
func (a AllowList) Match(name string) bool {
	name = strings.ToLower(filepath.Base(name))
	for _, p := range a.patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Len is the number of patterns.
func (a AllowList) Len() int { return len(a.patterns) }
