package watcher

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// DefaultIgnores are skipped unless Options.NoDefaultIgnores is set.
var DefaultIgnores = []string{".git", "node_modules", "*.swp", "*~", ".DS_Store"}

// IgnoreRules filters paths before they reach the debouncer.
// A pattern containing '/' matches the slash path relative to the watch root (or the
// absolute path); any other pattern matches a single path segment.
type IgnoreRules struct {
	patterns []string
	segments []glob.Glob
	paths    []glob.Glob
}

func NewIgnoreRules(patterns []string) (*IgnoreRules, error) {
	rules := &IgnoreRules{}
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		compiled, err := glob.Compile(strings.TrimSuffix(pattern, "/"), '/')
		if err != nil {
			return nil, fmt.Errorf("ignore pattern %q: %w", pattern, err)
		}
		rules.patterns = append(rules.patterns, pattern)
		if strings.Contains(strings.TrimSuffix(pattern, "/"), "/") {
			rules.paths = append(rules.paths, compiled)
		} else {
			rules.segments = append(rules.segments, compiled)
		}
	}
	return rules, nil
}

func (rules *IgnoreRules) Patterns() []string {
	if rules == nil {
		return nil
	}
	return append([]string(nil), rules.patterns...)
}

// Match reports whether path, observed under root, should be ignored.
func (rules *IgnoreRules) Match(root, path string) bool {
	if rules == nil {
		return false
	}
	relative := filepath.ToSlash(path)
	if root != "" {
		if rel, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(rel, "..") {
			relative = filepath.ToSlash(rel)
		}
	}
	if relative == "." {
		return false
	}
	absolute := filepath.ToSlash(path)
	for _, pattern := range rules.paths {
		if pattern.Match(relative) || pattern.Match(absolute) {
			return true
		}
	}
	if len(rules.segments) == 0 {
		return false
	}
	for _, segment := range strings.Split(relative, "/") {
		if segment == "" || segment == "." {
			continue
		}
		for _, pattern := range rules.segments {
			if pattern.Match(segment) {
				return true
			}
		}
	}
	return false
}
