package extract

import (
	"net/url"
	"path"
	"strings"
)

// PathMatcher drops listing links whose path matches a configured glob
// (excludePaths). With no patterns nothing is excluded.
type PathMatcher struct {
	patterns []string
}

// NewPathMatcher lowercases and keeps the non-empty patterns.
func NewPathMatcher(patterns []string) *PathMatcher {
	m := &PathMatcher{}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			m.patterns = append(m.patterns, p)
		}
	}
	return m
}

// Patterns returns the configured patterns.
func (m *PathMatcher) Patterns() []string {
	if m == nil {
		return nil
	}
	return m.patterns
}

// IsExcluded reports whether rawURL's path matches any pattern. Unparseable
// URLs are excluded.
func (m *PathMatcher) IsExcluded(rawURL string) bool {
	if m == nil || len(m.patterns) == 0 {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	p := strings.ToLower(u.Path)
	for _, pattern := range m.patterns {
		if matchSegmented(pattern, p) {
			return true
		}
	}
	return false
}

// matchSegmented is path.Match plus directory semantics for a trailing
// "/*": "/tags/*" matches "/tags/a/b".
func matchSegmented(pattern, urlPath string) bool {
	if ok, _ := path.Match(pattern, urlPath); ok {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return urlPath == prefix || strings.HasPrefix(urlPath, prefix+"/")
	}
	return false
}
