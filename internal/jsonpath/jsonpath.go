// Package jsonpath resolves dotted field paths such as "data.items[0].name"
// against decoded JSON values.
package jsonpath

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Step is one hop in a path: a field access or an index access.
type Step struct {
	Field string
	Index int
	IsIdx bool
}

// Path is a parsed sequence of steps applied left to right.
type Path []Step

// Parse accepts field(.field|[n])*, a leading [n], and numeric dotted
// segments (items.0.name), which index arrays and also match object keys.
func Parse(path string) (Path, error) {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return Path{}, nil
	}

	var steps Path
	i := 0
	for i < len(path) {
		switch path[i] {
		case '.':
			i++
			if i >= len(path) || path[i] == '.' || path[i] == '[' {
				return nil, eris.Errorf("jsonpath: empty segment at offset %d in %q", i, path)
			}
		case '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, eris.Errorf("jsonpath: unclosed bracket in %q", path)
			}
			n, err := strconv.Atoi(path[i+1 : i+end])
			if err != nil || n < 0 {
				return nil, eris.Errorf("jsonpath: bad index %q in %q", path[i+1:i+end], path)
			}
			steps = append(steps, Step{Index: n, IsIdx: true})
			i += end + 1
			if i < len(path) && path[i] != '.' && path[i] != '[' {
				return nil, eris.Errorf("jsonpath: unexpected %q after index in %q", path[i], path)
			}
		default:
			j := i
			for j < len(path) && path[j] != '.' && path[j] != '[' {
				j++
			}
			seg := path[i:j]
			if n, err := strconv.Atoi(seg); err == nil && n >= 0 {
				steps = append(steps, Step{Field: seg, Index: n, IsIdx: true})
			} else {
				steps = append(steps, Step{Field: seg})
			}
			i = j
		}
	}
	return steps, nil
}

// MustParse is Parse that panics on error. For tests and constants.
func MustParse(path string) Path {
	p, err := Parse(path)
	if err != nil {
		panic(err)
	}
	return p
}

// String renders the path in bracket form.
func (p Path) String() string {
	var b strings.Builder
	for i, s := range p {
		if s.IsIdx && s.Field == "" {
			b.WriteString("[" + strconv.Itoa(s.Index) + "]")
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s.Field)
	}
	return b.String()
}

// Lookup walks v along p. It returns false as soon as any node is missing or
// has the wrong shape; it never panics on malformed input.
func (p Path) Lookup(v any) (any, bool) {
	cur := v
	for _, s := range p {
		switch node := cur.(type) {
		case map[string]any:
			key := s.Field
			if key == "" {
				key = strconv.Itoa(s.Index)
			}
			next, ok := node[key]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			if !s.IsIdx || s.Index >= len(node) {
				return nil, false
			}
			cur = node[s.Index]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Get parses path and looks it up in v. An unparsable path is absent.
func Get(v any, path string) (any, bool) {
	p, err := Parse(path)
	if err != nil {
		return nil, false
	}
	return p.Lookup(v)
}
