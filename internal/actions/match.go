package actions

import (
	"regexp"
	"sort"
	"strings"

	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/tree"
)

// matcher is a compiled condition evaluated against a tree node.
type matcher interface {
	match(v tree.Value) bool
}

// mapMatcher requires every entry to hold. Entry keys are paths; an entry
// holds when any node addressed by its path satisfies the nested matcher.
type mapMatcher struct {
	entries []mapEntry
}

type mapEntry struct {
	path tree.Path
	cond matcher
}

func (m *mapMatcher) match(v tree.Value) bool {
	if v.IsArray() {
		for _, item := range v.Items() {
			if m.match(item) {
				return true
			}
		}
		return false
	}

	for _, e := range m.entries {
		found := false
		for _, node := range tree.Lookup(v, e.path) {
			if e.cond.match(node) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

// anyMatcher holds when any alternative holds.
type anyMatcher []matcher

func (m anyMatcher) match(v tree.Value) bool {
	for _, alt := range m {
		if alt.match(v) {
			return true
		}
	}
	return false
}

type regexMatcher struct {
	re *regexp.Regexp
}

func (m regexMatcher) match(v tree.Value) bool {
	if v.IsArray() {
		for _, item := range v.Items() {
			if m.match(item) {
				return true
			}
		}
		return false
	}
	if v.IsMap() {
		return false
	}
	return m.re.MatchString(v.String())
}

// equalMatcher compares scalars by their string rendering, so 1, 1.0 and
// "1" are equal.
type equalMatcher struct {
	want string
}

func (m equalMatcher) match(v tree.Value) bool {
	if v.IsArray() {
		for _, item := range v.Items() {
			if m.match(item) {
				return true
			}
		}
		return false
	}
	if v.IsMap() {
		return false
	}
	return v.String() == m.want
}

func compileMapMatcher(cond map[string]any) (*mapMatcher, error) {
	keys := make([]string, 0, len(cond))
	for k := range cond {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	m := &mapMatcher{}
	for _, k := range keys {
		p, err := tree.ParsePath(k)
		if err != nil {
			return nil, err
		}
		c, err := compileMatcher(cond[k])
		if err != nil {
			return nil, err
		}
		m.entries = append(m.entries, mapEntry{path: p, cond: c})
	}

	return m, nil
}

func compileMatcher(cond any) (matcher, error) {
	switch c := cond.(type) {
	case map[string]any:
		return compileMapMatcher(c)
	case map[any]any:
		converted := make(map[string]any, len(c))
		for k, v := range c {
			s, ok := k.(string)
			if !ok {
				return nil, errors.New().WithMessagef(errors.ErrAction, "condition key %v is not a string", k)
			}
			converted[s] = v
		}
		return compileMapMatcher(converted)
	case []any:
		alts := make(anyMatcher, 0, len(c))
		for _, item := range c {
			m, err := compileMatcher(item)
			if err != nil {
				return nil, err
			}
			alts = append(alts, m)
		}
		return alts, nil
	case string:
		if len(c) > 2 && strings.HasPrefix(c, "/") && strings.HasSuffix(c, "/") {
			re, err := regexp.Compile(c[1 : len(c)-1])
			if err != nil {
				return nil, errors.New().Wrapf(errors.ErrAction, err, "invalid pattern %q", c)
			}
			return regexMatcher{re: re}, nil
		}
		return equalMatcher{want: c}, nil
	}

	v, err := tree.FromAny(cond)
	if err != nil {
		return nil, err
	}
	return equalMatcher{want: v.String()}, nil
}
