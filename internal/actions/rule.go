// Package actions transforms data trees through ordered filter, match and
// tag rules.
package actions

import (
	"regexp"
	"sort"
	"strings"

	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/tree"
)

// Rule is one declared action. A rule applies when its predicates hold
// (always, without predicates) and then filters the tree with Include or
// Exclude and injects Tag values.
type Rule struct {
	IfMatch    map[string]any   `yaml:"ifMatch,omitempty" json:"ifMatch,omitempty"`
	IfAnyMatch []map[string]any `yaml:"ifAnyMatch,omitempty" json:"ifAnyMatch,omitempty"`
	Include    []string         `yaml:"include,omitempty" json:"include,omitempty"`
	Exclude    []string         `yaml:"exclude,omitempty" json:"exclude,omitempty"`
	Tag        map[string]any   `yaml:"tag,omitempty" json:"tag,omitempty"`
	Enable     *bool            `yaml:"enable,omitempty" json:"enable,omitempty"`
}

func (r Rule) enabled() bool {
	return r.Enable == nil || *r.Enable
}

type compiledRule struct {
	ifMatch    *mapMatcher
	ifAnyMatch []*mapMatcher
	include    []tree.Path
	exclude    []tree.Path
	tags       []tagEntry
}

type tagEntry struct {
	path  tree.Path
	value template
}

func (r compiledRule) matches(v tree.Value) bool {
	if r.ifMatch != nil && !r.ifMatch.match(v) {
		return false
	}
	if len(r.ifAnyMatch) == 0 {
		return true
	}
	for _, m := range r.ifAnyMatch {
		if m.match(v) {
			return true
		}
	}
	return false
}

func (r compiledRule) transform(v tree.Value) tree.Value {
	if v.IsMap() {
		switch {
		case len(r.include) > 0:
			v = tree.Select(v, r.include)
		case len(r.exclude) > 0:
			for _, p := range r.exclude {
				v = tree.Delete(v, p)
			}
		}
	}

	if !v.IsMap() || len(r.tags) == 0 {
		return v
	}

	// Computed values resolve against the tree as it was before tagging.
	source := v
	for _, t := range r.tags {
		value, ok := t.value.render(source)
		if !ok {
			continue
		}
		v = tree.Set(v, t.path, value)
	}

	return v
}

func compileRule(index int, r Rule) (compiledRule, error) {
	errFactory := errors.New()
	var out compiledRule

	if len(r.Include) > 0 && len(r.Exclude) > 0 {
		return out, errFactory.WithMessagef(errors.ErrAction, "rule %d declares both include and exclude", index)
	}
	if len(r.Include) == 0 && len(r.Exclude) == 0 && len(r.Tag) == 0 {
		return out, errFactory.WithMessagef(errors.ErrAction, "rule %d declares no include, exclude or tag", index)
	}

	var err error
	if r.IfMatch != nil {
		if out.ifMatch, err = compileMapMatcher(r.IfMatch); err != nil {
			return out, errFactory.Wrapf(errors.ErrAction, err, "rule %d ifMatch", index)
		}
	}
	for i, cond := range r.IfAnyMatch {
		m, err := compileMapMatcher(cond)
		if err != nil {
			return out, errFactory.Wrapf(errors.ErrAction, err, "rule %d ifAnyMatch[%d]", index, i)
		}
		out.ifAnyMatch = append(out.ifAnyMatch, m)
	}

	if out.include, err = parsePaths(r.Include); err != nil {
		return out, errFactory.Wrapf(errors.ErrAction, err, "rule %d include", index)
	}
	if out.exclude, err = parsePaths(r.Exclude); err != nil {
		return out, errFactory.Wrapf(errors.ErrAction, err, "rule %d exclude", index)
	}

	keys := make([]string, 0, len(r.Tag))
	for k := range r.Tag {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p, err := tree.ParsePath(k)
		if err != nil {
			return out, errFactory.Wrapf(errors.ErrAction, err, "rule %d tag", index)
		}
		tmpl, err := compileTemplate(r.Tag[k])
		if err != nil {
			return out, errFactory.Wrapf(errors.ErrAction, err, "rule %d tag %q", index, k)
		}
		out.tags = append(out.tags, tagEntry{path: p, value: tmpl})
	}

	return out, nil
}

func parsePaths(exprs []string) ([]tree.Path, error) {
	paths := make([]tree.Path, 0, len(exprs))
	for _, expr := range exprs {
		p, err := tree.ParsePath(expr)
		if err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

var placeholder = regexp.MustCompile(`\$\{([^}]+)\}`)

// template is a tag value: a literal tree, or a string carrying ${path}
// placeholders resolved against the tree being tagged.
type template struct {
	literal tree.Value
	text    string
	exact   tree.Path
	refs    map[string]tree.Path
}

func compileTemplate(raw any) (template, error) {
	s, ok := raw.(string)
	if !ok || !placeholder.MatchString(s) {
		v, err := tree.FromAny(raw)
		return template{literal: v}, err
	}

	t := template{text: s, refs: map[string]tree.Path{}}
	for _, m := range placeholder.FindAllStringSubmatch(s, -1) {
		p, err := tree.ParsePath(strings.TrimSpace(m[1]))
		if err != nil {
			return t, err
		}
		t.refs[m[1]] = p
	}
	if loc := placeholder.FindStringIndex(s); loc[0] == 0 && loc[1] == len(s) {
		t.exact = t.refs[s[2:len(s)-1]]
	}

	return t, nil
}

// render resolves the template. An exact placeholder keeps the type of the
// referenced value and yields nothing when the path is absent; embedded
// placeholders render absent values as empty strings.
func (t template) render(src tree.Value) (tree.Value, bool) {
	if t.refs == nil {
		return t.literal.Clone(), true
	}

	if t.exact != nil {
		found := tree.Lookup(src, t.exact)
		if len(found) == 0 {
			return tree.Value{}, false
		}
		return found[0].Clone(), true
	}

	out := placeholder.ReplaceAllStringFunc(t.text, func(m string) string {
		found := tree.Lookup(src, t.refs[m[2:len(m)-1]])
		if len(found) == 0 {
			return ""
		}
		return found[0].String()
	})

	return tree.String(out), true
}
