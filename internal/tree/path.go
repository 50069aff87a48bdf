package tree

import (
	"regexp"
	"strconv"
	"strings"

	"codeberg.org/mutker/edgetel/internal/errors"
)

// Segment is one step of a Path. A segment matches a literal key, any key
// ("*"), or keys matching a regular expression ("/expr/"). Array elements
// are addressed by their decimal index.
type Segment struct {
	Key      string
	Wildcard bool
	Pattern  *regexp.Regexp
}

func (s Segment) Literal() bool {
	return !s.Wildcard && s.Pattern == nil
}

func (s Segment) Match(key string) bool {
	switch {
	case s.Wildcard:
		return true
	case s.Pattern != nil:
		return s.Pattern.MatchString(key)
	default:
		return s.Key == key
	}
}

func (s Segment) String() string {
	switch {
	case s.Wildcard:
		return "*"
	case s.Pattern != nil:
		return "/" + s.Pattern.String() + "/"
	default:
		return strings.ReplaceAll(s.Key, ".", `\.`)
	}
}

// Path addresses nodes of a tree with dot separated segments. A literal
// dot inside a key is escaped as "\.".
type Path []Segment

func (p Path) String() string {
	parts := make([]string, len(p))
	for i, s := range p {
		parts[i] = s.String()
	}
	return strings.Join(parts, ".")
}

// ParsePath parses a dotted path expression.
func ParsePath(expr string) (Path, error) {
	errFactory := errors.New()

	if expr == "" {
		return nil, errFactory.WithMessage(errors.ErrInvalidArgument, "empty path")
	}

	raw := splitPath(expr)
	path := make(Path, 0, len(raw))
	for _, part := range raw {
		switch {
		case part == "":
			return nil, errFactory.WithMessagef(errors.ErrInvalidArgument, "empty segment in path %q", expr)
		case part == "*":
			path = append(path, Segment{Wildcard: true})
		case len(part) > 2 && strings.HasPrefix(part, "/") && strings.HasSuffix(part, "/"):
			re, err := regexp.Compile(part[1 : len(part)-1])
			if err != nil {
				return nil, errFactory.Wrapf(errors.ErrInvalidArgument, err, "invalid pattern in path %q", expr)
			}
			path = append(path, Segment{Pattern: re})
		default:
			path = append(path, Segment{Key: part})
		}
	}

	return path, nil
}

// MustParsePath is ParsePath for constant expressions.
func MustParsePath(expr string) Path {
	p, err := ParsePath(expr)
	if err != nil {
		panic(err)
	}
	return p
}

func splitPath(expr string) []string {
	var (
		parts []string
		cur   strings.Builder
		inRe  bool
	)
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case c == '\\' && i+1 < len(expr) && expr[i+1] == '.':
			cur.WriteByte('.')
			i++
		case c == '/' && cur.Len() == 0 && !inRe:
			inRe = true
			cur.WriteByte(c)
		case c == '/' && inRe:
			inRe = false
			cur.WriteByte(c)
		case c == '.' && !inRe:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(parts, cur.String())
}

// Lookup returns every node addressed by p.
func Lookup(v Value, p Path) []Value {
	if len(p) == 0 {
		return []Value{v}
	}

	var out []Value
	seg, rest := p[0], p[1:]
	switch v.kind {
	case KindMap:
		if seg.Literal() {
			if child, ok := v.m[seg.Key]; ok {
				out = append(out, Lookup(child, rest)...)
			}
			return out
		}
		for _, k := range v.Keys() {
			if seg.Match(k) {
				out = append(out, Lookup(v.m[k], rest)...)
			}
		}
	case KindArray:
		for i, item := range v.arr {
			if seg.Match(strconv.Itoa(i)) {
				out = append(out, Lookup(item, rest)...)
			}
		}
	}

	return out
}

// Delete returns v without the nodes addressed by p. Containers along the
// path are copied; v is not modified.
func Delete(v Value, p Path) Value {
	if len(p) == 0 {
		return v
	}

	seg, rest := p[0], p[1:]
	switch v.kind {
	case KindMap:
		entries := make(map[string]Value, len(v.m))
		for k, child := range v.m {
			if !seg.Match(k) {
				entries[k] = child
				continue
			}
			if len(rest) > 0 {
				entries[k] = Delete(child, rest)
			}
		}
		return Value{kind: KindMap, m: entries}
	case KindArray:
		items := make([]Value, 0, len(v.arr))
		for i, item := range v.arr {
			if !seg.Match(strconv.Itoa(i)) {
				items = append(items, item)
				continue
			}
			if len(rest) > 0 {
				items = append(items, Delete(item, rest))
			}
		}
		return Value{kind: KindArray, arr: items}
	}

	return v
}

// Select returns a tree holding only the nodes addressed by any of paths,
// along with the containers leading to them.
func Select(v Value, paths []Path) Value {
	out, ok := selectPaths(v, paths)
	if !ok {
		switch v.kind {
		case KindMap:
			return Map(nil)
		case KindArray:
			return Array()
		}
		return Null()
	}
	return out
}

func selectPaths(v Value, paths []Path) (Value, bool) {
	for _, p := range paths {
		if len(p) == 0 {
			return v, true
		}
	}

	childPaths := func(key string) []Path {
		var next []Path
		for _, p := range paths {
			if p[0].Match(key) {
				next = append(next, p[1:])
			}
		}
		return next
	}

	switch v.kind {
	case KindMap:
		entries := map[string]Value{}
		for k, child := range v.m {
			next := childPaths(k)
			if len(next) == 0 {
				continue
			}
			if selected, ok := selectPaths(child, next); ok {
				entries[k] = selected
			}
		}
		return Value{kind: KindMap, m: entries}, len(entries) > 0
	case KindArray:
		var items []Value
		for i, item := range v.arr {
			next := childPaths(strconv.Itoa(i))
			if len(next) == 0 {
				continue
			}
			if selected, ok := selectPaths(item, next); ok {
				items = append(items, selected)
			}
		}
		return Array(items...), len(items) > 0
	}

	return Value{}, false
}

// Set returns v with val stored at every node addressed by p. Missing map
// entries for literal segments are created as maps; wildcard and pattern
// segments only expand over existing keys. Intermediate nodes that are not
// containers are left untouched.
func Set(v Value, p Path, val Value) Value {
	if len(p) == 0 {
		return val
	}

	seg, rest := p[0], p[1:]
	switch v.kind {
	case KindMap:
		entries := make(map[string]Value, len(v.m)+1)
		for k, child := range v.m {
			entries[k] = child
		}
		if seg.Literal() {
			child, ok := entries[seg.Key]
			if !ok {
				if len(rest) == 0 {
					entries[seg.Key] = val.Clone()
					return Value{kind: KindMap, m: entries}
				}
				child = Map(nil)
			}
			if len(rest) > 0 && child.kind != KindMap && child.kind != KindArray {
				return v
			}
			entries[seg.Key] = Set(child, rest, val)
			return Value{kind: KindMap, m: entries}
		}
		for k, child := range v.m {
			if !seg.Match(k) {
				continue
			}
			if len(rest) > 0 && child.kind != KindMap && child.kind != KindArray {
				continue
			}
			entries[k] = Set(child, rest, val)
		}
		return Value{kind: KindMap, m: entries}
	case KindArray:
		items := make([]Value, len(v.arr))
		copy(items, v.arr)
		for i, item := range items {
			if !seg.Match(strconv.Itoa(i)) {
				continue
			}
			if len(rest) > 0 && item.kind != KindMap && item.kind != KindArray {
				continue
			}
			items[i] = Set(item, rest, val)
		}
		return Value{kind: KindArray, arr: items}
	}

	return v
}

// MergeFirstWins merges b into a. Keys present in both keep a's value;
// nested maps are merged recursively. The result shares no containers
// with the inputs.
func MergeFirstWins(a, b Value) Value {
	if a.kind != KindMap || b.kind != KindMap {
		if a.kind == KindNull {
			return b.Clone()
		}
		return a.Clone()
	}

	entries := make(map[string]Value, len(a.m)+len(b.m))
	for k, child := range a.m {
		entries[k] = child.Clone()
	}
	for k, child := range b.m {
		existing, ok := entries[k]
		if !ok {
			entries[k] = child.Clone()
			continue
		}
		if existing.kind == KindMap && child.kind == KindMap {
			entries[k] = MergeFirstWins(existing, child)
		}
	}

	return Value{kind: KindMap, m: entries}
}
