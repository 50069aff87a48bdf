package sink

import (
	"sort"
	"strconv"
	"strings"

	"codeberg.org/mutker/edgetel/internal/tree"
)

// Sample is one numeric leaf of a payload. Booleans count as 0 or 1.
type Sample struct {
	Path  []string
	Value float64
}

func (s Sample) Name(sep string) string {
	return strings.Join(s.Path, sep)
}

// Samples returns the numeric leaves of v in path order.
func Samples(v tree.Value) []Sample {
	var out []Sample
	collect(v, nil, &out)
	sort.Slice(out, func(i, j int) bool {
		return strings.Join(out[i].Path, "\x00") < strings.Join(out[j].Path, "\x00")
	})
	return out
}

func collect(v tree.Value, path []string, out *[]Sample) {
	switch v.Kind() {
	case tree.KindNumber:
		n, _ := v.Number()
		*out = append(*out, Sample{Path: append([]string(nil), path...), Value: n})
	case tree.KindBool:
		b, _ := v.Bool()
		n := 0.0
		if b {
			n = 1
		}
		*out = append(*out, Sample{Path: append([]string(nil), path...), Value: n})
	case tree.KindMap:
		for _, k := range v.Keys() {
			child, _ := v.Get(k)
			collect(child, append(path, k), out)
		}
	case tree.KindArray:
		for i, child := range v.Items() {
			collect(child, append(path, strconv.Itoa(i)), out)
		}
	}
}
