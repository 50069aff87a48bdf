package tree_test

import (
	"encoding/json"
	"testing"

	"codeberg.org/mutker/edgetel/internal/tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(t *testing.T) tree.Value {
	t.Helper()

	v, err := tree.ParseJSON([]byte(`{
		"a": {"b": 1, "c": "two", "d": [1, 2, 3]},
		"gpu.0": {"temp": 61},
		"list": [{"id": "x", "v": 1}, {"id": "y", "v": 2}],
		"flag": true,
		"none": null
	}`))
	require.NoError(t, err)

	return v
}

func TestFromAnyAndBack(t *testing.T) {
	in := map[string]any{
		"int":    42,
		"float":  1.5,
		"str":    "x",
		"bool":   false,
		"nil":    nil,
		"nested": map[string]any{"list": []any{1, "two"}},
		"typed":  []string{"a", "b"},
	}

	v, err := tree.FromAny(in)
	require.NoError(t, err)
	assert.Equal(t, tree.KindMap, v.Kind())

	n, ok := v.Get("int")
	require.True(t, ok)
	num, ok := n.Number()
	require.True(t, ok)
	assert.InDelta(t, 42.0, num, 0)

	typed, _ := v.Get("typed")
	assert.Equal(t, tree.KindArray, typed.Kind())
	assert.Equal(t, 2, typed.Len())

	out, ok := v.ToAny().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{1.0, "two"}, out["nested"].(map[string]any)["list"])
	assert.Nil(t, out["nil"])
}

func TestFromAnyUnsupported(t *testing.T) {
	_, err := tree.FromAny(make(chan int))
	require.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	v := sample(t)
	c := v.Clone()
	require.True(t, v.Equal(c))

	c = tree.Set(c, tree.MustParsePath("a.b"), tree.Number(99))
	orig := tree.Lookup(v, tree.MustParsePath("a.b"))
	require.Len(t, orig, 1)
	assert.True(t, orig[0].Equal(tree.Number(1)))
}

func TestJSONRoundTrip(t *testing.T) {
	v := sample(t)

	data, err := json.Marshal(v)
	require.NoError(t, err)

	back, err := tree.ParseJSON(data)
	require.NoError(t, err)
	assert.True(t, v.Equal(back))
}

func TestStringRendering(t *testing.T) {
	assert.Equal(t, "1.5", tree.Number(1.5).String())
	assert.Equal(t, "42", tree.Number(42).String())
	assert.Equal(t, "true", tree.Bool(true).String())
	assert.Equal(t, "null", tree.Null().String())
	assert.Equal(t, "hi", tree.String("hi").String())
	assert.Equal(t, `{"k":"v"}`, tree.Map(map[string]tree.Value{"k": tree.String("v")}).String())
}

func TestParsePath(t *testing.T) {
	p, err := tree.ParsePath(`gpu\.0.temp`)
	require.NoError(t, err)
	require.Len(t, p, 2)
	assert.Equal(t, "gpu.0", p[0].Key)

	p, err = tree.ParsePath(`list.*./^i.$/`)
	require.NoError(t, err)
	require.Len(t, p, 3)
	assert.True(t, p[1].Wildcard)
	require.NotNil(t, p[2].Pattern)
	assert.True(t, p[2].Match("id"))
	assert.False(t, p[2].Match("v"))

	_, err = tree.ParsePath("")
	require.Error(t, err)
	_, err = tree.ParsePath("a..b")
	require.Error(t, err)
	_, err = tree.ParsePath("a./[/")
	require.Error(t, err)
}

func TestLookup(t *testing.T) {
	v := sample(t)

	got := tree.Lookup(v, tree.MustParsePath(`gpu\.0.temp`))
	require.Len(t, got, 1)
	assert.True(t, got[0].Equal(tree.Number(61)))

	got = tree.Lookup(v, tree.MustParsePath("list.*.id"))
	require.Len(t, got, 2)
	assert.Equal(t, "x", got[0].String())
	assert.Equal(t, "y", got[1].String())

	assert.Empty(t, tree.Lookup(v, tree.MustParsePath("a.missing")))
	assert.Empty(t, tree.Lookup(v, tree.MustParsePath("flag.x")))
}

func TestDeletePreservesSiblings(t *testing.T) {
	v := sample(t)

	out := tree.Delete(v, tree.MustParsePath("a.b"))
	a, ok := out.Get("a")
	require.True(t, ok)
	assert.Equal(t, []string{"c", "d"}, a.Keys())
	assert.Equal(t, v.Len(), out.Len())

	// input untouched
	orig, _ := v.Get("a")
	assert.Equal(t, []string{"b", "c", "d"}, orig.Keys())

	out = tree.Delete(v, tree.MustParsePath("list.0"))
	list, _ := out.Get("list")
	require.Equal(t, 1, list.Len())
	first, _ := list.Index(0)
	id, _ := first.Get("id")
	assert.Equal(t, "y", id.String())
}

func TestSelect(t *testing.T) {
	v := sample(t)

	out := tree.Select(v, []tree.Path{tree.MustParsePath("a.c"), tree.MustParsePath("flag")})
	assert.Equal(t, []string{"a", "flag"}, out.Keys())
	a, _ := out.Get("a")
	assert.Equal(t, []string{"c"}, a.Keys())

	out = tree.Select(v, []tree.Path{tree.MustParsePath("list.*.v")})
	list, _ := out.Get("list")
	require.Equal(t, 2, list.Len())
	item, _ := list.Index(1)
	assert.Equal(t, []string{"v"}, item.Keys())

	out = tree.Select(v, []tree.Path{tree.MustParsePath("nothing.here")})
	assert.Equal(t, tree.KindMap, out.Kind())
	assert.Equal(t, 0, out.Len())
}

func TestSet(t *testing.T) {
	v := sample(t)

	out := tree.Set(v, tree.MustParsePath("meta.site.name"), tree.String("lab"))
	got := tree.Lookup(out, tree.MustParsePath("meta.site.name"))
	require.Len(t, got, 1)
	assert.Equal(t, "lab", got[0].String())
	_, ok := v.Get("meta")
	assert.False(t, ok)

	// non-container intermediates are skipped
	out = tree.Set(v, tree.MustParsePath("flag.x"), tree.Number(1))
	flag, _ := out.Get("flag")
	assert.True(t, flag.Equal(tree.Bool(true)))

	// wildcards expand over existing entries only
	out = tree.Set(v, tree.MustParsePath("list.*.seen"), tree.Bool(true))
	assert.Len(t, tree.Lookup(out, tree.MustParsePath("list.*.seen")), 2)
}

func TestMergeFirstWins(t *testing.T) {
	a := tree.MustFromAny(map[string]any{"x": 1, "nested": map[string]any{"k": "a"}})
	b := tree.MustFromAny(map[string]any{"x": 2, "y": 3, "nested": map[string]any{"k": "b", "only": true}})

	out := tree.MergeFirstWins(a, b)
	assert.True(t, out.Equal(tree.MustFromAny(map[string]any{
		"x":      1,
		"y":      3,
		"nested": map[string]any{"k": "a", "only": true},
	})))

	assert.True(t, tree.MergeFirstWins(tree.Null(), b).Equal(b))
	assert.True(t, tree.MergeFirstWins(tree.String("s"), b).Equal(tree.String("s")))
}
