package source_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/source"
	"codeberg.org/mutker/edgetel/internal/tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSource map[string]tree.Value

func (m mapSource) Fetch(_ context.Context, ep source.Endpoint) (tree.Value, error) {
	v, ok := m[ep.Path]
	if !ok {
		return tree.Value{}, errors.New("unreachable")
	}
	return v, nil
}

func (mapSource) Close() error { return nil }

func TestCollectFirstEndpointWins(t *testing.T) {
	src := mapSource{
		"/a": tree.MustFromAny(map[string]any{"cpu": 10, "host": map[string]any{"name": "a"}}),
		"/b": tree.MustFromAny(map[string]any{"cpu": 99, "mem": 5, "host": map[string]any{"name": "b", "os": "linux"}}),
	}

	got, err := source.Collect(context.Background(), src, []source.Endpoint{
		{Name: "first", Path: "/a"},
		{Name: "second", Path: "/b"},
	})
	require.NoError(t, err)

	want := tree.MustFromAny(map[string]any{
		"cpu":  10,
		"mem":  5,
		"host": map[string]any{"name": "a", "os": "linux"},
	})
	assert.True(t, want.Equal(got), "got %s", got)
}

func TestCollectFailure(t *testing.T) {
	src := mapSource{"/a": tree.Number(1)}

	_, err := source.Collect(context.Background(), src, []source.Endpoint{
		{Name: "a", Path: "/a"},
		{Name: "missing", Path: "/missing"},
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrFetch))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = source.Collect(ctx, src, []source.Endpoint{{Name: "a", Path: "/a"}})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrFetch))
}

func TestRegistry(t *testing.T) {
	r := source.NewRegistry()
	source.Defaults(r)

	assert.Equal(t, []string{"http", "nvml", "static"}, r.Types())
	assert.True(t, r.Has("static"))

	_, err := r.New("snmp", nil)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrInvalidDeclaration))

	src, err := r.New("static", map[string]any{"data": map[string]any{"up": true}})
	require.NoError(t, err)
	defer src.Close()

	v, err := src.Fetch(context.Background(), source.Endpoint{})
	require.NoError(t, err)
	up, _ := v.Get("up")
	b, ok := up.Bool()
	assert.True(t, ok)
	assert.True(t, b)
}

func TestStaticSource(t *testing.T) {
	src, err := source.NewStatic(map[string]any{
		"data": map[string]any{"system": map[string]any{"load": 0.5}},
	})
	require.NoError(t, err)

	v, err := src.Fetch(context.Background(), source.Endpoint{Path: "system"})
	require.NoError(t, err)
	assert.Equal(t, `{"load":0.5}`, v.String())

	_, err = src.Fetch(context.Background(), source.Endpoint{Path: "nope"})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrFetch))
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		switch r.URL.Path {
		case "/status":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"state":"ok","uptime":42}`)
		case "/version":
			fmt.Fprint(w, "v1.2.3")
		case "/denied":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	src, err := source.NewHTTP(map[string]any{
		"baseUrl": srv.URL + "/",
		"headers": map[string]any{"X-Token": "secret"},
		"timeout": "2s",
	})
	require.NoError(t, err)
	defer src.Close()

	ctx := context.Background()

	v, err := src.Fetch(ctx, source.Endpoint{Name: "status", Path: "/status"})
	require.NoError(t, err)
	state, _ := v.Get("state")
	assert.Equal(t, "ok", state.String())

	v, err = src.Fetch(ctx, source.Endpoint{Name: "version", Path: "version"})
	require.NoError(t, err)
	s, ok := v.Str()
	assert.True(t, ok)
	assert.Equal(t, "v1.2.3", s)

	_, err = src.Fetch(ctx, source.Endpoint{Name: "denied", Path: "/denied"})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrFetch))
}

func TestHTTPSourceInvalidParams(t *testing.T) {
	_, err := source.NewHTTP(map[string]any{})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrInvalidConfig))

	_, err = source.NewHTTP(map[string]any{"baseUrl": "http://localhost", "timeout": "soon"})
	require.Error(t, err)
}
