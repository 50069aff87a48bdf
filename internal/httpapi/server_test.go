package httpapi_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/httpapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePulls map[string]string

func (f fakePulls) RenderPull(namespace, sink string) ([]byte, string, error) {
	key := namespace + "/" + sink
	if key == "lab/broken" {
		return nil, "", errors.New().WithMessage(errors.ErrInternal, "boom")
	}
	body, ok := f[key]
	if !ok {
		return nil, "", errors.New().WithMessagef(errors.ErrResourceNotFound, "pull sink %q", key)
	}
	return []byte(body), "application/json", nil
}

func get(t *testing.T, srv *httptest.Server, path string) (int, string, http.Header) {
	t.Helper()

	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body), resp.Header
}

func TestRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "edgetel_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	srv := httptest.NewServer(httpapi.NewHandler(fakePulls{"lab/state": `{"temp":61}`}, reg))
	defer srv.Close()

	status, body, header := get(t, srv, "/pull/lab/state")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, `{"temp":61}`, body)
	assert.Equal(t, "application/json", header.Get("Content-Type"))

	status, _, _ = get(t, srv, "/pull/lab/missing")
	assert.Equal(t, http.StatusNotFound, status)

	status, _, _ = get(t, srv, "/pull/lab/broken")
	assert.Equal(t, http.StatusInternalServerError, status)

	status, body, _ = get(t, srv, "/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok\n", body)

	status, body, _ = get(t, srv, "/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "edgetel_test_total 1")
}

func TestMetricsDisabled(t *testing.T) {
	srv := httptest.NewServer(httpapi.NewHandler(fakePulls{}, nil))
	defer srv.Close()

	status, _, _ := get(t, srv, "/metrics")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServerLifecycle(t *testing.T) {
	s := httpapi.NewServer("127.0.0.1:0", httpapi.NewHandler(fakePulls{}, nil))
	require.NoError(t, s.Start())
	require.NotNil(t, s.Addr())

	resp, err := http.Get("http://" + s.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Shutdown(context.Background()))
}
