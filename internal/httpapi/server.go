// Package httpapi serves pull sink snapshots, self-telemetry and a health
// check over HTTP.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"time"

	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PullRenderer renders the snapshot of a pull sink.
type PullRenderer interface {
	RenderPull(namespace, sink string) ([]byte, string, error)
}

// NewHandler builds the routes. A nil gatherer disables /metrics.
func NewHandler(pulls PullRenderer, gatherer prometheus.Gatherer) http.Handler {
	log := logger.Component("httpapi")

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/pull/{namespace}/{sink}", func(w http.ResponseWriter, req *http.Request) {
		ns := chi.URLParam(req, "namespace")
		name := chi.URLParam(req, "sink")

		body, contentType, err := pulls.RenderPull(ns, name)
		switch {
		case errors.HasCode(err, errors.ErrResourceNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		case err != nil:
			log.ErrorWithCode(err).Str("namespace", ns).Str("sink", name).Msg("Failed to render pull sink")
			http.Error(w, "render failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(body)
	})

	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

func requestLogger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("Request served")
		})
	}
}

// Server runs the handler on a TCP address.
type Server struct {
	srv *http.Server
	ln  net.Listener
	log logger.Logger
}

func NewServer(addr string, h http.Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		log: logger.Component("httpapi"),
	}
}

// Start binds the address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return errors.New().Wrapf(errors.ErrInitFailed, err, "listen %s", s.srv.Addr)
	}
	s.ln = ln

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("HTTP server stopped")
		}
	}()

	s.log.Info().Str("address", ln.Addr().String()).Msg("HTTP server listening")

	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}
	return nil
}
