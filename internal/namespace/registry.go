// Package namespace installs declarations. Every namespace owns its
// pollers, listener subscriptions and sinks; applying a declaration only
// touches the namespaces whose definition changed.
package namespace

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/edgetel/internal/declaration"
	"codeberg.org/mutker/edgetel/internal/dispatch"
	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/event"
	"codeberg.org/mutker/edgetel/internal/listener"
	"codeberg.org/mutker/edgetel/internal/logger"
	"codeberg.org/mutker/edgetel/internal/poller"
	"codeberg.org/mutker/edgetel/internal/sink"
	"codeberg.org/mutker/edgetel/internal/source"
	"codeberg.org/mutker/edgetel/internal/telemetry"
)

type Option func(*Registry)

func WithFetchTimeout(d time.Duration) Option {
	return func(r *Registry) { r.fetchTimeout = d }
}

func WithListenerQueueSize(n int) Option {
	return func(r *Registry) { r.listenerQueueSize = n }
}

func WithRecorder(rec telemetry.Recorder) Option {
	return func(r *Registry) { r.metrics = telemetry.OrNop(rec) }
}

// WithPollerOptions passes options to every poller the registry builds.
func WithPollerOptions(opts ...poller.Option) Option {
	return func(r *Registry) { r.pollerOpts = append(r.pollerOpts, opts...) }
}

// state is the installed configuration. It is replaced as a whole.
type state struct {
	decl       *declaration.Declaration
	namespaces map[string]*runtime
}

// Registry holds the live namespaces. Apply calls are serialized; queries
// read the current state without locking.
type Registry struct {
	sources *source.Registry
	sinks   *sink.Registry
	sockets *listener.SocketTable
	router  *dispatch.Router

	fetchTimeout      time.Duration
	listenerQueueSize int
	pollerOpts        []poller.Option
	metrics           telemetry.Recorder
	log               logger.Logger

	applyMu sync.Mutex
	current atomic.Pointer[state]
	closed  bool
}

func NewRegistry(sources *source.Registry, sinks *sink.Registry, sockets *listener.SocketTable, router *dispatch.Router, opts ...Option) *Registry {
	r := &Registry{
		sources: sources,
		sinks:   sinks,
		sockets: sockets,
		router:  router,
		metrics: telemetry.Nop(),
		log:     logger.Component("namespace"),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.current.Store(&state{
		decl:       &declaration.Declaration{Namespaces: map[string]declaration.Namespace{}},
		namespaces: map[string]*runtime{},
	})

	return r
}

// Apply installs d. The declaration is validated and every changed
// namespace is fully built before anything running is touched; on error
// the previous configuration stays active.
func (r *Registry) Apply(ctx context.Context, d *declaration.Declaration) error {
	if d == nil {
		return errors.New().WithMessage(errors.ErrInvalidDeclaration, "nil declaration")
	}
	if err := d.Validate(); err != nil {
		return err
	}

	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	if r.closed {
		return errors.New().WithMessage(errors.ErrUnavailable, "registry is closed")
	}

	cur := r.current.Load()

	var (
		built   = make(map[string]*runtime)
		removed []string
	)
	for _, name := range d.Names() {
		ns := d.Namespaces[name]
		if old, ok := cur.namespaces[name]; ok && old.matches(ns) {
			continue
		}

		rt, err := r.build(ctx, name, ns)
		if err != nil {
			for _, b := range built {
				b.discard()
			}
			return errors.New().Wrapf(codeOr(err, errors.ErrInvalidDeclaration), err, "namespace %q", name)
		}
		built[name] = rt
	}
	for name := range cur.namespaces {
		if _, ok := d.Namespaces[name]; !ok {
			removed = append(removed, name)
		}
	}

	next := &state{
		decl:       d,
		namespaces: make(map[string]*runtime, len(d.Namespaces)),
	}
	for name := range d.Namespaces {
		if rt, ok := built[name]; ok {
			next.namespaces[name] = rt
			continue
		}
		next.namespaces[name] = cur.namespaces[name]
	}

	var retired sync.WaitGroup
	for name, rt := range built {
		old := cur.namespaces[name]
		if old != nil {
			old.stopPollers()
			old.closeListeners()
		}
		detached := rt.install(r.router)
		if old != nil {
			old.release(detached, &retired)
		}
		r.log.Info().
			Str("namespace", name).
			Int("pollers", len(rt.pollers)).
			Int("listeners", len(rt.subs)).
			Int("sinks", len(rt.sinks)).
			Msg("Namespace installed")
	}
	for _, name := range removed {
		old := cur.namespaces[name]
		old.stopPollers()
		old.release(r.router.RemoveNamespace(name), &retired)
		r.log.Info().Str("namespace", name).Msg("Namespace removed")
	}

	r.current.Store(next)
	r.metrics.NamespacesActive(len(next.namespaces))

	retired.Wait()

	return nil
}

// Declaration returns the installed declaration. Callers must not modify it.
func (r *Registry) Declaration() *declaration.Declaration {
	return r.current.Load().decl
}

// Namespaces returns the installed namespace names.
func (r *Registry) Namespaces() []string {
	return r.current.Load().decl.Names()
}

// LatestPollerResult returns the last successful result of a poller.
func (r *Registry) LatestPollerResult(namespace, name string) (event.DataEvent, bool) {
	p, ok := r.poller(namespace, name)
	if !ok {
		return event.DataEvent{}, false
	}
	return p.Latest()
}

// PullSnapshot returns the latest event held by a pull sink.
func (r *Registry) PullSnapshot(namespace, sinkName string) (event.DataEvent, bool) {
	return r.router.Snapshot(namespace, sinkName)
}

// RenderPull renders a pull sink's snapshot in its wire format.
func (r *Registry) RenderPull(namespace, sinkName string) ([]byte, string, error) {
	return r.router.Render(namespace, sinkName)
}

// TriggerPoller starts a cycle of a poller now. It reports false when a
// cycle was already running.
func (r *Registry) TriggerPoller(namespace, name string) (bool, error) {
	p, ok := r.poller(namespace, name)
	if !ok {
		return false, errors.New().WithMessagef(errors.ErrResourceNotFound, "poller %q in namespace %q", name, namespace)
	}
	return p.Trigger(), nil
}

func (r *Registry) poller(namespace, name string) (*poller.Poller, bool) {
	rt, ok := r.current.Load().namespaces[namespace]
	if !ok {
		return nil, false
	}
	p, ok := rt.pollers[name]
	return p, ok
}

// Close tears down every namespace. Further applies fail.
func (r *Registry) Close() {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	cur := r.current.Load()
	var retired sync.WaitGroup
	for name, rt := range cur.namespaces {
		rt.stopPollers()
		rt.release(r.router.RemoveNamespace(name), &retired)
	}
	retired.Wait()

	r.current.Store(&state{
		decl:       &declaration.Declaration{Namespaces: map[string]declaration.Namespace{}},
		namespaces: map[string]*runtime{},
	})
	r.metrics.NamespacesActive(0)
}

func codeOr(err error, fallback errors.ErrorCode) errors.ErrorCode {
	if code, ok := errors.CodeOf(err); ok {
		return code
	}
	return fallback
}
