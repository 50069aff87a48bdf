// Package dispatch fans processed events out to the sinks of their
// namespace. Push sinks each run behind their own queue so a slow or
// failing sink never delays its siblings; pull sinks keep the latest event
// as a snapshot.
package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/event"
	"codeberg.org/mutker/edgetel/internal/logger"
	"codeberg.org/mutker/edgetel/internal/sink"
	"codeberg.org/mutker/edgetel/internal/telemetry"
)

const (
	DefaultQueueSize   = 1024
	DefaultSendTimeout = 10 * time.Second
)

// SinkSpec is one configured sink of a namespace.
type SinkSpec struct {
	Name string
	Type string
	Mode sink.Mode
	Sink sink.Sink
}

type namespaceSinks struct {
	push []*worker
	pull map[string]sink.Renderer
}

type Option func(*Router)

func WithQueueSize(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

func WithSendTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.sendTimeout = d
		}
	}
}

func WithRecorder(rec telemetry.Recorder) Option {
	return func(r *Router) { r.metrics = telemetry.OrNop(rec) }
}

// Router routes events by namespace. The routing table is replaced as a
// whole on every change, so Dispatch never observes a partially installed
// namespace.
type Router struct {
	table     atomic.Pointer[map[string]*namespaceSinks]
	writeMu   sync.Mutex
	snapshots *Snapshots

	queueSize   int
	sendTimeout time.Duration
	metrics     telemetry.Recorder
	log         logger.Logger
}

func NewRouter(opts ...Option) *Router {
	r := &Router{
		snapshots:   NewSnapshots(),
		queueSize:   DefaultQueueSize,
		sendTimeout: DefaultSendTimeout,
		metrics:     telemetry.Nop(),
		log:         logger.Component("dispatch"),
	}
	for _, opt := range opts {
		opt(r)
	}

	empty := make(map[string]*namespaceSinks)
	r.table.Store(&empty)

	return r
}

// Dispatch hands ev to every sink of its namespace without blocking.
func (r *Router) Dispatch(ev event.DataEvent) {
	ns, ok := (*r.table.Load())[ev.Namespace]
	if !ok {
		r.log.Debug().Str("namespace", ev.Namespace).Msg("No sinks for namespace, dropping event")
		return
	}

	for _, w := range ns.push {
		w.offer(ev)
	}
	for name := range ns.pull {
		r.snapshots.Put(ev.Namespace, name, ev, func() bool { return r.routesPull(ev.Namespace, name) })
	}
}

// routesPull reports whether the current table routes namespace to the
// pull sink name.
func (r *Router) routesPull(namespace, name string) bool {
	ns, ok := (*r.table.Load())[namespace]
	if !ok {
		return false
	}
	_, ok = ns.pull[name]
	return ok
}

// InstallNamespace replaces the sink set of a namespace. Push sinks must
// implement sink.Pusher and pull sinks sink.Renderer. The returned Detached
// reports when the replaced workers have finished their in-flight sends.
func (r *Router) InstallNamespace(namespace string, specs []SinkSpec) (*Detached, error) {
	if err := Validate(specs); err != nil {
		return nil, err
	}

	next := &namespaceSinks{pull: make(map[string]sink.Renderer)}
	for _, spec := range specs {
		if spec.Mode == sink.ModePush {
			next.push = append(next.push, &worker{namespace: namespace, spec: spec, pusher: spec.Sink.(sink.Pusher)})
			continue
		}
		next.pull[spec.Name] = spec.Sink.(sink.Renderer)
	}

	for _, w := range next.push {
		w.start(r)
	}

	old := r.swap(namespace, next)

	if old != nil {
		for name := range old.pull {
			if _, kept := next.pull[name]; !kept {
				r.snapshots.Delete(namespace, name)
			}
		}
	}

	return detach(old), nil
}

// Validate checks that every sink supports its mode.
func Validate(specs []SinkSpec) error {
	errFactory := errors.New()

	for _, spec := range specs {
		switch spec.Mode {
		case sink.ModePush:
			if _, ok := spec.Sink.(sink.Pusher); !ok {
				return errFactory.WithMessagef(errors.ErrInvalidDeclaration, "sink %q cannot push", spec.Name)
			}
		case sink.ModePull:
			if _, ok := spec.Sink.(sink.Renderer); !ok {
				return errFactory.WithMessagef(errors.ErrInvalidDeclaration, "sink %q cannot render", spec.Name)
			}
		default:
			return errFactory.WithMessagef(errors.ErrInvalidDeclaration, "sink %q: invalid mode %q", spec.Name, spec.Mode)
		}
	}

	return nil
}

// RemoveNamespace stops routing to a namespace and drops its snapshots.
func (r *Router) RemoveNamespace(namespace string) *Detached {
	old := r.swap(namespace, nil)
	r.snapshots.DeleteNamespace(namespace)
	return detach(old)
}

func (r *Router) swap(namespace string, next *namespaceSinks) *namespaceSinks {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := *r.table.Load()
	updated := make(map[string]*namespaceSinks, len(cur)+1)
	for k, v := range cur {
		updated[k] = v
	}

	old := updated[namespace]
	if next == nil {
		delete(updated, namespace)
	} else {
		updated[namespace] = next
	}
	r.table.Store(&updated)

	return old
}

// Namespaces returns the number of routed namespaces.
func (r *Router) Namespaces() int {
	return len(*r.table.Load())
}

// Snapshot returns the latest event held by a pull sink.
func (r *Router) Snapshot(namespace, sinkName string) (event.DataEvent, bool) {
	if !r.routesPull(namespace, sinkName) {
		return event.DataEvent{}, false
	}
	return r.snapshots.Get(namespace, sinkName)
}

// Render serves a pull sink's snapshot in the sink's format.
func (r *Router) Render(namespace, sinkName string) ([]byte, string, error) {
	errFactory := errors.New()

	ns, ok := (*r.table.Load())[namespace]
	if !ok {
		return nil, "", errFactory.WithMessagef(errors.ErrResourceNotFound, "namespace %q", namespace)
	}
	rd, ok := ns.pull[sinkName]
	if !ok {
		return nil, "", errFactory.WithMessagef(errors.ErrResourceNotFound, "pull sink %q in namespace %q", sinkName, namespace)
	}
	ev, ok := r.snapshots.Get(namespace, sinkName)
	if !ok {
		return nil, "", errFactory.WithMessagef(errors.ErrResourceNotFound, "no data for pull sink %q in namespace %q", sinkName, namespace)
	}

	return rd.Render(ev)
}

// Close stops every worker and waits for in-flight sends.
func (r *Router) Close() {
	r.writeMu.Lock()
	cur := *r.table.Load()
	empty := make(map[string]*namespaceSinks)
	r.table.Store(&empty)
	r.writeMu.Unlock()

	for _, ns := range cur {
		detach(ns).Wait()
	}
}

// Detached tracks workers removed from the routing table.
type Detached struct {
	workers []*worker
}

func detach(ns *namespaceSinks) *Detached {
	d := &Detached{}
	if ns == nil {
		return d
	}
	d.workers = ns.push
	for _, w := range d.workers {
		w.stop()
	}
	return d
}

// Wait blocks until every detached worker has exited.
func (d *Detached) Wait() {
	if d == nil {
		return
	}
	for _, w := range d.workers {
		<-w.done
	}
}
