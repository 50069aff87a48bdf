// Package sink defines the delivery targets events are dispatched to and
// the built-in sink types.
package sink

import (
	"context"
	"sort"
	"sync"

	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/event"
)

type Mode string

const (
	ModePush Mode = "push"
	ModePull Mode = "pull"
)

func (m Mode) IsValid() bool {
	return m == ModePush || m == ModePull
}

// Sink is the lifecycle every sink type shares. Configure is called once
// with the declaration parameters before the sink receives events.
type Sink interface {
	Configure(ctx context.Context, params map[string]any) error
	Close() error
}

// Pusher delivers events as they are produced. Send failures are returned
// as delivery_error and are never retried by the caller.
type Pusher interface {
	Sink
	Send(ctx context.Context, ev event.DataEvent) error
}

// Renderer serves the latest event of a pull sink on demand.
type Renderer interface {
	Sink
	Render(ev event.DataEvent) (body []byte, contentType string, err error)
}

// Factory returns an unconfigured sink.
type Factory func() Sink

type key struct {
	typ  string
	mode Mode
}

// Registry maps (type, mode) pairs to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[key]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[key]Factory)}
}

func (r *Registry) Register(typ string, mode Mode, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key{typ, mode}] = f
}

// Supports reports whether typ can run in mode.
func (r *Registry) Supports(typ string, mode Mode) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[key{typ, mode}]
	return ok
}

// Types lists the registered types for mode, sorted.
func (r *Registry) Types(mode Mode) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var types []string
	for k := range r.factories {
		if k.mode == mode {
			types = append(types, k.typ)
		}
	}
	sort.Strings(types)
	return types
}

// New builds and configures a sink. Push sinks implement Pusher and pull
// sinks implement Renderer.
func (r *Registry) New(ctx context.Context, typ string, mode Mode, params map[string]any) (Sink, error) {
	errFactory := errors.New()

	r.mu.RLock()
	f, ok := r.factories[key{typ, mode}]
	r.mu.RUnlock()
	if !ok {
		return nil, errFactory.WithMessagef(errors.ErrInvalidDeclaration, "unknown %s sink type %q", mode, typ)
	}

	s := f()
	switch mode {
	case ModePush:
		if _, ok := s.(Pusher); !ok {
			return nil, errFactory.WithMessagef(errors.ErrInternal, "sink type %q cannot push", typ)
		}
	case ModePull:
		if _, ok := s.(Renderer); !ok {
			return nil, errFactory.WithMessagef(errors.ErrInternal, "sink type %q cannot render", typ)
		}
	}

	if err := s.Configure(ctx, params); err != nil {
		return nil, err
	}

	return s, nil
}

// Defaults registers the built-in sink types.
func Defaults(r *Registry) {
	r.Register(TypeDefault, ModePush, func() Sink { return NewLog() })
	r.Register(TypeHTTP, ModePush, func() Sink { return NewHTTP() })
	r.Register(TypeNATS, ModePush, func() Sink { return NewNATS() })
	r.Register(TypeSQS, ModePush, func() Sink { return NewSQS() })
	r.Register(TypeCloudWatch, ModePush, func() Sink { return NewCloudWatch() })
	r.Register(TypePostgres, ModePush, func() Sink { return NewPostgres() })
	r.Register(TypeSQLite, ModePush, func() Sink { return NewSQLite() })
	r.Register(TypeWebSocket, ModePush, func() Sink { return NewWebSocket() })

	r.Register(TypeDefault, ModePull, func() Sink { return NewJSON() })
	r.Register(TypePrometheus, ModePull, func() Sink { return NewPrometheus() })
}

func deliveryError(typ string, err error) error {
	if errors.HasCode(err, errors.ErrDelivery) {
		return err
	}
	return errors.New().Wrapf(errors.ErrDelivery, err, "%s sink", typ)
}
