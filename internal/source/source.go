// Package source provides the data sources pollers collect from.
package source

import (
	"context"
	"sort"
	"sync"

	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/tree"
)

// Endpoint is one named location a poller collects from. Its Path is
// interpreted by the source: a URL path for http, a device index for nvml,
// a tree path for static.
type Endpoint struct {
	Name string `yaml:"name" json:"name" validate:"required"`
	Path string `yaml:"path" json:"path"`
}

// Source fetches the raw state of one endpoint. Failures are returned as
// fetch_error.
type Source interface {
	Fetch(ctx context.Context, endpoint Endpoint) (tree.Value, error)
	Close() error
}

// Factory builds a Source from declaration parameters.
type Factory func(params map[string]any) (Source, error)

// Registry maps source types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for typ.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

func (r *Registry) Has(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typ]
	return ok
}

// Types returns the registered types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// New builds a source of type typ.
func (r *Registry) New(typ string, params map[string]any) (Source, error) {
	r.mu.RLock()
	f, ok := r.factories[typ]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.New().WithMessagef(errors.ErrInvalidDeclaration, "unknown source type %q", typ)
	}

	return f(params)
}

// Collect fetches every endpoint and merges the results in order: on key
// conflicts the first listed endpoint wins. Without endpoints the source
// is fetched once with an empty endpoint. Any endpoint failure fails the
// whole collection.
func Collect(ctx context.Context, src Source, endpoints []Endpoint) (tree.Value, error) {
	if len(endpoints) == 0 {
		return fetch(ctx, src, Endpoint{})
	}

	var merged tree.Value
	for i, ep := range endpoints {
		v, err := fetch(ctx, src, ep)
		if err != nil {
			return tree.Value{}, err
		}
		if i == 0 {
			merged = v
			continue
		}
		merged = tree.MergeFirstWins(merged, v)
	}

	return merged, nil
}

func fetch(ctx context.Context, src Source, ep Endpoint) (tree.Value, error) {
	if err := ctx.Err(); err != nil {
		return tree.Value{}, errors.New().Wrapf(errors.ErrFetch, err, "endpoint %q", ep.Name)
	}

	v, err := src.Fetch(ctx, ep)
	if err != nil {
		if errors.HasCode(err, errors.ErrFetch) {
			return tree.Value{}, err
		}
		return tree.Value{}, errors.New().Wrapf(errors.ErrFetch, err, "endpoint %q", ep.Name)
	}

	return v, nil
}

// Defaults registers the built-in source types.
func Defaults(r *Registry) {
	r.Register(TypeHTTP, NewHTTP)
	r.Register(TypeNVML, NewNVML)
	r.Register(TypeStatic, NewStatic)
}
