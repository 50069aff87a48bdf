package source

import (
	"context"

	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/tree"
)

const TypeStatic = "static"

// StaticSource serves a fixed tree from its "data" parameter. An endpoint
// path selects a subtree.
type StaticSource struct {
	data tree.Value
}

func NewStatic(p map[string]any) (Source, error) {
	data, err := tree.FromAny(p["data"])
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrInvalidConfig, err)
	}
	return &StaticSource{data: data}, nil
}

func (s *StaticSource) Fetch(_ context.Context, ep Endpoint) (tree.Value, error) {
	if ep.Path == "" {
		return s.data.Clone(), nil
	}

	p, err := tree.ParsePath(ep.Path)
	if err != nil {
		return tree.Value{}, errors.New().Wrap(errors.ErrFetch, err)
	}
	found := tree.Lookup(s.data, p)
	if len(found) == 0 {
		return tree.Value{}, errors.New().WithMessagef(errors.ErrFetch, "path %q not found", ep.Path)
	}

	return found[0].Clone(), nil
}

func (s *StaticSource) Close() error {
	return nil
}
