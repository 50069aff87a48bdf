package source

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/gpu"
	"codeberg.org/mutker/edgetel/internal/tree"
)

const TypeNVML = "nvml"

// NVMLSource samples local NVIDIA devices. An empty endpoint path yields
// {"count": n, "gpus": [...]}; a numeric path N yields {"gpuN": {...}} so
// several device endpoints merge without conflicts.
type NVMLSource struct {
	reader *gpu.Reader
}

func NewNVML(_ map[string]any) (Source, error) {
	return NewNVMLWithLibrary(gpu.NVML()), nil
}

func NewNVMLWithLibrary(lib gpu.Library) *NVMLSource {
	return &NVMLSource{reader: gpu.NewReader(lib)}
}

func (s *NVMLSource) Fetch(ctx context.Context, ep Endpoint) (tree.Value, error) {
	errFactory := errors.New()

	if err := ctx.Err(); err != nil {
		return tree.Value{}, errFactory.Wrap(errors.ErrFetch, err)
	}

	path := strings.TrimSpace(ep.Path)
	if path == "" {
		all, err := s.reader.ReadAll()
		if err != nil {
			return tree.Value{}, errFactory.Wrap(errors.ErrFetch, err)
		}
		return toTree(map[string]any{"count": len(all), "gpus": all})
	}

	index, err := strconv.Atoi(path)
	if err != nil || index < 0 {
		return tree.Value{}, errFactory.WithMessagef(errors.ErrFetch, "invalid device index %q", ep.Path)
	}

	stats, err := s.reader.Read(index)
	if err != nil {
		return tree.Value{}, errFactory.Wrapf(errors.ErrFetch, err, "device %d", index)
	}

	return toTree(map[string]any{"gpu" + strconv.Itoa(index): stats})
}

func (s *NVMLSource) Close() error {
	return s.reader.Close()
}

func toTree(v any) (tree.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return tree.Value{}, errors.New().Wrap(errors.ErrFetch, err)
	}
	return tree.ParseJSON(data)
}
