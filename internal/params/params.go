// Package params decodes free-form declaration parameters into typed,
// validated settings structs.
package params

import (
	"encoding/json"
	"sync"

	"codeberg.org/mutker/edgetel/internal/errors"
	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared struct validator.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Decode copies params into out through their JSON representation and
// validates out's struct tags. Unknown keys are ignored.
func Decode(params map[string]any, out any) error {
	errFactory := errors.New()

	if params == nil {
		params = map[string]any{}
	}

	data, err := json.Marshal(normalize(params))
	if err != nil {
		return errFactory.Wrap(errors.ErrInvalidConfig, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errFactory.Wrap(errors.ErrInvalidConfig, err)
	}
	if err := Validator().Struct(out); err != nil {
		return errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	return nil
}

// normalize converts map[any]any produced by some YAML decoders into
// map[string]any so the value can be marshaled as JSON.
func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			if s, ok := k.(string); ok {
				out[s] = normalize(item)
			}
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}
