package declaration

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"codeberg.org/mutker/edgetel/internal/errors"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatOf picks the document format from a file extension. JSON files
// may carry comments and trailing commas.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json", ".jsonc":
		return FormatJSON, nil
	default:
		return "", errors.New().WithMessagef(errors.ErrReadDeclaration, "unsupported declaration file %q", path)
	}
}

// Load reads, parses and validates the declaration at path.
func Load(path string) (*Declaration, error) {
	errFactory := errors.New()

	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errFactory.Wrapf(errors.ErrReadDeclaration, err, "read %s", path)
	}

	d, err := Parse(data, format)
	if err != nil {
		return nil, errFactory.Wrapf(codeOr(err, errors.ErrInvalidDeclaration), err, "%s", path)
	}

	return d, nil
}

// Parse decodes and validates a declaration document. Unknown fields are
// rejected so typos surface at apply time.
func Parse(data []byte, format Format) (*Declaration, error) {
	errFactory := errors.New()

	d := &Declaration{}
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(d); err != nil && !errors.Is(err, io.EOF) {
			return nil, errFactory.Wrap(errors.ErrInvalidDeclaration, err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(d); err != nil && !errors.Is(err, io.EOF) {
			return nil, errFactory.Wrap(errors.ErrInvalidDeclaration, err)
		}
	default:
		return nil, errFactory.WithMessagef(errors.ErrInvalidDeclaration, "unknown format %q", format)
	}

	if d.Namespaces == nil {
		d.Namespaces = map[string]Namespace{}
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}

	return d, nil
}
