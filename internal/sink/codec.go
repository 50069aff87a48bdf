package sink

import (
	"bytes"
	"encoding/json"
	"time"

	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/event"
	"github.com/fxamacker/cbor/v2"
)

// Format is the wire encoding of an event.
type Format string

const (
	FormatJSON   Format = "json"
	FormatNDJSON Format = "ndjson"
	FormatCBOR   Format = "cbor"
)

var cborMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	cborMode, err = opts.EncMode()
	if err != nil {
		panic("sink: CBOR encoder initialization failed: " + err.Error())
	}
}

// Record is the wire shape of an event.
type Record struct {
	ID         string            `json:"id" cbor:"id"`
	Timestamp  time.Time         `json:"timestamp" cbor:"timestamp"`
	SourceType string            `json:"sourceType" cbor:"sourceType"`
	Namespace  string            `json:"namespace" cbor:"namespace"`
	Origin     string            `json:"origin" cbor:"origin"`
	Payload    any               `json:"payload" cbor:"payload"`
	Tags       map[string]string `json:"tags,omitempty" cbor:"tags,omitempty"`
}

func RecordOf(ev event.DataEvent) Record {
	return Record{
		ID:         ev.ID,
		Timestamp:  ev.Timestamp,
		SourceType: string(ev.SourceType),
		Namespace:  ev.Namespace,
		Origin:     ev.OriginName,
		Payload:    ev.Payload.ToAny(),
		Tags:       ev.Tags,
	}
}

// Encode serializes one event. NDJSON output carries a trailing newline.
func Encode(ev event.DataEvent, format Format) ([]byte, error) {
	errFactory := errors.New()
	rec := RecordOf(ev)

	switch format {
	case FormatCBOR:
		data, err := cborMode.Marshal(rec)
		if err != nil {
			return nil, errFactory.Wrap(errors.ErrDelivery, err)
		}
		return data, nil
	case FormatNDJSON:
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(rec); err != nil {
			return nil, errFactory.Wrap(errors.ErrDelivery, err)
		}
		return buf.Bytes(), nil
	case FormatJSON, "":
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, errFactory.Wrap(errors.ErrDelivery, err)
		}
		return data, nil
	}

	return nil, errFactory.WithMessagef(errors.ErrInvalidConfig, "unknown format %q", format)
}

func contentType(format Format) string {
	switch format {
	case FormatCBOR:
		return "application/cbor"
	case FormatNDJSON:
		return "application/x-ndjson"
	default:
		return "application/json"
	}
}
