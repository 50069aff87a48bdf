package sink

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/event"
	"codeberg.org/mutker/edgetel/internal/httpclient"
	"codeberg.org/mutker/edgetel/internal/params"
	"github.com/klauspost/compress/gzip"
)

const TypeHTTP = "http"

type httpSettings struct {
	URL     string            `json:"url" validate:"required,url"`
	Method  string            `json:"method" validate:"omitempty,oneof=POST PUT"`
	Format  Format            `json:"format" validate:"omitempty,oneof=json ndjson cbor"`
	Gzip    bool              `json:"gzip"`
	Headers map[string]string `json:"headers"`
	Timeout string            `json:"timeout"`
}

// HTTPSink posts each event to a collector endpoint.
type HTTPSink struct {
	cfg    httpSettings
	client *httpclient.Client
}

func NewHTTP() *HTTPSink {
	return &HTTPSink{}
}

func (s *HTTPSink) Configure(_ context.Context, p map[string]any) error {
	if err := params.Decode(p, &s.cfg); err != nil {
		return err
	}
	if s.cfg.Method == "" {
		s.cfg.Method = http.MethodPost
	}
	if s.cfg.Format == "" {
		s.cfg.Format = FormatJSON
	}

	opts := []httpclient.Option{}
	if s.cfg.Timeout != "" {
		d, err := time.ParseDuration(s.cfg.Timeout)
		if err != nil {
			return errors.New().Wrapf(errors.ErrInvalidConfig, err, "invalid timeout %q", s.cfg.Timeout)
		}
		opts = append(opts, httpclient.WithTimeout(d))
	}
	s.client = httpclient.New("sink:"+s.cfg.URL, opts...)

	return nil
}

func (s *HTTPSink) Send(ctx context.Context, ev event.DataEvent) error {
	body, err := Encode(ev, s.cfg.Format)
	if err != nil {
		return err
	}

	if s.cfg.Gzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return deliveryError(TypeHTTP, err)
		}
		if err := zw.Close(); err != nil {
			return deliveryError(TypeHTTP, err)
		}
		body = buf.Bytes()
	}

	req, err := http.NewRequestWithContext(ctx, s.cfg.Method, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return deliveryError(TypeHTTP, err)
	}
	req.Header.Set("Content-Type", contentType(s.cfg.Format))
	if s.cfg.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return deliveryError(TypeHTTP, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return errors.New().WithMessagef(errors.ErrDelivery, "http sink: %s %s: status %d", s.cfg.Method, s.cfg.URL, resp.StatusCode)
	}

	return nil
}

func (*HTTPSink) Close() error { return nil }
