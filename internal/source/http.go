package source

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/httpclient"
	"codeberg.org/mutker/edgetel/internal/params"
	"codeberg.org/mutker/edgetel/internal/tree"
)

const (
	TypeHTTP        = "http"
	maxResponseSize = 16 << 20
)

type httpSettings struct {
	BaseURL string            `json:"baseUrl" validate:"required,url"`
	Headers map[string]string `json:"headers"`
	Timeout string            `json:"timeout"`
}

// HTTPSource GETs baseUrl+path for each endpoint. JSON bodies become
// trees; any other body is returned as a string.
type HTTPSource struct {
	baseURL string
	headers map[string]string
	client  *httpclient.Client
}

func NewHTTP(p map[string]any) (Source, error) {
	var s httpSettings
	if err := params.Decode(p, &s); err != nil {
		return nil, err
	}

	opts := []httpclient.Option{}
	if s.Timeout != "" {
		d, err := time.ParseDuration(s.Timeout)
		if err != nil {
			return nil, errors.New().Wrapf(errors.ErrInvalidConfig, err, "invalid timeout %q", s.Timeout)
		}
		opts = append(opts, httpclient.WithTimeout(d))
	}

	return &HTTPSource{
		baseURL: strings.TrimRight(s.BaseURL, "/"),
		headers: s.Headers,
		client:  httpclient.New("source:"+s.BaseURL, opts...),
	}, nil
}

func (s *HTTPSource) Fetch(ctx context.Context, ep Endpoint) (tree.Value, error) {
	errFactory := errors.New()

	url := s.baseURL
	if ep.Path != "" {
		url += "/" + strings.TrimLeft(ep.Path, "/")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return tree.Value{}, errFactory.Wrapf(errors.ErrFetch, err, "build request %s", url)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return tree.Value{}, errFactory.Wrapf(errors.ErrFetch, err, "GET %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return tree.Value{}, errFactory.WithMessagef(errors.ErrFetch, "GET %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return tree.Value{}, errFactory.Wrapf(errors.ErrFetch, err, "read %s", url)
	}

	if json.Valid(body) {
		return tree.ParseJSON(body)
	}

	return tree.String(string(body)), nil
}

func (s *HTTPSource) Close() error {
	return nil
}
