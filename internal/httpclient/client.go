// Package httpclient wraps outbound HTTP calls of sources and sinks in a
// circuit breaker. Requests are not retried: a failed poll or delivery is
// retried by the next scheduled cycle.
package httpclient

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"codeberg.org/mutker/edgetel/internal/errors"
	"github.com/sony/gobreaker/v2"
)

const (
	DefaultTimeout         = 30 * time.Second
	defaultTripAfter       = 5
	defaultBreakerInterval = 60 * time.Second
	defaultBreakerTimeout  = 30 * time.Second
	userAgent              = "edgetel"
)

// StatusError reports a response treated as a failure.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// Client is an http.Client behind a circuit breaker. Responses with
// status 429 or 5xx count as failures and are returned as a *StatusError
// after the body is closed.
type Client struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

type Option func(*settings)

type settings struct {
	timeout   time.Duration
	tripAfter uint32
	open      time.Duration
	transport http.RoundTripper
}

func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithTripAfter opens the breaker after n consecutive failures.
func WithTripAfter(n uint32) Option {
	return func(s *settings) { s.tripAfter = n }
}

// WithOpenTimeout sets how long the breaker stays open before probing.
func WithOpenTimeout(d time.Duration) Option {
	return func(s *settings) { s.open = d }
}

func WithTransport(rt http.RoundTripper) Option {
	return func(s *settings) { s.transport = rt }
}

// New creates a Client. name identifies the breaker in errors and logs.
func New(name string, opts ...Option) *Client {
	s := settings{
		timeout:   DefaultTimeout,
		tripAfter: defaultTripAfter,
		open:      defaultBreakerTimeout,
	}
	for _, opt := range opts {
		opt(&s)
	}

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    defaultBreakerInterval,
		Timeout:     s.open,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.tripAfter
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &Client{
		client:  &http.Client{Timeout: s.timeout, Transport: s.transport},
		breaker: cb,
	}
}

// Do executes req. The caller closes the body of a returned response.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		r, doErr := c.client.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		if r.StatusCode >= http.StatusInternalServerError || r.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(io.LimitReader(r.Body, 512))
			r.Body.Close()
			return nil, &StatusError{StatusCode: r.StatusCode, Body: string(body)}
		}
		return r, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errors.New().Wrapf(errors.ErrUnavailable, err, "circuit %s open", c.breaker.Name())
		}
		return nil, err
	}

	return resp, nil
}

// State returns the breaker state name.
func (c *Client) State() string {
	return c.breaker.State().String()
}
