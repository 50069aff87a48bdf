package sink

import (
	"context"
	"time"

	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/event"
	"codeberg.org/mutker/edgetel/internal/logger"
	"codeberg.org/mutker/edgetel/internal/params"
	"github.com/nats-io/nats.go"
)

const TypeNATS = "nats"

type natsSettings struct {
	URL     string `json:"url" validate:"required"`
	Subject string `json:"subject" validate:"required"`
	Format  Format `json:"format" validate:"omitempty,oneof=json cbor"`
	Name    string `json:"name"`
	Token   string `json:"token"`
}

// Publisher is the subset of *nats.Conn the sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
	Drain() error
}

var natsConnect = func(url string, opts ...nats.Option) (Publisher, error) {
	return nats.Connect(url, opts...)
}

// NATSSink publishes events to a subject. The subject may contain
// {namespace} and {origin} placeholders.
type NATSSink struct {
	cfg  natsSettings
	conn Publisher
	log  logger.Logger
}

func NewNATS() *NATSSink {
	return &NATSSink{log: logger.Component("sink").With("type", TypeNATS)}
}

func (s *NATSSink) Configure(_ context.Context, p map[string]any) error {
	if err := params.Decode(p, &s.cfg); err != nil {
		return err
	}
	if s.cfg.Format == "" {
		s.cfg.Format = FormatJSON
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			s.log.Info().Msg("NATS reconnected")
		}),
	}
	if s.cfg.Name != "" {
		opts = append(opts, nats.Name(s.cfg.Name))
	}
	if s.cfg.Token != "" {
		opts = append(opts, nats.Token(s.cfg.Token))
	}

	conn, err := natsConnect(s.cfg.URL, opts...)
	if err != nil {
		return errors.New().Wrapf(errors.ErrInitFailed, err, "connect %s", s.cfg.URL)
	}
	s.conn = conn

	return nil
}

func (s *NATSSink) Send(_ context.Context, ev event.DataEvent) error {
	data, err := Encode(ev, s.cfg.Format)
	if err != nil {
		return err
	}
	if err := s.conn.Publish(expandSubject(s.cfg.Subject, ev), data); err != nil {
		return deliveryError(TypeNATS, err)
	}
	return nil
}

func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
