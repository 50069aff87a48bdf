package sink

import (
	"context"
	"encoding/json"

	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/event"
	"codeberg.org/mutker/edgetel/internal/logger"
	"codeberg.org/mutker/edgetel/internal/params"
)

const TypeDefault = "default"

type logSettings struct {
	Level string `json:"level" validate:"omitempty,oneof=debug info warn"`
}

// LogSink writes every event to the agent log.
type LogSink struct {
	level string
	log   logger.Logger
}

func NewLog() *LogSink {
	return &LogSink{level: "info", log: logger.Component("sink")}
}

func (s *LogSink) Configure(_ context.Context, p map[string]any) error {
	var cfg logSettings
	if err := params.Decode(p, &cfg); err != nil {
		return err
	}
	if cfg.Level != "" {
		s.level = cfg.Level
	}
	return nil
}

func (s *LogSink) Send(_ context.Context, ev event.DataEvent) error {
	var e *logger.LogEvent
	switch s.level {
	case "debug":
		e = s.log.Debug()
	case "warn":
		e = s.log.Warn()
	default:
		e = s.log.Info()
	}

	e.Str("namespace", ev.Namespace).
		Str("origin", ev.Origin()).
		Str("payload", ev.Payload.String()).
		Msg("Event")

	return nil
}

func (*LogSink) Close() error { return nil }

// JSONSink serves the latest event as a JSON document.
type JSONSink struct {
	payloadOnly bool
}

type jsonSettings struct {
	PayloadOnly bool `json:"payloadOnly"`
}

func NewJSON() *JSONSink {
	return &JSONSink{}
}

func (s *JSONSink) Configure(_ context.Context, p map[string]any) error {
	var cfg jsonSettings
	if err := params.Decode(p, &cfg); err != nil {
		return err
	}
	s.payloadOnly = cfg.PayloadOnly
	return nil
}

func (s *JSONSink) Render(ev event.DataEvent) ([]byte, string, error) {
	var (
		data []byte
		err  error
	)
	if s.payloadOnly {
		data, err = json.Marshal(ev.Payload)
	} else {
		data, err = json.Marshal(RecordOf(ev))
	}
	if err != nil {
		return nil, "", errors.New().Wrap(errors.ErrInternal, err)
	}

	return data, "application/json", nil
}

func (*JSONSink) Close() error { return nil }
