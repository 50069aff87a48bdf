package logger

import (
	"io"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"codeberg.org/mutker/edgetel/internal/errors"
	"github.com/rs/zerolog"
)

var log atomic.Pointer[zerolog.Logger]

func init() {
	nop := zerolog.Nop()
	log.Store(&nop)
}

type LogLevel int8

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

type LogEvent struct {
	*zerolog.Event
}

func (e *LogEvent) Msg(msg string) {
	e.Event.Msg(msg)
}

func (e *LogEvent) Send() {
	e.Event.Send()
}

// Init initializes the logger writing to stdout
func Init(level LogLevel, isService bool) {
	InitWithWriter(os.Stdout, level, isService)
}

// InitWithWriter initializes the logger with an explicit output
func InitWithWriter(out io.Writer, level LogLevel, isService bool) {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}

	if isService {
		output.TimeFormat = ""
		output.FormatTimestamp = func(_ interface{}) string {
			return ""
		}
	}

	l := zerolog.New(output).With().Timestamp().Logger()
	log.Store(&l)

	SetLogLevel(level)
}

// SetLogLevel sets the global log level
func SetLogLevel(level LogLevel) {
	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// ParseLevel maps a configured level name to a LogLevel
func ParseLevel(name string) (LogLevel, error) {
	switch strings.ToLower(name) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, errors.New().WithMessagef(errors.ErrInvalidLogLevel, "invalid_log_level: %q", name)
	}
}

// IsService checks if the application is running as a service
func IsService() bool {
	if _, err := os.Stdin.Stat(); err != nil {
		return true
	}
	if os.Getenv("SERVICE_NAME") != "" || os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getppid() == 1 {
		return true
	}

	return syscall.Getpgrp() == syscall.Getpid()
}

// Debug logs a debug message
func Debug() *LogEvent {
	return &LogEvent{log.Load().Debug()}
}

// Info logs an info message
func Info() *LogEvent {
	return &LogEvent{log.Load().Info()}
}

// Warn logs a warning message
func Warn() *LogEvent {
	return &LogEvent{log.Load().Warn()}
}

// Error logs an error message
func Error() *LogEvent {
	return &LogEvent{log.Load().Error()}
}

// ErrorWithCode logs an error message carrying the error code when present
func ErrorWithCode(err error) *LogEvent {
	return withCode(log.Load().Error(), err)
}

// Fatal logs a fatal message and exits the program
func Fatal() *LogEvent {
	return &LogEvent{log.Load().Fatal()}
}

// FatalWithCode logs a fatal message with a specific error code and exits the program
func FatalWithCode(err error) *LogEvent {
	return withCode(log.Load().Fatal(), err)
}

func withCode(ev *zerolog.Event, err error) *LogEvent {
	if code, ok := errors.CodeOf(err); ok {
		ev = ev.Str("error_code", string(code))
	}

	return &LogEvent{ev.Err(err)}
}

// Component returns a Logger tagging every event with the component name
func Component(name string) Logger {
	return &fieldLogger{fields: []string{"component", name}}
}

type fieldLogger struct {
	fields []string
}

func (l *fieldLogger) event(ev *zerolog.Event) *zerolog.Event {
	for i := 0; i+1 < len(l.fields); i += 2 {
		ev = ev.Str(l.fields[i], l.fields[i+1])
	}

	return ev
}

func (l *fieldLogger) Debug() *LogEvent {
	return &LogEvent{l.event(log.Load().Debug())}
}

func (l *fieldLogger) Info() *LogEvent {
	return &LogEvent{l.event(log.Load().Info())}
}

func (l *fieldLogger) Warn() *LogEvent {
	return &LogEvent{l.event(log.Load().Warn())}
}

func (l *fieldLogger) Error() *LogEvent {
	return &LogEvent{l.event(log.Load().Error())}
}

func (l *fieldLogger) ErrorWithCode(err error) *LogEvent {
	return withCode(l.event(log.Load().Error()), err)
}

func (l *fieldLogger) WarnWithCode(err error) *LogEvent {
	return withCode(l.event(log.Load().Warn()), err)
}

func (l *fieldLogger) With(key, value string) Logger {
	fields := make([]string, 0, len(l.fields)+2)
	fields = append(fields, l.fields...)
	fields = append(fields, key, value)

	return &fieldLogger{fields: fields}
}
