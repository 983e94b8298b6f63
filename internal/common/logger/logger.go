package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the action-oriented structured logger every component receives
// through its constructor.
type Logger interface {
	Info(action string, fields map[string]any)
	Debug(action string, fields map[string]any)
	Warn(action string, fields map[string]any)
	Error(action string, err error, fields map[string]any)
	With(fields map[string]any) Logger
}

type zeroLogger struct{ zl zerolog.Logger }

// timestampHook stamps each entry itself so the field name and format stay
// local to this package.
var timestampHook = zerolog.HookFunc(func(e *zerolog.Event, _ zerolog.Level, _ string) {
	e.Str("timestamp", time.Now().UTC().Format(time.RFC3339Nano))
})

// New writes JSON lines to stdout tagged with the service name and host.
func New(service, level string) Logger { return NewWithWriter(service, os.Stdout, level) }

// NewWithWriter builds a logger at level (debug|info|warn|error). Unknown
// values fall back to info. The level belongs to this logger and the ones
// derived from it through With.
func NewWithWriter(service string, w io.Writer, level string) Logger {
	zl := zerolog.New(w).
		Level(parseLevel(level)).
		Hook(timestampHook).
		With().
		Str("service", service).
		Str("hostname", hostname()).
		Logger()
	return &zeroLogger{zl: zl}
}

// Nop discards everything.
func Nop() Logger { return &zeroLogger{zl: zerolog.Nop()} }

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func (l *zeroLogger) Info(action string, fields map[string]any) {
	l.emit(l.zl.Info(), action, fields)
}

func (l *zeroLogger) Debug(action string, fields map[string]any) {
	l.emit(l.zl.Debug(), action, fields)
}

func (l *zeroLogger) Warn(action string, fields map[string]any) {
	l.emit(l.zl.Warn(), action, fields)
}

func (l *zeroLogger) Error(action string, err error, fields map[string]any) {
	ev := l.zl.Error()
	if err != nil {
		ev = ev.Dict("error", zerolog.Dict().
			Str("msg", err.Error()).
			Str("type", fmt.Sprintf("%T", err)))
	}
	l.emit(ev, action, fields)
}

func (l *zeroLogger) With(fields map[string]any) Logger {
	return &zeroLogger{zl: l.zl.With().Fields(fields).Logger()}
}

func (l *zeroLogger) emit(ev *zerolog.Event, action string, fields map[string]any) {
	if ev == nil {
		return
	}
	ev.Str("action", action).Fields(fields).Msg(action)
}

func hostname() string { h, _ := os.Hostname(); return h }
