package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger is the narrow logging surface passed between components.
// Key/value pairs alternate: Info("attached", "target", id).
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	Err(err error, msg string, kv ...any)
	With(kv ...any) Logger
}

type zl struct {
	l zerolog.Logger
}

// New builds a zerolog-backed Logger writing to the given writers.
// Level accepts zerolog level names; unknown values fall back to info.
func New(level string, writers ...io.Writer) Logger {
	var w io.Writer
	switch len(writers) {
	case 0:
		w = zerolog.ConsoleWriter{Out: os.Stderr}
	case 1:
		w = writers[0]
	default:
		w = zerolog.MultiLevelWriter(writers...)
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return &zl{l: zerolog.New(w).Level(lvl).With().Timestamp().Logger()}
}

func (z *zl) Debug(msg string, kv ...any) { z.emit(z.l.Debug(), msg, kv) }
func (z *zl) Info(msg string, kv ...any)  { z.emit(z.l.Info(), msg, kv) }
func (z *zl) Warn(msg string, kv ...any)  { z.emit(z.l.Warn(), msg, kv) }
func (z *zl) Error(msg string, kv ...any) { z.emit(z.l.Error(), msg, kv) }

func (z *zl) Err(err error, msg string, kv ...any) {
	z.emit(z.l.Error().Err(err), msg, kv)
}

func (z *zl) With(kv ...any) Logger {
	return &zl{l: z.l.With().Fields(fields(kv)).Logger()}
}

func (z *zl) emit(ev *zerolog.Event, msg string, kv []any) {
	ev.Fields(fields(kv)).Msg(msg)
}

func fields(kv []any) map[string]any {
	if len(kv) == 0 {
		return nil
	}
	out := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out[k] = kv[i+1]
	}
	return out
}

type nop struct{}

// NewNop returns a Logger that discards everything. Used in tests.
func NewNop() Logger { return nop{} }

func (nop) Debug(string, ...any)      {}
func (nop) Info(string, ...any)       {}
func (nop) Warn(string, ...any)       {}
func (nop) Error(string, ...any)      {}
func (nop) Err(error, string, ...any) {}
func (nop) With(...any) Logger        { return nop{} }
