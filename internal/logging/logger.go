// Package logging defines the structured logger used across drivepulse and its
// logrus-backed implementation.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a context-aware, structured logger.
//
// The variadic args are key/value pairs:
//
//	log.Info(ctx, "chunk written", "dest", dest, "offset", off)
type Logger interface {
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that always carries the given pairs.
	With(args ...any) Logger
}

type LogrusLogger struct {
	e *logrus.Entry
}

// New builds a logrus logger writing to out. level is a logrus level name
// ("debug", "info", ...); format is "text" or "json".
func New(out io.Writer, level, format string) *LogrusLogger {
	if out == nil {
		out = os.Stderr
	}
	l := logrus.New()
	l.SetOutput(out)
	if strings.EqualFold(format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: "2006/01/02 15:04:05",
			FullTimestamp:   true,
			DisableColors:   true,
		})
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return &LogrusLogger{e: logrus.NewEntry(l)}
}

// Nop returns a logger that discards everything. Handy in tests.
func Nop() *LogrusLogger {
	return New(io.Discard, "panic", "text")
}

func (l *LogrusLogger) Debug(ctx context.Context, msg string, args ...any) {
	l.entry(ctx, args).Debug(msg)
}

func (l *LogrusLogger) Info(ctx context.Context, msg string, args ...any) {
	l.entry(ctx, args).Info(msg)
}

func (l *LogrusLogger) Warn(ctx context.Context, msg string, args ...any) {
	l.entry(ctx, args).Warn(msg)
}

func (l *LogrusLogger) Error(ctx context.Context, msg string, args ...any) {
	l.entry(ctx, args).Error(msg)
}

func (l *LogrusLogger) With(args ...any) Logger {
	return &LogrusLogger{e: l.e.WithFields(toFields(args))}
}

func (l *LogrusLogger) entry(ctx context.Context, args []any) *logrus.Entry {
	e := l.e
	if ctx != nil {
		e = e.WithContext(ctx)
		if id := RequestIDFromContext(ctx); id != "" {
			e = e.WithField("req_id", id)
		}
	}
	if len(args) == 0 {
		return e
	}
	return e.WithFields(toFields(args))
}

// toFields turns key/value pairs into logrus fields. A dangling value is kept
// under "!BADKEY", mirroring slog.
func toFields(args []any) logrus.Fields {
	f := make(logrus.Fields, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			f["!BADKEY"] = args[i]
			break
		}
		k, ok := args[i].(string)
		if !ok {
			k = fmt.Sprint(args[i])
		}
		v := args[i+1]
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		f[k] = v
	}
	return f
}
