// Package log provides the logging surface used across nat-port-mapper.
//
// It is a thin wrapper around log/slog. Components hold a *LazyLogger and
// never cache the underlying *slog.Logger, so redirecting output at runtime
// (SetOutput, SetLevel) affects every already-constructed component.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
)

var defaultLogger = slog.Default()

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// SetDefault sets the package-wide default logger.
func SetDefault(l *slog.Logger) {
	defaultLogger = l
	slog.SetDefault(l)
}

// SetOutput redirects the default logger's output, keeping its level.
func SetOutput(w io.Writer) {
	level := slog.LevelError
	for _, l := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn} {
		if slog.Default().Enabled(context.Background(), l) {
			level = l
			break
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	defaultLogger = slog.New(slog.NewTextHandler(w, opts))
	slog.SetDefault(defaultLogger)
}

// SetLevel rebuilds the default logger at the given level, writing to stderr.
func SetLevel(level slog.Level) {
	opts := &slog.HandlerOptions{Level: level}
	defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, opts))
	slog.SetDefault(defaultLogger)
}

// LazyLogger reads slog.Default() on every call, so it always reflects the
// most recent SetDefault/SetOutput/SetLevel call even if constructed earlier.
type LazyLogger struct {
	component string
}

func (l *LazyLogger) Debug(msg string, args ...any) {
	slog.Default().With("component", l.component).Debug(msg, args...)
}

func (l *LazyLogger) Info(msg string, args ...any) {
	slog.Default().With("component", l.component).Info(msg, args...)
}

func (l *LazyLogger) Warn(msg string, args ...any) {
	slog.Default().With("component", l.component).Warn(msg, args...)
}

func (l *LazyLogger) Error(msg string, args ...any) {
	slog.Default().With("component", l.component).Error(msg, args...)
}

func (l *LazyLogger) With(args ...any) *slog.Logger {
	return slog.Default().With("component", l.component).With(args...)
}

// Logger returns a lazily-bound logger tagged with a component name.
func Logger(component string) *LazyLogger {
	return &LazyLogger{component: component}
}

func init() {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, opts))
}
