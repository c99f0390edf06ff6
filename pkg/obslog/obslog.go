// Package obslog builds structured loggers for the kernel constructors
// that take one (the Effect Executor), mirroring the component-scoped *slog.Logger pattern
// used across the runtime (observability.go's "component" field, api
// package's request-scoped loggers).
package obslog

import (
	"log/slog"
	"os"
)

// New returns a JSON slog.Logger scoped to component via a "component"
// attribute, writing to stderr at the given level. Kernel constructors
// take a *slog.Logger directly rather than reaching for a package-global
// logger, so tests can inject a discard logger or a buffer-backed one.
func New(component string, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("component", component)
}

// Discard returns a logger that drops everything, for tests and call
// sites that did not configure logging explicitly.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
