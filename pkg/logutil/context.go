package logutil

import (
	"context"
	"log/slog"
)

type loggerKey struct{}

// WithContext stores a request-scoped logger. HTTP middleware attaches one
// per request so handlers pick up the request attributes for free.
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext returns the logger stored by WithContext, or the process
// default when the context carries none.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
