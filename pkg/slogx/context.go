package slogx

import (
	"context"
	"log/slog"
)

type (
	loggerKey    struct{}
	requestIDKey struct{}
)

// WithContext attaches logger to ctx.
func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger attached to ctx, or fallback (itself
// defaulting to slog.Default) when there is none.
func FromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return OrDefault(fallback)
}

// WithRequestID records reqID on ctx and tags the context logger with it.
// The logging Transport reuses the id, so client and wire logs correlate.
func WithRequestID(ctx context.Context, fallback *slog.Logger, reqID string) context.Context {
	l := FromContext(ctx, fallback).With("req_id", reqID)
	ctx = context.WithValue(ctx, requestIDKey{}, reqID)
	return WithContext(ctx, l)
}

// RequestID returns the id set by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
