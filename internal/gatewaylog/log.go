// Package gatewaylog sets up the gateway's structured logger, the same
// JSON slog handler the teacher's server package installs as the
// process default.
package gatewaylog

import (
	"context"
	"io"
	"log/slog"
)

// New builds a JSON-handler slog.Logger writing to w.
func New(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, nil))
}

type requestIDKey struct{}

// WithRequestID attaches requestID to ctx for later retrieval by
// FromContext, and as a log field on logger.
func WithRequestID(ctx context.Context, logger *slog.Logger, requestID string) (context.Context, *slog.Logger) {
	ctx = context.WithValue(ctx, requestIDKey{}, requestID)
	return ctx, logger.With("request_id", requestID)
}

// RequestIDFromContext returns the request ID attached by
// WithRequestID, or "" if none was attached.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
