// Package shield is the relay's HTTP middleware: request tracing with a
// per-request logger, an access log, API response headers, a JSON body limit
// and a per-client write limiter.
//
//	r := chi.NewRouter()
//	for _, mw := range shield.RelayStack(8<<20, limiter) {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// RelayStack returns the standard middleware for the relay, outermost first:
// TraceID → AccessLog → SecurityHeaders → MaxJSONBody → limiter.
// A nil limiter is skipped.
func RelayStack(maxBody int64, limiter *WriteLimiter) []func(http.Handler) http.Handler {
	stack := []func(http.Handler) http.Handler{
		TraceID,
		AccessLog,
		SecurityHeaders(DefaultHeaders()),
		MaxJSONBody(maxBody),
	}
	if limiter != nil {
		stack = append(stack, limiter.Middleware)
	}
	return stack
}

// GetLogger retrieves the per-request logger, or slog.Default.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
