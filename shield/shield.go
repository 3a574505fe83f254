// Package shield holds the HTTP middleware in front of the ingestion API:
// fixed response headers, JSON body checks, per-request trace ids and HEAD
// for health checks.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.APIStack(logger, 64*1024) {
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

// APIStack returns the middleware stack for the JSON API, outermost first:
// HeadAsGet for /healthz and /metrics, APIHeaders, JSONBody, TraceID.
func APIStack(logger *slog.Logger, maxBody int64) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadAsGet("/healthz", "/metrics"),
		APIHeaders,
		JSONBody(maxBody),
		TraceID(logger),
	}
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
