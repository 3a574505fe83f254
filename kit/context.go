package kit

import "context"

type contextKey string

const (
	RunIDKey     contextKey = "kit_run_id"
	TransportKey contextKey = "kit_transport" // "cli", "http", "mcp"
	TraceIDKey   contextKey = "kit_trace_id"
)

// WithRunID tags ctx with the import run it belongs to.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RunIDKey, id)
}

func GetRunID(ctx context.Context) string {
	v, _ := ctx.Value(RunIDKey).(string)
	return v
}

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}

// GetTransport defaults to "cli".
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "cli"
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}

// GetTraceID falls back to the run id so SQL traces correlate with runs.
func GetTraceID(ctx context.Context) string {
	if v, _ := ctx.Value(TraceIDKey).(string); v != "" {
		return v
	}
	return GetRunID(ctx)
}
