package kit

import "context"

type contextKey string

const (
	TransportKey contextKey = "kit_transport" // "http", "mcp"
	TraceIDKey   contextKey = "kit_trace_id"
	ClientIDKey  contextKey = "kit_client_id"
)

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}

// GetTransport defaults to "http".
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

// WithClientID records the replicating client a request acts for.
func WithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ClientIDKey, id)
}
func GetClientID(ctx context.Context) string {
	v, _ := ctx.Value(ClientIDKey).(string)
	return v
}
