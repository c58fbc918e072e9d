package shield

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/boardsync/kit"
)

// HeaderClientID names the writing client on relay requests.
const HeaderClientID = "X-Client-ID"

// TraceID tags every request with a random trace id (context, X-Trace-ID
// response header) and stores a logger carrying it, the method, the path and
// the client id under LoggerKey.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw [4]byte
		rand.Read(raw[:])
		traceID := hex.EncodeToString(raw[:])

		ctx := kit.WithTraceID(r.Context(), traceID)
		attrs := []any{"trace_id", traceID, "method", r.Method, "path", r.URL.Path}
		if id := r.Header.Get(HeaderClientID); id != "" {
			ctx = kit.WithClientID(ctx, id)
			attrs = append(attrs, "client_id", id)
		}
		w.Header().Set("X-Trace-ID", traceID)

		ctx = context.WithValue(ctx, LoggerKey, slog.Default().With(attrs...))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
