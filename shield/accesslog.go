package shield

import (
	"net/http"

	"github.com/felixge/httpsnoop"
)

// AccessLog logs one line per request with status, size and duration,
// through the per-request logger installed by TraceID. Websocket upgrades
// are logged when the connection ends.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		log := GetLogger(r.Context())
		args := []any{"status", m.Code, "bytes", m.Written, "duration", m.Duration}
		if m.Code >= 500 {
			log.Error("http: request", args...)
			return
		}
		log.Info("http: request", args...)
	})
}
