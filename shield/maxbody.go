package shield

import "net/http"

// MaxJSONBody caps request bodies of PUT and POST requests at maxBytes. The
// handler sees a read error once the cap is crossed and should answer 413.
func MaxJSONBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 && (r.Method == http.MethodPut || r.Method == http.MethodPost) {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
