package shield

import "net/http"

// HeaderConfig lists the headers set on every relay response.
type HeaderConfig struct {
	XContentTypeOptions string
	ReferrerPolicy      string
	CacheControl        string
}

// DefaultHeaders suits a JSON API serving live documents: no sniffing, no
// referrer, no caching.
func DefaultHeaders() HeaderConfig {
	return HeaderConfig{
		XContentTypeOptions: "nosniff",
		ReferrerPolicy:      "no-referrer",
		CacheControl:        "no-store",
	}
}

// SecurityHeaders sets the configured non-empty headers.
func SecurityHeaders(cfg HeaderConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			if cfg.XContentTypeOptions != "" {
				h.Set("X-Content-Type-Options", cfg.XContentTypeOptions)
			}
			if cfg.ReferrerPolicy != "" {
				h.Set("Referrer-Policy", cfg.ReferrerPolicy)
			}
			if cfg.CacheControl != "" {
				h.Set("Cache-Control", cfg.CacheControl)
			}
			next.ServeHTTP(w, r)
		})
	}
}
