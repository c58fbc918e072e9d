package shield

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type bucket struct {
	count   int
	resetAt time.Time
}

// WriteLimiter caps document writes (PUT requests) per client in fixed
// windows. Clients are keyed by X-Client-ID, falling back to the remote IP.
// Reads and websocket subscriptions are never limited.
type WriteLimiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewWriteLimiter allows max writes per window per client. max <= 0 returns
// nil, which RelayStack skips.
func NewWriteLimiter(max int, window time.Duration) *WriteLimiter {
	if max <= 0 {
		return nil
	}
	if window <= 0 {
		window = time.Second
	}
	return &WriteLimiter{max: max, window: window, now: time.Now, buckets: make(map[string]*bucket)}
}

// Allow records one write for key and reports whether it is within budget.
func (l *WriteLimiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || now.After(b.resetAt) {
		l.buckets[key] = &bucket{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	b.count++
	return b.count <= l.max
}

// GC drops expired buckets.
func (l *WriteLimiter) GC() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		if now.After(b.resetAt) {
			delete(l.buckets, k)
		}
	}
}

// StartGC runs GC every window until done is closed.
func (l *WriteLimiter) StartGC(done <-chan struct{}) {
	tick := time.NewTicker(10 * l.window)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				l.GC()
			}
		}
	}()
}

// Middleware answers 429 with a JSON error once a client exceeds its budget.
func (l *WriteLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get(HeaderClientID)
		if key == "" {
			key = ExtractIP(r)
		}
		if l.Allow(key) {
			next.ServeHTTP(w, r)
			return
		}

		GetLogger(r.Context()).Warn("ratelimit: write blocked", "key", key)
		w.Header().Set("Retry-After", strconv.Itoa(int(l.window.Seconds()+0.999)))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "write rate exceeded"})
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
