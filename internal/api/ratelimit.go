package api

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// throttle applies a per-client token bucket. Buckets refill at refill
// tokens per second up to burst, and a bucket idle past staleAfter is
// dropped during the next sweep.
type throttle struct {
	refill     rate.Limit
	burst      int
	trustProxy bool
	logger     *slog.Logger

	mu        sync.Mutex
	buckets   map[string]*bucket
	nextSweep time.Time
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

const (
	throttleSweepEvery = 5 * time.Minute
	throttleStaleAfter = 10 * time.Minute
)

func newThrottle(refill float64, burst int, trustProxy bool, logger *slog.Logger) *throttle {
	return &throttle{
		refill:     rate.Limit(refill),
		burst:      burst,
		trustProxy: trustProxy,
		logger:     logger,
		buckets:    make(map[string]*bucket),
		nextSweep:  time.Now().Add(throttleSweepEvery),
	}
}

// take spends one token from the client's bucket, creating the bucket
// on first sight.
func (t *throttle) take(client string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if now.After(t.nextSweep) {
		t.sweepLocked(now)
	}

	b, ok := t.buckets[client]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(t.refill, t.burst)}
		t.buckets[client] = b
	}
	b.lastSeen = now
	return b.lim.Allow()
}

// sweepLocked drops idle buckets. Callers hold t.mu.
func (t *throttle) sweepLocked(now time.Time) {
	for client, b := range t.buckets {
		if now.Sub(b.lastSeen) > throttleStaleAfter {
			delete(t.buckets, client)
		}
	}
	t.nextSweep = now.Add(throttleSweepEvery)
}

// middleware rejects requests with 429 once the client's bucket runs
// dry.
func (t *throttle) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientIP(r, t.trustProxy)
		if !t.take(client) {
			t.logger.Warn("rate limit exceeded",
				"ip", client,
				"path", r.URL.Path,
				"method", r.Method,
			)
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", t.logger)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP resolves the address a request should be throttled under.
// Proxy headers only count when the deployment declared a trusted
// proxy in front; otherwise any caller could spoof its way to a fresh
// bucket.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if ip := proxyHeaderIP(r); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// proxyHeaderIP reads the client address a reverse proxy recorded:
// X-Real-IP when present, else the first hop of X-Forwarded-For.
// Values that do not parse as an IP are ignored.
func proxyHeaderIP(r *http.Request) string {
	candidate := r.Header.Get("X-Real-IP")
	if candidate == "" {
		xff := r.Header.Get("X-Forwarded-For")
		candidate, _, _ = strings.Cut(xff, ",")
	}
	if ip := net.ParseIP(strings.TrimSpace(candidate)); ip != nil {
		return ip.String()
	}
	return ""
}
