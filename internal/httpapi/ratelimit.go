package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	IPPerMinute int
	IPBurst     int
}

// RateLimiter keeps one token bucket per client address. Buckets idle for
// longer than idleTTL are dropped on the next sweep.
type RateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*limiterEntry
	idleTTL time.Duration
	swept   time.Time
	now     func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	perMinute := cfg.IPPerMinute
	if perMinute <= 0 {
		perMinute = 60
	}
	burst := cfg.IPBurst
	if burst <= 0 {
		burst = 20
	}
	return &RateLimiter{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   burst,
		clients: make(map[string]*limiterEntry),
		idleTTL: 10 * time.Minute,
		now:     time.Now,
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip != "" && !l.allow(ip) {
			writeError(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) allow(key string) bool {
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.swept) > l.idleTTL {
		for k, entry := range l.clients {
			if now.Sub(entry.lastSeen) > l.idleTTL {
				delete(l.clients, k)
			}
		}
		l.swept = now
	}
	entry, ok := l.clients[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = entry
	}
	entry.lastSeen = now
	l.mu.Unlock()
	return entry.limiter.AllowN(now, 1)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
