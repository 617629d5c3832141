package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// visitor pairs a limiter with a last-seen timestamp for eviction.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LoginLimiter throttles authorization starts per client IP so a scripted
// client cannot mint sessions at will.
type LoginLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     rate.Limit
	burst    int
}

// NewLoginLimiter allows r events per second per IP with the given burst.
// For "10 logins per minute" pass rate.Every(6*time.Second) with burst 10.
func NewLoginLimiter(r rate.Limit, burst int) *LoginLimiter {
	ll := &LoginLimiter{
		visitors: make(map[string]*visitor),
		rate:     r,
		burst:    burst,
	}
	go ll.evictLoop()
	return ll
}

func (ll *LoginLimiter) allow(ip string) bool {
	ll.mu.Lock()
	defer ll.mu.Unlock()

	v, ok := ll.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(ll.rate, ll.burst)}
		ll.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

// evictLoop drops IPs not seen in the last 10 minutes.
func (ll *LoginLimiter) evictLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		ll.mu.Lock()
		for ip, v := range ll.visitors {
			if time.Since(v.lastSeen) > 10*time.Minute {
				delete(ll.visitors, ip)
			}
		}
		ll.mu.Unlock()
	}
}

// Limit wraps a handler with the per-IP throttle. Over-limit requests get
// 429 with a Retry-After hint.
func (ll *LoginLimiter) Limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !ll.allow(clientIP(r)) {
			w.Header().Set("Retry-After", "60")
			jsonError(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}
		next(w, r)
	}
}

// clientIP resolves the client address, preferring the first hop of
// X-Forwarded-For when a reverse proxy sits in front.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
