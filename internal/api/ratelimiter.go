package api

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPRateLimiter keeps one token bucket per remote IP. Buckets idle for
// longer than idleTTL are purged once the table grows past maxVisitors.
type IPRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	r           rate.Limit
	b           int
	idleTTL     time.Duration
	maxVisitors int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter returns a limiter that allows requests per the given
// duration with the given burst.
func NewIPRateLimiter(requests int, per time.Duration, burst int) *IPRateLimiter {
	return &IPRateLimiter{
		visitors:    make(map[string]*visitor),
		r:           rate.Limit(float64(requests) / per.Seconds()),
		b:           burst,
		idleTTL:     10 * time.Minute,
		maxVisitors: 1000,
	}
}

// Allow reports whether a request from remoteAddr, a host:port pair as
// found in http.Request.RemoteAddr, may proceed.
func (rl *IPRateLimiter) Allow(remoteAddr string) bool {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		ip = remoteAddr
	}

	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.r, rl.b)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	lim := v.limiter

	if len(rl.visitors) > rl.maxVisitors {
		rl.purge()
	}
	rl.mu.Unlock()

	return lim.Allow()
}

// Len returns the number of tracked visitors.
func (rl *IPRateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

func (rl *IPRateLimiter) purge() {
	cutoff := time.Now().Add(-rl.idleTTL)
	for k, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, k)
		}
	}
}
