package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL     = 30 * time.Minute
	limiterSweepPeriod = 5 * time.Minute
	maxLimiters        = 10_000
)

type ipLimiter struct {
	limiter *rate.Limiter
	last    time.Time
}

// ipLimiters keeps one token bucket per TCP peer so that a gateway retry
// storm from one source cannot starve the others. At most max buckets are
// held; new peers are refused while the table is full.
type ipLimiters struct {
	rps   rate.Limit
	burst int
	max   int

	mu       sync.Mutex
	limiters map[string]*ipLimiter
}

func newIPLimiters(rps float64, burst int) *ipLimiters {
	return &ipLimiters{rps: rate.Limit(rps), burst: burst, max: maxLimiters, limiters: make(map[string]*ipLimiter)}
}

func (l *ipLimiters) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[ip]
	if !ok {
		if len(l.limiters) >= l.max {
			l.sweepLocked(now)
			if len(l.limiters) >= l.max {
				return false
			}
		}
		lim = &ipLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[ip] = lim
	}
	lim.last = now
	return lim.limiter.AllowN(now, 1)
}

func (l *ipLimiters) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(now)
}

func (l *ipLimiters) sweepLocked(now time.Time) {
	for ip, lim := range l.limiters {
		if now.Sub(lim.last) > limiterIdleTTL {
			delete(l.limiters, ip)
		}
	}
}

func (l *ipLimiters) startSweeper(ctx context.Context) {
	go func() {
		t := time.NewTicker(limiterSweepPeriod)
		defer t.Stop()
		for {
			select {
			case now := <-t.C:
				l.sweep(now)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (l *ipLimiters) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(peerIP(r), time.Now()) {
			rateLimitedCounter.Inc()
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type peerAddrKey struct{}

// capturePeer stores the socket address before middleware.RealIP rewrites
// RemoteAddr from client supplied headers.
func capturePeer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), peerAddrKey{}, r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// peerIP is the address of the TCP peer, never a forwarded header.
func peerIP(r *http.Request) string {
	addr, ok := r.Context().Value(peerAddrKey{}).(string)
	if !ok {
		addr = r.RemoteAddr
	}
	return hostOnly(addr)
}

// remoteIP is the client address as reported by middleware.RealIP. Only use
// it for logging and audit fields.
func remoteIP(r *http.Request) string {
	return hostOnly(r.RemoteAddr)
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
