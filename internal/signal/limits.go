package signal

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

func newTokenBucket(ratePerSec float64, burst int) *rate.Limiter {
	if ratePerSec < 0 {
		ratePerSec = 0
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(ratePerSec), burst)
}

// minIdle bounds how often ipLimiter sweeps idle addresses.
const minIdle = time.Minute

type ipEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// ipLimiter keeps one token bucket per client address. An address idle for
// longer than its bucket takes to refill is forgotten, since a fresh bucket
// would grant it the same budget.
type ipLimiter struct {
	mu      sync.Mutex
	buckets map[string]*ipEntry
	rate    float64
	burst   int
	idle    time.Duration
	swept   time.Time
	now     func() time.Time
}

func newIPLimiter(ratePerSec float64, burst int) *ipLimiter {
	l := &ipLimiter{
		buckets: make(map[string]*ipEntry),
		rate:    ratePerSec,
		burst:   max(burst, 1),
		idle:    minIdle,
		now:     time.Now,
	}
	if ratePerSec > 0 {
		l.idle = max(time.Duration(float64(l.burst)/ratePerSec*float64(time.Second)), minIdle)
	}
	return l
}

func (l *ipLimiter) Allow(ip string) bool {
	if l.rate <= 0 || ip == "" {
		return true
	}
	now := l.now()
	l.mu.Lock()
	if now.Sub(l.swept) >= l.idle {
		l.sweep(now)
	}
	e, ok := l.buckets[ip]
	if !ok {
		e = &ipEntry{lim: newTokenBucket(l.rate, l.burst)}
		l.buckets[ip] = e
	}
	e.seen = now
	l.mu.Unlock()
	return e.lim.AllowN(now, 1)
}

// sweep drops addresses idle for at least l.idle. Callers hold l.mu.
func (l *ipLimiter) sweep(now time.Time) {
	for ip, e := range l.buckets {
		if now.Sub(e.seen) >= l.idle {
			delete(l.buckets, ip)
		}
	}
	l.swept = now
}

func (l *ipLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

type connLimiter struct {
	mu    sync.Mutex
	limit int
	inUse int
}

func (l *connLimiter) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit > 0 && l.inUse >= l.limit {
		return false
	}
	l.inUse++
	return true
}

func (l *connLimiter) Release() {
	l.mu.Lock()
	if l.inUse > 0 {
		l.inUse--
	}
	l.mu.Unlock()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
