package broker

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter rate-limits connection attempts per source IP so one
// misbehaving device cannot monopolise the accept loop. Entries for idle
// IPs are evicted lazily on use.
type ipLimiter struct {
	mu      sync.Mutex
	entries map[string]*ipLimiterEntry
	limit   rate.Limit
	burst   int

	lastSweep time.Time
}

type ipLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const (
	ipLimiterSweepEvery = 5 * time.Minute
	ipLimiterMaxAge     = 10 * time.Minute
)

func newIPLimiter(limit rate.Limit, burst int) *ipLimiter {
	return &ipLimiter{
		entries:   make(map[string]*ipLimiterEntry),
		limit:     limit,
		burst:     burst,
		lastSweep: time.Now(),
	}
}

// allow reports whether a connection from addr may proceed.
func (l *ipLimiter) allow(addr net.Addr) bool {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}

	l.mu.Lock()
	now := time.Now()
	if now.Sub(l.lastSweep) > ipLimiterSweepEvery {
		l.sweep(now)
	}
	entry, ok := l.entries[host]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[host] = entry
	}
	entry.lastSeen = now
	l.mu.Unlock()

	return entry.limiter.Allow()
}

// sweep removes entries not seen within ipLimiterMaxAge. Caller holds mu.
func (l *ipLimiter) sweep(now time.Time) {
	cutoff := now.Add(-ipLimiterMaxAge)
	for host, entry := range l.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(l.entries, host)
		}
	}
	l.lastSweep = now
}
