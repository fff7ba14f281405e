package websocket

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// handshakeLimiter throttles WebSocket upgrades per remote address.
// Entries idle for longer than idleTTL are pruned lazily.
type handshakeLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*addressLimit
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	lastPrune time.Time
	now       func() time.Time
}

type addressLimit struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newHandshakeLimiter(limit rate.Limit, burst int, idleTTL time.Duration) *handshakeLimiter {
	return &handshakeLimiter{
		limiters: make(map[string]*addressLimit),
		limit:    limit,
		burst:    burst,
		idleTTL:  idleTTL,
		now:      time.Now,
	}
}

// Allow reports whether address may open another connection now.
func (l *handshakeLimiter) Allow(address string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)

	entry, ok := l.limiters[address]
	if !ok {
		entry = &addressLimit{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[address] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *handshakeLimiter) pruneLocked(now time.Time) {
	if now.Sub(l.lastPrune) < l.idleTTL {
		return
	}
	for address, entry := range l.limiters {
		if now.Sub(entry.lastSeen) >= l.idleTTL {
			delete(l.limiters, address)
		}
	}
	l.lastPrune = now
}

func (l *handshakeLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
