// Package limits provides admission control for the accept loop: connection
// rate limiting and resource-pressure checks.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnRateLimiter rate limits connection attempts at two levels: a global
// token bucket protecting the whole server, and one bucket per source IP so
// a single flooding host cannot spend the global budget. Idle IP entries are
// dropped by a background sweep.
type ConnRateLimiter struct {
	global *rate.Limiter

	mu      sync.RWMutex
	byIP    map[string]*ipLimiterEntry
	perIP   rate.Limit
	ipBurst int
	ipTTL   time.Duration

	logger zerolog.Logger
	stop   chan struct{}
	once   sync.Once
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewConnRateLimiter builds a limiter allowing globalRate and perIPRate
// sustained connections per second. Burst is 2x the sustained rate (minimum
// 1) so reconnection storms after a network blip are not punished.
func NewConnRateLimiter(globalRate, perIPRate float64, logger zerolog.Logger) *ConnRateLimiter {
	l := &ConnRateLimiter{
		global:  rate.NewLimiter(rate.Limit(globalRate), burst(globalRate)),
		byIP:    make(map[string]*ipLimiterEntry),
		perIP:   rate.Limit(perIPRate),
		ipBurst: burst(perIPRate),
		ipTTL:   5 * time.Minute,
		logger:  logger.With().Str("component", "conn_rate_limiter").Logger(),
		stop:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

func burst(sustained float64) int {
	b := int(sustained * 2)
	if b < 1 {
		b = 1
	}
	return b
}

// Allow reports whether a connection from ip may proceed. The reason is
// "global" or "per_ip" when denied, empty when allowed.
func (l *ConnRateLimiter) Allow(ip string) (ok bool, reason string) {
	if !l.global.Allow() {
		l.logger.Debug().Str("ip", ip).Msg("connection rejected by global rate limit")
		return false, "global"
	}
	if !l.ipLimiter(ip).Allow() {
		l.logger.Debug().Str("ip", ip).Msg("connection rejected by per-IP rate limit")
		return false, "per_ip"
	}
	return true, ""
}

func (l *ConnRateLimiter) ipLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.byIP[ip]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(l.perIP, l.ipBurst)}
		l.byIP[ip] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter
}

func (l *ConnRateLimiter) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

func (l *ConnRateLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-l.ipTTL)
	removed := 0
	for ip, entry := range l.byIP {
		if entry.lastAccess.Before(cutoff) {
			delete(l.byIP, ip)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().Int("removed", removed).Int("remaining", len(l.byIP)).
			Msg("swept idle IP limiters")
	}
}

// Stop ends the sweep goroutine.
func (l *ConnRateLimiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// TrackedIPs reports how many source IPs currently hold a limiter.
func (l *ConnRateLimiter) TrackedIPs() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byIP)
}
