package network

import (
	"sync"

	"golang.org/x/time/rate"
)

const (
	// DefaultInboundPerSecond is the steady inbound message rate per connection.
	DefaultInboundPerSecond = 20
	// DefaultInboundBurst is the inbound burst allowance per connection.
	DefaultInboundBurst = 40
	// DefaultAcceptPerSecond limits new inbound upgrades across the server.
	DefaultAcceptPerSecond = 10
	// DefaultAcceptBurst is the accept burst allowance.
	DefaultAcceptBurst = 20
)

// RateLimiter hands out per-connection inbound limiters and counts drops.
type RateLimiter struct {
	perSecond float64
	burst     int

	accept *rate.Limiter

	mu      sync.Mutex
	dropped map[string]int64
}

// NewRateLimiter creates a limiter. A non-positive rate disables limiting.
func NewRateLimiter(perSecond float64, burst int, acceptPerSecond float64, acceptBurst int) *RateLimiter {
	return &RateLimiter{
		perSecond: perSecond,
		burst:     burst,
		accept:    newLimiter(acceptPerSecond, acceptBurst),
		dropped:   make(map[string]int64),
	}
}

// ForConnection returns a fresh limiter for one connection.
func (rl *RateLimiter) ForConnection() *rate.Limiter {
	return newLimiter(rl.perSecond, rl.burst)
}

// AllowAccept reports whether another inbound upgrade may proceed.
func (rl *RateLimiter) AllowAccept() bool {
	return rl.accept.Allow()
}

// RecordDrop counts one inbound message discarded for addr.
func (rl *RateLimiter) RecordDrop(addr string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.dropped[addr]++
}

// Dropped returns how many inbound messages were discarded for addr.
func (rl *RateLimiter) Dropped(addr string) int64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.dropped[addr]
}

// Forget clears counters for a closed connection.
func (rl *RateLimiter) Forget(addr string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.dropped, addr)
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
