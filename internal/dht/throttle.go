package dht

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle implements spec.md §4.3.8's failure semantics: a global
// inbound rate limit plus a per-IP malformed-packet counter that
// imposes a 10-minute source throttle once an IP exceeds 16 malformed
// packets in a minute. Replaces STX5-dht's hand-written
// util.ClientThrottle with golang.org/x/time/rate, which the rest of
// the pack already pulls in for exactly this kind of limiter.
type Throttle struct {
	global *rate.Limiter

	mu        sync.Mutex
	malformed map[string]*malformedCounter
	blocked   map[string]time.Time
}

type malformedCounter struct {
	count      int
	windowFrom time.Time
}

// NewThrottle constructs a Throttle admitting up to perSec inbound
// packets globally (burst = int(perSec)+1).
func NewThrottle(perSec float64) *Throttle {
	return &Throttle{
		global:    rate.NewLimiter(rate.Limit(perSec), int(perSec)+1),
		malformed: make(map[string]*malformedCounter),
		blocked:   make(map[string]time.Time),
	}
}

// Admit reports whether a packet from ip should be processed: false
// means drop it (globally rate-limited, or ip is under an active
// source throttle).
func (t *Throttle) Admit(ip string) bool {
	t.mu.Lock()
	if until, ok := t.blocked[ip]; ok {
		if time.Now().Before(until) {
			t.mu.Unlock()
			return false
		}
		delete(t.blocked, ip)
	}
	t.mu.Unlock()
	return t.global.Allow()
}

// RecordMalformed counts a malformed packet from ip, imposing a
// 10-minute throttle once the IP exceeds 16 in a rolling 1-minute
// window (spec.md §4.3.8).
func (t *Throttle) RecordMalformed(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	c, ok := t.malformed[ip]
	if !ok || now.Sub(c.windowFrom) > time.Minute {
		c = &malformedCounter{windowFrom: now}
		t.malformed[ip] = c
	}
	c.count++
	if c.count > 16 {
		t.blocked[ip] = now.Add(10 * time.Minute)
		delete(t.malformed, ip)
	}
}
