// Package breaker implements per-route circuit breakers for upstream calls.
//
// A route is one (credential, model) pair. Routes are created lazily on
// first use and live in a sharded map so the hot path never contends on a
// single lock.
package breaker

import (
	"hash/fnv"
	"sync"
	"time"
)

// State represents the operational state of a per-route circuit breaker.
//
//	StateClosed   — normal operation; all requests pass through.
//	StateOpen     — route is failing; requests are rejected immediately.
//	StateHalfOpen — recovery probe; one request is allowed through.
type State int

const (
	StateClosed   State = 0
	StateOpen     State = 1
	StateHalfOpen State = 2
)

const (
	defaultFailureThreshold = 5
	defaultCooldown         = 30 * time.Second

	shardCount = 16
)

// Config holds circuit breaker tuning parameters. Zero values fall back to
// the package defaults (5 consecutive failures, 30s cooldown).
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker. Default: 5.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before allowing a single
	// probe request. Default: 30s.
	Cooldown time.Duration
}

func (c *Config) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return defaultFailureThreshold
}

func (c *Config) cooldown() time.Duration {
	if c.Cooldown > 0 {
		return c.Cooldown
	}
	return defaultCooldown
}

// routeCB holds per-route circuit breaker state.
type routeCB struct {
	mu sync.Mutex

	state         State
	failures      int       // consecutive failures
	openedAt      time.Time // when the breaker was tripped (for cooldown timer)
	probeInflight bool      // true while a half-open probe is in flight
}

type shard struct {
	mu     sync.RWMutex
	routes map[string]*routeCB
}

// Breaker manages independent circuit breakers for every (credential, model)
// route. It is safe for concurrent use from multiple goroutines.
type Breaker struct {
	shards [shardCount]*shard
	cfg    Config
}

func New(cfg Config) *Breaker {
	b := &Breaker{cfg: cfg}
	for i := range b.shards {
		b.shards[i] = &shard{routes: make(map[string]*routeCB)}
	}
	return b
}

// Key builds the route key for a (credential, model) pair.
func Key(credentialID, model string) string {
	return credentialID + "|" + model
}

// Allow reports whether the route should receive the next request.
//
//   - Closed  → always true.
//   - Open    → false, unless the cooldown has elapsed, in which case the
//     breaker transitions to HalfOpen and allows one probe.
//   - HalfOpen → true only if no probe is currently in flight.
func (b *Breaker) Allow(key string) bool {
	rcb := b.get(key)

	rcb.mu.Lock()
	defer rcb.mu.Unlock()

	switch rcb.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(rcb.openedAt) >= b.cfg.cooldown() {
			// Transition to half-open: allow exactly one probe request.
			rcb.state = StateHalfOpen
			rcb.probeInflight = true
			return true
		}
		return false

	case StateHalfOpen:
		if rcb.probeInflight {
			// A probe is already in flight — reject other requests.
			return false
		}
		rcb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess resets the route to Closed regardless of its previous state.
func (b *Breaker) RecordSuccess(key string) {
	rcb := b.get(key)

	rcb.mu.Lock()
	defer rcb.mu.Unlock()

	rcb.state = StateClosed
	rcb.failures = 0
	rcb.probeInflight = false
}

// RecordFailure increments the consecutive-failure counter. Reaching the
// threshold, or failing a half-open probe, opens the breaker.
func (b *Breaker) RecordFailure(key string) {
	rcb := b.get(key)

	rcb.mu.Lock()
	defer rcb.mu.Unlock()

	rcb.failures++

	if rcb.state == StateHalfOpen {
		// Failed probe: back to open, restart the cooldown.
		rcb.state = StateOpen
		rcb.openedAt = time.Now()
		rcb.probeInflight = false
		return
	}

	if rcb.failures >= b.cfg.failureThreshold() {
		rcb.state = StateOpen
		rcb.openedAt = time.Now()
	}
}

// CancelProbe releases a half-open probe slot without recording an outcome.
// Callers use it when an admitted attempt dies before any upstream I/O (a
// missing base URL, an unreadable credential), so the slot does not stay
// reserved forever and the next request can probe. No-op in other states.
func (b *Breaker) CancelProbe(key string) {
	rcb := b.get(key)

	rcb.mu.Lock()
	defer rcb.mu.Unlock()

	if rcb.state == StateHalfOpen {
		rcb.probeInflight = false
	}
}

// State returns the current State for the route (useful for metrics export).
func (b *Breaker) State(key string) State {
	rcb := b.get(key)
	rcb.mu.Lock()
	defer rcb.mu.Unlock()
	return rcb.state
}

// StateLabel returns a human-readable state name: "closed", "open", or "half_open".
func (b *Breaker) StateLabel(key string) string {
	switch b.State(key) {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (b *Breaker) get(key string) *routeCB {
	s := b.shards[shardIndex(key)]

	s.mu.RLock()
	rcb := s.routes[key]
	s.mu.RUnlock()
	if rcb != nil {
		return rcb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rcb = s.routes[key]; rcb == nil {
		rcb = &routeCB{state: StateClosed}
		s.routes[key] = rcb
	}
	return rcb
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}
