// Package fallback walks a request through its fallback chain.
//
// A chain is an ordered list of (vendor, model) hops plus the trigger
// conditions that justify moving on. The engine keeps one walk per request,
// keyed by request ID, so concurrent requests over the same chain never
// share position. Walks are short-lived: the proxy ends them as soon as the
// request settles.
package fallback

import (
	"sync"
	"time"

	"github.com/nulpointcorp/botgate/internal/store"
)

// Walk is the per-request position inside a chain.
type Walk struct {
	chain    store.FallbackChain
	attempts int // hops consumed after the primary attempt
}

// Engine owns all in-flight walks.
type Engine struct {
	mu    sync.Mutex
	walks map[string]*Walk
}

func New() *Engine {
	return &Engine{walks: make(map[string]*Walk)}
}

// ShouldTrigger reports whether a failure qualifies for fallback under the
// chain's trigger sets, or because the attempt outlived the chain's timeout
// bound. Empty trigger sets match nothing, so an operator who lists neither
// codes nor types nor a timeout has disabled the chain without deleting it.
// Non-retryable error types never trigger regardless of configuration.
func ShouldTrigger(chain store.FallbackChain, status int, errType string, responseTime time.Duration) bool {
	if !Retryable(errType) {
		return false
	}
	if chain.TriggerTimeoutMs > 0 && responseTime > time.Duration(chain.TriggerTimeoutMs)*time.Millisecond {
		return true
	}
	for _, code := range chain.TriggerStatusCodes {
		if code == status {
			return true
		}
	}
	for _, t := range chain.TriggerErrorTypes {
		if t == errType {
			return true
		}
	}
	return false
}

// Begin registers a walk for the request. Calling Begin twice for the same
// request ID restarts the walk.
func (e *Engine) Begin(requestID string, chain store.FallbackChain) {
	e.mu.Lock()
	e.walks[requestID] = &Walk{chain: chain}
	e.mu.Unlock()
}

// Next returns the next hop for the request, or false when the chain or the
// retry budget is exhausted. A MaxRetries of 0 means the chain length is the
// only bound.
func (e *Engine) Next(requestID string) (store.ChainModel, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.walks[requestID]
	if !ok {
		return store.ChainModel{}, false
	}
	if w.chain.MaxRetries > 0 && w.attempts >= w.chain.MaxRetries {
		return store.ChainModel{}, false
	}
	if w.attempts >= len(w.chain.Models) {
		return store.ChainModel{}, false
	}
	hop := w.chain.Models[w.attempts]
	w.attempts++
	return hop, true
}

// Delay returns how long to pause before the request's next hop.
func (e *Engine) Delay(requestID string) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.walks[requestID]; ok && w.chain.RetryDelayMs > 0 {
		return time.Duration(w.chain.RetryDelayMs) * time.Millisecond
	}
	return 0
}

// Attempts reports how many hops the request has consumed.
func (e *Engine) Attempts(requestID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.walks[requestID]; ok {
		return w.attempts
	}
	return 0
}

// End discards the request's walk. Safe to call for unknown IDs.
func (e *Engine) End(requestID string) {
	e.mu.Lock()
	delete(e.walks, requestID)
	e.mu.Unlock()
}

// Active reports how many walks are in flight (metrics export).
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.walks)
}
