package routing

import (
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nulpointcorp/botgate/internal/store"
)

// matches evaluates a keyword rule against the last user message.
//
//	regex   — a Go regular expression, compiled case-insensitively.
//	keyword — pipe-separated substrings, any match wins.
//	intent  — like keyword but whole-word only.
func (e *Engine) matches(rule store.RoutingRule, message string) bool {
	if rule.Pattern == "" || message == "" {
		return false
	}
	switch rule.MatchType {
	case "regex":
		re := e.patterns.get(rule.Pattern)
		return re != nil && re.MatchString(message)

	case "intent":
		lower := strings.ToLower(message)
		words := strings.FieldsFunc(lower, func(r rune) bool {
			return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
		})
		set := make(map[string]struct{}, len(words))
		for _, w := range words {
			set[w] = struct{}{}
		}
		for _, kw := range patternTokens(rule.Pattern) {
			if _, ok := set[kw]; ok {
				return true
			}
		}
		return false

	default: // keyword
		lower := strings.ToLower(message)
		for _, kw := range patternTokens(rule.Pattern) {
			if strings.Contains(lower, kw) {
				return true
			}
		}
		return false
	}
}

// patternTokens splits a keyword/intent pattern into lowercased tokens.
// The delimiter is "|"; commas written by older rule configs still work.
func patternTokens(pattern string) []string {
	raw := strings.FieldsFunc(strings.ToLower(pattern), func(r rune) bool {
		return r == '|' || r == ','
	})
	out := raw[:0]
	for _, tok := range raw {
		if tok = strings.TrimSpace(tok); tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

// balance picks one target from a load_balance rule.
func (e *Engine) balance(rule store.RoutingRule) (store.RuleTarget, bool) {
	if len(rule.Targets) == 0 {
		return store.RuleTarget{}, false
	}
	switch rule.Strategy {
	case "weighted":
		return weightedPick(rule.Targets), true

	case "least_latency":
		best := rule.Targets[0]
		bestMs := e.latency.average(best.CredentialID + "|" + best.Model)
		for _, t := range rule.Targets[1:] {
			if ms := e.latency.average(t.CredentialID + "|" + t.Model); ms < bestMs {
				best, bestMs = t, ms
			}
		}
		return best, true

	default: // round_robin
		idx := e.cursors.next(rule.RuleID) % uint64(len(rule.Targets))
		return rule.Targets[idx], true
	}
}

func weightedPick(targets []store.RuleTarget) store.RuleTarget {
	total := 0
	for _, t := range targets {
		w := t.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	n := rand.Intn(total)
	for _, t := range targets {
		w := t.Weight
		if w <= 0 {
			w = 1
		}
		if n < w {
			return t
		}
		n -= w
	}
	return targets[len(targets)-1]
}

// cursorSet holds per-rule round-robin counters.
type cursorSet struct {
	m sync.Map // ruleID -> *atomic.Uint64
}

func newCursorSet() *cursorSet { return &cursorSet{} }

func (c *cursorSet) next(key string) uint64 {
	v, _ := c.m.LoadOrStore(key, &atomic.Uint64{})
	return v.(*atomic.Uint64).Add(1) - 1
}

// latencyTracker keeps a per-route latency EMA for least_latency balancing.
// Routes with no samples report a high sentinel so fresh targets are not
// preferred purely for being unmeasured.
type latencyTracker struct {
	mu sync.RWMutex
	ms map[string]float64
}

const unmeasuredLatencyMs = 1 << 20

func newLatencyTracker() *latencyTracker {
	return &latencyTracker{ms: make(map[string]float64)}
}

func (t *latencyTracker) observe(key string, ms int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.ms[key]; ok {
		t.ms[key] = 0.9*old + 0.1*float64(ms)
	} else {
		t.ms[key] = float64(ms)
	}
}

func (t *latencyTracker) average(key string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if v, ok := t.ms[key]; ok {
		return v
	}
	return unmeasuredLatencyMs
}

// patternCache compiles each regex rule once, case-insensitively. Broken
// patterns are cached as nil so they are rejected without recompiling on
// every request.
type patternCache struct {
	mu sync.RWMutex
	m  map[string]*regexp.Regexp
}

func newPatternCache() *patternCache {
	return &patternCache{m: make(map[string]*regexp.Regexp)}
}

func (p *patternCache) get(pattern string) *regexp.Regexp {
	p.mu.RLock()
	re, ok := p.m[pattern]
	p.mu.RUnlock()
	if ok {
		return re
	}

	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		re = nil
	}
	p.mu.Lock()
	p.m[pattern] = re
	p.mu.Unlock()
	return re
}
