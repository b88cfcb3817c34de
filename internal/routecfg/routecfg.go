// Package routecfg keeps the routing configuration hot in memory.
//
// Each category (capability tags, fallback chains, cost strategies, model
// pricing, complexity config, per-bot routing rules) lives in its own
// immutable snapshot behind an atomic pointer. Readers on the proxy hot path
// never take a lock; a refresh builds a complete replacement snapshot and
// swaps it in. A category the store has no rows for serves a built-in
// default set (logged); a category that fails to load keeps serving its
// previous snapshot.
package routecfg

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/botgate/internal/store"
)

// Snapshot is one immutable view of every routing config category.
type Snapshot struct {
	Tags         []store.CapabilityTag
	TagsByName   map[string]store.CapabilityTag
	Chains       map[string]store.FallbackChain
	Strategies   map[string]store.CostStrategy
	Pricing      map[string]store.ModelPricing
	Complexity   *store.ComplexityConfig
	RulesByBot   map[string][]store.RoutingRule
	LoadedAt     time.Time
	UsedDefaults []string                  // category names served from built-ins
	Categories   map[string]CategoryStatus // per-category load outcome
}

// CategoryStatus records one category's last load outcome.
type CategoryStatus struct {
	Loaded     bool      `json:"loaded"`
	Count      int       `json:"count"`
	LastUpdate time.Time `json:"last_update"`
}

// Status describes the last refresh for observability endpoints.
type Status struct {
	LoadedAt     time.Time                 `json:"loaded_at"`
	LastError    string                    `json:"last_error,omitempty"`
	UsedDefaults []string                  `json:"used_defaults,omitempty"`
	Categories   map[string]CategoryStatus `json:"categories"`
}

// Loader refreshes snapshots on a timer and on demand.
type Loader struct {
	st       store.Store
	interval time.Duration
	log      *slog.Logger

	snap    atomic.Pointer[Snapshot]
	lastErr atomic.Pointer[string]

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New performs the initial load and starts the refresh ticker. The initial
// load never fails: categories that cannot be read serve built-in defaults
// until the store recovers.
func New(ctx context.Context, st store.Store, interval time.Duration, log *slog.Logger) *Loader {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	l := &Loader{
		st:       st,
		interval: interval,
		log:      log,
		done:     make(chan struct{}),
	}
	l.Refresh(ctx)

	l.wg.Add(1)
	go l.run()
	return l
}

// Current returns the live snapshot. Never nil after New.
func (l *Loader) Current() *Snapshot {
	return l.snap.Load()
}

// Refresh rebuilds the snapshot immediately. Used by the management API
// after config writes so changes take effect without waiting for the ticker.
func (l *Loader) Refresh(ctx context.Context) {
	next := &Snapshot{
		TagsByName: make(map[string]store.CapabilityTag),
		Chains:     make(map[string]store.FallbackChain),
		Strategies: make(map[string]store.CostStrategy),
		Pricing:    make(map[string]store.ModelPricing),
		RulesByBot: make(map[string][]store.RoutingRule),
		Categories: make(map[string]CategoryStatus),
		LoadedAt:   time.Now().UTC(),
	}
	prev := l.snap.Load()
	var firstErr error

	keep := func(category string, err error) bool {
		if err == nil {
			return false
		}
		if firstErr == nil {
			firstErr = err
		}
		l.log.Warn("routing config category load failed",
			slog.String("category", category),
			slog.String("error", err.Error()),
		)
		// Carry forward whatever the previous snapshot knew.
		if prev != nil {
			if cs, ok := prev.Categories[category]; ok {
				next.Categories[category] = cs
				return true
			}
		}
		next.Categories[category] = CategoryStatus{}
		return true
	}
	loaded := func(category string, count int) {
		next.Categories[category] = CategoryStatus{Loaded: true, Count: count, LastUpdate: next.LoadedAt}
	}
	defaulted := func(category string) {
		next.UsedDefaults = append(next.UsedDefaults, category)
	}

	if tags, err := l.st.ListCapabilityTags(ctx); !keep("capability_tags", err) {
		if len(tags) == 0 {
			tags = defaultCapabilityTags()
			defaulted("capability_tags")
		}
		for _, t := range tags {
			if t.IsActive {
				next.Tags = append(next.Tags, t)
				next.TagsByName[t.Name] = t
			}
		}
		loaded("capability_tags", len(next.Tags))
	} else if prev != nil {
		next.Tags, next.TagsByName = prev.Tags, prev.TagsByName
	}

	if chains, err := l.st.ListFallbackChains(ctx); !keep("fallback_chains", err) {
		if len(chains) == 0 {
			chains = defaultFallbackChains()
			defaulted("fallback_chains")
		}
		for _, c := range chains {
			next.Chains[c.ChainID] = c
		}
		loaded("fallback_chains", len(next.Chains))
	} else if prev != nil {
		next.Chains = prev.Chains
	}

	if strategies, err := l.st.ListCostStrategies(ctx); !keep("cost_strategies", err) {
		if len(strategies) == 0 {
			strategies = defaultCostStrategies()
			defaulted("cost_strategies")
		}
		for _, s := range strategies {
			next.Strategies[s.StrategyID] = s
		}
		loaded("cost_strategies", len(next.Strategies))
	} else if prev != nil {
		next.Strategies = prev.Strategies
	}

	if pricing, err := l.st.ListModelPricing(ctx); !keep("model_pricing", err) {
		if len(pricing) == 0 {
			pricing = defaultModelPricing()
			defaulted("model_pricing")
		}
		for _, p := range pricing {
			next.Pricing[p.Model] = p
		}
		loaded("model_pricing", len(next.Pricing))
	} else if prev != nil {
		next.Pricing = prev.Pricing
	}

	cc, err := l.st.GetComplexityConfig(ctx)
	switch {
	case err == nil:
		next.Complexity = cc
		loaded("complexity_config", 1)
	case errors.Is(err, store.ErrNotFound):
		next.Complexity = defaultComplexityConfig()
		defaulted("complexity_config")
		loaded("complexity_config", 1)
	default:
		keep("complexity_config", err)
		if prev != nil {
			next.Complexity = prev.Complexity
		} else {
			next.Complexity = defaultComplexityConfig()
		}
	}

	if rules, err := l.st.ListRoutingRules(ctx); !keep("routing_rules", err) {
		n := 0
		for _, r := range rules {
			if r.Enabled {
				next.RulesByBot[r.BotID] = append(next.RulesByBot[r.BotID], r)
				n++
			}
		}
		loaded("routing_rules", n)
	} else if prev != nil {
		next.RulesByBot = prev.RulesByBot
	}

	if firstErr != nil {
		msg := firstErr.Error()
		l.lastErr.Store(&msg)
	} else {
		l.lastErr.Store(nil)
	}
	if len(next.UsedDefaults) > 0 {
		l.log.Info("routing config serving built-in defaults",
			slog.Any("categories", next.UsedDefaults),
		)
	}

	l.snap.Store(next)
}

// LoadStatus reports the last refresh outcome, per category.
func (l *Loader) LoadStatus() Status {
	s := Status{}
	if snap := l.snap.Load(); snap != nil {
		s.LoadedAt = snap.LoadedAt
		s.UsedDefaults = snap.UsedDefaults
		s.Categories = snap.Categories
	}
	if e := l.lastErr.Load(); e != nil {
		s.LastError = *e
	}
	return s
}

// Close stops the refresh ticker.
func (l *Loader) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Loader) run() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			l.Refresh(ctx)
			cancel()
		case <-l.done:
			return
		}
	}
}
