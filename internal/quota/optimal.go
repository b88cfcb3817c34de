package quota

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrNoEligibleModel is returned when the candidate list is empty.
var ErrNoEligibleModel = errors.New("quota: no eligible model")

// nominalUsage is the reference request used to compare per-model cost.
var nominalUsage = Usage{InputTokens: 1000, OutputTokens: 1000}

// SelectOptimalModel scores the candidate models under a cost strategy and
// returns the winner.
//
// Each model's score blends three normalized components: cheapness (inverse
// of the nominal request cost relative to the priciest candidate), speed,
// and mean capability. A non-empty scenario with a matching entry in the
// strategy's ScenarioWeights scales the capability component. Hard
// constraints (MaxCostPerRequest, MinCapabilityScore) eliminate candidates
// before scoring; when every candidate is eliminated or unpriced, the first
// candidate is returned as-is. Ties keep the input order.
func (m *Manager) SelectOptimalModel(_ context.Context, strategyID string, candidates []string, scenario string) (string, error) {
	snap := m.cfg.Current()
	strat, ok := snap.Strategies[strategyID]
	if !ok {
		return "", fmt.Errorf("quota: unknown cost strategy %q", strategyID)
	}
	if len(candidates) == 0 {
		return "", ErrNoEligibleModel
	}

	capWeight := strat.CapabilityWeight
	if w, ok := strat.ScenarioWeights[scenario]; ok && scenario != "" {
		capWeight *= w
	}

	type scored struct {
		model string
		score float64
	}

	var (
		pool    []scored
		maxCost float64
	)
	for _, model := range candidates {
		if _, ok := snap.Pricing[model]; !ok {
			continue
		}
		if c := m.CalculateCost(model, nominalUsage); c > maxCost {
			maxCost = c
		}
	}

	for _, model := range candidates {
		p, ok := snap.Pricing[model]
		if !ok {
			continue
		}
		cost := m.CalculateCost(model, nominalUsage)
		if strat.MaxCostPerRequest > 0 && cost > strat.MaxCostPerRequest {
			continue
		}
		capability := float64(p.ReasoningScore+p.CodingScore+p.CreativityScore) / 3
		if strat.MinCapabilityScore > 0 && capability < float64(strat.MinCapabilityScore) {
			continue
		}

		cheapness := 1.0
		if maxCost > 0 {
			cheapness = 1 - cost/maxCost
		}
		score := strat.CostWeight*cheapness +
			strat.PerformanceWeight*float64(p.SpeedScore)/100 +
			capWeight*capability/100

		pool = append(pool, scored{model: model, score: score})
	}
	if len(pool) == 0 {
		return candidates[0], nil
	}

	sort.SliceStable(pool, func(i, j int) bool { return pool[i].score > pool[j].score })
	return pool[0].model, nil
}
