package routecfg

import "github.com/nulpointcorp/botgate/internal/store"

// Built-in defaults served when a store category is empty. They give a fresh
// install working capability routing, a conservative fallback chain, and
// list prices for the common frontier models; every entry is replaced the
// moment an operator writes the category.

func defaultCapabilityTags() []store.CapabilityTag {
	// Ordered by priority descending, matching the store's read order.
	return []store.CapabilityTag{
		{TagID: "builtin-deep-reasoning", Name: "deep-reasoning", Category: "reasoning", Priority: 40, IsActive: true,
			RequiresExtendedThinking: true,
			RequiredModels:           []string{"claude-opus-4-1", "o3"}},
		{TagID: "builtin-vision", Name: "vision", Category: "multimodal", Priority: 30, IsActive: true,
			RequiresVision: true,
			RequiredModels: []string{"gpt-4o", "gemini-2.5-pro"}},
		{TagID: "builtin-web-search", Name: "web_search", Category: "tools", Priority: 20, IsActive: true,
			RequiredSkills: []string{"web_search"},
			RequiredModels: []string{"gemini-2.5-flash", "gpt-4o"}},
		{TagID: "builtin-code-execution", Name: "code_execution", Category: "tools", Priority: 20, IsActive: true,
			RequiredSkills: []string{"code_execution", "code_runner"},
			RequiredModels: []string{"gpt-4o", "claude-sonnet-4-5"}},
		{TagID: "builtin-cost-optimized", Name: "cost-optimized", Category: "cost", Priority: 10, IsActive: true,
			RequiresCacheControl: true,
			RequiredProtocol:     "anthropic-native",
			RequiredModels:       []string{"claude-haiku-4-5", "claude-sonnet-4-5"}},
	}
}

func defaultFallbackChains() []store.FallbackChain {
	return []store.FallbackChain{{
		ChainID:            "builtin-standard",
		Name:               "standard failover",
		TriggerStatusCodes: []int{429, 500, 502, 503, 529},
		TriggerErrorTypes:  []string{"rate_limit", "timeout", "overloaded", "upstream_error"},
		TriggerTimeoutMs:   60000,
		MaxRetries:         2,
		RetryDelayMs:       500,
		Models: []store.ChainModel{
			{Vendor: "openai", Model: "gpt-4o-mini"},
			{Vendor: "anthropic", Model: "claude-haiku-4-5"},
		},
	}}
}

func defaultCostStrategies() []store.CostStrategy {
	return []store.CostStrategy{
		{StrategyID: "balanced", Name: "balanced", CostWeight: 0.34, PerformanceWeight: 0.33, CapabilityWeight: 0.33},
		{StrategyID: "cost_first", Name: "cost first", CostWeight: 0.7, PerformanceWeight: 0.2, CapabilityWeight: 0.1},
		{StrategyID: "capability_first", Name: "capability first", CostWeight: 0.1, PerformanceWeight: 0.2, CapabilityWeight: 0.7},
	}
}

func defaultModelPricing() []store.ModelPricing {
	return []store.ModelPricing{
		{Model: "gpt-4o", InputPerM: 2.5, OutputPerM: 10, CacheReadPerM: 1.25,
			ReasoningScore: 85, CodingScore: 85, CreativityScore: 80, SpeedScore: 60},
		{Model: "gpt-4o-mini", InputPerM: 0.15, OutputPerM: 0.6, CacheReadPerM: 0.075,
			ReasoningScore: 60, CodingScore: 55, CreativityScore: 55, SpeedScore: 95},
		{Model: "o3", InputPerM: 2, OutputPerM: 8,
			ReasoningScore: 95, CodingScore: 90, CreativityScore: 75, SpeedScore: 30},
		{Model: "claude-opus-4-1", InputPerM: 15, OutputPerM: 75, ThinkingPerM: 75, CacheReadPerM: 1.5, CacheWritePerM: 18.75,
			ReasoningScore: 95, CodingScore: 95, CreativityScore: 90, SpeedScore: 35},
		{Model: "claude-sonnet-4-5", InputPerM: 3, OutputPerM: 15, ThinkingPerM: 15, CacheReadPerM: 0.3, CacheWritePerM: 3.75,
			ReasoningScore: 90, CodingScore: 92, CreativityScore: 85, SpeedScore: 60},
		{Model: "claude-haiku-4-5", InputPerM: 1, OutputPerM: 5, CacheReadPerM: 0.1, CacheWritePerM: 1.25,
			ReasoningScore: 75, CodingScore: 78, CreativityScore: 70, SpeedScore: 90},
		{Model: "gemini-2.5-pro", InputPerM: 1.25, OutputPerM: 10,
			ReasoningScore: 90, CodingScore: 85, CreativityScore: 85, SpeedScore: 55},
		{Model: "gemini-2.5-flash", InputPerM: 0.3, OutputPerM: 2.5,
			ReasoningScore: 70, CodingScore: 65, CreativityScore: 65, SpeedScore: 95},
	}
}

// defaultComplexityConfig is used until an operator saves one. Complexity
// routing stays disabled; the level map is still populated so the management
// API has something sensible to show.
func defaultComplexityConfig() *store.ComplexityConfig {
	return &store.ComplexityConfig{
		Enabled:           false,
		ToolMinComplexity: "medium",
		Levels: map[string]store.ComplexityTarget{
			"super_easy": {},
			"easy":       {},
			"medium":     {},
			"hard":       {},
			"super_hard": {},
		},
	}
}
