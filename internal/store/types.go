package store

import "time"

// Credential is one upstream API key plus its routing attributes.
// Vendor and APIType are immutable after creation; the secret is stored only
// as AEAD ciphertext.
type Credential struct {
	ID               string            `json:"id"`
	OwnerID          string            `json:"owner_id"`
	Vendor           string            `json:"vendor"`
	APIType          string            `json:"api_type"` // openai | openai-response | anthropic | gemini | azure-openai | ollama
	BaseURL          string            `json:"base_url,omitempty"`
	SecretCiphertext string            `json:"-"`
	Tags             []string          `json:"tags"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	VendorPriority   int               `json:"vendor_priority"`
	CreatedAt        time.Time         `json:"created_at"`
	DeletedAt        *time.Time        `json:"deleted_at,omitempty"`
}

// ProxyToken authorizes one bot to call the proxy plane. The plaintext token
// is shown exactly once at mint time; rows carry only the SHA-256 hash.
type ProxyToken struct {
	BotID        string     `json:"bot_id"`
	TokenHash    string     `json:"-"`
	Vendor       string     `json:"vendor"`
	CredentialID string     `json:"credential_id"`
	Tags         []string   `json:"tags"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	RequestCount int64      `json:"request_count"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Valid reports whether the token may authorize requests at t.
func (p *ProxyToken) Valid(t time.Time) bool {
	if p.RevokedAt != nil {
		return false
	}
	return p.ExpiresAt == nil || p.ExpiresAt.After(t)
}

// ModelAvailability pairs a model name with a credential and its runtime
// health. Rows are disabled, never destroyed.
type ModelAvailability struct {
	CredentialID   string `json:"credential_id"`
	ModelName      string `json:"model_name"`
	IsAvailable    bool   `json:"is_available"`
	VendorPriority int    `json:"vendor_priority"`
	HealthScore    int    `json:"health_score"` // 0–100 EMA
}

// CapabilityTag is a declarative requirement attached to requests by the
// routing engine (deep-reasoning, vision, cost-optimized, ...).
type CapabilityTag struct {
	TagID                    string   `json:"tag_id"`
	Name                     string   `json:"name"`
	Category                 string   `json:"category"`
	Priority                 int      `json:"priority"`
	RequiredProtocol         string   `json:"required_protocol,omitempty"` // openai-compatible | anthropic-native
	RequiredModels           []string `json:"required_models,omitempty"`
	RequiredSkills           []string `json:"required_skills,omitempty"`
	RequiresExtendedThinking bool     `json:"requires_extended_thinking"`
	RequiresCacheControl     bool     `json:"requires_cache_control"`
	RequiresVision           bool     `json:"requires_vision"`
	IsActive                 bool     `json:"is_active"`
}

// ChainModel is one hop in a fallback chain.
type ChainModel struct {
	Vendor   string   `json:"vendor"`
	Model    string   `json:"model"`
	Protocol string   `json:"protocol,omitempty"`
	Features []string `json:"features,omitempty"`
}

// FallbackChain is an ordered list of models tried on qualifying failures.
type FallbackChain struct {
	ChainID            string       `json:"chain_id"`
	Name               string       `json:"name"`
	Models             []ChainModel `json:"models"`
	TriggerStatusCodes []int        `json:"trigger_status_codes"`
	TriggerErrorTypes  []string     `json:"trigger_error_types"`
	TriggerTimeoutMs   int          `json:"trigger_timeout_ms"`
	MaxRetries         int          `json:"max_retries"`
	RetryDelayMs       int          `json:"retry_delay_ms"`
	PreserveProtocol   bool         `json:"preserve_protocol"`
}

// CostStrategy weights the cost/performance/capability trade-off for
// SelectOptimalModel.
type CostStrategy struct {
	StrategyID         string             `json:"strategy_id"`
	Name               string             `json:"name"`
	CostWeight         float64            `json:"cost_weight"`
	PerformanceWeight  float64            `json:"performance_weight"`
	CapabilityWeight   float64            `json:"capability_weight"`
	MaxCostPerRequest  float64            `json:"max_cost_per_request,omitempty"`
	MaxLatencyMs       int                `json:"max_latency_ms,omitempty"`
	MinCapabilityScore int                `json:"min_capability_score,omitempty"`
	ScenarioWeights    map[string]float64 `json:"scenario_weights,omitempty"`
}

// ModelPricing holds per-model unit prices (USD per million tokens) and
// 0–100 capability scores.
type ModelPricing struct {
	Model           string  `json:"model"`
	InputPerM       float64 `json:"input_per_m"`
	OutputPerM      float64 `json:"output_per_m"`
	ThinkingPerM    float64 `json:"thinking_per_m"`
	CacheReadPerM   float64 `json:"cache_read_per_m"`
	CacheWritePerM  float64 `json:"cache_write_per_m"`
	ReasoningScore  int     `json:"reasoning_score"`
	CodingScore     int     `json:"coding_score"`
	CreativityScore int     `json:"creativity_score"`
	SpeedScore      int     `json:"speed_score"`
}

// ComplexityTarget maps one complexity level to a concrete model.
type ComplexityTarget struct {
	Vendor string `json:"vendor"`
	Model  string `json:"model"`
}

// ComplexityConfig maps the five complexity levels to models and names the
// classifier that answers the classification query.
type ComplexityConfig struct {
	ConfigID          string                      `json:"config_id"`
	Enabled           bool                        `json:"enabled"`
	Levels            map[string]ComplexityTarget `json:"levels"` // super_easy..super_hard
	ToolMinComplexity string                      `json:"tool_min_complexity"`
	ClassifierVendor  string                      `json:"classifier_vendor"`
	ClassifierModel   string                      `json:"classifier_model"`
	ClassifierBaseURL string                      `json:"classifier_base_url,omitempty"`
}

// RuleTarget is a (credential, model) pair in a routing rule, with an
// optional weight for the weighted load-balance strategy.
type RuleTarget struct {
	CredentialID string `json:"credential_id"`
	Model        string `json:"model"`
	Weight       int    `json:"weight,omitempty"`
}

// Routing rule kinds, evaluated in this order by the engine.
const (
	RuleKindKeyword     = "keyword"
	RuleKindLoadBalance = "load_balance"
	RuleKindFailover    = "failover"
)

// RoutingRule is one per-bot routing directive. Kind selects the strategy;
// the remaining fields are kind-specific.
type RoutingRule struct {
	RuleID   string `json:"rule_id"`
	BotID    string `json:"bot_id"`
	Priority int    `json:"priority"` // lower = checked first
	Kind     string `json:"kind"`
	Enabled  bool   `json:"enabled"`

	// keyword
	Pattern   string `json:"pattern,omitempty"`
	MatchType string `json:"match_type,omitempty"` // regex | keyword | intent

	// load_balance
	Strategy string `json:"strategy,omitempty"` // round_robin | weighted | least_latency

	// failover
	MaxAttempts int `json:"max_attempts,omitempty"`
	DelayMs     int `json:"delay_ms,omitempty"`

	Targets []RuleTarget `json:"targets"`
	ChainID string       `json:"chain_id,omitempty"`
}

// Bot is the slice of the bot record the data plane observes. Container
// lifecycle is owned by the orchestrator; the core only issues and revokes
// tokens and reads routing attributes.
type Bot struct {
	ID                string    `json:"id"`
	OwnerID           string    `json:"owner_id"`
	Hostname          string    `json:"hostname"`
	Vendor            string    `json:"vendor"`
	CredentialID      string    `json:"credential_id,omitempty"`
	PrimaryModel      string    `json:"primary_model"`
	Models            []string  `json:"models,omitempty"`
	Tags              []string  `json:"tags,omitempty"`
	ComplexityRouting bool      `json:"complexity_routing"`
	ProxyTokenHash    string    `json:"-"` // direct-mode auth; ignored under zero-trust
	DailyLimitUSD     float64   `json:"daily_limit_usd,omitempty"`
	MonthlyLimitUSD   float64   `json:"monthly_limit_usd,omitempty"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
}

// UsageLog is one row per forward attempt. StatusCode is nil when the
// upstream was never reached.
type UsageLog struct {
	ID             int64     `json:"id"`
	BotID          string    `json:"bot_id"`
	Vendor         string    `json:"vendor"`
	CredentialID   string    `json:"credential_id"`
	StatusCode     *int      `json:"status_code,omitempty"`
	Endpoint       string    `json:"endpoint"`
	Model          string    `json:"model"`
	RequestTokens  int       `json:"request_tokens"`
	ResponseTokens int       `json:"response_tokens"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	DurationMs     int64     `json:"duration_ms"`
	ProtocolType   string    `json:"protocol_type"` // openai-compatible | anthropic-native
	CreatedAt      time.Time `json:"created_at"`
}

// QuotaCounters are the persisted per-bot rolling cost counters.
type QuotaCounters struct {
	BotID          string  `json:"bot_id"`
	DailyCost      float64 `json:"daily_cost"`
	MonthlyCost    float64 `json:"monthly_cost"`
	LastResetDate  string  `json:"last_reset_date"`  // YYYY-MM-DD
	LastResetMonth string  `json:"last_reset_month"` // YYYY-MM
}
