// Package store defines the persistence interface for botgate and its SQLite
// implementation. Every entity the data plane touches lives in one relational
// schema; secrets are stored only as AEAD ciphertext and proxy tokens only as
// SHA-256 hashes.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get* methods when no row matches.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface consumed by the core subsystems.
type Store interface {
	// Credentials
	CreateCredential(ctx context.Context, c Credential) error
	GetCredential(ctx context.Context, id string) (*Credential, error)
	ListCredentials(ctx context.Context, vendor string) ([]Credential, error)
	UpdateCredential(ctx context.Context, c Credential) error
	SoftDeleteCredential(ctx context.Context, id string) error

	// Proxy tokens — at most one row per bot.
	UpsertProxyToken(ctx context.Context, t ProxyToken) error
	GetProxyTokenByHash(ctx context.Context, hash string) (*ProxyToken, error)
	GetProxyTokenByBot(ctx context.Context, botID string) (*ProxyToken, error)
	DeleteProxyToken(ctx context.Context, botID string) error
	RevokeProxyToken(ctx context.Context, botID string, at time.Time) error
	TouchProxyToken(ctx context.Context, botID string, at time.Time) error
	CountActiveTokensForCredential(ctx context.Context, credentialID string) (int, error)

	// Model availability
	UpsertModelAvailability(ctx context.Context, a ModelAvailability) error
	ListModelAvailability(ctx context.Context, model string) ([]ModelAvailability, error)
	ListAllModelAvailability(ctx context.Context) ([]ModelAvailability, error)
	UpdateModelHealth(ctx context.Context, credentialID, model string, healthScore int) error

	// Routing configuration categories (hot-reloaded by routecfg).
	ListCapabilityTags(ctx context.Context) ([]CapabilityTag, error)
	UpsertCapabilityTag(ctx context.Context, t CapabilityTag) error
	ListFallbackChains(ctx context.Context) ([]FallbackChain, error)
	UpsertFallbackChain(ctx context.Context, c FallbackChain) error
	ListCostStrategies(ctx context.Context) ([]CostStrategy, error)
	UpsertCostStrategy(ctx context.Context, s CostStrategy) error
	ListModelPricing(ctx context.Context) ([]ModelPricing, error)
	UpsertModelPricing(ctx context.Context, p ModelPricing) error
	GetComplexityConfig(ctx context.Context) (*ComplexityConfig, error)
	SaveComplexityConfig(ctx context.Context, c ComplexityConfig) error

	// Per-bot routing rules
	ListRoutingRules(ctx context.Context) ([]RoutingRule, error)
	ListRoutingRulesForBot(ctx context.Context, botID string) ([]RoutingRule, error)
	UpsertRoutingRule(ctx context.Context, r RoutingRule) error
	DeleteRoutingRule(ctx context.Context, ruleID string) error

	// Bots
	CreateBot(ctx context.Context, b Bot) error
	GetBot(ctx context.Context, id string) (*Bot, error)
	GetBotByHostname(ctx context.Context, hostname string) (*Bot, error)
	GetBotByTokenHash(ctx context.Context, hash string) (*Bot, error)
	ListBots(ctx context.Context, ownerID string) ([]Bot, error)
	UpdateBot(ctx context.Context, b Bot) error
	DeleteBot(ctx context.Context, id string) error

	// Usage logs — one row per forward attempt.
	InsertUsageLog(ctx context.Context, l UsageLog) error
	ListUsageLogs(ctx context.Context, botID string, limit, offset int) ([]UsageLog, error)

	// Quota counters
	GetQuotaCounters(ctx context.Context, botID string) (*QuotaCounters, error)
	SaveQuotaCounters(ctx context.Context, q QuotaCounters) error

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
