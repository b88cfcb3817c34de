package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying sql.DB handle.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL DEFAULT '',
			vendor TEXT NOT NULL,
			api_type TEXT NOT NULL,
			base_url TEXT NOT NULL DEFAULT '',
			secret_ciphertext TEXT NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			vendor_priority INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			deleted_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_vendor ON credentials(vendor)`,
		`CREATE TABLE IF NOT EXISTS proxy_tokens (
			bot_id TEXT PRIMARY KEY,
			token_hash TEXT NOT NULL,
			vendor TEXT NOT NULL,
			credential_id TEXT NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			expires_at TEXT,
			revoked_at TEXT,
			last_used_at TEXT,
			request_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_proxy_tokens_hash ON proxy_tokens(token_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_proxy_tokens_credential ON proxy_tokens(credential_id)`,
		`CREATE TABLE IF NOT EXISTS model_availability (
			credential_id TEXT NOT NULL,
			model_name TEXT NOT NULL,
			is_available INTEGER NOT NULL DEFAULT 1,
			vendor_priority INTEGER NOT NULL DEFAULT 0,
			health_score INTEGER NOT NULL DEFAULT 100,
			PRIMARY KEY (credential_id, model_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_model_availability_model ON model_availability(model_name)`,
		`CREATE TABLE IF NOT EXISTS capability_tags (
			tag_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			required_protocol TEXT NOT NULL DEFAULT '',
			required_models TEXT NOT NULL DEFAULT '[]',
			required_skills TEXT NOT NULL DEFAULT '[]',
			requires_extended_thinking INTEGER NOT NULL DEFAULT 0,
			requires_cache_control INTEGER NOT NULL DEFAULT 0,
			requires_vision INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS fallback_chains (
			chain_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			models TEXT NOT NULL DEFAULT '[]',
			trigger_status_codes TEXT NOT NULL DEFAULT '[]',
			trigger_error_types TEXT NOT NULL DEFAULT '[]',
			trigger_timeout_ms INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			retry_delay_ms INTEGER NOT NULL DEFAULT 0,
			preserve_protocol INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS cost_strategies (
			strategy_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cost_weight REAL NOT NULL DEFAULT 0,
			performance_weight REAL NOT NULL DEFAULT 0,
			capability_weight REAL NOT NULL DEFAULT 0,
			max_cost_per_request REAL NOT NULL DEFAULT 0,
			max_latency_ms INTEGER NOT NULL DEFAULT 0,
			min_capability_score INTEGER NOT NULL DEFAULT 0,
			scenario_weights TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS model_pricing (
			model TEXT PRIMARY KEY,
			input_per_m REAL NOT NULL DEFAULT 0,
			output_per_m REAL NOT NULL DEFAULT 0,
			thinking_per_m REAL NOT NULL DEFAULT 0,
			cache_read_per_m REAL NOT NULL DEFAULT 0,
			cache_write_per_m REAL NOT NULL DEFAULT 0,
			reasoning_score INTEGER NOT NULL DEFAULT 0,
			coding_score INTEGER NOT NULL DEFAULT 0,
			creativity_score INTEGER NOT NULL DEFAULT 0,
			speed_score INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS complexity_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			config_id TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 0,
			levels TEXT NOT NULL DEFAULT '{}',
			tool_min_complexity TEXT NOT NULL DEFAULT '',
			classifier_vendor TEXT NOT NULL DEFAULT '',
			classifier_model TEXT NOT NULL DEFAULT '',
			classifier_base_url TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS routing_rules (
			rule_id TEXT PRIMARY KEY,
			bot_id TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			kind TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			pattern TEXT NOT NULL DEFAULT '',
			match_type TEXT NOT NULL DEFAULT '',
			strategy TEXT NOT NULL DEFAULT '',
			max_attempts INTEGER NOT NULL DEFAULT 0,
			delay_ms INTEGER NOT NULL DEFAULT 0,
			targets TEXT NOT NULL DEFAULT '[]',
			chain_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_routing_rules_bot ON routing_rules(bot_id)`,
		`CREATE TABLE IF NOT EXISTS bots (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL DEFAULT '',
			hostname TEXT NOT NULL DEFAULT '',
			vendor TEXT NOT NULL,
			credential_id TEXT NOT NULL DEFAULT '',
			primary_model TEXT NOT NULL DEFAULT '',
			models TEXT NOT NULL DEFAULT '[]',
			tags TEXT NOT NULL DEFAULT '[]',
			complexity_routing INTEGER NOT NULL DEFAULT 0,
			proxy_token_hash TEXT NOT NULL DEFAULT '',
			daily_limit_usd REAL NOT NULL DEFAULT 0,
			monthly_limit_usd REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_bots_hostname ON bots(hostname)`,
		`CREATE INDEX IF NOT EXISTS idx_bots_token_hash ON bots(proxy_token_hash)`,
		`CREATE TABLE IF NOT EXISTS usage_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			bot_id TEXT NOT NULL,
			vendor TEXT NOT NULL DEFAULT '',
			credential_id TEXT NOT NULL DEFAULT '',
			status_code INTEGER,
			endpoint TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			request_tokens INTEGER NOT NULL DEFAULT 0,
			response_tokens INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			protocol_type TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_logs_bot ON usage_logs(bot_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS quota_counters (
			bot_id TEXT PRIMARY KEY,
			daily_cost REAL NOT NULL DEFAULT 0,
			monthly_cost REAL NOT NULL DEFAULT 0,
			last_reset_date TEXT NOT NULL DEFAULT '',
			last_reset_month TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

// JSON TEXT column helpers. Slices and maps round-trip through json so the
// schema stays flat.

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func fromJSON[T any](raw string) T {
	var v T
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &v)
	}
	return v
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// Credentials

const credentialCols = `id, owner_id, vendor, api_type, base_url, secret_ciphertext, tags, metadata, vendor_priority, created_at, deleted_at`

func (s *SQLiteStore) CreateCredential(ctx context.Context, c Credential) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (`+credentialCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.Vendor, c.APIType, c.BaseURL, c.SecretCiphertext,
		mustJSON(c.Tags), mustJSON(c.Metadata), c.VendorPriority, fmtTime(c.CreatedAt), fmtTimePtr(c.DeletedAt))
	return err
}

func scanCredential(scan func(dest ...any) error) (*Credential, error) {
	var c Credential
	var tags, metadata, createdAt string
	var deletedAt sql.NullString
	if err := scan(&c.ID, &c.OwnerID, &c.Vendor, &c.APIType, &c.BaseURL, &c.SecretCiphertext,
		&tags, &metadata, &c.VendorPriority, &createdAt, &deletedAt); err != nil {
		return nil, err
	}
	c.Tags = fromJSON[[]string](tags)
	c.Metadata = fromJSON[map[string]string](metadata)
	c.CreatedAt = parseTime(createdAt)
	c.DeletedAt = parseTimePtr(deletedAt)
	return &c, nil
}

func (s *SQLiteStore) GetCredential(ctx context.Context, id string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+credentialCols+` FROM credentials WHERE id = ?`, id)
	c, err := scanCredential(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *SQLiteStore) ListCredentials(ctx context.Context, vendor string) ([]Credential, error) {
	q := `SELECT ` + credentialCols + ` FROM credentials WHERE deleted_at IS NULL`
	args := []any{}
	if vendor != "" {
		q += ` AND vendor = ?`
		args = append(args, vendor)
	}
	q += ` ORDER BY vendor_priority DESC, id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Credential
	for rows.Next() {
		c, err := scanCredential(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateCredential(ctx context.Context, c Credential) error {
	// Vendor and api_type are immutable once created.
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET base_url = ?, secret_ciphertext = ?, tags = ?, metadata = ?, vendor_priority = ?
		 WHERE id = ? AND deleted_at IS NULL`,
		c.BaseURL, c.SecretCiphertext, mustJSON(c.Tags), mustJSON(c.Metadata), c.VendorPriority, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) SoftDeleteCredential(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Proxy tokens

const proxyTokenCols = `bot_id, token_hash, vendor, credential_id, tags, expires_at, revoked_at, last_used_at, request_count, created_at`

func (s *SQLiteStore) UpsertProxyToken(ctx context.Context, t ProxyToken) error {
	// Re-registration replaces the previous token for the bot, so the old
	// plaintext stops working the moment the new one is minted.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO proxy_tokens (`+proxyTokenCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(bot_id) DO UPDATE SET
		   token_hash=excluded.token_hash,
		   vendor=excluded.vendor,
		   credential_id=excluded.credential_id,
		   tags=excluded.tags,
		   expires_at=excluded.expires_at,
		   revoked_at=NULL,
		   last_used_at=NULL,
		   request_count=0,
		   created_at=excluded.created_at`,
		t.BotID, t.TokenHash, t.Vendor, t.CredentialID, mustJSON(t.Tags),
		fmtTimePtr(t.ExpiresAt), fmtTimePtr(t.RevokedAt), fmtTimePtr(t.LastUsedAt),
		t.RequestCount, fmtTime(t.CreatedAt))
	return err
}

func scanProxyToken(scan func(dest ...any) error) (*ProxyToken, error) {
	var t ProxyToken
	var tags, createdAt string
	var expiresAt, revokedAt, lastUsedAt sql.NullString
	if err := scan(&t.BotID, &t.TokenHash, &t.Vendor, &t.CredentialID, &tags,
		&expiresAt, &revokedAt, &lastUsedAt, &t.RequestCount, &createdAt); err != nil {
		return nil, err
	}
	t.Tags = fromJSON[[]string](tags)
	t.ExpiresAt = parseTimePtr(expiresAt)
	t.RevokedAt = parseTimePtr(revokedAt)
	t.LastUsedAt = parseTimePtr(lastUsedAt)
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

func (s *SQLiteStore) GetProxyTokenByHash(ctx context.Context, hash string) (*ProxyToken, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proxyTokenCols+` FROM proxy_tokens WHERE token_hash = ?`, hash)
	t, err := scanProxyToken(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *SQLiteStore) GetProxyTokenByBot(ctx context.Context, botID string) (*ProxyToken, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proxyTokenCols+` FROM proxy_tokens WHERE bot_id = ?`, botID)
	t, err := scanProxyToken(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *SQLiteStore) DeleteProxyToken(ctx context.Context, botID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM proxy_tokens WHERE bot_id = ?`, botID)
	return err
}

func (s *SQLiteStore) RevokeProxyToken(ctx context.Context, botID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE proxy_tokens SET revoked_at = ? WHERE bot_id = ? AND revoked_at IS NULL`,
		fmtTime(at), botID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) TouchProxyToken(ctx context.Context, botID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE proxy_tokens SET last_used_at = ?, request_count = request_count + 1 WHERE bot_id = ?`,
		fmtTime(at), botID)
	return err
}

func (s *SQLiteStore) CountActiveTokensForCredential(ctx context.Context, credentialID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM proxy_tokens WHERE credential_id = ? AND revoked_at IS NULL`,
		credentialID).Scan(&n)
	return n, err
}

// Model availability

func (s *SQLiteStore) UpsertModelAvailability(ctx context.Context, a ModelAvailability) error {
	avail := 0
	if a.IsAvailable {
		avail = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO model_availability (credential_id, model_name, is_available, vendor_priority, health_score)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(credential_id, model_name) DO UPDATE SET
		   is_available=excluded.is_available,
		   vendor_priority=excluded.vendor_priority,
		   health_score=excluded.health_score`,
		a.CredentialID, a.ModelName, avail, a.VendorPriority, a.HealthScore)
	return err
}

func (s *SQLiteStore) listAvailability(ctx context.Context, q string, args ...any) ([]ModelAvailability, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ModelAvailability
	for rows.Next() {
		var a ModelAvailability
		if err := rows.Scan(&a.CredentialID, &a.ModelName, &a.IsAvailable, &a.VendorPriority, &a.HealthScore); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListModelAvailability(ctx context.Context, model string) ([]ModelAvailability, error) {
	return s.listAvailability(ctx,
		`SELECT credential_id, model_name, is_available, vendor_priority, health_score
		 FROM model_availability WHERE model_name = ?`, model)
}

func (s *SQLiteStore) ListAllModelAvailability(ctx context.Context) ([]ModelAvailability, error) {
	return s.listAvailability(ctx,
		`SELECT credential_id, model_name, is_available, vendor_priority, health_score FROM model_availability`)
}

func (s *SQLiteStore) UpdateModelHealth(ctx context.Context, credentialID, model string, healthScore int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE model_availability SET health_score = ? WHERE credential_id = ? AND model_name = ?`,
		healthScore, credentialID, model)
	return err
}

// Capability tags

func (s *SQLiteStore) ListCapabilityTags(ctx context.Context) ([]CapabilityTag, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tag_id, name, category, priority, required_protocol, required_models, required_skills,
		        requires_extended_thinking, requires_cache_control, requires_vision, is_active
		 FROM capability_tags ORDER BY priority DESC, tag_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []CapabilityTag
	for rows.Next() {
		var t CapabilityTag
		var models, skills string
		if err := rows.Scan(&t.TagID, &t.Name, &t.Category, &t.Priority, &t.RequiredProtocol,
			&models, &skills, &t.RequiresExtendedThinking, &t.RequiresCacheControl,
			&t.RequiresVision, &t.IsActive); err != nil {
			return nil, err
		}
		t.RequiredModels = fromJSON[[]string](models)
		t.RequiredSkills = fromJSON[[]string](skills)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertCapabilityTag(ctx context.Context, t CapabilityTag) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO capability_tags (tag_id, name, category, priority, required_protocol, required_models,
		   required_skills, requires_extended_thinking, requires_cache_control, requires_vision, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tag_id) DO UPDATE SET
		   name=excluded.name,
		   category=excluded.category,
		   priority=excluded.priority,
		   required_protocol=excluded.required_protocol,
		   required_models=excluded.required_models,
		   required_skills=excluded.required_skills,
		   requires_extended_thinking=excluded.requires_extended_thinking,
		   requires_cache_control=excluded.requires_cache_control,
		   requires_vision=excluded.requires_vision,
		   is_active=excluded.is_active`,
		t.TagID, t.Name, t.Category, t.Priority, t.RequiredProtocol,
		mustJSON(t.RequiredModels), mustJSON(t.RequiredSkills),
		t.RequiresExtendedThinking, t.RequiresCacheControl, t.RequiresVision, t.IsActive)
	return err
}

// Fallback chains

func (s *SQLiteStore) ListFallbackChains(ctx context.Context) ([]FallbackChain, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chain_id, name, models, trigger_status_codes, trigger_error_types,
		        trigger_timeout_ms, max_retries, retry_delay_ms, preserve_protocol
		 FROM fallback_chains ORDER BY chain_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []FallbackChain
	for rows.Next() {
		var c FallbackChain
		var models, codes, types string
		if err := rows.Scan(&c.ChainID, &c.Name, &models, &codes, &types,
			&c.TriggerTimeoutMs, &c.MaxRetries, &c.RetryDelayMs, &c.PreserveProtocol); err != nil {
			return nil, err
		}
		c.Models = fromJSON[[]ChainModel](models)
		c.TriggerStatusCodes = fromJSON[[]int](codes)
		c.TriggerErrorTypes = fromJSON[[]string](types)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertFallbackChain(ctx context.Context, c FallbackChain) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fallback_chains (chain_id, name, models, trigger_status_codes, trigger_error_types,
		   trigger_timeout_ms, max_retries, retry_delay_ms, preserve_protocol)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(chain_id) DO UPDATE SET
		   name=excluded.name,
		   models=excluded.models,
		   trigger_status_codes=excluded.trigger_status_codes,
		   trigger_error_types=excluded.trigger_error_types,
		   trigger_timeout_ms=excluded.trigger_timeout_ms,
		   max_retries=excluded.max_retries,
		   retry_delay_ms=excluded.retry_delay_ms,
		   preserve_protocol=excluded.preserve_protocol`,
		c.ChainID, c.Name, mustJSON(c.Models), mustJSON(c.TriggerStatusCodes),
		mustJSON(c.TriggerErrorTypes), c.TriggerTimeoutMs, c.MaxRetries, c.RetryDelayMs, c.PreserveProtocol)
	return err
}

// Cost strategies

func (s *SQLiteStore) ListCostStrategies(ctx context.Context) ([]CostStrategy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT strategy_id, name, cost_weight, performance_weight, capability_weight,
		        max_cost_per_request, max_latency_ms, min_capability_score, scenario_weights
		 FROM cost_strategies ORDER BY strategy_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []CostStrategy
	for rows.Next() {
		var cs CostStrategy
		var weights string
		if err := rows.Scan(&cs.StrategyID, &cs.Name, &cs.CostWeight, &cs.PerformanceWeight,
			&cs.CapabilityWeight, &cs.MaxCostPerRequest, &cs.MaxLatencyMs, &cs.MinCapabilityScore,
			&weights); err != nil {
			return nil, err
		}
		cs.ScenarioWeights = fromJSON[map[string]float64](weights)
		out = append(out, cs)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertCostStrategy(ctx context.Context, cs CostStrategy) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cost_strategies (strategy_id, name, cost_weight, performance_weight, capability_weight,
		   max_cost_per_request, max_latency_ms, min_capability_score, scenario_weights)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(strategy_id) DO UPDATE SET
		   name=excluded.name,
		   cost_weight=excluded.cost_weight,
		   performance_weight=excluded.performance_weight,
		   capability_weight=excluded.capability_weight,
		   max_cost_per_request=excluded.max_cost_per_request,
		   max_latency_ms=excluded.max_latency_ms,
		   min_capability_score=excluded.min_capability_score,
		   scenario_weights=excluded.scenario_weights`,
		cs.StrategyID, cs.Name, cs.CostWeight, cs.PerformanceWeight, cs.CapabilityWeight,
		cs.MaxCostPerRequest, cs.MaxLatencyMs, cs.MinCapabilityScore, mustJSON(cs.ScenarioWeights))
	return err
}

// Model pricing

func (s *SQLiteStore) ListModelPricing(ctx context.Context) ([]ModelPricing, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, input_per_m, output_per_m, thinking_per_m, cache_read_per_m, cache_write_per_m,
		        reasoning_score, coding_score, creativity_score, speed_score
		 FROM model_pricing ORDER BY model`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ModelPricing
	for rows.Next() {
		var p ModelPricing
		if err := rows.Scan(&p.Model, &p.InputPerM, &p.OutputPerM, &p.ThinkingPerM,
			&p.CacheReadPerM, &p.CacheWritePerM, &p.ReasoningScore, &p.CodingScore,
			&p.CreativityScore, &p.SpeedScore); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertModelPricing(ctx context.Context, p ModelPricing) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO model_pricing (model, input_per_m, output_per_m, thinking_per_m, cache_read_per_m,
		   cache_write_per_m, reasoning_score, coding_score, creativity_score, speed_score)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(model) DO UPDATE SET
		   input_per_m=excluded.input_per_m,
		   output_per_m=excluded.output_per_m,
		   thinking_per_m=excluded.thinking_per_m,
		   cache_read_per_m=excluded.cache_read_per_m,
		   cache_write_per_m=excluded.cache_write_per_m,
		   reasoning_score=excluded.reasoning_score,
		   coding_score=excluded.coding_score,
		   creativity_score=excluded.creativity_score,
		   speed_score=excluded.speed_score`,
		p.Model, p.InputPerM, p.OutputPerM, p.ThinkingPerM, p.CacheReadPerM, p.CacheWritePerM,
		p.ReasoningScore, p.CodingScore, p.CreativityScore, p.SpeedScore)
	return err
}

// Complexity config (single row)

func (s *SQLiteStore) GetComplexityConfig(ctx context.Context) (*ComplexityConfig, error) {
	var c ComplexityConfig
	var levels string
	err := s.db.QueryRowContext(ctx,
		`SELECT config_id, enabled, levels, tool_min_complexity, classifier_vendor, classifier_model, classifier_base_url
		 FROM complexity_config WHERE id = 1`).
		Scan(&c.ConfigID, &c.Enabled, &levels, &c.ToolMinComplexity,
			&c.ClassifierVendor, &c.ClassifierModel, &c.ClassifierBaseURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Levels = fromJSON[map[string]ComplexityTarget](levels)
	return &c, nil
}

func (s *SQLiteStore) SaveComplexityConfig(ctx context.Context, c ComplexityConfig) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO complexity_config (id, config_id, enabled, levels, tool_min_complexity,
		   classifier_vendor, classifier_model, classifier_base_url)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   config_id=excluded.config_id,
		   enabled=excluded.enabled,
		   levels=excluded.levels,
		   tool_min_complexity=excluded.tool_min_complexity,
		   classifier_vendor=excluded.classifier_vendor,
		   classifier_model=excluded.classifier_model,
		   classifier_base_url=excluded.classifier_base_url`,
		c.ConfigID, c.Enabled, mustJSON(c.Levels), c.ToolMinComplexity,
		c.ClassifierVendor, c.ClassifierModel, c.ClassifierBaseURL)
	return err
}

// Routing rules

const routingRuleCols = `rule_id, bot_id, priority, kind, enabled, pattern, match_type, strategy, max_attempts, delay_ms, targets, chain_id`

func (s *SQLiteStore) listRoutingRules(ctx context.Context, q string, args ...any) ([]RoutingRule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []RoutingRule
	for rows.Next() {
		var r RoutingRule
		var targets string
		if err := rows.Scan(&r.RuleID, &r.BotID, &r.Priority, &r.Kind, &r.Enabled,
			&r.Pattern, &r.MatchType, &r.Strategy, &r.MaxAttempts, &r.DelayMs,
			&targets, &r.ChainID); err != nil {
			return nil, err
		}
		r.Targets = fromJSON[[]RuleTarget](targets)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListRoutingRules(ctx context.Context) ([]RoutingRule, error) {
	return s.listRoutingRules(ctx,
		`SELECT `+routingRuleCols+` FROM routing_rules ORDER BY bot_id, priority, rule_id`)
}

func (s *SQLiteStore) ListRoutingRulesForBot(ctx context.Context, botID string) ([]RoutingRule, error) {
	return s.listRoutingRules(ctx,
		`SELECT `+routingRuleCols+` FROM routing_rules WHERE bot_id = ? ORDER BY priority, rule_id`, botID)
}

func (s *SQLiteStore) UpsertRoutingRule(ctx context.Context, r RoutingRule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO routing_rules (`+routingRuleCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(rule_id) DO UPDATE SET
		   bot_id=excluded.bot_id,
		   priority=excluded.priority,
		   kind=excluded.kind,
		   enabled=excluded.enabled,
		   pattern=excluded.pattern,
		   match_type=excluded.match_type,
		   strategy=excluded.strategy,
		   max_attempts=excluded.max_attempts,
		   delay_ms=excluded.delay_ms,
		   targets=excluded.targets,
		   chain_id=excluded.chain_id`,
		r.RuleID, r.BotID, r.Priority, r.Kind, r.Enabled, r.Pattern, r.MatchType,
		r.Strategy, r.MaxAttempts, r.DelayMs, mustJSON(r.Targets), r.ChainID)
	return err
}

func (s *SQLiteStore) DeleteRoutingRule(ctx context.Context, ruleID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM routing_rules WHERE rule_id = ?`, ruleID)
	return err
}

// Bots

const botCols = `id, owner_id, hostname, vendor, credential_id, primary_model, models, tags, complexity_routing, proxy_token_hash, daily_limit_usd, monthly_limit_usd, status, created_at`

func (s *SQLiteStore) CreateBot(ctx context.Context, b Bot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bots (`+botCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.OwnerID, b.Hostname, b.Vendor, b.CredentialID, b.PrimaryModel,
		mustJSON(b.Models), mustJSON(b.Tags), b.ComplexityRouting, b.ProxyTokenHash,
		b.DailyLimitUSD, b.MonthlyLimitUSD, b.Status, fmtTime(b.CreatedAt))
	return err
}

func scanBot(scan func(dest ...any) error) (*Bot, error) {
	var b Bot
	var models, tags, createdAt string
	if err := scan(&b.ID, &b.OwnerID, &b.Hostname, &b.Vendor, &b.CredentialID, &b.PrimaryModel,
		&models, &tags, &b.ComplexityRouting, &b.ProxyTokenHash,
		&b.DailyLimitUSD, &b.MonthlyLimitUSD, &b.Status, &createdAt); err != nil {
		return nil, err
	}
	b.Models = fromJSON[[]string](models)
	b.Tags = fromJSON[[]string](tags)
	b.CreatedAt = parseTime(createdAt)
	return &b, nil
}

func (s *SQLiteStore) GetBot(ctx context.Context, id string) (*Bot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botCols+` FROM bots WHERE id = ?`, id)
	b, err := scanBot(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *SQLiteStore) GetBotByHostname(ctx context.Context, hostname string) (*Bot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botCols+` FROM bots WHERE hostname = ?`, hostname)
	b, err := scanBot(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// GetBotByTokenHash serves direct-mode auth, where the bearer token is bound
// to the bot row itself rather than to a proxy token.
func (s *SQLiteStore) GetBotByTokenHash(ctx context.Context, hash string) (*Bot, error) {
	if hash == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+botCols+` FROM bots WHERE proxy_token_hash = ?`, hash)
	b, err := scanBot(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *SQLiteStore) ListBots(ctx context.Context, ownerID string) ([]Bot, error) {
	q := `SELECT ` + botCols + ` FROM bots`
	args := []any{}
	if ownerID != "" {
		q += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	q += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Bot
	for rows.Next() {
		b, err := scanBot(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateBot(ctx context.Context, b Bot) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bots SET owner_id = ?, hostname = ?, vendor = ?, credential_id = ?, primary_model = ?,
		   models = ?, tags = ?, complexity_routing = ?, proxy_token_hash = ?,
		   daily_limit_usd = ?, monthly_limit_usd = ?, status = ?
		 WHERE id = ?`,
		b.OwnerID, b.Hostname, b.Vendor, b.CredentialID, b.PrimaryModel,
		mustJSON(b.Models), mustJSON(b.Tags), b.ComplexityRouting, b.ProxyTokenHash,
		b.DailyLimitUSD, b.MonthlyLimitUSD, b.Status, b.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteBot(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bots WHERE id = ?`, id)
	return err
}

// Usage logs

func (s *SQLiteStore) InsertUsageLog(ctx context.Context, l UsageLog) error {
	var status any
	if l.StatusCode != nil {
		status = *l.StatusCode
	}
	created := l.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_logs (bot_id, vendor, credential_id, status_code, endpoint, model,
		   request_tokens, response_tokens, error_message, duration_ms, protocol_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.BotID, l.Vendor, l.CredentialID, status, l.Endpoint, l.Model,
		l.RequestTokens, l.ResponseTokens, l.ErrorMessage, l.DurationMs, l.ProtocolType, fmtTime(created))
	return err
}

func (s *SQLiteStore) ListUsageLogs(ctx context.Context, botID string, limit, offset int) ([]UsageLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bot_id, vendor, credential_id, status_code, endpoint, model,
		        request_tokens, response_tokens, error_message, duration_ms, protocol_type, created_at
		 FROM usage_logs WHERE bot_id = ? ORDER BY id DESC LIMIT ? OFFSET ?`,
		botID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []UsageLog
	for rows.Next() {
		var l UsageLog
		var status sql.NullInt64
		var createdAt string
		if err := rows.Scan(&l.ID, &l.BotID, &l.Vendor, &l.CredentialID, &status, &l.Endpoint,
			&l.Model, &l.RequestTokens, &l.ResponseTokens, &l.ErrorMessage, &l.DurationMs,
			&l.ProtocolType, &createdAt); err != nil {
			return nil, err
		}
		if status.Valid {
			code := int(status.Int64)
			l.StatusCode = &code
		}
		l.CreatedAt = parseTime(createdAt)
		out = append(out, l)
	}
	return out, rows.Err()
}

// Quota counters

func (s *SQLiteStore) GetQuotaCounters(ctx context.Context, botID string) (*QuotaCounters, error) {
	var q QuotaCounters
	err := s.db.QueryRowContext(ctx,
		`SELECT bot_id, daily_cost, monthly_cost, last_reset_date, last_reset_month
		 FROM quota_counters WHERE bot_id = ?`, botID).
		Scan(&q.BotID, &q.DailyCost, &q.MonthlyCost, &q.LastResetDate, &q.LastResetMonth)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *SQLiteStore) SaveQuotaCounters(ctx context.Context, q QuotaCounters) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quota_counters (bot_id, daily_cost, monthly_cost, last_reset_date, last_reset_month)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(bot_id) DO UPDATE SET
		   daily_cost=excluded.daily_cost,
		   monthly_cost=excluded.monthly_cost,
		   last_reset_date=excluded.last_reset_date,
		   last_reset_month=excluded.last_reset_month`,
		q.BotID, q.DailyCost, q.MonthlyCost, q.LastResetDate, q.LastResetMonth)
	return err
}
