// Package quota enforces per-bot spend limits and answers cost questions.
//
// Counters roll over lazily: the daily bucket resets the first time it is
// read on a new day, the monthly bucket on a new month, so no scheduler is
// needed. Spend tracking is fire-and-forget through a bounded channel; the
// consumer updates SQLite and, when Redis is configured, mirrors the
// counters there so replicas share a view.
package quota

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/botgate/internal/routecfg"
	"github.com/nulpointcorp/botgate/internal/store"
)

const (
	updateBuffer = 4096

	// alertThreshold is the budget fraction that triggers a warning log
	// before the hard limit cuts traffic off.
	alertThreshold = 0.8

	dailyKeyTTL   = 48 * time.Hour
	monthlyKeyTTL = 33 * 24 * time.Hour
)

// Usage is the token breakdown of one completed request.
type Usage struct {
	InputTokens      int
	OutputTokens     int
	ThinkingTokens   int
	CacheReadTokens  int
	CacheWriteTokens int
}

type update struct {
	botID string
	cost  float64
}

// Manager owns counters and pricing math.
type Manager struct {
	st  store.Store
	rdb *redis.Client // optional
	cfg *routecfg.Loader
	log *slog.Logger

	updates   chan update
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New starts the background counter updater. rdb may be nil.
func New(st store.Store, rdb *redis.Client, cfg *routecfg.Loader, log *slog.Logger) *Manager {
	m := &Manager{
		st:      st,
		rdb:     rdb,
		cfg:     cfg,
		log:     log,
		updates: make(chan update, updateBuffer),
		done:    make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// CalculateCost prices a request in USD from the pricing snapshot. Unknown
// models cost zero so unpriced traffic is never blocked by accident.
func (m *Manager) CalculateCost(model string, u Usage) float64 {
	p, ok := m.cfg.Current().Pricing[model]
	if !ok {
		return 0
	}
	const million = 1_000_000.0
	return float64(u.InputTokens)*p.InputPerM/million +
		float64(u.OutputTokens)*p.OutputPerM/million +
		float64(u.ThinkingTokens)*p.ThinkingPerM/million +
		float64(u.CacheReadTokens)*p.CacheReadPerM/million +
		float64(u.CacheWriteTokens)*p.CacheWritePerM/million
}

// Budget is the verdict of a budget check. ShouldDowngrade set means a hard
// limit is reached and the request should not run at full price; crossing
// the alert threshold only raises AlertTriggered.
type Budget struct {
	DailyUsedUSD        float64 `json:"daily_used_usd"`
	DailyRemainingUSD   float64 `json:"daily_remaining_usd"`
	MonthlyUsedUSD      float64 `json:"monthly_used_usd"`
	MonthlyRemainingUSD float64 `json:"monthly_remaining_usd"`
	AlertTriggered      bool    `json:"alert_triggered"`
	ShouldDowngrade     bool    `json:"should_downgrade"`
}

// CheckBudget reports where the bot stands against its daily and monthly
// limits. A zero limit means unlimited. Accounting must not take the data
// plane down, so a failed counter read degrades to an all-clear verdict
// with a warning log.
func (m *Manager) CheckBudget(ctx context.Context, bot *store.Bot) Budget {
	var b Budget
	if bot.DailyLimitUSD <= 0 && bot.MonthlyLimitUSD <= 0 {
		return b
	}

	c, err := m.counters(ctx, bot.ID)
	if err != nil {
		m.log.Warn("budget check degraded", slog.String("bot_id", bot.ID), slog.String("error", err.Error()))
		return b
	}

	b.DailyUsedUSD = c.DailyCost
	b.MonthlyUsedUSD = c.MonthlyCost

	if bot.DailyLimitUSD > 0 {
		b.DailyRemainingUSD = math.Max(0, bot.DailyLimitUSD-c.DailyCost)
		b.AlertTriggered = b.AlertTriggered || c.DailyCost >= bot.DailyLimitUSD*alertThreshold
		b.ShouldDowngrade = b.ShouldDowngrade || c.DailyCost >= bot.DailyLimitUSD
	}
	if bot.MonthlyLimitUSD > 0 {
		b.MonthlyRemainingUSD = math.Max(0, bot.MonthlyLimitUSD-c.MonthlyCost)
		b.AlertTriggered = b.AlertTriggered || c.MonthlyCost >= bot.MonthlyLimitUSD*alertThreshold
		b.ShouldDowngrade = b.ShouldDowngrade || c.MonthlyCost >= bot.MonthlyLimitUSD
	}

	if b.AlertTriggered && !b.ShouldDowngrade {
		m.log.Warn("budget alert threshold crossed",
			slog.String("bot_id", bot.ID),
			slog.Float64("daily_spent", c.DailyCost),
			slog.Float64("monthly_spent", c.MonthlyCost),
		)
	}
	return b
}

// TrackUsage records spend for the bot. Never blocks; under extreme load
// excess updates are dropped with a log line.
func (m *Manager) TrackUsage(botID string, cost float64) {
	if cost <= 0 {
		return
	}
	select {
	case m.updates <- update{botID: botID, cost: cost}:
	default:
		m.log.Warn("quota update dropped", slog.String("bot_id", botID))
	}
}

// Counters returns the bot's rolled-over counters for reporting endpoints.
func (m *Manager) Counters(ctx context.Context, botID string) (*store.QuotaCounters, error) {
	return m.counters(ctx, botID)
}

// Close drains pending updates and stops the consumer.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	m.wg.Wait()
	return nil
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case u := <-m.updates:
			m.apply(u)
		case <-m.done:
			for {
				select {
				case u := <-m.updates:
					m.apply(u)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) apply(u update) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := m.counters(ctx, u.botID)
	if err != nil {
		m.log.Error("quota counters load failed", slog.String("bot_id", u.botID), slog.String("error", err.Error()))
		return
	}
	c.DailyCost += u.cost
	c.MonthlyCost += u.cost
	if err := m.st.SaveQuotaCounters(ctx, *c); err != nil {
		m.log.Error("quota counters save failed", slog.String("bot_id", u.botID), slog.String("error", err.Error()))
	}

	if m.rdb != nil {
		day, month := periodKeys(u.botID, time.Now().UTC())
		pipe := m.rdb.Pipeline()
		pipe.IncrByFloat(ctx, day, u.cost)
		pipe.Expire(ctx, day, dailyKeyTTL)
		pipe.IncrByFloat(ctx, month, u.cost)
		pipe.Expire(ctx, month, monthlyKeyTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			m.log.Warn("quota redis mirror failed", slog.String("bot_id", u.botID), slog.String("error", err.Error()))
		}
	}
}

// counters loads and rolls over the persisted counters.
func (m *Manager) counters(ctx context.Context, botID string) (*store.QuotaCounters, error) {
	now := time.Now().UTC()
	today := now.Format("2006-01-02")
	month := now.Format("2006-01")

	c, err := m.st.GetQuotaCounters(ctx, botID)
	if errors.Is(err, store.ErrNotFound) {
		return &store.QuotaCounters{BotID: botID, LastResetDate: today, LastResetMonth: month}, nil
	}
	if err != nil {
		return nil, err
	}

	if c.LastResetDate != today {
		c.DailyCost = 0
		c.LastResetDate = today
	}
	if c.LastResetMonth != month {
		c.MonthlyCost = 0
		c.LastResetMonth = month
	}
	return c, nil
}

func periodKeys(botID string, now time.Time) (string, string) {
	return "quota:" + botID + ":d:" + now.Format("2006-01-02"),
		"quota:" + botID + ":m:" + now.Format("2006-01")
}
