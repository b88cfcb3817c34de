package admin

import (
	"context"
	"log/slog"

	"github.com/nulpointcorp/botgate/internal/store"
)

// Orchestrator is the control-plane hook invoked when bots start and stop.
// Deployments back it with their container runtime; the gateway only hands
// over the environment the bot needs to reach the proxy plane.
type Orchestrator interface {
	// StartBot launches (or restarts) the bot's workload. env carries
	// PROXY_URL and PROXY_TOKEN; the token plaintext exists only for the
	// duration of this call.
	StartBot(ctx context.Context, bot *store.Bot, env map[string]string) error

	// StopBot tears the bot's workload down.
	StopBot(ctx context.Context, botID string) error
}

// NopOrchestrator logs transitions and does nothing else. It is the default
// when no runtime integration is configured.
type NopOrchestrator struct {
	Log *slog.Logger
}

func (n NopOrchestrator) StartBot(_ context.Context, bot *store.Bot, env map[string]string) error {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	n.Log.Info("bot start requested (no orchestrator configured)",
		slog.String("bot_id", bot.ID),
		slog.Any("env_keys", keys),
	)
	return nil
}

func (n NopOrchestrator) StopBot(_ context.Context, botID string) error {
	n.Log.Info("bot stop requested (no orchestrator configured)", slog.String("bot_id", botID))
	return nil
}
