// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — SQLite store, credential box, Redis, ClickHouse
//  2. initServices — resolver, config loader, tokens, quota, usage log
//  3. initGateway  — proxy plane, admin surface, HTTP server
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/botgate/internal/admin"
	"github.com/nulpointcorp/botgate/internal/breaker"
	"github.com/nulpointcorp/botgate/internal/classifier"
	"github.com/nulpointcorp/botgate/internal/config"
	"github.com/nulpointcorp/botgate/internal/fallback"
	"github.com/nulpointcorp/botgate/internal/forward"
	"github.com/nulpointcorp/botgate/internal/keyring"
	"github.com/nulpointcorp/botgate/internal/metrics"
	"github.com/nulpointcorp/botgate/internal/proxy"
	"github.com/nulpointcorp/botgate/internal/quota"
	"github.com/nulpointcorp/botgate/internal/ratelimit"
	"github.com/nulpointcorp/botgate/internal/resolver"
	"github.com/nulpointcorp/botgate/internal/routecfg"
	"github.com/nulpointcorp/botgate/internal/routing"
	"github.com/nulpointcorp/botgate/internal/secrets"
	"github.com/nulpointcorp/botgate/internal/store"
	"github.com/nulpointcorp/botgate/internal/token"
	"github.com/nulpointcorp/botgate/internal/usagelog"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	st  *store.SQLiteStore
	box *secrets.Box

	// Optional external connections — nil when not configured.
	rdb *redis.Client
	ch2 driver.Conn

	res     *resolver.Resolver
	loader  *routecfg.Loader
	class   *classifier.Classifier
	ring    *keyring.Keyring
	tokens  *token.Service
	usage   *usagelog.Writer
	qm      *quota.Manager
	brk     *breaker.Breaker
	fb      *fallback.Engine
	fwd     *forward.Forwarder
	limiter *ratelimit.RPMLimiter
	prom    *metrics.Registry

	eng    *routing.Engine
	proxyH *proxy.Handler
	adminH *admin.Handler

	srv *fasthttp.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// fails. Shutdown is graceful: in-flight requests get a drain window.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting botgate",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Bool("zero_trust", a.cfg.ZeroTrustMode),
		slog.Bool("redis", a.rdb != nil),
		slog.Bool("clickhouse", a.ch2 != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.srv.ShutdownWithContext(shutCtx); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.usage != nil {
		if err := a.usage.Close(); err != nil {
			a.log.Error("usage log close error", slog.String("error", err.Error()))
		}
		a.usage = nil
	}
	if a.qm != nil {
		if err := a.qm.Close(); err != nil {
			a.log.Error("quota close error", slog.String("error", err.Error()))
		}
		a.qm = nil
	}
	if a.tokens != nil {
		if err := a.tokens.Close(); err != nil {
			a.log.Error("token service close error", slog.String("error", err.Error()))
		}
		a.tokens = nil
	}
	if a.loader != nil {
		if err := a.loader.Close(); err != nil {
			a.log.Error("config loader close error", slog.String("error", err.Error()))
		}
		a.loader = nil
	}
	if a.res != nil {
		if err := a.res.Close(); err != nil {
			a.log.Error("resolver close error", slog.String("error", err.Error()))
		}
		a.res = nil
	}
	if a.ch2 != nil {
		if err := a.ch2.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.ch2 = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.st = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// connectClickHouse opens the analytics sink and ensures the usage table
// exists.
func connectClickHouse(ctx context.Context, dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if err := conn.Exec(ctx, usagelog.Schema()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create usage table: %w", err)
	}

	return conn, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe
// logging. e.g. "redis://:secret@host:6379" → "redis://***@host:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
