package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/botgate/internal/admin"
	"github.com/nulpointcorp/botgate/internal/breaker"
	"github.com/nulpointcorp/botgate/internal/classifier"
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

// initInfra opens the store, derives the credential box, and establishes the
// optional external connections. Redis and ClickHouse are both optional;
// missing ones degrade the features that need them.
func (a *App) initInfra(ctx context.Context) error {
	st, err := store.NewSQLite(a.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	a.st = st
	if err := a.st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	box, err := secrets.NewBox(a.cfg.MasterKey)
	if err != nil {
		return fmt.Errorf("credential box: %w", err)
	}
	a.box = box

	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))
		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.ClickHouse.DSN != "" {
		a.log.Info("connecting to clickhouse", slog.String("dsn", redactURL(a.cfg.ClickHouse.DSN)))
		conn, err := connectClickHouse(ctx, a.cfg.ClickHouse.DSN)
		if err != nil {
			// The analytics mirror is best-effort; SQLite keeps every row.
			a.log.Warn("clickhouse unavailable, usage mirror disabled", slog.String("error", err.Error()))
		} else {
			a.ch2 = conn
			a.log.Info("clickhouse connected")
		}
	}

	return nil
}

// initServices builds the long-running core services on top of the infra.
func (a *App) initServices(ctx context.Context) error {
	res, err := resolver.New(ctx, a.st, a.log)
	if err != nil {
		return fmt.Errorf("resolver: %w", err)
	}
	a.res = res

	a.loader = routecfg.New(ctx, a.st, a.cfg.ConfigRefresh, a.log)
	a.class = classifier.New(ctx, a.log)
	a.ring = keyring.New(a.st)
	a.tokens = token.New(a.st, a.box, a.cfg.TokenTTL, a.log)

	usage, err := usagelog.New(ctx, a.st, a.ch2, a.log)
	if err != nil {
		return fmt.Errorf("usage log: %w", err)
	}
	a.usage = usage

	a.qm = quota.New(a.st, a.rdb, a.loader, a.log)

	a.brk = breaker.New(breaker.Config{
		FailureThreshold: a.cfg.CircuitBreaker.FailureThreshold,
		Cooldown:         a.cfg.CircuitBreaker.Cooldown,
	})
	a.fb = fallback.New()
	a.fwd = forward.New(a.cfg.Upstream.Timeout, a.log)

	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		a.limiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires the proxy plane and the admin surface into one server.
func (a *App) initGateway(_ context.Context) error {
	a.eng = routing.New(a.loader, a.res, a.ring, a.class, a.box, a.log)

	a.proxyH = proxy.New(proxy.Deps{
		Store:     a.st,
		Box:       a.box,
		Tokens:    a.tokens,
		Ring:      a.ring,
		Routes:    a.eng,
		Config:    a.loader,
		Breaker:   a.brk,
		Fallback:  a.fb,
		Forwarder: a.fwd,
		Quota:     a.qm,
		Usage:     a.usage,
		Resolver:  a.res,
		Limiter:   a.limiter,
		Metrics:   a.prom,
		Log:       a.log,
		ZeroTrust: a.cfg.ZeroTrustMode,
	})

	a.adminH = admin.New(admin.Deps{
		Store:      a.st,
		Box:        a.box,
		Tokens:     a.tokens,
		Ring:       a.ring,
		Quota:      a.qm,
		Config:     a.loader,
		Classifier: a.class,
		Log:        a.log,
		AdminToken: a.cfg.AdminToken,
		ProxyURL:   a.cfg.ProxyURL,
		ZeroTrust:  a.cfg.ZeroTrustMode,
	})

	r := router.New()
	a.proxyH.Register(r)
	a.adminH.Register(r)

	r.GET("/health", a.handleHealth)
	r.GET("/readiness", a.handleReadiness)
	r.GET("/metrics", a.prom.Handler())

	handler := proxy.ApplyMiddleware(r.Handler,
		proxy.Recovery,
		proxy.RequestID,
		proxy.Timing,
	)

	a.srv = &fasthttp.Server{
		Handler:     handler,
		ReadTimeout: 60 * time.Second,
		// No write timeout: SSE responses stay open for the full upstream
		// stream, bounded by the forwarder's own ceiling.
		WriteTimeout:       0,
		MaxRequestBodySize: 10 << 20,
	}

	return nil
}
