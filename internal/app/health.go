package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"
)

// handleHealth reports liveness plus the last routing-config load.
func (a *App) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"status":  "ok",
		"version": a.version,
		"config":  a.loader.LoadStatus(),
	})
}

// handleReadiness verifies the dependencies a request actually needs: the
// store always, Redis only when connected. ClickHouse is best-effort and
// never gates readiness.
func (a *App) handleReadiness(ctx *fasthttp.RequestCtx) {
	probeCtx, cancel := context.WithTimeout(a.baseCtx, time.Second)
	defer cancel()

	if err := a.st.Ping(probeCtx); err != nil {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"status": "unavailable", "store": err.Error()})
		return
	}
	if a.rdb != nil {
		if err := a.rdb.Ping(probeCtx).Err(); err != nil {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			writeJSON(ctx, map[string]string{"status": "unavailable", "redis": err.Error()})
			return
		}
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
