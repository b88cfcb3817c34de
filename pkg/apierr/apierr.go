// Package apierr writes the gateway's client-facing error envelope.
//
// The proxy plane never leaks internal detail to callers: every error body is
// a flat JSON object {"error": "<short message>"}. The matching log line
// carries the full context.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

type envelope struct {
	Error string `json:"error"`
}

// Write sets status and writes the error envelope.
func Write(ctx *fasthttp.RequestCtx, status int, message string) {
	ctx.ResetBody()
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: message})
	ctx.SetBody(body)
}

// WriteUnauthorized writes a 401 for a missing or malformed Authorization header.
func WriteUnauthorized(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized, "missing or malformed authorization")
}

// WriteForbidden writes a 403 for an invalid, expired, or mismatched token.
func WriteForbidden(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusForbidden, message)
}

// WriteUnknownVendor writes a 400 for an unrecognised vendor path segment.
func WriteUnknownVendor(ctx *fasthttp.RequestCtx, vendor string) {
	Write(ctx, fasthttp.StatusBadRequest, "unknown vendor: "+vendor)
}

// WriteNoKey writes a 503 when no credential can serve the vendor.
func WriteNoKey(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusServiceUnavailable, "no key available")
}

// WriteUpstreamFailed writes a 502 after all fallback candidates are exhausted.
func WriteUpstreamFailed(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusBadGateway, "upstream request failed")
}

// WriteInternal writes a generic 500.
func WriteInternal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, "internal server error")
}

// WriteRateLimit writes a 429 with a Retry-After hint.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded")
}
