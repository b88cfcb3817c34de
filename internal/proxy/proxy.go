// Package proxy is the data-plane HTTP surface.
//
// Every bot request enters through ANY /v1/{vendor}/{path:*}: authenticate
// the bearer token, enforce vendor binding, rate and spend limits, route via
// the routing engine, then forward — walking alternates and the fallback
// chain when an attempt fails before any client byte is written. All
// bookkeeping (usage logs, health, breaker, quota) happens off the hot path
// in the forwarder's completion callback.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/botgate/internal/breaker"
	"github.com/nulpointcorp/botgate/internal/fallback"
	"github.com/nulpointcorp/botgate/internal/forward"
	"github.com/nulpointcorp/botgate/internal/keyring"
	"github.com/nulpointcorp/botgate/internal/metrics"
	"github.com/nulpointcorp/botgate/internal/quota"
	"github.com/nulpointcorp/botgate/internal/ratelimit"
	"github.com/nulpointcorp/botgate/internal/resolver"
	"github.com/nulpointcorp/botgate/internal/routecfg"
	"github.com/nulpointcorp/botgate/internal/routing"
	"github.com/nulpointcorp/botgate/internal/secrets"
	"github.com/nulpointcorp/botgate/internal/store"
	"github.com/nulpointcorp/botgate/internal/token"
	"github.com/nulpointcorp/botgate/internal/usagelog"
	"github.com/nulpointcorp/botgate/pkg/apierr"
)

const compatSuffix = "-compatible"

// Deps are the injected collaborators. All are required except Limiter,
// which is nil when rate limiting is disabled.
type Deps struct {
	Store     store.Store
	Box       *secrets.Box
	Tokens    *token.Service
	Ring      *keyring.Keyring
	Routes    *routing.Engine
	Config    *routecfg.Loader
	Breaker   *breaker.Breaker
	Fallback  *fallback.Engine
	Forwarder *forward.Forwarder
	Quota     *quota.Manager
	Usage     *usagelog.Writer
	Resolver  *resolver.Resolver
	Limiter   *ratelimit.RPMLimiter
	Metrics   *metrics.Registry
	Log       *slog.Logger

	// ZeroTrust selects proxy-token auth; when false the bearer token is
	// matched against the bot's own token hash.
	ZeroTrust bool
}

// Handler serves the proxy plane.
type Handler struct {
	d Deps
}

func New(d Deps) *Handler {
	return &Handler{d: d}
}

// Register mounts the data-plane routes.
func (h *Handler) Register(r *router.Router) {
	r.ANY("/v1/{vendor}/{path:*}", h.Handle)
}

// caller is the authenticated identity behind a request.
type caller struct {
	bot    *store.Bot
	vendor string // vendor the token is bound to
	cred   *store.Credential
	apiKey string
	tags   []string
}

// Handle is the main proxy entry point.
func (h *Handler) Handle(ctx *fasthttp.RequestCtx) {
	h.d.Metrics.IncInFlight()
	defer h.d.Metrics.DecInFlight()
	start := time.Now()

	vendorSeg, _ := ctx.UserValue("vendor").(string)
	inPath, _ := ctx.UserValue("path").(string)

	compat := strings.HasSuffix(vendorSeg, compatSuffix)
	apiType := strings.TrimSuffix(vendorSeg, compatSuffix)
	if !forward.KnownType(apiType) {
		apierr.WriteUnknownVendor(ctx, vendorSeg)
		return
	}

	plainToken, ok := bearerToken(ctx)
	if !ok {
		apierr.WriteUnauthorized(ctx)
		return
	}

	c, err := h.authenticate(ctx, plainToken)
	if err != nil {
		if errors.Is(err, errForbidden) {
			apierr.WriteForbidden(ctx, "invalid token")
		} else {
			h.d.Log.Error("auth lookup failed", slog.String("error", err.Error()))
			apierr.WriteInternal(ctx)
		}
		return
	}
	if c.bot.Status == "stopped" {
		apierr.WriteForbidden(ctx, "bot is stopped")
		return
	}

	// A token bound to one vendor cannot call another vendor's endpoint.
	// Compat mode routes across vendors by design and skips the check.
	if !compat && c.vendor != "" && c.vendor != apiType {
		apierr.WriteForbidden(ctx, "token not valid for vendor "+apiType)
		return
	}

	if h.d.Limiter != nil {
		allowed, _ := h.d.Limiter.Allow(ctx, c.bot.ID)
		if !allowed {
			h.d.Metrics.RecordRateLimit("blocked")
			apierr.WriteRateLimit(ctx)
			return
		}
		h.d.Metrics.RecordRateLimit("allowed")
	}

	if budget := h.d.Quota.CheckBudget(ctx, c.bot); budget.ShouldDowngrade {
		h.d.Metrics.RecordBudgetRejection(c.bot.ID)
		apierr.Write(ctx, fasthttp.StatusTooManyRequests, "budget exceeded")
		return
	}

	chat := parseChat(ctx.PostBody())

	dec, ok := h.route(ctx, c, apiType, compat, chat)
	if !ok || dec.Target.CredentialID == "" {
		apierr.WriteNoKey(ctx)
		return
	}

	h.dispatch(ctx, c, dec, apiType, inPath, start)
}

// route picks the decision for the request. Compat endpoints skip per-bot
// strategies and use pure resolver ranking.
func (h *Handler) route(ctx context.Context, c *caller, apiType string, compat bool, chat chatRequest) (routing.Decision, bool) {
	if compat {
		model := chat.Model
		if model == "" {
			model = c.bot.PrimaryModel
		}
		return h.d.Routes.Auto(ctx, model, apiType)
	}

	credID := c.bot.CredentialID
	if c.cred != nil {
		credID = c.cred.ID
	}
	dec := h.d.Routes.Evaluate(ctx, routing.Request{
		BotID:               c.bot.ID,
		Vendor:              apiType,
		Model:               chat.Model,
		LastUserMessage:     chat.LastUserMessage,
		PriorContext:        chat.PriorContext,
		HasTools:            chat.HasTools,
		Signals:             chat.Signals,
		Tags:                c.tags,
		ComplexityRouting:   c.bot.ComplexityRouting,
		DefaultCredentialID: credID,
		DefaultModel:        c.bot.PrimaryModel,
	})
	return dec, true
}

// dispatch walks the decision's targets and the fallback chain until one
// attempt commits a response or everything is exhausted.
func (h *Handler) dispatch(ctx *fasthttp.RequestCtx, c *caller, dec routing.Decision, apiType, inPath string, start time.Time) {
	endpoint := string(ctx.Path())
	requestID := uuid.New().String()

	targets := append([]routing.Target{dec.Target}, dec.Alternates...)
	delay := h.ruleDelay(c.bot.ID, dec.RuleID)

	chain, hasChain := h.d.Config.Current().Chains[dec.ChainID]
	if hasChain {
		h.d.Fallback.Begin(requestID, chain)
		defer h.d.Fallback.End(requestID)
	}

	attempted := 0
	idx := 0
	lastErrType := ""
	var failedCreds []string
	for {
		t, src, ok := h.nextTarget(ctx, requestID, targets, &idx, hasChain, failedCreds)
		if !ok {
			break
		}

		key := breaker.Key(t.CredentialID, t.Model)
		if !h.d.Breaker.Allow(key) {
			continue
		}

		ft, err := h.forwardTarget(ctx, t, c)
		if err != nil {
			h.d.Log.Warn("target unusable",
				slog.String("credential_id", t.CredentialID),
				slog.String("error", err.Error()),
			)
			// The admitted slot may have been a half-open probe; give it back.
			h.d.Breaker.CancelProbe(key)
			continue
		}

		if attempted > 0 {
			h.d.Metrics.RecordFallbackHop(t.Vendor, lastErrType)
			h.sleep(ctx, h.attemptDelay(requestID, src, delay))
		}
		attempted++

		attemptStart := time.Now()
		ferr := h.d.Forwarder.Do(ctx, ft, inPath, h.onComplete(c, t, ft.APIType, endpoint, start))
		if ferr == nil {
			return // response committed; completion callback does the bookkeeping
		}
		attemptTime := time.Since(attemptStart)

		var ue *forward.UpstreamError
		if !errors.As(ferr, &ue) {
			// Configuration problem (e.g. missing base URL); this target can
			// never work, move on without charging the breaker.
			h.d.Log.Error("forward failed", slog.String("credential_id", t.CredentialID), slog.String("error", ferr.Error()))
			h.d.Breaker.CancelProbe(key)
			continue
		}

		errType := fallback.ClassifyError(ue.StatusCode, ue.Body, ue.Err)
		lastErrType = errType
		failedCreds = append(failedCreds, t.CredentialID)
		h.d.Breaker.RecordFailure(key)
		h.d.Resolver.ReportOutcome(t.CredentialID, t.Model, false)
		h.d.Metrics.ObserveUpstreamAttempt(t.Vendor, errType)
		h.d.Metrics.SetCircuitBreaker(key, int64(h.d.Breaker.State(key)))
		h.recordFailedAttempt(c, t, ft.APIType, endpoint, ue, errType, start)

		if errType == fallback.ErrTypeClientError {
			// Deterministic rejection: relay the upstream verdict untouched.
			ctx.SetStatusCode(ue.StatusCode)
			ctx.SetContentType("application/json")
			ctx.SetBody(ue.Body)
			h.d.Metrics.ObserveRequest(t.Vendor, ue.StatusCode, time.Since(start))
			return
		}

		// Chain hops are gated by the chain's own trigger sets; alternates
		// from the routing decision retry on any retryable failure.
		if hasChain && idx >= len(targets) && !fallback.ShouldTrigger(chain, ue.StatusCode, errType, attemptTime) {
			break
		}
	}

	h.d.Metrics.RecordFallbackExhausted(apiType)
	if attempted == 0 {
		apierr.WriteNoKey(ctx)
		return
	}
	apierr.WriteUpstreamFailed(ctx)
	h.d.Metrics.ObserveRequest(apiType, fasthttp.StatusBadGateway, time.Since(start))
}

type targetSource int

const (
	srcDecision targetSource = iota
	srcChain
)

// nextTarget yields the next candidate: decision targets first, then chain
// hops resolved through the model resolver. Credentials that already failed
// this request are excluded from hop resolution.
func (h *Handler) nextTarget(ctx context.Context, requestID string, targets []routing.Target, idx *int, hasChain bool, failedCreds []string) (routing.Target, targetSource, bool) {
	for *idx < len(targets) {
		t := targets[*idx]
		*idx++
		return t, srcDecision, true
	}
	if !hasChain {
		return routing.Target{}, srcDecision, false
	}
	for {
		hop, ok := h.d.Fallback.Next(requestID)
		if !ok {
			return routing.Target{}, srcChain, false
		}
		cand, err := h.d.Resolver.Resolve(ctx, hop.Model, resolver.Options{
			Vendor:               hop.Vendor,
			ExcludeCredentialIDs: failedCreds,
		})
		if err != nil {
			continue
		}
		return routing.Target{
			CredentialID: cand.Credential.ID,
			Vendor:       cand.Credential.Vendor,
			Model:        hop.Model,
		}, srcChain, true
	}
}

func (h *Handler) attemptDelay(requestID string, src targetSource, ruleDelay time.Duration) time.Duration {
	if src == srcChain {
		return h.d.Fallback.Delay(requestID)
	}
	return ruleDelay
}

// ruleDelay looks up the failover rule's inter-attempt delay.
func (h *Handler) ruleDelay(botID, ruleID string) time.Duration {
	if ruleID == "" {
		return 0
	}
	for _, r := range h.d.Config.Current().RulesByBot[botID] {
		if r.RuleID == ruleID && r.DelayMs > 0 {
			return time.Duration(r.DelayMs) * time.Millisecond
		}
	}
	return 0
}

func (h *Handler) sleep(ctx *fasthttp.RequestCtx, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// onComplete is invoked by the forwarder after the response stream drains.
func (h *Handler) onComplete(c *caller, t routing.Target, apiType forward.APIType, endpoint string, start time.Time) func(forward.Completion) {
	botID := c.bot.ID
	return func(fc forward.Completion) {
		key := breaker.Key(t.CredentialID, t.Model)
		h.d.Breaker.RecordSuccess(key)
		h.d.Resolver.ReportOutcome(t.CredentialID, t.Model, true)
		h.d.Routes.ReportLatency(t.CredentialID, t.Model, fc.DurationMs)
		h.d.Metrics.SetCircuitBreaker(key, int64(h.d.Breaker.State(key)))

		model := fc.Usage.Model
		if model == "" {
			model = t.Model
		}
		status := fc.StatusCode
		h.d.Usage.Record(store.UsageLog{
			BotID:          botID,
			Vendor:         t.Vendor,
			CredentialID:   t.CredentialID,
			StatusCode:     &status,
			Endpoint:       endpoint,
			Model:          model,
			RequestTokens:  fc.Usage.RequestTokens,
			ResponseTokens: fc.Usage.ResponseTokens,
			DurationMs:     fc.DurationMs,
			ProtocolType:   protocolType(apiType),
		})

		if cost := h.d.Quota.CalculateCost(model, quota.Usage{
			InputTokens:  fc.Usage.RequestTokens,
			OutputTokens: fc.Usage.ResponseTokens,
		}); cost > 0 {
			h.d.Quota.TrackUsage(botID, cost)
		}

		h.d.Metrics.AddTokens(t.Vendor, fc.Usage.RequestTokens, fc.Usage.ResponseTokens)
		h.d.Metrics.ObserveUpstreamAttempt(t.Vendor, "success")
		h.d.Metrics.ObserveRequest(t.Vendor, fc.StatusCode, time.Since(start))
	}
}

// recordFailedAttempt logs a failed upstream attempt. StatusCode stays nil
// when the upstream was never reached.
func (h *Handler) recordFailedAttempt(c *caller, t routing.Target, apiType forward.APIType, endpoint string, ue *forward.UpstreamError, errType string, start time.Time) {
	entry := store.UsageLog{
		BotID:        c.bot.ID,
		Vendor:       t.Vendor,
		CredentialID: t.CredentialID,
		Endpoint:     endpoint,
		Model:        t.Model,
		ErrorMessage: errType,
		DurationMs:   time.Since(start).Milliseconds(),
		ProtocolType: protocolType(apiType),
	}
	if ue.StatusCode > 0 {
		status := ue.StatusCode
		entry.StatusCode = &status
	}
	h.d.Usage.Record(entry)
}

func protocolType(t forward.APIType) string {
	if t == forward.TypeAnthropic {
		return "anthropic-native"
	}
	return "openai-compatible"
}

// errForbidden is the uniform auth failure; callers never learn whether the
// token was unknown, expired, revoked, or bound elsewhere.
var errForbidden = errors.New("proxy: forbidden")

// authenticate resolves the bearer token to a caller under the configured
// trust model.
func (h *Handler) authenticate(ctx context.Context, plainToken string) (*caller, error) {
	if h.d.ZeroTrust {
		return h.authZeroTrust(ctx, plainToken)
	}
	return h.authDirect(ctx, plainToken)
}

func (h *Handler) authZeroTrust(ctx context.Context, plainToken string) (*caller, error) {
	id, err := h.d.Tokens.Validate(ctx, plainToken)
	if err != nil {
		if errors.Is(err, token.ErrInvalidToken) {
			return nil, errForbidden
		}
		return nil, err
	}

	bot, err := h.d.Store.GetBot(ctx, id.Token.BotID)
	if errors.Is(err, store.ErrNotFound) {
		// Token minted for an external workload with no bot row; run it
		// unlimited under its own ID.
		bot = &store.Bot{ID: id.Token.BotID, Vendor: id.Token.Vendor}
	} else if err != nil {
		return nil, err
	}

	vendor := id.Token.Vendor
	if vendor == "" {
		vendor = id.Credential.Vendor
	}
	tags := id.Token.Tags
	if len(tags) == 0 {
		tags = bot.Tags
	}
	return &caller{
		bot:    bot,
		vendor: vendor,
		cred:   id.Credential,
		apiKey: id.Secret,
		tags:   tags,
	}, nil
}

// authDirect matches the token hash against the bot row itself and selects a
// credential from the keyring.
func (h *Handler) authDirect(ctx context.Context, plainToken string) (*caller, error) {
	bot, err := h.d.Store.GetBotByTokenHash(ctx, secrets.HashToken(plainToken))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errForbidden
		}
		return nil, err
	}

	c := &caller{bot: bot, vendor: bot.Vendor, tags: bot.Tags}

	var cred *store.Credential
	if bot.CredentialID != "" {
		cred, err = h.d.Store.GetCredential(ctx, bot.CredentialID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if cred == nil {
		cred, err = h.d.Ring.SelectForBot(ctx, bot.Vendor, bot.Tags)
		if err != nil {
			if errors.Is(err, keyring.ErrNoKeyAvailable) {
				// Routing may still find a credential; auth itself succeeded.
				return c, nil
			}
			return nil, err
		}
	}

	key, err := h.d.Box.Decrypt(cred.SecretCiphertext)
	if err != nil {
		return nil, err
	}
	c.cred = cred
	c.apiKey = key
	return c, nil
}

// forwardTarget materializes a routing target into a forwardable one,
// decrypting the credential secret. The caller's own credential is reused
// without a second store round trip.
func (h *Handler) forwardTarget(ctx context.Context, t routing.Target, c *caller) (*forward.Target, error) {
	cred := c.cred
	key := c.apiKey
	if cred == nil || cred.ID != t.CredentialID {
		var err error
		cred, err = h.d.Store.GetCredential(ctx, t.CredentialID)
		if err != nil {
			return nil, err
		}
		if cred.DeletedAt != nil {
			return nil, store.ErrNotFound
		}
		key, err = h.d.Box.Decrypt(cred.SecretCiphertext)
		if err != nil {
			return nil, err
		}
	}
	return &forward.Target{
		CredentialID: cred.ID,
		Vendor:       cred.Vendor,
		APIType:      forward.APIType(cred.APIType),
		BaseURL:      cred.BaseURL,
		APIKey:       key,
		Model:        t.Model,
		Metadata:     cred.Metadata,
	}, nil
}

// bearerToken extracts the Authorization bearer value.
func bearerToken(ctx *fasthttp.RequestCtx) (string, bool) {
	raw := string(ctx.Request.Header.Peek("Authorization"))
	if raw == "" {
		return "", false
	}
	const prefix = "bearer "
	if len(raw) <= len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(raw[len(prefix):])
	return tok, tok != ""
}
