// Package admin is the control-plane HTTP surface.
//
// Everything under /admin is guarded by a static bearer token; when no token
// is configured the surface is not registered at all. Handlers are thin
// wrappers over the store and the core services; the data plane never calls
// into this package.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/botgate/internal/classifier"
	"github.com/nulpointcorp/botgate/internal/forward"
	"github.com/nulpointcorp/botgate/internal/keyring"
	"github.com/nulpointcorp/botgate/internal/quota"
	"github.com/nulpointcorp/botgate/internal/routecfg"
	"github.com/nulpointcorp/botgate/internal/secrets"
	"github.com/nulpointcorp/botgate/internal/store"
	"github.com/nulpointcorp/botgate/internal/token"
	"github.com/nulpointcorp/botgate/pkg/apierr"
)

// Deps are the control-plane collaborators.
type Deps struct {
	Store        store.Store
	Box          *secrets.Box
	Tokens       *token.Service
	Ring         *keyring.Keyring
	Quota        *quota.Manager
	Config       *routecfg.Loader
	Classifier   *classifier.Classifier
	Orchestrator Orchestrator
	Log          *slog.Logger

	// AdminToken guards the surface; empty disables it entirely.
	AdminToken string

	// ProxyURL is handed to bots at start so they know where to send
	// traffic, e.g. "http://botgate:8080".
	ProxyURL string

	// ZeroTrust mirrors the proxy plane's trust model: it decides whether
	// bot starts mint proxy tokens or bind the token hash to the bot row.
	ZeroTrust bool
}

// Handler serves the admin API.
type Handler struct {
	d Deps
}

func New(d Deps) *Handler {
	if d.Orchestrator == nil {
		d.Orchestrator = NopOrchestrator{Log: d.Log}
	}
	return &Handler{d: d}
}

// Register mounts the admin routes. A missing admin token leaves the surface
// unregistered so the routes 404 instead of 403.
func (h *Handler) Register(r *router.Router) {
	if h.d.AdminToken == "" {
		h.d.Log.Warn("ADMIN_TOKEN not set; admin surface disabled")
		return
	}
	r.POST("/admin/credentials", h.auth(h.createCredential))
	r.GET("/admin/credentials", h.auth(h.listCredentials))
	r.GET("/admin/credentials/{id}", h.auth(h.getCredential))
	r.PUT("/admin/credentials/{id}", h.auth(h.updateCredential))
	r.DELETE("/admin/credentials/{id}", h.auth(h.deleteCredential))

	r.PUT("/admin/models", h.auth(h.upsertModel))
	r.GET("/admin/models/{model}", h.auth(h.listModel))

	r.POST("/admin/bots", h.auth(h.createBot))
	r.GET("/admin/bots", h.auth(h.listBots))
	r.GET("/admin/bots/{id}", h.auth(h.getBot))
	r.PUT("/admin/bots/{id}", h.auth(h.updateBot))
	r.DELETE("/admin/bots/{id}", h.auth(h.deleteBot))
	r.POST("/admin/bots/{id}/start", h.auth(h.startBot))
	r.POST("/admin/bots/{id}/stop", h.auth(h.stopBot))
	r.GET("/admin/bots/{id}/usage", h.auth(h.botUsage))
	r.POST("/admin/bots/{id}/token", h.auth(h.rotateToken))
	r.DELETE("/admin/bots/{id}/token", h.auth(h.revokeToken))

	r.GET("/admin/rules", h.auth(h.listRules))
	r.PUT("/admin/rules", h.auth(h.upsertRule))
	r.DELETE("/admin/rules/{id}", h.auth(h.deleteRule))

	r.GET("/admin/tags", h.auth(h.listTags))
	r.PUT("/admin/tags", h.auth(h.upsertTag))
	r.GET("/admin/chains", h.auth(h.listChains))
	r.PUT("/admin/chains", h.auth(h.upsertChain))
	r.GET("/admin/strategies", h.auth(h.listStrategies))
	r.PUT("/admin/strategies", h.auth(h.upsertStrategy))
	r.GET("/admin/pricing", h.auth(h.listPricing))
	r.PUT("/admin/pricing", h.auth(h.upsertPricing))
	r.GET("/admin/complexity", h.auth(h.getComplexity))
	r.PUT("/admin/complexity", h.auth(h.saveComplexity))

	r.POST("/admin/classify", h.auth(h.classify))
	r.POST("/admin/cost", h.auth(h.cost))
	r.POST("/admin/select-model", h.auth(h.selectModel))

	r.POST("/admin/config/refresh", h.auth(h.refreshConfig))
	r.GET("/admin/config/status", h.auth(h.configStatus))
}

func (h *Handler) auth(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		raw := string(ctx.Request.Header.Peek("Authorization"))
		const prefix = "bearer "
		if len(raw) <= len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
			apierr.WriteUnauthorized(ctx)
			return
		}
		if strings.TrimSpace(raw[len(prefix):]) != h.d.AdminToken {
			apierr.WriteForbidden(ctx, "invalid admin token")
			return
		}
		next(ctx)
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

func readJSON(ctx *fasthttp.RequestCtx, v any) bool {
	if err := json.Unmarshal(ctx.PostBody(), v); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func notFoundOr500(ctx *fasthttp.RequestCtx, err error, log *slog.Logger) {
	if errors.Is(err, store.ErrNotFound) {
		apierr.Write(ctx, fasthttp.StatusNotFound, "not found")
		return
	}
	log.Error("admin store call failed", slog.String("error", err.Error()))
	apierr.WriteInternal(ctx)
}

// ---- credentials ----

type credentialRequest struct {
	ID             string            `json:"id"`
	OwnerID        string            `json:"owner_id"`
	Vendor         string            `json:"vendor"`
	APIType        string            `json:"api_type"`
	BaseURL        string            `json:"base_url"`
	Secret         string            `json:"secret"`
	Tags           []string          `json:"tags"`
	Metadata       map[string]string `json:"metadata"`
	VendorPriority int               `json:"vendor_priority"`
}

func (h *Handler) createCredential(ctx *fasthttp.RequestCtx) {
	var req credentialRequest
	if !readJSON(ctx, &req) {
		return
	}
	if req.Vendor == "" || req.Secret == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "vendor and secret are required")
		return
	}
	if req.APIType == "" {
		req.APIType = req.Vendor
	}
	if !forward.KnownType(req.APIType) {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "unknown api_type: "+req.APIType)
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	ciphertext, err := h.d.Box.Encrypt(req.Secret)
	if err != nil {
		h.d.Log.Error("credential encrypt failed", slog.String("error", err.Error()))
		apierr.WriteInternal(ctx)
		return
	}

	cred := store.Credential{
		ID:               req.ID,
		OwnerID:          req.OwnerID,
		Vendor:           req.Vendor,
		APIType:          req.APIType,
		BaseURL:          req.BaseURL,
		SecretCiphertext: ciphertext,
		Tags:             req.Tags,
		Metadata:         req.Metadata,
		VendorPriority:   req.VendorPriority,
		CreatedAt:        time.Now().UTC(),
	}
	if err := h.d.Store.CreateCredential(ctx, cred); err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	h.d.Log.Info("credential created",
		slog.String("credential_id", cred.ID),
		slog.String("vendor", cred.Vendor),
	)
	writeJSON(ctx, fasthttp.StatusCreated, cred)
}

func (h *Handler) listCredentials(ctx *fasthttp.RequestCtx) {
	vendor := string(ctx.QueryArgs().Peek("vendor"))
	creds, err := h.d.Store.ListCredentials(ctx, vendor)
	if err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, creds)
}

func (h *Handler) getCredential(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("id").(string)
	cred, err := h.d.Store.GetCredential(ctx, id)
	if err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	active, err := h.d.Store.CountActiveTokensForCredential(ctx, id)
	if err != nil {
		active = -1
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"credential":    cred,
		"active_tokens": active,
	})
}

func (h *Handler) updateCredential(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("id").(string)
	var req credentialRequest
	if !readJSON(ctx, &req) {
		return
	}
	cur, err := h.d.Store.GetCredential(ctx, id)
	if err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}

	cur.BaseURL = req.BaseURL
	cur.Tags = req.Tags
	cur.Metadata = req.Metadata
	cur.VendorPriority = req.VendorPriority
	if req.Secret != "" {
		ciphertext, err := h.d.Box.Encrypt(req.Secret)
		if err != nil {
			apierr.WriteInternal(ctx)
			return
		}
		cur.SecretCiphertext = ciphertext
	}
	// Vendor and api_type are immutable; the store enforces it too.
	if err := h.d.Store.UpdateCredential(ctx, *cur); err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, cur)
}

func (h *Handler) deleteCredential(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("id").(string)
	if err := h.d.Store.SoftDeleteCredential(ctx, id); err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	h.d.Log.Info("credential retired", slog.String("credential_id", id))
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// ---- model availability ----

func (h *Handler) upsertModel(ctx *fasthttp.RequestCtx) {
	var a store.ModelAvailability
	if !readJSON(ctx, &a) {
		return
	}
	if a.CredentialID == "" || a.ModelName == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "credential_id and model_name are required")
		return
	}
	if err := h.d.Store.UpsertModelAvailability(ctx, a); err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, a)
}

func (h *Handler) listModel(ctx *fasthttp.RequestCtx) {
	model := ctx.UserValue("model").(string)
	rows, err := h.d.Store.ListModelAvailability(ctx, model)
	if err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, rows)
}

// ---- bots ----

func (h *Handler) createBot(ctx *fasthttp.RequestCtx) {
	var b store.Bot
	if !readJSON(ctx, &b) {
		return
	}
	if b.Vendor == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "vendor is required")
		return
	}
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.Status == "" {
		b.Status = "provisioned"
	}
	b.CreatedAt = time.Now().UTC()
	if err := h.d.Store.CreateBot(ctx, b); err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	h.d.Log.Info("bot created", slog.String("bot_id", b.ID), slog.String("vendor", b.Vendor))
	writeJSON(ctx, fasthttp.StatusCreated, b)
}

func (h *Handler) listBots(ctx *fasthttp.RequestCtx) {
	owner := string(ctx.QueryArgs().Peek("owner"))
	hostname := string(ctx.QueryArgs().Peek("hostname"))
	if hostname != "" {
		bot, err := h.d.Store.GetBotByHostname(ctx, hostname)
		if err != nil {
			notFoundOr500(ctx, err, h.d.Log)
			return
		}
		writeJSON(ctx, fasthttp.StatusOK, []store.Bot{*bot})
		return
	}
	bots, err := h.d.Store.ListBots(ctx, owner)
	if err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, bots)
}

func (h *Handler) getBot(ctx *fasthttp.RequestCtx) {
	bot, err := h.d.Store.GetBot(ctx, ctx.UserValue("id").(string))
	if err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, bot)
}

func (h *Handler) updateBot(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("id").(string)
	cur, err := h.d.Store.GetBot(ctx, id)
	if err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	var b store.Bot
	if !readJSON(ctx, &b) {
		return
	}
	b.ID = id
	b.CreatedAt = cur.CreatedAt
	b.ProxyTokenHash = cur.ProxyTokenHash
	if b.Status == "" {
		b.Status = cur.Status
	}
	if err := h.d.Store.UpdateBot(ctx, b); err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, b)
}

func (h *Handler) deleteBot(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("id").(string)
	if err := h.d.Orchestrator.StopBot(ctx, id); err != nil {
		h.d.Log.Warn("orchestrator stop failed", slog.String("bot_id", id), slog.String("error", err.Error()))
	}
	if err := h.d.Tokens.DeleteForBot(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		h.d.Log.Warn("token cleanup failed", slog.String("bot_id", id), slog.String("error", err.Error()))
	}
	if err := h.d.Store.DeleteBot(ctx, id); err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	h.d.Log.Info("bot deleted", slog.String("bot_id", id))
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// startBot mints fresh proxy credentials and hands them to the orchestrator.
// The token plaintext is never stored or returned to the API caller.
func (h *Handler) startBot(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("id").(string)
	bot, err := h.d.Store.GetBot(ctx, id)
	if err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}

	plain, err := h.mintFor(ctx, bot)
	if err != nil {
		if errors.Is(err, keyring.ErrNoKeyAvailable) || errors.Is(err, store.ErrNotFound) {
			apierr.WriteNoKey(ctx)
			return
		}
		h.d.Log.Error("token mint failed", slog.String("bot_id", id), slog.String("error", err.Error()))
		apierr.WriteInternal(ctx)
		return
	}

	env := map[string]string{
		"PROXY_URL":   h.d.ProxyURL,
		"PROXY_TOKEN": plain,
	}
	if err := h.d.Orchestrator.StartBot(ctx, bot, env); err != nil {
		h.d.Log.Error("orchestrator start failed", slog.String("bot_id", id), slog.String("error", err.Error()))
		apierr.WriteInternal(ctx)
		return
	}

	bot.Status = "active"
	if err := h.d.Store.UpdateBot(ctx, *bot); err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, bot)
}

// mintFor issues the bot's proxy credential under the configured trust model.
func (h *Handler) mintFor(ctx context.Context, bot *store.Bot) (string, error) {
	credID := bot.CredentialID
	if credID == "" {
		cred, err := h.d.Ring.SelectForBot(ctx, bot.Vendor, bot.Tags)
		if err != nil {
			return "", err
		}
		credID = cred.ID
	}

	if h.d.ZeroTrust {
		return h.d.Tokens.Register(ctx, bot.ID, bot.Vendor, credID, bot.Tags)
	}

	plain, err := secrets.MintToken()
	if err != nil {
		return "", err
	}
	bot.ProxyTokenHash = secrets.HashToken(plain)
	bot.CredentialID = credID
	return plain, nil
}

func (h *Handler) stopBot(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("id").(string)
	bot, err := h.d.Store.GetBot(ctx, id)
	if err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}

	if err := h.d.Orchestrator.StopBot(ctx, id); err != nil {
		h.d.Log.Warn("orchestrator stop failed", slog.String("bot_id", id), slog.String("error", err.Error()))
	}
	if h.d.ZeroTrust {
		if err := h.d.Tokens.Revoke(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			h.d.Log.Warn("token revoke failed", slog.String("bot_id", id), slog.String("error", err.Error()))
		}
	} else {
		bot.ProxyTokenHash = ""
	}

	bot.Status = "stopped"
	if err := h.d.Store.UpdateBot(ctx, *bot); err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, bot)
}

func (h *Handler) botUsage(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("id").(string)
	limit, _ := strconv.Atoi(string(ctx.QueryArgs().Peek("limit")))
	offset, _ := strconv.Atoi(string(ctx.QueryArgs().Peek("offset")))

	rows, err := h.d.Store.ListUsageLogs(ctx, id, limit, offset)
	if err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	counters, err := h.d.Quota.Counters(ctx, id)
	if err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"logs":     rows,
		"counters": counters,
	})
}

// rotateToken mints a replacement proxy token and returns the plaintext
// exactly once.
func (h *Handler) rotateToken(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("id").(string)
	bot, err := h.d.Store.GetBot(ctx, id)
	if err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	plain, err := h.mintFor(ctx, bot)
	if err != nil {
		if errors.Is(err, keyring.ErrNoKeyAvailable) || errors.Is(err, store.ErrNotFound) {
			apierr.WriteNoKey(ctx)
			return
		}
		apierr.WriteInternal(ctx)
		return
	}
	if !h.d.ZeroTrust {
		if err := h.d.Store.UpdateBot(ctx, *bot); err != nil {
			notFoundOr500(ctx, err, h.d.Log)
			return
		}
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"token": plain})
}

func (h *Handler) revokeToken(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("id").(string)
	if err := h.d.Tokens.Revoke(ctx, id); err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// ---- routing rules ----

func (h *Handler) listRules(ctx *fasthttp.RequestCtx) {
	botID := string(ctx.QueryArgs().Peek("bot"))
	var (
		rules []store.RoutingRule
		err   error
	)
	if botID != "" {
		rules, err = h.d.Store.ListRoutingRulesForBot(ctx, botID)
	} else {
		rules, err = h.d.Store.ListRoutingRules(ctx)
	}
	if err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, rules)
}

func (h *Handler) upsertRule(ctx *fasthttp.RequestCtx) {
	var r store.RoutingRule
	if !readJSON(ctx, &r) {
		return
	}
	if r.BotID == "" || r.Kind == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "bot_id and kind are required")
		return
	}
	if r.RuleID == "" {
		r.RuleID = uuid.New().String()
	}
	if err := h.d.Store.UpsertRoutingRule(ctx, r); err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	h.d.Config.Refresh(ctx)
	writeJSON(ctx, fasthttp.StatusOK, r)
}

func (h *Handler) deleteRule(ctx *fasthttp.RequestCtx) {
	if err := h.d.Store.DeleteRoutingRule(ctx, ctx.UserValue("id").(string)); err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	h.d.Config.Refresh(ctx)
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// ---- routing config categories ----

func (h *Handler) listTags(ctx *fasthttp.RequestCtx) {
	tags, err := h.d.Store.ListCapabilityTags(ctx)
	if err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, tags)
}

func (h *Handler) upsertTag(ctx *fasthttp.RequestCtx) {
	var t store.CapabilityTag
	if !readJSON(ctx, &t) {
		return
	}
	if t.TagID == "" {
		t.TagID = uuid.New().String()
	}
	if err := h.d.Store.UpsertCapabilityTag(ctx, t); err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	h.d.Config.Refresh(ctx)
	writeJSON(ctx, fasthttp.StatusOK, t)
}

func (h *Handler) listChains(ctx *fasthttp.RequestCtx) {
	chains, err := h.d.Store.ListFallbackChains(ctx)
	if err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, chains)
}

func (h *Handler) upsertChain(ctx *fasthttp.RequestCtx) {
	var c store.FallbackChain
	if !readJSON(ctx, &c) {
		return
	}
	if c.ChainID == "" {
		c.ChainID = uuid.New().String()
	}
	if err := h.d.Store.UpsertFallbackChain(ctx, c); err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	h.d.Config.Refresh(ctx)
	writeJSON(ctx, fasthttp.StatusOK, c)
}

func (h *Handler) listStrategies(ctx *fasthttp.RequestCtx) {
	ss, err := h.d.Store.ListCostStrategies(ctx)
	if err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, ss)
}

func (h *Handler) upsertStrategy(ctx *fasthttp.RequestCtx) {
	var s store.CostStrategy
	if !readJSON(ctx, &s) {
		return
	}
	if s.StrategyID == "" {
		s.StrategyID = uuid.New().String()
	}
	if err := h.d.Store.UpsertCostStrategy(ctx, s); err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	h.d.Config.Refresh(ctx)
	writeJSON(ctx, fasthttp.StatusOK, s)
}

func (h *Handler) listPricing(ctx *fasthttp.RequestCtx) {
	ps, err := h.d.Store.ListModelPricing(ctx)
	if err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, ps)
}

func (h *Handler) upsertPricing(ctx *fasthttp.RequestCtx) {
	var p store.ModelPricing
	if !readJSON(ctx, &p) {
		return
	}
	if p.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "model is required")
		return
	}
	if err := h.d.Store.UpsertModelPricing(ctx, p); err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	h.d.Config.Refresh(ctx)
	writeJSON(ctx, fasthttp.StatusOK, p)
}

func (h *Handler) getComplexity(ctx *fasthttp.RequestCtx) {
	cc, err := h.d.Store.GetComplexityConfig(ctx)
	if err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, cc)
}

func (h *Handler) saveComplexity(ctx *fasthttp.RequestCtx) {
	var cc store.ComplexityConfig
	if !readJSON(ctx, &cc) {
		return
	}
	if err := h.d.Store.SaveComplexityConfig(ctx, cc); err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	h.d.Config.Refresh(ctx)
	writeJSON(ctx, fasthttp.StatusOK, cc)
}

// ---- utility operations ----

// classify runs the complexity classifier against a text sample using one of
// the stored credentials, so operators can tune level mappings.
func (h *Handler) classify(ctx *fasthttp.RequestCtx) {
	var req struct {
		CredentialID string `json:"credential_id"`
		Model        string `json:"model"`
		BaseURL      string `json:"base_url"`
		Text         string `json:"text"`
		Context      string `json:"context"`
		HasTools     bool   `json:"has_tools"`
	}
	if !readJSON(ctx, &req) {
		return
	}
	if req.CredentialID == "" || req.Model == "" || req.Text == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "credential_id, model, and text are required")
		return
	}
	cred, err := h.d.Store.GetCredential(ctx, req.CredentialID)
	if err != nil {
		notFoundOr500(ctx, err, h.d.Log)
		return
	}
	key, err := h.d.Box.Decrypt(cred.SecretCiphertext)
	if err != nil {
		apierr.WriteInternal(ctx)
		return
	}
	baseURL := req.BaseURL
	if baseURL == "" {
		baseURL = cred.BaseURL
	}
	level := h.d.Classifier.Classify(ctx, classifier.Spec{
		Vendor:  cred.Vendor,
		Model:   req.Model,
		BaseURL: baseURL,
		APIKey:  key,
	}, classifier.Query{Message: req.Text, Context: req.Context, HasTools: req.HasTools})
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"level": level.String()})
}

func (h *Handler) cost(ctx *fasthttp.RequestCtx) {
	var req struct {
		Model string `json:"model"`
		Usage struct {
			InputTokens      int `json:"input_tokens"`
			OutputTokens     int `json:"output_tokens"`
			ThinkingTokens   int `json:"thinking_tokens"`
			CacheReadTokens  int `json:"cache_read_tokens"`
			CacheWriteTokens int `json:"cache_write_tokens"`
		} `json:"usage"`
	}
	if !readJSON(ctx, &req) {
		return
	}
	cost := h.d.Quota.CalculateCost(req.Model, quota.Usage{
		InputTokens:      req.Usage.InputTokens,
		OutputTokens:     req.Usage.OutputTokens,
		ThinkingTokens:   req.Usage.ThinkingTokens,
		CacheReadTokens:  req.Usage.CacheReadTokens,
		CacheWriteTokens: req.Usage.CacheWriteTokens,
	})
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"model":    req.Model,
		"cost_usd": cost,
	})
}

func (h *Handler) selectModel(ctx *fasthttp.RequestCtx) {
	var req struct {
		StrategyID string   `json:"strategy_id"`
		Candidates []string `json:"candidates"`
		Scenario   string   `json:"scenario"`
	}
	if !readJSON(ctx, &req) {
		return
	}
	model, err := h.d.Quota.SelectOptimalModel(ctx, req.StrategyID, req.Candidates, req.Scenario)
	if err != nil {
		if errors.Is(err, quota.ErrNoEligibleModel) {
			apierr.Write(ctx, fasthttp.StatusUnprocessableEntity, "no eligible model")
			return
		}
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"model": model})
}

func (h *Handler) refreshConfig(ctx *fasthttp.RequestCtx) {
	h.d.Config.Refresh(ctx)
	writeJSON(ctx, fasthttp.StatusOK, h.d.Config.LoadStatus())
}

func (h *Handler) configStatus(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, h.d.Config.LoadStatus())
}
