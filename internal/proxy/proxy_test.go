package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/botgate/internal/breaker"
	"github.com/nulpointcorp/botgate/internal/classifier"
	"github.com/nulpointcorp/botgate/internal/fallback"
	"github.com/nulpointcorp/botgate/internal/forward"
	"github.com/nulpointcorp/botgate/internal/keyring"
	"github.com/nulpointcorp/botgate/internal/metrics"
	"github.com/nulpointcorp/botgate/internal/quota"
	"github.com/nulpointcorp/botgate/internal/resolver"
	"github.com/nulpointcorp/botgate/internal/routecfg"
	"github.com/nulpointcorp/botgate/internal/routing"
	"github.com/nulpointcorp/botgate/internal/secrets"
	"github.com/nulpointcorp/botgate/internal/store"
	"github.com/nulpointcorp/botgate/internal/token"
	"github.com/nulpointcorp/botgate/internal/usagelog"
)

const testMasterKey = "0123456789abcdef0123456789abcdef"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// env is a fully wired proxy plane over in-memory storage.
type env struct {
	st     *store.SQLiteStore
	box    *secrets.Box
	tokens *token.Service
	cfg    *routecfg.Loader
	h      *Handler
	client *http.Client
}

func newEnv(t *testing.T, zeroTrust bool) *env {
	t.Helper()
	ctx := context.Background()
	log := discardLogger()

	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	box, err := secrets.NewBox(testMasterKey)
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	tokens := token.New(st, box, 0, log)
	t.Cleanup(func() { _ = tokens.Close() })

	res, err := resolver.New(ctx, st, log)
	if err != nil {
		t.Fatalf("resolver.New: %v", err)
	}
	t.Cleanup(func() { _ = res.Close() })

	cfg := routecfg.New(ctx, st, time.Hour, log)
	t.Cleanup(func() { _ = cfg.Close() })

	ring := keyring.New(st)
	class := classifier.New(ctx, log)
	routes := routing.New(cfg, res, ring, class, box, log)

	usage, err := usagelog.New(ctx, st, nil, log)
	if err != nil {
		t.Fatalf("usagelog.New: %v", err)
	}
	t.Cleanup(func() { _ = usage.Close() })

	qm := quota.New(st, nil, cfg, log)
	t.Cleanup(func() { _ = qm.Close() })

	h := New(Deps{
		Store:     st,
		Box:       box,
		Tokens:    tokens,
		Ring:      ring,
		Routes:    routes,
		Config:    cfg,
		Breaker:   breaker.New(breaker.Config{}),
		Fallback:  fallback.New(),
		Forwarder: forward.New(10*time.Second, log),
		Quota:     qm,
		Usage:     usage,
		Resolver:  res,
		Metrics:   metrics.New(),
		Log:       log,
		ZeroTrust: zeroTrust,
	})

	r := router.New()
	h.Register(r)
	handler := ApplyMiddleware(r.Handler, Recovery, RequestID, Timing)

	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = fasthttp.Serve(ln, handler) }()
	t.Cleanup(func() { _ = ln.Close() })

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return &env{st: st, box: box, tokens: tokens, cfg: cfg, h: h, client: client}
}

// addCredential inserts an encrypted credential pointing at upstreamURL.
func (e *env) addCredential(t *testing.T, id, vendor, apiType, upstreamURL string) {
	t.Helper()
	ct, err := e.box.Encrypt("sk-" + id)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	err = e.st.CreateCredential(context.Background(), store.Credential{
		ID:               id,
		Vendor:           vendor,
		APIType:          apiType,
		BaseURL:          upstreamURL,
		SecretCiphertext: ct,
		CreatedAt:        time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}
}

func (e *env) addBot(t *testing.T, b store.Bot) {
	t.Helper()
	if b.Status == "" {
		b.Status = "active"
	}
	b.CreatedAt = time.Now().UTC()
	if err := e.st.CreateBot(context.Background(), b); err != nil {
		t.Fatalf("CreateBot: %v", err)
	}
}

func (e *env) mintToken(t *testing.T, botID, vendor, credID string) string {
	t.Helper()
	plain, err := e.tokens.Register(context.Background(), botID, vendor, credID, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return plain
}

func (e *env) post(t *testing.T, path, bearer, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", "http://gw"+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

// waitUsageLog polls until at least want rows exist for the bot.
func (e *env) waitUsageLog(t *testing.T, botID string, want int) []store.UsageLog {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rows, err := e.st.ListUsageLogs(context.Background(), botID, 50, 0)
		if err != nil {
			t.Fatalf("ListUsageLogs: %v", err)
		}
		if len(rows) >= want {
			return rows
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("usage log for %s never reached %d rows", botID, want)
	return nil
}

func TestProxyHappyPath(t *testing.T) {
	const upstreamBody = `{"id":"cmpl-1","model":"gpt-4o","usage":{"prompt_tokens":11,"completion_tokens":7,"total_tokens":18}}`

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-cred-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, upstreamBody)
	}))
	defer upstream.Close()

	e := newEnv(t, true)
	e.addCredential(t, "cred-1", "openai", "openai", upstream.URL)
	e.addBot(t, store.Bot{ID: "bot-1", Vendor: "openai", CredentialID: "cred-1", PrimaryModel: "gpt-4o"})
	tok := e.mintToken(t, "bot-1", "openai", "cred-1")

	resp := e.post(t, "/v1/openai/chat/completions", tok, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	if string(body) != upstreamBody {
		t.Fatalf("body = %s", body)
	}

	rows := e.waitUsageLog(t, "bot-1", 1)
	row := rows[0]
	if row.RequestTokens != 11 || row.ResponseTokens != 7 {
		t.Fatalf("tokens = %d/%d", row.RequestTokens, row.ResponseTokens)
	}
	if row.Model != "gpt-4o" || row.StatusCode == nil || *row.StatusCode != 200 {
		t.Fatalf("row = %+v", row)
	}
	if row.DurationMs < 0 {
		t.Fatalf("duration = %d", row.DurationMs)
	}
	if row.ProtocolType != "openai-compatible" {
		t.Fatalf("protocol = %s", row.ProtocolType)
	}
}

func TestProxyMissingAuth(t *testing.T) {
	e := newEnv(t, true)
	resp := e.post(t, "/v1/openai/chat/completions", "", `{}`)
	defer resp.Body.Close()
	if resp.StatusCode != 401 {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestProxyInvalidToken(t *testing.T) {
	e := newEnv(t, true)
	resp := e.post(t, "/v1/openai/chat/completions", "bg_not_a_real_token", `{}`)
	defer resp.Body.Close()
	if resp.StatusCode != 403 {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestProxyUnknownVendor(t *testing.T) {
	e := newEnv(t, true)
	resp := e.post(t, "/v1/cohere/chat", "whatever", `{}`)
	defer resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestProxyVendorMismatch(t *testing.T) {
	var upstreamHits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
	}))
	defer upstream.Close()

	e := newEnv(t, true)
	e.addCredential(t, "cred-1", "openai", "openai", upstream.URL)
	e.addBot(t, store.Bot{ID: "bot-1", Vendor: "openai", CredentialID: "cred-1", PrimaryModel: "gpt-4o"})
	tok := e.mintToken(t, "bot-1", "openai", "cred-1")

	resp := e.post(t, "/v1/anthropic/messages", tok, `{"model":"claude-sonnet-4"}`)
	defer resp.Body.Close()

	if resp.StatusCode != 403 {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if upstreamHits.Load() != 0 {
		t.Fatal("upstream was called despite vendor mismatch")
	}
}

func TestProxyFailoverRule(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":"down"}`)
	}))
	defer bad.Close()

	const goodBody = `{"id":"cmpl-2","model":"gpt-4o-mini","usage":{"prompt_tokens":4,"completion_tokens":2}}`
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, goodBody)
	}))
	defer good.Close()

	e := newEnv(t, true)
	e.addCredential(t, "cred-bad", "openai", "openai", bad.URL)
	e.addCredential(t, "cred-good", "openai", "openai", good.URL)
	e.addBot(t, store.Bot{ID: "bot-1", Vendor: "openai", CredentialID: "cred-bad", PrimaryModel: "gpt-4o"})
	tok := e.mintToken(t, "bot-1", "openai", "cred-bad")

	err := e.st.UpsertRoutingRule(context.Background(), store.RoutingRule{
		RuleID:      "r1",
		BotID:       "bot-1",
		Priority:    1,
		Kind:        store.RuleKindFailover,
		Enabled:     true,
		MaxAttempts: 3,
		Targets: []store.RuleTarget{
			{CredentialID: "cred-bad", Model: "gpt-4o"},
			{CredentialID: "cred-good", Model: "gpt-4o-mini"},
		},
	})
	if err != nil {
		t.Fatalf("UpsertRoutingRule: %v", err)
	}
	e.cfg.Refresh(context.Background())

	resp := e.post(t, "/v1/openai/chat/completions", tok, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	if string(body) != goodBody {
		t.Fatalf("body = %s", body)
	}

	// One failed attempt row plus one success row.
	rows := e.waitUsageLog(t, "bot-1", 2)
	var failed, succeeded bool
	for _, r := range rows {
		if r.CredentialID == "cred-bad" && r.ErrorMessage != "" {
			failed = true
		}
		if r.CredentialID == "cred-good" && r.StatusCode != nil && *r.StatusCode == 200 {
			succeeded = true
		}
	}
	if !failed || !succeeded {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestProxyAllCandidatesExhausted(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":"boom"}`)
	}))
	defer bad.Close()

	e := newEnv(t, true)
	e.addCredential(t, "cred-bad", "openai", "openai", bad.URL)
	e.addBot(t, store.Bot{ID: "bot-1", Vendor: "openai", CredentialID: "cred-bad", PrimaryModel: "gpt-4o"})
	tok := e.mintToken(t, "bot-1", "openai", "cred-bad")

	resp := e.post(t, "/v1/openai/chat/completions", tok, `{"model":"gpt-4o"}`)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != 502 {
		t.Fatalf("status = %d body = %s, want 502", resp.StatusCode, body)
	}
	var env map[string]string
	if err := json.Unmarshal(body, &env); err != nil || env["error"] == "" {
		t.Fatalf("error envelope missing: %s", body)
	}
}

func TestProxyClientErrorRelayed(t *testing.T) {
	const upstreamErr = `{"error":{"message":"unknown model"}}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, upstreamErr)
	}))
	defer upstream.Close()

	e := newEnv(t, true)
	e.addCredential(t, "cred-1", "openai", "openai", upstream.URL)
	e.addBot(t, store.Bot{ID: "bot-1", Vendor: "openai", CredentialID: "cred-1", PrimaryModel: "gpt-4o"})
	tok := e.mintToken(t, "bot-1", "openai", "cred-1")

	resp := e.post(t, "/v1/openai/chat/completions", tok, `{"model":"nope"}`)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != 400 {
		t.Fatalf("status = %d, want relayed 400", resp.StatusCode)
	}
	if string(body) != upstreamErr {
		t.Fatalf("body = %s, want upstream error relayed", body)
	}
}

func TestProxyBudgetExceeded(t *testing.T) {
	var upstreamHits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
	}))
	defer upstream.Close()

	e := newEnv(t, true)
	e.addCredential(t, "cred-1", "openai", "openai", upstream.URL)
	e.addBot(t, store.Bot{ID: "bot-1", Vendor: "openai", CredentialID: "cred-1", PrimaryModel: "gpt-4o", DailyLimitUSD: 1.0})
	tok := e.mintToken(t, "bot-1", "openai", "cred-1")

	now := time.Now().UTC()
	err := e.st.SaveQuotaCounters(context.Background(), store.QuotaCounters{
		BotID: "bot-1", DailyCost: 2.0, MonthlyCost: 2.0,
		LastResetDate:  now.Format("2006-01-02"),
		LastResetMonth: now.Format("2006-01"),
	})
	if err != nil {
		t.Fatalf("SaveQuotaCounters: %v", err)
	}

	resp := e.post(t, "/v1/openai/chat/completions", tok, `{"model":"gpt-4o"}`)
	defer resp.Body.Close()

	if resp.StatusCode != 429 {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if upstreamHits.Load() != 0 {
		t.Fatal("upstream called despite exhausted budget")
	}
}

func TestProxyStoppedBot(t *testing.T) {
	e := newEnv(t, true)
	e.addCredential(t, "cred-1", "openai", "openai", "http://unused")
	e.addBot(t, store.Bot{ID: "bot-1", Vendor: "openai", CredentialID: "cred-1", PrimaryModel: "gpt-4o", Status: "stopped"})
	tok := e.mintToken(t, "bot-1", "openai", "cred-1")

	resp := e.post(t, "/v1/openai/chat/completions", tok, `{"model":"gpt-4o"}`)
	defer resp.Body.Close()
	if resp.StatusCode != 403 {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestProxyDirectModeAuth(t *testing.T) {
	const upstreamBody = `{"model":"gpt-4o","usage":{"prompt_tokens":1,"completion_tokens":1}}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, upstreamBody)
	}))
	defer upstream.Close()

	e := newEnv(t, false)
	e.addCredential(t, "cred-1", "openai", "openai", upstream.URL)

	plain, err := secrets.MintToken()
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	e.addBot(t, store.Bot{
		ID: "bot-1", Vendor: "openai", CredentialID: "cred-1",
		PrimaryModel: "gpt-4o", ProxyTokenHash: secrets.HashToken(plain),
	})

	resp := e.post(t, "/v1/openai/chat/completions", plain, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != 200 || string(body) != upstreamBody {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}

	// The wrong token must not pass in direct mode.
	resp2 := e.post(t, "/v1/openai/chat/completions", "bg_bogus", `{}`)
	defer resp2.Body.Close()
	if resp2.StatusCode != 403 {
		t.Fatalf("bogus token status = %d, want 403", resp2.StatusCode)
	}
}

func TestProxyCompatAutoRouting(t *testing.T) {
	const upstreamBody = `{"model":"gpt-4o","usage":{"prompt_tokens":2,"completion_tokens":2}}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, upstreamBody)
	}))
	defer upstream.Close()

	e := newEnv(t, true)
	e.addCredential(t, "cred-1", "openai", "openai", upstream.URL)
	e.addBot(t, store.Bot{ID: "bot-1", Vendor: "openai", CredentialID: "cred-1", PrimaryModel: "gpt-4o"})
	tok := e.mintToken(t, "bot-1", "openai", "cred-1")

	err := e.st.UpsertModelAvailability(context.Background(), store.ModelAvailability{
		CredentialID: "cred-1", ModelName: "gpt-4o", IsAvailable: true, HealthScore: 100,
	})
	if err != nil {
		t.Fatalf("UpsertModelAvailability: %v", err)
	}

	// Compat endpoints route by resolver rank, so the vendor binding check
	// does not apply even though the model could live anywhere.
	resp := e.post(t, "/v1/openai-compatible/chat/completions", tok, `{"model":"openai/gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != 200 || string(body) != upstreamBody {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
}

func TestParseChat(t *testing.T) {
	c := parseChat([]byte(`{
		"model":"gpt-4o","stream":true,
		"tools":[{"type":"function"}],
		"messages":[
			{"role":"system","content":"be nice"},
			{"role":"user","content":"first"},
			{"role":"assistant","content":"ok"},
			{"role":"user","content":[{"type":"text","text":"second "},{"type":"text","text":"part"}]}
		]
	}`))
	if c.Model != "gpt-4o" || !c.Stream || !c.HasTools {
		t.Fatalf("chat = %+v", c)
	}
	if c.LastUserMessage != "second part" {
		t.Fatalf("last user message = %q", c.LastUserMessage)
	}
	if c.PriorContext != "user: first\nassistant: ok" {
		t.Fatalf("prior context = %q", c.PriorContext)
	}

	got := parseChat([]byte("not json"))
	if got.Model != "" || got.LastUserMessage != "" || got.HasTools || got.Stream {
		t.Fatalf("garbage body parsed: %+v", got)
	}
}

func TestParseChatSignals(t *testing.T) {
	c := parseChat([]byte(`{
		"model":"claude-sonnet-4-5",
		"thinking":{"type":"enabled"},
		"tools":[
			{"type":"function","function":{"name":"web_search"}},
			{"name":"code_execution"}
		],
		"messages":[
			{"role":"system","content":"be nice","cache_control":{"type":"ephemeral"}},
			{"role":"user","content":[
				{"type":"text","text":"what is in this picture"},
				{"type":"image_url"}
			]}
		]
	}`))

	s := c.Signals
	if !s.ThinkingEnabled {
		t.Error("thinking signal missed")
	}
	if !s.CacheControl {
		t.Error("cache_control signal missed")
	}
	if !s.Vision {
		t.Error("image part signal missed")
	}
	for _, want := range []string{"function", "web_search", "code_execution"} {
		if !hasName(s.ToolNames, want) {
			t.Errorf("tool name %q missing: %v", want, s.ToolNames)
		}
	}

	// thinking.type other than "enabled" is not a signal.
	c = parseChat([]byte(`{"thinking":{"type":"disabled"},"messages":[{"role":"user","content":"hi"}]}`))
	if c.Signals.ThinkingEnabled {
		t.Error("disabled thinking treated as a signal")
	}

	// Part-level cache_control counts too.
	c = parseChat([]byte(`{"messages":[{"role":"user","content":[{"type":"text","text":"x","cache_control":{"type":"ephemeral"}}]}]}`))
	if !c.Signals.CacheControl {
		t.Error("part-level cache_control missed")
	}
}

func TestParseChatPriorContextTruncation(t *testing.T) {
	long := strings.Repeat("z", 3*priorContextLimit)
	body, err := json.Marshal(map[string]any{
		"messages": []map[string]any{
			{"role": "user", "content": long},
			{"role": "assistant", "content": long},
			{"role": "user", "content": "latest"},
		},
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	c := parseChat(body)
	if c.LastUserMessage != "latest" {
		t.Fatalf("last user message = %q", c.LastUserMessage)
	}
	if len(c.PriorContext) != priorContextLimit {
		t.Fatalf("prior context length = %d, want %d", len(c.PriorContext), priorContextLimit)
	}
	if !strings.HasSuffix(c.PriorContext, "z") {
		t.Fatal("truncation should keep the tail")
	}
}

func TestBearerToken(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer abc123")
	if tok, ok := bearerToken(ctx); !ok || tok != "abc123" {
		t.Fatalf("tok = %q ok = %v", tok, ok)
	}

	ctx2 := &fasthttp.RequestCtx{}
	ctx2.Request.Header.Set("Authorization", "Basic abc123")
	if _, ok := bearerToken(ctx2); ok {
		t.Fatal("basic auth accepted")
	}

	ctx3 := &fasthttp.RequestCtx{}
	if _, ok := bearerToken(ctx3); ok {
		t.Fatal("missing header accepted")
	}
}
