package routing

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nulpointcorp/botgate/internal/classifier"
	"github.com/nulpointcorp/botgate/internal/keyring"
	"github.com/nulpointcorp/botgate/internal/resolver"
	"github.com/nulpointcorp/botgate/internal/routecfg"
	"github.com/nulpointcorp/botgate/internal/secrets"
	"github.com/nulpointcorp/botgate/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedClassifier struct {
	answer string
	last   classifier.Query
}

func (f *fixedClassifier) Classify(_ context.Context, _ classifier.Spec, q classifier.Query) (string, error) {
	f.last = q
	return f.answer, nil
}

type fixture struct {
	st     *store.SQLiteStore
	box    *secrets.Box
	loader *routecfg.Loader
	engine *Engine
	fc     *fixedClassifier
}

func newFixture(t *testing.T, classifierAnswer string) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	box, err := secrets.NewBox("routing-test-master-key")
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	loader := routecfg.New(ctx, st, time.Hour, discardLogger())
	t.Cleanup(func() { _ = loader.Close() })

	res, err := resolver.New(ctx, st, discardLogger())
	if err != nil {
		t.Fatalf("resolver.New: %v", err)
	}
	t.Cleanup(func() { _ = res.Close() })

	cctx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	fc := &fixedClassifier{answer: classifierAnswer}
	class := classifier.New(cctx, discardLogger())
	class.RegisterClient("openai", fc)

	engine := New(loader, res, keyring.New(st), class, box, discardLogger())
	return &fixture{st: st, box: box, loader: loader, engine: engine, fc: fc}
}

func (f *fixture) seedCredential(t *testing.T, id, vendor string) {
	t.Helper()
	f.seedCredentialTyped(t, id, vendor, "openai")
}

func (f *fixture) seedCredentialTyped(t *testing.T, id, vendor, apiType string) {
	t.Helper()
	ct, err := f.box.Encrypt("sk-" + id)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	c := store.Credential{
		ID: id, Vendor: vendor, APIType: apiType,
		SecretCiphertext: ct, VendorPriority: 5, CreatedAt: time.Now(),
	}
	if err := f.st.CreateCredential(context.Background(), c); err != nil {
		t.Fatalf("CreateCredential(%s): %v", id, err)
	}
}

func (f *fixture) seedRoute(t *testing.T, credID, model string) {
	t.Helper()
	a := store.ModelAvailability{
		CredentialID: credID, ModelName: model, IsAvailable: true,
		VendorPriority: 5, HealthScore: 100,
	}
	if err := f.st.UpsertModelAvailability(context.Background(), a); err != nil {
		t.Fatalf("UpsertModelAvailability: %v", err)
	}
}

func baseRequest() Request {
	return Request{
		BotID:               "bot-1",
		Vendor:              "openai",
		Model:               "gpt-4o",
		LastUserMessage:     "hello there",
		DefaultCredentialID: "default-cred",
		DefaultModel:        "gpt-4o-mini",
	}
}

func TestEvaluateDefault(t *testing.T) {
	f := newFixture(t, "medium")
	d := f.engine.Evaluate(context.Background(), baseRequest())

	if d.Strategy != StrategyDefault {
		t.Fatalf("strategy = %s, want default", d.Strategy)
	}
	if d.Target.CredentialID != "default-cred" || d.Target.Model != "gpt-4o" {
		t.Fatalf("unexpected target: %+v", d.Target)
	}
}

func TestEvaluateDefaultFallsBackToPrimaryModel(t *testing.T) {
	f := newFixture(t, "medium")
	req := baseRequest()
	req.Model = ""
	d := f.engine.Evaluate(context.Background(), req)
	if d.Target.Model != "gpt-4o-mini" {
		t.Fatalf("empty body model should use the bot's primary: %+v", d.Target)
	}
}

func TestKeywordRuleRegex(t *testing.T) {
	f := newFixture(t, "medium")
	ctx := context.Background()
	if err := f.st.UpsertRoutingRule(ctx, store.RoutingRule{
		RuleID: "r1", BotID: "bot-1", Priority: 1, Kind: store.RuleKindKeyword, Enabled: true,
		Pattern: `refund|charge ?back`, MatchType: "regex",
		Targets: []store.RuleTarget{{CredentialID: "billing-cred", Model: "gpt-4o"}},
	}); err != nil {
		t.Fatalf("UpsertRoutingRule: %v", err)
	}
	f.loader.Refresh(ctx)

	req := baseRequest()
	req.LastUserMessage = "I want a refund for my order"
	d := f.engine.Evaluate(ctx, req)
	if d.Strategy != StrategyRule || d.RuleID != "r1" {
		t.Fatalf("rule not applied: %+v", d)
	}
	if d.Target.CredentialID != "billing-cred" {
		t.Fatalf("wrong target: %+v", d.Target)
	}

	// Non-matching message falls through to default.
	req.LastUserMessage = "what is the weather"
	d = f.engine.Evaluate(ctx, req)
	if d.Strategy != StrategyDefault {
		t.Fatalf("unmatched rule still routed: %+v", d)
	}
}

func TestKeywordRulePriorityOrder(t *testing.T) {
	f := newFixture(t, "medium")
	ctx := context.Background()
	for _, r := range []store.RoutingRule{
		{RuleID: "late", BotID: "bot-1", Priority: 9, Kind: store.RuleKindKeyword, Enabled: true,
			Pattern: "help", MatchType: "keyword",
			Targets: []store.RuleTarget{{CredentialID: "late-cred", Model: "m"}}},
		{RuleID: "early", BotID: "bot-1", Priority: 1, Kind: store.RuleKindKeyword, Enabled: true,
			Pattern: "help", MatchType: "keyword",
			Targets: []store.RuleTarget{{CredentialID: "early-cred", Model: "m"}}},
	} {
		if err := f.st.UpsertRoutingRule(ctx, r); err != nil {
			t.Fatalf("UpsertRoutingRule: %v", err)
		}
	}
	f.loader.Refresh(ctx)

	req := baseRequest()
	req.LastUserMessage = "please help me"
	d := f.engine.Evaluate(ctx, req)
	if d.RuleID != "early" {
		t.Fatalf("priority order ignored: %+v", d)
	}
}

func TestLoadBalanceRoundRobin(t *testing.T) {
	f := newFixture(t, "medium")
	ctx := context.Background()
	if err := f.st.UpsertRoutingRule(ctx, store.RoutingRule{
		RuleID: "lb", BotID: "bot-1", Priority: 1, Kind: store.RuleKindLoadBalance, Enabled: true,
		Strategy: "round_robin",
		Targets: []store.RuleTarget{
			{CredentialID: "a", Model: "m"},
			{CredentialID: "b", Model: "m"},
		},
	}); err != nil {
		t.Fatalf("UpsertRoutingRule: %v", err)
	}
	f.loader.Refresh(ctx)

	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		d := f.engine.Evaluate(ctx, baseRequest())
		seen[d.Target.CredentialID]++
	}
	if seen["a"] != 3 || seen["b"] != 3 {
		t.Fatalf("uneven rotation: %v", seen)
	}
}

func TestLoadBalanceLeastLatency(t *testing.T) {
	f := newFixture(t, "medium")
	ctx := context.Background()
	if err := f.st.UpsertRoutingRule(ctx, store.RoutingRule{
		RuleID: "lb", BotID: "bot-1", Priority: 1, Kind: store.RuleKindLoadBalance, Enabled: true,
		Strategy: "least_latency",
		Targets: []store.RuleTarget{
			{CredentialID: "slow", Model: "m"},
			{CredentialID: "fast", Model: "m"},
		},
	}); err != nil {
		t.Fatalf("UpsertRoutingRule: %v", err)
	}
	f.loader.Refresh(ctx)

	f.engine.ReportLatency("slow", "m", 2000)
	f.engine.ReportLatency("fast", "m", 150)

	d := f.engine.Evaluate(ctx, baseRequest())
	if d.Target.CredentialID != "fast" {
		t.Fatalf("least_latency picked %s", d.Target.CredentialID)
	}
}

func TestFailoverRuleAlternates(t *testing.T) {
	f := newFixture(t, "medium")
	ctx := context.Background()
	if err := f.st.UpsertRoutingRule(ctx, store.RoutingRule{
		RuleID: "fo", BotID: "bot-1", Priority: 1, Kind: store.RuleKindFailover, Enabled: true,
		MaxAttempts: 2,
		Targets: []store.RuleTarget{
			{CredentialID: "a", Model: "m1"},
			{CredentialID: "b", Model: "m2"},
			{CredentialID: "c", Model: "m3"},
		},
	}); err != nil {
		t.Fatalf("UpsertRoutingRule: %v", err)
	}
	f.loader.Refresh(ctx)

	d := f.engine.Evaluate(ctx, baseRequest())
	if d.Target.CredentialID != "a" {
		t.Fatalf("primary should be first target: %+v", d)
	}
	// MaxAttempts 2 = primary plus one alternate.
	if len(d.Alternates) != 1 || d.Alternates[0].CredentialID != "b" {
		t.Fatalf("alternates not capped by MaxAttempts: %+v", d.Alternates)
	}
}

func TestComplexityRouting(t *testing.T) {
	f := newFixture(t, "super_hard")
	ctx := context.Background()

	f.seedCredential(t, "classifier-cred", "openai")
	f.seedCredential(t, "big-cred", "anthropic")
	f.seedRoute(t, "big-cred", "claude-opus-4-1")

	if err := f.st.SaveComplexityConfig(ctx, store.ComplexityConfig{
		ConfigID: "cfg", Enabled: true, ToolMinComplexity: "medium",
		ClassifierVendor: "openai", ClassifierModel: "gpt-4o-mini",
		Levels: map[string]store.ComplexityTarget{
			"super_hard": {Vendor: "anthropic", Model: "claude-opus-4-1"},
		},
	}); err != nil {
		t.Fatalf("SaveComplexityConfig: %v", err)
	}
	f.loader.Refresh(ctx)

	req := baseRequest()
	req.ComplexityRouting = true
	d := f.engine.Evaluate(ctx, req)
	if d.Strategy != StrategyComplexity {
		t.Fatalf("strategy = %s, want complexity", d.Strategy)
	}
	if d.Target.Model != "claude-opus-4-1" || d.Target.Vendor != "anthropic" {
		t.Fatalf("wrong target: %+v", d.Target)
	}

	// Bots without the flag skip complexity routing entirely.
	req.ComplexityRouting = false
	d = f.engine.Evaluate(ctx, req)
	if d.Strategy == StrategyComplexity {
		t.Fatal("complexity routing applied to opted-out bot")
	}
}

func TestComplexityToolFloorClampsUp(t *testing.T) {
	// Classifier says easy, but the request carries tools and the floor is
	// hard, so the hard target must win.
	f := newFixture(t, "easy")
	ctx := context.Background()

	f.seedCredential(t, "classifier-cred", "openai")
	f.seedCredential(t, "hard-cred", "openai")
	f.seedRoute(t, "hard-cred", "gpt-4o")

	if err := f.st.SaveComplexityConfig(ctx, store.ComplexityConfig{
		ConfigID: "cfg", Enabled: true, ToolMinComplexity: "hard",
		ClassifierVendor: "openai", ClassifierModel: "gpt-4o-mini",
		Levels: map[string]store.ComplexityTarget{
			"easy": {Vendor: "openai", Model: "gpt-4o-mini"},
			"hard": {Vendor: "openai", Model: "gpt-4o"},
		},
	}); err != nil {
		t.Fatalf("SaveComplexityConfig: %v", err)
	}
	f.loader.Refresh(ctx)

	req := baseRequest()
	req.ComplexityRouting = true
	req.HasTools = true
	req.LastUserMessage = "say hi" // trivially easy
	d := f.engine.Evaluate(ctx, req)
	if d.Target.Model != "gpt-4o" {
		t.Fatalf("tool floor not applied: %+v", d.Target)
	}
}

func TestCapabilityTagRouting(t *testing.T) {
	f := newFixture(t, "medium")
	ctx := context.Background()

	f.seedCredential(t, "reason-cred", "anthropic")
	f.seedRoute(t, "reason-cred", "claude-opus-4-1")

	if err := f.st.UpsertCapabilityTag(ctx, store.CapabilityTag{
		TagID: "t1", Name: "deep-reasoning", Priority: 10, IsActive: true,
		RequiredModels: []string{"claude-opus-4-1"},
	}); err != nil {
		t.Fatalf("UpsertCapabilityTag: %v", err)
	}
	f.loader.Refresh(ctx)

	req := baseRequest()
	req.Tags = []string{"deep-reasoning"}
	d := f.engine.Evaluate(ctx, req)
	if d.Strategy != StrategyCapability {
		t.Fatalf("strategy = %s, want capability", d.Strategy)
	}
	if d.Target.Model != "claude-opus-4-1" {
		t.Fatalf("wrong target: %+v", d.Target)
	}

	// Bots without the tag fall through.
	req.Tags = nil
	d = f.engine.Evaluate(ctx, req)
	if d.Strategy == StrategyCapability {
		t.Fatal("capability routing applied without the tag")
	}
}

func TestKeywordRulePipeDelimiter(t *testing.T) {
	f := newFixture(t, "medium")
	ctx := context.Background()
	if err := f.st.UpsertRoutingRule(ctx, store.RoutingRule{
		RuleID: "wx", BotID: "bot-1", Priority: 1, Kind: store.RuleKindKeyword, Enabled: true,
		Pattern: "weather|forecast", MatchType: "keyword",
		Targets: []store.RuleTarget{{CredentialID: "wx-cred", Model: "gpt-4o-mini"}},
	}); err != nil {
		t.Fatalf("UpsertRoutingRule: %v", err)
	}
	f.loader.Refresh(ctx)

	req := baseRequest()
	req.LastUserMessage = "what is the weather"
	d := f.engine.Evaluate(ctx, req)
	if d.RuleID != "wx" {
		t.Fatalf("pipe-delimited keyword rule not applied: %+v", d)
	}
}

func TestCapabilityThinkingSignal(t *testing.T) {
	// A bot with no static tags still gets capability routing when the body
	// asks for extended thinking.
	f := newFixture(t, "medium")
	ctx := context.Background()

	f.seedCredentialTyped(t, "reason-cred", "anthropic", "anthropic")
	f.seedRoute(t, "reason-cred", "claude-opus-4-1")

	if err := f.st.UpsertCapabilityTag(ctx, store.CapabilityTag{
		TagID: "t1", Name: "deep-reasoning", Priority: 10, IsActive: true,
		RequiresExtendedThinking: true,
		RequiredModels:           []string{"claude-opus-4-1"},
	}); err != nil {
		t.Fatalf("UpsertCapabilityTag: %v", err)
	}
	f.loader.Refresh(ctx)

	req := baseRequest()
	req.Signals.ThinkingEnabled = true
	d := f.engine.Evaluate(ctx, req)
	if d.Strategy != StrategyCapability || d.Target.Model != "claude-opus-4-1" {
		t.Fatalf("thinking signal did not attach the tag: %+v", d)
	}

	req.Signals.ThinkingEnabled = false
	d = f.engine.Evaluate(ctx, req)
	if d.Strategy == StrategyCapability {
		t.Fatal("capability routing applied without any signal or tag")
	}
}

func TestCapabilityToolSignal(t *testing.T) {
	f := newFixture(t, "medium")
	ctx := context.Background()

	f.seedCredential(t, "search-cred", "openai")
	f.seedRoute(t, "search-cred", "gpt-4o")

	if err := f.st.UpsertCapabilityTag(ctx, store.CapabilityTag{
		TagID: "t1", Name: "research", Priority: 10, IsActive: true,
		RequiredSkills: []string{"web_search"},
		RequiredModels: []string{"gpt-4o"},
	}); err != nil {
		t.Fatalf("UpsertCapabilityTag: %v", err)
	}
	f.loader.Refresh(ctx)

	req := baseRequest()
	req.Signals.ToolNames = []string{"web_search"}
	d := f.engine.Evaluate(ctx, req)
	if d.Strategy != StrategyCapability || d.Target.CredentialID != "search-cred" {
		t.Fatalf("tool signal did not attach the tag: %+v", d)
	}
}

func TestCapabilityProtocolConstraint(t *testing.T) {
	// Two credentials serve the model; the tag's required protocol must pick
	// the anthropic-typed one even though the other outranks it.
	f := newFixture(t, "medium")
	ctx := context.Background()

	f.seedCredentialTyped(t, "proxy-cred", "relay", "openai")
	f.seedCredentialTyped(t, "native-cred", "anthropic", "anthropic")
	if err := f.st.UpsertModelAvailability(ctx, store.ModelAvailability{
		CredentialID: "proxy-cred", ModelName: "claude-haiku-4-5", IsAvailable: true,
		VendorPriority: 9, HealthScore: 100,
	}); err != nil {
		t.Fatalf("UpsertModelAvailability: %v", err)
	}
	f.seedRoute(t, "native-cred", "claude-haiku-4-5")

	if err := f.st.UpsertCapabilityTag(ctx, store.CapabilityTag{
		TagID: "t1", Name: "cost-optimized", Priority: 10, IsActive: true,
		RequiresCacheControl: true,
		RequiredProtocol:     "anthropic-native",
		RequiredModels:       []string{"claude-haiku-4-5"},
	}); err != nil {
		t.Fatalf("UpsertCapabilityTag: %v", err)
	}
	f.loader.Refresh(ctx)

	req := baseRequest()
	req.Signals.CacheControl = true
	d := f.engine.Evaluate(ctx, req)
	if d.Strategy != StrategyCapability {
		t.Fatalf("strategy = %s, want capability", d.Strategy)
	}
	if d.Target.CredentialID != "native-cred" {
		t.Fatalf("protocol constraint ignored: %+v", d.Target)
	}
}

func TestClassifierSeesContextAndTools(t *testing.T) {
	f := newFixture(t, "medium")
	ctx := context.Background()

	f.seedCredential(t, "classifier-cred", "openai")
	f.seedCredential(t, "mid-cred", "openai")
	f.seedRoute(t, "mid-cred", "gpt-4o")

	if err := f.st.SaveComplexityConfig(ctx, store.ComplexityConfig{
		ConfigID: "cfg", Enabled: true, ToolMinComplexity: "medium",
		ClassifierVendor: "openai", ClassifierModel: "gpt-4o-mini",
		Levels: map[string]store.ComplexityTarget{
			"medium": {Vendor: "openai", Model: "gpt-4o"},
		},
	}); err != nil {
		t.Fatalf("SaveComplexityConfig: %v", err)
	}
	f.loader.Refresh(ctx)

	req := baseRequest()
	req.ComplexityRouting = true
	req.PriorContext = "user: my build is broken\nassistant: paste the error"
	req.HasTools = true
	f.engine.Evaluate(ctx, req)

	if f.fc.last.Context != req.PriorContext {
		t.Fatalf("classifier context = %q", f.fc.last.Context)
	}
	if !f.fc.last.HasTools {
		t.Fatal("classifier did not see the tools flag")
	}
	if f.fc.last.Message != req.LastUserMessage {
		t.Fatalf("classifier message = %q", f.fc.last.Message)
	}
}

func TestCompatSuffixAutoRouting(t *testing.T) {
	f := newFixture(t, "medium")
	ctx := context.Background()

	f.seedCredential(t, "openai-cred", "openai")
	f.seedCredential(t, "other-cred", "anthropic")
	f.seedRoute(t, "openai-cred", "gpt-4o")
	f.seedRoute(t, "other-cred", "gpt-4o")

	req := baseRequest()
	req.Model = "gpt-4o-compatible"
	d := f.engine.Evaluate(ctx, req)
	if d.Strategy != StrategyAuto {
		t.Fatalf("strategy = %s, want auto", d.Strategy)
	}
	if d.Target.Model != "gpt-4o" {
		t.Fatalf("suffix not stripped: %+v", d.Target)
	}
	// Path vendor preferred when it serves the model.
	if d.Target.Vendor != "openai" {
		t.Fatalf("preferred vendor ignored: %+v", d.Target)
	}
	if len(d.Alternates) != 1 {
		t.Fatalf("alternates missing: %+v", d.Alternates)
	}

	// Unresolvable compat model falls back to default with the bot's
	// primary model, never the raw "-compatible" name.
	req.Model = "nonexistent-compatible"
	d = f.engine.Evaluate(ctx, req)
	if d.Strategy != StrategyDefault || d.Target.Model != "gpt-4o-mini" {
		t.Fatalf("compat fallback wrong: %+v", d)
	}
}

func TestMatchTypes(t *testing.T) {
	f := newFixture(t, "medium")
	e := f.engine

	kw := store.RoutingRule{Pattern: "weather|forecast", MatchType: "keyword"}
	if !e.matches(kw, "what is the WEATHER today") {
		t.Error("keyword match failed")
	}
	if e.matches(kw, "nothing relevant") {
		t.Error("keyword false positive")
	}

	// Comma-delimited patterns from older rule configs still work.
	legacy := store.RoutingRule{Pattern: "billing, invoice", MatchType: "keyword"}
	if !e.matches(legacy, "a question about my invoice please") {
		t.Error("comma-delimited keyword match failed")
	}

	re := store.RoutingRule{Pattern: "refund|charge ?back", MatchType: "regex"}
	if !e.matches(re, "I demand a REFUND now") {
		t.Error("regex should match case-insensitively")
	}

	intent := store.RoutingRule{Pattern: "cancel", MatchType: "intent"}
	if !e.matches(intent, "I want to CANCEL my plan") {
		t.Error("intent match failed")
	}
	// Substring of a larger word is not an intent match.
	if e.matches(intent, "cancellation policy question") {
		t.Error("intent matched a partial word")
	}

	bad := store.RoutingRule{Pattern: "([", MatchType: "regex"}
	if e.matches(bad, "anything") {
		t.Error("broken regex matched")
	}
}
