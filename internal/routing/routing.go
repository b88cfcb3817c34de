// Package routing decides which upstream route serves a chat request.
//
// Evaluation order, first match wins:
//
//  1. Per-bot rules in priority order (keyword, load_balance, failover).
//  2. Complexity routing, when enabled for the bot and globally.
//  3. Capability tags, attached by request-body signals or carried by the
//     bot statically.
//  4. "-compatible" model names resolve to the best live route for the
//     base model.
//  5. The bot's default binding (its credential and primary model).
//
// Every step reads only the current config snapshot and in-memory state, so
// a decision costs no store queries on the hot path.
package routing

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nulpointcorp/botgate/internal/classifier"
	"github.com/nulpointcorp/botgate/internal/keyring"
	"github.com/nulpointcorp/botgate/internal/resolver"
	"github.com/nulpointcorp/botgate/internal/routecfg"
	"github.com/nulpointcorp/botgate/internal/secrets"
	"github.com/nulpointcorp/botgate/internal/store"
)

const compatSuffix = "-compatible"

// Strategy names recorded on decisions and in usage logs.
const (
	StrategyRule       = "rule"
	StrategyComplexity = "complexity"
	StrategyCapability = "capability"
	StrategyAuto       = "auto"
	StrategyDefault    = "default"
)

// Request carries everything the engine needs to route one call.
type Request struct {
	BotID           string
	Vendor          string // vendor path segment the bot called
	Model           string // model named in the request body
	LastUserMessage string
	PriorContext    string // earlier turns, truncated, fed to the classifier
	HasTools        bool
	Signals         Signals

	// Bot attributes, resolved by the caller during auth.
	Tags                []string
	ComplexityRouting   bool
	DefaultCredentialID string
	DefaultModel        string
}

// Signals are capability hints extracted from the request body. Each one can
// attach a capability tag the bot never declared statically.
type Signals struct {
	ThinkingEnabled bool     // body.thinking.type == "enabled"
	CacheControl    bool     // any message or content part carries cache_control
	Vision          bool     // any content part is an image
	ToolNames       []string // declared tool type/name/function.name values
}

// Target is one concrete route: a credential serving a model.
type Target struct {
	CredentialID string
	Vendor       string
	Model        string
}

// Decision is the engine's answer: a primary target, optional ordered
// alternates for failover, and the chain governing mid-stream failures.
type Decision struct {
	Target     Target
	Alternates []Target
	Strategy   string
	RuleID     string
	ChainID    string
}

// Engine evaluates routing for requests.
type Engine struct {
	cfg   *routecfg.Loader
	res   *resolver.Resolver
	ring  *keyring.Keyring
	class *classifier.Classifier
	box   *secrets.Box
	log   *slog.Logger

	cursors  *cursorSet
	latency  *latencyTracker
	patterns *patternCache
}

func New(cfg *routecfg.Loader, res *resolver.Resolver, ring *keyring.Keyring, class *classifier.Classifier, box *secrets.Box, log *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		res:      res,
		ring:     ring,
		class:    class,
		box:      box,
		log:      log,
		cursors:  newCursorSet(),
		latency:  newLatencyTracker(),
		patterns: newPatternCache(),
	}
}

// Evaluate routes one request. It always returns a decision; when nothing
// more specific applies the bot's default binding wins.
func (e *Engine) Evaluate(ctx context.Context, req Request) Decision {
	snap := e.cfg.Current()

	if d, ok := e.evalRules(snap, req); ok {
		return d
	}
	if d, ok := e.evalComplexity(ctx, snap, req); ok {
		return d
	}
	if d, ok := e.evalCapabilities(ctx, snap, req); ok {
		return d
	}
	if d, ok := e.evalCompat(ctx, req); ok {
		return d
	}

	return Decision{
		Target: Target{
			CredentialID: req.DefaultCredentialID,
			Vendor:       req.Vendor,
			Model:        defaultModel(req),
		},
		Strategy: StrategyDefault,
	}
}

// ReportLatency feeds an observed duration into the least_latency balancer.
func (e *Engine) ReportLatency(credentialID, model string, ms int64) {
	e.latency.observe(credentialID+"|"+model, ms)
}

func defaultModel(req Request) string {
	if req.Model != "" && !strings.HasSuffix(req.Model, compatSuffix) {
		return req.Model
	}
	return req.DefaultModel
}

// evalRules walks the bot's rules in priority order.
func (e *Engine) evalRules(snap *routecfg.Snapshot, req Request) (Decision, bool) {
	for _, rule := range snap.RulesByBot[req.BotID] {
		switch rule.Kind {
		case store.RuleKindKeyword:
			if !e.matches(rule, req.LastUserMessage) {
				continue
			}
			if len(rule.Targets) == 0 {
				continue
			}
			return e.ruleDecision(rule, rule.Targets[0], req), true

		case store.RuleKindLoadBalance:
			t, ok := e.balance(rule)
			if !ok {
				continue
			}
			return e.ruleDecision(rule, t, req), true

		case store.RuleKindFailover:
			if len(rule.Targets) == 0 {
				continue
			}
			d := e.ruleDecision(rule, rule.Targets[0], req)
			rest := rule.Targets[1:]
			if rule.MaxAttempts > 0 && len(rest) > rule.MaxAttempts-1 {
				rest = rest[:rule.MaxAttempts-1]
			}
			for _, t := range rest {
				d.Alternates = append(d.Alternates, Target{
					CredentialID: t.CredentialID,
					Vendor:       req.Vendor,
					Model:        t.Model,
				})
			}
			return d, true
		}
	}
	return Decision{}, false
}

func (e *Engine) ruleDecision(rule store.RoutingRule, t store.RuleTarget, req Request) Decision {
	return Decision{
		Target: Target{
			CredentialID: t.CredentialID,
			Vendor:       req.Vendor,
			Model:        t.Model,
		},
		Strategy: StrategyRule,
		RuleID:   rule.RuleID,
		ChainID:  rule.ChainID,
	}
}

// evalComplexity classifies the message and maps the level to a target.
func (e *Engine) evalComplexity(ctx context.Context, snap *routecfg.Snapshot, req Request) (Decision, bool) {
	cc := snap.Complexity
	if cc == nil || !cc.Enabled || !req.ComplexityRouting || req.LastUserMessage == "" {
		return Decision{}, false
	}

	spec, ok := e.classifierSpec(ctx, cc)
	if !ok {
		return Decision{}, false
	}

	level := e.class.Classify(ctx, spec, classifier.Query{
		Message:  req.LastUserMessage,
		Context:  req.PriorContext,
		HasTools: req.HasTools,
	})
	if req.HasTools {
		level = level.ClampMin(classifier.ParseLevel(cc.ToolMinComplexity))
	}

	target, ok := cc.Levels[level.String()]
	if !ok || target.Model == "" {
		return Decision{}, false
	}

	cand, err := e.res.Resolve(ctx, target.Model, resolver.Options{Vendor: target.Vendor})
	if err != nil {
		e.log.Warn("complexity target unresolvable",
			slog.String("bot_id", req.BotID),
			slog.String("level", level.String()),
			slog.String("model", target.Model),
		)
		return Decision{}, false
	}
	return Decision{
		Target: Target{
			CredentialID: cand.Credential.ID,
			Vendor:       cand.Credential.Vendor,
			Model:        target.Model,
		},
		Strategy: StrategyComplexity,
	}, true
}

// classifierSpec builds the SDK call spec from config plus a live key for
// the classifier's vendor.
func (e *Engine) classifierSpec(ctx context.Context, cc *store.ComplexityConfig) (classifier.Spec, bool) {
	if cc.ClassifierModel == "" {
		return classifier.Spec{}, false
	}
	cred, err := e.ring.SelectForBot(ctx, cc.ClassifierVendor, nil)
	if err != nil {
		e.log.Warn("no key for classifier vendor", slog.String("vendor", cc.ClassifierVendor))
		return classifier.Spec{}, false
	}
	key, err := e.box.Decrypt(cred.SecretCiphertext)
	if err != nil {
		e.log.Error("classifier credential unreadable", slog.String("credential_id", cred.ID))
		return classifier.Spec{}, false
	}
	baseURL := cc.ClassifierBaseURL
	if baseURL == "" {
		baseURL = cred.BaseURL
	}
	return classifier.Spec{
		Vendor:  cc.ClassifierVendor,
		Model:   cc.ClassifierModel,
		BaseURL: baseURL,
		APIKey:  key,
	}, true
}

// evalCapabilities applies the highest-priority capability tag attached to
// the request, either by a body signal or by the bot's static tag list.
// Snapshot tags are already sorted by priority descending, so the first
// applicable tag with a resolvable required model wins; its required
// protocol constrains the credential choice.
func (e *Engine) evalCapabilities(ctx context.Context, snap *routecfg.Snapshot, req Request) (Decision, bool) {
	for _, tag := range snap.Tags {
		if !tagApplies(tag, req) {
			continue
		}
		for _, model := range tag.RequiredModels {
			cand, err := e.res.Resolve(ctx, model, resolver.Options{RequiredProtocol: tag.RequiredProtocol})
			if err != nil {
				continue
			}
			return Decision{
				Target: Target{
					CredentialID: cand.Credential.ID,
					Vendor:       cand.Credential.Vendor,
					Model:        model,
				},
				Strategy: StrategyCapability,
			}, true
		}
	}
	return Decision{}, false
}

// tagApplies reports whether the tag attaches to the request: through the
// bot's static tags, a body signal matching one of the tag's requirement
// flags, or a declared tool matching the tag's name or skill list.
func tagApplies(tag store.CapabilityTag, req Request) bool {
	if hasString(req.Tags, tag.Name) {
		return true
	}
	s := req.Signals
	if tag.RequiresExtendedThinking && s.ThinkingEnabled {
		return true
	}
	if tag.RequiresCacheControl && s.CacheControl {
		return true
	}
	if tag.RequiresVision && s.Vision {
		return true
	}
	for _, name := range s.ToolNames {
		if name == tag.Name || hasString(tag.RequiredSkills, name) {
			return true
		}
	}
	return false
}

// evalCompat resolves "<model>-compatible" names to the best live route for
// the base model across every vendor.
func (e *Engine) evalCompat(ctx context.Context, req Request) (Decision, bool) {
	if !strings.HasSuffix(req.Model, compatSuffix) {
		return Decision{}, false
	}
	return e.Auto(ctx, req.Model, req.Vendor)
}

// Auto routes purely by resolver ranking, skipping per-bot strategies
// entirely. Requests arriving on a "-compatible" endpoint use this path: the
// model named in the body (with any compat suffix or provider prefix removed)
// is resolved across every vendor and the ranked list becomes the fallback
// order.
func (e *Engine) Auto(ctx context.Context, model, preferredVendor string) (Decision, bool) {
	base := strings.TrimSuffix(model, compatSuffix)
	if i := strings.Index(base, "/"); i >= 0 {
		base = base[i+1:]
	}

	all, err := e.res.ResolveAll(ctx, base, resolver.Options{PreferredVendor: preferredVendor})
	if err != nil {
		e.log.Warn("auto route unresolvable", slog.String("model", base))
		return Decision{}, false
	}

	d := Decision{
		Target: Target{
			CredentialID: all[0].Credential.ID,
			Vendor:       all[0].Credential.Vendor,
			Model:        base,
		},
		Strategy: StrategyAuto,
	}
	for _, c := range all[1:] {
		d.Alternates = append(d.Alternates, Target{
			CredentialID: c.Credential.ID,
			Vendor:       c.Credential.Vendor,
			Model:        base,
		})
	}
	return d, true
}

func hasString(xs []string, want string) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}
