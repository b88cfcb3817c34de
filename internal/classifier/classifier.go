// Package classifier estimates how hard a chat request is.
//
// Classification is a cheap single-turn LLM call: the last user message,
// plus truncated prior context and a tool-presence hint, is sent to a
// designated classifier model which answers with one of five complexity
// levels. Results are cached by query digest so repeated or retried prompts
// never pay for a second classification. Any failure degrades to
// LevelMedium; complexity routing must never take a request down.
package classifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"
)

// Level is a request complexity bucket.
type Level int

const (
	LevelSuperEasy Level = iota
	LevelEasy
	LevelMedium
	LevelHard
	LevelSuperHard
)

var levelNames = map[Level]string{
	LevelSuperEasy: "super_easy",
	LevelEasy:      "easy",
	LevelMedium:    "medium",
	LevelHard:      "hard",
	LevelSuperHard: "super_hard",
}

func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return "medium"
}

// ParseLevel maps a level name to its Level. Unknown names parse as
// LevelMedium, the safe middle of the range.
func ParseLevel(s string) Level {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "super_easy":
		return LevelSuperEasy
	case "easy":
		return LevelEasy
	case "hard":
		return LevelHard
	case "super_hard":
		return LevelSuperHard
	default:
		return LevelMedium
	}
}

// ClampMin raises l to at least floor. Used when tool definitions are
// present: tool calls need a model competent enough to use them.
func (l Level) ClampMin(floor Level) Level {
	if l < floor {
		return floor
	}
	return l
}

// Spec names the model answering classification queries.
type Spec struct {
	Vendor  string
	Model   string
	BaseURL string
	APIKey  string
}

// Query is one classification request: the message under judgment plus the
// optional surrounding signals that shift difficulty.
type Query struct {
	Message  string
	Context  string // earlier conversation turns, already truncated
	HasTools bool
}

// prompt renders the query as the single user message sent to the
// classifier model.
func (q Query) prompt() string {
	var b strings.Builder
	if q.Context != "" {
		b.WriteString("Earlier conversation:\n")
		b.WriteString(q.Context)
		b.WriteString("\n\nCurrent request:\n")
	}
	b.WriteString(q.Message)
	if q.HasTools {
		b.WriteString("\n\nNote: the request includes tool definitions the assistant may call.")
	}
	return b.String()
}

// Client is one vendor-specific classification backend.
type Client interface {
	// Classify returns the raw level name the classifier model answered.
	Classify(ctx context.Context, spec Spec, q Query) (string, error)
}

const (
	classifyTimeout = 10 * time.Second
	resultTTL       = 10 * time.Minute
)

const systemPrompt = `You rate the difficulty of a user request for an AI assistant.
Answer with exactly one word from: super_easy, easy, medium, hard, super_hard.
super_easy: greetings, acknowledgements, trivial lookups.
easy: simple factual questions, short rewrites.
medium: multi-step questions, summarization, standard coding tasks.
hard: complex reasoning, debugging, long-form analysis.
super_hard: deep research, intricate multi-constraint problems.`

// Classifier dispatches classification calls by vendor and caches results.
type Classifier struct {
	clients map[string]Client
	cache   *resultCache
	log     *slog.Logger
}

// New builds a Classifier. The default client set covers openai, anthropic,
// and gemini; openai also serves any openai-compatible classifier endpoint.
func New(ctx context.Context, log *slog.Logger) *Classifier {
	return &Classifier{
		clients: map[string]Client{
			"openai":    &openaiClient{},
			"anthropic": &anthropicClient{},
			"gemini":    &geminiClient{},
		},
		cache: newResultCache(ctx),
		log:   log,
	}
}

// RegisterClient installs or replaces the backend for a vendor. Useful for
// self-hosted classifier endpoints speaking a custom protocol.
func (c *Classifier) RegisterClient(vendor string, client Client) {
	c.clients[vendor] = client
}

// Classify rates the message, consulting the cache first. Errors and unknown
// vendors degrade to LevelMedium.
func (c *Classifier) Classify(ctx context.Context, spec Spec, q Query) Level {
	key := digest(spec.Model, q)
	if lvl, ok := c.cache.get(key); ok {
		return lvl
	}

	client, ok := c.clients[spec.Vendor]
	if !ok {
		// Unknown classifier vendors with an explicit base URL are assumed
		// to speak the OpenAI protocol.
		if spec.BaseURL != "" {
			client = c.clients["openai"]
		} else {
			c.log.Warn("unknown classifier vendor", slog.String("vendor", spec.Vendor))
			return LevelMedium
		}
	}

	cctx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	raw, err := client.Classify(cctx, spec, q)
	if err != nil {
		c.log.Warn("classification failed",
			slog.String("vendor", spec.Vendor),
			slog.String("model", spec.Model),
			slog.String("error", err.Error()),
		)
		return LevelMedium
	}

	lvl := ParseLevel(raw)
	c.cache.set(key, lvl, resultTTL)
	return lvl
}

func digest(model string, q Query) string {
	tools := "0"
	if q.HasTools {
		tools = "1"
	}
	sum := sha256.Sum256([]byte(model + "\x00" + q.Context + "\x00" + q.Message + "\x00" + tools))
	return hex.EncodeToString(sum[:])
}
