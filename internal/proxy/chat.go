package proxy

import (
	"encoding/json"
	"strings"

	"github.com/nulpointcorp/botgate/internal/routing"
)

// priorContextLimit caps the flattened earlier-turn text handed to the
// complexity classifier. The tail is kept: recent turns matter most.
const priorContextLimit = 2000

// chatRequest is the slice of the request body routing cares about. The full
// body is never modeled; the forwarder passes it through untouched apart from
// its own protocol patches.
type chatRequest struct {
	Model           string
	LastUserMessage string
	PriorContext    string
	HasTools        bool
	Stream          bool
	Signals         routing.Signals
}

type chatMessage struct {
	Role         string          `json:"role"`
	Content      json.RawMessage `json:"content"`
	CacheControl json.RawMessage `json:"cache_control"`
}

type chatTool struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
}

// parseChat pulls the model name, the last user message, prior context, and
// the capability signals out of the body. Unparseable bodies yield the zero
// value; routing then falls through to the bot's default binding.
func parseChat(body []byte) chatRequest {
	if len(body) == 0 {
		return chatRequest{}
	}
	var env struct {
		Model    string `json:"model"`
		Stream   bool   `json:"stream"`
		Thinking *struct {
			Type string `json:"type"`
		} `json:"thinking"`
		Tools    []chatTool    `json:"tools"`
		Messages []chatMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return chatRequest{}
	}

	out := chatRequest{
		Model:    env.Model,
		Stream:   env.Stream,
		HasTools: len(env.Tools) > 0,
	}
	if env.Thinking != nil && env.Thinking.Type == "enabled" {
		out.Signals.ThinkingEnabled = true
	}
	for _, t := range env.Tools {
		for _, name := range []string{t.Type, t.Name, t.Function.Name} {
			if name != "" && !hasName(out.Signals.ToolNames, name) {
				out.Signals.ToolNames = append(out.Signals.ToolNames, name)
			}
		}
	}

	lastUser := -1
	for i := len(env.Messages) - 1; i >= 0; i-- {
		if env.Messages[i].Role == "user" {
			lastUser = i
			break
		}
	}

	var prior []string
	for i, m := range env.Messages {
		if present(m.CacheControl) {
			out.Signals.CacheControl = true
		}
		c := flattenContent(m.Content)
		if c.cacheControl {
			out.Signals.CacheControl = true
		}
		if c.image {
			out.Signals.Vision = true
		}
		switch {
		case i == lastUser:
			out.LastUserMessage = c.text
		case m.Role != "system" && c.text != "":
			prior = append(prior, m.Role+": "+c.text)
		}
	}
	out.PriorContext = tail(strings.Join(prior, "\n"), priorContextLimit)
	return out
}

type contentInfo struct {
	text         string
	image        bool
	cacheControl bool
}

// flattenContent reads a message content field. OpenAI and Anthropic both
// allow either a plain string or an array of typed parts.
func flattenContent(raw json.RawMessage) contentInfo {
	var out contentInfo
	if len(raw) == 0 {
		return out
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		out.text = s
		return out
	}
	var parts []struct {
		Type         string          `json:"type"`
		Text         string          `json:"text"`
		CacheControl json.RawMessage `json:"cache_control"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return out
	}
	for _, p := range parts {
		switch p.Type {
		case "", "text":
			out.text += p.Text
		case "image_url", "image":
			out.image = true
		}
		if present(p.CacheControl) {
			out.cacheControl = true
		}
	}
	return out
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func tail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[len(s)-limit:]
}

func hasName(xs []string, want string) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}
