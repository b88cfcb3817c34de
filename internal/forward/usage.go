package forward

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/valyala/fasthttp"
)

// Usage is the normalized token telemetry pulled from a terminal response
// chunk. Model is the upstream-reported model name when present.
type Usage struct {
	RequestTokens  int
	ResponseTokens int
	Model          string
}

// tailWindow is how many trailing response bytes are retained for usage
// extraction. Large streams discard older bytes as new ones arrive so memory
// stays flat regardless of response size.
const tailWindow = 64 * 1024

// tailBuffer is a fixed ring over the last tailWindow bytes written.
type tailBuffer struct {
	buf       [tailWindow]byte
	n         int // valid bytes, <= tailWindow
	pos       int // next write offset
	truncated bool
}

func (t *tailBuffer) Write(p []byte) {
	if len(p) >= tailWindow {
		copy(t.buf[:], p[len(p)-tailWindow:])
		t.n, t.pos = tailWindow, 0
		t.truncated = true
		return
	}
	for _, b := range p {
		t.buf[t.pos] = b
		t.pos = (t.pos + 1) % tailWindow
	}
	t.n += len(p)
	if t.n > tailWindow {
		t.n = tailWindow
		t.truncated = true
	}
}

// Bytes returns the buffered tail in arrival order.
func (t *tailBuffer) Bytes() []byte {
	out := make([]byte, t.n)
	if t.n < tailWindow {
		copy(out, t.buf[:t.n])
		return out
	}
	copy(out, t.buf[t.pos:])
	copy(out[tailWindow-t.pos:], t.buf[:t.pos])
	return out
}

// decode reverses the upstream content-encoding. A truncated tail of a
// compressed stream cannot be decoded, so extraction is skipped in that case.
func (t *tailBuffer) decode(encoding string) ([]byte, bool) {
	raw := t.Bytes()
	if encoding == "" || encoding == "identity" {
		return raw, true
	}
	if t.truncated {
		return nil, false
	}
	var (
		out []byte
		err error
	)
	switch encoding {
	case "gzip":
		out, err = fasthttp.AppendGunzipBytes(nil, raw)
	case "deflate":
		out, err = fasthttp.AppendInflateBytes(nil, raw)
	case "br":
		out, err = fasthttp.AppendUnbrotliBytes(nil, raw)
	default:
		return nil, false
	}
	if err != nil {
		return nil, false
	}
	return out, true
}

// extractUsage finds the usage object in the buffered response tail. For SSE
// responses the data: lines are scanned back-to-front; for plain JSON the
// whole body is parsed once.
func extractUsage(v variant, body []byte, sse bool) (Usage, bool) {
	if !sse {
		return v.extractUsage(body)
	}
	lines := bytes.Split(body, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(line[len("data:"):])
		if bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		if !bytes.Contains(payload, []byte("usage")) {
			continue
		}
		if u, ok := v.extractUsage(payload); ok {
			return u, true
		}
	}
	return Usage{}, false
}

func openAIFamilyUsage(payload []byte) (Usage, bool) {
	var env struct {
		Model string `json:"model"`
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			// The Responses API reports the same counts under different names.
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(payload, &env); err != nil || env.Usage == nil {
		return Usage{}, false
	}
	u := Usage{
		RequestTokens:  env.Usage.PromptTokens,
		ResponseTokens: env.Usage.CompletionTokens,
		Model:          env.Model,
	}
	if u.RequestTokens == 0 && u.ResponseTokens == 0 {
		u.RequestTokens = env.Usage.InputTokens
		u.ResponseTokens = env.Usage.OutputTokens
	}
	return u, true
}

func anthropicUsage(payload []byte) (Usage, bool) {
	var env struct {
		Model string `json:"model"`
		Usage *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
		// message_delta events nest the message under "message".
		Message *struct {
			Model string `json:"model"`
			Usage *struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		} `json:"message"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return Usage{}, false
	}
	if env.Usage != nil {
		return Usage{
			RequestTokens:  env.Usage.InputTokens,
			ResponseTokens: env.Usage.OutputTokens,
			Model:          env.Model,
		}, true
	}
	if env.Message != nil && env.Message.Usage != nil {
		return Usage{
			RequestTokens:  env.Message.Usage.InputTokens,
			ResponseTokens: env.Message.Usage.OutputTokens,
			Model:          env.Message.Model,
		}, true
	}
	return Usage{}, false
}

func geminiUsage(payload []byte) (Usage, bool) {
	var env struct {
		ModelVersion  string `json:"modelVersion"`
		UsageMetadata *struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(payload, &env); err != nil || env.UsageMetadata == nil {
		return Usage{}, false
	}
	return Usage{
		RequestTokens:  env.UsageMetadata.PromptTokenCount,
		ResponseTokens: env.UsageMetadata.CandidatesTokenCount,
		Model:          env.ModelVersion,
	}, true
}

// isSSE reports whether the content type names an event stream.
func isSSE(contentType string) bool {
	return strings.Contains(contentType, "text/event-stream")
}
