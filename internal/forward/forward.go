// Package forward is the byte-level upstream proxy.
//
// A Forwarder takes a resolved target (credential, protocol, model), rewrites
// the inbound request for that protocol, and streams the upstream response
// back chunk-for-chunk with a flush after every chunk so SSE events are never
// buffered. Upstream failures before any client byte is written are returned
// as *UpstreamError so the caller can fall back to another target; once the
// response is committed, errors only terminate the stream.
package forward

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

const (
	// hardCeiling caps every upstream request regardless of configuration.
	hardCeiling = 120 * time.Second

	// errorBodyLimit bounds how much of an upstream error body is retained
	// for classification.
	errorBodyLimit = 64 * 1024

	chunkSize = 32 * 1024
)

// Target is the fully resolved upstream destination for one attempt.
type Target struct {
	CredentialID string
	Vendor       string
	APIType      APIType
	BaseURL      string // optional override of the protocol default
	APIKey       string // decrypted, never logged
	Model        string
	Metadata     map[string]string // extra query parameters, e.g. group_id
}

// Completion describes a finished upstream exchange. It is delivered after
// the response stream drains, including streams the client abandoned.
type Completion struct {
	StatusCode int
	Usage      Usage
	DurationMs int64
	Streamed   bool
}

// UpstreamError is a pre-commit upstream failure. Nothing has been written to
// the client, so the caller may retry against another target. StatusCode is 0
// for transport-level failures.
type UpstreamError struct {
	StatusCode int
	Body       []byte
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream: %v", e.Err)
	}
	return fmt.Sprintf("upstream: status %d", e.StatusCode)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Forwarder proxies requests to upstream model providers.
type Forwarder struct {
	client  *http.Client
	timeout time.Duration
	log     *slog.Logger
}

// New creates a Forwarder. timeout <= 0 or above the 120 s ceiling is clamped
// to the ceiling.
func New(timeout time.Duration, log *slog.Logger) *Forwarder {
	if timeout <= 0 || timeout > hardCeiling {
		timeout = hardCeiling
	}
	return &Forwarder{
		// The per-request deadline lives on the client; a context deadline
		// would be cancelled when the handler returns, killing the stream
		// writer mid-flight.
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		log:     log,
	}
}

// Do forwards the request held by reqCtx to the target. inPath is the
// vendor-relative path from the inbound URL (e.g. "chat/completions").
//
// On success the response is committed to reqCtx and done fires after the
// stream drains. On failure nothing is written and a *UpstreamError (or a
// configuration error) is returned.
func (f *Forwarder) Do(reqCtx *fasthttp.RequestCtx, t *Target, inPath string, done func(Completion)) error {
	start := time.Now()
	v := variantFor(t.APIType)

	base := t.BaseURL
	if base == "" {
		base = v.defaultBaseURL()
	}
	if base == "" {
		return fmt.Errorf("%w: credential %s (%s)", ErrNoBaseURL, t.CredentialID, t.APIType)
	}

	body, streaming := patchBody(reqCtx.PostBody(), v, t)

	target, err := buildURL(base, v.buildPath(inPath), reqCtx.URI().QueryString(), t.Metadata)
	if err != nil {
		return fmt.Errorf("forward: %w", err)
	}

	req, err := http.NewRequest(string(reqCtx.Method()), target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("forward: %w", err)
	}
	copyRequestHeaders(req, reqCtx)
	for _, h := range v.authHeaders(t.APIKey) {
		req.Header.Set(h[0], h[1])
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return &UpstreamError{Err: err}
	}

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		resp.Body.Close()
		return &UpstreamError{StatusCode: resp.StatusCode, Body: errBody}
	}

	f.commit(reqCtx, resp, v, t, streaming, start, done)
	return nil
}

// commit writes the upstream status and headers and hands the body off to a
// stream writer. From this point on the attempt cannot be retried.
func (f *Forwarder) commit(
	reqCtx *fasthttp.RequestCtx,
	resp *http.Response,
	v variant,
	t *Target,
	streaming bool,
	start time.Time,
	done func(Completion),
) {
	reqCtx.SetStatusCode(resp.StatusCode)
	for name, vals := range resp.Header {
		if isHopByHop(name) {
			continue
		}
		for _, val := range vals {
			reqCtx.Response.Header.Add(name, val)
		}
	}

	contentType := resp.Header.Get("Content-Type")
	sse := isSSE(contentType)
	if sse {
		reqCtx.Response.Header.Set("Cache-Control", "no-cache")
		reqCtx.Response.Header.Set("Connection", "keep-alive")
	}

	encoding := resp.Header.Get("Content-Encoding")
	status := resp.StatusCode
	glm := sse && isGLMModel(t.Model)

	reqCtx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { _ = recover() }()
		defer resp.Body.Close()

		tail := &tailBuffer{}
		if glm {
			f.streamGLM(w, resp.Body, tail)
		} else {
			f.stream(w, resp.Body, tail)
		}

		c := Completion{
			StatusCode: status,
			DurationMs: time.Since(start).Milliseconds(),
			Streamed:   streaming || sse,
		}
		if decoded, ok := tail.decode(strings.ToLower(encoding)); ok {
			if u, ok := extractUsage(v, decoded, sse); ok {
				c.Usage = u
			}
		}
		if c.Usage.Model == "" {
			c.Usage.Model = t.Model
		}
		if done != nil {
			done(c)
		}
	})
}

// stream copies raw chunks with a flush per chunk.
func (f *Forwarder) stream(w *bufio.Writer, body io.Reader, tail *tailBuffer) {
	buf := make([]byte, chunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			tail.Write(buf[:n])
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			_ = w.Flush()
		}
		if err != nil {
			return
		}
	}
}

// streamGLM copies line-by-line so each SSE data event can be rewritten.
func (f *Forwarder) streamGLM(w *bufio.Writer, body io.Reader, tail *tailBuffer) {
	r := bufio.NewReaderSize(body, chunkSize)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			out := rewriteReasoningLine(line)
			tail.Write(out)
			if _, werr := w.Write(out); werr != nil {
				return
			}
			_ = w.Flush()
		}
		if err != nil {
			return
		}
	}
}

// isGLMModel reports whether the model needs the reasoning_content rewrite.
// Some GLM builds stream thinking text only in delta.reasoning_content, which
// OpenAI-compatible clients silently drop.
func isGLMModel(model string) bool {
	m := strings.ToLower(model)
	return strings.Contains(m, "glm") || strings.Contains(m, "zhipu") || strings.Contains(m, "chatglm")
}

// rewriteReasoningLine copies delta.reasoning_content into delta.content when
// content is empty. The original field is preserved. Unparseable lines pass
// through untouched.
func rewriteReasoningLine(line []byte) []byte {
	trimmed := bytes.TrimSpace(line)
	if !bytes.HasPrefix(trimmed, []byte("data:")) {
		return line
	}
	payload := bytes.TrimSpace(trimmed[len("data:"):])
	if len(payload) == 0 || payload[0] != '{' {
		return line
	}

	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return line
	}
	choices, _ := obj["choices"].([]any)
	changed := false
	for _, c := range choices {
		choice, ok := c.(map[string]any)
		if !ok {
			continue
		}
		delta, ok := choice["delta"].(map[string]any)
		if !ok {
			continue
		}
		reasoning, _ := delta["reasoning_content"].(string)
		if reasoning == "" {
			continue
		}
		if content, _ := delta["content"].(string); content == "" {
			delta["content"] = reasoning
			changed = true
		}
	}
	if !changed {
		return line
	}
	patched, err := json.Marshal(obj)
	if err != nil {
		return line
	}
	out := make([]byte, 0, len(patched)+8)
	out = append(out, "data: "...)
	out = append(out, patched...)
	out = append(out, '\n')
	return out
}

// patchBody applies the per-protocol request body rewrites and reports
// whether the request asked for streaming. Non-JSON bodies pass through.
func patchBody(in []byte, v variant, t *Target) ([]byte, bool) {
	if len(in) == 0 {
		return in, false
	}
	var obj map[string]any
	if err := json.Unmarshal(in, &obj); err != nil {
		return in, false
	}

	if t.Model != "" {
		obj["model"] = stripProviderPrefix(t.Model)
	} else if m, ok := obj["model"].(string); ok {
		obj["model"] = stripProviderPrefix(m)
	}

	streaming, _ := obj["stream"].(bool)

	if v.openAINative() {
		if streaming {
			opts, _ := obj["stream_options"].(map[string]any)
			if opts == nil {
				opts = map[string]any{}
			}
			opts["include_usage"] = true
			obj["stream_options"] = opts
		}
	} else {
		// Non-OpenAI upstreams reject these OpenAI-only fields.
		delete(obj, "stream_options")
		delete(obj, "prompt_cache_key")
	}

	if t.APIType == TypeAnthropic {
		if _, ok := obj["max_tokens"]; !ok {
			obj["max_tokens"] = 8192
		}
	}

	out, err := json.Marshal(obj)
	if err != nil {
		return in, streaming
	}
	return out, streaming
}

// stripProviderPrefix turns "openai/gpt-4o" into "gpt-4o".
func stripProviderPrefix(model string) string {
	if i := strings.Index(model, "/"); i >= 0 {
		return model[i+1:]
	}
	return model
}

func buildURL(base, path string, inQuery []byte, metadata map[string]string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(base, "/") + path)
	if err != nil {
		return "", err
	}
	q, err := url.ParseQuery(string(inQuery))
	if err != nil {
		q = url.Values{}
	}
	for k, val := range metadata {
		q.Set(k, val)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// droppedRequestHeaders are stripped before forwarding. The client's own
// credentials never reach the upstream; auth is re-injected per protocol.
var droppedRequestHeaders = map[string]struct{}{
	"connection":        {},
	"transfer-encoding": {},
	"content-length":    {},
	"host":              {},
	"authorization":     {},
	"x-api-key":         {},
	"x-goog-api-key":    {},
	"api-key":           {},
	"keep-alive":        {},
	"upgrade":           {},
	"te":                {},
	"trailer":           {},
	"proxy-connection":  {},
}

func copyRequestHeaders(req *http.Request, reqCtx *fasthttp.RequestCtx) {
	reqCtx.Request.Header.VisitAll(func(key, value []byte) {
		name := strings.ToLower(string(key))
		if _, drop := droppedRequestHeaders[name]; drop {
			return
		}
		req.Header.Add(string(key), string(value))
	})
}

func isHopByHop(name string) bool {
	switch strings.ToLower(name) {
	case "connection", "transfer-encoding", "content-length", "keep-alive", "upgrade", "te", "trailer":
		return true
	}
	return false
}

// ErrNoBaseURL marks a credential whose protocol has no default endpoint and
// no configured override. This is a configuration error, not a retry trigger.
var ErrNoBaseURL = errors.New("forward: no base URL")
