package forward

import (
	"bytes"
	"testing"
)

func TestTailBufferKeepsLastWindow(t *testing.T) {
	tb := &tailBuffer{}
	tb.Write([]byte("hello"))
	if got := string(tb.Bytes()); got != "hello" {
		t.Fatalf("Bytes() = %q", got)
	}
	if tb.truncated {
		t.Fatal("small write marked truncated")
	}

	// Overflow the window in uneven chunks; only the tail must survive.
	chunk := bytes.Repeat([]byte("x"), 10_000)
	for i := 0; i < 8; i++ {
		tb.Write(chunk)
	}
	tb.Write([]byte("THE-END"))

	got := tb.Bytes()
	if len(got) != tailWindow {
		t.Fatalf("len = %d, want %d", len(got), tailWindow)
	}
	if !bytes.HasSuffix(got, []byte("THE-END")) {
		t.Fatal("newest bytes missing from tail")
	}
	if !tb.truncated {
		t.Fatal("overflow not marked truncated")
	}
}

func TestTailBufferSingleOversizedWrite(t *testing.T) {
	tb := &tailBuffer{}
	big := append(bytes.Repeat([]byte("a"), tailWindow), []byte("zzz")...)
	tb.Write(big)
	got := tb.Bytes()
	if len(got) != tailWindow || !bytes.HasSuffix(got, []byte("zzz")) {
		t.Fatalf("oversized write mishandled: len=%d", len(got))
	}
}

func TestExtractUsageScansSSEFromEnd(t *testing.T) {
	body := []byte("data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n" +
		"data: {\"model\":\"gpt-4o\",\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":3}}\n\n" +
		"data: [DONE]\n\n")
	u, ok := extractUsage(openaiVariant{}, body, true)
	if !ok {
		t.Fatal("usage not found")
	}
	if u.RequestTokens != 5 || u.ResponseTokens != 3 || u.Model != "gpt-4o" {
		t.Fatalf("usage = %+v", u)
	}
}

func TestExtractUsageGeminiSchema(t *testing.T) {
	body := []byte(`{"modelVersion":"gemini-2.0-flash","usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":8}}`)
	u, ok := extractUsage(geminiVariant{}, body, false)
	if !ok {
		t.Fatal("usage not found")
	}
	if u.RequestTokens != 12 || u.ResponseTokens != 8 || u.Model != "gemini-2.0-flash" {
		t.Fatalf("usage = %+v", u)
	}
}

func TestExtractUsageAnthropicMessageDelta(t *testing.T) {
	body := []byte("data: {\"type\":\"message_delta\",\"usage\":{\"input_tokens\":20,\"output_tokens\":6}}\n\n")
	u, ok := extractUsage(anthropicVariant{}, body, true)
	if !ok {
		t.Fatal("usage not found")
	}
	if u.RequestTokens != 20 || u.ResponseTokens != 6 {
		t.Fatalf("usage = %+v", u)
	}
}

func TestRewriteReasoningLineLeavesContentAlone(t *testing.T) {
	line := []byte("data: {\"choices\":[{\"delta\":{\"reasoning_content\":\"r\",\"content\":\"already\"}}]}\n")
	if got := rewriteReasoningLine(line); !bytes.Equal(got, line) {
		t.Fatalf("line rewritten despite non-empty content: %s", got)
	}

	notData := []byte("event: ping\n")
	if got := rewriteReasoningLine(notData); !bytes.Equal(got, notData) {
		t.Fatal("non-data line modified")
	}

	garbage := []byte("data: not-json\n")
	if got := rewriteReasoningLine(garbage); !bytes.Equal(got, garbage) {
		t.Fatal("unparseable line modified")
	}
}

func TestIsGLMModel(t *testing.T) {
	for _, m := range []string{"glm-5", "GLM-4-plus", "chatglm3", "zhipu/foo"} {
		if !isGLMModel(m) {
			t.Errorf("isGLMModel(%q) = false", m)
		}
	}
	if isGLMModel("gpt-4o") {
		t.Error("gpt-4o misclassified as GLM")
	}
}

func TestStripProviderPrefix(t *testing.T) {
	if got := stripProviderPrefix("openai/gpt-4o"); got != "gpt-4o" {
		t.Fatalf("got %q", got)
	}
	if got := stripProviderPrefix("gpt-4o"); got != "gpt-4o" {
		t.Fatalf("got %q", got)
	}
}

func TestVariantAuthHeaders(t *testing.T) {
	cases := []struct {
		apiType APIType
		header  string
		value   string
	}{
		{TypeOpenAI, "Authorization", "Bearer k"},
		{TypeOpenAIResponse, "Authorization", "Bearer k"},
		{TypeAnthropic, "x-api-key", "k"},
		{TypeGemini, "x-goog-api-key", "k"},
		{TypeAzureOpenAI, "api-key", "k"},
	}
	for _, tc := range cases {
		hs := variantFor(tc.apiType).authHeaders("k")
		found := false
		for _, h := range hs {
			if h[0] == tc.header && h[1] == tc.value {
				found = true
			}
		}
		if !found {
			t.Errorf("%s: header %s=%s not set (got %v)", tc.apiType, tc.header, tc.value, hs)
		}
	}
	if hs := variantFor(TypeOllama).authHeaders("k"); len(hs) != 0 {
		t.Errorf("ollama must not send auth, got %v", hs)
	}
}

func TestDecodeRefusesTruncatedCompressedTail(t *testing.T) {
	tb := &tailBuffer{}
	tb.Write(bytes.Repeat([]byte("x"), tailWindow+1))
	if _, ok := tb.decode("gzip"); ok {
		t.Fatal("truncated gzip tail must not decode")
	}
	if _, ok := tb.decode(""); !ok {
		t.Fatal("identity tail must always decode")
	}
}

func TestKnownType(t *testing.T) {
	for _, s := range []string{"openai", "openai-response", "anthropic", "gemini", "azure-openai", "ollama"} {
		if !KnownType(s) {
			t.Errorf("KnownType(%q) = false", s)
		}
	}
	if KnownType("cohere") {
		t.Error("unknown vendor accepted")
	}
}
