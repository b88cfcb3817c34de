package forward

import (
	"strings"
)

// APIType names the upstream protocol a credential speaks. It determines the
// auth header format, the upstream path layout, and which usage schema the
// terminal response chunk carries.
type APIType string

const (
	TypeOpenAI         APIType = "openai"
	TypeOpenAIResponse APIType = "openai-response"
	TypeAnthropic      APIType = "anthropic"
	TypeGemini         APIType = "gemini"
	TypeAzureOpenAI    APIType = "azure-openai"
	TypeOllama         APIType = "ollama"
)

// KnownType reports whether s names a supported protocol.
func KnownType(s string) bool {
	switch APIType(s) {
	case TypeOpenAI, TypeOpenAIResponse, TypeAnthropic, TypeGemini, TypeAzureOpenAI, TypeOllama:
		return true
	}
	return false
}

const anthropicVersion = "2023-06-01"

// variant is the per-protocol behavior bundle. Exactly one implementation
// exists per APIType so dispatch is exhaustive.
type variant interface {
	// authHeaders returns the header pairs that authenticate the request.
	authHeaders(key string) [][2]string

	// buildPath maps the inbound wildcard path to the upstream path.
	buildPath(inPath string) string

	// defaultBaseURL is used when the credential carries no override.
	defaultBaseURL() string

	// openAINative reports whether the upstream accepts OpenAI-only body
	// fields (stream_options, prompt_cache_key).
	openAINative() bool

	// extractUsage pulls normalized token counts out of a terminal response
	// payload (one SSE data event or a whole JSON body).
	extractUsage(payload []byte) (Usage, bool)
}

func variantFor(t APIType) variant {
	switch t {
	case TypeOpenAIResponse:
		return openaiVariant{responses: true}
	case TypeAnthropic:
		return anthropicVariant{}
	case TypeGemini:
		return geminiVariant{}
	case TypeAzureOpenAI:
		return azureVariant{}
	case TypeOllama:
		return ollamaVariant{}
	default:
		return openaiVariant{}
	}
}

type openaiVariant struct {
	responses bool
}

func (openaiVariant) authHeaders(key string) [][2]string {
	return [][2]string{{"Authorization", "Bearer " + key}}
}

func (openaiVariant) buildPath(inPath string) string {
	return "/v1/" + strings.TrimPrefix(inPath, "/")
}

func (openaiVariant) defaultBaseURL() string { return "https://api.openai.com" }

func (v openaiVariant) openAINative() bool { return !v.responses }

func (openaiVariant) extractUsage(payload []byte) (Usage, bool) {
	return openAIFamilyUsage(payload)
}

type anthropicVariant struct{}

func (anthropicVariant) authHeaders(key string) [][2]string {
	return [][2]string{
		{"x-api-key", key},
		{"anthropic-version", anthropicVersion},
	}
}

// buildPath always targets the Messages API; the inbound path is ignored so
// compat clients hitting arbitrary suffixes still land on the right endpoint.
func (anthropicVariant) buildPath(string) string { return "/v1/messages" }

func (anthropicVariant) defaultBaseURL() string { return "https://api.anthropic.com" }

func (anthropicVariant) openAINative() bool { return false }

func (anthropicVariant) extractUsage(payload []byte) (Usage, bool) {
	return anthropicUsage(payload)
}

type geminiVariant struct{}

func (geminiVariant) authHeaders(key string) [][2]string {
	return [][2]string{{"x-goog-api-key", key}}
}

func (geminiVariant) buildPath(inPath string) string {
	return "/v1beta/" + strings.TrimPrefix(inPath, "/")
}

func (geminiVariant) defaultBaseURL() string { return "https://generativelanguage.googleapis.com" }

func (geminiVariant) openAINative() bool { return false }

func (geminiVariant) extractUsage(payload []byte) (Usage, bool) {
	return geminiUsage(payload)
}

type azureVariant struct{}

func (azureVariant) authHeaders(key string) [][2]string {
	return [][2]string{{"api-key", key}}
}

// Azure deployment URLs embed the deployment name, so the base URL override
// is authoritative and the inbound path passes through untouched.
func (azureVariant) buildPath(inPath string) string {
	return "/" + strings.TrimPrefix(inPath, "/")
}

func (azureVariant) defaultBaseURL() string { return "" }

func (azureVariant) openAINative() bool { return true }

func (azureVariant) extractUsage(payload []byte) (Usage, bool) {
	return openAIFamilyUsage(payload)
}

type ollamaVariant struct{}

func (ollamaVariant) authHeaders(string) [][2]string { return nil }

func (ollamaVariant) buildPath(inPath string) string {
	return "/v1/" + strings.TrimPrefix(inPath, "/")
}

func (ollamaVariant) defaultBaseURL() string { return "http://localhost:11434" }

func (ollamaVariant) openAINative() bool { return true }

func (ollamaVariant) extractUsage(payload []byte) (Usage, bool) {
	return openAIFamilyUsage(payload)
}
