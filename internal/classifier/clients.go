package classifier

import (
	"context"
	"fmt"

	anthropicSDK "github.com/anthropics/anthropic-sdk-go"
	anthropicOption "github.com/anthropics/anthropic-sdk-go/option"
	openaiSDK "github.com/openai/openai-go/v3"
	openaiOption "github.com/openai/openai-go/v3/option"
	"google.golang.org/genai"
)

// openaiClient answers classification queries over the OpenAI chat protocol.
// It also serves any openai-compatible endpoint via Spec.BaseURL.
type openaiClient struct{}

func (openaiClient) Classify(ctx context.Context, spec Spec, q Query) (string, error) {
	opts := []openaiOption.RequestOption{openaiOption.WithAPIKey(spec.APIKey)}
	if spec.BaseURL != "" {
		opts = append(opts, openaiOption.WithBaseURL(spec.BaseURL))
	}
	client := openaiSDK.NewClient(opts...)

	resp, err := client.Chat.Completions.New(ctx, openaiSDK.ChatCompletionNewParams{
		Model: spec.Model,
		Messages: []openaiSDK.ChatCompletionMessageParamUnion{
			openaiSDK.SystemMessage(systemPrompt),
			openaiSDK.UserMessage(q.prompt()),
		},
		MaxCompletionTokens: openaiSDK.Int(8),
	})
	if err != nil {
		return "", fmt.Errorf("classifier: openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("classifier: openai: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

type anthropicClient struct{}

func (anthropicClient) Classify(ctx context.Context, spec Spec, q Query) (string, error) {
	opts := []anthropicOption.RequestOption{anthropicOption.WithAPIKey(spec.APIKey)}
	if spec.BaseURL != "" {
		opts = append(opts, anthropicOption.WithBaseURL(spec.BaseURL))
	}
	client := anthropicSDK.NewClient(opts...)

	resp, err := client.Messages.New(ctx, anthropicSDK.MessageNewParams{
		Model:     anthropicSDK.Model(spec.Model),
		MaxTokens: 16,
		System:    []anthropicSDK.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropicSDK.MessageParam{
			anthropicSDK.NewUserMessage(anthropicSDK.NewTextBlock(q.prompt())),
		},
	})
	if err != nil {
		return "", fmt.Errorf("classifier: anthropic: %w", err)
	}
	for _, block := range resp.Content {
		if block.Text != "" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("classifier: anthropic: empty response")
}

type geminiClient struct{}

func (geminiClient) Classify(ctx context.Context, spec Spec, q Query) (string, error) {
	cfg := &genai.ClientConfig{
		APIKey:  spec.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if spec.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: spec.BaseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return "", fmt.Errorf("classifier: gemini: %w", err)
	}

	resp, err := client.Models.GenerateContent(ctx, spec.Model, genai.Text(q.prompt()), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
	})
	if err != nil {
		return "", fmt.Errorf("classifier: gemini: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("classifier: gemini: empty response")
	}
	return text, nil
}
