package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAISummaryProvider implements SummaryProvider with the OpenAI chat API.
type OpenAISummaryProvider struct {
	client openai.Client
	model  string
}

// NewOpenAISummaryProvider creates a provider. An empty model defaults to
// gpt-4o-mini.
func NewOpenAISummaryProvider(apiKey, model string) *OpenAISummaryProvider {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAISummaryProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Provider returns the provider name.
func (p *OpenAISummaryProvider) Provider() string {
	return "openai"
}

// Summarize asks the model for a digest of at most maxLength characters.
func (p *OpenAISummaryProvider) Summarize(ctx context.Context, text string, maxLength int) (string, error) {
	response, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(fmt.Sprintf("Summarize the user's text in at most %d characters. Reply with the summary only.", maxLength)),
			openai.UserMessage(text),
		},
		MaxTokens: openai.Int(512),
	})
	if err != nil {
		return "", err
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no response choices returned")
	}

	summary := strings.TrimSpace(response.Choices[0].Message.Content)
	if summary == "" {
		return "", fmt.Errorf("empty summary response")
	}
	return summary, nil
}
