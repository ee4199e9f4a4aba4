package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicSummaryProvider implements SummaryProvider with Claude.
type AnthropicSummaryProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicSummaryProvider creates a provider. An empty model defaults to
// claude-3-5-haiku-latest.
func NewAnthropicSummaryProvider(apiKey, model string) *AnthropicSummaryProvider {
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	return &AnthropicSummaryProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Provider returns the provider name.
func (p *AnthropicSummaryProvider) Provider() string {
	return "anthropic"
}

// Summarize asks the model for a digest of at most maxLength characters.
func (p *AnthropicSummaryProvider) Summarize(ctx context.Context, text string, maxLength int) (string, error) {
	response, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: 512,
		System: []anthropic.TextBlockParam{
			{Text: fmt.Sprintf("Summarize the user's text in at most %d characters. Reply with the summary only.", maxLength)},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
	})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, block := range response.Content {
		if textBlock, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(textBlock.Text)
		}
	}

	summary := strings.TrimSpace(b.String())
	if summary == "" {
		return "", fmt.Errorf("empty summary response")
	}
	return summary, nil
}
