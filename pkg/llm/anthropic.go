package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// maxOutputTokens bounds every completion. Agent responses are JSON command
// documents, comfortably under this limit.
const maxOutputTokens = 8192

// AnthropicClient implements Client against the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient creates a client authenticated with the given API key.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Generate implements Client.
func (c *AnthropicClient) Generate(ctx context.Context, model, system, prompt string) (*Response, error) {
	message, err := c.client.Messages.New(ctx, buildParams(model, system, prompt))
	if err != nil {
		return nil, fmt.Errorf("anthropic generate: %w", err)
	}

	var sb strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	return &Response{
		Text: sb.String(),
		Usage: Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}, nil
}

// GenerateStream implements Client.
func (c *AnthropicClient) GenerateStream(ctx context.Context, model, system, prompt string, onChunk func(string)) (*Response, error) {
	stream := c.client.Messages.NewStreaming(ctx, buildParams(model, system, prompt))

	message := anthropic.Message{}
	var sb strings.Builder
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("anthropic stream accumulate: %w", err)
		}
		switch eventVariant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch deltaVariant := eventVariant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				sb.WriteString(deltaVariant.Text)
				if onChunk != nil {
					onChunk(deltaVariant.Text)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}

	return &Response{
		Text: sb.String(),
		Usage: Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}, nil
}

func buildParams(model, system, prompt string) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxOutputTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params
}
