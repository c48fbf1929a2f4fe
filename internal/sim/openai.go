package sim

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/weftlabs/weft/domain"
)

// OpenAIResponder answers turns with a real model through the OpenAI
// chat completions API.
type OpenAIResponder struct {
	client openai.Client
	model  string
}

// NewOpenAIResponder creates a responder for the given model. baseURL
// and apiKey are optional; empty values fall back to the SDK defaults.
func NewOpenAIResponder(baseURL, apiKey, model string) *OpenAIResponder {
	var opts []option.RequestOption
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &OpenAIResponder{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (r *OpenAIResponder) Model() string {
	return r.model
}

func (r *OpenAIResponder) Respond(ctx context.Context, req ResponderRequest, emit Emitter) (*ReplyInfo, error) {
	params := openai.ChatCompletionNewParams{
		Model: r.model,
	}
	for _, msg := range req.History {
		text := msg.Content.PlainText()
		if text == "" {
			continue
		}
		switch msg.Role {
		case domain.RoleUser:
			params.Messages = append(params.Messages, openai.UserMessage(text))
		case domain.RoleAssistant:
			params.Messages = append(params.Messages, openai.AssistantMessage(text))
		}
	}

	stream := r.client.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			if err := emit.Delta(chunk.Choices[0].Delta.Content); err != nil {
				stream.Close()
				return nil, err
			}
		}
	}
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("completion stream failed: %w", err)
	}
	if err := stream.Close(); err != nil {
		return nil, fmt.Errorf("failed to close completion stream: %w", err)
	}

	info := &ReplyInfo{Model: r.model}
	if acc.Model != "" {
		info.Model = acc.Model
	}
	if len(acc.Choices) > 0 {
		info.FinalContent = acc.Choices[0].Message.Content
	}
	if acc.Usage.TotalTokens > 0 {
		info.Usage = &domain.UsageData{
			PromptTokens:     int(acc.Usage.PromptTokens),
			CompletionTokens: int(acc.Usage.CompletionTokens),
			TotalTokens:      int(acc.Usage.TotalTokens),
		}
	}
	return info, nil
}
