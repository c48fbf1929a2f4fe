package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/weftlabs/weft/domain"
)

// ToolExchange is one completed tool invocation a responder performed.
type ToolExchange struct {
	Name   string
	Title  string
	Input  json.RawMessage
	Output json.RawMessage
	Err    string
}

// Emitter receives responder output as it is produced. The turn handler
// implements it to stream events and collect the assistant message.
type Emitter interface {
	Delta(text string) error
	Tool(call ToolExchange) error
}

// ResponderRequest carries one turn's input. History includes the
// latest user message as its trailing element.
type ResponderRequest struct {
	SessionID   string
	UserMessage string
	History     []domain.Message
}

// ReplyInfo summarizes a finished reply.
type ReplyInfo struct {
	FinalContent string
	Model        string
	Usage        *domain.UsageData
}

// Responder produces one assistant reply per turn.
type Responder interface {
	// Model names the model announced at stream start.
	Model() string
	Respond(ctx context.Context, req ResponderRequest, emit Emitter) (*ReplyInfo, error)
}

const mockModel = "sim-mock"

// Directives a user message can carry to exercise failure paths.
const (
	directiveErr    = "!err"
	directiveSlow   = "!slow"
	directiveTool   = "!tool"
	directiveSecret = "!secret"
)

// MockResponder echoes the user's message. Directives in the message
// inject faults and tool activity:
//
//	!err     the responder fails, producing a stream-error
//	!slow    deltas are paced slowly enough to trip client watchdogs
//	!tool    a word_count tool call precedes the reply
//	!secret  a secret_vault tool call precedes the reply
type MockResponder struct {
	// SlowDelay paces deltas when !slow is present.
	SlowDelay time.Duration
}

// NewMockResponder returns the default deterministic responder.
func NewMockResponder() *MockResponder {
	return &MockResponder{SlowDelay: 10 * time.Second}
}

func (m *MockResponder) Model() string {
	return mockModel
}

func (m *MockResponder) Respond(ctx context.Context, req ResponderRequest, emit Emitter) (*ReplyInfo, error) {
	text := req.UserMessage

	if strings.Contains(text, directiveErr) {
		return nil, fmt.Errorf("simulated responder failure")
	}

	if strings.Contains(text, directiveTool) {
		words := len(strings.Fields(text))
		call := ToolExchange{
			Name:   "word_count",
			Title:  "Count words",
			Input:  domain.MustPayload(map[string]string{"text": text}),
			Output: domain.MustPayload(map[string]int{"words": words}),
		}
		if err := emit.Tool(call); err != nil {
			return nil, err
		}
	}
	if strings.Contains(text, directiveSecret) {
		call := ToolExchange{
			Name:   "secret_vault",
			Title:  "Fetch secret",
			Input:  domain.MustPayload(map[string]string{"key": "demo"}),
			Output: domain.MustPayload(map[string]string{"value": "hunter2"}),
		}
		if err := emit.Tool(call); err != nil {
			return nil, err
		}
	}

	reply := "You said: " + text
	var delay time.Duration
	if strings.Contains(text, directiveSlow) {
		delay = m.SlowDelay
	}

	for _, chunk := range splitChunks(reply, 4) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := emit.Delta(chunk); err != nil {
			return nil, err
		}
	}

	return &ReplyInfo{
		FinalContent: reply,
		Model:        mockModel,
		Usage: &domain.UsageData{
			PromptTokens:     len(strings.Fields(text)),
			CompletionTokens: len(strings.Fields(reply)),
			TotalTokens:      len(strings.Fields(text)) + len(strings.Fields(reply)),
		},
	}, nil
}

// splitChunks groups words into delta-sized pieces, keeping separators.
func splitChunks(text string, wordsPer int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{text}
	}
	var out []string
	for i := 0; i < len(words); i += wordsPer {
		end := i + wordsPer
		if end > len(words) {
			end = len(words)
		}
		chunk := strings.Join(words[i:end], " ")
		if i > 0 {
			chunk = " " + chunk
		}
		out = append(out, chunk)
	}
	return out
}
