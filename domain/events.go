package domain

import (
	"encoding/json"
	"fmt"
)

// EventType represents the type of a stream event.
type EventType string

const (
	EventStreamStart  EventType = "stream-start"
	EventTextDelta    EventType = "text-delta"
	EventToolCall     EventType = "tool-call"
	EventToolResult   EventType = "tool-result"
	EventStreamFinish EventType = "stream-finish"
	EventStreamError  EventType = "stream-error"
)

// Terminal reports whether the event type ends a stream.
func (t EventType) Terminal() bool {
	return t == EventStreamFinish || t == EventStreamError
}

// StreamEvent is one ordered step of an in-flight assistant turn.
// Order is a total order within the stream; ties keep arrival order.
type StreamEvent struct {
	StreamID string          `json:"stream_id"`
	Type     EventType       `json:"type"`
	Order    int64           `json:"order"`
	Ts       int64           `json:"ts"` // Unix milliseconds
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// StartPayload is the payload for stream-start.
type StartPayload struct {
	UserMessage string `json:"user_message,omitempty"`
	Model       string `json:"model,omitempty"`
}

// DeltaPayload is the payload for text-delta.
type DeltaPayload struct {
	Text string `json:"text"`
}

// ToolCallPayload is the payload for tool-call.
type ToolCallPayload struct {
	ToolCallID  string          `json:"tool_call_id"`
	ToolName    string          `json:"tool_name"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
}

// ToolResultPayload is the payload for tool-result.
type ToolResultPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	OK         bool            `json:"ok"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// FinishPayload is the payload for stream-finish.
type FinishPayload struct {
	FinalContent string     `json:"final_content,omitempty"`
	Usage        *UsageData `json:"usage,omitempty"`
}

// ErrorPayload is the payload for stream-error.
type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable,omitempty"`
}

// ParseStartPayload decodes a stream-start payload.
func ParseStartPayload(ev StreamEvent) (*StartPayload, error) {
	if ev.Type != EventStreamStart {
		return nil, fmt.Errorf("expected %s event, got %s", EventStreamStart, ev.Type)
	}
	var p StartPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to parse start payload: %w", err)
	}
	return &p, nil
}

// ParseDeltaPayload decodes a text-delta payload.
func ParseDeltaPayload(ev StreamEvent) (*DeltaPayload, error) {
	if ev.Type != EventTextDelta {
		return nil, fmt.Errorf("expected %s event, got %s", EventTextDelta, ev.Type)
	}
	var p DeltaPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to parse delta payload: %w", err)
	}
	return &p, nil
}

// ParseToolCallPayload decodes a tool-call payload.
func ParseToolCallPayload(ev StreamEvent) (*ToolCallPayload, error) {
	if ev.Type != EventToolCall {
		return nil, fmt.Errorf("expected %s event, got %s", EventToolCall, ev.Type)
	}
	var p ToolCallPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to parse tool call payload: %w", err)
	}
	return &p, nil
}

// ParseToolResultPayload decodes a tool-result payload.
func ParseToolResultPayload(ev StreamEvent) (*ToolResultPayload, error) {
	if ev.Type != EventToolResult {
		return nil, fmt.Errorf("expected %s event, got %s", EventToolResult, ev.Type)
	}
	var p ToolResultPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to parse tool result payload: %w", err)
	}
	return &p, nil
}

// ParseFinishPayload decodes a stream-finish payload.
func ParseFinishPayload(ev StreamEvent) (*FinishPayload, error) {
	if ev.Type != EventStreamFinish {
		return nil, fmt.Errorf("expected %s event, got %s", EventStreamFinish, ev.Type)
	}
	var p FinishPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to parse finish payload: %w", err)
	}
	return &p, nil
}

// ParseErrorPayload decodes a stream-error payload.
func ParseErrorPayload(ev StreamEvent) (*ErrorPayload, error) {
	if ev.Type != EventStreamError {
		return nil, fmt.Errorf("expected %s event, got %s", EventStreamError, ev.Type)
	}
	var p ErrorPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to parse error payload: %w", err)
	}
	return &p, nil
}

// MustPayload marshals v, panicking on failure. Intended for building
// events from known-good payload structs.
func MustPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal payload: %v", err))
	}
	return b
}
