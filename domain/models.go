// Package domain defines the core domain models shared by the weft client.
package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TurnStatus represents the per-session turn lifecycle.
type TurnStatus string

const (
	TurnReady     TurnStatus = "ready"
	TurnSubmitted TurnStatus = "submitted"
	TurnStreaming TurnStatus = "streaming"
)

// ToolStatus represents the lifecycle of one tool invocation.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// Display decisions for tool activity, produced by the policy gate.
const (
	DisplayAllow      = "allow"
	DisplayRedact     = "redact"
	DisplayRequireAck = "require_ack"
)

// Session represents one conversation as the client knows it.
type Session struct {
	SessionID     string    `json:"session_id"`
	Title         string    `json:"title"`
	LastMessageAt time.Time `json:"last_message_at"`
	MessageCount  int       `json:"message_count"`
	IsDefault     bool      `json:"is_default,omitempty"`
	Optimistic    bool      `json:"-"` // true while only known locally
}

// Message represents a single message in a session transcript.
type Message struct {
	MessageID string       `json:"message_id"`
	Role      Role         `json:"role"`
	Content   Content      `json:"content"`
	Metrics   *TurnMetrics `json:"metrics,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// Content is the tagged union of the two body shapes the wire carries:
// a flat text body or a list of typed parts. Parts win when non-empty.
type Content struct {
	Text  string `json:"text,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

// TextContent builds a flat text body.
func TextContent(s string) Content {
	return Content{Text: s}
}

// PartsContent builds a typed-parts body.
func PartsContent(parts []Part) Content {
	return Content{Parts: parts}
}

// IsParts reports whether the parts shape is in effect.
func (c Content) IsParts() bool {
	return len(c.Parts) > 0
}

// PlainText flattens either shape to display text. This is the single
// canonicalization every consumer of flat text goes through.
func (c Content) PlainText() string {
	if !c.IsParts() {
		return c.Text
	}
	var b strings.Builder
	for _, p := range c.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Part types.
const (
	PartText       = "text"
	PartToolCall   = "tool_call"
	PartToolResult = "tool_result"
)

// Part is one typed segment of a heterogeneous message body.
type Part struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Err        string          `json:"error,omitempty"`
	Display    string          `json:"display,omitempty"`
}

// ToolState tracks one tool invocation inside an assistant turn.
type ToolState struct {
	ToolCallID  string          `json:"tool_call_id"`
	ToolName    string          `json:"tool_name"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	Status      ToolStatus      `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Err         string          `json:"error,omitempty"`
	StartedAt   int64           `json:"started_at,omitempty"` // Unix milliseconds
	EndedAt     int64           `json:"ended_at,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
	Display     string          `json:"display,omitempty"`
}

// UsageData carries token accounting reported at the end of a turn.
type UsageData struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// TurnMetrics carries timing counters for a completed assistant turn.
type TurnMetrics struct {
	ElapsedMs  int64  `json:"elapsed_ms,omitempty"`
	DeltaCount int    `json:"delta_count,omitempty"`
	Model      string `json:"model,omitempty"`
}
