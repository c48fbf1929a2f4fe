// Package feed implements the websocket feed that carries authoritative
// session state from the backend to connected clients.
package feed

import (
	"github.com/weftlabs/weft/domain"
)

// Message types from client to server
const (
	TypeHello = "hello"
	TypeSync  = "sync"
)

// Message types from server to client
const (
	TypeHelloAck   = "hello_ack"
	TypeSessions   = "sessions"
	TypeTranscript = "transcript"
	TypeError      = "error"
)

// BaseMessage contains common fields for all feed messages.
type BaseMessage struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
}

// HelloMessage is sent by the client to authenticate the connection.
type HelloMessage struct {
	BaseMessage
	Token string `json:"token,omitempty"`
}

// HelloAckMessage is sent by the server after a successful hello.
type HelloAckMessage struct {
	BaseMessage
	ClientID string `json:"client_id"`
}

// SyncMessage asks the server to push one session's transcript.
type SyncMessage struct {
	BaseMessage
	SessionID string `json:"session_id"`
}

// SessionsMessage carries the authoritative session list.
type SessionsMessage struct {
	BaseMessage
	Sessions []domain.Session `json:"sessions"`
}

// TranscriptMessage carries one session's authoritative transcript.
type TranscriptMessage struct {
	BaseMessage
	SessionID string           `json:"session_id"`
	Messages  []domain.Message `json:"messages"`
}

// ErrorMessage is sent by the server when a frame cannot be served.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeUnauthorized   = "unauthorized"
	ErrorCodeUnknownSession = "unknown_session"
)
