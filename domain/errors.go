package domain

import (
	"fmt"
	"time"
)

// ValidationError reports input that fails fast before any request is
// issued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// HistoryConflictError reports that the server's view of the transcript
// diverged from the history version the client sent.
type HistoryConflictError struct {
	SessionID string
	Msg       string
}

func (e *HistoryConflictError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("history_conflict: session %s out of sync", e.SessionID)
}

// SessionLockedError reports that another turn holds the session lock
// server-side.
type SessionLockedError struct {
	SessionID string
	Msg       string
}

func (e *SessionLockedError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("session_locked: session %s has an active run", e.SessionID)
}

// TimeoutError reports that a turn produced no terminal event within the
// watchdog window.
type TimeoutError struct {
	SessionID string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("turn timed out after %s for session %s", e.After, e.SessionID)
}

// ReconstructionError reports that a stream's events cannot be folded
// into a coherent turn.
type ReconstructionError struct {
	StreamID string
	Reason   string
}

func (e *ReconstructionError) Error() string {
	return fmt.Sprintf("cannot reconstruct stream %s: %s", e.StreamID, e.Reason)
}

// TransportError carries an HTTP or stream level failure with whatever
// code and message the server supplied.
type TransportError struct {
	Status int
	Code   string
	Msg    string
	Err    error
}

func (e *TransportError) Error() string {
	switch {
	case e.Code != "" && e.Msg != "":
		return fmt.Sprintf("turn request failed (%s): %s", e.Code, e.Msg)
	case e.Msg != "":
		return fmt.Sprintf("turn request failed (status %d): %s", e.Status, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("turn request failed: %v", e.Err)
	default:
		return fmt.Sprintf("turn request failed with status %d", e.Status)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }
