// Package conflict classifies turn failures and drives the per-session
// retry state machine.
package conflict

import (
	"errors"
	"strings"

	"github.com/weftlabs/weft/domain"
)

// Kind is the recovery category of a turn failure.
type Kind int

const (
	KindFatal Kind = iota
	KindHistoryConflict
	KindSessionLocked
)

func (k Kind) String() string {
	switch k {
	case KindHistoryConflict:
		return "history_conflict"
	case KindSessionLocked:
		return "session_locked"
	default:
		return "fatal"
	}
}

// Classify maps a turn failure to its recovery category. Typed errors
// are checked first; everything else falls back to pattern matching the
// error text, since upstream failures often arrive as flattened strings.
func Classify(err error) Kind {
	if err == nil {
		return KindFatal
	}

	var conflictErr *domain.HistoryConflictError
	if errors.As(err, &conflictErr) {
		return KindHistoryConflict
	}
	var lockedErr *domain.SessionLockedError
	if errors.As(err, &lockedErr) {
		return KindSessionLocked
	}

	var transportErr *domain.TransportError
	if errors.As(err, &transportErr) {
		switch transportErr.Code {
		case "history_conflict":
			return KindHistoryConflict
		case "session_locked":
			return KindSessionLocked
		}
		if transportErr.Status == 409 && !strings.Contains(transportErr.Msg, "history_conflict") {
			return KindSessionLocked
		}
	}

	return classifyText(err.Error())
}

func classifyText(msg string) Kind {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "history_conflict"):
		return KindHistoryConflict
	case strings.Contains(lower, "session_locked"), strings.Contains(lower, "409"):
		return KindSessionLocked
	default:
		return KindFatal
	}
}

// IsTransientText reports whether an error message matches the patterns
// of internally handled failures. The display layer uses it to keep
// conflict and lock chatter out of the user-visible error slot even
// when a code path forgets to swallow one.
func IsTransientText(msg string) bool {
	return classifyText(msg) != KindFatal
}
