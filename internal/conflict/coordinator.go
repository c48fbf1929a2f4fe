package conflict

import (
	"log/slog"
	"sync"
	"time"

	"github.com/weftlabs/weft/domain"
)

// State of one session's retry machine.
type State int

const (
	StateIdle State = iota
	StatePendingRetry
	StateRetrying
)

func (s State) String() string {
	switch s {
	case StatePendingRetry:
		return "pending-retry"
	case StateRetrying:
		return "retrying"
	default:
		return "idle"
	}
}

const (
	// ConflictRetryDelay is the single resend delay after a history
	// conflict.
	ConflictRetryDelay = 500 * time.Millisecond
	// LockRetryBase doubles per attempt: 400, 800, 1600ms.
	LockRetryBase = 400 * time.Millisecond
	// MaxLockAttempts bounds lock retries before giving up.
	MaxLockAttempts = 3
)

type retryState struct {
	state       State
	attempts    int
	skipVersion bool
	lastSent    string
	timer       *time.Timer
}

// Coordinator owns failure recovery for every session. Each session has
// an independent machine, so a conflict on one session never affects
// the version checks or retries of another.
type Coordinator struct {
	mu       sync.Mutex
	sessions map[string]*retryState

	notifier domain.Notifier
	resend   func(sessionID, text string)
	logger   *slog.Logger

	afterFunc func(d time.Duration, fn func()) *time.Timer
}

// NewCoordinator wires the machine to a notifier and a resend callback.
// The resend callback must re-issue the turn without appending new
// optimistic messages.
func NewCoordinator(notifier domain.Notifier, resend func(sessionID, text string), logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		sessions:  make(map[string]*retryState),
		notifier:  notifier,
		resend:    resend,
		logger:    logger,
		afterFunc: time.AfterFunc,
	}
}

// WithTimer overrides retry timer scheduling and returns the
// coordinator for chaining.
func (c *Coordinator) WithTimer(fn func(d time.Duration, f func()) *time.Timer) *Coordinator {
	c.afterFunc = fn
	return c
}

func (c *Coordinator) notify(n domain.Notice) {
	if c.notifier != nil {
		c.notifier.Notify(n)
	}
}

// get creates the session's machine on first touch. Callers hold the lock.
func (c *Coordinator) get(sessionID string) *retryState {
	st, ok := c.sessions[sessionID]
	if !ok {
		st = &retryState{}
		c.sessions[sessionID] = st
	}
	return st
}

// RecordSent remembers the utterance of the attempt now in flight so a
// later failure can resend it verbatim.
func (c *Coordinator) RecordSent(sessionID, text string) {
	c.mu.Lock()
	c.get(sessionID).lastSent = text
	c.mu.Unlock()
}

// OnFailure drives the machine for one failed turn. It returns true
// when recovery was scheduled and false when the failure was surfaced
// as fatal.
func (c *Coordinator) OnFailure(sessionID string, err error) bool {
	kind := Classify(err)
	c.logger.Debug("turn failure", "session_id", sessionID, "kind", kind.String(), "error", err)

	switch kind {
	case KindHistoryConflict:
		return c.onConflict(sessionID)
	case KindSessionLocked:
		return c.onLocked(sessionID)
	default:
		return c.onFatal(sessionID, err)
	}
}

func (c *Coordinator) onConflict(sessionID string) bool {
	c.mu.Lock()
	st := c.get(sessionID)
	st.skipVersion = true

	if st.state == StatePendingRetry {
		// A resend is already armed; the flag above is all this
		// conflict contributes.
		c.mu.Unlock()
		return true
	}
	if st.state == StateRetrying {
		// The retry itself conflicted. The version check was already
		// skipped, so another round cannot help.
		c.resetLocked(st)
		c.mu.Unlock()
		c.notify(domain.Notice{
			Kind:      domain.NoticeError,
			SessionID: sessionID,
			Text:      "could not synchronize history; please try again",
		})
		return false
	}
	if st.lastSent == "" {
		c.resetLocked(st)
		c.mu.Unlock()
		c.logger.Warn("history conflict with nothing to resend", "session_id", sessionID)
		return false
	}

	st.state = StatePendingRetry
	st.timer = c.afterFunc(ConflictRetryDelay, func() { c.fire(sessionID) })
	c.mu.Unlock()

	c.notify(domain.Notice{
		Kind:      domain.NoticeBusy,
		SessionID: sessionID,
		Text:      "synchronizing history",
	})
	return true
}

func (c *Coordinator) onLocked(sessionID string) bool {
	c.mu.Lock()
	st := c.get(sessionID)
	st.attempts++

	if st.attempts > MaxLockAttempts || st.lastSent == "" {
		c.resetLocked(st)
		c.mu.Unlock()
		c.notify(domain.Notice{
			Kind:      domain.NoticeError,
			SessionID: sessionID,
			Text:      "session is busy with another request; gave up after repeated retries",
		})
		return false
	}

	delay := LockRetryBase << (st.attempts - 1)
	st.state = StateRetrying
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = c.afterFunc(delay, func() { c.fire(sessionID) })
	attempt := st.attempts
	c.mu.Unlock()

	c.logger.Debug("session locked, retry scheduled",
		"session_id", sessionID, "attempt", attempt, "delay", delay)
	c.notify(domain.Notice{
		Kind:      domain.NoticeBusy,
		SessionID: sessionID,
		Text:      "session busy, retrying",
	})
	return true
}

func (c *Coordinator) onFatal(sessionID string, err error) bool {
	c.mu.Lock()
	st := c.get(sessionID)
	c.resetLocked(st)
	c.mu.Unlock()

	c.notify(domain.Notice{Kind: domain.NoticeError, SessionID: sessionID, Text: err.Error()})
	return false
}

// fire runs when a retry timer elapses.
func (c *Coordinator) fire(sessionID string) {
	c.mu.Lock()
	st, ok := c.sessions[sessionID]
	if !ok || (st.state != StatePendingRetry && st.state != StateRetrying) {
		c.mu.Unlock()
		return
	}
	st.state = StateRetrying
	st.timer = nil
	text := st.lastSent
	c.mu.Unlock()

	if c.resend != nil {
		c.resend(sessionID, text)
	}
}

// OnSuccess resets the machine after a turn completed cleanly.
func (c *Coordinator) OnSuccess(sessionID string) {
	c.mu.Lock()
	if st, ok := c.sessions[sessionID]; ok {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		st.state = StateIdle
		st.attempts = 0
	}
	c.mu.Unlock()
}

// ConsumeSkipVersion reads and clears the session's skip-version flag.
// The flag suppresses the history version of exactly one request, for
// this session only.
func (c *Coordinator) ConsumeSkipVersion(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.sessions[sessionID]
	if !ok || !st.skipVersion {
		return false
	}
	st.skipVersion = false
	return true
}

// ClearPending cancels any scheduled retry and fully resets the
// session's machine. The timeout watchdog and the hydration terminal
// sync both call this.
func (c *Coordinator) ClearPending(sessionID string) {
	c.mu.Lock()
	if st, ok := c.sessions[sessionID]; ok {
		c.resetLocked(st)
	}
	c.mu.Unlock()
}

// resetLocked clears one machine. Callers hold the lock.
func (c *Coordinator) resetLocked(st *retryState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.state = StateIdle
	st.attempts = 0
	st.skipVersion = false
}

// State reports the session's machine state.
func (c *Coordinator) State(sessionID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.sessions[sessionID]; ok {
		return st.state
	}
	return StateIdle
}

// Attempts reports the session's lock retry count.
func (c *Coordinator) Attempts(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.sessions[sessionID]; ok {
		return st.attempts
	}
	return 0
}
