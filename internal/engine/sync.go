package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/domain"
)

// DefaultSessionTitle names the scratch session created on first run.
const DefaultSessionTitle = "scratch"

// ApplySessions installs an authoritative session list from the feed.
// The registry merge keeps optimistic rows the backend has not
// acknowledged yet; the mirror is refreshed for the next cold start.
func (e *Engine) ApplySessions(ctx context.Context, sessions []domain.Session) {
	e.registry.SetSessions(sessions)
	if e.mirror != nil {
		if err := e.mirror.SaveSessions(ctx, sessions); err != nil {
			e.logger.Warn("failed to mirror session list", "error", err)
		}
	}
}

// ApplyTranscript installs an authoritative transcript from the feed.
// When the record settles a turn the session had in flight, the live
// attempt is dropped so late stream events cannot clobber the record.
func (e *Engine) ApplyTranscript(ctx context.Context, sessionID string, msgs []domain.Message) {
	if e.mirror != nil {
		if err := e.mirror.ReplaceTranscript(ctx, sessionID, msgs); err != nil {
			e.logger.Warn("failed to mirror transcript", "session_id", sessionID, "error", err)
		}
	}
	e.rec.Apply(sessionID, msgs)
	if e.store.Status(sessionID) == domain.TurnReady {
		e.cancelRun(sessionID)
	}
}

// Startup warms local state from the mirror and guarantees a current
// session. In-flight flags never survive a restart, so every hydrated
// session starts ready.
func (e *Engine) Startup(ctx context.Context) error {
	if e.mirror != nil {
		sessions, err := e.mirror.Sessions(ctx)
		if err != nil {
			return err
		}
		e.registry.SetSessions(sessions)
		for _, s := range sessions {
			msgs, err := e.mirror.Transcript(ctx, s.SessionID)
			if err != nil {
				e.logger.Warn("failed to load mirrored transcript", "session_id", s.SessionID, "error", err)
				continue
			}
			if len(msgs) > 0 {
				e.store.ReplaceTranscript(s.SessionID, msgs)
			}
		}
		counts, err := e.mirror.Counts(ctx)
		if err != nil {
			e.logger.Warn("failed to load history versions", "error", err)
		} else {
			e.rec.SeedCounts(counts)
		}
	}
	e.store.ResetAll()

	if list := e.registry.List(); len(list) == 0 {
		e.createDefaultSession(ctx)
	} else if e.registry.CurrentID() == "" {
		e.SelectSession(list[0].SessionID)
	}
	return nil
}

func (e *Engine) createDefaultSession(ctx context.Context) {
	sess := domain.Session{
		SessionID:     uuid.NewString(),
		Title:         DefaultSessionTitle,
		LastMessageAt: e.now().UTC().Truncate(time.Millisecond),
		IsDefault:     true,
		Optimistic:    true,
	}
	e.registry.Upsert(sess)
	e.registry.SetCurrent(sess.SessionID)
	e.announceSession(ctx, sess)
}

// NewSession creates a session optimistically and announces it to the
// backend. Session ids are minted locally so the row never needs to be
// re-keyed when the backend acknowledges it.
func (e *Engine) NewSession(ctx context.Context, title string) string {
	sess := domain.Session{
		SessionID:     uuid.NewString(),
		Title:         title,
		LastMessageAt: e.now().UTC().Truncate(time.Millisecond),
		Optimistic:    true,
	}
	e.registry.Upsert(sess)
	e.registry.SetCurrent(sess.SessionID)
	e.announceSession(ctx, sess)
	return sess.SessionID
}

func (e *Engine) announceSession(ctx context.Context, sess domain.Session) {
	if e.api == nil {
		return
	}
	go func() {
		token, err := e.creds.Token(ctx)
		if err != nil {
			e.logger.Warn("failed to resolve credentials", "error", err)
			return
		}
		if err := e.api.CreateSession(ctx, token, sess); err != nil {
			e.logger.Warn("failed to announce session", "session_id", sess.SessionID, "error", err)
		}
	}()
}

// DeleteSession removes a session everywhere: registry, instance
// store, reconciler bookkeeping, mirror and (asynchronously) the
// backend.
func (e *Engine) DeleteSession(ctx context.Context, sessionID string) {
	e.cancelRun(sessionID)
	e.coord.ClearPending(sessionID)
	e.registry.Remove(sessionID)
	e.store.Clear(sessionID)
	e.rec.Forget(sessionID)
	if e.mirror != nil {
		if err := e.mirror.DeleteSession(ctx, sessionID); err != nil {
			e.logger.Warn("failed to delete mirrored session", "session_id", sessionID, "error", err)
		}
	}
	if e.api == nil {
		return
	}
	go func() {
		token, err := e.creds.Token(ctx)
		if err != nil {
			e.logger.Warn("failed to resolve credentials", "error", err)
			return
		}
		if err := e.api.DeleteSession(ctx, token, sessionID); err != nil {
			e.logger.Warn("failed to delete backend session", "session_id", sessionID, "error", err)
		}
	}()

	if e.registry.CurrentID() == "" {
		if list := e.registry.List(); len(list) > 0 {
			e.SelectSession(list[0].SessionID)
		} else {
			e.createDefaultSession(ctx)
		}
	}
}

// SelectSession makes a session current and asks the feed for its
// authoritative transcript.
func (e *Engine) SelectSession(sessionID string) {
	if _, ok := e.registry.Get(sessionID); !ok {
		return
	}
	e.registry.SetCurrent(sessionID)
	if e.requestSync != nil {
		e.requestSync(sessionID)
	}
}
