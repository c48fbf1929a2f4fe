// Package engine orchestrates the send flow: optimistic local state,
// the streaming turn transport, live turn mirroring, failure recovery
// and the watchdog that keeps sessions from wedging.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/domain"
	"github.com/weftlabs/weft/internal/conflict"
	"github.com/weftlabs/weft/internal/hydrate"
	"github.com/weftlabs/weft/internal/state"
	"github.com/weftlabs/weft/internal/stream"
	"github.com/weftlabs/weft/internal/transport"
)

// DefaultStreamTimeout is the watchdog window for a turn with no
// terminal event.
const DefaultStreamTimeout = 30 * time.Second

// redactedOutput replaces tool output the display policy hides.
var redactedOutput = json.RawMessage(`"[output hidden by policy]"`)

// SessionAPI is the backend's session CRUD surface.
type SessionAPI interface {
	CreateSession(ctx context.Context, token string, sess domain.Session) error
	DeleteSession(ctx context.Context, token, sessionID string) error
}

// Mirror is the slice of the local read model the engine drives.
type Mirror interface {
	SaveSessions(ctx context.Context, sessions []domain.Session) error
	ReplaceTranscript(ctx context.Context, sessionID string, msgs []domain.Message) error
	Transcript(ctx context.Context, sessionID string) ([]domain.Message, error)
	Sessions(ctx context.Context) ([]domain.Session, error)
	Counts(ctx context.Context) (map[string]int, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// DisplayGate decides how tool activity is rendered.
type DisplayGate interface {
	Evaluate(ctx context.Context, toolName string, input json.RawMessage) (string, error)
}

// Options wires an Engine.
type Options struct {
	Turns    transport.TurnStreamer
	API      SessionAPI                 // optional
	Creds    transport.CredentialSource // required for turns and CRUD
	Mirror   Mirror                     // optional
	Gate     DisplayGate                // optional
	Notifier domain.Notifier
	Logger   *slog.Logger

	StreamTimeout time.Duration // default DefaultStreamTimeout
	MaxContentLen int           // default stream.DefaultMaxContentLen

	// RequestSync asks the feed for a session's authoritative
	// transcript. Optional.
	RequestSync func(sessionID string)

	// UI change hooks, invoked outside locks.
	OnInstanceChange func(sessionID string)
	OnRegistryChange func()

	// AfterFunc overrides timer scheduling for the watchdog and the
	// retry coordinator.
	AfterFunc func(d time.Duration, fn func()) *time.Timer
}

// run tracks one in-flight turn attempt. The token fences stale
// attempts: events and terminal handling apply only while their token
// is still the session's active one.
type run struct {
	token    string
	ctx      context.Context
	events   []domain.StreamEvent
	displays map[string]string
	watchdog *time.Timer
	started  time.Time
}

// Engine is the client's synchronization core.
type Engine struct {
	store    *state.InstanceStore
	registry *state.Registry
	builder  *transport.Builder
	coord    *conflict.Coordinator
	rec      *hydrate.Reconciler

	turns       transport.TurnStreamer
	api         SessionAPI
	creds       transport.CredentialSource
	mirror      Mirror
	gate        DisplayGate
	notifier    domain.Notifier
	requestSync func(sessionID string)
	logger      *slog.Logger

	streamTimeout time.Duration
	maxContentLen int

	now       func() time.Time
	afterFunc func(d time.Duration, fn func()) *time.Timer

	mu   sync.Mutex
	runs map[string]*run
}

// New builds the engine and its internal collaborators: the instance
// store, the session registry, the retry coordinator, the hydration
// reconciler and the request builder.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		turns:         opts.Turns,
		api:           opts.API,
		creds:         opts.Creds,
		mirror:        opts.Mirror,
		gate:          opts.Gate,
		notifier:      opts.Notifier,
		requestSync:   opts.RequestSync,
		logger:        logger,
		streamTimeout: opts.StreamTimeout,
		maxContentLen: opts.MaxContentLen,
		now:           time.Now,
		afterFunc:     time.AfterFunc,
		runs:          make(map[string]*run),
	}
	if e.streamTimeout <= 0 {
		e.streamTimeout = DefaultStreamTimeout
	}
	if e.maxContentLen <= 0 {
		e.maxContentLen = stream.DefaultMaxContentLen
	}
	if opts.AfterFunc != nil {
		e.afterFunc = opts.AfterFunc
	}

	e.store = state.NewInstanceStore(opts.OnInstanceChange)
	e.registry = state.NewRegistry(opts.OnRegistryChange)
	e.coord = conflict.NewCoordinator(opts.Notifier, e.resend, logger)
	if opts.AfterFunc != nil {
		e.coord.WithTimer(opts.AfterFunc)
	}
	e.rec = hydrate.NewReconciler(e.store, e.coord, logger)
	e.builder = transport.NewBuilder(opts.Creds, e.rec, e.coord)
	return e
}

// Store exposes the instance store for rendering.
func (e *Engine) Store() *state.InstanceStore { return e.store }

// Registry exposes the session registry for rendering.
func (e *Engine) Registry() *state.Registry { return e.registry }

// RetryState reports the conflict machine of a session, for status
// display.
func (e *Engine) RetryState(sessionID string) (conflict.State, int) {
	return e.coord.State(sessionID), e.coord.Attempts(sessionID)
}

func (e *Engine) notify(n domain.Notice) {
	if e.notifier != nil {
		e.notifier.Notify(n)
	}
}

// Send submits one user turn. Blank input and sessions with a turn
// already in flight are ignored. The optimistic phase is synchronous:
// the user message, registry bump, placeholder and submitted status are
// visible before Send returns; the request itself runs in a goroutine.
func (e *Engine) Send(ctx context.Context, sessionID, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if st := e.store.Status(sessionID); st != domain.TurnReady {
		e.logger.Debug("send ignored, turn in flight", "session_id", sessionID, "status", string(st))
		return
	}

	e.store.AppendUser(sessionID, domain.TextContent(text))
	e.registry.BumpStats(sessionID, state.StatsDelta{
		Title:         inferTitle(text),
		LastMessageAt: e.now(),
		CountDelta:    1,
	})
	e.store.EnsurePlaceholder(sessionID)
	e.store.SetStatus(sessionID, domain.TurnSubmitted)
	e.coord.RecordSent(sessionID, text)

	e.issueTurn(ctx, sessionID)
}

// resend is the coordinator's retry callback. The optimistic messages
// are already in the transcript, so only the request is re-issued.
func (e *Engine) resend(sessionID, text string) {
	if e.store.Status(sessionID) == domain.TurnReady {
		// Hydration settled the turn while the retry was pending.
		e.logger.Debug("resend skipped, session already settled", "session_id", sessionID)
		return
	}
	e.logger.Debug("resending turn", "session_id", sessionID, "text_len", len(text))
	e.store.EnsurePlaceholder(sessionID)
	e.store.SetStatus(sessionID, domain.TurnSubmitted)

	e.mu.Lock()
	ctx := context.Background()
	if r := e.runs[sessionID]; r != nil && r.ctx != nil {
		ctx = r.ctx
	}
	e.mu.Unlock()
	e.issueTurn(ctx, sessionID)
}

// issueTurn installs a fresh run (invalidating any previous attempt)
// and launches the request goroutine.
func (e *Engine) issueTurn(ctx context.Context, sessionID string) {
	token := uuid.NewString()
	r := &run{
		token:    token,
		ctx:      ctx,
		displays: make(map[string]string),
		started:  e.now(),
	}
	r.watchdog = e.afterFunc(e.streamTimeout, func() { e.onTimeout(sessionID, token) })

	e.mu.Lock()
	if prev := e.runs[sessionID]; prev != nil && prev.watchdog != nil {
		prev.watchdog.Stop()
	}
	e.runs[sessionID] = r
	e.mu.Unlock()

	go e.runTurn(ctx, sessionID, token)
}

func (e *Engine) runTurn(ctx context.Context, sessionID, token string) {
	req, err := e.builder.Build(ctx, sessionID, e.store.Messages(sessionID))
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			// Fail fast: nothing is sent.
			e.logger.Warn("turn failed validation", "session_id", sessionID, "error", err)
			e.notify(domain.Notice{Kind: domain.NoticeError, SessionID: sessionID, Text: err.Error()})
			e.endRun(sessionID, token)
			e.store.SetStatus(sessionID, domain.TurnReady)
			return
		}
		e.finishFailure(sessionID, token, err)
		return
	}

	log := e.logger.With("session_id", sessionID, "request_id", req.RequestID)
	log.Debug("issuing turn", "history_version", formatVersion(req.HistoryVersion))

	streamErr := e.turns.StreamTurn(ctx, req, func(ev domain.StreamEvent) error {
		return e.onEvent(sessionID, token, ev)
	})

	if !e.isActive(sessionID, token) {
		log.Debug("turn finished after being superseded")
		return
	}

	if streamErr != nil {
		e.finishFailure(sessionID, token, streamErr)
		return
	}

	rec := e.fold(sessionID, token)
	switch {
	case rec == nil:
		e.finishFailure(sessionID, token, &domain.ReconstructionError{Reason: "stream carried no events"})
	case rec.Status == stream.StatusComplete:
		e.finishComplete(sessionID, token, rec)
	case rec.Status == stream.StatusError:
		e.finishStreamError(sessionID, token, rec)
	default:
		// The stream closed without a terminal event. The watchdog or
		// the hydration reconciler settles the session.
		log.Debug("stream ended without terminal event", "deltas", rec.DeltaCount)
	}
}

// onEvent accumulates one stream event and mirrors the re-folded turn
// into the placeholder.
func (e *Engine) onEvent(sessionID, token string, ev domain.StreamEvent) error {
	e.mu.Lock()
	r := e.runs[sessionID]
	if r == nil || r.token != token {
		e.mu.Unlock()
		e.logger.Debug("dropping stale stream event", "session_id", sessionID, "type", string(ev.Type))
		return nil
	}
	r.events = append(r.events, ev)
	events := append([]domain.StreamEvent(nil), r.events...)
	e.mu.Unlock()

	if e.store.Status(sessionID) == domain.TurnSubmitted {
		e.store.SetStatus(sessionID, domain.TurnStreaming)
	}

	rec, err := stream.Reconstruct(events,
		stream.WithMaxContentLen(e.maxContentLen),
		stream.WithLogger(e.logger))
	if err != nil {
		// Usually the start event has not arrived yet; keep collecting.
		e.logger.Debug("fold not possible yet", "session_id", sessionID, "error", err)
		return nil
	}

	e.applyDisplayPolicy(sessionID, token, rec)
	e.store.PatchAssistant(sessionID, state.AssistantPatch{
		Content: &rec.Content,
		Parts:   rec.Parts,
	})
	return nil
}

// fold re-folds the run's accumulated events, or returns nil when no
// coherent fold exists.
func (e *Engine) fold(sessionID, token string) *stream.Reconstruction {
	e.mu.Lock()
	r := e.runs[sessionID]
	if r == nil || r.token != token || len(r.events) == 0 {
		e.mu.Unlock()
		return nil
	}
	events := append([]domain.StreamEvent(nil), r.events...)
	e.mu.Unlock()

	rec, err := stream.Reconstruct(events,
		stream.WithMaxContentLen(e.maxContentLen),
		stream.WithLogger(e.logger))
	if err != nil {
		return nil
	}
	e.applyDisplayPolicy(sessionID, token, rec)
	return rec
}

// applyDisplayPolicy resolves a display decision once per tool call and
// redacts hidden output in both the tool states and the typed parts.
func (e *Engine) applyDisplayPolicy(sessionID, token string, rec *stream.Reconstruction) {
	if e.gate == nil || len(rec.Tools) == 0 {
		return
	}

	e.mu.Lock()
	r := e.runs[sessionID]
	var displays map[string]string
	if r != nil && r.token == token {
		displays = r.displays
	}
	e.mu.Unlock()
	if displays == nil {
		displays = make(map[string]string)
	}

	for id, tool := range rec.Tools {
		decision, ok := displays[id]
		if !ok {
			var err error
			decision, err = e.gate.Evaluate(context.Background(), tool.ToolName, tool.Input)
			if err != nil {
				e.logger.Warn("display policy evaluation failed", "tool", tool.ToolName, "error", err)
				decision = domain.DisplayAllow
			}
			displays[id] = decision
		}
		tool.Display = decision
		if decision == domain.DisplayRedact && len(tool.Output) > 0 {
			tool.Output = redactedOutput
		}
	}
	for i := range rec.Parts {
		p := &rec.Parts[i]
		if p.ToolCallID == "" {
			continue
		}
		p.Display = displays[p.ToolCallID]
		if p.Type == domain.PartToolResult && p.Display == domain.DisplayRedact && len(p.Output) > 0 {
			p.Output = redactedOutput
		}
	}
}

func (e *Engine) finishComplete(sessionID, token string, rec *stream.Reconstruction) {
	e.endRun(sessionID, token)

	metrics := &domain.TurnMetrics{
		DeltaCount: rec.DeltaCount,
		Model:      rec.Model,
	}
	if rec.EndedAt >= rec.StartedAt && rec.StartedAt > 0 {
		metrics.ElapsedMs = rec.EndedAt - rec.StartedAt
	}
	e.store.PatchAssistant(sessionID, state.AssistantPatch{
		Content: &rec.Content,
		Parts:   rec.Parts,
		Metrics: metrics,
	})
	e.store.SetStatus(sessionID, domain.TurnReady)
	e.coord.OnSuccess(sessionID)
	e.logger.Debug("turn complete", "session_id", sessionID,
		"deltas", rec.DeltaCount, "content_len", len(rec.Content))
}

func (e *Engine) finishStreamError(sessionID, token string, rec *stream.Reconstruction) {
	err := &domain.TransportError{}
	if rec.Failure != nil {
		err.Code = rec.Failure.Code
		err.Msg = rec.Failure.Message
	} else {
		err.Msg = "stream failed"
	}
	e.finishFailure(sessionID, token, err)
}

// finishFailure routes a failed attempt through the coordinator; when
// no recovery is scheduled the session is made editable again.
func (e *Engine) finishFailure(sessionID, token string, err error) {
	e.endRun(sessionID, token)
	if scheduled := e.coord.OnFailure(sessionID, err); !scheduled {
		e.store.SetStatus(sessionID, domain.TurnReady)
	}
}

// onTimeout fires when a turn produced no terminal event inside the
// watchdog window. The session is forced ready; the request itself is
// not cancelled, but its token is invalidated so a late completion is
// ignored and hydration settles the transcript.
func (e *Engine) onTimeout(sessionID, token string) {
	if !e.invalidate(sessionID, token) {
		return
	}
	status := e.store.Status(sessionID)
	if status != domain.TurnSubmitted && status != domain.TurnStreaming {
		return
	}
	timeout := &domain.TimeoutError{SessionID: sessionID, After: e.streamTimeout}
	e.logger.Warn("turn watchdog fired", "session_id", sessionID, "after", e.streamTimeout)
	e.store.SetStatus(sessionID, domain.TurnReady)
	e.coord.ClearPending(sessionID)
	e.notify(domain.Notice{Kind: domain.NoticeTimeout, SessionID: sessionID, Text: timeout.Error()})
}

// isActive reports whether the token is still the session's live
// attempt.
func (e *Engine) isActive(sessionID, token string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.runs[sessionID]
	return r != nil && r.token == token
}

// endRun stops the watchdog and forgets the run if the token still
// owns it.
func (e *Engine) endRun(sessionID, token string) {
	e.invalidate(sessionID, token)
}

// invalidate removes the session's run when owned by token, reporting
// whether it did.
func (e *Engine) invalidate(sessionID, token string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.runs[sessionID]
	if r == nil || r.token != token {
		return false
	}
	if r.watchdog != nil {
		r.watchdog.Stop()
	}
	delete(e.runs, sessionID)
	return true
}

// cancelRun drops whatever attempt a session has in flight, without
// notices. Hydration uses it once the authoritative record settles a
// turn.
func (e *Engine) cancelRun(sessionID string) {
	e.mu.Lock()
	if r := e.runs[sessionID]; r != nil {
		if r.watchdog != nil {
			r.watchdog.Stop()
		}
		delete(e.runs, sessionID)
	}
	e.mu.Unlock()
}

// inferTitle derives a session title from its first utterance.
func inferTitle(text string) string {
	title := strings.Join(strings.Fields(text), " ")
	runes := []rune(title)
	if len(runes) > 48 {
		title = string(runes[:48]) + "..."
	}
	return title
}

func formatVersion(v *int) any {
	if v == nil {
		return "omitted"
	}
	return *v
}
