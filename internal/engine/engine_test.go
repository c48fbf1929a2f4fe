package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/weftlabs/weft/domain"
	"github.com/weftlabs/weft/internal/conflict"
	"github.com/weftlabs/weft/internal/transport"
)

const testStreamID = "st-1"

type fakeTimers struct {
	mu        sync.Mutex
	delays    []time.Duration
	callbacks []func()
}

func (f *fakeTimers) afterFunc(d time.Duration, fn func()) *time.Timer {
	f.mu.Lock()
	f.delays = append(f.delays, d)
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
	return time.AfterFunc(time.Hour, func() {})
}

func (f *fakeTimers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delays)
}

func (f *fakeTimers) delay(i int) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delays[i]
}

// fire runs the i-th scheduled callback on the caller's goroutine.
func (f *fakeTimers) fire(i int) {
	f.mu.Lock()
	fn := f.callbacks[i]
	f.mu.Unlock()
	fn()
}

func (f *fakeTimers) fireLast() {
	f.fire(f.count() - 1)
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []domain.Notice
}

func (r *recordingNotifier) Notify(n domain.Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *recordingNotifier) byKind(kind domain.NoticeKind) []domain.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Notice
	for _, n := range r.notices {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// turnScript drives one StreamTurn call of the scripted streamer.
type turnScript func(req *transport.TurnRequest, emit transport.EventHandler) error

type scriptedStreamer struct {
	mu     sync.Mutex
	script []turnScript
	calls  []*transport.TurnRequest
}

func (s *scriptedStreamer) StreamTurn(_ context.Context, req *transport.TurnRequest, handler transport.EventHandler) error {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	idx := len(s.calls) - 1
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	step := s.script[idx]
	s.mu.Unlock()
	return step(req, handler)
}

func (s *scriptedStreamer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *scriptedStreamer) call(i int) *transport.TurnRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

func emitAll(events ...domain.StreamEvent) turnScript {
	return func(_ *transport.TurnRequest, emit transport.EventHandler) error {
		for _, ev := range events {
			if err := emit(ev); err != nil {
				return err
			}
		}
		return nil
	}
}

func failWith(err error) turnScript {
	return func(*transport.TurnRequest, transport.EventHandler) error {
		return err
	}
}

func replyEvents(reply string) []domain.StreamEvent {
	half := len(reply) / 2
	return []domain.StreamEvent{
		{StreamID: testStreamID, Type: domain.EventStreamStart, Order: 0, Ts: 2000,
			Payload: domain.MustPayload(domain.StartPayload{Model: "mock-1"})},
		{StreamID: testStreamID, Type: domain.EventTextDelta, Order: 1, Ts: 2040,
			Payload: domain.MustPayload(domain.DeltaPayload{Text: reply[:half]})},
		{StreamID: testStreamID, Type: domain.EventTextDelta, Order: 2, Ts: 2080,
			Payload: domain.MustPayload(domain.DeltaPayload{Text: reply[half:]})},
		{StreamID: testStreamID, Type: domain.EventStreamFinish, Order: 3, Ts: 2120,
			Payload: domain.MustPayload(domain.FinishPayload{FinalContent: reply})},
	}
}

func newTestEngine(streamer transport.TurnStreamer, gate DisplayGate) (*Engine, *fakeTimers, *recordingNotifier) {
	timers := &fakeTimers{}
	notifier := &recordingNotifier{}
	e := New(Options{
		Turns:     streamer,
		Creds:     transport.StaticCredentials("test-token"),
		Gate:      gate,
		Notifier:  notifier,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		AfterFunc: timers.afterFunc,
	})
	e.registry.Upsert(domain.Session{SessionID: "s1"})
	return e, timers, notifier
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSendCleanTurn(t *testing.T) {
	release := make(chan struct{})
	streamer := &scriptedStreamer{script: []turnScript{
		func(req *transport.TurnRequest, emit transport.EventHandler) error {
			<-release
			return emitAll(replyEvents("Hello there")...)(req, emit)
		},
	}}
	e, _, _ := newTestEngine(streamer, nil)

	e.Send(context.Background(), "s1", "  hello world  ")

	// The optimistic phase is synchronous: the stream has not started
	// yet, so this state is exactly what Send installed.
	msgs := e.Store().Messages("s1")
	if len(msgs) != 2 {
		t.Fatalf("expected user + placeholder, got %d messages", len(msgs))
	}
	if msgs[0].Role != domain.RoleUser || msgs[0].Content.PlainText() != "hello world" {
		t.Fatalf("unexpected optimistic user message: %+v", msgs[0])
	}
	if msgs[1].Role != domain.RoleAssistant || msgs[1].Content.PlainText() != "" {
		t.Fatalf("unexpected placeholder: %+v", msgs[1])
	}
	if st := e.Store().Status("s1"); st != domain.TurnSubmitted {
		t.Fatalf("expected submitted, got %s", st)
	}
	sess, _ := e.Registry().Get("s1")
	if sess.Title != "hello world" || sess.MessageCount != 1 {
		t.Fatalf("registry not bumped: %+v", sess)
	}

	// A second send while the turn is in flight is ignored.
	e.Send(context.Background(), "s1", "again")
	if got := len(e.Store().Messages("s1")); got != 2 {
		t.Fatalf("send while busy must be ignored, got %d messages", got)
	}

	close(release)
	waitFor(t, "turn to settle", func() bool {
		return e.Store().Status("s1") == domain.TurnReady
	})

	msgs = e.Store().Messages("s1")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages after completion, got %d", len(msgs))
	}
	final := msgs[1]
	if final.Content.PlainText() != "Hello there" {
		t.Fatalf("unexpected final content %q", final.Content.PlainText())
	}
	if final.Metrics == nil {
		t.Fatal("completed turn must carry metrics")
	}
	if final.Metrics.ElapsedMs != 120 || final.Metrics.DeltaCount != 2 || final.Metrics.Model != "mock-1" {
		t.Fatalf("unexpected metrics: %+v", final.Metrics)
	}

	if streamer.callCount() != 1 {
		t.Fatalf("expected 1 request, got %d", streamer.callCount())
	}
	req := streamer.call(0)
	if req.SessionID != "s1" || req.LatestUserMessage != "hello world" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.Token != "test-token" || req.RequestID == "" {
		t.Fatalf("request missing credentials or id: %+v", req)
	}
	if len(req.Messages) != 1 {
		t.Fatalf("placeholder must not be sent, got %d context messages", len(req.Messages))
	}

	if st, _ := e.RetryState("s1"); st != conflict.StateIdle {
		t.Fatalf("coordinator should be idle after success, state %s", st)
	}
}

func TestSendIgnoresBlankInput(t *testing.T) {
	streamer := &scriptedStreamer{script: []turnScript{emitAll(replyEvents("x")...)}}
	e, _, _ := newTestEngine(streamer, nil)

	e.Send(context.Background(), "s1", "   \n\t ")

	if got := len(e.Store().Messages("s1")); got != 0 {
		t.Fatalf("blank input must not append messages, got %d", got)
	}
	if streamer.callCount() != 0 {
		t.Fatal("blank input must not issue a request")
	}
}

func TestHistoryConflictRetriesWithoutVersion(t *testing.T) {
	conflictErr := &domain.TransportError{Status: 409, Code: "history_conflict", Msg: "history has moved"}
	streamer := &scriptedStreamer{script: []turnScript{
		failWith(conflictErr),
		emitAll(replyEvents("Recovered reply")...),
	}}
	e, timers, notifier := newTestEngine(streamer, nil)
	e.rec.SeedCounts(map[string]int{"s1": 2})

	e.Send(context.Background(), "s1", "hello")

	waitFor(t, "conflict retry to be scheduled", func() bool {
		return notifier.byKind(domain.NoticeBusy) != nil
	})
	if st := e.Store().Status("s1"); st == domain.TurnReady {
		t.Fatal("session must stay locked while a retry is pending")
	}
	if got := streamer.call(0).HistoryVersion; got == nil || *got != 2 {
		t.Fatalf("first attempt should carry version 2, got %v", got)
	}

	// The retry timer is the most recent schedule (the watchdog for the
	// first attempt came first).
	if d := timers.delay(timers.count() - 1); d != conflict.ConflictRetryDelay {
		t.Fatalf("expected %s retry delay, got %s", conflict.ConflictRetryDelay, d)
	}
	timers.fireLast()

	waitFor(t, "retried turn to settle", func() bool {
		return e.Store().Status("s1") == domain.TurnReady
	})

	if streamer.callCount() != 2 {
		t.Fatalf("expected 2 attempts, got %d", streamer.callCount())
	}
	if got := streamer.call(1).HistoryVersion; got != nil {
		t.Fatalf("retry must omit the history version, got %v", *got)
	}
	if first, second := streamer.call(0).RequestID, streamer.call(1).RequestID; first == second {
		t.Fatal("retry must mint a fresh request id")
	}

	// The resend reused the optimistic messages instead of appending.
	msgs := e.Store().Messages("s1")
	users := 0
	for _, m := range msgs {
		if m.Role == domain.RoleUser {
			users++
		}
	}
	if users != 1 {
		t.Fatalf("resend duplicated the user message: %d user rows", users)
	}
	if got := msgs[len(msgs)-1].Content.PlainText(); got != "Recovered reply" {
		t.Fatalf("unexpected final content %q", got)
	}
	if errs := notifier.byKind(domain.NoticeError); len(errs) != 0 {
		t.Fatalf("recovered conflict must not surface errors, got %v", errs)
	}
}

func TestSessionLockedBackoffExhausts(t *testing.T) {
	lockedErr := &domain.TransportError{Status: 409, Code: "session_locked", Msg: "turn in flight"}
	streamer := &scriptedStreamer{script: []turnScript{failWith(lockedErr)}}
	e, timers, notifier := newTestEngine(streamer, nil)

	e.Send(context.Background(), "s1", "hello")

	// Attempt 1 fails; watchdog (index 0) then retry at 400ms.
	waitFor(t, "first retry", func() bool { return timers.count() == 2 })
	if d := timers.delay(1); d != 400*time.Millisecond {
		t.Fatalf("expected 400ms, got %s", d)
	}
	timers.fireLast()

	// Attempt 2: watchdog at index 2, retry at 800ms.
	waitFor(t, "second retry", func() bool { return timers.count() == 4 })
	if d := timers.delay(3); d != 800*time.Millisecond {
		t.Fatalf("expected 800ms, got %s", d)
	}
	timers.fireLast()

	// Attempt 3: watchdog at index 4, retry at 1600ms.
	waitFor(t, "third retry", func() bool { return timers.count() == 6 })
	if d := timers.delay(5); d != 1600*time.Millisecond {
		t.Fatalf("expected 1600ms, got %s", d)
	}
	timers.fireLast()

	// Attempt 4 fails too and no retry remains.
	waitFor(t, "exhaustion", func() bool {
		return e.Store().Status("s1") == domain.TurnReady
	})
	if streamer.callCount() != 4 {
		t.Fatalf("expected 4 attempts, got %d", streamer.callCount())
	}
	errs := notifier.byKind(domain.NoticeError)
	if len(errs) != 1 || !strings.Contains(errs[0].Text, "gave up") {
		t.Fatalf("expected one gave-up notice, got %v", errs)
	}
	if st, attempts := e.RetryState("s1"); st != conflict.StateIdle || attempts != 0 {
		t.Fatalf("machine must reset, state %s attempts %d", st, attempts)
	}
}

func TestWatchdogForcesReadyAndFencesLateEvents(t *testing.T) {
	proceed := make(chan struct{})
	finished := make(chan error, 1)
	partial := replyEvents("partial reply")
	streamer := &scriptedStreamer{script: []turnScript{
		func(req *transport.TurnRequest, emit transport.EventHandler) error {
			if err := emitAll(partial[:2]...)(req, emit); err != nil {
				return err
			}
			<-proceed
			finished <- emitAll(partial[2:]...)(req, emit)
			return nil
		},
	}}
	e, timers, notifier := newTestEngine(streamer, nil)

	e.Send(context.Background(), "s1", "hello")

	waitFor(t, "stream to start", func() bool {
		return e.Store().Status("s1") == domain.TurnStreaming
	})
	partialText := e.Store().Messages("s1")[1].Content.PlainText()
	if partialText == "" {
		t.Fatal("expected partial content before the stall")
	}

	// The watchdog is the first schedule of the attempt.
	if d := timers.delay(0); d != DefaultStreamTimeout {
		t.Fatalf("watchdog armed with %s, want %s", d, DefaultStreamTimeout)
	}
	timers.fire(0)

	if st := e.Store().Status("s1"); st != domain.TurnReady {
		t.Fatalf("watchdog must force ready, got %s", st)
	}
	if got := notifier.byKind(domain.NoticeTimeout); len(got) != 1 {
		t.Fatalf("expected one timeout notice, got %d", len(got))
	}
	if got := e.Store().Messages("s1")[1].Content.PlainText(); got != partialText {
		t.Fatalf("timeout must keep partial content, got %q", got)
	}

	// The stream wakes up after the timeout; its late events are dropped.
	close(proceed)
	if err := <-finished; err != nil {
		t.Fatalf("late emit should be swallowed, got %v", err)
	}
	waitFor(t, "stream goroutine to drain", func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.runs) == 0
	})
	if got := e.Store().Messages("s1")[1].Content.PlainText(); got != partialText {
		t.Fatalf("late events must not mutate content, got %q", got)
	}
	if st := e.Store().Status("s1"); st != domain.TurnReady {
		t.Fatalf("late events must not change status, got %s", st)
	}
}

type stubGate struct {
	mu    sync.Mutex
	calls int
}

func (g *stubGate) Evaluate(_ context.Context, toolName string, _ json.RawMessage) (string, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if strings.Contains(toolName, "secret") {
		return domain.DisplayRedact, nil
	}
	return domain.DisplayAllow, nil
}

func (g *stubGate) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func TestDisplayPolicyRedactsToolOutput(t *testing.T) {
	events := []domain.StreamEvent{
		{StreamID: testStreamID, Type: domain.EventStreamStart, Order: 0, Ts: 1000,
			Payload: domain.MustPayload(domain.StartPayload{Model: "mock-1"})},
		{StreamID: testStreamID, Type: domain.EventToolCall, Order: 1, Ts: 1010,
			Payload: domain.MustPayload(domain.ToolCallPayload{ToolCallID: "tc-1", ToolName: "secret_fetch"})},
		{StreamID: testStreamID, Type: domain.EventToolResult, Order: 2, Ts: 1020,
			Payload: domain.MustPayload(domain.ToolResultPayload{ToolCallID: "tc-1", OK: true, Output: json.RawMessage(`"s3cr3t"`)})},
		{StreamID: testStreamID, Type: domain.EventStreamFinish, Order: 3, Ts: 1030,
			Payload: domain.MustPayload(domain.FinishPayload{})},
	}
	gate := &stubGate{}
	streamer := &scriptedStreamer{script: []turnScript{emitAll(events...)}}
	e, _, _ := newTestEngine(streamer, gate)

	e.Send(context.Background(), "s1", "fetch it")
	waitFor(t, "turn to settle", func() bool {
		return e.Store().Status("s1") == domain.TurnReady
	})

	msgs := e.Store().Messages("s1")
	parts := msgs[1].Content.Parts
	if len(parts) != 2 {
		t.Fatalf("expected call + result parts, got %d", len(parts))
	}
	for _, p := range parts {
		if p.Display != domain.DisplayRedact {
			t.Fatalf("part %s missing redact decision: %+v", p.Type, p)
		}
	}
	result := parts[1]
	if string(result.Output) != string(redactedOutput) {
		t.Fatalf("output not redacted: %s", result.Output)
	}
	if got := gate.callCount(); got > 1 {
		t.Fatalf("decision must be cached per tool call, evaluated %d times", got)
	}
}

func TestStreamErrorRoutesThroughCoordinator(t *testing.T) {
	events := []domain.StreamEvent{
		{StreamID: testStreamID, Type: domain.EventStreamStart, Order: 0, Ts: 1000,
			Payload: domain.MustPayload(domain.StartPayload{})},
		{StreamID: testStreamID, Type: domain.EventStreamError, Order: 1, Ts: 1010,
			Payload: domain.MustPayload(domain.ErrorPayload{Code: "model_overloaded", Message: "upstream capacity"})},
	}
	streamer := &scriptedStreamer{script: []turnScript{emitAll(events...)}}
	e, _, notifier := newTestEngine(streamer, nil)

	e.Send(context.Background(), "s1", "hello")
	waitFor(t, "failure to surface", func() bool {
		return len(notifier.byKind(domain.NoticeError)) == 1
	})

	if st := e.Store().Status("s1"); st != domain.TurnReady {
		t.Fatalf("fatal stream error must release the session, got %s", st)
	}
	errs := notifier.byKind(domain.NoticeError)
	if !strings.Contains(errs[0].Text, "upstream capacity") {
		t.Fatalf("notice should carry the backend message, got %q", errs[0].Text)
	}
}

func TestApplyTranscriptSettlesInFlightTurn(t *testing.T) {
	stall := make(chan struct{})
	streamer := &scriptedStreamer{script: []turnScript{
		func(req *transport.TurnRequest, emit transport.EventHandler) error {
			<-stall
			return nil
		},
	}}
	e, _, notifier := newTestEngine(streamer, nil)
	defer close(stall)

	e.Send(context.Background(), "s1", "hello")

	authoritative := []domain.Message{
		{MessageID: "srv-1", Role: domain.RoleUser, Content: domain.TextContent("hello")},
		{MessageID: "srv-2", Role: domain.RoleAssistant, Content: domain.TextContent("settled reply")},
	}
	e.ApplyTranscript(context.Background(), "s1", authoritative)

	if st := e.Store().Status("s1"); st != domain.TurnReady {
		t.Fatalf("authoritative settle must force ready, got %s", st)
	}
	msgs := e.Store().Messages("s1")
	if msgs[len(msgs)-1].Content.PlainText() != "settled reply" {
		t.Fatalf("transcript not adopted: %+v", msgs)
	}
	e.mu.Lock()
	live := len(e.runs)
	e.mu.Unlock()
	if live != 0 {
		t.Fatal("settling must drop the in-flight attempt")
	}
	if got := notifier.byKind(domain.NoticeTimeout); len(got) != 0 {
		t.Fatalf("hydration settle is silent, got %v", got)
	}
}

func TestStartupCreatesDefaultSession(t *testing.T) {
	streamer := &scriptedStreamer{script: []turnScript{emitAll()}}
	e, _, _ := newTestEngine(streamer, nil)
	e.registry.Remove("s1")

	if err := e.Startup(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	list := e.Registry().List()
	if len(list) != 1 {
		t.Fatalf("expected one default session, got %d", len(list))
	}
	if !list[0].IsDefault || list[0].Title != DefaultSessionTitle {
		t.Fatalf("unexpected default session: %+v", list[0])
	}
	if e.Registry().CurrentID() != list[0].SessionID {
		t.Fatal("default session must be selected")
	}
}
