package hydrate

import (
	"testing"

	"github.com/weftlabs/weft/domain"
	"github.com/weftlabs/weft/internal/state"
)

type fakeRetries struct {
	cleared []string
}

func (f *fakeRetries) ClearPending(sessionID string) {
	f.cleared = append(f.cleared, sessionID)
}

func authoritative(pairs ...[2]string) []domain.Message {
	msgs := make([]domain.Message, 0, len(pairs))
	for i, p := range pairs {
		msgs = append(msgs, domain.Message{
			MessageID: "srv-" + string(rune('a'+i)),
			Role:      domain.Role(p[0]),
			Content:   domain.TextContent(p[1]),
		})
	}
	return msgs
}

func TestApplyEqualTranscriptLeavesStoreAlone(t *testing.T) {
	var notifications int
	store := state.NewInstanceStore(func(string) { notifications++ })
	retries := &fakeRetries{}
	r := NewReconciler(store, retries, nil)

	// Local optimistic copy with client-generated ids.
	store.AppendUser("s1", domain.TextContent("hello"))
	store.EnsurePlaceholder("s1")
	content := "hi there"
	store.PatchAssistant("s1", state.AssistantPatch{Content: &content})
	store.SetStatus("s1", domain.TurnStreaming)
	before := notifications

	// Authoritative copy matches structurally despite different ids.
	r.Apply("s1", authoritative([2]string{"user", "hello"}, [2]string{"assistant", "hi there"}))

	msgs := store.Messages("s1")
	if msgs[0].MessageID == "srv-a" {
		t.Fatal("store was replaced even though transcripts matched")
	}
	// The only notification allowed is the ready transition.
	if got := notifications - before; got != 1 {
		t.Fatalf("expected 1 notification (status), got %d", got)
	}
	if store.Status("s1") != domain.TurnReady {
		t.Fatalf("trailing assistant should force ready, got %s", store.Status("s1"))
	}
	if len(retries.cleared) != 1 || retries.cleared[0] != "s1" {
		t.Fatalf("expected pending retries cleared for s1, got %v", retries.cleared)
	}
}

func TestApplyDivergentTranscriptReplaces(t *testing.T) {
	store := state.NewInstanceStore(nil)
	r := NewReconciler(store, &fakeRetries{}, nil)

	store.AppendUser("s1", domain.TextContent("hello"))
	store.EnsurePlaceholder("s1")

	r.Apply("s1", authoritative(
		[2]string{"user", "hello"},
		[2]string{"assistant", "the real answer"},
	))

	msgs := store.Messages("s1")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[1].Content.PlainText() != "the real answer" {
		t.Fatalf("authoritative content not applied: %q", msgs[1].Content.PlainText())
	}
	if msgs[0].MessageID != "srv-a" {
		t.Fatal("replacement should carry authoritative ids")
	}
}

func TestApplyTrailingUserDoesNotSettle(t *testing.T) {
	store := state.NewInstanceStore(nil)
	retries := &fakeRetries{}
	r := NewReconciler(store, retries, nil)
	store.SetStatus("s1", domain.TurnStreaming)

	r.Apply("s1", authoritative([2]string{"user", "still waiting"}))

	if store.Status("s1") != domain.TurnStreaming {
		t.Fatalf("trailing user message must not settle the turn, got %s", store.Status("s1"))
	}
	if len(retries.cleared) != 0 {
		t.Fatalf("retries must stay pending, got %v", retries.cleared)
	}
}

func TestApplyTrailingEmptyAssistantDoesNotSettle(t *testing.T) {
	store := state.NewInstanceStore(nil)
	retries := &fakeRetries{}
	r := NewReconciler(store, retries, nil)
	store.SetStatus("s1", domain.TurnStreaming)

	r.Apply("s1", authoritative(
		[2]string{"user", "q"},
		[2]string{"assistant", ""},
	))

	if store.Status("s1") != domain.TurnStreaming {
		t.Fatal("an empty assistant message is not a completed turn")
	}
	if len(retries.cleared) != 0 {
		t.Fatalf("retries must stay pending, got %v", retries.cleared)
	}
}

func TestHistoryVersionTracking(t *testing.T) {
	store := state.NewInstanceStore(nil)
	r := NewReconciler(store, nil, nil)

	if _, ok := r.HistoryVersion("s1"); ok {
		t.Fatal("unknown session should report no version")
	}

	r.Apply("s1", authoritative([2]string{"user", "a"}, [2]string{"assistant", "b"}))
	if v, ok := r.HistoryVersion("s1"); !ok || v != 2 {
		t.Fatalf("expected version 2, got %d (%v)", v, ok)
	}

	r.Forget("s1")
	if _, ok := r.HistoryVersion("s1"); ok {
		t.Fatal("forgotten session should report no version")
	}
}

func TestSeedCounts(t *testing.T) {
	r := NewReconciler(state.NewInstanceStore(nil), nil, nil)
	r.SeedCounts(map[string]int{"s1": 4, "s2": 0})

	if v, ok := r.HistoryVersion("s1"); !ok || v != 4 {
		t.Fatalf("expected seeded version 4, got %d (%v)", v, ok)
	}
	if v, ok := r.HistoryVersion("s2"); !ok || v != 0 {
		t.Fatalf("expected seeded version 0, got %d (%v)", v, ok)
	}
}
