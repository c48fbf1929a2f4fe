package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/weftlabs/weft/domain"
)

type fakeVersions map[string]int

func (f fakeVersions) HistoryVersion(sessionID string) (int, bool) {
	v, ok := f[sessionID]
	return v, ok
}

type fakeSkip struct {
	set map[string]bool
}

func (f *fakeSkip) ConsumeSkipVersion(sessionID string) bool {
	if f.set[sessionID] {
		f.set[sessionID] = false
		return true
	}
	return false
}

func testMessages() []domain.Message {
	return []domain.Message{
		{MessageID: "m1", Role: domain.RoleUser, Content: domain.TextContent("first question")},
		{MessageID: "m2", Role: domain.RoleAssistant, Content: domain.TextContent("first answer")},
		{MessageID: "m3", Role: domain.RoleUser, Content: domain.TextContent("second question")},
		{MessageID: "m4", Role: domain.RoleAssistant, Content: domain.Content{}},
	}
}

func TestBuildHappyPath(t *testing.T) {
	b := NewBuilder(StaticCredentials("tok-123"), fakeVersions{"s1": 2}, &fakeSkip{})

	req, err := b.Build(context.Background(), "s1", testMessages())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.LatestUserMessage != "second question" {
		t.Fatalf("expected trailing user message, got %q", req.LatestUserMessage)
	}
	if req.HistoryVersion == nil || *req.HistoryVersion != 2 {
		t.Fatalf("expected history version 2, got %v", req.HistoryVersion)
	}
	if req.RequestID == "" {
		t.Fatal("request id must be generated")
	}
	if req.Token != "tok-123" {
		t.Fatalf("unexpected token %q", req.Token)
	}
	if req.SessionID != "s1" {
		t.Fatalf("unexpected session id %q", req.SessionID)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("context must end at the trailing user message, got %d messages", len(req.Messages))
	}
	if last := req.Messages[len(req.Messages)-1]; last.MessageID != "m3" {
		t.Fatalf("optimistic placeholder must not ride along, trailing message %q", last.MessageID)
	}
}

func TestBuildFreshRequestIDPerAttempt(t *testing.T) {
	b := NewBuilder(StaticCredentials("tok"), fakeVersions{}, &fakeSkip{})

	first, err := b.Build(context.Background(), "s1", testMessages())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := b.Build(context.Background(), "s1", testMessages())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.RequestID == second.RequestID {
		t.Fatalf("request ids must differ per attempt, both %q", first.RequestID)
	}
}

func TestBuildCanonicalizesParts(t *testing.T) {
	b := NewBuilder(StaticCredentials("tok"), fakeVersions{}, &fakeSkip{})
	msgs := []domain.Message{
		{Role: domain.RoleUser, Content: domain.PartsContent([]domain.Part{
			{Type: domain.PartText, Text: "look at "},
			{Type: domain.PartToolCall, ToolCallID: "tc-1", ToolName: "search"},
			{Type: domain.PartText, Text: "this"},
		})},
	}

	req, err := b.Build(context.Background(), "s1", msgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.LatestUserMessage != "look at this" {
		t.Fatalf("parts not canonicalized, got %q", req.LatestUserMessage)
	}
}

func TestBuildRejectsEmptyUtterance(t *testing.T) {
	b := NewBuilder(StaticCredentials("tok"), fakeVersions{}, &fakeSkip{})

	cases := [][]domain.Message{
		nil,
		{{Role: domain.RoleAssistant, Content: domain.TextContent("only assistant")}},
		{{Role: domain.RoleUser, Content: domain.TextContent("   \n\t")}},
	}
	for i, msgs := range cases {
		_, err := b.Build(context.Background(), "s1", msgs)
		var verr *domain.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("case %d: expected ValidationError, got %v", i, err)
		}
		if verr.Field != "latest_user_message" {
			t.Fatalf("case %d: unexpected field %q", i, verr.Field)
		}
	}
}

func TestBuildSkipFlagOmitsVersionOnce(t *testing.T) {
	skip := &fakeSkip{set: map[string]bool{"s1": true}}
	b := NewBuilder(StaticCredentials("tok"), fakeVersions{"s1": 5}, skip)

	first, err := b.Build(context.Background(), "s1", testMessages())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.HistoryVersion != nil {
		t.Fatalf("skip flag should omit history version, got %v", *first.HistoryVersion)
	}

	second, err := b.Build(context.Background(), "s1", testMessages())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.HistoryVersion == nil || *second.HistoryVersion != 5 {
		t.Fatal("flag is one-shot; second request must carry the version")
	}
}

func TestBuildUnknownVersionOmitted(t *testing.T) {
	b := NewBuilder(StaticCredentials("tok"), fakeVersions{}, &fakeSkip{})

	req, err := b.Build(context.Background(), "never-synced", testMessages())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.HistoryVersion != nil {
		t.Fatalf("expected omitted version, got %v", *req.HistoryVersion)
	}
}
