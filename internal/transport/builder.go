// Package transport assembles turn requests and streams turn events
// over HTTP/SSE.
package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/domain"
)

// CredentialSource supplies the bearer token for outgoing requests.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// VersionSource reports the authoritative message count of a session,
// if known. The hydration reconciler implements it.
type VersionSource interface {
	HistoryVersion(sessionID string) (int, bool)
}

// SkipVersion is a one-shot per-session flag that suppresses the
// history version of exactly one request. The conflict coordinator
// implements it.
type SkipVersion interface {
	ConsumeSkipVersion(sessionID string) bool
}

// TurnRequest is the assembled outgoing turn.
type TurnRequest struct {
	SessionID         string           `json:"session_id"`
	RequestID         string           `json:"request_id"`
	LatestUserMessage string           `json:"latest_user_message"`
	HistoryVersion    *int             `json:"history_version,omitempty"`
	Messages          []domain.Message `json:"messages"`

	Token string `json:"-"`
}

// StaticCredentials is a CredentialSource for a fixed token.
type StaticCredentials string

func (s StaticCredentials) Token(context.Context) (string, error) {
	return string(s), nil
}

// Builder assembles turn requests from session state.
type Builder struct {
	creds    CredentialSource
	versions VersionSource
	skip     SkipVersion

	newID func() string
}

// NewBuilder wires the builder's collaborators.
func NewBuilder(creds CredentialSource, versions VersionSource, skip SkipVersion) *Builder {
	return &Builder{
		creds:    creds,
		versions: versions,
		skip:     skip,
		newID:    uuid.NewString,
	}
}

// Build assembles one turn request. The latest user utterance is the
// canonicalized text of the trailing user message; a missing or empty
// utterance fails validation and nothing is sent. The wire context ends
// at that user message, so the optimistic placeholder for the reply
// never rides along. The history version is omitted when the session's
// skip flag is consumed or no authoritative count is known.
func (b *Builder) Build(ctx context.Context, sessionID string, messages []domain.Message) (*TurnRequest, error) {
	last := lastUserIndex(messages)
	if last < 0 {
		return nil, &domain.ValidationError{Field: "latest_user_message", Reason: "missing or empty"}
	}
	utterance := messages[last].Content.PlainText()
	if strings.TrimSpace(utterance) == "" {
		return nil, &domain.ValidationError{Field: "latest_user_message", Reason: "missing or empty"}
	}

	token, err := b.creds.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credentials: %w", err)
	}

	req := &TurnRequest{
		SessionID:         sessionID,
		RequestID:         b.newID(),
		LatestUserMessage: utterance,
		Messages:          messages[:last+1],
		Token:             token,
	}

	if b.skip != nil && b.skip.ConsumeSkipVersion(sessionID) {
		return req, nil
	}
	if b.versions != nil {
		if v, ok := b.versions.HistoryVersion(sessionID); ok {
			req.HistoryVersion = &v
		}
	}
	return req, nil
}

// lastUserIndex walks the transcript backwards for the last user
// message.
func lastUserIndex(messages []domain.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == domain.RoleUser {
			return i
		}
	}
	return -1
}
