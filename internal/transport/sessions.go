package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/weftlabs/weft/domain"
)

// CreateSession announces a locally minted session to the backend.
func (c *Client) CreateSession(ctx context.Context, token string, sess domain.Session) error {
	payload := map[string]any{
		"session_id": sess.SessionID,
		"title":      sess.Title,
		"is_default": sess.IsDefault,
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/sessions", token, payload, nil)
}

// DeleteSession removes a session and its transcript from the backend.
func (c *Client) DeleteSession(ctx context.Context, token, sessionID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/sessions/"+sessionID, token, nil, nil)
}

// ListSessions fetches the authoritative session list.
func (c *Client) ListSessions(ctx context.Context, token string) ([]domain.Session, error) {
	var out struct {
		Sessions []domain.Session `json:"sessions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sessions", token, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// FetchTranscript fetches a session's authoritative transcript.
func (c *Client) FetchTranscript(ctx context.Context, token, sessionID string) ([]domain.Message, error) {
	var out struct {
		Messages []domain.Message `json:"messages"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sessions/"+sessionID+"/messages", token, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// doJSON performs one JSON round trip; non-2xx responses become
// TransportErrors carrying the backend's code and message.
func (c *Client) doJSON(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domain.TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		var eb errorBody
		if jsonErr := json.Unmarshal(raw, &eb); jsonErr == nil && (eb.Code != "" || eb.Message != "") {
			return &domain.TransportError{Status: resp.StatusCode, Code: eb.Code, Msg: eb.Message}
		}
		return &domain.TransportError{Status: resp.StatusCode, Msg: string(raw)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
