package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/weftlabs/weft/domain"
)

// EventHandler is called for each stream event of a turn.
type EventHandler func(ev domain.StreamEvent) error

// TurnStreamer issues a turn request and streams its events.
type TurnStreamer interface {
	StreamTurn(ctx context.Context, req *TurnRequest, handler EventHandler) error
}

// Client streams turns over HTTP/SSE.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a turn client for the given base URL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // long timeout for streaming
		},
		logger: logger,
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StreamTurn POSTs the turn and feeds each decoded stream event to the
// handler. A handler error aborts the read. EOF without a terminal
// event is not an error here; the caller's watchdog owns stalls.
func (c *Client) StreamTurn(ctx context.Context, req *TurnRequest, handler EventHandler) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal turn request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/turns", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	httpReq.Header.Set("X-Request-Id", req.RequestID)
	httpReq.Header.Set("X-Session-Id", req.SessionID)

	resp, err := c.httpClient.Do(httpReq)
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

	return c.parseSSE(resp.Body, handler)
}

// parseSSE scans the stream line by line; an empty line dispatches the
// buffered event to the handler.
func (c *Client) parseSSE(reader io.Reader, handler EventHandler) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var name, data string
	dispatch := func() error {
		if data == "" {
			name = ""
			return nil
		}
		ev, err := decodeEvent(name, data)
		name, data = "", ""
		if err != nil {
			c.logger.Debug("skipping undecodable stream event", "error", err)
			return nil
		}
		return handler(ev)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := dispatch(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, "event:") {
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			chunk := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data != "" {
				data += "\n" + chunk
			} else {
				data = chunk
			}
		}
		// Comments (lines starting with :) and other fields are ignored.
	}
	if err := dispatch(); err != nil {
		return err
	}
	return scanner.Err()
}

// decodeEvent unmarshals the data payload; the SSE event name fills a
// missing type field.
func decodeEvent(name, data string) (domain.StreamEvent, error) {
	var ev domain.StreamEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return domain.StreamEvent{}, fmt.Errorf("failed to decode stream event: %w", err)
	}
	if ev.Type == "" {
		ev.Type = domain.EventType(name)
	}
	return ev, nil
}
