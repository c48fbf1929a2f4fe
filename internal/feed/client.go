package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weftlabs/weft/domain"
)

// Connection tuning
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// Handler receives the feed's pushes. Calls arrive on the client's read
// goroutine; implementations hand off to their own loop.
type Handler interface {
	OnSessions(sessions []domain.Session)
	OnTranscript(sessionID string, messages []domain.Message)
	OnFeedError(code, message string)
}

// Client maintains one feed connection, redialing with capped doubling
// backoff when it drops.
type Client struct {
	url     string
	token   string
	handler Handler
	logger  *slog.Logger

	// OnStateChange, when set before Run, observes connectivity: true
	// after each completed handshake, false when that connection drops.
	OnStateChange func(connected bool)

	baseDelay time.Duration
	maxDelay  time.Duration

	mu      sync.Mutex
	send    chan any
	pending map[string]bool // sync requests queued while disconnected
}

// NewClient creates a feed client for the given websocket URL.
func NewClient(url, token string, handler Handler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:       url,
		token:     token,
		handler:   handler,
		logger:    logger,
		baseDelay: reconnectBase,
		maxDelay:  reconnectMax,
		pending:   make(map[string]bool),
	}
}

// Run dials and serves the feed until ctx is cancelled. Each successful
// handshake resets the reconnect backoff.
func (c *Client) Run(ctx context.Context) {
	delay := c.baseDelay
	for {
		established, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Warn("feed connection lost", "error", err, "retry_in", delay)
		}
		if established {
			delay = c.baseDelay
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay *= 2
		if delay > c.maxDelay {
			delay = c.maxDelay
		}
	}
}

// RequestSync asks the server for a session's transcript. Requests made
// while disconnected are flushed after the next handshake.
func (c *Client) RequestSync(sessionID string) {
	if sessionID == "" {
		return
	}
	msg := SyncMessage{
		BaseMessage: BaseMessage{Type: TypeSync, Ts: time.Now().UnixMilli()},
		SessionID:   sessionID,
	}
	c.mu.Lock()
	ch := c.send
	if ch == nil {
		c.pending[sessionID] = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	select {
	case ch <- msg:
	default:
		c.mu.Lock()
		c.pending[sessionID] = true
		c.mu.Unlock()
	}
}

// runOnce serves one connection lifetime. It reports whether the
// handshake completed.
func (c *Client) runOnce(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to dial feed: %w", err)
	}
	defer conn.Close()

	established := false

	// send stays open for the connection's lifetime; RequestSync may
	// hold a reference concurrently, so teardown signals connDone
	// instead of closing the channel.
	send := make(chan any, 16)
	connDone := make(chan struct{})
	writeDone := make(chan struct{})
	go c.writePump(ctx, conn, send, connDone, writeDone)
	defer func() {
		c.mu.Lock()
		c.send = nil
		c.mu.Unlock()
		close(connDone)
		<-writeDone
		if established && c.OnStateChange != nil {
			c.OnStateChange(false)
		}
	}()

	hello := HelloMessage{
		BaseMessage: BaseMessage{Type: TypeHello, Ts: time.Now().UnixMilli()},
		Token:       c.token,
	}
	send <- hello

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return established, fmt.Errorf("feed read failed: %w", err)
			}
			return established, err
		}

		var base BaseMessage
		if err := json.Unmarshal(data, &base); err != nil {
			c.logger.Debug("skipping invalid feed frame", "error", err)
			continue
		}

		switch base.Type {
		case TypeHelloAck:
			var msg HelloAckMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.logger.Debug("invalid hello_ack frame", "error", err)
				continue
			}
			established = true
			c.logger.Debug("feed handshake complete", "client_id", msg.ClientID)
			c.attach(send)
			if c.OnStateChange != nil {
				c.OnStateChange(true)
			}
		case TypeSessions:
			var msg SessionsMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.logger.Debug("invalid sessions frame", "error", err)
				continue
			}
			c.handler.OnSessions(msg.Sessions)
		case TypeTranscript:
			var msg TranscriptMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.logger.Debug("invalid transcript frame", "error", err)
				continue
			}
			c.handler.OnTranscript(msg.SessionID, msg.Messages)
		case TypeError:
			var msg ErrorMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.logger.Debug("invalid error frame", "error", err)
				continue
			}
			c.handler.OnFeedError(msg.Code, msg.Message)
		default:
			c.logger.Debug("unknown feed frame", "type", base.Type)
		}
	}
}

// attach publishes the live send channel and flushes syncs queued while
// disconnected.
func (c *Client) attach(send chan any) {
	c.mu.Lock()
	c.send = send
	queued := make([]string, 0, len(c.pending))
	for id := range c.pending {
		queued = append(queued, id)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, id := range queued {
		msg := SyncMessage{
			BaseMessage: BaseMessage{Type: TypeSync, Ts: time.Now().UnixMilli()},
			SessionID:   id,
		}
		select {
		case send <- msg:
		default:
			c.logger.Debug("dropping queued sync, send buffer full", "session_id", id)
		}
	}
}

// writePump owns all writes on the connection: outbound frames and the
// keepalive pings.
func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, send <-chan any, connDone <-chan struct{}, done chan<- struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		close(done)
	}()

	for {
		select {
		case msg := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				c.logger.Debug("feed write failed", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-connDone:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ctx.Done():
			return
		}
	}
}
