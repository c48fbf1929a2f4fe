package sim

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/weftlabs/weft/internal/feed"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = 30 * time.Second
)

// feedConn is one connected feed client.
type feedConn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	authed bool
}

func (c *feedConn) setAuthed() {
	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
}

func (c *feedConn) isAuthed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

// Hub fans authoritative state out to every authenticated feed client.
type Hub struct {
	store  *Store
	token  string
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*feedConn
}

// NewHub creates a hub over the backend store.
func NewHub(store *Store, token string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		store:  store,
		token:  token,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*feedConn),
	}
}

// HandleFeed upgrades the connection and serves the feed protocol.
func (h *Hub) HandleFeed(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return err
	}

	conn := &feedConn{
		id:   "fc_" + uuid.New().String()[:8],
		ws:   ws,
		send: make(chan []byte, 256),
	}
	h.register(conn)

	go h.writePump(conn)
	h.readPump(conn)
	return nil
}

func (h *Hub) register(conn *feedConn) {
	h.mu.Lock()
	h.conns[conn.id] = conn
	h.mu.Unlock()
	h.logger.Debug("feed client connected", "conn_id", conn.id)
}

func (h *Hub) unregister(conn *feedConn) {
	h.mu.Lock()
	if _, ok := h.conns[conn.id]; ok {
		delete(h.conns, conn.id)
		close(conn.send)
	}
	h.mu.Unlock()
	h.logger.Debug("feed client disconnected", "conn_id", conn.id)
}

func (h *Hub) readPump(conn *feedConn) {
	defer func() {
		h.unregister(conn)
		conn.ws.Close()
	}()

	conn.ws.SetReadLimit(1 << 20)
	conn.ws.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(feedPongWait))
		return nil
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("feed read failed", "conn_id", conn.id, "error", err)
			}
			return
		}
		h.handleFrame(conn, data)
	}
}

func (h *Hub) writePump(conn *feedConn) {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		conn.ws.Close()
	}()

	for {
		select {
		case data, ok := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				conn.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) handleFrame(conn *feedConn, data []byte) {
	var base feed.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		h.sendError(conn, feed.ErrorCodeInvalidMessage, "invalid JSON frame")
		return
	}

	switch base.Type {
	case feed.TypeHello:
		h.handleHello(conn, data)
	case feed.TypeSync:
		h.handleSync(conn, data)
	default:
		h.sendError(conn, feed.ErrorCodeInvalidMessage, "unknown frame type: "+base.Type)
	}
}

func (h *Hub) handleHello(conn *feedConn, data []byte) {
	var msg feed.HelloMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.sendError(conn, feed.ErrorCodeInvalidMessage, "invalid hello frame")
		return
	}
	if h.token != "" && msg.Token != h.token {
		h.sendError(conn, feed.ErrorCodeUnauthorized, "invalid token")
		return
	}
	conn.setAuthed()

	h.sendJSON(conn, feed.HelloAckMessage{
		BaseMessage: feed.BaseMessage{Type: feed.TypeHelloAck, Ts: time.Now().UnixMilli()},
		ClientID:    conn.id,
	})

	// Fresh connections get the session list straight away.
	sessions, err := h.store.Sessions(context.Background())
	if err != nil {
		h.logger.Warn("failed to load sessions for hello", "error", err)
		return
	}
	h.sendJSON(conn, feed.SessionsMessage{
		BaseMessage: feed.BaseMessage{Type: feed.TypeSessions, Ts: time.Now().UnixMilli()},
		Sessions:    sessions,
	})
}

func (h *Hub) handleSync(conn *feedConn, data []byte) {
	if !conn.isAuthed() {
		h.sendError(conn, feed.ErrorCodeUnauthorized, "must send hello first")
		return
	}
	var msg feed.SyncMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.sendError(conn, feed.ErrorCodeInvalidMessage, "invalid sync frame")
		return
	}
	if msg.SessionID == "" {
		h.sendError(conn, feed.ErrorCodeInvalidMessage, "session_id is required")
		return
	}

	ctx := context.Background()
	exists, err := h.store.SessionExists(ctx, msg.SessionID)
	if err != nil {
		h.logger.Warn("failed to check session", "session_id", msg.SessionID, "error", err)
		return
	}
	if !exists {
		h.sendError(conn, feed.ErrorCodeUnknownSession, "no such session: "+msg.SessionID)
		return
	}

	msgs, err := h.store.Messages(ctx, msg.SessionID)
	if err != nil {
		h.logger.Warn("failed to load transcript", "session_id", msg.SessionID, "error", err)
		return
	}
	h.sendJSON(conn, feed.TranscriptMessage{
		BaseMessage: feed.BaseMessage{Type: feed.TypeTranscript, Ts: time.Now().UnixMilli()},
		SessionID:   msg.SessionID,
		Messages:    msgs,
	})
}

// BroadcastSessions pushes the current session list to every
// authenticated client.
func (h *Hub) BroadcastSessions(ctx context.Context) {
	sessions, err := h.store.Sessions(ctx)
	if err != nil {
		h.logger.Warn("failed to load sessions for broadcast", "error", err)
		return
	}
	h.broadcast(feed.SessionsMessage{
		BaseMessage: feed.BaseMessage{Type: feed.TypeSessions, Ts: time.Now().UnixMilli()},
		Sessions:    sessions,
	})
}

// BroadcastTranscript pushes one session's transcript to every
// authenticated client.
func (h *Hub) BroadcastTranscript(ctx context.Context, sessionID string) {
	msgs, err := h.store.Messages(ctx, sessionID)
	if err != nil {
		h.logger.Warn("failed to load transcript for broadcast", "session_id", sessionID, "error", err)
		return
	}
	h.broadcast(feed.TranscriptMessage{
		BaseMessage: feed.BaseMessage{Type: feed.TypeTranscript, Ts: time.Now().UnixMilli()},
		SessionID:   sessionID,
		Messages:    msgs,
	})
}

func (h *Hub) broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("failed to marshal feed frame", "error", err)
		return
	}
	h.mu.RLock()
	for _, conn := range h.conns {
		if !conn.isAuthed() {
			continue
		}
		select {
		case conn.send <- data:
		default:
			h.logger.Warn("feed client send buffer full, dropping frame", "conn_id", conn.id)
		}
	}
	h.mu.RUnlock()
}

func (h *Hub) sendJSON(conn *feedConn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("failed to marshal feed frame", "error", err)
		return
	}
	select {
	case conn.send <- data:
	default:
		h.logger.Warn("feed client send buffer full, dropping frame", "conn_id", conn.id)
	}
}

func (h *Hub) sendError(conn *feedConn, code, message string) {
	h.sendJSON(conn, feed.ErrorMessage{
		BaseMessage: feed.BaseMessage{Type: feed.TypeError, Ts: time.Now().UnixMilli()},
		Code:        code,
		Message:     message,
	})
}
