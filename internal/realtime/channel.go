package realtime

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cinematch/backend/pkg/response"
)

const (
	// PingInterval and PongWait are used for heartbeat (seconds).
	PingInterval = 30
	PongWait     = 60

	writeWait  = 10 * time.Second
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Conn is the write surface of one push connection. *websocket.Conn satisfies
// it; tests substitute fakes so the registry can be exercised without sockets.
type Conn interface {
	WriteJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Channel is a single live push stream for one connected client. A channel
// that fails a write once is flipped inactive and never written again; the
// next broadcast pass or heartbeat tick evicts it from the registry.
type Channel struct {
	ID           string
	SessionCode  string
	UserID       uuid.UUID
	ConnectedAt  time.Time
	lastActivity atomic.Int64

	hub    *Hub
	conn   Conn
	send   chan WSMessage
	active atomic.Bool
	logger *zap.Logger
}

func newChannel(hub *Hub, conn Conn, code string, userID uuid.UUID, logger *zap.Logger) *Channel {
	c := &Channel{
		ID:          uuid.New().String(),
		SessionCode: code,
		UserID:      userID,
		ConnectedAt: time.Now(),
		hub:         hub,
		conn:        conn,
		send:        make(chan WSMessage, sendBuffer),
		logger:      logger,
	}
	c.active.Store(true)
	c.touch()
	return c
}

// Active reports whether the channel may still be written to.
func (c *Channel) Active() bool {
	return c.active.Load()
}

func (c *Channel) markInactive() {
	c.active.Store(false)
}

func (c *Channel) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the last successful read or write.
func (c *Channel) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// enqueue hands a message to the write pump. A full buffer or an inactive
// channel counts as a delivery failure: the channel is flipped inactive so the
// caller can collect it for eviction. Delivery is at-most-once, best-effort.
func (c *Channel) enqueue(msg WSMessage) bool {
	if !c.active.Load() {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.markInactive()
		return false
	}
}

// ServeWs handles the WebSocket upgrade and runs the channel pumps.
// The guest token is passed in the query since browsers cannot set headers on
// websocket requests.
func ServeWs(hub *Hub, logger *zap.Logger, validate func(token string) (userID uuid.UUID, code string, err error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		code := c.Query("code")
		token := c.Query("token")
		if code == "" || token == "" {
			response.BadRequest(c, "code and token required")
			return
		}
		userID, tokenCode, err := validate(token)
		if err != nil || tokenCode != code {
			response.Unauthorized(c, "invalid token")
			return
		}
		if !hub.sessionExists(c.Request.Context(), code) {
			response.NotFound(c, "session not found")
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		ch := newChannel(hub, conn, code, userID, logger)
		hub.Register(ch)
		go ch.writePump()
		ch.readPump()
	}
}

// readPump consumes the connection until it drops. Clients don't send
// application messages on the push stream; the read loop exists for pong
// handling and disconnect detection.
func (c *Channel) readPump() {
	defer func() {
		c.markInactive()
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		c.touch()
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	}
}

// writePump serializes all writes to the connection, so per-channel event
// ordering is preserved. The heartbeat ticker doubles as the eviction check:
// an inactive or unregistered channel stops its own timer.
func (c *Channel) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		c.markInactive()
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.markInactive()
				return
			}
			c.touch()
		case <-ticker.C:
			if !c.Active() || !c.hub.contains(c) {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.markInactive()
				return
			}
		}
	}
}
