package realtime

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// PongWait is how long a connection may stay silent before it is dropped.
	PongWait = 60 * time.Second
	// PingInterval must be shorter than PongWait.
	PingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
	maxFrameSize = 64 * 1024

	// DefaultSendBuffer bounds the messages queued per connection.
	DefaultSendBuffer = 256
)

// ConnOptions tune the per-connection keepalive and limits.
type ConnOptions struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

// DefaultConnOptions returns the keepalive and limits used when none are configured.
func DefaultConnOptions() ConnOptions {
	return ConnOptions{
		PingInterval:   PingInterval,
		PongWait:       PongWait,
		WriteWait:      writeWait,
		MaxMessageSize: maxFrameSize,
		SendBuffer:     DefaultSendBuffer,
	}
}

func (o ConnOptions) withDefaults() ConnOptions {
	d := DefaultConnOptions()
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	return o
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // overlays are embedded by third-party streaming software
	},
}

// TokenValidator resolves a bearer token to a user id.
type TokenValidator func(token string) (userID string, err error)

// Client is a single WebSocket connection.
type Client struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	hub    *Hub
	conn   *websocket.Conn
	opts   ConnOptions
	send   chan WSMessage
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger

	mu   sync.Mutex
	room string
}

// NewClient creates a connection handle. conn may be nil when the caller
// drains Messages itself.
func NewClient(hub *Hub, conn *websocket.Conn, userID string, buffer int) *Client {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	id := uuid.NewString()
	if userID == "" {
		userID = "viewer-" + id[:8]
	}
	return &Client{
		ID:          id,
		UserID:      userID,
		ConnectedAt: time.Now(),
		hub:         hub,
		conn:        conn,
		opts:        DefaultConnOptions(),
		send:        make(chan WSMessage, buffer),
		done:        make(chan struct{}),
		logger:      hub.logger,
	}
}

// Messages exposes the outbound queue.
func (c *Client) Messages() <-chan WSMessage { return c.send }

// Room returns the endpoint of the room the client is in.
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Client) setRoom(endpoint string) {
	c.mu.Lock()
	c.room = endpoint
	c.mu.Unlock()
}

// Send marshals payload and queues it for the client.
func (c *Client) Send(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("marshal outbound event", zap.String("event", event), zap.Error(err))
		return
	}
	c.enqueue(WSMessage{Event: event, Data: data})
}

// enqueue never blocks. A full buffer means a slow consumer and the message is dropped.
func (c *Client) enqueue(msg WSMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.logger.Warn("client send buffer full, dropping message",
			zap.String("client_id", c.ID), zap.String("event", msg.Event))
		return false
	}
}

// Close stops the write loop and removes the client from the hub.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.Disconnect(c)
	})
}

// ServeWs handles the WebSocket upgrade and runs the client loop. The token
// is optional; anonymous connections get a generated viewer identity.
func ServeWs(hub *Hub, logger *zap.Logger, validate TokenValidator, opts ConnOptions) gin.HandlerFunc {
	opts = opts.withDefaults()
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
				token = strings.TrimPrefix(h, "Bearer ")
			}
		}
		var userID string
		if token != "" && validate != nil {
			id, err := validate(token)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid token"})
				return
			}
			userID = id
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := NewClient(hub, conn, userID, opts.SendBuffer)
		client.opts = opts
		logger.Debug("websocket connected", zap.String("client_id", client.ID), zap.String("user_id", client.UserID))
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.Close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.Send(EventError, ErrorPayload{Message: "malformed message", Code: "VALIDATION_ERROR"})
			continue
		}
		c.hub.HandleMessage(c, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
