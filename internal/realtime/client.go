package realtime

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cruvz/streaming-analytics/internal/auth"
)

const (
	maxFrameSize = 4096

	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the scope token is the credential
	},
}

// TokenValidator turns a scope token into claims.
type TokenValidator func(token string) (*auth.Claims, error)

// ClientFrame is a control message sent by a client.
type ClientFrame struct {
	Type  string    `json:"type"`
	Scope ScopeKind `json:"scope"`
	ID    string    `json:"id,omitempty"`
}

// Client is one WebSocket connection.
type Client struct {
	ID     string
	claims *auth.Claims
	hub    *Hub
	sub    *Subscriber
	conn   *websocket.Conn
	logger *zap.Logger

	mu   sync.Mutex
	subs map[Scope]*Subscription
}

// ServeWs authenticates the scope token, upgrades the connection and runs the client until it goes away.
// The client starts subscribed to its own user scope and, when stream_id is given, to that stream.
func ServeWs(hub *Hub, validate TokenValidator, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "token required"})
			return
		}
		claims, err := validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid token"})
			return
		}
		streamID := c.Query("stream_id")
		if streamID != "" && !claims.CanViewStream(streamID) {
			c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "stream not permitted"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:     uuid.NewString(),
			claims: claims,
			hub:    hub,
			conn:   conn,
			logger: logger,
			subs:   make(map[Scope]*Subscription),
		}
		client.sub = hub.Connect(client.ID)
		client.subscribe(UserScope(claims.UserID))
		if streamID != "" {
			client.subscribe(StreamScope(streamID))
		}
		logger.Debug("dashboard client connected", zap.String("client_id", client.ID), zap.String("user_id", claims.UserID))

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) allowed(s Scope) bool {
	switch s.Kind {
	case ScopeGlobal:
		return true
	case ScopeUser:
		return c.claims.CanViewUser(s.ID)
	case ScopeStream:
		return c.claims.CanViewStream(s.ID)
	}
	return false
}

func (c *Client) subscribe(s Scope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[s]; ok {
		return
	}
	c.subs[s] = c.hub.Subscribe(c.ID, s)
}

func (c *Client) unsubscribe(s Scope) {
	c.mu.Lock()
	sub, ok := c.subs[s]
	delete(c.subs, s)
	c.mu.Unlock()
	if ok {
		sub.Cancel()
	}
}

// reply queues a message for this client only.
func (c *Client) reply(msgType string, data any) {
	if m, err := NewMessage(msgType, data); err == nil {
		c.sub.enqueue(m)
	}
}

func (c *Client) handle(f ClientFrame) {
	s := Scope{Kind: f.Scope, ID: f.ID}
	switch f.Type {
	case "subscribe":
		if !s.Valid() {
			c.reply(TypeError, gin.H{"error": "invalid scope"})
			return
		}
		if !c.allowed(s) {
			c.reply(TypeError, gin.H{"error": "scope not permitted", "scope": s})
			return
		}
		c.subscribe(s)
		c.reply(TypeSubscribed, s)
	case "unsubscribe":
		c.unsubscribe(s)
		c.reply(TypeUnsubscribed, s)
	default:
		c.reply(TypeError, gin.H{"error": "unknown frame type"})
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Disconnect(c.ID, nil)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
		var f ClientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.reply(TypeError, gin.H{"error": "invalid frame"})
			continue
		}
		c.handle(f)
	}
}

func (c *Client) write(m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(WriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) writePump() {
	go c.pingLoop()
	if err := c.hub.Pump(context.Background(), c.sub, c.write); err != nil {
		c.logger.Debug("dashboard client write loop ended", zap.String("client_id", c.ID), zap.Error(err))
	}
	_ = c.conn.Close()
}

// pingLoop uses WriteControl, which is safe alongside the write pump.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.sub.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteWait)); err != nil {
				return
			}
		}
	}
}
