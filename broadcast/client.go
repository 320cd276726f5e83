package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/logger"
)

// WebSocket timeouts, as in gorilla's chat example
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	sendBuffer = 64
)

// Client frame actions
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)

// Frame is a message sent by a client
type Frame struct {
	Action string `json:"action"`
	Room   string `json:"room,omitempty"`
}

// Client is one websocket connection
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	logger *zap.SugaredLogger

	send      chan Message
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient wraps an upgraded connection
func NewClient(hub *Hub, conn *websocket.Conn, log *zap.SugaredLogger) *Client {
	id := uuid.NewString()
	if log == nil {
		log = logger.ComponentLogger("broadcast")
	}
	return &Client{
		id:     id,
		hub:    hub,
		conn:   conn,
		logger: log.With(logger.FieldClientID, id),
		send:   make(chan Message, sendBuffer),
		done:   make(chan struct{}),
	}
}

// ID returns the client id
func (c *Client) ID() string { return c.id }

// Deliver queues msg for the write pump
func (c *Client) Deliver(msg Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Close stops the pumps. The send channel is never closed, so a concurrent
// Deliver cannot panic.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Serve registers the client and runs its pumps until the connection or ctx
// ends
func (c *Client) Serve(ctx context.Context) error {
	if err := c.hub.Register(c); err != nil {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server busy"),
			time.Now().Add(writeWait))
		c.conn.Close()
		return err
	}
	defer c.hub.Unregister(c)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(ctx)
	}()

	c.readPump()
	c.Close()
	wg.Wait()
	return nil
}

// readPump handles frames from the connection
func (c *Client) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warnw("WebSocket read error", logger.FieldError, err.Error())
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.reply(Message{Type: TypeError, Data: "invalid frame: expected JSON object"})
			continue
		}
		c.handle(frame)
	}
}

func (c *Client) handle(frame Frame) {
	switch strings.ToLower(frame.Action) {
	case ActionSubscribe:
		if err := c.hub.Subscribe(c, frame.Room); err != nil {
			c.reply(Message{Type: TypeError, Room: frame.Room, Data: err.Error()})
			return
		}
		c.logger.Debugw("Subscribed", logger.FieldRoom, frame.Room)
		c.reply(Message{Type: TypeSubscribed, Room: frame.Room})

	case ActionUnsubscribe:
		c.hub.Unsubscribe(c, frame.Room)
		c.reply(Message{Type: TypeUnsubscribed, Room: frame.Room})

	case ActionPing:
		c.reply(Message{Type: TypePong})

	default:
		c.reply(Message{Type: TypeError, Data: "unknown action " + frame.Action})
	}
}

func (c *Client) reply(msg Message) {
	msg.Timestamp = time.Now().Unix()
	if !c.Deliver(msg) {
		c.logger.Debugw("Reply dropped", "type", msg.Type)
	}
}

// writePump writes queued messages and keeps the connection alive with pings
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Debugw("Message write error", logger.FieldError, err.Error())
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// OriginChecker matches the Origin header against allowed prefixes. Requests
// without an Origin (non-browser clients) are allowed.
func OriginChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, prefix := range allowed {
			if prefix == "*" || strings.HasPrefix(origin, prefix) {
				return true
			}
		}
		return false
	}
}

// Handler upgrades requests to websocket clients of hub
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger
	ctx      context.Context
}

// NewHandler creates the /ws handler. Clients are disconnected when ctx ends.
func NewHandler(ctx context.Context, hub *Hub, allowedOrigins []string, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = logger.ComponentLogger("broadcast")
	}
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 2048,
			CheckOrigin:     OriginChecker(allowedOrigins),
		},
		logger: log,
		ctx:    ctx,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.logger.Debugw("WebSocket upgrade failed", logger.FieldError, err.Error())
		return
	}
	client := NewClient(h.hub, conn, h.logger)
	if err := client.Serve(h.ctx); err != nil && !errors.Is(err, ErrTooManyClients) {
		h.logger.Warnw("WebSocket client ended with error", logger.FieldError, err.Error())
	}
}
