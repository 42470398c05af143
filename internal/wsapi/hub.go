// Package wsapi exposes the control surface and state notifications to
// observers over WebSocket.
//
// Every inbound text message is a control.Request; the matching
// control.Reply comes back as a "reply" frame. Broadcast notifications are
// pushed to every client as "event" frames.
package wsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sweeney/callstate/internal/broadcast"
	"github.com/sweeney/callstate/internal/control"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxMessage = 64 * 1024
	queueSize  = 64
)

// Frame types.
const (
	FrameReply = "reply"
	FrameEvent = "event"
)

// Frame is one outbound message.
type Frame struct {
	Type         string                  `json:"type"`
	Reply        *control.Reply          `json:"reply,omitempty"`
	Notification *broadcast.Notification `json:"notification,omitempty"`
}

// Handler executes observer requests.
type Handler interface {
	Handle(ctx context.Context, r control.Request) control.Reply
}

// Hub tracks connected observers. It is an http.Handler and a
// broadcast.Sink.
type Hub struct {
	handler  Handler
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// NewHub creates a Hub dispatching requests to h.
func NewHub(h Handler, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		handler: h,
		logger:  logger.Named("wsapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// Clients returns the number of connected observers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Info("observer connected", zap.String("client", c.id), zap.String("remote", r.RemoteAddr))

	go h.writePump(c)
	h.readPump(r.Context(), c)

	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.close()
	conn.Close()
	h.logger.Info("observer disconnected", zap.String("client", c.id))
}

func (h *Hub) readPump(ctx context.Context, c *client) {
	c.conn.SetReadLimit(maxMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("read failed", zap.String("client", c.id), zap.Error(err))
			}
			return
		}

		var req control.Request
		var reply control.Reply
		if err := json.Unmarshal(data, &req); err != nil {
			reply = control.Reply{Error: "malformed request: " + err.Error()}
		} else {
			h.logger.Debug("request", zap.String("client", c.id), zap.String("action", req.Action), zap.String("id", req.ID))
			reply = h.handler.Handle(ctx, req)
		}
		h.enqueue(c, Frame{Type: FrameReply, Reply: &reply})
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("write failed", zap.String("client", c.id), zap.Error(err))
				c.conn.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.conn.Close()
			return
		}
	}
}

func (h *Hub) enqueue(c *client, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("encoding frame", zap.Error(err))
		return
	}
	h.push(c, data)
}

// push never blocks; a client that cannot keep up loses frames.
func (h *Hub) push(c *client, data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		h.logger.Warn("observer queue full, dropping frame", zap.String("client", c.id))
	}
}

// Notify sends n to every connected observer.
func (h *Hub) Notify(_ context.Context, n broadcast.Notification) error {
	data, err := json.Marshal(Frame{Type: FrameEvent, Notification: &n})
	if err != nil {
		return err
	}

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.push(c, data)
	}
	return nil
}

// Close disconnects every observer.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.close()
	}
}
