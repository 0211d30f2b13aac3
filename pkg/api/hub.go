package api

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vjranagit/mocap/pkg/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// Message is the envelope of every websocket message
type Message struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	ClientID  string      `json:"client_id,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Message types
const (
	MessageWelcome = "WELCOME"
	MessageOverlay = "OVERLAY"
	MessagePing    = "PING"
	MessagePong    = "PONG"
)

// Hub streams frame overlays to connected websocket clients
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*client
	count    int32
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	id   string
	send chan interface{}
}

// NewHub creates an empty hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}

// ServeHTTP upgrades the connection and registers the client
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	c := &client{
		hub:  h,
		conn: conn,
		id:   clientID,
		send: make(chan interface{}, sendBuffer),
	}

	c.send <- Message{
		Type:      MessageWelcome,
		ClientID:  clientID,
		Timestamp: time.Now().UnixMilli(),
	}

	h.mu.Lock()
	if old, ok := h.clients[clientID]; ok {
		// same client id reconnected; the old connection is closed
		close(old.send)
	} else {
		atomic.AddInt32(&h.count, 1)
	}
	h.clients[clientID] = c
	h.mu.Unlock()

	h.logger.Info("Overlay client connected", zap.String("client", clientID))

	go c.readPump()
	go c.writePump()
}

// Broadcast queues an overlay for every client. Clients whose buffer is
// full miss the frame.
func (h *Hub) Broadcast(overlay types.Overlay) {
	msg := Message{
		Type:      MessageOverlay,
		Payload:   overlay,
		Timestamp: time.Now().UnixMilli(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Debug("Overlay dropped", zap.String("client", c.id), zap.Int64("frame", overlay.Frame))
		}
	}
}

// Count returns the number of connected clients
func (h *Hub) Count() int {
	return int(atomic.LoadInt32(&h.count))
}

// unregister removes c and stops its write pump
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
		close(c.send)
		atomic.AddInt32(&h.count, -1)
		h.logger.Info("Overlay client disconnected", zap.String("client", c.id))
	}
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
	}
	atomic.StoreInt32(&h.count, 0)
}

// readPump handles client messages until the connection fails
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("Websocket error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case MessagePing:
			c.hub.mu.RLock()
			if cur, ok := c.hub.clients[c.id]; ok && cur == c {
				select {
				case c.send <- Message{Type: MessagePong, ClientID: c.id, Timestamp: time.Now().UnixMilli()}:
				default:
				}
			}
			c.hub.mu.RUnlock()
		default:
			c.hub.logger.Debug("Unknown message type", zap.String("client", c.id), zap.String("type", msg.Type))
		}
	}
}

// writePump writes queued messages and keeps the connection alive
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
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
