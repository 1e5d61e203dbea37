package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c0deZ3R0/go-statesync/transport/wschannel"
)

// sendBuffer is the number of frames queued per client before the client
// is dropped. A dropped client reconnects and resynchronizes.
const sendBuffer = 32

// Hub keeps the websocket connections of every client and broadcasts
// invalidation frames to them.
type Hub struct {
	upgrader       websocket.Upgrader
	writeTimeout   time.Duration
	maxMessageSize int64
	onMessage      func(clientID string, data []byte)
	logger         *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once

	mu sync.Mutex
	id string
}

func (c *client) clientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func newHub(o *Options, logger *slog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the anti-forgery header guards writes; the socket only carries
			// signals and application frames
			CheckOrigin: func(*http.Request) bool { return true },
		},
		writeTimeout:   o.WriteTimeout,
		maxMessageSize: o.MaxMessageSize,
		onMessage:      o.OnMessage,
		logger:         logger.With(slog.String("component", "server/hub")),
		clients:        make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("client connected", slog.String("remote", r.RemoteAddr), slog.Int("clients", n))

	go h.writePump(c)
	h.readPump(c)
}

// readPump reads the announcement and then forwards application frames.
func (h *Hub) readPump(c *client) {
	defer h.drop(c)
	if h.maxMessageSize > 0 {
		c.conn.SetReadLimit(h.maxMessageSize)
	}
	announced := false
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("client read failed", slog.String("client_id", c.clientID()), slog.String("error", err.Error()))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if !announced {
			var a wschannel.Announcement
			if err := json.Unmarshal(data, &a); err == nil && a.Type == wschannel.AnnouncementType {
				announced = true
				c.mu.Lock()
				c.id = a.ClientID
				c.mu.Unlock()
				h.logger.Info("client announced", slog.String("client_id", a.ClientID))
				continue
			}
			h.logger.Warn("frame before announcement")
		}
		if h.onMessage != nil {
			h.onMessage(c.clientID(), data)
		}
	}
}

func (h *Hub) writePump(c *client) {
	for data := range c.send {
		if h.writeTimeout > 0 {
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("client write failed", slog.String("client_id", c.clientID()), slog.String("error", err.Error()))
			c.conn.Close()
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.conn.Close()
}

// drop unregisters c and stops its writer.
func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.once.Do(func() { close(c.send) })
	}
}

// Broadcast sends {"target": target} to every connected client.
func (h *Hub) Broadcast(target string) {
	data, _ := json.Marshal(map[string]string{"target": target})

	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	n := len(h.clients)
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow client", slog.String("client_id", c.clientID()))
		h.drop(c)
	}
	h.logger.Debug("broadcast", slog.String("target", target), slog.Int("clients", n))
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DisconnectAll closes every connection. Clients are expected to reconnect.
func (h *Hub) DisconnectAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.drop(c)
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.DisconnectAll()
}
