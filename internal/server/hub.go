package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loykin/mcsu/internal/console"
)

// ErrTooManyClients is returned by Add when the hub is at capacity.
var ErrTooManyClients = errors.New("too many event stream clients")

const (
	clientQueue = 64
	writeWait   = 10 * time.Second
)

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func newClient(conn *websocket.Conn) *client {
	c := &client{conn: conn, send: make(chan []byte, clientQueue)}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer func() { _ = c.conn.Close() }()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

func (c *client) close() { c.once.Do(func() { close(c.send) }) }

// Hub fans console events out to websocket clients. It implements
// console.Observer; a client whose queue is full is disconnected so that
// delivery never blocks the console reader.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*client]struct{}
	maxClients int
	raw        bool
	log        *slog.Logger
}

// NewHub returns an empty hub. maxClients <= 0 means unlimited. Raw and log
// events are forwarded only when raw is true.
func NewHub(maxClients int, raw bool, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{clients: make(map[*client]struct{}), maxClients: maxClients, raw: raw, log: log}
}

// Add registers conn and starts its writer.
func (h *Hub) Add(conn *websocket.Conn) (*client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.maxClients > 0 && len(h.clients) >= h.maxClients {
		return nil, ErrTooManyClients
	}
	c := newClient(conn)
	h.clients[c] = struct{}{}
	return c, nil
}

func (h *Hub) Remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// OnEvent broadcasts e to every client.
func (h *Hub) OnEvent(e console.Event) {
	if !h.raw && (e.Kind == console.EventRaw || e.Kind == console.EventLog) {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		h.log.Warn("event encode failed", "kind", e.Kind, "error", err)
		return
	}
	h.broadcast(data)
}

func (h *Hub) broadcast(data []byte) {
	// sends happen under the read lock so Remove cannot close a queue mid-send
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("event stream client too slow, disconnecting")
		h.Remove(c)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}
