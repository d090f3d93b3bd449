// Package bus fans live dispatch state out to passively-subscribed display
// clients over WebSocket. It is a display-refresh convenience channel, not
// a system of record: delivery is fire-and-forget and the persisted record
// always comes from storage, never from here.
package bus

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/emsdesk/livecall/pkg/logger"
)

// Import logger functions
var (
	String = logger.String
	Int    = logger.Int
	Error  = logger.Error
)

// Hub is the shared broadcast channel. Display clients connect, announce
// readiness with DNP_READY, and receive every published envelope. A client
// whose send queue fills up is dropped rather than blocking the others.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan Envelope
	upgrader   websocket.Upgrader
	logger     *logger.Logger
	sendBuffer int
	done       chan struct{}

	mu sync.RWMutex

	// Last published call list, kept so a DNP_READY announce can be
	// answered with a full snapshot. Replies are never deduplicated: N
	// announces yield N identical snapshots.
	snapshotMu   sync.RWMutex
	lastSnapshot *Envelope
}

// NewHub creates a display hub.
func NewHub(sendBuffer int, log *logger.Logger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Envelope, 64),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:     log.Named("display-hub"),
		sendBuffer: sendBuffer,
		done:       make(chan struct{}),
	}
}

// Run processes registrations and broadcasts until Stop is called.
func (h *Hub) Run() {
	h.logger.Info("Starting display hub")

	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				client.shutdown()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Display client registered", Int("client_count", count))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.shutdown()
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Display client unregistered", Int("client_count", count))

		case env := <-h.broadcast:
			h.deliver(env)
		}
	}
}

// Stop shuts the hub down and disconnects all clients.
func (h *Hub) Stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// Publish sends an envelope to every connected display. UPDATE_CALLS
// envelopes are additionally retained as the snapshot for ready replies.
func (h *Hub) Publish(env Envelope) {
	if env.Type == TypeCallsSnapshot {
		h.snapshotMu.Lock()
		snapshot := env
		h.lastSnapshot = &snapshot
		h.snapshotMu.Unlock()
	}

	select {
	case h.broadcast <- env:
	case <-h.done:
	}
}

// ClientCount returns the number of connected display clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) deliver(env Envelope) {
	h.mu.RLock()
	var stale []*Client
	for client := range h.clients {
		if !client.enqueue(env) {
			stale = append(stale, client)
		}
	}
	h.mu.RUnlock()

	if len(stale) > 0 {
		h.mu.Lock()
		for _, client := range stale {
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.shutdown()
			}
		}
		h.mu.Unlock()
		h.logger.Warn("Dropped slow display clients", Int("count", len(stale)))
	}
}

// HandleConnection upgrades an HTTP request into a display client.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade display connection",
			Error(err),
			String("remote_addr", r.RemoteAddr))
		return
	}

	h.logger.Debug("Display connected", String("remote_addr", r.RemoteAddr))

	client := &Client{
		conn: conn,
		send: make(chan Envelope, h.sendBuffer),
		hub:  h,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.readPump()
	go client.writePump()
}

// handleReady answers a readiness announce with the current call-list
// snapshot, if one is held. Every announce gets a fresh full reply.
func (h *Hub) handleReady(client *Client) {
	h.snapshotMu.RLock()
	snapshot := h.lastSnapshot
	h.snapshotMu.RUnlock()

	if snapshot == nil || len(snapshot.Calls) == 0 || string(snapshot.Calls) == "[]" {
		return
	}
	client.enqueue(*snapshot)
}

// Client is one connected display window.
type Client struct {
	conn *websocket.Conn
	send chan Envelope
	hub  *Hub

	mu     sync.Mutex
	closed bool
}

// enqueue offers an envelope to the client without blocking. Returns false
// if the client is closed or its queue is full.
func (c *Client) enqueue(env Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// shutdown marks the client closed and releases its resources. Called only
// from the hub loop.
func (c *Client) shutdown() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
	c.conn.Close()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.hub.logger.Error("Display read error", Error(err))
			}
			return
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.logger.Error("Failed to parse display message", Error(err))
			continue
		}

		switch msg.Type {
		case TypeReady:
			c.hub.handleReady(c)
		default:
			// Displays are passive; anything else is ignored.
			c.hub.logger.Debug("Ignoring display message", String("type", msg.Type))
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for env := range c.send {
		data, err := json.Marshal(env)
		if err != nil {
			c.hub.logger.Error("Failed to marshal envelope", Error(err))
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
