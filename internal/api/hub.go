package api

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sociapp/fieldsync/internal/logging"
)

// WebSocket event types.
const (
	EventSyncStatus    = "sync.status"
	EventSyncCompleted = "sync.completed"
	EventSyncFailed    = "sync.failed"
	EventRecordQueued  = "record.queued"
	EventRecordRemoved = "record.removed"
	EventCaptureState  = "capture.state"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 64
)

// Envelope wraps all WebSocket messages.
type Envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// client is one WebSocket connection.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu            sync.Mutex
	subscriptions map[string]bool
	closed        bool
}

// trySend queues payload without blocking. It reports false when the buffer
// is full or the client is closed.
func (c *client) trySend(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// wants reports whether the client receives eventType. A client that never
// subscribed receives everything.
func (c *client) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

type message struct {
	eventType string
	payload   []byte
}

// Hub maintains active WebSocket clients and broadcasts events to them.
type Hub struct {
	clients    map[string]*client
	broadcast  chan message
	register   chan *client
	unregister chan *client
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup

	upgrader websocket.Upgrader
	now      func() time.Time
	log      *logging.Logger

	// Greeting, if set, provides the first event sent to a new client.
	Greeting func() (eventType string, data interface{})
}

// NewHub creates a Hub and starts its dispatch goroutine.
func NewHub(log *logging.Logger) *Hub {
	if log == nil {
		log = logging.Get()
	}
	h := &Hub{
		clients:    make(map[string]*client),
		broadcast:  make(chan message, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		now:        time.Now,
		log:        log,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     localOrigin,
	}
	h.wg.Add(1)
	go h.run()
	return h
}

// localOrigin accepts requests without an Origin header and those from a
// loopback host.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case c := <-h.register:
			h.clients[c.id] = c
			h.log.Debug("WebSocket client connected", map[string]interface{}{
				"client_id": c.id,
				"total":     len(h.clients),
			})

		case c := <-h.unregister:
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				c.close()
			}
			h.log.Debug("WebSocket client disconnected", map[string]interface{}{
				"client_id": c.id,
				"total":     len(h.clients),
			})

		case msg := <-h.broadcast:
			for id, c := range h.clients {
				if !c.wants(msg.eventType) {
					continue
				}
				if !c.trySend(msg.payload) {
					// slow consumer
					c.close()
					delete(h.clients, id)
				}
			}

		case <-h.done:
			for id, c := range h.clients {
				c.close()
				delete(h.clients, id)
			}
			return
		}
	}
}

// Broadcast sends an event to every interested client. It never blocks: the
// event is dropped once the hub is closed or its queue is full.
func (h *Hub) Broadcast(eventType string, data interface{}) {
	payload, err := h.envelope(eventType, data)
	if err != nil {
		h.log.Error("Failed to marshal WebSocket message", err, map[string]interface{}{"type": eventType})
		return
	}

	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.broadcast <- message{eventType: eventType, payload: payload}:
	default:
		h.log.Warn("WebSocket broadcast queue full; dropping event", map[string]interface{}{"type": eventType})
	}
}

func (h *Hub) envelope(eventType string, data interface{}) ([]byte, error) {
	return json.Marshal(Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: h.now().Unix(),
	})
}

// Close disconnects all clients and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
	h.wg.Wait()
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &client{
		id:            uuid.NewString(),
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		hub:           h,
		subscriptions: make(map[string]bool),
	}
	if h.Greeting != nil {
		eventType, data := h.Greeting()
		if payload, err := h.envelope(eventType, data); err == nil {
			c.send <- payload
		}
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump handles client actions until the connection fails.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("WebSocket read error", map[string]interface{}{"client_id": c.id, "error": err.Error()})
			}
			return
		}

		var msg struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})
		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()
		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

// reply queues a direct response. It never blocks the read loop.
func (c *client) reply(body map[string]interface{}) {
	body["timestamp"] = c.hub.now().Unix()
	payload, _ := json.Marshal(body)
	c.trySend(payload)
}

// writePump writes queued messages and keeps the connection alive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
