package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/akmatori/escalator/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsSendBuffer = 64
)

// eventClient is one dashboard connection
type eventClient struct {
	conn    *websocket.Conn
	send    chan []byte
	alertID string
}

// EventStreamHandler streams domain events to websocket clients
type EventStreamHandler struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[*eventClient]struct{}
}

// NewEventStreamHandler creates a handler and subscribes it to bus
func NewEventStreamHandler(bus *events.Bus, allowedOrigins []string) *EventStreamHandler {
	h := &EventStreamHandler{
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(allowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*eventClient]struct{}),
	}
	bus.Subscribe(h.broadcast)
	return h
}

// originChecker allows every origin when none are configured
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin] || set["*"]
	}
}

// SetupRoutes configures WebSocket routes
func (h *EventStreamHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/events", h.HandleWebSocket)
}

// ClientCount returns the number of connected clients
func (h *EventStreamHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the connection and streams events until the
// client goes away. ?alert_id= limits the stream to one alert.
func (h *EventStreamHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("EventStream: failed to upgrade WebSocket: %v", err)
		return
	}

	c := &eventClient{
		conn:    conn,
		send:    make(chan []byte, wsSendBuffer),
		alertID: r.URL.Query().Get("alert_id"),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	log.Printf("EventStream: client connected from %s", r.RemoteAddr)

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop discards client messages and detects disconnects
func (h *EventStreamHandler) readLoop(c *eventClient) {
	defer h.remove(c)

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("EventStream: read error: %v", err)
			}
			return
		}
	}
}

func (h *EventStreamHandler) writeLoop(c *eventClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// remove unregisters c and closes its send channel exactly once
func (h *EventStreamHandler) remove(c *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	log.Printf("EventStream: client disconnected")
}

// broadcast runs on the bus goroutine, so it never blocks: a client whose
// buffer is full is dropped.
func (h *EventStreamHandler) broadcast(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("EventStream: failed to encode %s event: %v", e.Kind, err)
		return
	}

	var slow []*eventClient
	h.mu.RLock()
	for c := range h.clients {
		if c.alertID != "" && c.alertID != e.AlertID {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		log.Printf("EventStream: dropping slow client")
		h.remove(c)
	}
}

// Close disconnects every client
func (h *EventStreamHandler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
