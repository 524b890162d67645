package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"ccmate/internal/events"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocket timing constants.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The gateway binds to localhost only; desktop UI connects cross-origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsClient struct {
	id   string
	send chan events.Event
	hub  *WSHub
	conn *websocket.Conn
}

// WSHub relays bus events to connected WebSocket clients. One hub lives for
// the lifetime of one gateway server.
type WSHub struct {
	bus *events.Bus

	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.RWMutex
	running    bool
	stopCh     chan struct{}
}

func NewWSHub(bus *events.Bus) *WSHub {
	return &WSHub{
		bus:        bus,
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		stopCh:     make(chan struct{}),
	}
}

// Run subscribes to the bus and fans events out until Stop is called.
func (h *WSHub) Run() {
	h.mu.Lock()
	h.running = true
	h.mu.Unlock()

	evCh, cancel := h.bus.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-h.stopCh:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.running = false
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case ev := <-evCh:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- ev:
				default:
					// Client buffer full, skip this event for this client.
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *WSHub) Stop() {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if running {
		close(h.stopCh)
	}
}

func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WSHub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// HandleWebSocket upgrades the connection and starts the client pumps.
func (h *WSHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &wsClient{
		id:   uuid.New().String(),
		send: make(chan events.Event, 256),
		hub:  h,
		conn: conn,
	}

	// A stopped hub no longer drains register; don't block the handler.
	select {
	case h.register <- client:
	case <-h.stopCh:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump drains the connection so close frames and pongs are processed.
// Clients never send application messages.
func (c *wsClient) readPump() {
	defer func() {
		// After Stop the hub has already dropped every client; sending on
		// unregister would block forever.
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopCh:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(data)

			// Coalesce queued events into the same frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				queued := <-c.send
				data, err := json.Marshal(queued)
				if err != nil {
					continue
				}
				w.Write([]byte{'\n'})
				w.Write(data)
			}

			if err := w.Close(); err != nil {
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
