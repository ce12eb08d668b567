package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxWSConnections = 100

// EventsHub fans job lifecycle events out to dashboard WebSocket
// clients. Single broadcaster pattern: one loop owns the client set.
type EventsHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan wireEvent
	mu         sync.RWMutex
}

type wireEvent struct {
	Topic     string      `json:"topic"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewEventsHub creates a hub; call Run before serving connections.
func NewEventsHub() *EventsHub {
	return &EventsHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan wireEvent, 256),
	}
}

// Publish implements queue.Publisher. Best-effort: when the buffer is
// full the event is dropped rather than blocking the dispatcher.
func (h *EventsHub) Publish(topic string, payload interface{}) error {
	select {
	case h.events <- wireEvent{Topic: topic, Payload: payload, Timestamp: time.Now()}:
	default:
	}
	return nil
}

// Run starts the hub's main loop.
func (h *EventsHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("ws: connection rejected, max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[conn] = true
			h.mu.Unlock()
			log.Printf("ws: client registered, total %d", len(h.clients))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case e := <-h.events:
			h.broadcast(e)
		}
	}
}

func (h *EventsHub) broadcast(e wireEvent) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			select {
			case h.unregister <- c:
			default:
			}
		}
	}
}

func (h *EventsHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
}

// ServeStream upgrades the request and keeps the connection registered
// until the client goes away.
func (h *EventsHub) ServeStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}
	h.register <- conn

	// Drain reads so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.unregister <- conn
				return
			}
		}
	}()
}
