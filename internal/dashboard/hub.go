// internal/dashboard/hub.go
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/deltaquant/perpbot/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans event-bus traffic out to connected websocket clients. A slow
// or dead client is dropped, never waited on.
type Hub struct {
	mu        sync.Mutex
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	logger    *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, 256),
		logger:    logger.Named("ws_hub"),
	}
}

// Run pumps broadcast messages to clients until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Attach subscribes the hub to the trade and cycle events it streams.
func (h *Hub) Attach(bus *events.Bus) {
	forward := func(_ context.Context, e events.Event) error {
		h.publish(e)
		return nil
	}
	bus.SubscribeFunc(events.PositionOpened, forward)
	bus.SubscribeFunc(events.PositionClosed, forward)
	bus.SubscribeFunc(events.CycleCompleted, forward)
	bus.SubscribeFunc(events.CycleFailed, forward)
	bus.SubscribeFunc(events.AccountUpdated, forward)
}

type wsEnvelope struct {
	Type    events.EventType `json:"type"`
	Payload events.Event     `json:"payload"`
}

func (h *Hub) publish(e events.Event) {
	data, err := json.Marshal(wsEnvelope{Type: e.Type(), Payload: e})
	if err != nil {
		h.logger.Warn("Failed to encode event", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Debug("Broadcast buffer full, dropping event",
			zap.String("event_type", string(e.Type())))
	}
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	go h.readPump(conn)
}

// readPump discards inbound frames so control messages are processed and
// unregisters the client as soon as the connection drops.
func (h *Hub) readPump(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.drop(conn)
			return
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		conn.Close()
		delete(h.clients, conn)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
}
