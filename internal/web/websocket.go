package web

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mtzanidakis/kypseli/internal/natsbus"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type message struct {
	swarmID string
	data    []byte
}

// Hub fans bus events out to websocket clients. A client connected with
// ?swarm=<id> only receives that swarm's events.
type Hub struct {
	mu        sync.RWMutex
	clients   map[*websocket.Conn]string
	broadcast chan message
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]string),
		broadcast: make(chan message, 256),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.broadcast:
			for _, conn := range h.recipients(msg.swarmID) {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					h.Unregister(conn)
					conn.Close()
				}
			}
		}
	}
}

func (h *Hub) recipients(swarmID string) []*websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn, filter := range h.clients {
		if filter == "" || filter == swarmID {
			conns = append(conns, conn)
		}
	}
	return conns
}

// Broadcast queues an event without blocking the bus callback.
func (h *Hub) Broadcast(swarmID string, data []byte) {
	select {
	case h.broadcast <- message{swarmID: swarmID, data: data}:
	default:
		slog.Warn("websocket broadcast channel full, dropping event", "swarm", swarmID)
	}
}

func (h *Hub) Register(conn *websocket.Conn, swarmID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = swarmID
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
}

func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

func swarmIDOf(subject string) string {
	return strings.TrimPrefix(subject, natsbus.TopicEventsSwarm(""))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	s.hub.Register(conn, r.URL.Query().Get("swarm"))
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	// Clients only listen; reading keeps control frames flowing.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
