package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// WSHub fans tracker events out to connected WebSocket clients.
type WSHub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
	logger  *slog.Logger
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients: make(map[*wsClient]struct{}),
		logger:  logger,
	}
}

// Broadcast sends a message to all connected clients. A client whose
// send buffer is full is evicted rather than blocking the rest.
func (h *WSHub) Broadcast(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("ws marshal", "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			delete(h.clients, client)
			close(client.send)
			h.logger.Warn("ws client evicted (too slow)")
		}
	}
}

// Stop closes all clients and rejects new ones. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// add registers a client. Returns false when the hub is shut down.
func (h *WSHub) add(client *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[client] = struct{}{}
	h.logger.Debug("ws client connected", "total", len(h.clients))
	return true
}

// remove unregisters a client. Reports whether this call removed it,
// the hub may already have evicted it and closed its channel.
func (h *WSHub) remove(client *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return false
	}
	delete(h.clients, client)
	close(client.send)
	h.logger.Debug("ws client disconnected", "total", len(h.clients))
	return true
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// If no allowedOrigins configured, nhooyr defaults to same-origin check.

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}

	conn.SetReadLimit(4096)

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}
	if !s.wsHub.add(client) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	// Channel closed by hub; close connection.
	client.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(client *wsClient) {
	defer s.wsHub.remove(client)

	for {
		// Incoming messages are ignored, the read only detects close.
		if _, _, err := client.conn.Read(context.Background()); err != nil {
			return
		}
	}
}
