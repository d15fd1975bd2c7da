package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/KevinKickass/OpenInputExpander/internal/auth"
	"github.com/KevinKickass/OpenInputExpander/internal/events"
	"go.uber.org/zap"
)

// TokenValidator checks the token sent in the first client message.
type TokenValidator interface {
	ValidateToken(token string) (string, []auth.Permission, error)
}

// broadcast is a message for every client whose filter matches address.
// A negative address reaches all clients.
type broadcast struct {
	msg     Message
	address int
}

// Hub maintains active WebSocket clients and broadcasts messages
type Hub struct {
	clients map[*Client]bool

	broadcast  chan broadcast
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu sync.RWMutex

	logger    *zap.Logger
	validator TokenValidator

	dropped atomic.Uint64
}

func NewHub(logger *zap.Logger, validator TokenValidator) *Hub {
	return &Hub{
		broadcast:  make(chan broadcast, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		logger:     logger,
		validator:  validator,
	}
}

// Run starts the hub's main event loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket Hub started")
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			close(h.done)
			h.logger.Info("WebSocket Hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client registered",
				zap.String("client_id", client.id.String()),
				zap.Int("total_clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("WebSocket client unregistered",
					zap.String("client_id", client.id.String()),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case b := <-h.broadcast:
			data, err := json.Marshal(b.msg)
			if err != nil {
				h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
				continue
			}

			h.mu.Lock()
			for client := range h.clients {
				if b.address >= 0 && !client.wants(uint8(b.address)) {
					continue
				}
				select {
				case client.send <- data:
				default:
					// Slow or dead client
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("Client send buffer full, unregistering",
						zap.String("client_id", client.id.String()))
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(msg Message) {
	h.enqueue(broadcast{msg: msg, address: -1})
}

// Publish implements events.Sink.
func (h *Hub) Publish(ev events.Event) {
	h.enqueue(broadcast{msg: NewRegisterEventMessage(ev), address: int(ev.Address)})
}

func (h *Hub) enqueue(b broadcast) {
	select {
	case h.broadcast <- b:
	default:
		// Report the first drop and then every thousandth.
		if n := h.dropped.Add(1); n%1000 == 1 {
			h.logger.Warn("Hub broadcast channel full, message dropped",
				zap.String("message_type", string(b.msg.Type)),
				zap.Uint64("dropped_total", n))
		}
	}
}

// Dropped counts messages lost because the broadcast channel was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
