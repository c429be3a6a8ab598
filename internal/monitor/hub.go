package monitor

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// client is one connected /ws observer.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// hub fans a broadcast channel out to every registered client, the
// same register/unregister/broadcast goroutine shape as
// internal/websocket/hub.go, minus the per-client DB bookkeeping the
// teacher does (this hub has nothing to authenticate or persist).
type hub struct {
	logger *log.Logger

	mu      sync.Mutex
	clients map[*client]struct{}

	register   chan *client
	unregister chan *client
	broadcast  chan []byte
}

func newHub(logger *log.Logger) *hub {
	return &hub{
		logger:     logger,
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
	}
}

func (h *hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.Printf("[monitor] client send buffer full, dropping")
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast encodes e and fans it out to every connected client.
func (h *hub) Broadcast(e Event) {
	data, err := e.toJSON()
	if err != nil {
		h.logger.Printf("[monitor] encode event: %v", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Printf("[monitor] broadcast channel full, dropping event %s", e.Type)
	}
}

// clientCount reports the number of currently connected observers
// (used by tests; production code never needs this).
func (h *hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
