package monitor

import (
	"context"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"homefence/internal/bus"
)

const hubBuffer = 256

// Hub fans bus events out to websocket clients. A client that cannot keep up is dropped.
type Hub struct {
	sync.RWMutex

	bus *bus.Bus
	log zerolog.Logger

	// Registered clients.
	clients map[*client]bool

	register   chan *client
	unregister chan *client

	// done is closed when run returns.
	done chan struct{}
}

func newHub(b *bus.Bus, logger zerolog.Logger) *Hub {
	return &Hub{
		bus:        b,
		log:        logger,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.RLock()
	defer h.RUnlock()
	return len(h.clients)
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	events := h.bus.Subscribe(hubBuffer)
	defer h.bus.Unsubscribe(events)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case c := <-h.register:
			h.Lock()
			h.clients[c] = true
			h.Unlock()
		case c := <-h.unregister:
			h.drop(c)
		case ev, ok := <-events:
			if !ok {
				h.log.Warn().Msg("event subscription closed")
				break loop
			}
			message, err := json.Marshal(ev)
			if err != nil {
				h.log.Error().Err(err).Str("kind", string(ev.Kind)).Msg("encode event")
				continue
			}
			h.broadcast(message)
		}
	}

	h.Lock()
	defer h.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) broadcast(message []byte) {
	h.Lock()
	defer h.Unlock()
	for c := range h.clients {
		select {
		case c.send <- message:
		default:
			h.log.Debug().Str("remote", c.remote).Msg("dropping slow client")
			close(c.send)
			delete(h.clients, c)
		}
	}
}

func (h *Hub) drop(c *client) {
	h.Lock()
	defer h.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// join registers c. It reports false when the hub has stopped.
func (h *Hub) join(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
