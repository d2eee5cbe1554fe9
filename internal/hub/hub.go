package hub

import (
	"sync"

	"github.com/weiawesome/wes-chat-relay/internal/directory"
	"github.com/weiawesome/wes-chat-relay/pkg/log"
)

// Hub tracks every open connection, bound or not. It is the audience of
// roster broadcasts.
type Hub struct {
	clients map[string]*Client
	mu      sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client.ID()] = client
	h.mu.Unlock()

	l := log.L()
	l.Debug().Str(log.FieldConnID, client.ID()).Msg("client registered")
}

// Unregister removes the client and reports whether it was present.
func (h *Hub) Unregister(client *Client) bool {
	h.mu.Lock()
	_, ok := h.clients[client.ID()]
	if ok {
		delete(h.clients, client.ID())
	}
	h.mu.Unlock()

	if ok {
		l := log.L()
		l.Debug().Str(log.FieldConnID, client.ID()).Msg("client unregistered")
	}
	return ok
}

func (h *Hub) get(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// Clients returns a snapshot of the open clients.
func (h *Hub) Clients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// Handles returns the open clients as delivery handles.
func (h *Hub) Handles() []directory.Handle {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]directory.Handle, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
