package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/cloudmeetx/meetrelay/internal/relay"
)

const sendBufferSize = 256

// Hub maps live connection ids to their outbound send channels. It is the
// delivery plane behind relay.Router: the registry knows who should exist,
// the hub knows who is actually attached to this process.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*client)}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.connID] = c
}

// remove detaches the connection and closes its send channel, which stops
// the write pump. Safe to call more than once.
func (h *Hub) remove(connID string) {
	h.mu.Lock()
	c, ok := h.clients[connID]
	if ok {
		delete(h.clients, connID)
	}
	h.mu.Unlock()
	if ok {
		c.closeSend()
	}
}

func (h *Hub) get(connID string) (*client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connID]
	return c, ok
}

// Len reports the number of attached connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Deliver implements relay.Deliverer. A connection id with no attached
// client reports relay.ErrGone so the router purges its registry record.
func (h *Hub) Deliver(_ context.Context, connID string, payload []byte) error {
	c, ok := h.get(connID)
	if !ok {
		return relay.ErrGone
	}
	if !c.trySend(payload) {
		return fmt.Errorf("send buffer full for connection %s", connID)
	}
	return nil
}

type client struct {
	connID string
	send   chan []byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newClient(connID string) *client {
	return &client{
		connID: connID,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// trySend enqueues payload without blocking. A full buffer means the reader
// on the other end is not draining; the frame is dropped and reported.
func (c *client) trySend(payload []byte) bool {
	select {
	case <-c.done():
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *client) closeSend() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

func (c *client) done() <-chan struct{} {
	return c.closed
}
