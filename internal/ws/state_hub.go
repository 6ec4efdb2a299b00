// Package ws pushes occupancy state to browser clients over websockets.
package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"parkwatch/internal/coordinator"
	"parkwatch/internal/logging"
)

const writeWait = 10 * time.Second

// client serializes writes to one connection.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// StateHub manages websocket clients that receive occupancy state.
type StateHub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	log     logrus.FieldLogger
}

// NewStateHub creates an empty hub.
func NewStateHub(logger logrus.FieldLogger) *StateHub {
	return &StateHub{
		clients: make(map[*client]struct{}),
		log:     logging.Component(logger, "ws"),
	}
}

func (h *StateHub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.WithField("clients", n).Debug("Client registered")
}

func (h *StateHub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		_ = c.conn.Close()
		h.log.Debug("Client unregistered")
	}
}

// ClientCount returns the number of connected clients.
func (h *StateHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends msg to every client. Clients that fail to receive it are
// dropped.
func (h *StateHub) Broadcast(msg *StateMessage) {
	if h.ClientCount() == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.log.WithError(err).Error("Error marshaling state message")
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.write(websocket.TextMessage, data); err != nil {
			h.log.WithError(err).Debug("Error sending to client")
			h.unregister(c)
		}
	}
}

// Close disconnects every client.
func (h *StateHub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for c := range clients {
		_ = c.conn.Close()
	}
}

// Pump forwards coordinator updates to the hub until ctx is cancelled or
// updates is closed.
func (h *StateHub) Pump(ctx context.Context, updates <-chan *coordinator.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			h.Broadcast(NewStateMessage(u))
		}
	}
}
