package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades requests to websocket clients of a StateHub.
type Handler struct {
	hub     *StateHub
	initial func() *StateMessage
}

// NewHandler creates a handler. initial, when set, provides the state sent to
// each client right after it connects.
func NewHandler(hub *StateHub, initial func() *StateMessage) *Handler {
	return &Handler{hub: hub, initial: initial}
}

// ServeHTTP handles websocket upgrade requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.log.WithError(err).Warn("Upgrade error")
		return
	}

	c := &client{conn: conn}
	h.hub.log.WithField("remote", r.RemoteAddr).Info("New state connection")

	if h.initial != nil {
		if msg := h.initial(); msg != nil {
			data, err := json.Marshal(msg)
			if err == nil {
				err = c.write(websocket.TextMessage, data)
			}
			if err != nil {
				h.hub.log.WithError(err).Debug("Failed to send initial state")
				_ = conn.Close()
				return
			}
		}
	}

	h.hub.register(c)
	go h.readPump(c)
}

// readPump keeps the connection alive with pings and detects disconnection.
func (h *Handler) readPump(c *client) {
	done := make(chan struct{})
	defer func() {
		close(done)
		h.hub.unregister(c)
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.hub.log.WithError(err).Debug("Read error")
			}
			return
		}
	}
}
