package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dual-shutter/pkg/dispatch"
	"dual-shutter/pkg/hal"
	"dual-shutter/pkg/ov"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	sendBufferSize = 64
)

// Hub fans capture events out to every connected websocket. It is the
// camera.Notifier of the service: nothing on it ever blocks the caller.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("events: upgrade: %v", err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBufferSize)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debugf("events: %s connected", r.RemoteAddr)

	go c.writePump()
	go c.readPump()
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		close(c.send)
	}
}

// Broadcast queues e for every client. A client whose buffer is full misses
// the event.
func (h *Hub) Broadcast(e ov.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Errorf("events: marshal %s: %v", e.Type, err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warnf("events: client lagging, dropped %s", e.Type)
		}
	}
}

func (h *Hub) Warn(msg string) {
	h.Broadcast(ov.Event{Type: ov.EventWarn, Message: msg})
}

func (h *Hub) Fatal(err error) {
	h.logger.Errorf("camera fatal: %v", err)
	h.Broadcast(ov.Event{Type: ov.EventFatal, Message: err.Error()})
}

func (h *Hub) ShutterEnabled(enabled bool) {
	h.Broadcast(ov.Event{Type: ov.EventShutter, Enabled: &enabled})
}

func (h *Hub) Faces(slot hal.SlotID, n int) {
	h.Broadcast(ov.Event{Type: ov.EventFaces, Slot: slot.String(), Faces: n})
}

// Captured reports a finished capture.
func (h *Hub) Captured(s dispatch.Summary) {
	h.Broadcast(ov.Event{Type: ov.EventCaptured, Data: s})
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}

func (c *client) close() {
	c.once.Do(func() {
		c.hub.remove(c)
		c.conn.Close()
	})
}

// readPump only watches for the close; clients never send anything.
func (c *client) readPump() {
	defer c.close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warnf("events: read: %v", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
