// internal/web/websocket.go - Live status and alert event feed
package web

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"fleetwatch/internal/database"
	"fleetwatch/internal/metrics"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // API is CORS-open; same policy here
	},
}

// WSMessage is one event pushed to connected clients. Type is one of
// device_status, alert_created, alert_acknowledged or alert_resolved.
type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub fans monitoring events out to every connected WebSocket client.
// Sweeps broadcast from engine goroutines while handlers register new
// clients, so the client set is mutex-guarded. A client that cannot keep
// up is dropped rather than allowed to stall the caller.
type Hub struct {
	mu      sync.Mutex
	clients map[*WSClient]bool
	metrics *metrics.Collector
}

func NewHub(collector *metrics.Collector) *Hub {
	return &Hub{
		clients: make(map[*WSClient]bool),
		metrics: collector,
	}
}

type WSClient struct {
	conn *websocket.Conn
	send chan WSMessage
	hub  *Hub
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Error("Failed to upgrade websocket")
		return
	}

	client := &WSClient{
		conn: conn,
		send: make(chan WSMessage, 256),
		hub:  s.hub,
	}
	s.hub.register(client)

	go client.writePump()
	go client.readPump()
}

// BroadcastDeviceStatus pushes a device_status event after a status
// transition.
func (h *Hub) BroadcastDeviceStatus(device *database.Device) {
	h.Broadcast(WSMessage{Type: "device_status", Data: device})
}

// BroadcastAlert pushes an alert lifecycle event: alert_created,
// alert_acknowledged or alert_resolved.
func (h *Hub) BroadcastAlert(event string, alert *database.Alert) {
	h.Broadcast(WSMessage{Type: event, Data: alert})
}

// Broadcast queues a message for every client. Clients with a full send
// buffer are disconnected; delivery to the rest continues.
func (h *Hub) Broadcast(message WSMessage) {
	var dropped int

	h.mu.Lock()
	for client := range h.clients {
		select {
		case client.send <- message:
		default:
			close(client.send)
			delete(h.clients, client)
			dropped++
		}
	}
	h.mu.Unlock()

	if dropped > 0 {
		logrus.WithField("clients", dropped).Warn("Dropped slow websocket clients")
		if h.metrics != nil {
			h.metrics.RecordWebSocketConnection(-dropped)
		}
	}
}

func (h *Hub) register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.RecordWebSocketConnection(1)
	}
}

func (h *Hub) unregister(client *WSClient) {
	h.mu.Lock()
	_, present := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	// Broadcast may have already dropped this client.
	if present && h.metrics != nil {
		h.metrics.RecordWebSocketConnection(-1)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
