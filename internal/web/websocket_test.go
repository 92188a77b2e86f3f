// internal/web/websocket_test.go
package web

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/database"
)

func (h *Hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func TestHub_DeliversAndDropsSlowClients(t *testing.T) {
	hub := NewHub(nil)

	healthy := &WSClient{send: make(chan WSMessage, 4)}
	slow := &WSClient{send: make(chan WSMessage)} // nothing ever reads this
	hub.register(healthy)
	hub.register(slow)
	require.Equal(t, 2, hub.clientCount())

	hub.Broadcast(WSMessage{Type: "device_status"})

	assert.Equal(t, 1, hub.clientCount())

	msg := <-healthy.send
	assert.Equal(t, "device_status", msg.Type)

	_, open := <-slow.send
	assert.False(t, open, "dropped client's channel should be closed")
}

func TestWebSocket_ReceivesBroadcasts(t *testing.T) {
	server, _ := newTestServer(t)

	ts := httptest.NewServer(server.router)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Registration happens just after the handshake completes.
	require.Eventually(t, func() bool {
		return server.hub.clientCount() == 1
	}, time.Second, 10*time.Millisecond)

	device := &database.Device{ID: "dev-1", Name: "Core Switch", Status: database.StatusOffline}
	server.hub.BroadcastDeviceStatus(device)

	var msg WSMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "device_status", msg.Type)

	payload, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "dev-1", payload["id"])
	assert.Equal(t, "offline", payload["status"])

	alert := &database.Alert{ID: "a-1", DeviceID: "dev-1", Status: database.AlertActive}
	server.hub.BroadcastAlert("alert_created", alert)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "alert_created", msg.Type)

	// After the peer goes away the next delivery attempt unregisters it.
	conn.Close()
	require.Eventually(t, func() bool {
		server.hub.BroadcastDeviceStatus(device)
		return server.hub.clientCount() == 0
	}, 2*time.Second, 50*time.Millisecond)
}
