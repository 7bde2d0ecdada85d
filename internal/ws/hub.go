package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dm-service/internal/observability"
)

type client struct {
	info   ConnInfo
	cancel func()
}

// Hub tracks live websocket connections by room. Each connection owns a store
// subscription which the hub cancels when the connection leaves.
type Hub struct {
	rooms map[string]map[*websocket.Conn]*client
	mu    sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*websocket.Conn]*client)}
}

// AddClient registers a connection in room. cancel is called once when it is removed.
func (h *Hub) AddClient(room string, conn *websocket.Conn, info ConnInfo, cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[*websocket.Conn]*client)
	}
	h.rooms[room][conn] = &client{info: info, cancel: cancel}
}

// RemoveClient unregisters a connection and cancels its subscription. It reports whether
// the connection was still registered.
func (h *Hub) RemoveClient(room string, conn *websocket.Conn) bool {
	h.mu.Lock()
	conns, ok := h.rooms[room]
	var cl *client
	if ok {
		cl = conns[conn]
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()

	if cl == nil {
		return false
	}
	if cl.cancel != nil {
		cl.cancel()
	}
	return true
}

// RoomSize returns the number of connections in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Shutdown cancels every subscription and closes every connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = make(map[string]map[*websocket.Conn]*client)
	h.mu.Unlock()

	for _, conns := range rooms {
		for conn, cl := range conns {
			if cl.cancel != nil {
				cl.cancel()
			}
			if conn != nil {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(time.Second))
				_ = conn.Close()
			}
		}
	}
}

func publishWSEvent(ctx context.Context, info ConnInfo, event, reason string) {
	observability.IncWSEvent(info.Kind, event)
	_ = observability.PublishEvent(ctx, wsRoutingKey(info.Kind), observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"kind":        info.Kind,
				"resource_id": info.Room,
				"event":       event,
				"conn_id":     info.ConnID,
				"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id":        info.UserID,
				"participant_id": info.ParticipantID,
				"device_id":      info.DeviceID,
				"ip":             info.IP,
			},
		},
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
}
