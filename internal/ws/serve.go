package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"dm-service/internal/observability"
	"dm-service/internal/store"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 4096
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientFrame is a command sent by the browser over the socket.
type clientFrame struct {
	Type string `json:"type"`
}

// session is one upgraded connection bound to a store subscription.
type session struct {
	hub    *Hub
	conn   *websocket.Conn
	info   ConnInfo
	logger *slog.Logger
}

// write sends v as a JSON text frame. Only the subscription goroutine writes data frames.
func (s *session) write(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

type subscribeFunc func(ctx context.Context, s *session) (store.CancelFunc, error)

type frameFunc func(ctx context.Context, frame clientFrame)

// serve upgrades the request, subscribes, and pumps client frames until the socket closes.
func serve(c *gin.Context, hub *Hub, logger *slog.Logger, info ConnInfo, subscribe subscribeFunc, onFrame frameFunc) {
	ctx, span := otel.Tracer("dm-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxFrameSize)

	info.ConnID = newConnID()
	info.DeviceID = observability.DeviceIDFromRequest(c.Request)
	info.IP = observability.IPFromRequest(c.Request)
	info.RequestID = observability.RequestIDFromRequest(c.Request)
	info.TraceID = span.SpanContext().TraceID().String()
	info.ConnectedAt = time.Now()

	// The subscription outlives the handshake request.
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{hub: hub, conn: conn, info: info, logger: logger.With("conn_id", info.ConnID, "room", info.Room)}

	unsubscribe, err := subscribe(subCtx, sess)
	if err != nil {
		cancel()
		sess.logger.Warn("websocket subscribe failed", "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	hub.AddClient(info.Room, conn, info, func() {
		unsubscribe()
		cancel()
	})

	observability.IncWSActive(info.Kind)
	publishWSEvent(subCtx, info, "ws_connect", "")

	go func() {
		var closeReason string
		defer func() {
			hub.RemoveClient(info.Room, conn)
			observability.DecWSActive(info.Kind)
			publishWSEvent(context.WithoutCancel(subCtx), info, "ws_disconnect", closeReason)
			conn.Close()
		}()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				closeReason = err.Error()
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					publishWSEvent(context.WithoutCancel(subCtx), info, "ws_error", closeReason)
				}
				return
			}
			var frame clientFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				sess.logger.Debug("ignoring malformed frame", "error", err)
				continue
			}
			if onFrame != nil {
				onFrame(subCtx, frame)
			}
		}
	}()
}

// fail reports a write failure and tears the connection down.
func (s *session) fail(err error) {
	s.logger.Warn("websocket write error", "error", err)
	publishWSEvent(context.Background(), s.info, "ws_error", err.Error())
	_ = s.conn.Close()
}
