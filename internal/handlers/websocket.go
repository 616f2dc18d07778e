package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/wer-inc/reservation-core/internal/realtime"
	"github.com/wer-inc/reservation-core/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// WebSocketHandler upgrades GET /v1/admin/events/stream connections and
// hands each client off to the realtime.Hub.
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	hub      *realtime.Hub
	logger   *logger.Logger
}

// NewWebSocketHandler creates a WebSocketHandler bound to hub.
func NewWebSocketHandler(hub *realtime.Hub, log *logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The admin events stream sits behind middleware.Auth; any origin
			// that carries a valid Bearer token is accepted.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		hub:    hub,
		logger: log,
	}
}

// ServeWS upgrades the connection and starts its read/write pumps. Admin
// clients are pure subscribers: they receive every broadcast Transition and
// send nothing but pings back.
func (h *WebSocketHandler) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade admin live-feed connection", "error", err)
		return
	}

	client := &realtime.Client{
		ID:   realtime.GenerateClientID(),
		Conn: conn,
		Send: make(chan []byte, 256),
		Hub:  h.hub,
	}
	h.hub.EnqueueClientRegistration(client)

	go h.writePump(client)
	go h.readPump(client)
}

// readPump drains the connection so pong frames and close frames are
// observed; admin clients never send meaningful application messages.
func (h *WebSocketHandler) readPump(client *realtime.Client) {
	defer func() {
		client.Hub.UnregisterClient(client)
		if err := client.Conn.Close(); err != nil {
			h.logger.Error("error closing admin live-feed connection", "client_id", client.ID, "error", err)
		}
	}()

	client.Conn.SetReadLimit(maxMessageSize)
	if err := client.Conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	client.Conn.SetPongHandler(func(string) error {
		return client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("admin live-feed read error", "client_id", client.ID, "error", err)
			}
			return
		}
	}
}

// writePump is the connection's sole writer: it relays Hub broadcasts and
// keeps the connection alive with periodic pings.
func (h *WebSocketHandler) writePump(client *realtime.Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Error("error writing admin live-feed message", "client_id", client.ID, "error", err)
				return
			}
		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
