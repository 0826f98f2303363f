package hub

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
	readLimit    = 4096
)

// ClientMessage join/leave request from a dashboard.
type ClientMessage struct {
	Action   string `json:"action"` // "join" | "leave"
	RoomType string `json:"room_type"`
	RoomID   string `json:"room_id"`
}

// ControlMessage acknowledgement pushed back to the dashboard.
type ControlMessage struct {
	Type  string    `json:"type"` // "room_joined" | "room_left" | "error"
	Room  Room      `json:"room,omitempty"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// WebsocketHandler serves the subscription protocol. Every connection is a
// fresh subscriber; rooms must be re-joined after a reconnect.
type WebsocketHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewWebsocketHandler creates the handler.
func NewWebsocketHandler(h *Hub, logger *zap.Logger) *WebsocketHandler {
	return &WebsocketHandler{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				// authentication happens in front of this service
				return true
			},
		},
		logger: logger,
	}
}

type wsConn struct {
	conn *websocket.Conn
	sub  *Subscriber
	ctrl chan ControlMessage
	done chan struct{}
}

func (h *WebsocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsConn{
		conn: conn,
		sub:  h.hub.Connect(),
		ctrl: make(chan ControlMessage, 16),
		done: make(chan struct{}),
	}

	go h.writePump(c)
	h.readPump(c)
}

func (h *WebsocketHandler) readPump(c *wsConn) {
	defer func() {
		close(c.done)
		h.hub.Disconnect(c.sub)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		h.reply(c, h.handleClientMessage(c.sub, data))
	}
}

func (h *WebsocketHandler) handleClientMessage(sub *Subscriber, data []byte) ControlMessage {
	now := time.Now().UTC()

	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{Type: "error", Error: "invalid message", At: now}
	}
	room, err := ParseRoom(msg.RoomType, msg.RoomID)
	if err != nil {
		return ControlMessage{Type: "error", Error: err.Error(), At: now}
	}

	switch msg.Action {
	case "join":
		if err := sub.Join(room); err != nil {
			return ControlMessage{Type: "error", Room: room, Error: err.Error(), At: now}
		}
		return ControlMessage{Type: "room_joined", Room: room, At: now}
	case "leave":
		sub.Leave(room)
		return ControlMessage{Type: "room_left", Room: room, At: now}
	}
	return ControlMessage{Type: "error", Error: "unknown action " + msg.Action, At: now}
}

// reply never blocks the read loop; a client that does not drain acks loses them.
func (h *WebsocketHandler) reply(c *wsConn, msg ControlMessage) {
	select {
	case c.ctrl <- msg:
	default:
		h.logger.Debug("Dropping control message for slow client", zap.String("subscriber_id", c.sub.ID()))
	}
}

func (h *WebsocketHandler) writePump(c *wsConn) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.ctrl:
			if err := h.writeJSON(c, msg); err != nil {
				return
			}
		case <-c.sub.Notify():
			for {
				ev, ok := c.sub.TryNext()
				if !ok {
					break
				}
				if err := h.writeJSON(c, ev); err != nil {
					return
				}
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WebsocketHandler) writeJSON(c *wsConn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("Failed to encode websocket message", zap.Error(err))
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}
