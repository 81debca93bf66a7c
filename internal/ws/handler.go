package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Same policy as the CORS middleware: any origin.
		return true
	},
}

// Handler handles WebSocket connections for real-time detections
type Handler struct {
	hub *DetectionHub
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *DetectionHub) *Handler {
	return &Handler{hub: hub}
}

// ServeHTTP upgrades /ws/detections/{camera}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	camera := chi.URLParam(r, "camera")
	if camera == "" {
		camera = strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/ws/detections/"), "/")
	}
	if camera == "" {
		http.Error(w, "camera required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	c := h.hub.Register(camera, conn)
	h.hub.logger.Info("client connected",
		zap.String("camera", camera),
		zap.String("remote", r.RemoteAddr),
		zap.Int("clients", h.hub.ClientCount()))
	go h.writePump(c)
	go h.readPump(c)
}

// readPump keeps the connection alive and notices disconnects.
func (h *Handler) readPump(c *client) {
	defer h.hub.Unregister(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.hub.logger.Debug("read error", zap.String("camera", c.camera), zap.Error(err))
			}
			return
		}
	}
}

// writePump is the only writer of c.conn.
func (h *Handler) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.hub.Unregister(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.hub.Unregister(c)
				return
			}
		}
	}
}
