package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"skywatch/internal/pipeline"
)

// client is one websocket connection. Only its write pump writes to conn.
type client struct {
	camera string
	conn   *websocket.Conn
	send   chan []byte
	once   sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// DetectionHub manages WebSocket connections for real-time detection streaming
type DetectionHub struct {
	// clients maps camera name -> set of connections
	clients map[string]map[*client]struct{}
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewDetectionHub creates a new detection hub
func NewDetectionHub(logger *zap.Logger) *DetectionHub {
	return &DetectionHub{
		clients: make(map[string]map[*client]struct{}),
		logger:  logger.Named("ws"),
	}
}

// Register adds a connection for a specific camera
func (h *DetectionHub) Register(camera string, conn *websocket.Conn) *client {
	c := &client{camera: camera, conn: conn, send: make(chan []byte, 16)}

	h.mu.Lock()
	if h.clients[camera] == nil {
		h.clients[camera] = make(map[*client]struct{})
	}
	h.clients[camera][c] = struct{}{}
	total := len(h.clients[camera])
	h.mu.Unlock()

	h.logger.Debug("client registered", zap.String("camera", camera), zap.Int("total", total))
	return c
}

// Unregister removes a connection and stops its write pump
func (h *DetectionHub) Unregister(c *client) {
	h.mu.Lock()
	if conns, ok := h.clients[c.camera]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.clients, c.camera)
		}
	}
	h.mu.Unlock()
	c.close()

	h.logger.Debug("client unregistered", zap.String("camera", c.camera), zap.Int("clients", h.ClientCount()))
}

// HasClients returns true if there are any clients connected for a camera
func (h *DetectionHub) HasClients(camera string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[camera]) > 0
}

// ClientCount returns the total number of connected clients
func (h *DetectionHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, conns := range h.clients {
		count += len(conns)
	}
	return count
}

// OnDetectionResult broadcasts a result to the camera's subscribers.
func (h *DetectionHub) OnDetectionResult(res *pipeline.DetectionResult) {
	if !h.HasClients(res.CameraID) {
		return
	}
	data, err := json.Marshal(NewDetectionMessage(res))
	if err != nil {
		h.logger.Error("marshal detection message", zap.Error(err))
		return
	}
	h.BroadcastToCamera(res.CameraID, data)
}

// BroadcastToCamera queues a message for every client of a camera. Clients
// whose queue is full are dropped.
func (h *DetectionHub) BroadcastToCamera(camera string, message []byte) {
	var slow []*client

	h.mu.RLock()
	for c := range h.clients[camera] {
		select {
		case c.send <- message:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow client", zap.String("camera", camera))
		h.Unregister(c)
	}
}

// Close disconnects every client.
func (h *DetectionHub) Close() {
	h.mu.Lock()
	all := h.clients
	h.clients = make(map[string]map[*client]struct{})
	h.mu.Unlock()

	for _, conns := range all {
		for c := range conns {
			c.close()
		}
	}
}
