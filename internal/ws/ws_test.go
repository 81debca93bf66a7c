package ws

import (
	"encoding/json"
	"image"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"skywatch/internal/pipeline"
)

func TestNewDetectionMessage(t *testing.T) {
	msg := NewDetectionMessage(&pipeline.DetectionResult{
		CameraID: "north",
		FrameSeq: 9,
		Latency:  120 * time.Millisecond,
		Frame:    image.NewRGBA(image.Rect(0, 0, 320, 240)),
		Detections: []pipeline.Detection{
			{Class: "drone", Confidence: 0.8, BBox: pipeline.BBox{X1: 10, Y1: 20, X2: 40, Y2: 60}},
		},
	})
	assert.Equal(t, "detection", msg.Type)
	assert.Equal(t, 320, msg.FrameWidth)
	assert.Equal(t, int64(120), msg.LatencyMS)
	assert.Equal(t, [4]int{10, 20, 30, 40}, msg.Objects[0].BBox)
}

func TestHubBroadcastsPerCamera(t *testing.T) {
	hub := NewDetectionHub(zaptest.NewLogger(t))
	defer hub.Close()
	bus := pipeline.NewEventBus()
	defer bus.Subscribe(hub)()

	r := chi.NewRouter()
	r.Handle("/ws/detections/{camera}", NewHandler(hub))
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/detections/north"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.HasClients("north") }, time.Second, 5*time.Millisecond)

	bus.Publish(&pipeline.DetectionResult{CameraID: "south"})
	bus.Publish(&pipeline.DetectionResult{
		CameraID:   "north",
		FrameSeq:   3,
		Detections: []pipeline.Detection{{Class: "uav", Confidence: 0.5}},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg DetectionMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "north", msg.Camera)
	assert.Equal(t, uint64(3), msg.FrameSeq)
	require.Len(t, msg.Objects, 1)
	assert.Equal(t, "uav", msg.Objects[0].Class)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHubDropsSlowClients(t *testing.T) {
	hub := NewDetectionHub(zaptest.NewLogger(t))
	c := &client{camera: "east", send: make(chan []byte, 1)}
	hub.mu.Lock()
	hub.clients["east"] = map[*client]struct{}{c: {}}
	hub.mu.Unlock()

	hub.BroadcastToCamera("east", []byte("a"))
	assert.True(t, hub.HasClients("east"))
	hub.BroadcastToCamera("east", []byte("b"))
	assert.False(t, hub.HasClients("east"))

	_, open := <-c.send
	assert.True(t, open, "queued message is still delivered")
	_, open = <-c.send
	assert.False(t, open)
}
