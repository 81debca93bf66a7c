package ws

import (
	"time"

	"skywatch/internal/pipeline"
)

// DetectionMessage represents an object detection broadcast
type DetectionMessage struct {
	Type        string            `json:"type"` // "detection"
	Camera      string            `json:"camera"`
	Timestamp   time.Time         `json:"timestamp"`
	FrameSeq    uint64            `json:"frame_seq"`
	FrameWidth  int               `json:"frame_width,omitempty"`
	FrameHeight int               `json:"frame_height,omitempty"`
	Backend     string            `json:"backend"`
	LatencyMS   int64             `json:"latency_ms"`
	Objects     []ObjectDetection `json:"objects"`
}

// ObjectDetection represents a single detected object
type ObjectDetection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"` // 0.0-1.0
	BBox       [4]int  `json:"bbox"`       // [x, y, w, h] in pixels
}

// NewDetectionMessage converts a detection result for the wire
func NewDetectionMessage(res *pipeline.DetectionResult) *DetectionMessage {
	msg := &DetectionMessage{
		Type:      "detection",
		Camera:    res.CameraID,
		Timestamp: res.Timestamp,
		FrameSeq:  res.FrameSeq,
		Backend:   res.Backend,
		LatencyMS: res.Latency.Milliseconds(),
		Objects:   make([]ObjectDetection, 0, len(res.Detections)),
	}
	if res.Frame != nil {
		msg.FrameWidth = res.Frame.Rect.Dx()
		msg.FrameHeight = res.Frame.Rect.Dy()
	}
	for _, det := range res.Detections {
		msg.AddObject(det)
	}
	return msg
}

// AddObject adds an object detection to the message
func (m *DetectionMessage) AddObject(det pipeline.Detection) {
	m.Objects = append(m.Objects, ObjectDetection{
		Class:      det.Class,
		Confidence: det.Confidence,
		BBox:       [4]int{det.BBox.X1, det.BBox.Y1, det.BBox.Width(), det.BBox.Height()},
	})
}
