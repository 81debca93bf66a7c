package pipeline

import (
	"context"
	"image"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DetectionMode defines when detection should run for a camera
type DetectionMode string

const (
	// DetectionModeCooldown - background detection at most once per interval
	DetectionModeCooldown DetectionMode = "cooldown"
	// DetectionModeInline - synchronous detection on every frame
	DetectionModeInline DetectionMode = "inline"
	// DetectionModeDisabled - no detection, streaming only
	DetectionModeDisabled DetectionMode = "disabled"
)

var (
	// ErrUnavailable marks a backend that could not be reached.
	ErrUnavailable = errors.New("detector unavailable")
	// ErrMalformed marks a backend response that could not be understood.
	ErrMalformed = errors.New("malformed detector response")
)

// Outcome classifies a detection call for logs and metrics.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeError       Outcome = "error"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeMalformed   Outcome = "malformed"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeRejected    Outcome = "rejected"
)

// Classify maps a Detect error to an Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.Is(err, ErrMalformed):
		return OutcomeMalformed
	case errors.Is(err, ErrUnavailable):
		return OutcomeUnavailable
	default:
		return OutcomeError
	}
}

// BBox is a box in pixel coordinates of the analyzed frame
type BBox struct {
	X1 int `json:"x1"` // Left
	Y1 int `json:"y1"` // Top
	X2 int `json:"x2"` // Right
	Y2 int `json:"y2"` // Bottom
}

// Width of the box
func (b BBox) Width() int { return b.X2 - b.X1 }

// Height of the box
func (b BBox) Height() int { return b.Y2 - b.Y1 }

// Detection represents a single object detection result
type Detection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"` // [0-1]
	BBox       BBox    `json:"bbox"`
}

// DetectionResult is the output of one detection pass on one frame. It is
// kept per camera and drawn on later frames until a newer result replaces it.
type DetectionResult struct {
	CameraID   string        `json:"camera_id"`
	FrameSeq   uint64        `json:"frame_seq"`
	Timestamp  time.Time     `json:"timestamp"`
	Backend    string        `json:"backend"`
	Detections []Detection   `json:"detections"`
	Latency    time.Duration `json:"latency"`
	Frame      *image.RGBA   `json:"-"` // The analyzed frame; read-only once published
}

// ClassFilter matches labels by case-insensitive substring against a token list.
type ClassFilter []string

// NewClassFilter lowercases and trims tokens, dropping empty ones.
func NewClassFilter(tokens []string) ClassFilter {
	f := make(ClassFilter, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok != "" {
			f = append(f, tok)
		}
	}
	return f
}

// Match reports whether label contains any token.
func (f ClassFilter) Match(label string) bool {
	label = strings.ToLower(label)
	for _, tok := range f {
		if strings.Contains(label, tok) {
			return true
		}
	}
	return false
}
