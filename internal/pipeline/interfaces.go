package pipeline

import (
	"context"
	"image"
	"time"
)

// Detector is the interface for all detection backends
type Detector interface {
	// Name returns the backend identifier (e.g., "http", "grpc")
	Name() string

	// Detect runs detection on a frame. Boxes are in the frame's pixel space.
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
}

// HealthChecker is implemented by detectors that can check their backend
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// DetectionStrategy decides when detection should run.
// Per-camera timing state lives in the Throttle, so strategies are stateless.
type DetectionStrategy interface {
	// Name returns the strategy identifier
	Name() string

	// Inline reports whether detection runs synchronously on the caller
	Inline() bool

	// ShouldDetect decides whether a pass that last started at lastStart
	// (zero if never) may start again at now
	ShouldDetect(lastStart, now time.Time) bool
}

// DetectionResultHandler receives detection results
type DetectionResultHandler interface {
	// OnDetectionResult is called when detection completes
	OnDetectionResult(result *DetectionResult)
}

// DetectionResultHandlerFunc adapts a function to DetectionResultHandler
type DetectionResultHandlerFunc func(result *DetectionResult)

func (f DetectionResultHandlerFunc) OnDetectionResult(result *DetectionResult) {
	f(result)
}

// Submitter runs background tasks with bounded concurrency.
// It returns false when the task was not accepted.
type Submitter interface {
	TrySubmit(task string, fn func(ctx context.Context)) bool
}
