package strategies

import (
	"time"

	"skywatch/internal/pipeline"
)

// ContinuousStrategy runs detection synchronously on every frame.
// Optionally rate-limits to avoid overwhelming the detector
type ContinuousStrategy struct {
	minInterval time.Duration
}

// NewContinuousStrategy creates an inline strategy.
// minInterval can be 0 to process every frame
func NewContinuousStrategy(minInterval time.Duration) *ContinuousStrategy {
	return &ContinuousStrategy{minInterval: minInterval}
}

func (s *ContinuousStrategy) Name() string {
	return string(pipeline.DetectionModeInline)
}

func (s *ContinuousStrategy) Inline() bool {
	return true
}

func (s *ContinuousStrategy) ShouldDetect(lastStart, now time.Time) bool {
	if s.minInterval <= 0 || lastStart.IsZero() {
		return true
	}
	return now.Sub(lastStart) >= s.minInterval
}
