package strategies

import (
	"time"

	"skywatch/internal/pipeline"
)

// DisabledStrategy never triggers detection
// Used when streaming only is desired
type DisabledStrategy struct{}

// NewDisabledStrategy creates a disabled detection strategy
func NewDisabledStrategy() *DisabledStrategy {
	return &DisabledStrategy{}
}

func (s *DisabledStrategy) Name() string {
	return string(pipeline.DetectionModeDisabled)
}

func (s *DisabledStrategy) Inline() bool {
	return false
}

func (s *DisabledStrategy) ShouldDetect(lastStart, now time.Time) bool {
	return false
}
