package strategies

import (
	"time"

	"skywatch/internal/pipeline"
)

// ScheduledStrategy triggers a background detection at most once per interval.
// The stream never waits for it; frames are drawn with the last result.
type ScheduledStrategy struct {
	interval time.Duration
}

// NewScheduledStrategy creates a cooldown strategy
func NewScheduledStrategy(interval time.Duration) *ScheduledStrategy {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ScheduledStrategy{interval: interval}
}

func (s *ScheduledStrategy) Name() string {
	return string(pipeline.DetectionModeCooldown)
}

func (s *ScheduledStrategy) Inline() bool {
	return false
}

func (s *ScheduledStrategy) ShouldDetect(lastStart, now time.Time) bool {
	return lastStart.IsZero() || now.Sub(lastStart) >= s.interval
}
