package strategies

import (
	"time"

	"github.com/pkg/errors"

	"skywatch/internal/pipeline"
)

// Create builds the strategy for a detection mode. interval is the cooldown
// for DetectionModeCooldown and is ignored otherwise.
func Create(mode pipeline.DetectionMode, interval time.Duration) (pipeline.DetectionStrategy, error) {
	switch mode {
	case pipeline.DetectionModeDisabled:
		return NewDisabledStrategy(), nil

	case pipeline.DetectionModeInline:
		return NewContinuousStrategy(0), nil

	case pipeline.DetectionModeCooldown, "":
		return NewScheduledStrategy(interval), nil

	default:
		return nil, errors.Errorf("unknown detection mode: %s", mode)
	}
}
