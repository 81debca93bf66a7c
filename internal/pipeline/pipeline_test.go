package pipeline

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, OutcomeOK, Classify(nil))
	assert.Equal(t, OutcomeTimeout, Classify(errors.Wrap(context.DeadlineExceeded, "post")))
	assert.Equal(t, OutcomeMalformed, Classify(errors.Wrap(ErrMalformed, "decode")))
	assert.Equal(t, OutcomeUnavailable, Classify(errors.Wrap(ErrUnavailable, "dial")))
	assert.Equal(t, OutcomeError, Classify(errors.New("boom")))
}

func TestClassFilter(t *testing.T) {
	f := NewClassFilter([]string{"Drone", " uav ", "", "1"})
	assert.True(t, f.Match("DRONE"))
	assert.True(t, f.Match("small-uav"))
	assert.True(t, f.Match("class_1"))
	assert.False(t, f.Match("bird"))
	assert.False(t, NewClassFilter(nil).Match("drone"))
}

func TestEventBusCameraFilter(t *testing.T) {
	bus := NewEventBus()

	var all, north []string
	unsubAll := bus.Subscribe(DetectionResultHandlerFunc(func(r *DetectionResult) {
		all = append(all, r.CameraID)
	}))
	bus.SubscribeCamera("north", DetectionResultHandlerFunc(func(r *DetectionResult) {
		north = append(north, r.CameraID)
	}))

	bus.Publish(&DetectionResult{CameraID: "north"})
	bus.Publish(&DetectionResult{CameraID: "south"})
	bus.Publish(nil)

	assert.Equal(t, []string{"north", "south"}, all)
	assert.Equal(t, []string{"north"}, north)

	unsubAll()
	unsubAll()
	bus.Publish(&DetectionResult{CameraID: "north"})
	assert.Len(t, all, 2)
	assert.Len(t, north, 2)

	bus.Close()
	bus.Publish(&DetectionResult{CameraID: "north"})
	assert.Len(t, north, 2)
}
