package stream

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skywatch/internal/pipeline"
	"skywatch/internal/pipeline/strategies"
)

func stopAndWait(t *testing.T, f *fixture, name string, done <-chan error) {
	t.Helper()
	f.sessions.Stop(name)
	waitDone(t, done, 2*time.Second)
}

func countBoxes(parts []part) int {
	n := 0
	for _, p := range parts {
		if hasBox(p.data) {
			n++
		}
	}
	return n
}

func TestCooldownDrawsDetectionsOnLaterFrames(t *testing.T) {
	det := &scriptedDetector{}
	f := newDetectingFixture(t, Options{Warmup: time.Second}, det, strategies.NewScheduledStrategy(5*time.Second))
	out := &recorder{}

	done := f.run(context.Background(), "Gate1", mustLocator(t, "0"), out)
	defer stopAndWait(t, f, "Gate1", done)

	require.Eventually(t, func() bool { return countBoxes(out.snapshot()) >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, hasBox(out.snapshot()[0].data), "the first frame is emitted before any result exists")
	assert.Equal(t, int32(1), det.calls.Load(), "one call per interval")
}

func TestSlowDetectorDoesNotStallStream(t *testing.T) {
	det := &scriptedDetector{block: make(chan struct{})}
	defer close(det.block)
	f := newDetectingFixture(t, Options{Warmup: time.Second}, det, strategies.NewScheduledStrategy(5*time.Second))
	out := &recorder{}

	done := f.run(context.Background(), "Gate1", mustLocator(t, "0"), out)
	defer stopAndWait(t, f, "Gate1", done)

	require.Eventually(t, func() bool { return det.active.Load() == 1 }, time.Second, 5*time.Millisecond)
	before := out.len()
	require.Eventually(t, func() bool { return out.len() >= before+10 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), det.active.Load(), "detection still running while frames flowed")
	assert.Zero(t, countBoxes(out.snapshot()))
}

func TestFailingDetectorKeepsStreaming(t *testing.T) {
	det := &scriptedDetector{err: errors.Wrap(pipeline.ErrUnavailable, "connection refused")}
	f := newDetectingFixture(t, Options{Warmup: time.Second}, det, strategies.NewContinuousStrategy(0))
	out := &recorder{}

	done := f.run(context.Background(), "Gate1", mustLocator(t, "0"), out)
	defer stopAndWait(t, f, "Gate1", done)

	require.Eventually(t, func() bool { return out.len() >= 10 }, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, det.calls.Load(), int32(10))
	for i, p := range out.snapshot() {
		assert.False(t, isPlaceholder(p.data), "part %d", i)
		assert.False(t, hasBox(p.data), "part %d", i)
	}
}

func TestInlineDetectsEveryEmittedFrame(t *testing.T) {
	det := &scriptedDetector{}
	f := newDetectingFixture(t, Options{Warmup: time.Second}, det, strategies.NewContinuousStrategy(0))
	out := &recorder{}

	done := f.run(context.Background(), "Gate1", mustLocator(t, "0"), out)
	require.Eventually(t, func() bool { return out.len() >= 5 }, 2*time.Second, 10*time.Millisecond)
	stopAndWait(t, f, "Gate1", done)

	parts := out.snapshot()
	assert.GreaterOrEqual(t, det.calls.Load(), int32(len(parts)))
	for i, p := range parts {
		assert.True(t, hasBox(p.data), "part %d drawn without its own result", i)
	}
}

func TestNewSourceStartsWithoutOldDetections(t *testing.T) {
	det := &scriptedDetector{detections: func(call int32) []pipeline.Detection {
		if call == 1 {
			return []pipeline.Detection{{Class: "drone", Confidence: 0.9, BBox: droneBox}}
		}
		return nil
	}}
	f := newDetectingFixture(t, Options{Warmup: time.Second}, det, strategies.NewScheduledStrategy(5*time.Second))

	first := &recorder{}
	done := f.run(context.Background(), "Gate1", mustLocator(t, "rtsp://a/live"), first)
	require.Eventually(t, func() bool { return countBoxes(first.snapshot()) > 0 }, 2*time.Second, 10*time.Millisecond)
	stopAndWait(t, f, "Gate1", done)
	_, live := f.registry.Get("Gate1")
	require.False(t, live)

	second := &recorder{}
	done = f.run(context.Background(), "Gate1", mustLocator(t, "rtsp://b/live"), second)
	defer stopAndWait(t, f, "Gate1", done)

	// The new source is analysed right away instead of after the old cooldown.
	require.Eventually(t, func() bool { return det.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return second.len() >= 5 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, countBoxes(second.snapshot()), "boxes from the previous source were drawn")
}
