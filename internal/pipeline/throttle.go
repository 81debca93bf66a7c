package pipeline

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"skywatch/internal/metrics"
)

// ThrottleOptions configures a Throttle.
type ThrottleOptions struct {
	Timeout time.Duration // per detection call, default 5s
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Bus     *EventBus
	Pool    Submitter // required unless the strategy is inline
}

// Throttle decides, per camera, when a frame is sent to the detector. At most
// one detection call per camera is in flight at any time, no matter how many
// viewer loops feed it frames.
type Throttle struct {
	detector Detector
	strategy DetectionStrategy
	opts     ThrottleOptions
	logger   *zap.Logger

	cameras sync.Map // camera name -> *cameraState

	failLog rate.Sometimes
}

type cameraState struct {
	inFlight  atomic.Bool
	lastStart atomic.Pointer[time.Time] // nil means never
	latest    atomic.Pointer[DetectionResult]
	gen       atomic.Uint64 // bumped by Reset; older passes do not store results
}

// NewThrottle wires a detector to a strategy.
func NewThrottle(detector Detector, strategy DetectionStrategy, opts ThrottleOptions) *Throttle {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Throttle{
		detector: detector,
		strategy: strategy,
		opts:     opts,
		logger:   opts.Logger.Named("throttle"),
		failLog:  rate.Sometimes{First: 5, Interval: 10 * time.Second},
	}
}

// Strategy returns the active strategy.
func (t *Throttle) Strategy() DetectionStrategy {
	return t.strategy
}

func (t *Throttle) state(camera string) *cameraState {
	if st, ok := t.cameras.Load(camera); ok {
		return st.(*cameraState)
	}
	st, _ := t.cameras.LoadOrStore(camera, &cameraState{})
	return st.(*cameraState)
}

// Reset forgets the newest result and the cooldown of camera, so a new
// source starts with a clean overlay and an immediate detection. A pass still
// in flight keeps the guard but its result is discarded.
func (t *Throttle) Reset(camera string) {
	st, ok := t.cameras.Load(camera)
	if !ok {
		return
	}
	cs := st.(*cameraState)
	cs.gen.Add(1)
	cs.lastStart.Store(nil)
	cs.latest.Store(nil)
}

// Latest returns the newest completed result for camera, or nil.
func (t *Throttle) Latest(camera string) *DetectionResult {
	if st, ok := t.cameras.Load(camera); ok {
		return st.(*cameraState).latest.Load()
	}
	return nil
}

// InFlight reports whether a detection call is running for camera.
func (t *Throttle) InFlight(camera string) bool {
	if st, ok := t.cameras.Load(camera); ok {
		return st.(*cameraState).inFlight.Load()
	}
	return false
}

// Observe offers a frame for detection and returns the result to draw on it:
// the newest completed one, which may belong to an earlier frame. In inline
// mode the call blocks for the detection it starts. The frame is never
// modified; background passes work on their own copy.
func (t *Throttle) Observe(ctx context.Context, camera string, frame *image.RGBA, seq uint64) *DetectionResult {
	if t.detector == nil || frame == nil {
		return t.Latest(camera)
	}
	st := t.state(camera)
	now := t.opts.Clock.Now()

	if !t.strategy.ShouldDetect(timeOrZero(st.lastStart.Load()), now) {
		return st.latest.Load()
	}
	if !st.inFlight.CompareAndSwap(false, true) {
		return st.latest.Load()
	}
	// Another caller may have started and finished a pass between the check
	// above and winning the guard.
	prev := st.lastStart.Load()
	if !t.strategy.ShouldDetect(timeOrZero(prev), now) {
		st.inFlight.Store(false)
		return st.latest.Load()
	}
	st.lastStart.Store(&now)
	gen := st.gen.Load()

	img := cloneRGBA(frame)
	if t.strategy.Inline() {
		if res := t.run(ctx, camera, st, gen, img, seq); res != nil {
			return res
		}
		return st.latest.Load()
	}

	ok := t.opts.Pool != nil && t.opts.Pool.TrySubmit("detect:"+camera, func(ctx context.Context) {
		t.run(ctx, camera, st, gen, img, seq)
	})
	if !ok {
		st.lastStart.CompareAndSwap(&now, prev)
		st.inFlight.Store(false)
		t.count(camera, OutcomeRejected)
	}
	return st.latest.Load()
}

// run performs one detection call. The guard is released on every path.
func (t *Throttle) run(ctx context.Context, camera string, st *cameraState, gen uint64, img *image.RGBA, seq uint64) *DetectionResult {
	defer st.inFlight.Store(false)

	ctx, cancel := t.opts.Clock.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	start := t.opts.Clock.Now()
	dets, err := t.detector.Detect(ctx, img)
	latency := t.opts.Clock.Since(start)

	outcome := Classify(err)
	t.count(camera, outcome)
	if t.opts.Metrics != nil {
		t.opts.Metrics.DetectionLatency.WithLabelValues(t.detector.Name()).Observe(latency.Seconds())
	}
	if err != nil {
		t.failLog.Do(func() {
			t.logger.Warn("detection failed",
				zap.String("camera", camera),
				zap.String("outcome", string(outcome)),
				zap.Duration("latency", latency),
				zap.Error(err))
		})
		return nil
	}

	res := &DetectionResult{
		CameraID:   camera,
		FrameSeq:   seq,
		Timestamp:  t.opts.Clock.Now(),
		Backend:    t.detector.Name(),
		Detections: dets,
		Latency:    latency,
		Frame:      img,
	}
	if st.gen.Load() != gen {
		t.logger.Debug("discarding result of a reset camera", zap.String("camera", camera))
		return nil
	}
	st.latest.Store(res)
	if t.opts.Bus != nil {
		t.opts.Bus.Publish(res)
	}
	return res
}

func (t *Throttle) count(camera string, outcome Outcome) {
	if t.opts.Metrics != nil {
		t.opts.Metrics.Detections.WithLabelValues(camera, string(outcome)).Inc()
	}
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := &image.RGBA{
		Pix:    make([]uint8, len(src.Pix)),
		Stride: src.Stride,
		Rect:   src.Rect,
	}
	copy(dst.Pix, src.Pix)
	return dst
}
