package stream

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"

	"skywatch/internal/camera"
	"skywatch/internal/capture"
	"skywatch/internal/pipeline"
	"skywatch/internal/session"
	"skywatch/internal/worker"
)

// tickingOpener hands out devices that produce a frame every interval after
// failing the first failures opens.
type tickingOpener struct {
	interval time.Duration
	failures atomic.Int32
	opens    atomic.Int32
}

func (o *tickingOpener) Open(ctx context.Context, loc capture.Locator) (capture.Device, error) {
	o.opens.Add(1)
	if o.failures.Load() > 0 {
		o.failures.Add(-1)
		return nil, errors.New("no route to host")
	}
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	for i := range img.Pix {
		img.Pix[i] = 0x40
	}
	return &tickingDevice{interval: o.interval, img: img, done: make(chan struct{})}, nil
}

type tickingDevice struct {
	interval time.Duration
	img      *image.RGBA
	done     chan struct{}
	once     sync.Once
}

func (d *tickingDevice) Read(ctx context.Context) (image.Image, error) {
	select {
	case <-time.After(d.interval):
		return d.img, nil
	case <-d.done:
		return nil, capture.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *tickingDevice) Close() error {
	d.once.Do(func() { close(d.done) })
	return nil
}

type part struct {
	at   time.Time
	data []byte
}

// recorder collects parts and can fail after a number of writes.
type recorder struct {
	mu        sync.Mutex
	parts     []part
	failAfter int
}

func (r *recorder) WritePart(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAfter > 0 && len(r.parts) >= r.failAfter {
		return errors.New("broken pipe")
	}
	r.parts = append(r.parts, part{at: time.Now(), data: append([]byte(nil), data...)})
	return nil
}

func (r *recorder) snapshot() []part {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]part(nil), r.parts...)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.parts)
}

type fixture struct {
	opener   *tickingOpener
	registry *camera.Registry
	sessions *session.Controller
	throttle *pipeline.Throttle
	streamer *Streamer
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	return newFixtureWithThrottle(t, opts, nil)
}

// newDetectingFixture streams through a throttle around det using the given
// strategy.
func newDetectingFixture(t *testing.T, opts Options, det pipeline.Detector, strategy pipeline.DetectionStrategy) *fixture {
	t.Helper()
	pool := worker.NewPool("detect", 4, zaptest.NewLogger(t))
	t.Cleanup(func() { pool.Close(context.Background()) })
	th := pipeline.NewThrottle(det, strategy, pipeline.ThrottleOptions{
		Timeout: 2 * time.Second,
		Logger:  zaptest.NewLogger(t),
		Pool:    pool,
	})
	return newFixtureWithThrottle(t, opts, th)
}

func newFixtureWithThrottle(t *testing.T, opts Options, th *pipeline.Throttle) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	opener := &tickingOpener{interval: 20 * time.Millisecond}
	registry := camera.NewRegistry(opener, camera.Options{
		ReadTimeout:      time.Second,
		ReconnectBackoff: 150 * time.Millisecond,
		StaleAfter:       time.Second,
		StopTimeout:      time.Second,
		Logger:           logger,
	})
	t.Cleanup(func() { registry.Close() })

	sessions := session.NewController(logger)
	opts.Logger = logger
	streamer, err := NewStreamer(registry, sessions, th, opts)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{opener: opener, registry: registry, sessions: sessions, throttle: th, streamer: streamer}
}

func mustLocator(t *testing.T, raw string) capture.Locator {
	loc, err := capture.ParseLocator(raw)
	if err != nil {
		t.Fatal(err)
	}
	return loc
}

// run starts a loop and returns a channel with its result.
func (f *fixture) run(ctx context.Context, name string, loc capture.Locator, out PartWriter) <-chan error {
	done := make(chan error, 1)
	go func() { done <- f.streamer.Run(ctx, name, loc, out) }()
	return done
}

func isPlaceholder(data []byte) bool {
	img, err := decode(data)
	if err != nil {
		return false
	}
	return img.Bounds().Dx() == 640 && img.Bounds().Dy() == 480
}

func decode(data []byte) (image.Image, error) {
	return jpeg.Decode(bytes.NewReader(data))
}

// droneBox lies on even coordinates so its edges survive chroma subsampling.
var droneBox = pipeline.BBox{X1: 100, Y1: 100, X2: 200, Y2: 200}

// hasBox reports whether the top edge of droneBox is drawn in the overlay
// green on an encoded part.
func hasBox(data []byte) bool {
	img, err := decode(data)
	if err != nil {
		return false
	}
	r, g, b, _ := img.At(180, 100).RGBA()
	return int(g>>8)-int((r>>8+b>>8)/2) > 100
}

// scriptedDetector answers with detections(call), where call counts from 1.
type scriptedDetector struct {
	calls  atomic.Int32
	active atomic.Int32
	block  chan struct{}
	err    error

	detections func(call int32) []pipeline.Detection
}

func (d *scriptedDetector) Name() string { return "scripted" }

func (d *scriptedDetector) Detect(ctx context.Context, img image.Image) ([]pipeline.Detection, error) {
	call := d.calls.Add(1)
	d.active.Add(1)
	defer d.active.Add(-1)
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	if d.detections == nil {
		return []pipeline.Detection{{Class: "drone", Confidence: 0.9, BBox: droneBox}}, nil
	}
	return d.detections(call), nil
}
