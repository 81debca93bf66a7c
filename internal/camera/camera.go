// Package camera keeps one background reader per video source and hands out
// copies of the latest frame to any number of viewers.
package camera

import (
	"context"
	"image"
	"image/draw"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"skywatch/internal/capture"
	"skywatch/internal/metrics"
)

// ErrStopTimeout is returned by Stop when the reader did not exit in time.
var ErrStopTimeout = errors.New("frame source did not stop in time")

// State of a Source's connection.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateStale
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStale:
		return "stale"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Frame is a private copy of a captured image.
type Frame struct {
	Image      *image.RGBA
	Seq        uint64
	CapturedAt time.Time
}

// Options tunes a Source. Zero durations take the defaults below.
type Options struct {
	ReadTimeout      time.Duration
	ReconnectBackoff time.Duration
	StaleAfter       time.Duration
	StopTimeout      time.Duration

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 2 * time.Second
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 3 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 2 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Source owns one capture device. A single goroutine reads it, reconnecting
// with a fixed backoff whenever a read fails or times out.
type Source struct {
	name   string
	loc    capture.Locator
	opener capture.Opener
	opts   Options
	logger *zap.Logger

	state atomic.Int32

	mu       sync.RWMutex
	frame    *image.RGBA
	spare    *image.RGBA
	seq      uint64
	lastRead time.Time
	fps      fpsMeter

	ctx        context.Context
	cancel     context.CancelFunc
	after      <-chan struct{} // predecessor still releasing its device
	done       chan struct{}
	firstFrame chan struct{}
	firstOnce  sync.Once
	stopOnce   sync.Once

	reconnectLog rate.Sometimes
}

// NewSource starts reading loc in the background.
func NewSource(name string, loc capture.Locator, opener capture.Opener, opts Options) *Source {
	return newSource(name, loc, opener, opts, nil)
}

// newSource delays the first open until after is closed, so a replacement
// never holds the device at the same time as the source it replaces.
func newSource(name string, loc capture.Locator, opener capture.Opener, opts Options, after <-chan struct{}) *Source {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Source{
		name:         name,
		loc:          loc,
		opener:       opener,
		opts:         opts,
		logger:       opts.Logger.Named("camera").With(zap.String("camera", name)),
		ctx:          ctx,
		cancel:       cancel,
		after:        after,
		done:         make(chan struct{}),
		firstFrame:   make(chan struct{}),
		reconnectLog: rate.Sometimes{First: 3, Interval: 30 * time.Second},
	}
	go s.run()
	return s
}

// Name returns the camera name.
func (s *Source) Name() string { return s.name }

// Locator returns what the source was opened with.
func (s *Source) Locator() capture.Locator { return s.loc }

// State reports the connection state. A connected source whose last read is
// older than the stale threshold reports StateStale.
func (s *Source) State() State {
	st := State(s.state.Load())
	if st != StateConnected {
		return st
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.isStaleLocked() {
		return StateStale
	}
	return st
}

func (s *Source) setState(next State) {
	for {
		cur := s.state.Load()
		if State(cur) == StateStopped {
			return
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

func (s *Source) run() {
	defer close(s.done)

	if s.after != nil {
		select {
		case <-s.after:
		default:
			s.logger.Info("waiting for previous reader to release the device")
			select {
			case <-s.after:
			case <-s.ctx.Done():
				return
			}
		}
	}

	attempt := 0
	for s.ctx.Err() == nil {
		if attempt > 0 {
			s.setState(StateReconnecting)
			if s.opts.Metrics != nil {
				s.opts.Metrics.Reconnects.WithLabelValues(s.name).Inc()
			}
			if !s.sleep(s.opts.ReconnectBackoff) {
				return
			}
		}
		attempt++

		dev, err := s.opener.Open(s.ctx, s.loc)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.reconnectLog.Do(func() {
				s.logger.Warn("open failed, retrying",
					zap.String("source", s.loc.Raw),
					zap.Int("attempt", attempt),
					zap.Error(err))
			})
			continue
		}

		err = s.consume(dev)
		if cerr := dev.Close(); cerr != nil {
			s.logger.Debug("closing device", zap.Error(cerr))
		}
		s.disconnected()
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn("source lost", zap.String("source", s.loc.Raw), zap.Error(err))
	}
}

// consume reads until the device fails, a read times out, or the source stops.
func (s *Source) consume(dev capture.Device) error {
	for {
		ctx, cancel := s.opts.Clock.WithTimeout(s.ctx, s.opts.ReadTimeout)
		img, err := dev.Read(ctx)
		cancel()
		if err != nil {
			return err
		}
		if img == nil {
			return errors.New("device returned empty frame")
		}
		s.store(img)
	}
}

func (s *Source) store(img image.Image) {
	// The spare buffer is never visible to readers, so it can be filled
	// without the lock.
	s.mu.RLock()
	next := s.spare
	s.mu.RUnlock()
	next = toRGBA(img, next)

	now := s.opts.Clock.Now()
	s.mu.Lock()
	s.spare = s.frame
	s.frame = next
	s.seq++
	s.lastRead = now
	s.fps.tick(now)
	s.mu.Unlock()

	s.setState(StateConnected)
	if s.opts.Metrics != nil {
		s.opts.Metrics.FramesCaptured.WithLabelValues(s.name).Inc()
	}
	s.firstOnce.Do(func() {
		s.logger.Info("source connected", zap.String("source", s.loc.Raw))
		close(s.firstFrame)
	})
}

func (s *Source) disconnected() {
	s.mu.Lock()
	s.fps.reset()
	s.mu.Unlock()
}

func (s *Source) sleep(d time.Duration) bool {
	select {
	case <-s.ctx.Done():
		return false
	case <-s.opts.Clock.After(d):
		return true
	}
}

func (s *Source) isStaleLocked() bool {
	return s.frame == nil || s.opts.Clock.Since(s.lastRead) > s.opts.StaleAfter
}

// Read returns a copy of the latest frame. ok is false when nothing has been
// captured yet or the last successful read is older than the stale threshold.
func (s *Source) Read() (Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.isStaleLocked() {
		return Frame{}, false
	}
	return Frame{Image: cloneRGBA(s.frame), Seq: s.seq, CapturedAt: s.lastRead}, true
}

// Peek reports the sequence number Read would return without copying pixels.
func (s *Source) Peek() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.isStaleLocked() {
		return 0, false
	}
	return s.seq, true
}

// CurrentFPS returns frames per second over the last full window, or 0 while
// stale or disconnected.
func (s *Source) CurrentFPS() float64 {
	if State(s.state.Load()) != StateConnected {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.isStaleLocked() {
		return 0
	}
	return s.fps.value
}

// WaitFirstFrame blocks until the first frame is captured, the timeout
// elapses, ctx ends, or the source stops.
func (s *Source) WaitFirstFrame(ctx context.Context, timeout time.Duration) bool {
	select {
	case <-s.firstFrame:
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}
	select {
	case <-s.firstFrame:
		return true
	case <-ctx.Done():
	case <-s.done:
	case <-s.opts.Clock.After(timeout):
	}
	return false
}

// Stop ends the reader and releases the device. It is safe to call more than
// once; every call waits at most the stop timeout.
func (s *Source) Stop() error {
	s.stopOnce.Do(func() {
		s.state.Store(int32(StateStopped))
		s.cancel()
		s.logger.Info("stopping source")
	})
	select {
	case <-s.done:
		return nil
	case <-s.opts.Clock.After(s.opts.StopTimeout):
		return errors.Wrapf(ErrStopTimeout, "camera %s", s.name)
	}
}

// Done is closed when the reader goroutine has exited.
func (s *Source) Done() <-chan struct{} {
	return s.done
}

func toRGBA(img image.Image, dst *image.RGBA) *image.RGBA {
	b := img.Bounds()
	if dst == nil || dst.Bounds() != b {
		dst = image.NewRGBA(b)
	}
	draw.Draw(dst, b, img, b.Min, draw.Src)
	return dst
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

// fpsMeter counts frames in one-second windows.
type fpsMeter struct {
	windowStart time.Time
	count       int
	value       float64
}

func (m *fpsMeter) tick(now time.Time) {
	if m.windowStart.IsZero() {
		m.windowStart = now
		return
	}
	m.count++
	if elapsed := now.Sub(m.windowStart); elapsed >= time.Second {
		m.value = float64(m.count) / elapsed.Seconds()
		m.count = 0
		m.windowStart = now
	}
}

func (m *fpsMeter) reset() {
	m.windowStart = time.Time{}
	m.count = 0
	m.value = 0
}
