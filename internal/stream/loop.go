package stream

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"skywatch/internal/camera"
	"skywatch/internal/capture"
	"skywatch/internal/metrics"
	"skywatch/internal/overlay"
	"skywatch/internal/pipeline"
	"skywatch/internal/session"
)

// LoopState is the position of a viewer loop in its lifecycle.
type LoopState int

const (
	LoopStarting LoopState = iota
	LoopStreaming
	LoopAwaitingReconnect
	LoopTerminated
)

func (s LoopState) String() string {
	switch s {
	case LoopStarting:
		return "starting"
	case LoopStreaming:
		return "streaming"
	case LoopAwaitingReconnect:
		return "awaiting_reconnect"
	case LoopTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Options tunes viewer loops.
type Options struct {
	SignalLostDelay time.Duration // pause after a placeholder, default 500ms
	PollInterval    time.Duration // pause when no new frame is ready, default 15ms
	Warmup          time.Duration // wait for the first frame before placeholders, zero skips it
	JPEGQuality     int           // default 80
	OverlayClasses  []string

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.SignalLostDelay <= 0 {
		o.SignalLostDelay = 500 * time.Millisecond
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 15 * time.Millisecond
	}
	if o.Warmup < 0 {
		o.Warmup = 0
	}
	if o.JPEGQuality <= 0 {
		o.JPEGQuality = 80
	}
	if o.OverlayClasses == nil {
		o.OverlayClasses = []string{"drone", "1", "0", "uav"}
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Streamer runs viewer loops. It is shared by all requests.
type Streamer struct {
	registry *camera.Registry
	sessions *session.Controller
	throttle *pipeline.Throttle
	opts     Options
	filter   pipeline.ClassFilter
	logger   *zap.Logger

	placeholder []byte
}

// NewStreamer creates a Streamer. throttle may be nil to stream without
// detection.
func NewStreamer(registry *camera.Registry, sessions *session.Controller, throttle *pipeline.Throttle, opts Options) (*Streamer, error) {
	opts = opts.withDefaults()
	placeholder, err := overlay.EncodeJPEG(overlay.Placeholder(overlay.PlaceholderWidth, overlay.PlaceholderHeight), opts.JPEGQuality)
	if err != nil {
		return nil, errors.Wrap(err, "render placeholder")
	}
	return &Streamer{
		registry:    registry,
		sessions:    sessions,
		throttle:    throttle,
		opts:        opts,
		filter:      pipeline.NewClassFilter(opts.OverlayClasses),
		logger:      opts.Logger.Named("stream"),
		placeholder: placeholder,
	}, nil
}

// Run starts a session for name and streams its frames to out until the
// session is superseded or stopped, ctx ends, or a write fails. The source is
// acquired before the session starts, so a superseding viewer keeps the
// device open. Run always releases its registry reference and ends its
// session.
func (s *Streamer) Run(ctx context.Context, name string, loc capture.Locator, out PartWriter) error {
	lease := s.registry.Acquire(name, loc)
	if lease.Created() && s.throttle != nil {
		// Boxes and cooldown of an earlier source do not carry over.
		s.throttle.Reset(name)
	}
	sess := s.sessions.Start(ctx, name)
	l := &loop{
		Streamer: s,
		sess:     sess,
		out:      out,
		logger:   s.logger.With(zap.String("camera", name), zap.String("session", shortToken(sess.Token))),
		encLog:   rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	return l.run(lease, loc)
}

type loop struct {
	*Streamer
	sess   *session.Session
	out    PartWriter
	logger *zap.Logger
	state  LoopState
	encLog rate.Sometimes

	lastSeq uint64
	sent    bool
}

func (l *loop) run(lease *camera.Lease, loc capture.Locator) error {
	l.state = LoopStarting
	defer func() {
		l.setState(LoopTerminated)
		lease.Release()
		l.sessions.End(l.sess)
		if l.opts.Metrics != nil {
			l.opts.Metrics.ActiveStreams.Dec()
		}
	}()
	if l.opts.Metrics != nil {
		l.opts.Metrics.ActiveStreams.Inc()
	}

	src := lease.Source()
	ctx := l.sess.Context()
	l.logger.Info("stream starting", zap.Stringer("source", loc), zap.String("detection", l.detectionMode()))

	src.WaitFirstFrame(ctx, l.opts.Warmup)
	l.setState(LoopStreaming)

	for {
		if ctx.Err() != nil || !l.sess.Current() {
			l.logger.Info("stream ending", zap.NamedError("reason", reason(ctx)))
			return nil
		}

		seq, ok := src.Peek()
		if !ok {
			l.setState(LoopAwaitingReconnect)
			if err := l.out.WritePart(l.placeholder); err != nil {
				return errors.Wrap(err, "write placeholder")
			}
			if l.opts.Metrics != nil {
				l.opts.Metrics.Placeholders.WithLabelValues(l.sess.Camera).Inc()
			}
			l.sleep(ctx, l.opts.SignalLostDelay)
			continue
		}
		l.setState(LoopStreaming)

		if l.sent && seq == l.lastSeq {
			l.sleep(ctx, l.opts.PollInterval)
			continue
		}
		if err := l.emit(ctx, src); err != nil {
			return err
		}
	}
}

// emit sends the current frame with the newest detections drawn on it.
func (l *loop) emit(ctx context.Context, src *camera.Source) error {
	frame, ok := src.Read()
	if !ok {
		return nil
	}
	l.lastSeq, l.sent = frame.Seq, true

	if l.throttle != nil {
		if res := l.throttle.Observe(ctx, l.sess.Camera, frame.Image, frame.Seq); res != nil {
			overlay.DrawDetections(frame.Image, res.Detections, l.filter)
		}
	}

	data, err := overlay.EncodeJPEG(frame.Image, l.opts.JPEGQuality)
	if err != nil {
		l.encLog.Do(func() { l.logger.Warn("skipping frame", zap.Uint64("seq", frame.Seq), zap.Error(err)) })
		return nil
	}
	return errors.Wrap(l.out.WritePart(data), "write frame")
}

// sleep waits d or until ctx ends.
func (l *loop) sleep(ctx context.Context, d time.Duration) {
	t := l.opts.Clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (l *loop) detectionMode() string {
	if l.throttle == nil {
		return "off"
	}
	return l.throttle.Strategy().Name()
}

func (l *loop) setState(next LoopState) {
	if l.state == next {
		return
	}
	l.logger.Debug("loop state", zap.Stringer("from", l.state), zap.Stringer("to", next))
	l.state = next
}

func reason(ctx context.Context) error {
	if err := context.Cause(ctx); err != nil {
		return err
	}
	return errors.New("superseded or stopped")
}

func shortToken(token string) string {
	if len(token) > 8 {
		return token[len(token)-8:]
	}
	return token
}
