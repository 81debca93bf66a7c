// Package alert forwards qualifying detections to an external webhook with a
// captured snapshot, at most once per cooldown window per camera.
package alert

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"skywatch/internal/metrics"
	"skywatch/internal/overlay"
	"skywatch/internal/pipeline"
)

// Alert outcomes recorded in metrics.
const (
	OutcomeSent         = "sent"
	OutcomeRejected     = "rejected"
	OutcomeCaptureError = "capture_error"
	OutcomeWebhookError = "webhook_error"
	OutcomeNotifyError  = "notify_error"
)

// Event describes one dispatched alert.
type Event struct {
	Camera        string
	DetectedClass string
	Label         string
	Confidence    float64
	Image         string // snapshot file name, empty when none was written
	Snapshot      []byte // annotated JPEG
	At            time.Time
}

// Notifier is an additional alert channel besides the webhook.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, ev Event) error
}

// Options configures a Dispatcher.
type Options struct {
	WebhookURL    string
	Timeout       time.Duration // webhook request, default 2s
	Cooldown      time.Duration // per camera, default 2s
	Classes       []string
	DetectedClass string // reported to the webhook, default "Drone"
	CaptureDir    string
	JPEGQuality   int
	Notifiers     []Notifier

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Pool    pipeline.Submitter
}

// Payload is the webhook body.
type Payload struct {
	CameraName    string  `json:"cameraName"`
	DetectedClass string  `json:"detectedClass"`
	Confidence    float64 `json:"confidence"`
	Image         string  `json:"image"`
}

// Dispatcher decides which detections raise an alert and sends them off the
// video path.
type Dispatcher struct {
	opts   Options
	filter pipeline.ClassFilter
	client *resty.Client
	logger *zap.Logger

	cameras sync.Map // camera name -> *cooldown
}

type cooldown struct {
	last atomic.Pointer[time.Time] // nil until the first alert
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 2 * time.Second
	}
	if opts.DetectedClass == "" {
		opts.DetectedClass = "Drone"
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 90
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Dispatcher{
		opts:   opts,
		filter: pipeline.NewClassFilter(opts.Classes),
		client: resty.New().
			SetTimeout(opts.Timeout).
			SetHeader("Content-Type", "application/json"),
		logger: opts.Logger.Named("alert"),
	}
}

// OnDetectionResult offers every detection of a result to MaybeAlert.
func (d *Dispatcher) OnDetectionResult(res *pipeline.DetectionResult) {
	for _, det := range res.Detections {
		d.MaybeAlert(res.CameraID, det.Class, det.Confidence, det.BBox, res.Frame)
	}
}

// MaybeAlert schedules an alert when label is allow-listed and the camera is
// outside its cooldown window. It never blocks and reports whether an alert
// was scheduled. frame is only read.
func (d *Dispatcher) MaybeAlert(camera, label string, confidence float64, box pipeline.BBox, frame *image.RGBA) bool {
	if !d.filter.Match(label) {
		return false
	}
	cd := d.cooldown(camera)
	now := d.opts.Clock.Now()
	prev := cd.last.Load()
	if prev != nil && now.Sub(*prev) < d.opts.Cooldown {
		return false
	}
	if !cd.last.CompareAndSwap(prev, &now) {
		return false
	}

	d.logger.Info("detected",
		zap.String("camera", camera),
		zap.String("label", label),
		zap.Float64("confidence", confidence))

	ok := d.opts.Pool != nil && d.opts.Pool.TrySubmit("alert:"+camera, func(ctx context.Context) {
		d.dispatch(ctx, Event{
			Camera:        camera,
			DetectedClass: d.opts.DetectedClass,
			Label:         label,
			Confidence:    confidence,
			At:            now,
		}, box, frame)
	})
	if !ok {
		// A dropped alert must not silence the camera for a whole window.
		cd.last.CompareAndSwap(&now, prev)
		d.count(camera, OutcomeRejected)
		return false
	}
	return true
}

func (d *Dispatcher) cooldown(camera string) *cooldown {
	if cd, ok := d.cameras.Load(camera); ok {
		return cd.(*cooldown)
	}
	cd, _ := d.cameras.LoadOrStore(camera, &cooldown{})
	return cd.(*cooldown)
}

func (d *Dispatcher) dispatch(ctx context.Context, ev Event, box pipeline.BBox, frame *image.RGBA) {
	logger := d.logger.With(zap.String("camera", ev.Camera))

	if frame != nil {
		var err error
		if ev.Image, ev.Snapshot, err = d.capture(ev.Camera, ev.Confidence, box, frame); err != nil {
			logger.Warn("snapshot failed", zap.Error(err))
			d.count(ev.Camera, OutcomeCaptureError)
		}
	}

	if d.opts.WebhookURL != "" {
		if err := d.post(ctx, ev); err != nil {
			logger.Warn("webhook failed", zap.String("url", d.opts.WebhookURL), zap.Error(err))
			d.count(ev.Camera, OutcomeWebhookError)
		} else {
			d.count(ev.Camera, OutcomeSent)
		}
	}

	for _, n := range d.opts.Notifiers {
		if err := n.Notify(ctx, ev); err != nil {
			logger.Warn("notifier failed", zap.String("notifier", n.Name()), zap.Error(err))
			d.count(ev.Camera, OutcomeNotifyError)
		}
	}
}

func (d *Dispatcher) post(ctx context.Context, ev Event) error {
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(Payload{
			CameraName:    ev.Camera,
			DetectedClass: ev.DetectedClass,
			Confidence:    ev.Confidence,
			Image:         ev.Image,
		}).
		Post(d.opts.WebhookURL)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return errors.Errorf("webhook returned %s", resp.Status())
	}
	return nil
}

// capture writes an annotated copy of frame and returns its file name and
// contents.
func (d *Dispatcher) capture(camera string, confidence float64, box pipeline.BBox, frame *image.RGBA) (string, []byte, error) {
	img := image.NewRGBA(frame.Rect)
	draw.Draw(img, img.Rect, frame, frame.Rect.Min, draw.Src)
	overlay.DrawBox(img, box, overlay.AlertColor, 2)
	overlay.DrawLabel(img, box.X1, box.Y1-16, overlay.Label(confidence), overlay.AlertColor)

	data, err := overlay.EncodeJPEG(img, d.opts.JPEGQuality)
	if err != nil {
		return "", nil, err
	}
	if err := os.MkdirAll(d.opts.CaptureDir, 0o755); err != nil {
		return "", data, errors.Wrap(err, "create capture dir")
	}
	name := SnapshotName(camera)
	if err := os.WriteFile(filepath.Join(d.opts.CaptureDir, name), data, 0o644); err != nil {
		return "", data, errors.Wrap(err, "write snapshot")
	}
	return name, data, nil
}

// SnapshotName returns "<camera>_<8 hex>.jpg" with spaces and path separators
// replaced by underscores.
func SnapshotName(camera string) string {
	safe := strings.NewReplacer(" ", "_", "/", "_", "\\", "_").Replace(camera)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return safe + "_" + suffix + ".jpg"
}

func (d *Dispatcher) count(camera, outcome string) {
	if d.opts.Metrics != nil {
		d.opts.Metrics.Alerts.WithLabelValues(camera, outcome).Inc()
	}
}
