//go:build gocv

package capture

import (
	"context"
	"image"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// GocvOpener decodes sources through OpenCV.
type GocvOpener struct {
	Width  int
	Height int
	Logger *zap.Logger
}

// NewGocvOpener returns the OpenCV backend.
func NewGocvOpener(width, height int, logger *zap.Logger) (Opener, error) {
	return &GocvOpener{Width: width, Height: height, Logger: logger}, nil
}

func (o *GocvOpener) Open(ctx context.Context, loc Locator) (Device, error) {
	var (
		vc  *gocv.VideoCapture
		err error
	)
	if loc.IsDevice() {
		vc, err = gocv.OpenVideoCapture(loc.Index)
	} else {
		vc, err = gocv.OpenVideoCapture(loc.Raw)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", loc)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, errors.Errorf("opening %s: capture not opened", loc)
	}
	vc.Set(gocv.VideoCaptureBufferSize, 1)
	if loc.IsDevice() && o.Width > 0 && o.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(o.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(o.Height))
	}
	return &gocvDevice{loc: loc, vc: vc}, nil
}

type gocvResult struct {
	img image.Image
	err error
}

// gocvDevice never runs two cgo reads at once: a read abandoned on timeout is
// picked up by the next Read call.
type gocvDevice struct {
	loc Locator

	mu      sync.Mutex
	vc      *gocv.VideoCapture
	pending chan gocvResult
	closed  bool
}

func (d *gocvDevice) Read(ctx context.Context) (image.Image, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	if d.pending == nil {
		ch := make(chan gocvResult, 1)
		d.pending = ch
		go d.grab(ch)
	}
	ch := d.pending
	d.mu.Unlock()

	select {
	case res := <-ch:
		d.mu.Lock()
		d.pending = nil
		d.mu.Unlock()
		return res.img, res.err
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "reading %s", d.loc)
	}
}

func (d *gocvDevice) grab(ch chan<- gocvResult) {
	mat := gocv.NewMat()
	defer mat.Close()
	if ok := d.vc.Read(&mat); !ok || mat.Empty() {
		ch <- gocvResult{err: errors.Errorf("reading %s: no frame", d.loc)}
		return
	}
	img, err := mat.ToImage()
	if err != nil {
		ch <- gocvResult{err: errors.Wrap(err, "converting frame")}
		return
	}
	ch <- gocvResult{img: img}
}

func (d *gocvDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	pending := d.pending
	d.mu.Unlock()

	if pending != nil {
		<-pending
	}
	return d.vc.Close()
}
