package camera

import (
	"context"
	"image"
	"image/color"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"skywatch/internal/capture"
)

// fakeOpener hands out fakeDevices fed from a shared frame channel.
type fakeOpener struct {
	frames   chan image.Image
	failures atomic.Int32 // opens that fail before one succeeds
	// closeGate, when set, blocks Close until it is closed.
	closeGate chan struct{}

	mu      sync.Mutex
	opens   int
	live    int
	maxLive int
	devices []*fakeDevice
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{frames: make(chan image.Image, 64)}
}

func (o *fakeOpener) Open(ctx context.Context, loc capture.Locator) (capture.Device, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if o.failures.Load() > 0 {
		o.failures.Add(-1)
		return nil, errors.New("connection refused")
	}
	o.live++
	if o.live > o.maxLive {
		o.maxLive = o.live
	}
	d := &fakeDevice{opener: o, frames: o.frames, fail: make(chan error, 1)}
	o.devices = append(o.devices, d)
	return d, nil
}

func (o *fakeOpener) stats() (opens, live, maxLive int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens, o.live, o.maxLive
}

func (o *fakeOpener) lastDevice() *fakeDevice {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.devices) == 0 {
		return nil
	}
	return o.devices[len(o.devices)-1]
}

type fakeDevice struct {
	opener *fakeOpener
	frames chan image.Image
	fail   chan error
	closed atomic.Bool
}

func (d *fakeDevice) Read(ctx context.Context) (image.Image, error) {
	select {
	case img := <-d.frames:
		return img, nil
	case err := <-d.fail:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDevice) Close() error {
	if d.opener.closeGate != nil {
		<-d.opener.closeGate
	}
	if d.closed.CompareAndSwap(false, true) {
		d.opener.mu.Lock()
		d.opener.live--
		d.opener.mu.Unlock()
	}
	return nil
}

func solid(c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func mustLocator(raw string) capture.Locator {
	loc, err := capture.ParseLocator(raw)
	if err != nil {
		panic(err)
	}
	return loc
}
