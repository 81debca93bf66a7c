// Package capture opens video devices and network streams and decodes them
// into images. It is the only package that talks to the decode library.
package capture

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrClosed is returned by Read after Close.
	ErrClosed = errors.New("capture device closed")
	// ErrBackendUnavailable is returned when a backend was not compiled in.
	ErrBackendUnavailable = errors.New("capture backend unavailable in this build")
)

// Device is an opened video source. Read blocks until the next frame, a device
// failure, or ctx expiry. Implementations are read by a single goroutine.
type Device interface {
	Read(ctx context.Context) (image.Image, error)
	Close() error
}

// Opener opens devices for a locator.
type Opener interface {
	Open(ctx context.Context, loc Locator) (Device, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, loc Locator) (Device, error)

func (f OpenerFunc) Open(ctx context.Context, loc Locator) (Device, error) {
	return f(ctx, loc)
}

// Locator identifies a source: either a local device index or a URI (RTSP,
// HTTP MJPEG, file path).
type Locator struct {
	Raw   string
	Index int

	device bool
}

// ParseLocator treats all-digit strings as device indices and anything else
// as a URI.
func ParseLocator(raw string) (Locator, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Locator{}, errors.New("empty source locator")
	}
	if isDigits(raw) {
		idx, err := strconv.Atoi(raw)
		if err != nil {
			return Locator{}, errors.Wrapf(err, "device index %q", raw)
		}
		return Locator{Raw: raw, Index: idx, device: true}, nil
	}
	return Locator{Raw: raw, Index: -1}, nil
}

// IsDevice reports whether the locator names a local capture device.
func (l Locator) IsDevice() bool {
	return l.device
}

// IsNetwork reports whether the locator is an HTTP or RTSP URL.
func (l Locator) IsNetwork() bool {
	return strings.HasPrefix(l.Raw, "http://") ||
		strings.HasPrefix(l.Raw, "https://") ||
		strings.HasPrefix(l.Raw, "rtsp://")
}

// DevicePath returns the v4l2 node for a device locator.
func (l Locator) DevicePath() string {
	return fmt.Sprintf("/dev/video%d", l.Index)
}

func (l Locator) String() string {
	return l.Raw
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
