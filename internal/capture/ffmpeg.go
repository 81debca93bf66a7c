package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// FFmpegOpener decodes sources by running ffmpeg and reading an MJPEG
// image2pipe stream from its stdout.
type FFmpegOpener struct {
	Path      string
	Width     int
	Height    int
	FPS       int
	InputArgs map[string]string
	Logger    *zap.Logger
}

// Args builds the ffmpeg argument list for loc, without the binary name.
func (o *FFmpegOpener) Args(loc Locator) []string {
	in := ffmpeg.KwArgs{}
	for k, v := range o.InputArgs {
		in[k] = v
	}

	input := loc.Raw
	switch {
	case loc.IsDevice():
		input = loc.DevicePath()
		in["f"] = "v4l2"
		if o.Width > 0 && o.Height > 0 {
			in["video_size"] = fmt.Sprintf("%dx%d", o.Width, o.Height)
		}
		if o.FPS > 0 {
			in["framerate"] = o.FPS
		}
	case strings.HasPrefix(loc.Raw, "rtsp://"):
		if _, ok := in["rtsp_transport"]; !ok {
			in["rtsp_transport"] = "tcp"
		}
	}

	out := ffmpeg.KwArgs{
		"f":      "image2pipe",
		"vcodec": "mjpeg",
		"q:v":    5,
	}
	if o.FPS > 0 && !loc.IsDevice() {
		out["r"] = o.FPS
	}

	cmd := ffmpeg.Input(input, in).Output("pipe:", out).Compile()
	return cmd.Args[1:]
}

// Open starts ffmpeg for loc and returns once the process is running. Frames
// arrive asynchronously; the first Read blocks until one is decoded.
func (o *FFmpegOpener) Open(ctx context.Context, loc Locator) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := o.Path
	if path == "" {
		path = "ffmpeg"
	}
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(runCtx, path, o.Args(loc)...)
	stderr := &tailBuffer{max: 2048}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "ffmpeg stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, errors.Wrapf(err, "starting %s for %s", path, loc)
	}

	d := &ffmpegDevice{
		loc:     loc,
		cmd:     cmd,
		cancel:  cancel,
		stderr:  stderr,
		frames:  make(chan image.Image, 1),
		done:    make(chan struct{}),
		logger:  logger.With(zap.String("source", loc.Raw)),
		badJPEG: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	go d.run(stdout)
	return d, nil
}

type ffmpegDevice struct {
	loc    Locator
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stderr *tailBuffer

	frames chan image.Image
	done   chan struct{}
	err    error

	closeOnce sync.Once
	logger    *zap.Logger
	badJPEG   rate.Sometimes
}

// run splits stdout into JPEG images and keeps only the newest decoded one.
// It owns the process: when stdout ends it reaps ffmpeg and records why.
func (d *ffmpegDevice) run(stdout io.Reader) {
	defer close(d.done)

	buf := make([]byte, 0, 1<<20)
	chunk := make([]byte, 32*1024)
	var readErr error
	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				frame := nextJPEG(&buf)
				if frame == nil {
					break
				}
				d.publish(frame)
			}
		}
		if err != nil {
			readErr = err
			break
		}
	}

	waitErr := d.cmd.Wait()
	switch {
	case waitErr != nil:
		d.err = errors.Wrapf(waitErr, "ffmpeg exited: %s", d.stderr.String())
	case readErr == io.EOF:
		d.err = errors.New("ffmpeg stream ended")
	default:
		d.err = errors.Wrap(readErr, "reading ffmpeg output")
	}
}

func (d *ffmpegDevice) publish(frame []byte) {
	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		d.badJPEG.Do(func() {
			d.logger.Debug("dropping undecodable frame", zap.Error(err))
		})
		return
	}
	select {
	case d.frames <- img:
		return
	default:
	}
	select {
	case <-d.frames:
	default:
	}
	select {
	case d.frames <- img:
	default:
	}
}

func (d *ffmpegDevice) Read(ctx context.Context) (image.Image, error) {
	select {
	case img := <-d.frames:
		return img, nil
	default:
	}
	select {
	case img := <-d.frames:
		return img, nil
	case <-d.done:
		if d.err == nil {
			return nil, ErrClosed
		}
		return nil, d.err
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "reading %s", d.loc)
	}
}

// Close kills ffmpeg and waits for the reader to finish.
func (d *ffmpegDevice) Close() error {
	d.closeOnce.Do(func() {
		d.cancel()
		<-d.done
	})
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
