// Package stream serves live MJPEG views of cameras. Each viewer request runs
// its own viewer loop against the shared frame source for its camera.
package stream

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
)

// Boundary separates MJPEG parts.
const Boundary = "frame"

// PartWriter receives encoded JPEG frames.
type PartWriter interface {
	WritePart(jpeg []byte) error
}

// MJPEGWriter writes multipart/x-mixed-replace parts to an HTTP response.
type MJPEGWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// NewMJPEGWriter wraps w. Headers are sent with the first part.
func NewMJPEGWriter(w http.ResponseWriter) (*MJPEGWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}
	return &MJPEGWriter{w: w, flusher: flusher}, nil
}

// WritePart writes one frame and flushes it to the client.
func (m *MJPEGWriter) WritePart(frame []byte) error {
	if !m.started {
		h := m.w.Header()
		h.Set("Content-Type", "multipart/x-mixed-replace; boundary="+Boundary)
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		m.w.WriteHeader(http.StatusOK)
		m.started = true
	}
	if _, err := fmt.Fprintf(m.w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", Boundary, len(frame)); err != nil {
		return err
	}
	if _, err := m.w.Write(frame); err != nil {
		return err
	}
	if _, err := m.w.Write([]byte("\r\n")); err != nil {
		return err
	}
	m.flusher.Flush()
	return nil
}

// writeJPEG serves a single image.
func writeJPEG(w http.ResponseWriter, frame []byte) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame)))
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(frame)
}
