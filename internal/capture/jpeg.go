package capture

import "bytes"

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// maxJPEGSize bounds a buffered image that has not seen its end marker yet.
const maxJPEGSize = 8 << 20

// nextJPEG pops the first complete JPEG image out of buf. Bytes before the
// start marker are dropped, and so is an unterminated image once it outgrows
// maxJPEGSize. It returns nil when no complete image is buffered.
func nextJPEG(buf *[]byte) []byte {
	b := *buf
	start := bytes.Index(b, jpegSOI)
	if start < 0 {
		// Keep a trailing 0xFF in case the marker is split across reads.
		if n := len(b); n > 0 && b[n-1] == 0xFF {
			*buf = b[n-1:]
		} else {
			*buf = b[:0]
		}
		return nil
	}
	end := bytes.Index(b[start+2:], jpegEOI)
	if end < 0 {
		if len(b)-start <= maxJPEGSize {
			*buf = b[start:]
			return nil
		}
		// Resync on the next start marker, or drop everything.
		if next := bytes.Index(b[start+2:], jpegSOI); next >= 0 {
			*buf = b[start+2+next:]
		} else {
			*buf = b[:0]
		}
		return nil
	}
	end += start + 4

	frame := make([]byte, end-start)
	copy(frame, b[start:end])
	*buf = b[end:]
	return frame
}
