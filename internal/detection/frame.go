// Package detection contains the inference backends behind pipeline.Detector.
package detection

import (
	"bytes"
	"encoding/json"
	"image"
	"image/jpeg"
	"math"

	"github.com/pkg/errors"
	xdraw "golang.org/x/image/draw"

	"skywatch/internal/pipeline"
)

// encodeQuality is the JPEG quality of frames sent for inference.
const encodeQuality = 85

// prepareFrame down-scales img so its width is at most maxWidth and encodes
// it as JPEG. scale maps original pixels to sent pixels (sent = orig*scale).
func prepareFrame(img image.Image, maxWidth int) (payload []byte, scale float64, err error) {
	b := img.Bounds()
	if b.Empty() {
		return nil, 0, errors.New("empty frame")
	}
	scale = 1
	src := img
	if maxWidth > 0 && b.Dx() > maxWidth {
		scale = float64(maxWidth) / float64(b.Dx())
		h := int(math.Round(float64(b.Dy()) * scale))
		if h < 1 {
			h = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
		xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
		src = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: encodeQuality}); err != nil {
		return nil, 0, errors.Wrap(err, "encoding frame")
	}
	return buf.Bytes(), scale, nil
}

// prediction is one box in centre format, in the pixel space of the frame
// that was sent.
type prediction struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Confidence float64 `json:"confidence"`
	Class      string  `json:"class"`
}

type predictionResponse struct {
	Predictions []prediction `json:"predictions"`
}

// parsePredictions decodes a predictions document and maps every box back to
// the original frame.
func parsePredictions(body []byte, scale float64, bounds image.Rectangle) ([]pipeline.Detection, error) {
	var resp predictionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrapf(pipeline.ErrMalformed, "decoding predictions: %v", err)
	}
	if scale <= 0 {
		scale = 1
	}
	dets := make([]pipeline.Detection, 0, len(resp.Predictions))
	for _, p := range resp.Predictions {
		dets = append(dets, pipeline.Detection{
			Class:      p.Class,
			Confidence: p.Confidence,
			BBox: pipeline.BBox{
				X1: clamp(int((p.X-p.Width/2)/scale), bounds.Min.X, bounds.Max.X),
				Y1: clamp(int((p.Y-p.Height/2)/scale), bounds.Min.Y, bounds.Max.Y),
				X2: clamp(int((p.X+p.Width/2)/scale), bounds.Min.X, bounds.Max.X),
				Y2: clamp(int((p.Y+p.Height/2)/scale), bounds.Min.Y, bounds.Max.Y),
			},
		})
	}
	return dets, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
