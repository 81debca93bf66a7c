// Package overlay draws detection boxes and status frames onto video frames
// and encodes them for the MJPEG writer.
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"skywatch/internal/pipeline"
)

// Placeholder frame size.
const (
	PlaceholderWidth  = 640
	PlaceholderHeight = 480
)

var (
	BoxColor   = color.RGBA{0, 255, 0, 255}
	AlertColor = color.RGBA{255, 0, 0, 255}
	labelBG    = color.RGBA{0, 0, 0, 180}
	white      = color.RGBA{255, 255, 255, 255}
)

// Label formats the overlay text for a detection.
func Label(confidence float64) string {
	return fmt.Sprintf("DRONE %.2f", confidence)
}

// DrawDetections draws every detection whose class passes filter and returns
// how many were drawn.
func DrawDetections(img *image.RGBA, dets []pipeline.Detection, filter pipeline.ClassFilter) int {
	n := 0
	for _, det := range dets {
		if !filter.Match(det.Class) {
			continue
		}
		DrawBox(img, det.BBox, BoxColor, 2)
		DrawLabel(img, det.BBox.X1, det.BBox.Y1-16, Label(det.Confidence), BoxColor)
		n++
	}
	return n
}

// DrawBox draws the outline of b clipped to the image.
func DrawBox(img *image.RGBA, b pipeline.BBox, c color.RGBA, thickness int) {
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(b.X1, b.Y1, b.X2, b.Y1+thickness),
		image.Rect(b.X1, b.Y2-thickness, b.X2, b.Y2),
		image.Rect(b.X1, b.Y1, b.X1+thickness, b.Y2),
		image.Rect(b.X2-thickness, b.Y1, b.X2, b.Y2),
	}
	for _, r := range edges {
		r = r.Intersect(img.Bounds())
		if !r.Empty() {
			draw.Draw(img, r, src, image.Point{}, draw.Src)
		}
	}
}

// DrawLabel draws label on a dark background with its top-left corner at x, y.
func DrawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 0 {
		y = 0
	}
	if x < 0 {
		x = 0
	}
	face := basicfont.Face7x13
	width := font.MeasureString(face, label).Ceil()

	bg := image.Rect(x-2, y-2, x+width+2, y+face.Height+2).Intersect(img.Bounds())
	draw.Draw(img, bg, image.NewUniform(labelBG), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + face.Ascent)},
	}
	d.DrawString(label)
}

// Placeholder renders the black "signal lost" frame shown while a source
// reconnects.
func Placeholder(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	drawCentered(img, height/2-20, "SIGNAL LOST", AlertColor)
	drawCentered(img, height/2+10, "RECONNECTING...", white)
	return img
}

func drawCentered(img *image.RGBA, y int, text string, c color.RGBA) {
	face := basicfont.Face7x13
	w := font.MeasureString(face, text).Ceil()
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P((img.Bounds().Dx()-w)/2, y+face.Ascent),
	}
	d.DrawString(text)
}

// EncodeJPEG encodes img at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errors.New("empty frame")
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, errors.Wrap(err, "encode jpeg")
	}
	return buf.Bytes(), nil
}
