package overlay

import (
	"bytes"
	"image"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skywatch/internal/pipeline"
)

func TestLabel(t *testing.T) {
	assert.Equal(t, "DRONE 0.87", Label(0.8712))
}

func TestDrawDetectionsFiltersClasses(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 200, 200))
	dets := []pipeline.Detection{
		{Class: "drone", Confidence: 0.9, BBox: pipeline.BBox{X1: 50, Y1: 50, X2: 100, Y2: 100}},
		{Class: "bird", Confidence: 0.9, BBox: pipeline.BBox{X1: 120, Y1: 120, X2: 180, Y2: 180}},
	}
	n := DrawDetections(img, dets, pipeline.NewClassFilter([]string{"drone", "uav"}))
	assert.Equal(t, 1, n)

	assert.Equal(t, BoxColor, img.RGBAAt(50, 75), "left edge of the drone box")
	assert.Equal(t, BoxColor, img.RGBAAt(99, 75), "right edge of the drone box")
	assert.Zero(t, img.RGBAAt(150, 121).A, "the bird is not drawn")
}

func TestDrawBoxClipsToFrame(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 20, 20))
	assert.NotPanics(t, func() {
		DrawBox(img, pipeline.BBox{X1: -10, Y1: -10, X2: 40, Y2: 40}, BoxColor, 2)
		DrawLabel(img, 15, 15, Label(0.5), BoxColor)
	})
}

func TestPlaceholder(t *testing.T) {
	img := Placeholder(PlaceholderWidth, PlaceholderHeight)
	assert.Equal(t, image.Rect(0, 0, 640, 480), img.Bounds())

	var red bool
	for x := 0; x < img.Bounds().Dx() && !red; x++ {
		for y := 200; y < 240; y++ {
			if c := img.RGBAAt(x, y); c.R == 255 && c.G == 0 {
				red = true
				break
			}
		}
	}
	assert.True(t, red, "headline is drawn")

	data, err := EncodeJPEG(img, 80)
	require.NoError(t, err)
	decoded, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), decoded.Bounds())
}

func TestEncodeJPEGRejectsEmpty(t *testing.T) {
	_, err := EncodeJPEG(image.NewRGBA(image.Rectangle{}), 80)
	assert.Error(t, err)
}
