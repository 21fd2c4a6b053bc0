package images

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// letterboxFill is the padding gray detection models are trained with.
var letterboxFill = color.RGBA{R: 114, G: 114, B: 114, A: 255}

// Context records the geometry of one letterbox operation. Postprocessors
// use it to unmap model coordinates back to the original image; nothing else
// reads it. PadX and PadY are never negative and Ratio is always positive.
type Context struct {
	// OriginalWidth is the source image width in pixels.
	OriginalWidth int
	// OriginalHeight is the source image height in pixels.
	OriginalHeight int
	// PadX is the horizontal padding on each side, in model input pixels.
	PadX float32
	// PadY is the vertical padding on each side, in model input pixels.
	PadY float32
	// Ratio is the uniform scale applied before padding.
	Ratio float32
	// InputSize is the square model input edge.
	InputSize int
}

// Unmap converts a model-space coordinate pair back to original image space.
//
// Arguments:
//   - x: Model-space x.
//   - y: Model-space y.
//
// Returns:
//   - float32: Original-space x.
//   - float32: Original-space y.
func (c Context) Unmap(x, y float32) (float32, float32) {
	return (x - c.PadX) / c.Ratio, (y - c.PadY) / c.Ratio
}

// UnmapRect unmaps and clamps a model-space box to the original image extents.
func (c Context) UnmapRect(r Rect) Rect {
	x1, y1 := c.Unmap(r.X1, r.Y1)
	x2, y2 := c.Unmap(r.X2, r.Y2)
	return Rect{X1: x1, Y1: y1, X2: x2, Y2: y2}.
		Clamp(float32(c.OriginalWidth), float32(c.OriginalHeight))
}

// Letterbox scales the image to fit a size x size square preserving aspect
// ratio, pads the remainder with gray 114 centered on both axes, and returns
// the padded image with the geometry needed to undo the mapping.
//
// Arguments:
//   - img: The decoded source image.
//   - size: The square model input edge.
//
// Returns:
//   - *image.RGBA: The size x size letterboxed image.
//   - Context: The coordinate-mapping context.
//   - error: ErrInvalidImage for degenerate inputs.
func Letterbox(img image.Image, size int) (*image.RGBA, Context, error) {
	bounds := img.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()
	if w <= 0 || h <= 0 || size <= 0 {
		return nil, Context{}, errors.Wrapf(ErrInvalidImage, "letterbox %dx%d to %d", w, h, size)
	}

	ratio := min32(float32(size)/float32(h), float32(size)/float32(w))
	newW := int(math.Round(float64(float32(w) * ratio)))
	newH := int(math.Round(float64(float32(h) * ratio)))
	padX := float32(size-newW) / 2
	padY := float32(size-newH) / 2

	scaled := resize.Resize(uint(newW), uint(newH), img, resize.Bilinear)

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: letterboxFill}, image.Point{}, draw.Src)
	origin := image.Pt(int(padX), int(padY))
	draw.Draw(dst, image.Rectangle{Min: origin, Max: origin.Add(image.Pt(newW, newH))},
		scaled, image.Point{}, draw.Over)

	return dst, Context{
		OriginalWidth:  w,
		OriginalHeight: h,
		PadX:           padX,
		PadY:           padY,
		Ratio:          ratio,
		InputSize:      size,
	}, nil
}
