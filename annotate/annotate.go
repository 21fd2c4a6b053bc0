// Package annotate renders detection results onto images.
package annotate

import (
	"fmt"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/pkg/errors"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/nvr-ai/go-detect/images"
	"github.com/nvr-ai/go-detect/postprocess"
)

var labelFont *truetype.Font

func init() {
	var err error
	labelFont, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// classPalette cycles per class id so the same class always draws in the
// same color.
var classPalette = []color.RGBA{
	{R: 230, G: 57, B: 70, A: 255},
	{R: 69, G: 123, B: 157, A: 255},
	{R: 42, G: 157, B: 143, A: 255},
	{R: 233, G: 196, B: 106, A: 255},
	{R: 144, G: 103, B: 198, A: 255},
	{R: 244, G: 162, B: 97, A: 255},
}

// Drawer renders labeled bounding boxes onto a source image and encodes
// the result. The zero value is not usable; create with NewDrawer.
type Drawer struct {
	lineWidth float64
	fontSize  float64
	format    string
}

// Option adjusts drawer rendering.
type Option func(*Drawer)

// WithLineWidth sets the box stroke width in pixels.
func WithLineWidth(w float64) Option {
	return func(d *Drawer) { d.lineWidth = w }
}

// WithFontSize sets the label font size in points.
func WithFontSize(s float64) Option {
	return func(d *Drawer) { d.fontSize = s }
}

// WithFormat sets the output encoding, one of "jpeg", "png" or "webp".
func WithFormat(format string) Option {
	return func(d *Drawer) { d.format = format }
}

// NewDrawer creates a drawer with 2px strokes, 14pt labels and PNG
// output.
func NewDrawer(opts ...Option) *Drawer {
	d := &Drawer{lineWidth: 2, fontSize: 14, format: "png"}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Annotate draws every detection on the decoded source and returns the
// encoded image.
//
// Arguments:
//   - src: The original image source.
//   - dets: Detections in original image coordinates.
//
// Returns:
//   - []byte: The encoded annotated image.
//   - error: Decode or encode failures.
func (d *Drawer) Annotate(src images.Source, dets []postprocess.Detection) ([]byte, error) {
	img, err := src.Decode()
	if err != nil {
		return nil, errors.Wrap(err, "decoding image for annotation")
	}

	dc := gg.NewContextForImage(img)
	dc.SetFontFace(truetype.NewFace(labelFont, &truetype.Options{Size: d.fontSize}))

	for _, det := range dets {
		c := classPalette[paletteIndex(det.ClassID)]
		box := det.Box

		dc.SetColor(c)
		dc.SetLineWidth(d.lineWidth)
		dc.DrawRectangle(
			float64(box.X1), float64(box.Y1),
			float64(box.X2-box.X1), float64(box.Y2-box.Y1),
		)
		dc.Stroke()

		label := labelText(det)
		lw, lh := dc.MeasureString(label)
		ly := float64(box.Y1) - lh - 2
		if ly < 0 {
			ly = float64(box.Y1) + 2
		}
		dc.SetColor(c)
		dc.DrawRectangle(float64(box.X1), ly, lw+6, lh+4)
		dc.Fill()
		dc.SetColor(color.White)
		dc.DrawString(label, float64(box.X1)+3, ly+lh)
	}

	encoded, err := images.Encode(dc.Image(), d.format)
	if err != nil {
		return nil, errors.Wrap(err, "encoding annotated image")
	}
	return encoded, nil
}

// paletteIndex maps any class id, including garbage negative ids from
// malformed model outputs, onto the palette.
func paletteIndex(classID int) int {
	idx := classID % len(classPalette)
	if idx < 0 {
		idx += len(classPalette)
	}
	return idx
}

func labelText(det postprocess.Detection) string {
	name := det.ClassName
	if name == "" {
		name = fmt.Sprintf("class %d", det.ClassID)
	}
	return fmt.Sprintf("%s %.2f", name, det.Confidence)
}
