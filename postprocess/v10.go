package postprocess

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-detect/images"
)

// V10End2End decodes the end-to-end (1, D, 6) layout whose rows are already
// unique boxes: (x1, y1, x2, y2, conf, class_id) in model input coordinates.
// No suppression runs; the exported model did it in-graph. D is nominally at
// most 300 but any row count decodes the same way.
type V10End2End struct{}

// Detections filters rows by confidence and unmaps them.
//
// Arguments:
//   - raw: The output tensor data, D rows of 6 columns.
//   - shape: The output shape (1, D, 6).
//   - ctx: The letterbox context of the source image.
//   - cfg: The decoding configuration.
//
// Returns:
//   - []Detection: Kept detections in original image coordinates, row order.
//   - error: ErrShapeMismatch for layouts this decoder cannot read.
func (p *V10End2End) Detections(raw []float32, shape []int64, ctx images.Context, cfg Config) ([]Detection, error) {
	if len(shape) != 3 || shape[0] != 1 || shape[2] != 6 {
		return nil, errors.Wrapf(ErrShapeMismatch, "expected (1, D, 6), got %v", shape)
	}
	rows := int(shape[1])
	if rows < 0 || len(raw) < rows*6 {
		return nil, errors.Wrapf(ErrShapeMismatch,
			"tensor has %d floats, shape %v needs %d", len(raw), shape, rows*6)
	}

	out := make([]Detection, 0, rows)
	for i := 0; i < rows; i++ {
		row := raw[i*6 : i*6+6]
		conf := row[4]
		if !(conf >= cfg.Confidence) || !finite(conf) {
			continue
		}
		if !finite(row[0]) || !finite(row[1]) || !finite(row[2]) || !finite(row[3]) {
			continue
		}

		box := ctx.UnmapRect(images.Rect{X1: row[0], Y1: row[1], X2: row[2], Y2: row[3]})
		if box.Empty() {
			continue
		}
		if !finite(row[5]) {
			continue
		}
		classID := int(row[5])
		if classID < 0 {
			continue
		}
		out = append(out, Detection{
			Box:        box,
			Confidence: conf,
			ClassID:    classID,
			ClassName:  cfg.className(classID),
		})
	}
	return out, nil
}

// Classifications is not produced by detection heads.
func (p *V10End2End) Classifications([]float32, []int64, Config) ([]Classification, error) {
	return nil, nil
}
