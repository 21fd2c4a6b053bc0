package postprocess

import (
	"sort"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-detect/images"
)

const (
	// maxCandidates caps the pre-suppression candidate list.
	maxCandidates = 30000
	// classOffset translates boxes apart per class so a single
	// class-agnostic IoU loop suppresses within each class only. Larger than
	// any model input edge, so offset boxes of different classes never touch.
	classOffset = 7680
)

// NMS decodes the canonical (1, 4+nc, N) channels-first detector output:
// per-anchor center boxes plus post-sigmoid class scores, pruned with greedy
// non-maximum suppression.
type NMS struct{}

// candidate carries a model-space detection through suppression together
// with its anchor index, which the segmentation path needs to look up mask
// coefficients afterwards.
type candidate struct {
	det    Detection
	anchor int
}

// Detections decodes, suppresses and unmaps the raw tensor.
//
// Arguments:
//   - raw: The output tensor data, (1, 4+nc, N) channels-first.
//   - shape: The output shape.
//   - ctx: The letterbox context of the source image.
//   - cfg: The decoding configuration.
//
// Returns:
//   - []Detection: Kept detections in original image coordinates.
//   - error: ErrShapeMismatch for layouts this decoder cannot read.
func (p *NMS) Detections(raw []float32, shape []int64, ctx images.Context, cfg Config) ([]Detection, error) {
	channels, n, err := detectionDims(raw, shape)
	if err != nil {
		return nil, err
	}
	nc := channels - 4
	if nc <= 0 {
		return nil, errors.Wrapf(ErrShapeMismatch, "no class channels in shape %v", shape)
	}

	kept := suppress(collect(raw, n, nc, 0, cfg.Confidence), cfg.IoU, cfg.MaxDetections)

	out := make([]Detection, 0, len(kept))
	for _, c := range kept {
		d := c.det
		d.Box = ctx.UnmapRect(d.Box)
		if d.Box.Empty() {
			continue
		}
		d.ClassName = cfg.className(d.ClassID)
		out = append(out, d)
	}
	return out, nil
}

// Classifications is not produced by detection heads.
func (p *NMS) Classifications([]float32, []int64, Config) ([]Classification, error) {
	return nil, nil
}

// detectionDims validates a 3-D channels-first tensor and returns its
// channel and anchor counts.
func detectionDims(raw []float32, shape []int64) (channels, n int, err error) {
	if len(shape) != 3 || shape[0] != 1 {
		return 0, 0, errors.Wrapf(ErrShapeMismatch, "expected (1, C, N), got %v", shape)
	}
	channels = int(shape[1])
	n = int(shape[2])
	if channels <= 0 || n <= 0 || len(raw) < channels*n {
		return 0, 0, errors.Wrapf(ErrShapeMismatch,
			"tensor has %d floats, shape %v needs %d", len(raw), shape, channels*n)
	}
	return channels, n, nil
}

// collect scans every anchor for its best class score and keeps the ones at
// or above the confidence floor, sorted by score descending. extra is the
// count of trailing non-class channels (mask coefficients); they are ignored
// here and read back by anchor index later. Anchors carrying NaN or Inf are
// treated as below-threshold.
func collect(raw []float32, n, nc, extra int, confidence float32) []candidate {
	candidates := make([]candidate, 0, 64)

	for i := 0; i < n; i++ {
		best := float32(-1)
		bestClass := 0
		for c := 0; c < nc; c++ {
			if s := raw[(4+c)*n+i]; s > best {
				best = s
				bestClass = c
			}
		}
		// NaN scores fail this comparison and drop the anchor.
		if !(best >= confidence) {
			continue
		}

		cx, cy := raw[i], raw[n+i]
		w, h := raw[2*n+i], raw[3*n+i]
		if !finite(cx) || !finite(cy) || !finite(w) || !finite(h) || !finite(best) {
			continue
		}

		candidates = append(candidates, candidate{
			det: Detection{
				Box: images.Rect{
					X1: cx - w/2, Y1: cy - h/2,
					X2: cx + w/2, Y2: cy + h/2,
				},
				Confidence: best,
				ClassID:    bestClass,
			},
			anchor: i,
		})
	}

	// Stable sort keeps the first anchor on score ties, making the whole
	// decode deterministic.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].det.Confidence > candidates[j].det.Confidence
	})
	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}
	return candidates
}

// suppress runs greedy NMS over score-sorted candidates. Boxes are
// pre-translated by classID*classOffset on both axes so different classes
// never overlap and one class-agnostic pass suffices; the kept detections
// keep their original boxes.
func suppress(sorted []candidate, iou float32, maxDetections int) []candidate {
	if len(sorted) == 0 {
		return nil
	}
	if maxDetections <= 0 {
		maxDetections = len(sorted)
	}

	shifted := make([]images.Rect, len(sorted))
	for i, c := range sorted {
		off := float32(c.det.ClassID) * classOffset
		shifted[i] = c.det.Box.Offset(off, off)
	}

	used := make([]bool, len(sorted))
	kept := make([]candidate, 0, maxDetections)

	for i := range sorted {
		if used[i] {
			continue
		}
		kept = append(kept, sorted[i])
		if len(kept) >= maxDetections {
			break
		}
		for j := i + 1; j < len(sorted); j++ {
			if !used[j] && shifted[i].IoU(shifted[j]) > iou {
				used[j] = true
			}
		}
	}
	return kept
}

func finite(v float32) bool {
	return !math32.IsNaN(v) && !math32.IsInf(v, 0)
}
