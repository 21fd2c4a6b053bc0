package postprocess

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-detect/images"
)

// maskThreshold binarizes instance masks after the sigmoid.
const maskThreshold = 0.5

// Segmenter decodes segmentation exports: a detection tensor
// (1, 4+nc+nm, N) whose trailing nm channels are per-anchor mask
// coefficients, plus a prototype tensor (1, nm, H', W') shared by all
// instances. Each instance mask is the sigmoid of the coefficient/prototype
// product, cropped to the detection box in prototype coordinates.
type Segmenter struct{}

// Segment decodes both tensors into detections with instance masks.
//
// Arguments:
//   - det: The detection tensor data, (1, 4+nc+nm, N).
//   - detShape: The detection tensor shape.
//   - proto: The prototype tensor data, (1, nm, H', W').
//   - protoShape: The prototype tensor shape.
//   - ctx: The letterbox context of the source image.
//   - cfg: The decoding configuration; NumClasses splits nc from nm.
//
// Returns:
//   - []Segmentation: Kept instances with binary masks in prototype space.
//   - error: ErrShapeMismatch when the tensors disagree with each other.
func (p *Segmenter) Segment(
	det []float32, detShape []int64,
	proto []float32, protoShape []int64,
	ctx images.Context, cfg Config,
) ([]Segmentation, error) {
	channels, n, err := detectionDims(det, detShape)
	if err != nil {
		return nil, err
	}
	if len(protoShape) != 4 || protoShape[0] != 1 {
		return nil, errors.Wrapf(ErrShapeMismatch, "expected proto (1, nm, H, W), got %v", protoShape)
	}
	nm := int(protoShape[1])
	protoH := int(protoShape[2])
	protoW := int(protoShape[3])
	nc := channels - 4 - nm
	if nc <= 0 {
		return nil, errors.Wrapf(ErrShapeMismatch,
			"detection channels %d cannot hold %d mask coefficients", channels, nm)
	}
	if len(proto) < nm*protoH*protoW {
		return nil, errors.Wrapf(ErrShapeMismatch,
			"proto tensor has %d floats, shape %v needs %d", len(proto), protoShape, nm*protoH*protoW)
	}

	kept := suppress(collect(det, n, nc, nm, cfg.Confidence), cfg.IoU, cfg.MaxDetections)

	out := make([]Segmentation, 0, len(kept))
	coeffs := make([]float32, nm)
	for _, c := range kept {
		modelBox := c.det.Box

		d := c.det
		d.Box = ctx.UnmapRect(d.Box)
		if d.Box.Empty() {
			continue
		}
		d.ClassName = cfg.className(d.ClassID)

		for m := 0; m < nm; m++ {
			coeffs[m] = det[(4+nc+m)*n+c.anchor]
		}
		out = append(out, Segmentation{
			Detection: d,
			MaskW:     protoW,
			MaskH:     protoH,
			Mask:      instanceMask(coeffs, proto, protoW, protoH, modelBox, ctx.InputSize),
		})
	}
	return out, nil
}

// instanceMask combines the prototypes with one anchor's coefficients and
// crops the result to the model-space box scaled into the prototype plane.
func instanceMask(coeffs, proto []float32, protoW, protoH int, modelBox images.Rect, inputSize int) []uint8 {
	scaleX := float32(protoW) / float32(inputSize)
	scaleY := float32(protoH) / float32(inputSize)
	crop := images.Rect{
		X1: modelBox.X1 * scaleX,
		Y1: modelBox.Y1 * scaleY,
		X2: modelBox.X2 * scaleX,
		Y2: modelBox.Y2 * scaleY,
	}.Clamp(float32(protoW), float32(protoH))

	plane := protoW * protoH
	mask := make([]uint8, plane)
	for y := 0; y < protoH; y++ {
		fy := float32(y)
		for x := 0; x < protoW; x++ {
			if fy < crop.Y1 || fy >= crop.Y2 || float32(x) < crop.X1 || float32(x) >= crop.X2 {
				continue
			}
			idx := y*protoW + x
			var dot float32
			for m, c := range coeffs {
				dot += c * proto[m*plane+idx]
			}
			if sigmoid(dot) >= maskThreshold {
				mask[idx] = 1
			}
		}
	}
	return mask
}

func sigmoid(v float32) float32 {
	return 1 / (1 + math32.Exp(-v))
}

// Detections decodes only the box and class part of the detection tensor,
// inferring the mask-coefficient channel count from cfg.NumClasses. Masks
// need the prototype tensor; use Segment for those.
func (p *Segmenter) Detections(raw []float32, shape []int64, ctx images.Context, cfg Config) ([]Detection, error) {
	channels, n, err := detectionDims(raw, shape)
	if err != nil {
		return nil, err
	}
	nc := cfg.NumClasses
	if nc <= 0 || nc > channels-4 {
		nc = channels - 4
	}
	nm := channels - 4 - nc

	kept := suppress(collect(raw, n, nc, nm, cfg.Confidence), cfg.IoU, cfg.MaxDetections)

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

// Classifications is not produced by segmentation heads.
func (p *Segmenter) Classifications([]float32, []int64, Config) ([]Classification, error) {
	return nil, nil
}
