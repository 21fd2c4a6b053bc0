// Package postprocess - decodes raw detector output tensors into typed
// detection, classification and segmentation results.
package postprocess

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-detect/images"
)

// ErrShapeMismatch indicates an output tensor that matches no known layout.
var ErrShapeMismatch = errors.New("output shape does not match any known postprocessor layout")

// Version tags the model export family and drives postprocessor selection.
type Version string

const (
	// V8 is the canonical (1, 4+nc, N) NMS-decoded family.
	V8 Version = "v8"
	// V9 shares the V8 output layout.
	V9 Version = "v9"
	// V10 is the end-to-end family emitting pre-suppressed (1, D, 6) rows.
	V10 Version = "v10"
	// V11 shares the V8 output layout.
	V11 Version = "v11"
	// V12 shares the V8 output layout.
	V12 Version = "v12"
	// Cls is the classification head emitting (1, nc) logits.
	Cls Version = "cls"
	// Seg is the segmentation family with mask coefficients and prototypes.
	Seg Version = "seg"
)

// Variant is the model capacity tag. The inference core only forwards it to
// the weight loader; it never changes decoding.
type Variant string

const (
	VariantN Variant = "n"
	VariantS Variant = "s"
	VariantM Variant = "m"
	VariantL Variant = "l"
	VariantX Variant = "x"
)

// Config is the decoding configuration shared by all processors. It is a
// plain value copied out of the engine options so processors stay free of
// engine dependencies.
type Config struct {
	// Confidence is the minimum score for a candidate to survive.
	Confidence float32 `json:"confidence" yaml:"confidence"`
	// IoU is the suppression threshold for overlapping boxes.
	IoU float32 `json:"iou" yaml:"iou"`
	// MaxDetections caps the number of boxes kept after suppression.
	MaxDetections int `json:"max_detections" yaml:"max_detections"`
	// NumClasses is the class-channel count of the model.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// ClassNames maps class id to label; may be nil.
	ClassNames []string `json:"class_names" yaml:"class_names"`
}

// className resolves a class id to its label, empty when unknown.
func (c Config) className(id int) string {
	if id >= 0 && id < len(c.ClassNames) {
		return c.ClassNames[id]
	}
	return ""
}

// Detection is one detected object in original image coordinates.
type Detection struct {
	// Box is the bounding box, clamped to the original image extents.
	Box images.Rect `json:"box"`
	// Confidence is the best-class score.
	Confidence float32 `json:"confidence"`
	// ClassID is the class channel index.
	ClassID int `json:"class_id"`
	// ClassName is the label, empty when no class names are configured.
	ClassName string `json:"class_name,omitempty"`
}

// Classification is one class probability from a classifier head.
type Classification struct {
	ClassID     int     `json:"class_id"`
	Probability float32 `json:"probability"`
	ClassName   string  `json:"class_name,omitempty"`
}

// Segmentation is a detection with its instance mask in prototype space.
// The mask is binary, cropped to the detection box.
type Segmentation struct {
	Detection
	// MaskW and MaskH are the prototype plane dimensions.
	MaskW int `json:"mask_w"`
	MaskH int `json:"mask_h"`
	// Mask holds MaskW*MaskH thresholded values, row-major.
	Mask []uint8 `json:"mask"`
}

// Processor decodes one raw output tensor. Each variant implements the
// operation it understands and returns nil for the other.
type Processor interface {
	// Detections decodes object detections, unmapped to original image space.
	Detections(raw []float32, shape []int64, ctx images.Context, cfg Config) ([]Detection, error)
	// Classifications decodes class probabilities.
	Classifications(raw []float32, shape []int64, cfg Config) ([]Classification, error)
}

// processors is the registry keyed by version tag. Registering a new family
// is one entry here.
var processors = map[Version]func() Processor{
	V8:  func() Processor { return &NMS{} },
	V9:  func() Processor { return &NMS{} },
	V10: func() Processor { return &V10End2End{} },
	V11: func() Processor { return &NMS{} },
	V12: func() Processor { return &NMS{} },
	Cls: func() Processor { return &Classifier{} },
	Seg: func() Processor { return &Segmenter{} },
}

// NewProcessor creates the postprocessor for a version tag.
//
// Arguments:
//   - version: The model version tag.
//
// Returns:
//   - Processor: The matching processor.
//   - error: ErrShapeMismatch-wrapped error for unknown tags.
func NewProcessor(version Version) (Processor, error) {
	factory, ok := processors[version]
	if !ok {
		return nil, errors.Errorf("no postprocessor registered for version %q", version)
	}
	return factory(), nil
}

// FromShape infers the processor from an output tensor shape when no version
// tag was configured: (1, D<=300, 6) is the end-to-end layout, any other 3-D
// shape is the NMS layout, 2-D is a classifier head.
//
// Arguments:
//   - shape: The raw output shape.
//
// Returns:
//   - Processor: The inferred processor.
//   - error: ErrShapeMismatch when no layout matches.
func FromShape(shape []int64) (Processor, error) {
	switch {
	case len(shape) == 3 && shape[2] == 6 && shape[1] <= 300:
		return &V10End2End{}, nil
	case len(shape) == 3:
		return &NMS{}, nil
	case len(shape) == 2:
		return &Classifier{}, nil
	default:
		return nil, errors.Wrapf(ErrShapeMismatch, "shape %v", shape)
	}
}
