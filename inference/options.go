package inference

import (
	"runtime"

	"github.com/nvr-ai/go-detect/postprocess"
	"github.com/nvr-ai/go-detect/providers"
)

// Options is the shared engine configuration. It is read once at engine
// construction and never mutated afterwards; class names are borrowed
// read-only by postprocessing for the engine's lifetime.
type Options struct {
	// Device is the coarse hardware preference.
	Device providers.Device `json:"device" yaml:"device"`
	// DeviceID selects the accelerator for GPU providers.
	DeviceID int `json:"device_id" yaml:"device_id"`
	// ExecutionProvider overrides device-based provider resolution.
	ExecutionProvider providers.ExecutionProvider `json:"execution_provider,omitempty" yaml:"execution_provider,omitempty"`

	// Confidence is the minimum detection score, in [0, 1].
	Confidence float32 `json:"confidence" yaml:"confidence"`
	// IoU is the NMS suppression threshold, in [0, 1].
	IoU float32 `json:"iou" yaml:"iou"`
	// MaxDetections caps detections kept per image.
	MaxDetections int `json:"max_detections" yaml:"max_detections"`
	// ImgSize is the square model input edge.
	ImgSize int `json:"img_size" yaml:"img_size"`

	// ModelVersion drives postprocessor selection. Empty infers from the
	// output shape on the first forward pass.
	ModelVersion postprocess.Version `json:"model_version,omitempty" yaml:"model_version,omitempty"`
	// ModelVariant is forwarded to the weight loader for .pt models.
	ModelVariant postprocess.Variant `json:"model_variant,omitempty" yaml:"model_variant,omitempty"`
	// NumClasses is the class-channel count of the model.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// ClassNames maps class id to label, index = class id.
	ClassNames []string `json:"class_names,omitempty" yaml:"class_names,omitempty"`

	// MaxParallelism bounds total core use. 0 = host logical cores.
	MaxParallelism int `json:"max_parallelism" yaml:"max_parallelism"`
	// InferenceSessions is the CPU session count. 0 = auto: 1 on GPU
	// providers, clamp(cores/4, 1..8) on CPU.
	InferenceSessions int `json:"inference_sessions" yaml:"inference_sessions"`
	// PreprocessWorkers is the preprocessing worker count. 0 = auto:
	// clamp(cores/2, 1..16).
	PreprocessWorkers int `json:"preprocess_workers" yaml:"preprocess_workers"`
	// StagedPipelineThreshold is the batch size at which the staged
	// pipeline replaces the simple parallel map.
	StagedPipelineThreshold int `json:"staged_pipeline_threshold" yaml:"staged_pipeline_threshold"`
	// InterOpThreads and IntraOpThreads override session threading. 0 =
	// auto: with a session pool every session gets cores/sessions intra-op
	// threads and one inter-op thread.
	InterOpThreads int `json:"inter_op_threads" yaml:"inter_op_threads"`
	IntraOpThreads int `json:"intra_op_threads" yaml:"intra_op_threads"`

	// DrawResults attaches annotated page images to document results.
	DrawResults bool `json:"draw_results" yaml:"draw_results"`
	// DocumentDPI is the rasterization density for document pages.
	DocumentDPI float64 `json:"document_dpi" yaml:"document_dpi"`
}

// DefaultOptions returns the production defaults for detection workloads.
//
// Returns:
//   - *Options: A fresh options record; callers may adjust before engine
//     construction.
func DefaultOptions() *Options {
	return &Options{
		Device:                  providers.DeviceAuto,
		Confidence:              0.25,
		IoU:                     0.45,
		MaxDetections:           300,
		ImgSize:                 640,
		NumClasses:              80,
		MaxParallelism:          runtime.NumCPU(),
		StagedPipelineThreshold: 4,
		DocumentDPI:             150,
	}
}

// cores returns the effective parallelism budget.
func (o *Options) cores() int {
	if o.MaxParallelism > 0 {
		return o.MaxParallelism
	}
	return runtime.NumCPU()
}

// sessions resolves the inference session count for a provider. GPU
// providers keep a single session; one saturated GPU queue beats several.
func (o *Options) sessions(p providers.ExecutionProvider) int {
	if o.InferenceSessions > 0 {
		return o.InferenceSessions
	}
	if p.IsGPU() {
		return 1
	}
	return clamp(o.cores()/4, 1, 8)
}

// workers resolves the preprocessing worker count.
func (o *Options) workers() int {
	if o.PreprocessWorkers > 0 {
		return o.PreprocessWorkers
	}
	return clamp(o.cores()/2, 1, 16)
}

// intraOpThreads pins each of n sessions to its share of the cores.
func (o *Options) intraOpThreads(n int) int {
	if o.IntraOpThreads > 0 {
		return o.IntraOpThreads
	}
	if n <= 0 {
		n = 1
	}
	return clamp(o.cores()/n, 1, o.cores())
}

// interOpThreads is one unless overridden: sessions parallelize across the
// pool, not across graph branches.
func (o *Options) interOpThreads() int {
	if o.InterOpThreads > 0 {
		return o.InterOpThreads
	}
	return 1
}

// stagedThreshold returns the batch size gating the staged pipeline.
func (o *Options) stagedThreshold() int {
	if o.StagedPipelineThreshold > 0 {
		return o.StagedPipelineThreshold
	}
	return 4
}

// inputSize returns the model input edge.
func (o *Options) inputSize() int {
	if o.ImgSize > 0 {
		return o.ImgSize
	}
	return 640
}

// postprocessConfig projects the options into the postprocess view.
func (o *Options) postprocessConfig() postprocess.Config {
	return postprocess.Config{
		Confidence:    o.Confidence,
		IoU:           o.IoU,
		MaxDetections: o.MaxDetections,
		NumClasses:    o.NumClasses,
		ClassNames:    o.ClassNames,
	}
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
