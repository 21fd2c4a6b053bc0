package inference

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-detect/buffer"
	"github.com/nvr-ai/go-detect/postprocess"
)

// Module is a loaded torch-style network. Forward takes an NCHW float32
// input tensor and returns the box and score heads separately; the
// backend concatenates them along the channel axis into the unified
// (batch, 4+classes, anchors) layout the postprocessors expect.
type Module interface {
	Forward(input *tensor.Dense) (boxes, scores *tensor.Dense, err error)
}

// WeightLoader constructs a Module from a .pt or .bin weight file.
// Loaders own graph construction for their architecture generation; the
// variant selects width and depth within it.
type WeightLoader func(path string, variant postprocess.Variant, numClasses int) (Module, error)

var (
	loadersMu sync.RWMutex
	loaders   = map[postprocess.Version]WeightLoader{}
)

// RegisterWeightLoader installs the loader for a model generation.
// Registering the same version twice replaces the previous loader; this
// is usually done from an init function in the architecture package.
func RegisterWeightLoader(version postprocess.Version, loader WeightLoader) {
	loadersMu.Lock()
	defer loadersMu.Unlock()
	loaders[version] = loader
}

func lookupWeightLoader(version postprocess.Version) (WeightLoader, bool) {
	loadersMu.RLock()
	defer loadersMu.RUnlock()
	l, ok := loaders[version]
	return l, ok
}

// TorchBackend runs .pt and .bin weight files through a registered
// Module. Forward passes are serialized on a mutex; modules rebuild
// internal graph state per call and are not reentrant, so concurrency
// comes from pooling backends rather than sharing one.
type TorchBackend struct {
	path   string
	module Module

	mu     sync.Mutex
	closed bool
}

// NewTorchBackend loads torch weights for the model generation named in
// the options. ErrBackendInit wraps a missing loader registration or a
// loader failure.
func NewTorchBackend(path string, opts *Options) (*TorchBackend, error) {
	version := opts.ModelVersion
	if version == "" {
		return nil, errors.Wrapf(ErrBackendInit,
			"torch weights %q need an explicit model version", path)
	}
	loader, ok := lookupWeightLoader(version)
	if !ok {
		return nil, errors.Wrapf(ErrBackendInit,
			"no weight loader registered for model version %q", version)
	}
	module, err := loader(path, opts.ModelVariant, opts.NumClasses)
	if err != nil {
		return nil, errors.Wrapf(ErrBackendInit, "loading weights %q: %v", path, err)
	}
	return &TorchBackend{path: path, module: module}, nil
}

// Run executes a forward pass and returns a single output tensor shaped
// (batch, 4+classes, anchors).
func (b *TorchBackend) Run(input []float32, shape [4]int64) ([]Output, error) {
	return b.RunContext(context.Background(), input, shape)
}

// RunContext is Run with a cancellation check before the forward pass.
func (b *TorchBackend) RunContext(ctx context.Context, input []float32, shape [4]int64) ([]Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrEngineClosed
	}

	in := tensor.New(
		tensor.WithShape(int(shape[0]), int(shape[1]), int(shape[2]), int(shape[3])),
		tensor.WithBacking(input),
	)
	boxes, scores, err := b.module.Forward(in)
	if err != nil {
		return nil, errors.Wrapf(ErrInferenceFailed, "forward pass: %v", err)
	}

	merged, err := boxes.Concat(1, scores)
	if err != nil {
		return nil, errors.Wrapf(ErrInferenceFailed, "concatenating heads: %v", err)
	}
	data, ok := merged.Data().([]float32)
	if !ok {
		return nil, errors.Wrap(ErrInferenceFailed, "forward pass produced non-float32 output")
	}

	outShape := merged.Shape()
	shape64 := make([]int64, len(outShape))
	for i, d := range outShape {
		shape64[i] = int64(d)
	}

	handle := buffer.Global.Rent(len(data))
	copy(handle.Data(), data)
	return []Output{{Handle: handle, Shape: shape64}}, nil
}

// ModelPath returns the load path.
func (b *TorchBackend) ModelPath() string { return b.path }

// Name identifies the backend.
func (b *TorchBackend) Name() string { return "torch" }

// Close releases the module. Idempotent.
func (b *TorchBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.module = nil
	return nil
}
