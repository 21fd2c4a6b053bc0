package inference

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-detect/buffer"
)

// Output is one raw model output tensor backed by pooled memory. The
// receiver of an Output owns its handle and must call Free exactly once.
type Output struct {
	Handle *buffer.Handle
	Shape  []int64
}

// Data returns the float32 view of the output tensor.
func (o *Output) Data() []float32 {
	return o.Handle.Data()
}

// Free returns the backing buffer to its pool.
func (o *Output) Free() {
	if o.Handle != nil {
		o.Handle.Free()
		o.Handle = nil
	}
}

// FreeOutputs releases every handle in a result set. Safe on nil slices.
func FreeOutputs(outs []Output) {
	for i := range outs {
		outs[i].Free()
	}
}

// Backend runs a loaded model against preprocessed input tensors. A
// backend is safe for use by one goroutine at a time; callers that need
// concurrent inference hold multiple backends through a session pool.
type Backend interface {
	// Run executes a forward pass over a CHW float32 tensor with the given
	// NCHW shape and returns the raw output tensors in model order.
	Run(input []float32, shape [4]int64) ([]Output, error)

	// RunContext is Run with early abort. Cancellation is checked before
	// the forward pass is submitted; a pass already running is not
	// interrupted.
	RunContext(ctx context.Context, input []float32, shape [4]int64) ([]Output, error)

	// ModelPath returns the path the backend was loaded from.
	ModelPath() string

	// Name identifies the backend implementation.
	Name() string

	// Close releases the native resources. The backend is unusable
	// afterwards; Close is idempotent.
	Close() error
}

// NewBackend loads a model file, selecting the backend by extension.
// .onnx routes to the ONNX Runtime backend, .pt and .bin to the torch
// module registry.
//
// Arguments:
//   - path: Model file path.
//   - opts: Engine options; threading and provider fields apply here.
//
// Returns:
//   - Backend: The loaded backend.
//   - error: ErrFileNotFound if the path does not exist,
//     ErrUnsupportedFormat for unknown extensions, ErrBackendInit wrapped
//     when loading fails.
func NewBackend(path string, opts *Options) (Backend, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrFileNotFound, "model %q", path)
		}
		return nil, errors.Wrapf(err, "stat model %q", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".onnx":
		return NewOnnxBackend(path, opts)
	case ".pt", ".bin":
		return NewTorchBackend(path, opts)
	default:
		return nil, errors.Wrapf(ErrUnsupportedFormat, "model %q", path)
	}
}
