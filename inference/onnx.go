package inference

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/nvr-ai/go-detect/buffer"
	"github.com/nvr-ai/go-detect/providers"
)

// OnnxBackend runs .onnx models through ONNX Runtime. One backend wraps
// one native session; the session pool holds several for CPU throughput.
type OnnxBackend struct {
	path        string
	session     *ort.DynamicAdvancedSession
	sessionOpts *ort.SessionOptions
	outputNames []string

	mu     sync.Mutex
	closed bool
}

// NewOnnxBackend loads an ONNX model and creates a native session bound
// to the resolved execution provider.
//
// Arguments:
//   - path: The .onnx model file path.
//   - opts: Engine options supplying provider, device and threading.
//
// Returns:
//   - *OnnxBackend: The ready backend.
//   - error: ErrBackendInit wrapped when the runtime, model metadata, or
//     session setup fails.
func NewOnnxBackend(path string, opts *Options) (*OnnxBackend, error) {
	if err := providers.InitRuntime(); err != nil {
		return nil, errors.Wrap(ErrBackendInit, err.Error())
	}

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, errors.Wrapf(ErrBackendInit, "reading model info for %q: %v", path, err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, errors.Wrapf(ErrBackendInit, "model %q declares no inputs or outputs", path)
	}

	inputNames := make([]string, len(inputs))
	for i, info := range inputs {
		inputNames[i] = info.Name
	}
	outputNames := make([]string, len(outputs))
	for i, info := range outputs {
		outputNames[i] = info.Name
	}

	provider := providers.Resolve(opts.Device, opts.ExecutionProvider)
	cfg := providers.DefaultOptimizationConfig()
	cfg.IntraOpNumThreads = opts.intraOpThreads(opts.sessions(provider))
	cfg.InterOpNumThreads = opts.interOpThreads()

	sessionOpts, err := providers.SessionOptions(cfg, provider, opts.DeviceID)
	if err != nil {
		return nil, errors.Wrapf(ErrBackendInit, "session options: %v", err)
	}

	session, err := ort.NewDynamicAdvancedSession(path, inputNames, outputNames, sessionOpts)
	if err != nil {
		sessionOpts.Destroy()
		return nil, errors.Wrapf(ErrBackendInit, "creating session for %q: %v", path, err)
	}

	return &OnnxBackend{
		path:        path,
		session:     session,
		sessionOpts: sessionOpts,
		outputNames: outputNames,
	}, nil
}

// Run executes a forward pass. The input slice is read synchronously and
// may be reused or freed once Run returns. Output tensors are copied out
// of runtime-owned memory into pooled buffers.
func (b *OnnxBackend) Run(input []float32, shape [4]int64) ([]Output, error) {
	return b.RunContext(context.Background(), input, shape)
}

// RunContext is Run with a cancellation check before submission.
func (b *OnnxBackend) RunContext(ctx context.Context, input []float32, shape [4]int64) ([]Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrEngineClosed
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(shape[0], shape[1], shape[2], shape[3]), input)
	if err != nil {
		return nil, errors.Wrapf(ErrInferenceFailed, "creating input tensor: %v", err)
	}
	defer inputTensor.Destroy()

	// Nil output slots let the runtime allocate shapes, which keeps
	// end-to-end models with data-dependent output sizes working.
	ortOutputs := make([]ort.Value, len(b.outputNames))
	if err := b.session.Run([]ort.Value{inputTensor}, ortOutputs); err != nil {
		return nil, errors.Wrapf(ErrInferenceFailed, "running session: %v", err)
	}
	defer func() {
		for _, v := range ortOutputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	outputs := make([]Output, 0, len(ortOutputs))
	for i, v := range ortOutputs {
		floatTensor, ok := v.(*ort.Tensor[float32])
		if !ok {
			FreeOutputs(outputs)
			return nil, errors.Wrapf(ErrInferenceFailed,
				"output %q is not a float32 tensor", b.outputNames[i])
		}
		src := floatTensor.GetData()
		handle := buffer.Global.Rent(len(src))
		copy(handle.Data(), src)
		outputs = append(outputs, Output{
			Handle: handle,
			Shape:  append([]int64(nil), floatTensor.GetShape()...),
		})
	}
	return outputs, nil
}

// ModelPath returns the load path.
func (b *OnnxBackend) ModelPath() string { return b.path }

// Name identifies the backend.
func (b *OnnxBackend) Name() string { return "onnxruntime" }

// Close destroys the native session. Idempotent.
func (b *OnnxBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.session != nil {
		if err := b.session.Destroy(); err != nil {
			return errors.Wrap(err, "destroying session")
		}
		b.session = nil
	}
	if b.sessionOpts != nil {
		b.sessionOpts.Destroy()
		b.sessionOpts = nil
	}
	return nil
}
