// Package providers - execution provider selection and ONNX Runtime session
// configuration.
package providers

import (
	"strconv"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// ExecutionProvider selects a backend inside the ONNX runtime.
type ExecutionProvider string

const (
	// CPU runs on the default CPU provider.
	CPU ExecutionProvider = "cpu"
	// CUDA runs on NVIDIA GPUs through the CUDA provider.
	CUDA ExecutionProvider = "cuda"
	// TensorRT runs on NVIDIA GPUs through TensorRT, falling back to CUDA.
	TensorRT ExecutionProvider = "tensor_rt"
	// DirectML runs on DirectX 12 capable GPUs on Windows.
	DirectML ExecutionProvider = "direct_ml"
)

// Device is the coarse hardware preference callers express before a concrete
// execution provider is known.
type Device string

const (
	// DeviceAuto picks CUDA when the runtime accepts it, otherwise CPU.
	DeviceAuto Device = "auto"
	// DeviceCPU forces the CPU provider.
	DeviceCPU Device = "cpu"
	// DeviceGPU prefers CUDA.
	DeviceGPU Device = "gpu"
)

// IsGPU reports whether the provider runs on an accelerator. GPU providers
// keep a single session; the CPU session pool does not apply to them.
func (p ExecutionProvider) IsGPU() bool {
	return p == CUDA || p == TensorRT || p == DirectML
}

// Resolve picks the concrete execution provider for a device preference.
// An explicit provider always wins; otherwise Auto and GPU probe CUDA and
// settle on CPU when the runtime rejects it.
//
// Arguments:
//   - device: The coarse device preference.
//   - explicit: The explicit provider, empty for none.
//
// Returns:
//   - ExecutionProvider: The provider to configure sessions with.
func Resolve(device Device, explicit ExecutionProvider) ExecutionProvider {
	if explicit != "" {
		return explicit
	}
	switch device {
	case DeviceGPU, DeviceAuto:
		if cudaAvailable() {
			return CUDA
		}
		return CPU
	default:
		return CPU
	}
}

// cudaAvailable probes the runtime by constructing CUDA provider options.
// The probe is how the binding reports whether the CUDA libraries resolved.
func cudaAvailable() bool {
	opts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return false
	}
	opts.Destroy()
	return true
}

// OptimizationConfig carries the session-level tuning applied to every ONNX
// session. Memory arena, memory pattern and spin control are recorded here
// even though the Go binding does not expose all of them yet; the fields
// document the intended runtime configuration and are applied where the API
// allows.
type OptimizationConfig struct {
	// GraphOptimizationLevel controls graph rewriting at load time.
	GraphOptimizationLevel ort.GraphOptimizationLevel `json:"graph_optimization_level"`

	// EnableCPUMemArena enables the CPU memory arena.
	EnableCPUMemArena bool `json:"enable_cpu_mem_arena"`

	// EnableMemoryPattern enables memory pattern planning for static shapes.
	EnableMemoryPattern bool `json:"enable_memory_pattern"`

	// DisableSpinning stops idle op threads from spin-waiting. Required when
	// several sessions share the host so idle sessions do not steal cores.
	DisableSpinning bool `json:"disable_spinning"`

	// IntraOpNumThreads parallelizes within a graph node. 0 = runtime default.
	IntraOpNumThreads int `json:"intra_op_num_threads"`

	// InterOpNumThreads parallelizes across independent graph nodes.
	InterOpNumThreads int `json:"inter_op_num_threads"`
}

// DefaultOptimizationConfig returns the session tuning used by detection
// workloads: full graph optimization, arena and memory pattern on, spinning
// off.
func DefaultOptimizationConfig() OptimizationConfig {
	return OptimizationConfig{
		GraphOptimizationLevel: ort.GraphOptimizationLevelEnableAll,
		EnableCPUMemArena:      true,
		EnableMemoryPattern:    true,
		DisableSpinning:        true,
	}
}

// SessionOptions builds ort session options for one session.
//
// Provider handling: CUDA appends the CUDA provider; TensorRT tries TensorRT
// and falls back to CUDA when the runtime rejects it; DirectML appends the
// DirectML provider. CPU needs no explicit registration.
//
// Arguments:
//   - cfg: The optimization configuration.
//   - provider: The resolved execution provider.
//   - deviceID: The accelerator index for GPU providers.
//
// Returns:
//   - *ort.SessionOptions: Options ready for session creation. Caller destroys.
//   - error: An error if options or provider registration fail.
func SessionOptions(cfg OptimizationConfig, provider ExecutionProvider, deviceID int) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "creating session options")
	}

	if err := options.SetGraphOptimizationLevel(cfg.GraphOptimizationLevel); err != nil {
		options.Destroy()
		return nil, errors.Wrap(err, "setting graph optimization level")
	}
	if cfg.IntraOpNumThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.IntraOpNumThreads); err != nil {
			options.Destroy()
			return nil, errors.Wrap(err, "setting intra-op threads")
		}
	}
	if cfg.InterOpNumThreads > 0 {
		if err := options.SetInterOpNumThreads(cfg.InterOpNumThreads); err != nil {
			options.Destroy()
			return nil, errors.Wrap(err, "setting inter-op threads")
		}
	}

	if err := appendProvider(options, provider, deviceID); err != nil {
		options.Destroy()
		return nil, err
	}
	return options, nil
}

func appendProvider(options *ort.SessionOptions, provider ExecutionProvider, deviceID int) error {
	switch provider {
	case CPU, "":
		return nil

	case CUDA:
		return appendCUDA(options, deviceID)

	case TensorRT:
		trtOpts, err := ort.NewTensorRTProviderOptions()
		if err != nil {
			// TensorRT libraries missing; CUDA is the documented fallback.
			return appendCUDA(options, deviceID)
		}
		defer trtOpts.Destroy()
		if err := trtOpts.Update(map[string]string{"device_id": strconv.Itoa(deviceID)}); err != nil {
			return appendCUDA(options, deviceID)
		}
		if err := options.AppendExecutionProviderTensorRT(trtOpts); err != nil {
			return appendCUDA(options, deviceID)
		}
		return nil

	case DirectML:
		if err := options.AppendExecutionProviderDirectML(deviceID); err != nil {
			return errors.Wrap(err, "appending DirectML provider")
		}
		return nil

	default:
		return errors.Errorf("unknown execution provider: %s", provider)
	}
}

func appendCUDA(options *ort.SessionOptions, deviceID int) error {
	cudaOpts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return errors.Wrap(err, "creating CUDA provider options")
	}
	defer cudaOpts.Destroy()
	if err := cudaOpts.Update(map[string]string{"device_id": strconv.Itoa(deviceID)}); err != nil {
		return errors.Wrap(err, "configuring CUDA device")
	}
	if err := options.AppendExecutionProviderCUDA(cudaOpts); err != nil {
		return errors.Wrap(err, "appending CUDA provider")
	}
	return nil
}

