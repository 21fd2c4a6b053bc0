package providers

import (
	"os"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	runtimeInitOnce sync.Once
	runtimeInitErr  error
)

// InitRuntime loads the native ONNX Runtime library and initializes the
// environment exactly once per process. Safe to call from every session
// constructor.
//
// Returns:
//   - error: The initialization error, replayed on repeated calls.
func InitRuntime() error {
	runtimeInitOnce.Do(func() {
		if !ort.IsInitialized() {
			ort.SetSharedLibraryPath(SharedLibPath())
			runtimeInitErr = ort.InitializeEnvironment()
		}
	})
	return runtimeInitErr
}

// DestroyRuntime releases the ONNX Runtime environment. Call at process exit
// after every session has been closed.
func DestroyRuntime() error {
	return ort.DestroyEnvironment()
}

// SharedLibPath returns the native ONNX Runtime library path for the current
// platform. ONNXRUNTIME_SHARED_LIBRARY_PATH overrides the default lookup.
//
// Returns:
//   - string: The library path handed to the binding.
func SharedLibPath() string {
	if path := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); path != "" {
		return path
	}
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		if runtime.GOARCH == "arm64" {
			return "libonnxruntime_arm64.so"
		}
		return "libonnxruntime.so"
	}
}
