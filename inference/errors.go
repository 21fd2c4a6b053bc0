// Package inference - the detection inference engine: backends, session
// pooling, the staged batch pipeline and the unified facade.
package inference

import "github.com/pkg/errors"

// Sentinel errors of the inference core. Image errors live in the images
// package and shape errors in postprocess; callers match any of them with
// errors.Is.
var (
	// ErrFileNotFound indicates the model path does not exist.
	ErrFileNotFound = errors.New("model file not found")
	// ErrUnsupportedFormat indicates a model file extension no backend claims.
	ErrUnsupportedFormat = errors.New("unsupported model format")
	// ErrBackendInit indicates the runtime rejected session creation.
	ErrBackendInit = errors.New("backend initialization failed")
	// ErrInferenceFailed indicates the backend reported a runtime error
	// during a forward pass.
	ErrInferenceFailed = errors.New("inference failed")
	// ErrEngineClosed indicates an operation on a closed engine.
	ErrEngineClosed = errors.New("engine is closed")
)
