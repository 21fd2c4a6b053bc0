package inference

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-detect/buffer"
	"github.com/nvr-ai/go-detect/images"
	"github.com/nvr-ai/go-detect/postprocess"
	"github.com/nvr-ai/go-detect/providers"
)

// Engine is the unified inference facade. One engine wraps one model; all
// methods are safe for concurrent use, and concurrency is bounded by the
// session pool rather than the caller.
type Engine struct {
	opts      *Options
	log       Logger
	pool      *SessionPool
	pre       *Preprocessor
	bufs      *buffer.Pool
	drawer    Drawer
	rasterize Rasterizer
	modelPath string

	procMu sync.RWMutex
	proc   postprocess.Processor

	closed atomic.Bool
}

// Drawer renders detections onto an image and encodes the result.
type Drawer interface {
	Annotate(src images.Source, dets []postprocess.Detection) ([]byte, error)
}

// EngineBuilder assembles an Engine step by step. Zero-value fields fall
// back to defaults at Build.
type EngineBuilder struct {
	modelPath string
	opts      *Options
	log       Logger
	backends  []Backend
	drawer    Drawer
	rasterize Rasterizer
	bufs      *buffer.Pool
}

// NewEngineBuilder starts a builder for the given model file.
func NewEngineBuilder(modelPath string) *EngineBuilder {
	return &EngineBuilder{modelPath: modelPath}
}

// WithOptions sets the engine options.
func (b *EngineBuilder) WithOptions(opts *Options) *EngineBuilder {
	b.opts = opts
	return b
}

// WithLogger sets the logger.
func (b *EngineBuilder) WithLogger(log Logger) *EngineBuilder {
	b.log = log
	return b
}

// WithBackend injects preloaded backends instead of loading the model
// path. The pool size equals the number of injected backends.
func (b *EngineBuilder) WithBackend(backends ...Backend) *EngineBuilder {
	b.backends = append(b.backends, backends...)
	return b
}

// WithDrawer sets the annotation renderer used by DetectAndDraw and the
// document path when DrawResults is on.
func (b *EngineBuilder) WithDrawer(d Drawer) *EngineBuilder {
	b.drawer = d
	return b
}

// WithRasterizer sets the document page renderer.
func (b *EngineBuilder) WithRasterizer(r Rasterizer) *EngineBuilder {
	b.rasterize = r
	return b
}

// WithBufferPool sets the tensor buffer pool. Defaults to the process
// pool.
func (b *EngineBuilder) WithBufferPool(p *buffer.Pool) *EngineBuilder {
	b.bufs = p
	return b
}

// Build loads the model (unless backends were injected) and assembles the
// engine.
//
// Returns:
//   - *Engine: The ready engine.
//   - error: Backend load failures; see NewBackend for the taxonomy.
func (b *EngineBuilder) Build() (*Engine, error) {
	opts := b.opts
	if opts == nil {
		opts = DefaultOptions()
	}
	log := b.log
	if log == nil {
		log = NewLogger("inference")
	}
	bufs := b.bufs
	if bufs == nil {
		bufs = buffer.Global
	}

	var pool *SessionPool
	if len(b.backends) > 0 {
		pool = newSessionPoolFrom(b.backends)
	} else {
		n := opts.sessions(providers.Resolve(opts.Device, opts.ExecutionProvider))
		var err error
		pool, err = NewSessionPool(b.modelPath, opts, n)
		if err != nil {
			return nil, err
		}
	}

	engine := &Engine{
		opts:      opts,
		log:       log,
		pool:      pool,
		pre:       NewPreprocessor(bufs, opts.inputSize()),
		bufs:      bufs,
		drawer:    b.drawer,
		rasterize: b.rasterize,
		modelPath: b.modelPath,
	}
	if opts.ModelVersion != "" {
		proc, err := postprocess.NewProcessor(opts.ModelVersion)
		if err != nil {
			pool.Close()
			return nil, err
		}
		engine.proc = proc
	}
	log.Infof("engine ready: model=%s sessions=%d input=%d",
		b.modelPath, pool.Size(), opts.inputSize())
	return engine, nil
}

// NewEngine loads a model with the given options and default wiring.
//
// Arguments:
//   - modelPath: Path to a .onnx, .pt or .bin model file.
//   - opts: Engine options; nil takes DefaultOptions.
//
// Returns:
//   - *Engine: The ready engine.
//   - error: Model load failures.
func NewEngine(modelPath string, opts *Options) (*Engine, error) {
	return NewEngineBuilder(modelPath).WithOptions(opts).Build()
}

// processor returns the postprocessor, resolving it from the first
// observed output shape when no model version was configured.
func (e *Engine) processor(shape []int64) (postprocess.Processor, error) {
	e.procMu.RLock()
	proc := e.proc
	e.procMu.RUnlock()
	if proc != nil {
		return proc, nil
	}

	e.procMu.Lock()
	defer e.procMu.Unlock()
	if e.proc == nil {
		proc, err := postprocess.FromShape(shape)
		if err != nil {
			return nil, err
		}
		e.proc = proc
	}
	return e.proc, nil
}

func (e *Engine) inputShape() [4]int64 {
	size := int64(e.opts.inputSize())
	return [4]int64{1, 3, size, size}
}

// Detect runs detection on one image.
//
// Arguments:
//   - ctx: Cancellation and deadline.
//   - src: The image source.
//
// Returns:
//   - []postprocess.Detection: Detections in original image coordinates,
//     confidence descending.
//   - error: Decode, inference or shape failures.
func (e *Engine) Detect(ctx context.Context, src images.Source) ([]postprocess.Detection, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	return e.detectOne(ctx, src)
}

// DetectResult pairs a detection result with its error for async
// delivery.
type DetectResult struct {
	Detections []postprocess.Detection
	Err        error
}

// DetectAsync runs Detect in the background and delivers the result on
// the returned channel. The channel is buffered and receives exactly one
// value.
func (e *Engine) DetectAsync(ctx context.Context, src images.Source) <-chan DetectResult {
	ch := make(chan DetectResult, 1)
	go func() {
		dets, err := e.Detect(ctx, src)
		ch <- DetectResult{Detections: dets, Err: err}
	}()
	return ch
}

// DetectBatch runs detection over a batch. Results align with the input
// order; an image that fails yields an empty slice and a log entry rather
// than failing the batch.
func (e *Engine) DetectBatch(ctx context.Context, sources []images.Source) ([][]postprocess.Detection, error) {
	start := time.Now()
	results, err := e.detectBatch(ctx, sources)
	if err != nil {
		return nil, err
	}
	e.log.BatchTiming(len(sources), time.Since(start))
	return results, nil
}

// Classify runs classification on one image and returns the class
// distribution, probability descending, cut at the confidence threshold.
func (e *Engine) Classify(ctx context.Context, src images.Source) ([]postprocess.Classification, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	return e.classifyOne(ctx, src)
}

// Segment runs instance segmentation on one image. The model must
// produce detection and mask prototype tensors.
func (e *Engine) Segment(ctx context.Context, src images.Source) ([]postprocess.Segmentation, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	return e.segmentOne(ctx, src)
}

// DetectAndDraw detects and renders the detections onto the image.
//
// Returns:
//   - []postprocess.Detection: The detections.
//   - []byte: The encoded annotated image.
//   - error: Detection failures, or a missing drawer.
func (e *Engine) DetectAndDraw(ctx context.Context, src images.Source) ([]postprocess.Detection, []byte, error) {
	if e.drawer == nil {
		return nil, nil, errors.New("engine has no drawer configured")
	}
	dets, err := e.Detect(ctx, src)
	if err != nil {
		return nil, nil, err
	}
	encoded, err := e.drawer.Annotate(src, dets)
	if err != nil {
		return nil, nil, errors.Wrap(err, "annotating image")
	}
	return dets, encoded, nil
}

// Close shuts the engine down. Idempotent; operations after Close fail
// with ErrEngineClosed.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.log.Infof("engine closing: model=%s", e.modelPath)
	return e.pool.Close()
}
