package inference

import (
	"context"
	"image/color"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-detect/buffer"
	"github.com/nvr-ai/go-detect/images"
	"github.com/nvr-ai/go-detect/postprocess"
)

// fakeBackend returns canned tensors and tracks concurrency.
type fakeBackend struct {
	pool    *buffer.Pool
	tensors [][]float32
	shapes  [][]int64
	runErr  error
	delay   time.Duration

	calls      atomic.Int64
	concurrent atomic.Int64
	peak       atomic.Int64
	closed     atomic.Bool
}

func (f *fakeBackend) Run(input []float32, shape [4]int64) ([]Output, error) {
	return f.RunContext(context.Background(), input, shape)
}

func (f *fakeBackend) RunContext(ctx context.Context, _ []float32, _ [4]int64) ([]Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.calls.Add(1)
	n := f.concurrent.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.concurrent.Add(-1)

	if f.runErr != nil {
		return nil, f.runErr
	}
	outs := make([]Output, len(f.tensors))
	for i, data := range f.tensors {
		handle := f.pool.Rent(len(data))
		copy(handle.Data(), data)
		outs[i] = Output{Handle: handle, Shape: append([]int64(nil), f.shapes[i]...)}
	}
	return outs, nil
}

func (f *fakeBackend) ModelPath() string { return "fake.onnx" }
func (f *fakeBackend) Name() string      { return "fake" }
func (f *fakeBackend) Close() error {
	f.closed.Store(true)
	return nil
}

// detectionTensor builds a (1, 4+classes, anchors) tensor with a single
// confident box centered at (16,16) sized 8x8, class 0.
func detectionTensor(anchors, classes int) []float32 {
	raw := make([]float32, (4+classes)*anchors)
	raw[0*anchors] = 16 // cx
	raw[1*anchors] = 16 // cy
	raw[2*anchors] = 8  // w
	raw[3*anchors] = 8  // h
	raw[4*anchors] = 0.9
	return raw
}

func newDetectionEngine(t *testing.T, backends ...Backend) (*Engine, *buffer.Pool) {
	t.Helper()
	pool := buffer.NewPool()
	opts := DefaultOptions()
	opts.ImgSize = 32
	opts.NumClasses = 2
	opts.MaxParallelism = 4

	engine, err := NewEngineBuilder("fake.onnx").
		WithOptions(opts).
		WithLogger(NopLogger()).
		WithBufferPool(pool).
		WithBackend(backends...).
		Build()
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine, pool
}

func newFakeDetector(pool *buffer.Pool) *fakeBackend {
	return &fakeBackend{
		pool:    pool,
		tensors: [][]float32{detectionTensor(4, 2)},
		shapes:  [][]int64{{1, 6, 4}},
	}
}

func testImage(t *testing.T) images.Source {
	t.Helper()
	return images.Bytes(encodePNG(t, uniformImage(32, 32, color.RGBA{R: 50, G: 80, B: 120, A: 255})))
}

func TestEngineDetect(t *testing.T) {
	tensorPool := buffer.NewPool()
	engine, _ := newDetectionEngine(t, newFakeDetector(tensorPool))

	dets, err := engine.Detect(context.Background(), testImage(t))
	require.NoError(t, err)
	require.Len(t, dets, 1)

	// 32x32 image at 32px input: identity mapping.
	assert.InDelta(t, 12, dets[0].Box.X1, 1e-3)
	assert.InDelta(t, 12, dets[0].Box.Y1, 1e-3)
	assert.InDelta(t, 20, dets[0].Box.X2, 1e-3)
	assert.InDelta(t, 20, dets[0].Box.Y2, 1e-3)
	assert.InDelta(t, 0.9, dets[0].Confidence, 1e-3)
	assert.Equal(t, 0, dets[0].ClassID)
}

func TestEngineDetectDecodeFailure(t *testing.T) {
	engine, _ := newDetectionEngine(t, newFakeDetector(buffer.NewPool()))

	_, err := engine.Detect(context.Background(), images.Bytes([]byte("junk")))
	require.Error(t, err)
	assert.ErrorIs(t, err, images.ErrInvalidImage)
}

func TestEngineDetectAsync(t *testing.T) {
	engine, _ := newDetectionEngine(t, newFakeDetector(buffer.NewPool()))

	res := <-engine.DetectAsync(context.Background(), testImage(t))
	require.NoError(t, res.Err)
	assert.Len(t, res.Detections, 1)
}

func TestEngineDetectBatchSimplePath(t *testing.T) {
	engine, _ := newDetectionEngine(t, newFakeDetector(buffer.NewPool()))

	sources := []images.Source{testImage(t), testImage(t)}
	results, err := engine.DetectBatch(context.Background(), sources)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, dets := range results {
		assert.Len(t, dets, 1)
	}
}

func TestEngineDetectBatchStagedPath(t *testing.T) {
	tensorPool := buffer.NewPool()
	a := newFakeDetector(tensorPool)
	b := newFakeDetector(tensorPool)
	engine, prePool := newDetectionEngine(t, a, b)

	sources := make([]images.Source, 12)
	for i := range sources {
		sources[i] = testImage(t)
	}
	results, err := engine.DetectBatch(context.Background(), sources)
	require.NoError(t, err)
	require.Len(t, results, 12)
	for i, dets := range results {
		assert.Len(t, dets, 1, "page %d", i)
	}
	assert.EqualValues(t, 12, a.calls.Load()+b.calls.Load())
	assert.EqualValues(t, 0, prePool.Outstanding(), "pipeline frees every input tensor")
	assert.EqualValues(t, 0, tensorPool.Outstanding(), "pipeline frees every output tensor")
}

func TestEngineDetectBatchIsolatesFailures(t *testing.T) {
	engine, _ := newDetectionEngine(t, newFakeDetector(buffer.NewPool()))

	sources := []images.Source{
		testImage(t),
		images.Bytes([]byte("broken")),
		testImage(t),
		images.Bytes([]byte("also broken")),
		testImage(t),
	}
	results, err := engine.DetectBatch(context.Background(), sources)
	require.NoError(t, err, "item failures never fail the batch")
	require.Len(t, results, 5)

	assert.Len(t, results[0], 1)
	assert.Empty(t, results[1])
	assert.Len(t, results[2], 1)
	assert.Empty(t, results[3])
	assert.Len(t, results[4], 1)
}

func TestEngineDetectBatchEmpty(t *testing.T) {
	engine, _ := newDetectionEngine(t, newFakeDetector(buffer.NewPool()))

	results, err := engine.DetectBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestEngineConcurrencyBoundedBySessions(t *testing.T) {
	tensorPool := buffer.NewPool()
	a := newFakeDetector(tensorPool)
	a.delay = 2 * time.Millisecond
	b := newFakeDetector(tensorPool)
	b.delay = 2 * time.Millisecond
	engine, _ := newDetectionEngine(t, a, b)

	sources := make([]images.Source, 16)
	for i := range sources {
		sources[i] = testImage(t)
	}
	_, err := engine.DetectBatch(context.Background(), sources)
	require.NoError(t, err)

	assert.LessOrEqual(t, a.peak.Load(), int64(1),
		"each backend runs at most one pass at a time")
	assert.LessOrEqual(t, b.peak.Load(), int64(1))
}

func TestEngineStagedBatchCancelledMidflight(t *testing.T) {
	tensorPool := buffer.NewPool()
	a := newFakeDetector(tensorPool)
	a.delay = 10 * time.Millisecond
	b := newFakeDetector(tensorPool)
	b.delay = 10 * time.Millisecond
	engine, prePool := newDetectionEngine(t, a, b)

	sources := make([]images.Source, 12)
	for i := range sources {
		sources[i] = testImage(t)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(15 * time.Millisecond)
		cancel()
	}()

	done := make(chan struct{})
	var results [][]postprocess.Detection
	var err error
	go func() {
		results, err = engine.DetectBatch(ctx, sources)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled batch did not drain")
	}

	// Cancellation empties slots, it never fails the batch or loses slots.
	require.NoError(t, err)
	require.Len(t, results, 12)
	for i, dets := range results {
		require.NotNil(t, dets, "slot %d", i)
	}

	// Every pooled buffer in flight came back on the workers' exit paths.
	assert.EqualValues(t, 0, prePool.Outstanding(), "input tensors returned after cancel")
	assert.EqualValues(t, 0, tensorPool.Outstanding(), "output tensors returned after cancel")
}

func TestEngineClassify(t *testing.T) {
	pool := buffer.NewPool()
	backend := &fakeBackend{
		pool:    pool,
		tensors: [][]float32{{2.0, 1.0, 0.1}},
		shapes:  [][]int64{{1, 3}},
	}

	opts := DefaultOptions()
	opts.ImgSize = 32
	opts.NumClasses = 3
	opts.Confidence = 0.1
	engine, err := NewEngineBuilder("fake.onnx").
		WithOptions(opts).
		WithLogger(NopLogger()).
		WithBufferPool(buffer.NewPool()).
		WithBackend(backend).
		Build()
	require.NoError(t, err)
	defer engine.Close()

	classes, err := engine.Classify(context.Background(), testImage(t))
	require.NoError(t, err)
	require.NotEmpty(t, classes)
	assert.Equal(t, 0, classes[0].ClassID, "largest logit ranks first")
	assert.Greater(t, classes[0].Probability, classes[len(classes)-1].Probability)
}

func TestEngineSegmentRequiresTwoTensors(t *testing.T) {
	engine, _ := newDetectionEngine(t, newFakeDetector(buffer.NewPool()))

	_, err := engine.Segment(context.Background(), testImage(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInferenceFailed)
}

func TestEngineVersionedProcessor(t *testing.T) {
	pool := buffer.NewPool()
	// Six V10-style rows: x1, y1, x2, y2, confidence, class.
	rows := []float32{
		12, 12, 20, 20, 0.9, 1,
		0, 0, 0, 0, 0, 0,
	}
	backend := &fakeBackend{
		pool:    pool,
		tensors: [][]float32{rows},
		shapes:  [][]int64{{1, 2, 6}},
	}

	opts := DefaultOptions()
	opts.ImgSize = 32
	opts.NumClasses = 2
	opts.ModelVersion = postprocess.V10
	engine, err := NewEngineBuilder("fake.onnx").
		WithOptions(opts).
		WithLogger(NopLogger()).
		WithBufferPool(buffer.NewPool()).
		WithBackend(backend).
		Build()
	require.NoError(t, err)
	defer engine.Close()

	dets, err := engine.Detect(context.Background(), testImage(t))
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, 1, dets[0].ClassID)
}

func TestEngineUnknownVersionFailsBuild(t *testing.T) {
	opts := DefaultOptions()
	opts.ModelVersion = postprocess.Version("v999")

	_, err := NewEngineBuilder("fake.onnx").
		WithOptions(opts).
		WithLogger(NopLogger()).
		WithBackend(newFakeDetector(buffer.NewPool())).
		Build()
	require.Error(t, err)
}

type stubDrawer struct {
	encoded []byte
	err     error
	calls   atomic.Int64
}

func (d *stubDrawer) Annotate(images.Source, []postprocess.Detection) ([]byte, error) {
	d.calls.Add(1)
	return d.encoded, d.err
}

func TestEngineDetectAndDraw(t *testing.T) {
	drawer := &stubDrawer{encoded: []byte("annotated")}
	opts := DefaultOptions()
	opts.ImgSize = 32
	opts.NumClasses = 2

	engine, err := NewEngineBuilder("fake.onnx").
		WithOptions(opts).
		WithLogger(NopLogger()).
		WithBufferPool(buffer.NewPool()).
		WithBackend(newFakeDetector(buffer.NewPool())).
		WithDrawer(drawer).
		Build()
	require.NoError(t, err)
	defer engine.Close()

	dets, encoded, err := engine.DetectAndDraw(context.Background(), testImage(t))
	require.NoError(t, err)
	assert.Len(t, dets, 1)
	assert.Equal(t, []byte("annotated"), encoded)
}

func TestEngineDetectAndDrawWithoutDrawer(t *testing.T) {
	engine, _ := newDetectionEngine(t, newFakeDetector(buffer.NewPool()))

	_, _, err := engine.DetectAndDraw(context.Background(), testImage(t))
	require.Error(t, err)
}

func TestEngineClosed(t *testing.T) {
	engine, _ := newDetectionEngine(t, newFakeDetector(buffer.NewPool()))
	require.NoError(t, engine.Close())
	require.NoError(t, engine.Close(), "close is idempotent")

	_, err := engine.Detect(context.Background(), testImage(t))
	assert.ErrorIs(t, err, ErrEngineClosed)
	_, err = engine.DetectBatch(context.Background(), []images.Source{testImage(t)})
	assert.ErrorIs(t, err, ErrEngineClosed)
	_, err = engine.Classify(context.Background(), testImage(t))
	assert.ErrorIs(t, err, ErrEngineClosed)
	_, err = engine.Segment(context.Background(), testImage(t))
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestEngineCancelledContext(t *testing.T) {
	engine, _ := newDetectionEngine(t, newFakeDetector(buffer.NewPool()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := engine.Detect(ctx, testImage(t))
	assert.ErrorIs(t, err, context.Canceled)
}

type stubRasterizer struct {
	pages []images.Source
	err   error
}

func (r *stubRasterizer) RenderPages(context.Context, string, float64) ([]images.Source, error) {
	return r.pages, r.err
}

func TestEngineDetectDocument(t *testing.T) {
	pages := make([]images.Source, 5)
	for i := range pages {
		pages[i] = testImage(t)
	}
	drawer := &stubDrawer{encoded: []byte("page")}

	opts := DefaultOptions()
	opts.ImgSize = 32
	opts.NumClasses = 2
	opts.DrawResults = true

	engine, err := NewEngineBuilder("fake.onnx").
		WithOptions(opts).
		WithLogger(NopLogger()).
		WithBufferPool(buffer.NewPool()).
		WithBackend(newFakeDetector(buffer.NewPool())).
		WithDrawer(drawer).
		WithRasterizer(&stubRasterizer{pages: pages}).
		Build()
	require.NoError(t, err)
	defer engine.Close()

	results, err := engine.DetectDocument(context.Background(), "report.pdf")
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i, page := range results {
		assert.Equal(t, i, page.PageIndex)
		assert.Len(t, page.Detections, 1)
		assert.Equal(t, []byte("page"), page.Annotated)
	}
	assert.EqualValues(t, 5, drawer.calls.Load())
}

func TestEngineDetectDocumentRasterizerFailure(t *testing.T) {
	opts := DefaultOptions()
	opts.ImgSize = 32
	opts.NumClasses = 2

	engine, err := NewEngineBuilder("fake.onnx").
		WithOptions(opts).
		WithLogger(NopLogger()).
		WithBufferPool(buffer.NewPool()).
		WithBackend(newFakeDetector(buffer.NewPool())).
		WithRasterizer(&stubRasterizer{err: errors.New("renderer crashed")}).
		Build()
	require.NoError(t, err)
	defer engine.Close()

	_, err = engine.DetectDocument(context.Background(), "report.pdf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "renderer crashed")
}

func TestEngineDetectDocumentWithoutRasterizer(t *testing.T) {
	engine, _ := newDetectionEngine(t, newFakeDetector(buffer.NewPool()))

	_, err := engine.DetectDocument(context.Background(), "report.pdf")
	require.Error(t, err)
}

func TestEngineCloseClosesBackends(t *testing.T) {
	backend := newFakeDetector(buffer.NewPool())
	engine, _ := newDetectionEngine(t, backend)

	require.NoError(t, engine.Close())
	assert.True(t, backend.closed.Load())
}
