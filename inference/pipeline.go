package inference

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/nvr-ai/go-detect/buffer"
	"github.com/nvr-ai/go-detect/images"
	"github.com/nvr-ai/go-detect/postprocess"
)

// preprocessed is a stage-one pipeline item. A failed item carries err
// and no handle; the later stages pass it through so every input index
// reaches the result slice exactly once.
type preprocessed struct {
	idx    int
	handle *buffer.Handle
	lbCtx  images.Context
	err    error
}

// inferred is a stage-two pipeline item.
type inferred struct {
	idx   int
	outs  []Output
	lbCtx images.Context
	err   error
}

func (e *Engine) detectOne(ctx context.Context, src images.Source) ([]postprocess.Detection, error) {
	handle, lbCtx, err := e.pre.Process(ctx, src)
	if err != nil {
		return nil, err
	}
	defer handle.Free()

	outs, err := e.pool.Run(ctx, handle.Data(), e.inputShape())
	if err != nil {
		return nil, err
	}
	defer FreeOutputs(outs)
	if len(outs) == 0 {
		return nil, errors.Wrap(ErrInferenceFailed, "model produced no outputs")
	}

	proc, err := e.processor(outs[0].Shape)
	if err != nil {
		return nil, err
	}
	return proc.Detections(outs[0].Data(), outs[0].Shape, lbCtx, e.opts.postprocessConfig())
}

// detectBatch fans a batch across the pipeline. Small batches take a
// bounded parallel map; batches at or beyond the staged threshold run
// the three-stage pipeline so decode, inference and NMS overlap.
// Per-image failures yield an empty slot and a log line, never a batch
// abort; the returned error is reserved for engine-level failures.
func (e *Engine) detectBatch(ctx context.Context, sources []images.Source) ([][]postprocess.Detection, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	results := make([][]postprocess.Detection, len(sources))
	for i := range results {
		results[i] = []postprocess.Detection{}
	}
	if len(sources) == 0 {
		return results, nil
	}

	if len(sources) < e.opts.stagedThreshold() {
		e.detectBatchSimple(ctx, sources, results)
	} else {
		e.detectBatchStaged(ctx, sources, results)
	}
	return results, nil
}

func (e *Engine) detectBatchSimple(ctx context.Context, sources []images.Source, results [][]postprocess.Detection) {
	sem := semaphore.NewWeighted(int64(e.opts.workers()))
	var wg sync.WaitGroup

	for i, src := range sources {
		if err := sem.Acquire(ctx, 1); err != nil {
			e.log.Errorf(e.modelPath, err)
			break
		}
		wg.Add(1)
		go func(idx int, s images.Source) {
			defer wg.Done()
			defer sem.Release(1)
			dets, err := e.detectOne(ctx, s)
			if err != nil {
				e.log.Errorf(e.modelPath, errors.Wrapf(err, "batch item %d", idx))
				return
			}
			results[idx] = dets
		}(i, src)
	}
	wg.Wait()
}

func (e *Engine) detectBatchStaged(ctx context.Context, sources []images.Source, results [][]postprocess.Detection) {
	nSessions := e.pool.Size()
	nPre := e.opts.workers()
	if nPre > len(sources) {
		nPre = len(sources)
	}
	nPost := nPre / 2
	if nPost < 1 {
		nPost = 1
	}
	depth := 2 * nSessions
	if depth < 4 {
		depth = 4
	}

	jobs := make(chan int, len(sources))
	preChan := make(chan preprocessed, depth)
	infChan := make(chan inferred, depth)

	for i := range sources {
		jobs <- i
	}
	close(jobs)

	// Stage 1: decode and letterbox. Failed items flow downstream so every
	// index reaches the result slice and the channels always drain.
	var preWG sync.WaitGroup
	for w := 0; w < nPre; w++ {
		preWG.Add(1)
		go func() {
			defer preWG.Done()
			for idx := range jobs {
				handle, lbCtx, err := e.pre.Process(ctx, sources[idx])
				preChan <- preprocessed{idx: idx, handle: handle, lbCtx: lbCtx, err: err}
			}
		}()
	}
	go func() {
		preWG.Wait()
		close(preChan)
	}()

	// Stage 2: forward passes, one worker per session.
	var infWG sync.WaitGroup
	for w := 0; w < nSessions; w++ {
		infWG.Add(1)
		go func() {
			defer infWG.Done()
			for item := range preChan {
				if item.err != nil {
					infChan <- inferred{idx: item.idx, err: item.err}
					continue
				}
				outs, err := e.pool.Run(ctx, item.handle.Data(), e.inputShape())
				item.handle.Free()
				infChan <- inferred{idx: item.idx, outs: outs, lbCtx: item.lbCtx, err: err}
			}
		}()
	}
	go func() {
		infWG.Wait()
		close(infChan)
	}()

	// Stage 3: decode tensors into detections.
	var postWG sync.WaitGroup
	for w := 0; w < nPost; w++ {
		postWG.Add(1)
		go func() {
			defer postWG.Done()
			for item := range infChan {
				dets, err := e.finishDetection(item)
				if err != nil {
					e.log.Errorf(e.modelPath, errors.Wrapf(err, "batch item %d", item.idx))
					continue
				}
				results[item.idx] = dets
			}
		}()
	}
	postWG.Wait()
}

func (e *Engine) finishDetection(item inferred) ([]postprocess.Detection, error) {
	if item.err != nil {
		FreeOutputs(item.outs)
		return nil, item.err
	}
	defer FreeOutputs(item.outs)
	if len(item.outs) == 0 {
		return nil, errors.Wrap(ErrInferenceFailed, "model produced no outputs")
	}
	proc, err := e.processor(item.outs[0].Shape)
	if err != nil {
		return nil, err
	}
	return proc.Detections(item.outs[0].Data(), item.outs[0].Shape, item.lbCtx, e.opts.postprocessConfig())
}

func (e *Engine) classifyOne(ctx context.Context, src images.Source) ([]postprocess.Classification, error) {
	handle, _, err := e.pre.Process(ctx, src)
	if err != nil {
		return nil, err
	}
	defer handle.Free()

	outs, err := e.pool.Run(ctx, handle.Data(), e.inputShape())
	if err != nil {
		return nil, err
	}
	defer FreeOutputs(outs)
	if len(outs) == 0 {
		return nil, errors.Wrap(ErrInferenceFailed, "model produced no outputs")
	}

	proc, err := e.processor(outs[0].Shape)
	if err != nil {
		return nil, err
	}
	return proc.Classifications(outs[0].Data(), outs[0].Shape, e.opts.postprocessConfig())
}

func (e *Engine) segmentOne(ctx context.Context, src images.Source) ([]postprocess.Segmentation, error) {
	handle, lbCtx, err := e.pre.Process(ctx, src)
	if err != nil {
		return nil, err
	}
	defer handle.Free()

	outs, err := e.pool.Run(ctx, handle.Data(), e.inputShape())
	if err != nil {
		return nil, err
	}
	defer FreeOutputs(outs)
	if len(outs) < 2 {
		return nil, errors.Wrapf(ErrInferenceFailed,
			"segmentation needs detection and prototype tensors, model produced %d output(s)", len(outs))
	}

	seg := &postprocess.Segmenter{}
	return seg.Segment(
		outs[0].Data(), outs[0].Shape,
		outs[1].Data(), outs[1].Shape,
		lbCtx, e.opts.postprocessConfig(),
	)
}
