package inference

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/nvr-ai/go-detect/images"
	"github.com/nvr-ai/go-detect/postprocess"
)

// Rasterizer renders the pages of a multi-page document into image
// sources. Implementations wrap an external renderer; the engine only
// consumes its output.
type Rasterizer interface {
	RenderPages(ctx context.Context, path string, dpi float64) ([]images.Source, error)
}

// PageResult is the detection result for one document page.
type PageResult struct {
	// PageIndex is the zero-based page number.
	PageIndex int
	// Detections are in page image coordinates.
	Detections []postprocess.Detection
	// Annotated is the encoded annotated page, only when DrawResults is
	// enabled and a drawer is configured.
	Annotated []byte
}

// DetectDocument rasterizes a document and runs detection over every
// page through the batch pipeline. Page order is preserved. When the
// options enable DrawResults and a drawer is configured, pages are
// annotated in parallel after detection.
//
// Arguments:
//   - ctx: Cancellation and deadline, honored through both phases.
//   - path: Document file path, handed to the rasterizer as-is.
//
// Returns:
//   - []PageResult: One entry per page.
//   - error: Rasterization failures or engine-level inference failures.
func (e *Engine) DetectDocument(ctx context.Context, path string) ([]PageResult, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if e.rasterize == nil {
		return nil, errors.New("engine has no rasterizer configured")
	}

	start := time.Now()
	pages, err := e.rasterize.RenderPages(ctx, path, e.opts.DocumentDPI)
	if err != nil {
		return nil, errors.Wrapf(err, "rasterizing %q", path)
	}
	renderElapsed := time.Since(start)

	inferStart := time.Now()
	detections, err := e.detectBatch(ctx, pages)
	if err != nil {
		return nil, err
	}
	inferElapsed := time.Since(inferStart)

	results := make([]PageResult, len(pages))
	for i := range results {
		results[i] = PageResult{PageIndex: i, Detections: detections[i]}
	}

	if e.opts.DrawResults && e.drawer != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.opts.workers())
		for i := range results {
			i := i
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				encoded, err := e.drawer.Annotate(pages[i], results[i].Detections)
				if err != nil {
					return errors.Wrapf(err, "annotating page %d", i)
				}
				results[i].Annotated = encoded
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	e.log.DocumentTiming(len(pages), renderElapsed, inferElapsed, time.Since(start))
	return results, nil
}
