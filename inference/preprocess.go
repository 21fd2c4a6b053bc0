package inference

import (
	"context"
	"image"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-detect/buffer"
	"github.com/nvr-ai/go-detect/images"
)

// Preprocessor converts image sources into model input tensors. It is
// stateless apart from the pool and safe for concurrent use.
type Preprocessor struct {
	pool      *buffer.Pool
	inputSize int
}

// NewPreprocessor creates a preprocessor producing square CHW tensors of
// the given edge length, backed by the given pool.
func NewPreprocessor(pool *buffer.Pool, inputSize int) *Preprocessor {
	if pool == nil {
		pool = buffer.Global
	}
	return &Preprocessor{pool: pool, inputSize: inputSize}
}

// Process decodes a source, letterboxes it to the model edge and packs
// the pixels into a planar RGB float32 tensor scaled to [0, 1].
//
// Arguments:
//   - ctx: Cancellation; checked before decode and before packing.
//   - src: The image source.
//
// Returns:
//   - *buffer.Handle: Pooled tensor of 3*size*size floats, CHW order.
//   - images.Context: Letterbox geometry for coordinate unmapping.
//   - error: Decode or validation failure, or ctx.Err.
func (p *Preprocessor) Process(ctx context.Context, src images.Source) (*buffer.Handle, images.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, images.Context{}, err
	}

	img, err := src.Decode()
	if err != nil {
		return nil, images.Context{}, errors.Wrap(err, "decoding image")
	}

	boxed, lbCtx, err := images.Letterbox(img, p.inputSize)
	if err != nil {
		return nil, images.Context{}, errors.Wrap(err, "letterboxing image")
	}
	if err := ctx.Err(); err != nil {
		return nil, images.Context{}, err
	}

	handle := p.pool.Rent(3 * p.inputSize * p.inputSize)
	packCHW(boxed, handle.Data(), p.inputSize)
	return handle, lbCtx, nil
}

// packCHW writes size*size RGBA pixels as three planar channels of
// normalized float32, red plane first.
func packCHW(img *image.RGBA, dst []float32, size int) {
	plane := size * size
	const inv = float32(1) / 255

	for y := 0; y < size; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+size*4]
		base := y * size
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+4 : x*4+4]
			dst[base+x] = float32(px[0]) * inv
			dst[plane+base+x] = float32(px[1]) * inv
			dst[2*plane+base+x] = float32(px[2]) * inv
		}
	}
}
