// Package buffer - pooled float32 tensor buffers for the inference hot path.
package buffer

import (
	"sync"
	"sync/atomic"
)

// Pool recycles float32 tensor buffers across preprocessing, inference and
// postprocessing so that repeated allocation of identically-sized tensors
// (a YOLO output of 1x84x8400 is ~2.7 MiB) does not hit the heap allocator
// on every frame.
//
// The pool is keyed by exact buffer length. Rent never fails and never
// blocks: a miss falls through to a fresh allocation which is then owned by
// the pool on Free.
type Pool struct {
	classes sync.Map // int -> *sync.Pool
	rents   atomic.Int64
	frees   atomic.Int64
}

// Handle is the scoped owner of a rented buffer. Exactly one Free must be
// issued per Rent on every exit path; using a handle after Free is a
// programming error and panics.
type Handle struct {
	data  []float32
	pool  *Pool
	freed atomic.Bool
}

// NewPool creates an empty buffer pool.
//
// Returns:
//   - *Pool: The new pool.
func NewPool() *Pool {
	return &Pool{}
}

// Global is the process-wide pool shared by all engines.
var Global = NewPool()

// Rent borrows a buffer with capacity for at least n float32 elements.
// Contents are not zeroed; callers must write before reading.
//
// Arguments:
//   - n: The minimum number of float32 elements.
//
// Returns:
//   - *Handle: The rented buffer handle.
func (p *Pool) Rent(n int) *Handle {
	p.rents.Add(1)

	class, _ := p.classes.LoadOrStore(n, &sync.Pool{})
	if buf, ok := class.(*sync.Pool).Get().([]float32); ok && len(buf) >= n {
		return &Handle{data: buf[:n], pool: p}
	}
	return &Handle{data: make([]float32, n), pool: p}
}

// Free returns the handle's buffer to the pool. A second Free on the same
// handle panics.
func (h *Handle) Free() {
	if h.freed.Swap(true) {
		panic("buffer: double free of pooled handle")
	}
	h.pool.frees.Add(1)

	buf := h.data
	h.data = nil
	if class, ok := h.pool.classes.Load(len(buf)); ok {
		class.(*sync.Pool).Put(buf)
	}
}

// Data returns the rented span. Panics after Free.
//
// Returns:
//   - []float32: The buffer contents, length as requested at Rent.
func (h *Handle) Data() []float32 {
	if h.freed.Load() {
		panic("buffer: use of pooled handle after free")
	}
	return h.data
}

// Len returns the usable length of the handle's span.
func (h *Handle) Len() int {
	if h.freed.Load() {
		panic("buffer: use of pooled handle after free")
	}
	return len(h.data)
}

// Stats reports the number of Rent and Free calls since the pool was
// created. At engine teardown the two must be equal.
//
// Returns:
//   - rents: Total Rent calls.
//   - frees: Total Free calls.
func (p *Pool) Stats() (rents, frees int64) {
	return p.rents.Load(), p.frees.Load()
}

// Outstanding reports the number of handles rented but not yet freed.
func (p *Pool) Outstanding() int64 {
	return p.rents.Load() - p.frees.Load()
}
