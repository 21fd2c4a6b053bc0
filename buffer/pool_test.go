package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRentAndFree(t *testing.T) {
	p := NewPool()

	h := p.Rent(1024)
	require.NotNil(t, h)
	assert.Len(t, h.Data(), 1024, "span should match the requested length")

	// Fill and release so the buffer lands back in the pool.
	for i := range h.Data() {
		h.Data()[i] = float32(i)
	}
	h.Free()

	rents, frees := p.Stats()
	assert.Equal(t, int64(1), rents)
	assert.Equal(t, int64(1), frees)
	assert.Zero(t, p.Outstanding())
}

func TestRentReusesReturnedBuffer(t *testing.T) {
	p := NewPool()

	h := p.Rent(84 * 8400)
	first := &h.Data()[0]
	h.Free()

	// Same size class, should come back out of the freelist.
	h2 := p.Rent(84 * 8400)
	assert.Same(t, first, &h2.Data()[0], "identically-sized rent should reuse the pooled buffer")
	h2.Free()
}

func TestUseAfterFreePanics(t *testing.T) {
	p := NewPool()
	h := p.Rent(16)
	h.Free()

	assert.Panics(t, func() { h.Data() }, "reading a freed handle should panic")
	assert.Panics(t, func() { h.Free() }, "double free should panic")
}

func TestConcurrentRentFree(t *testing.T) {
	p := NewPool()

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				h := p.Rent(640 * 640 * 3)
				h.Data()[0] = 1
				h.Free()
			}
		}()
	}
	wg.Wait()

	rents, frees := p.Stats()
	assert.Equal(t, rents, frees, "every rent must be balanced by a free")
}

func TestBuffersAreNotZeroed(t *testing.T) {
	p := NewPool()

	h := p.Rent(8)
	for i := range h.Data() {
		h.Data()[i] = 42
	}
	h.Free()

	// The contract is write-before-read; reused memory may carry old data.
	h2 := p.Rent(8)
	defer h2.Free()
	assert.Len(t, h2.Data(), 8)
}
