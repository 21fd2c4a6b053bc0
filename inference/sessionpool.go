package inference

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// SessionPool multiplexes inference over a fixed set of backends. Acquire
// blocks until a backend is free, so at most len(sessions) forward passes
// run concurrently regardless of how many goroutines submit work.
type SessionPool struct {
	sessions []Backend
	inUse    []atomic.Bool
	sem      *semaphore.Weighted
	closed   atomic.Bool
}

// NewSessionPool loads n backends for the same model.
//
// Arguments:
//   - path: Model file path, loaded once per session.
//   - opts: Engine options.
//   - n: Session count, at least 1.
//
// Returns:
//   - *SessionPool: The pool with all sessions loaded.
//   - error: The first load failure, after already-loaded sessions are
//     closed.
func NewSessionPool(path string, opts *Options, n int) (*SessionPool, error) {
	if n < 1 {
		n = 1
	}
	pool := &SessionPool{
		sessions: make([]Backend, 0, n),
		inUse:    make([]atomic.Bool, n),
		sem:      semaphore.NewWeighted(int64(n)),
	}
	for i := 0; i < n; i++ {
		backend, err := NewBackend(path, opts)
		if err != nil {
			pool.Close()
			return nil, errors.Wrapf(err, "loading session %d of %d", i+1, n)
		}
		pool.sessions = append(pool.sessions, backend)
	}
	return pool, nil
}

// newSessionPoolFrom wraps already-loaded backends in a pool. The pool
// takes ownership; Close closes them.
func newSessionPoolFrom(backends []Backend) *SessionPool {
	return &SessionPool{
		sessions: backends,
		inUse:    make([]atomic.Bool, len(backends)),
		sem:      semaphore.NewWeighted(int64(len(backends))),
	}
}

// Acquire checks out a free backend, blocking until one is available or
// the context is done. The caller must Release the same backend.
func (p *SessionPool) Acquire(ctx context.Context) (Backend, error) {
	if p.closed.Load() {
		return nil, ErrEngineClosed
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if p.closed.Load() {
		p.sem.Release(1)
		return nil, ErrEngineClosed
	}
	// The semaphore guarantees a free slot exists; the CAS scan finds it.
	for i := range p.inUse {
		if p.inUse[i].CompareAndSwap(false, true) {
			return p.sessions[i], nil
		}
	}
	p.sem.Release(1)
	return nil, errors.New("session pool invariant violated: semaphore admitted with no free slot")
}

// Release returns a backend checked out by Acquire.
func (p *SessionPool) Release(b Backend) {
	for i := range p.sessions {
		if p.sessions[i] == b {
			p.inUse[i].Store(false)
			p.sem.Release(1)
			return
		}
	}
}

// Run acquires a session, executes the forward pass, and releases it.
func (p *SessionPool) Run(ctx context.Context, input []float32, shape [4]int64) ([]Output, error) {
	backend, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Release(backend)
	return backend.RunContext(ctx, input, shape)
}

// Size returns the session count.
func (p *SessionPool) Size() int {
	return len(p.sessions)
}

// Close closes every session. In-flight Acquires fail with
// ErrEngineClosed; backends currently running finish their pass because
// each backend's own Close serializes behind it.
func (p *SessionPool) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	var firstErr error
	for _, s := range p.sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
