// Package ringbuffer implements a bounded ring of byte pages that decouples
// writer goroutines from the upload worker that drains them toward S3. It
// is the Go rendering of the transport's circular_buffer<page>: a fixed
// capacity queue whose push/pop/peek operations block on a configurable
// wait strategy instead of returning would-block errors.
package ringbuffer

import (
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned by a WaitStrategy when its deadline elapses before
// the requested condition becomes true. Once a Buffer's strategy returns
// ErrTimeout, the buffer latches into a failed state (see Buffer.Err) so
// that every subsequent call fails cleanly instead of blocking again.
var ErrTimeout = errors.New("ringbuffer: timed out waiting for condition")

// Page is one unit of queued data. Buffer stores copies, not the caller's
// backing array, so the caller is free to reuse its write buffer immediately
// after Push returns.
type Page []byte

// WaitStrategy blocks the calling goroutine until predicate reports true,
// then runs work while still holding the lock, mirroring the
// lock_and_wait_strategy hierarchy in the reference transport: a no-wait
// variant for tests, a plain condition-variable wait, and a
// condition-variable wait bounded by a timeout.
type WaitStrategy interface {
	Run(l *sync.Mutex, cond *sync.Cond, predicate func() bool, work func()) error
}

// NoWaitStrategy runs work immediately without checking predicate. It exists
// for deterministic unit tests that want to bypass blocking entirely; using
// it against a Buffer whose predicate is false corrupts buffer invariants,
// so production code should not use it.
type NoWaitStrategy struct{}

func (NoWaitStrategy) Run(_ *sync.Mutex, _ *sync.Cond, _ func() bool, work func()) error {
	work()
	return nil
}

// CondWaitStrategy blocks on cond until predicate holds, with no deadline.
type CondWaitStrategy struct{}

func (CondWaitStrategy) Run(_ *sync.Mutex, cond *sync.Cond, predicate func() bool, work func()) error {
	for !predicate() {
		cond.Wait()
	}
	work()
	cond.Broadcast()
	return nil
}

// TimeoutWaitStrategy blocks on cond until predicate holds or Timeout
// elapses, in which case it returns ErrTimeout without running work.
type TimeoutWaitStrategy struct {
	Timeout time.Duration
}

func (s TimeoutWaitStrategy) Run(l *sync.Mutex, cond *sync.Cond, predicate func() bool, work func()) error {
	if predicate() {
		work()
		cond.Broadcast()
		return nil
	}

	timedOut := false

	// sync.Cond has no wait-with-deadline, so a helper goroutine wakes the
	// waiter once the deadline passes by broadcasting on the same cond.
	timer := time.AfterFunc(s.Timeout, func() {
		l.Lock()
		timedOut = true
		cond.Broadcast()
		l.Unlock()
	})
	defer timer.Stop()

	for !predicate() {
		if timedOut {
			return ErrTimeout
		}
		cond.Wait()
	}
	work()
	cond.Broadcast()
	return nil
}

// Buffer is a bounded FIFO queue of Pages. Capacity is measured in pages,
// matching boost::circular_buffer<page>'s page-granularity bound rather
// than a raw byte count; callers size pages to part-size chunks so capacity
// translates directly into bytes buffered ahead of the upload worker.
type Buffer struct {
	mu       sync.Mutex
	cond     *sync.Cond
	pages    []Page
	capacity int
	strategy WaitStrategy

	// err latches the first sticky failure (currently only ErrTimeout) so
	// every later call returns it immediately without re-entering the wait.
	err error
}

// New creates a Buffer bounded to capacity pages, using strategy to block
// on push/pop/peek. A nil strategy defaults to CondWaitStrategy.
func New(capacity int, strategy WaitStrategy) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	if strategy == nil {
		strategy = CondWaitStrategy{}
	}
	b := &Buffer{
		pages:    make([]Page, 0, capacity),
		capacity: capacity,
		strategy: strategy,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Err returns the sticky error latched by a prior timeout, or nil.
func (b *Buffer) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Len reports the current number of queued pages.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pages)
}

// Push appends a copy of page to the back of the buffer, blocking per the
// wait strategy until capacity allows the append.
func (b *Buffer) Push(page []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return b.err
	}

	cp := make(Page, len(page))
	copy(cp, page)

	err := b.strategy.Run(&b.mu, b.cond,
		func() bool { return len(b.pages) < b.capacity },
		func() { b.pages = append(b.pages, cp) },
	)
	if err != nil {
		b.err = err
		return err
	}
	return nil
}

// PopFront discards the front n pages, blocking until at least n are present.
func (b *Buffer) PopFront(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return b.err
	}

	err := b.strategy.Run(&b.mu, b.cond,
		func() bool { return n <= len(b.pages) },
		func() {
			b.pages = append(b.pages[:0], b.pages[n:]...)
		},
	)
	if err != nil {
		b.err = err
		return err
	}
	return nil
}

// Peek copies the n pages starting at offset into out without removing them
// from the buffer, blocking until offset+n pages are present. out must have
// length >= n.
func (b *Buffer) Peek(offset, n int, out []Page) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return b.err
	}

	err := b.strategy.Run(&b.mu, b.cond,
		func() bool { return offset+n <= len(b.pages) },
		func() { copy(out, b.pages[offset:offset+n]) },
	)
	if err != nil {
		b.err = err
		return err
	}
	return nil
}
