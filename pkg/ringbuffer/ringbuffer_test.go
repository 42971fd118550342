package ringbuffer

import (
	"sync"
	"testing"
	"time"
)

func TestPushPopFrontNoWait(t *testing.T) {
	b := New(4, NoWaitStrategy{})

	if err := b.Push([]byte("page-a")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := b.Push([]byte("page-b")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got := b.Len(); got != 2 {
		t.Fatalf("expected len 2, got %d", got)
	}

	if err := b.PopFront(1); err != nil {
		t.Fatalf("PopFront: %v", err)
	}
	if got := b.Len(); got != 1 {
		t.Fatalf("expected len 1 after pop, got %d", got)
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	b := New(4, NoWaitStrategy{})
	_ = b.Push([]byte("one"))
	_ = b.Push([]byte("two"))

	out := make([]Page, 2)
	if err := b.Peek(0, 2, out); err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if string(out[0]) != "one" || string(out[1]) != "two" {
		t.Fatalf("unexpected peek contents: %v", out)
	}
	if got := b.Len(); got != 2 {
		t.Fatalf("expected peek to leave len unchanged at 2, got %d", got)
	}
}

func TestPushBlocksUntilCapacityFreed(t *testing.T) {
	b := New(1, CondWaitStrategy{})
	if err := b.Push([]byte("first")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	pushed := make(chan struct{})
	go func() {
		defer wg.Done()
		if err := b.Push([]byte("second")); err != nil {
			t.Errorf("blocked Push: %v", err)
		}
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("second push should have blocked while buffer is full")
	case <-time.After(50 * time.Millisecond):
	}

	if err := b.PopFront(1); err != nil {
		t.Fatalf("PopFront: %v", err)
	}

	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("second push never unblocked after capacity freed")
	}
	wg.Wait()
}

func TestTimeoutWaitStrategyIsSticky(t *testing.T) {
	b := New(2, TimeoutWaitStrategy{Timeout: 20 * time.Millisecond})

	err := b.PopFront(1) // buffer is empty, predicate never becomes true
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// Once timed out, the buffer should refuse further operations immediately.
	if err := b.Push([]byte("x")); err != ErrTimeout {
		t.Fatalf("expected sticky ErrTimeout on subsequent Push, got %v", err)
	}
	if err := b.Err(); err != ErrTimeout {
		t.Fatalf("expected Err() to report ErrTimeout, got %v", err)
	}
}

func TestTimeoutWaitStrategySucceedsWhenPredicateAlreadyTrue(t *testing.T) {
	b := New(2, TimeoutWaitStrategy{Timeout: time.Second})
	if err := b.Push([]byte("data")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	out := make([]Page, 1)
	if err := b.Peek(0, 1, out); err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if string(out[0]) != "data" {
		t.Fatalf("unexpected peek contents: %q", out[0])
	}
}
