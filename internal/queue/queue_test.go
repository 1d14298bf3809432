package queue

import (
	"sync"
	"testing"
	"time"
)

func TestFIFOOrdering(t *testing.T) {
	q := New(10)
	for _, p := range []string{"a", "b", "c"} {
		if err := q.Submit(p); err != nil {
			t.Fatalf("submit %s: %v", p, err)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.Next()
		if !ok {
			t.Fatalf("expected item, queue reported closed")
		}
		if got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
}

func TestSubmitBlocksWhenFull(t *testing.T) {
	q := New(1)
	if err := q.Submit("first"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	submitted := make(chan struct{})
	go func() {
		_ = q.Submit("second")
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Fatal("submit returned before a slot freed")
	case <-time.After(50 * time.Millisecond):
	}

	if _, ok := q.Next(); !ok {
		t.Fatal("expected first item")
	}

	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatal("submit did not unblock after a slot freed")
	}
}

func TestShutdownWakesBlockedSubmitAndNext(t *testing.T) {
	q := New(1)
	if err := q.Submit("fill"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var submitErr error
	go func() {
		defer wg.Done()
		submitErr = q.Submit("blocked")
	}()

	time.Sleep(20 * time.Millisecond)
	q.Shutdown()
	wg.Wait()

	if submitErr != ErrShuttingDown {
		t.Fatalf("expected ErrShuttingDown, got %v", submitErr)
	}

	// the one item already enqueued before shutdown must still drain.
	if _, ok := q.Next(); !ok {
		t.Fatal("expected queued item to drain after shutdown")
	}
	if _, ok := q.Next(); ok {
		t.Fatal("expected Next to report closed once drained")
	}
}

func TestDepthTracksSubmitAndNext(t *testing.T) {
	q := New(4)
	_ = q.Submit("a")
	_ = q.Submit("b")
	if d := q.Depth(); d != 2 {
		t.Fatalf("expected depth 2, got %d", d)
	}
	q.Next()
	if d := q.Depth(); d != 1 {
		t.Fatalf("expected depth 1, got %d", d)
	}
}
