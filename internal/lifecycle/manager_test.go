package lifecycle

import (
	"sync"
	"testing"

	"github.com/echocast/echocast/pkg/media"
)

func TestAcquireRelease(t *testing.T) {
	t.Parallel()

	m := New()

	var released []media.Handle
	h := m.Acquire(func(h media.Handle) { released = append(released, h) })
	if h == 0 {
		t.Fatal("zero handle issued")
	}
	if got := m.Outstanding(); got != 1 {
		t.Fatalf("outstanding = %d, want 1", got)
	}

	m.Release(h)
	if got := m.Outstanding(); got != 0 {
		t.Fatalf("outstanding after release = %d, want 0", got)
	}
	if len(released) != 1 || released[0] != h {
		t.Fatalf("releaser calls = %v, want exactly [%d]", released, h)
	}
}

func TestDoubleReleaseIsNoop(t *testing.T) {
	t.Parallel()

	m := New()

	calls := 0
	h := m.Acquire(func(media.Handle) { calls++ })

	m.Release(h)
	m.Release(h)
	m.Release(h)

	if calls != 1 {
		t.Fatalf("releaser called %d times, want 1", calls)
	}
}

func TestReleaseUnknownHandle(t *testing.T) {
	t.Parallel()

	m := New()
	m.Release(media.Handle(42)) // must not panic
	if got := m.Outstanding(); got != 0 {
		t.Fatalf("outstanding = %d, want 0", got)
	}
}

func TestReleaseAll(t *testing.T) {
	t.Parallel()

	m := New()

	var mu sync.Mutex
	calls := map[media.Handle]int{}
	releaser := func(h media.Handle) {
		mu.Lock()
		calls[h]++
		mu.Unlock()
	}

	h1 := m.Acquire(releaser)
	h2 := m.Acquire(releaser)
	h3 := m.Acquire(releaser)
	m.Release(h2) // released before teardown

	m.ReleaseAll()

	if got := m.Outstanding(); got != 0 {
		t.Fatalf("outstanding = %d, want 0", got)
	}
	for _, h := range []media.Handle{h1, h2, h3} {
		if calls[h] != 1 {
			t.Fatalf("handle %d released %d times, want 1", h, calls[h])
		}
	}

	// A second teardown sweep must be a no-op.
	m.ReleaseAll()
	for h, n := range calls {
		if n != 1 {
			t.Fatalf("handle %d released %d times after second sweep", h, n)
		}
	}
}

func TestGaugeCallback(t *testing.T) {
	t.Parallel()

	m := New()

	var last int
	m.SetGauge(func(n int) { last = n })

	h1 := m.Acquire(nil)
	m.Acquire(nil)
	if last != 2 {
		t.Fatalf("gauge = %d, want 2", last)
	}
	m.Release(h1)
	if last != 1 {
		t.Fatalf("gauge = %d, want 1", last)
	}
	m.ReleaseAll()
	if last != 0 {
		t.Fatalf("gauge = %d, want 0", last)
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	t.Parallel()

	m := New()

	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				h := m.Acquire(nil)
				m.Release(h)
				m.Release(h)
			}
		}()
	}
	wg.Wait()

	if got := m.Outstanding(); got != 0 {
		t.Fatalf("outstanding = %d, want 0", got)
	}
}
