package utils

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestWorkContainerStealAll(t *testing.T) {
	const numItems = 1000
	const numWorkers = 4
	wc := NewWorkContainer[uint32](numItems, numWorkers)
	wc.Clear()

	for i := uint32(0); i < numItems; i++ {
		wc.PushBack(i, 0)
	}

	popped := make([]atomic.Int32, numItems)
	counts := make([]int, numWorkers)
	var wg sync.WaitGroup
	for w := 1; w < numWorkers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				el, ok := wc.TryPop(w)
				if !ok {
					return
				}
				popped[el].Add(1)
				counts[w]++
			}
		}(w)
	}
	wg.Wait()

	total := 0
	for w := 1; w < numWorkers; w++ {
		total += counts[w]
	}
	if total != numItems {
		t.Fatalf("popped %d items, want %d", total, numItems)
	}
	for i := range popped {
		if got := popped[i].Load(); got != 1 {
			t.Fatalf("item %d popped %d times", i, got)
		}
	}
}

func TestWorkContainerTimestamps(t *testing.T) {
	wc := NewWorkContainer[uint32](16, 2)
	wc.Clear()

	wc.PushBack(3, 0)
	if wc.WasPushedAndRemoved(3) {
		t.Fatal("3 was not removed yet")
	}
	el, ok := wc.TryPop(0)
	if !ok || el != 3 {
		t.Fatalf("TryPop = (%d, %v), want (3, true)", el, ok)
	}
	if !wc.WasPushedAndRemoved(3) {
		t.Fatal("3 was pushed and removed")
	}
	if wc.WasPushedAndRemoved(5) {
		t.Fatal("5 was never pushed")
	}

	wc.Clear()
	if wc.WasPushedAndRemoved(3) {
		t.Fatal("Clear must reset the pushed-and-removed state")
	}
}

func TestSPMCQueueGrowth(t *testing.T) {
	var q SPMCQueue[int]
	q.Init(16)
	const n = 1000
	for i := 0; i < n; i++ {
		q.PushBack(i)
	}
	if q.Empty() {
		t.Fatal("queue should not be empty")
	}
	for i := 0; i < n; i++ {
		el, ok := q.TryPopFront()
		if !ok || el != i {
			t.Fatalf("pop %d = (%d, %v)", i, el, ok)
		}
	}
	if !q.Empty() {
		t.Fatalf("queue should be empty, UnsafeSize=%d", q.UnsafeSize())
	}
	if _, ok := q.TryPopFront(); ok {
		t.Fatal("pop from empty queue must fail")
	}
}

func TestSPMCQueueConcurrentNoDuplicates(t *testing.T) {
	var q SPMCQueue[int]
	q.Init(16)
	const n = 20000

	popped := make([]atomic.Int32, n)
	var done atomic.Bool
	var wg sync.WaitGroup
	for c := 0; c < 3; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if el, ok := q.TryPopFront(); ok {
					popped[el].Add(1)
				} else if done.Load() && q.Empty() {
					return
				}
			}
		}()
	}
	for i := 0; i < n; i++ {
		q.PushBack(i)
	}
	done.Store(true)
	wg.Wait()

	for i := range popped {
		if popped[i].Load() > 1 {
			t.Fatalf("item %d popped twice", i)
		}
	}
}

func TestWorkContainerShuffleKeepsElements(t *testing.T) {
	wc := NewWorkContainer[uint32](64, 2)
	wc.Clear()
	for i := uint32(0); i < 64; i++ {
		wc.PushBack(i, int(i%2))
	}
	wc.Shuffle(123)

	seen := make(map[uint32]bool)
	for w := 0; w < 2; w++ {
		for {
			el, ok := wc.TryPop(w)
			if !ok {
				break
			}
			if seen[el] {
				t.Fatalf("duplicate element %d after shuffle", el)
			}
			seen[el] = true
		}
	}
	if len(seen) != 64 {
		t.Fatalf("lost elements in shuffle: %d of 64", len(seen))
	}
}
