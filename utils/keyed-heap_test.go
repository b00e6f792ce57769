package utils

import (
	"math/rand"
	"testing"
)

func TestKeyedHeapOrdering(t *testing.T) {
	h := NewKeyedHeap(16)
	h.Insert(3, 10)
	h.Insert(5, 30)
	h.Insert(7, 20)

	if h.Top() != 5 || h.TopKey() != 30 {
		t.Fatalf("top = (%d, %d), want (5, 30)", h.Top(), h.TopKey())
	}
	h.AdjustKey(3, 40)
	if h.Top() != 3 {
		t.Fatalf("top = %d after adjust, want 3", h.Top())
	}
	h.DeleteTop()
	if h.Contains(3) {
		t.Fatal("3 must be gone after DeleteTop")
	}
	h.Remove(7)
	if h.Size() != 1 || h.Top() != 5 {
		t.Fatalf("remaining = (%d, top %d), want (1, 5)", h.Size(), h.Top())
	}
}

func TestKeyedHeapTieBreakById(t *testing.T) {
	h := NewKeyedHeap(8)
	h.Insert(6, 5)
	h.Insert(2, 5)
	h.Insert(4, 5)
	if h.Top() != 2 {
		t.Fatalf("equal keys must extract smaller id first, got %d", h.Top())
	}
}

func TestKeyedHeapRandomized(t *testing.T) {
	const universe = 256
	h := NewKeyedHeap(universe)
	rng := rand.New(rand.NewSource(1))
	reference := map[uint32]int64{}

	for i := 0; i < 2000; i++ {
		id := uint32(rng.Intn(universe))
		key := int64(rng.Intn(1000))
		if _, ok := reference[id]; ok {
			h.AdjustKey(id, key)
		} else {
			h.Insert(id, key)
		}
		reference[id] = key
	}

	var lastKey int64 = 1 << 62
	for !h.Empty() {
		id, key := h.Top(), h.TopKey()
		if key > lastKey {
			t.Fatalf("extraction out of order: %d after %d", key, lastKey)
		}
		if reference[id] != key {
			t.Fatalf("key of %d is %d, want %d", id, key, reference[id])
		}
		delete(reference, id)
		lastKey = key
		h.DeleteTop()
	}
	if len(reference) != 0 {
		t.Fatalf("%d elements never extracted", len(reference))
	}
}
