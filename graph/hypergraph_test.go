package graph

import (
	"sync"
	"testing"
)

// 7 nodes, 4 hyperedges; the standard small instance from the hMetis manual.
func smallHypergraph() *PartitionedHypergraph {
	return NewPartitionedHypergraph(7, 2, [][]NodeID{
		{0, 2},
		{0, 1, 3, 4},
		{3, 4, 6},
		{2, 5, 6},
	}, nil, nil)
}

func TestHypergraphPinCounts(t *testing.T) {
	h := smallHypergraph()
	for v := NodeID(0); v < 4; v++ {
		h.SetNodePart(v, 0)
	}
	for v := NodeID(4); v < 7; v++ {
		h.SetNodePart(v, 1)
	}

	if got := h.PinCountInPart(1, 0); got != 3 {
		t.Fatalf("pinCount(e1, 0) = %d, want 3", got)
	}
	if got := h.PinCountInPart(1, 1); got != 1 {
		t.Fatalf("pinCount(e1, 1) = %d, want 1", got)
	}
	if got := h.PartWeight(0); got != 4 {
		t.Fatalf("partWeight(0) = %d, want 4", got)
	}
	if got := Km1(h); got != 3 {
		t.Fatalf("km1 = %d, want 3", got)
	}
	if got := Cut(h); got != 3 {
		t.Fatalf("cut = %d, want 3", got)
	}
}

func TestChangeNodePartUpdatesAndRejects(t *testing.T) {
	h := smallHypergraph()
	for v := NodeID(0); v < 4; v++ {
		h.SetNodePart(v, 0)
	}
	for v := NodeID(4); v < 7; v++ {
		h.SetNodePart(v, 1)
	}

	var updates int
	ok := h.ChangeNodePart(3, 0, 1, 100, func(su SyncUpdate) {
		updates++
		if su.From != 0 || su.To != 1 {
			t.Fatalf("unexpected direction %d -> %d", su.From, su.To)
		}
	})
	if !ok || updates != 2 {
		t.Fatalf("move = %v with %d updates, want true with 2", ok, updates)
	}
	if h.PartID(3) != 1 || h.PartWeight(1) != 4 {
		t.Fatal("bookkeeping after move is wrong")
	}

	// max weight 4 is already reached
	if h.ChangeNodePart(0, 0, 1, 4, nil) {
		t.Fatal("overloading move must be rejected")
	}
	if h.PartWeight(1) != 4 || h.PartID(0) != 0 {
		t.Fatal("rejected move must leave no trace")
	}
}

func TestConcurrentMovesKeepPinCountsConsistent(t *testing.T) {
	const n = 200
	var hes [][]NodeID
	for i := 0; i < n; i++ {
		hes = append(hes, []NodeID{NodeID(i), NodeID((i + 1) % n), NodeID((i + 7) % n)})
	}
	h := NewPartitionedHypergraph(n, 4, hes, nil, nil)
	for v := NodeID(0); v < n; v++ {
		h.SetNodePart(v, PartID(v%4))
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for v := NodeID(w); v < n; v += 4 {
				from := h.PartID(v)
				to := (from + 1) % 4
				h.ChangeNodePart(v, from, to, 1<<40, nil)
			}
		}(w)
	}
	wg.Wait()

	var totalWeight Weight
	for p := PartID(0); p < 4; p++ {
		totalWeight += h.PartWeight(p)
	}
	if totalWeight != h.TotalWeight() {
		t.Fatalf("part weights sum to %d, want %d", totalWeight, h.TotalWeight())
	}
	h.ForEachEdge(func(e EdgeID) bool {
		var pins uint32
		for p := PartID(0); p < 4; p++ {
			pins += h.PinCountInPart(e, p)
		}
		if pins != h.EdgeSize(e) {
			t.Fatalf("edge %d pin counts sum to %d, want %d", e, pins, h.EdgeSize(e))
		}
		return true
	})
}

func TestPartitionedGraphDerivedPinCounts(t *testing.T) {
	g := NewDynamicGraph(4, pairList([][2]NodeID{{0, 1}, {1, 2}, {2, 3}}), nil, nil, 1)
	p := NewPartitionedGraph(g, 2)
	p.SetNodePart(0, 0)
	p.SetNodePart(1, 0)
	p.SetNodePart(2, 1)
	p.SetNodePart(3, 1)

	if got := Cut(p); got != 1 {
		t.Fatalf("cut = %d, want 1", got)
	}
	if got := Km1(p); got != 1 {
		t.Fatalf("km1 = %d, want 1", got)
	}

	if !p.ChangeNodePart(2, 1, 0, 100, nil) {
		t.Fatal("move must succeed")
	}
	if got := Cut(p); got != 1 {
		t.Fatalf("cut after move = %d, want 1", got)
	}
	if p.PartWeight(0) != 3 || p.PartWeight(1) != 1 {
		t.Fatal("part weights after move are wrong")
	}
}
