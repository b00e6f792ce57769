package graph

import (
	"math/rand"
	"testing"

	"golang.org/x/exp/slices"

	"github.com/uulm-janbaudisch/mt-kahypar/enforce"
	"github.com/uulm-janbaudisch/mt-kahypar/utils"
)

func pairList(edges [][2]NodeID) []utils.Pair[NodeID, NodeID] {
	pairs := make([]utils.Pair[NodeID, NodeID], len(edges))
	for i, e := range edges {
		pairs[i] = utils.Pair[NodeID, NodeID]{First: e[0], Second: e[1]}
	}
	return pairs
}

func trianglePlusTail() *DynamicAdjacencyArray {
	// 0-1, 0-2, 1-2, 2-3
	return NewDynamicAdjacencyArray(4, pairList([][2]NodeID{{0, 1}, {0, 2}, {1, 2}, {2, 3}}), nil, 2)
}

// neighbors returns the sorted (target, weight) list of u's active edges.
func neighbors(a *DynamicAdjacencyArray, u NodeID) []utils.Pair[NodeID, Weight] {
	var out []utils.Pair[NodeID, Weight]
	a.IncidentEdges(u, func(e EdgeID) bool {
		out = append(out, utils.Pair[NodeID, Weight]{First: a.Edge(e).Target, Second: a.Edge(e).Weight})
		return true
	})
	slices.SortFunc(out, func(x, y utils.Pair[NodeID, Weight]) int {
		if x.First != y.First {
			if x.First < y.First {
				return -1
			}
			return 1
		}
		if x.Second < y.Second {
			return -1
		}
		if x.Second > y.Second {
			return 1
		}
		return 0
	})
	return out
}

func TestContractCoalesceUncontractRoundTrip(t *testing.T) {
	a := trianglePlusTail()
	totalBefore := a.TotalActiveWeight()

	a.Contract(0, 1, NoOpLock, NoOpLock)
	if got := a.NodeDegree(0); got != 2 {
		t.Fatalf("degree(0) after contract = %d, want 2", got)
	}
	// both remaining records of the merged vertex point at 2
	for _, n := range neighbors(a, 0) {
		if n.First != 2 {
			t.Fatalf("unexpected neighbor %d of contracted vertex", n.First)
		}
	}

	batch := a.RemoveParallelEdges([]NodeID{0, 2, 3})
	if got := a.NodeDegree(0); got != 1 {
		t.Fatalf("degree(0) after parallel edge removal = %d, want 1", got)
	}
	n0 := neighbors(a, 0)
	if len(n0) != 1 || n0[0].First != 2 || n0[0].Second != 2 {
		t.Fatalf("coalesced edge = %v, want target 2 weight 2", n0)
	}
	if !a.VerifyTwins() {
		t.Fatal("twin symmetry violated after coalescing")
	}

	a.RestoreParallelEdges(batch)
	a.Uncontract(0, 1, nil, nil, NoOpLock, NoOpLock)

	wantN := map[NodeID][]utils.Pair[NodeID, Weight]{
		0: {{First: 1, Second: 1}, {First: 2, Second: 1}},
		1: {{First: 0, Second: 1}, {First: 2, Second: 1}},
		2: {{First: 0, Second: 1}, {First: 1, Second: 1}, {First: 3, Second: 1}},
		3: {{First: 2, Second: 1}},
	}
	for u, want := range wantN {
		if got := neighbors(a, u); !slices.Equal(got, want) {
			t.Fatalf("neighbors(%d) = %v, want %v", u, got, want)
		}
	}
	if got := a.TotalActiveWeight(); got != totalBefore {
		t.Fatalf("total active weight = %d, want %d", got, totalBefore)
	}
	if !a.VerifyTwins() {
		t.Fatal("twin symmetry violated after round trip")
	}
}

func TestUncontractOutOfOrderTriggersInvariant(t *testing.T) {
	old := enforce.DebugChecks
	enforce.DebugChecks = true
	defer func() {
		enforce.DebugChecks = old
		if recover() == nil {
			t.Fatal("out-of-order uncontraction must trip the debug invariant")
		}
	}()

	a := trianglePlusTail()
	a.Contract(0, 1, NoOpLock, NoOpLock)
	a.Contract(0, 2, NoOpLock, NoOpLock)
	a.Uncontract(0, 1, nil, nil, NoOpLock, NoOpLock) // wrong order
}

func TestTwinSymmetryAndWeightDoubling(t *testing.T) {
	edges := [][2]NodeID{{0, 1}, {1, 2}, {2, 3}, {3, 4}, {4, 0}, {1, 3}, {0, 3}}
	weights := []Weight{2, 1, 3, 1, 1, 5, 2}
	a := NewDynamicAdjacencyArray(5, pairList(edges), weights, 1)

	if !a.VerifyTwins() {
		t.Fatal("twin symmetry violated after construction")
	}
	var wantTotal Weight
	for _, w := range weights {
		wantTotal += 2 * w
	}
	if got := a.TotalActiveWeight(); got != wantTotal {
		t.Fatalf("summed active weight = %d, want twice the edge weight %d", got, wantTotal)
	}
}

func TestIteratorPointersSkipEmptySegments(t *testing.T) {
	// vertex 1 only connects to 0; after the contraction its segment is
	// empty and must vanish from the iteration list
	a := NewDynamicAdjacencyArray(3, pairList([][2]NodeID{{0, 1}, {0, 2}}), nil, 1)
	a.Contract(0, 1, NoOpLock, NoOpLock)
	if !a.VerifyIteratorPointers(0) {
		t.Fatal("iteration list must contain exactly the non-empty segments")
	}
	if got := a.NodeDegree(0); got != 1 {
		t.Fatalf("degree(0) = %d, want 1", got)
	}
	a.Uncontract(0, 1, nil, nil, NoOpLock, NoOpLock)
	if !a.VerifyIteratorPointers(0) || !a.VerifyIteratorPointers(1) {
		t.Fatal("iteration lists must be restored on uncontract")
	}
}

func TestRandomContractionRoundTrip(t *testing.T) {
	const n = 64
	rng := rand.New(rand.NewSource(7))
	edgeSet := map[[2]NodeID]bool{}
	for i := 0; i < 4*n; i++ {
		u, v := NodeID(rng.Intn(n)), NodeID(rng.Intn(n))
		if u == v {
			continue
		}
		if u > v {
			u, v = v, u
		}
		edgeSet[[2]NodeID{u, v}] = true
	}
	var edges [][2]NodeID
	for e := range edgeSet {
		edges = append(edges, e)
	}
	slices.SortFunc(edges, func(a, b [2]NodeID) int {
		if a[0] != b[0] {
			if a[0] < b[0] {
				return -1
			}
			return 1
		}
		if a[1] < b[1] {
			return -1
		}
		return 1
	})
	a := NewDynamicAdjacencyArray(n, pairList(edges), nil, 2)

	before := make(map[NodeID][]utils.Pair[NodeID, Weight])
	for u := NodeID(0); u < n; u++ {
		before[u] = neighbors(a, u)
	}

	// contract a random matching in two passes with parallel edge removal,
	// then undo everything in reverse
	type level struct {
		mementos []Memento
		batch    RemovedEdgesBatch
	}
	isHead := func(u NodeID) bool { return a.IsHead(u) }
	var levels []level

	for pass := 0; pass < 2; pass++ {
		var lv level
		used := map[NodeID]bool{}
		for u := NodeID(0); u < n; u++ {
			if !isHead(u) || used[u] {
				continue
			}
			var partner NodeID = InvalidNode
			a.IncidentEdges(u, func(e EdgeID) bool {
				tgt := a.Edge(e).Target
				if isHead(tgt) && !used[tgt] && tgt != u {
					partner = tgt
					return false
				}
				return true
			})
			if partner == InvalidNode {
				continue
			}
			a.Contract(u, partner, NoOpLock, NoOpLock)
			lv.mementos = append(lv.mementos, Memento{U: u, V: partner})
			used[u] = true
			used[partner] = true
		}
		var heads []NodeID
		for u := NodeID(0); u < n; u++ {
			if isHead(u) {
				heads = append(heads, u)
			}
		}
		lv.batch = a.RemoveParallelEdges(heads)
		if !a.VerifyTwins() {
			t.Fatalf("twin symmetry violated after pass %d", pass)
		}
		levels = append(levels, lv)
	}

	for i := len(levels) - 1; i >= 0; i-- {
		a.RestoreParallelEdges(levels[i].batch)
		for j := len(levels[i].mementos) - 1; j >= 0; j-- {
			m := levels[i].mementos[j]
			a.Uncontract(m.U, m.V, nil, nil, NoOpLock, NoOpLock)
		}
	}

	for u := NodeID(0); u < n; u++ {
		if got := neighbors(a, u); !slices.Equal(got, before[u]) {
			t.Fatalf("neighbors(%d) = %v, want %v", u, got, before[u])
		}
	}
	if !a.VerifyTwins() {
		t.Fatal("twin symmetry violated after full round trip")
	}
}

func TestConstructionDeterministicAcrossWorkers(t *testing.T) {
	edges := [][2]NodeID{{0, 1}, {1, 2}, {2, 3}, {3, 0}, {0, 2}}
	a1 := NewDynamicAdjacencyArray(4, pairList(edges), nil, 1)
	a8 := NewDynamicAdjacencyArray(4, pairList(edges), nil, 8)
	if !slices.Equal(a1.edges, a8.edges) {
		t.Fatal("arena layout must not depend on the worker count")
	}
}
