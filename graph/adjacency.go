package graph

import (
	"golang.org/x/exp/slices"

	"github.com/uulm-janbaudisch/mt-kahypar/enforce"
	"github.com/uulm-janbaudisch/mt-kahypar/utils"
)

// One directed half of an undirected edge. Each record knows the arena slot
// of its twin; swaps keep the back-pointers intact. A record is active for
// its owning segment iff its slot lies in the segment's active window.
type Edge struct {
	Target         NodeID
	Source         NodeID
	Weight         Weight
	Version        uint32
	OriginalTarget NodeID
	Twin           EdgeID
}

// Per-vertex header. Headers of vertices contracted into a representative
// form a cycle through Prev/Next with the representative as head; ItPrev and
// ItNext thread the sublist of non-empty segments so iteration skips empty
// ones. FirstActive/FirstInactive bound the segment's active window relative
// to its first arena slot.
type Header struct {
	Prev           NodeID
	Next           NodeID
	ItPrev         NodeID
	ItNext         NodeID
	Tail           NodeID
	FirstActive    uint32
	FirstInactive  uint32
	Degree         uint32
	CurrentVersion uint32
	IsHead         bool
}

func (h *Header) size() uint32 {
	return h.FirstInactive - h.FirstActive
}

// Arena storage for per-vertex edge lists with versioned contraction and
// uncontraction. Two parallel arenas replace the byte-slab of the classic
// layout: headers indexed by vertex, edge records indexed by global slot id.
// The slot range of a vertex is fixed at construction and never moves.
type DynamicAdjacencyArray struct {
	numNodes NodeID
	index    []EdgeID // numNodes+1 entries; slot range of u is [index[u], index[u+1])
	headers  []Header
	edges    []Edge

	numWorkers int
	// per-worker scratch for the parallel-edge scan
	scratch [][]NodeID
}

// A batch of coalesced parallel edges, undone as a group by
// RestoreParallelEdges before the pass's uncontractions run.
type RemovedEdgesBatch struct {
	// one entry per retired record, in retirement order
	retires []NodeID // slab-owner segment of each retired record
	// per coalesced connection: summed duplicate weight to give back
	groups []removedGroup
}

type removedGroup struct {
	head   NodeID
	target NodeID
	weight Weight
}

func (b *RemovedEdgesBatch) NumRemoved() int {
	return len(b.retires)
}

// NewDynamicAdjacencyArray builds the arena from a flat pair list. Weights
// may be nil (unit weights). Endpoint ids must be < numNodes and pairs must
// not be self-loops.
func NewDynamicAdjacencyArray(numNodes NodeID, pairs []utils.Pair[NodeID, NodeID], weights []Weight, numWorkers int) *DynamicAdjacencyArray {
	a := &DynamicAdjacencyArray{
		numNodes:   numNodes,
		index:      make([]EdgeID, numNodes+1),
		headers:    make([]Header, numNodes),
		numWorkers: utils.Max(numWorkers, 1),
	}
	a.scratch = make([][]NodeID, a.numWorkers)
	a.construct(pairs, weights)
	return a
}

type dirRecord struct {
	src, dst NodeID
	pair     uint32
	which    uint8
}

func (a *DynamicAdjacencyArray) construct(pairs []utils.Pair[NodeID, NodeID], weights []Weight) {
	m := len(pairs)
	degrees := make([]EdgeID, a.numNodes)
	dir := make([]dirRecord, 2*m)
	for i, p := range pairs {
		enforce.ENFORCE(p.First < a.numNodes && p.Second < a.numNodes, "edge endpoint out of range")
		enforce.ENFORCE(p.First != p.Second, "self loops are not supported")
		degrees[p.First]++
		degrees[p.Second]++
		dir[2*i] = dirRecord{src: p.First, dst: p.Second, pair: uint32(i), which: 0}
		dir[2*i+1] = dirRecord{src: p.Second, dst: p.First, pair: uint32(i), which: 1}
	}

	var running EdgeID
	for u := NodeID(0); u < a.numNodes; u++ {
		a.index[u] = running
		running += degrees[u]
	}
	a.index[a.numNodes] = running
	a.edges = make([]Edge, running)

	// Stable scatter by source; slot order within a vertex follows input
	// order, so construction does not depend on the worker count.
	sorted := make([]dirRecord, 2*m)
	positions := utils.CountingSort(dir, sorted, int(a.numNodes)-1,
		func(r dirRecord) int { return int(r.src) }, a.numWorkers)

	slotsByPair := make([][2]EdgeID, m)
	utils.ParallelForEach(2*m, a.numWorkers, func(_, j int) {
		r := sorted[j]
		slotsByPair[r.pair][r.which] = a.index[r.src] + EdgeID(j-positions[r.src])
	})
	utils.ParallelForEach(2*m, a.numWorkers, func(_, j int) {
		r := sorted[j]
		slot := slotsByPair[r.pair][r.which]
		w := Weight(1)
		if weights != nil {
			w = weights[r.pair]
		}
		a.edges[slot] = Edge{
			Target:         r.dst,
			Source:         r.src,
			Weight:         w,
			OriginalTarget: r.dst,
			Twin:           slotsByPair[r.pair][1-r.which],
		}
	})

	utils.ParallelForEach(int(a.numNodes), a.numWorkers, func(_, i int) {
		u := NodeID(i)
		a.headers[u] = Header{
			Prev: u, Next: u, ItPrev: u, ItNext: u, Tail: u,
			FirstInactive: uint32(degrees[u]),
			Degree:        uint32(degrees[u]),
			IsHead:        true,
		}
	})
}

func (a *DynamicAdjacencyArray) NumNodes() NodeID {
	return a.numNodes
}

// Total number of arena slots; edge ids are below this bound.
func (a *DynamicAdjacencyArray) MaxEdgeID() EdgeID {
	return EdgeID(len(a.edges))
}

func (a *DynamicAdjacencyArray) Edge(e EdgeID) *Edge {
	enforce.ENFORCE(int(e) < len(a.edges), "edge does not exist: ", e)
	return &a.edges[e]
}

func (a *DynamicAdjacencyArray) NodeDegree(u NodeID) uint32 {
	return a.headers[u].Degree
}

func (a *DynamicAdjacencyArray) IsHead(u NodeID) bool {
	return a.headers[u].IsHead
}

func (a *DynamicAdjacencyArray) header(u NodeID) *Header {
	enforce.ENFORCE(u < a.numNodes, "node does not exist: ", u)
	return &a.headers[u]
}

func (a *DynamicAdjacencyArray) firstActiveEdge(u NodeID) EdgeID {
	return a.index[u] + EdgeID(a.headers[u].FirstActive)
}

func (a *DynamicAdjacencyArray) firstInactiveEdge(u NodeID) EdgeID {
	return a.index[u] + EdgeID(a.headers[u].FirstInactive)
}

func (a *DynamicAdjacencyArray) lastEdge(u NodeID) EdgeID {
	return a.index[u+1]
}

// Owning segment of an arena slot. Slots never migrate between segments, so
// this is a plain range lookup.
func (a *DynamicAdjacencyArray) ownerOfSlot(e EdgeID) NodeID {
	lo, hi := NodeID(0), a.numNodes-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if a.index[mid] <= e {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

// IncidentEdges calls the applicator with every active incident edge id of
// head vertex u, walking the iteration sublist so empty segments cost
// nothing. Returning false stops the walk.
func (a *DynamicAdjacencyArray) IncidentEdges(u NodeID, applicator func(e EdgeID) bool) {
	h := u
	for {
		for e := a.firstActiveEdge(h); e < a.firstInactiveEdge(h); e++ {
			if !applicator(e) {
				return
			}
		}
		h = a.headers[h].ItNext
		if h == u {
			return
		}
	}
}

// ForEachEdge visits every active edge record in the arena, skipping
// inactive windows.
func (a *DynamicAdjacencyArray) ForEachEdge(applicator func(e EdgeID)) {
	for u := NodeID(0); u < a.numNodes; u++ {
		for e := a.firstActiveEdge(u); e < a.firstInactiveEdge(u); e++ {
			applicator(e)
		}
	}
}

func (a *DynamicAdjacencyArray) swapEdges(x, y EdgeID) {
	if x == y {
		return
	}
	a.edges[x], a.edges[y] = a.edges[y], a.edges[x]
	tx, ty := a.edges[x].Twin, a.edges[y].Twin
	if tx == x { // x and y are twins of each other
		a.edges[x].Twin = y
		a.edges[y].Twin = x
	} else {
		a.edges[tx].Twin = x
		a.edges[ty].Twin = y
	}
}

// Moves edge e of segment h out of the active window. The record stays in
// the slab; only the window bound moves.
func (a *DynamicAdjacencyArray) retireEdge(h NodeID, e EdgeID) {
	last := a.firstInactiveEdge(h) - 1
	a.swapEdges(e, last)
	a.headers[h].FirstInactive--
	enforce.DEBUG(a.headers[h].FirstActive <= a.headers[h].FirstInactive, "active window must stay monotone")
}

// Contract merges the incident edge list of v into representative u.
// All connections between u and v are retired, the remaining edges of v are
// re-sourced to u and their twins re-targeted, and v's contraction list is
// spliced onto u's. The caller supplies the vertex locks.
func (a *DynamicAdjacencyArray) Contract(u, v NodeID, acquire AcquireLockFunc, release ReleaseLockFunc) {
	enforce.ENFORCE(u < a.numNodes && v < a.numNodes, "contract: node out of range")
	acquire(u)
	acquire(v)
	hu, hv := a.header(u), a.header(v)
	enforce.DEBUG(hu.IsHead && hv.IsHead, "contract requires two head vertices")

	retireVersion := hv.CurrentVersion
	removed := uint32(0)

	// Retire every connection between the two clusters; re-point everything
	// else at the new representative.
	a.forEachSegment(v, func(h NodeID) {
		for e := a.firstActiveEdge(h); e < a.firstInactiveEdge(h); {
			edge := &a.edges[e]
			if edge.Target == u {
				twin := edge.Twin
				edge.Version = retireVersion
				a.edges[twin].Version = retireVersion
				a.retireEdge(h, e)
				// the twin sits in a segment of u's list and never shares a
				// slab with its forward record, so its slot is still valid
				a.retireEdge(a.ownerOfSlot(twin), twin)
				removed++
				// do not advance: a new record was swapped into e
			} else {
				edge.Source = u
				a.edges[edge.Twin].Target = u
				e++
			}
		}
	})

	hu.Degree = hu.Degree + hv.Degree - 2*removed
	hv.CurrentVersion++

	a.splice(u, v)
	a.rebuildItList(u)
	release(v)
	release(u)
}

// Appends v's contraction list to u's. v keeps its own Tail so Uncontract
// can unsplice the exact sublist again.
func (a *DynamicAdjacencyArray) splice(u, v NodeID) {
	hu, hv := a.header(u), a.header(v)
	uTail := hu.Tail
	vTail := hv.Tail
	a.headers[uTail].Next = v
	hv.Prev = uTail
	a.headers[vTail].Next = u
	hu.Prev = vTail
	hu.Tail = vTail
	hv.IsHead = false
}

// Removes v's sublist [v .. tail(v)] from u's contraction list and restores
// v as its own head.
func (a *DynamicAdjacencyArray) unsplice(u, v NodeID) {
	hu, hv := a.header(u), a.header(v)
	vTail := hv.Tail
	before := hv.Prev
	after := a.headers[vTail].Next
	a.headers[before].Next = after
	a.headers[after].Prev = before
	hu.Tail = before
	hv.Prev = vTail
	a.headers[vTail].Next = v
	hv.IsHead = true
}

// Walks the contraction list of head u, including u itself.
func (a *DynamicAdjacencyArray) forEachSegment(u NodeID, applicator func(h NodeID)) {
	h := u
	for {
		next := a.headers[h].Next // applicator may relink
		applicator(h)
		if next == u {
			return
		}
		h = next
	}
}

// Rebuilds the iteration sublist of head u from its contraction list: the
// head always stays linked, every other segment is linked iff non-empty.
func (a *DynamicAdjacencyArray) rebuildItList(u NodeID) {
	prev := u
	a.forEachSegment(u, func(h NodeID) {
		if h == u {
			return
		}
		if a.headers[h].size() > 0 {
			a.headers[prev].ItNext = h
			a.headers[h].ItPrev = prev
			prev = h
		}
	})
	a.headers[prev].ItNext = u
	a.headers[u].ItPrev = prev
}

// Uncontract reverses the most recent Contract(u, v). Uncontractions must
// run in the exact reverse order of contractions. For every edge handed back
// to v, caseOne fires if u keeps its own connection to the same target and
// caseTwo otherwise.
func (a *DynamicAdjacencyArray) Uncontract(u, v NodeID, caseOne CaseOneFunc, caseTwo CaseTwoFunc, acquire AcquireLockFunc, release ReleaseLockFunc) {
	enforce.ENFORCE(u < a.numNodes && v < a.numNodes, "uncontract: node out of range")
	acquire(u)
	acquire(v)
	hu, hv := a.header(u), a.header(v)
	enforce.DEBUG(hu.IsHead && !hv.IsHead, "uncontract requires a contracted pair")
	enforce.DEBUG(hu.Tail == hv.Tail, "uncontraction must run in reverse contraction order")

	a.unsplice(u, v)
	hv.CurrentVersion--
	restoreVersion := hv.CurrentVersion

	// Re-activate the retired u<->v connections. They are the most recent
	// retirements of their segments, so they sit at the front of the
	// inactive runs.
	restored := uint32(0)
	a.forEachSegment(v, func(h NodeID) {
		for {
			slot := a.firstInactiveEdge(h)
			if slot >= a.lastEdge(h) || a.edges[slot].Version != restoreVersion || a.edges[slot].Target != u {
				return
			}
			a.headers[h].FirstInactive++
			twin := a.edges[slot].Twin
			th := a.ownerOfSlot(twin)
			front := a.firstInactiveEdge(th)
			a.swapEdges(twin, front)
			a.headers[th].FirstInactive++
			restored++
		}
	})

	hu.Degree = hu.Degree - hv.Degree + 2*restored

	// Hand v's edges back: re-source, re-target the twins, and classify for
	// the caller's pin bookkeeping.
	var uNeighbors map[NodeID]struct{}
	needCases := caseOne != nil || caseTwo != nil
	if needCases {
		uNeighbors = make(map[NodeID]struct{}, hu.Degree)
		a.IncidentEdges(u, func(e EdgeID) bool {
			uNeighbors[a.edges[e].Target] = struct{}{}
			return true
		})
	}
	a.forEachSegment(v, func(h NodeID) {
		for e := a.firstActiveEdge(h); e < a.firstInactiveEdge(h); e++ {
			edge := &a.edges[e]
			edge.Source = v
			a.edges[edge.Twin].Target = v
			if needCases {
				if _, ok := uNeighbors[edge.Target]; ok && edge.Target != u {
					if caseOne != nil {
						caseOne(e)
					}
				} else if caseTwo != nil {
					caseTwo(e)
				}
			}
		}
	})

	a.rebuildItList(u)
	a.rebuildItList(v)
	release(v)
	release(u)
}

// RemoveParallelEdges coalesces multi-edges left behind by a pass of
// contractions. The scan for duplicate targets runs in parallel with
// per-worker scratch vectors; the coalescing itself is applied sequentially
// in head order so the batch is deterministic and reversible. The caller
// must be quiescent (no concurrent contractions).
func (a *DynamicAdjacencyArray) RemoveParallelEdges(heads []NodeID) RemovedEdgesBatch {
	// phase 1: find heads that actually have duplicate targets
	perWorker := make([][]NodeID, a.numWorkers)
	utils.ParallelChunks(len(heads), a.numWorkers, 64, func(worker, first, last int) {
		seen := a.scratch[worker][:0]
		for i := first; i < last; i++ {
			u := heads[i]
			seen = seen[:0]
			a.IncidentEdges(u, func(e EdgeID) bool {
				seen = append(seen, a.edges[e].Target)
				return true
			})
			slices.Sort(seen)
			for j := 1; j < len(seen); j++ {
				if seen[j] == seen[j-1] {
					perWorker[worker] = append(perWorker[worker], u)
					break
				}
			}
		}
		a.scratch[worker] = seen
	})

	var dupHeads []NodeID
	for _, w := range perWorker {
		dupHeads = append(dupHeads, w...)
	}
	slices.Sort(dupHeads)

	// phase 2: coalesce, sequentially per head
	var batch RemovedEdgesBatch
	for _, u := range dupHeads {
		a.coalesceDuplicates(u, &batch)
	}
	return batch
}

func (a *DynamicAdjacencyArray) coalesceDuplicates(u NodeID, batch *RemovedEdgesBatch) {
	targets := make([]NodeID, 0, a.headers[u].Degree)
	a.forEachSegment(u, func(h NodeID) {
		for e := a.firstActiveEdge(h); e < a.firstInactiveEdge(h); e++ {
			targets = append(targets, a.edges[e].Target)
		}
	})
	slices.Sort(targets)

	for j := 0; j < len(targets); {
		run := j + 1
		for run < len(targets) && targets[run] == targets[j] {
			run++
		}
		// Each unordered pair is handled once, by its smaller head.
		if run-j > 1 && targets[j] > u {
			a.coalesceConnection(u, targets[j], run-j-1, batch)
		}
		j = run
	}
	a.rebuildItList(u)
}

// Folds numDuplicates extra records of the connection u--w into the first
// survivor and retires them together with their twins. All records are
// resolved by identity because each retirement swaps records within its
// segment and would invalidate remembered slots.
func (a *DynamicAdjacencyArray) coalesceConnection(u, w NodeID, numDuplicates int, batch *RemovedEdgesBatch) {
	var folded Weight
	for retired := 0; retired < numDuplicates; retired++ {
		survivor := a.findActiveEdge(u, w)
		survivorTwin := a.edges[survivor].Twin

		var dup EdgeID = InvalidEdge
		var owner NodeID
		a.forEachSegment(u, func(h NodeID) {
			if dup != InvalidEdge {
				return
			}
			for e := a.firstActiveEdge(h); e < a.firstInactiveEdge(h); e++ {
				if a.edges[e].Target == w && e != survivor {
					dup = e
					owner = h
					return
				}
			}
		})
		enforce.ENFORCE(dup != InvalidEdge, "duplicate edge vanished during coalescing")

		dupTwin := a.edges[dup].Twin
		weight := a.edges[dup].Weight
		folded += weight

		a.edges[survivor].Weight += weight
		a.edges[survivorTwin].Weight += weight

		// parallel retirements are reopened only by RestoreParallelEdges; a
		// version no vertex reaches keeps Uncontract from reactivating them
		a.edges[dup].Version = ^uint32(0)
		a.edges[dupTwin].Version = ^uint32(0)
		a.retireEdge(owner, dup)
		twinOwner := a.ownerOfSlot(dupTwin)
		a.retireEdge(twinOwner, dupTwin)
		batch.retires = append(batch.retires, owner, twinOwner)

		a.headers[u].Degree--
		a.headers[a.headOfSegment(twinOwner)].Degree--
	}

	batch.groups = append(batch.groups,
		removedGroup{head: u, target: w, weight: folded},
		removedGroup{head: w, target: u, weight: folded})
	a.rebuildItList(w)
}

// Unique active edge of head u targeting w; the arena keeps at most one once
// coalescing finished for that pair.
func (a *DynamicAdjacencyArray) findActiveEdge(u, w NodeID) EdgeID {
	found := InvalidEdge
	a.IncidentEdges(u, func(e EdgeID) bool {
		if a.edges[e].Target == w {
			found = e
			return false
		}
		return true
	})
	enforce.ENFORCE(found != InvalidEdge, "no active edge between ", u, " and ", w)
	return found
}

// RestoreParallelEdges undoes a RemoveParallelEdges batch. Must run before
// the uncontractions of the pass that produced the batch (LIFO). Weights are
// handed back first, while each coalesced connection still has a unique
// surviving record; then the retired records re-enter their windows.
func (a *DynamicAdjacencyArray) RestoreParallelEdges(batch RemovedEdgesBatch) {
	for _, g := range batch.groups {
		s := a.findActiveEdge(g.head, g.target)
		a.edges[s].Weight -= g.weight
	}

	touched := make(map[NodeID]struct{})
	for i := len(batch.retires) - 1; i >= 0; i-- {
		h := batch.retires[i]
		enforce.DEBUG(a.firstInactiveEdge(h) < a.lastEdge(h), "nothing to restore in segment ", h)
		a.headers[h].FirstInactive++
		head := a.headOfSegment(h)
		a.headers[head].Degree++
		touched[head] = struct{}{}
	}
	for head := range touched {
		a.rebuildItList(head)
	}
}

// Head of the contraction list a segment currently belongs to.
func (a *DynamicAdjacencyArray) headOfSegment(h NodeID) NodeID {
	for !a.headers[h].IsHead {
		h = a.headers[h].Prev
	}
	return h
}

// VerifyIteratorPointers checks that the iteration list of head u contains
// exactly u and its non-empty segments. Debug builds only.
func (a *DynamicAdjacencyArray) VerifyIteratorPointers(u NodeID) bool {
	expected := []NodeID{}
	a.forEachSegment(u, func(h NodeID) {
		if h == u || a.headers[h].size() > 0 {
			expected = append(expected, h)
		}
	})
	got := []NodeID{}
	h := u
	for {
		got = append(got, h)
		if a.headers[h].ItNext == u {
			break
		}
		h = a.headers[h].ItNext
		if len(got) > len(a.headers) {
			return false
		}
	}
	return slices.Equal(expected, got)
}

// VerifyTwins checks twin symmetry and weight equality over the whole arena.
// Debug builds only.
func (a *DynamicAdjacencyArray) VerifyTwins() bool {
	ok := true
	a.ForEachEdge(func(e EdgeID) {
		t := a.edges[e].Twin
		if a.edges[t].Twin != e || a.edges[t].Weight != a.edges[e].Weight {
			ok = false
		}
	})
	return ok
}

// TotalActiveWeight sums the weight of every active record; with twin
// symmetry this is twice the total edge weight.
func (a *DynamicAdjacencyArray) TotalActiveWeight() Weight {
	var sum Weight
	a.ForEachEdge(func(e EdgeID) {
		sum += a.edges[e].Weight
	})
	return sum
}
