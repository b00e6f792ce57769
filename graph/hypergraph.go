package graph

import (
	"sync/atomic"

	"github.com/uulm-janbaudisch/mt-kahypar/enforce"
)

// Static hypergraph in CSR form with a block assignment and per-(edge,block)
// pin counters. This is the host-side adapter the refiners consume when the
// input has true hyperedges; pin counts are atomic so concurrent localized
// searches can move nodes.
type PartitionedHypergraph struct {
	k        PartID
	numNodes NodeID

	nodeWeights []Weight
	totalWeight Weight

	nodeIdx   []uint32
	nodeEdges []EdgeID
	edgeIdx   []uint32
	edgePins  []NodeID
	edgeWeights []Weight

	parts       []PartID
	partWeights []atomic.Int64
	pinCounts   []atomic.Int32 // edge*k + part
}

func NewPartitionedHypergraph(numNodes NodeID, k PartID, hyperedges [][]NodeID, edgeWeights []Weight, nodeWeights []Weight) *PartitionedHypergraph {
	h := &PartitionedHypergraph{
		k:           k,
		numNodes:    numNodes,
		nodeWeights: make([]Weight, numNodes),
		nodeIdx:     make([]uint32, numNodes+1),
		edgeIdx:     make([]uint32, len(hyperedges)+1),
		edgeWeights: make([]Weight, len(hyperedges)),
		parts:       make([]PartID, numNodes),
		partWeights: make([]atomic.Int64, k),
		pinCounts:   make([]atomic.Int32, len(hyperedges)*int(k)),
	}
	for v := range h.nodeWeights {
		if nodeWeights != nil {
			h.nodeWeights[v] = nodeWeights[v]
		} else {
			h.nodeWeights[v] = 1
		}
		h.totalWeight += h.nodeWeights[v]
	}
	for i := range h.parts {
		h.parts[i] = InvalidPart
	}

	degrees := make([]uint32, numNodes)
	numPins := 0
	for i, pins := range hyperedges {
		enforce.ENFORCE(len(pins) >= 2, "hyperedge needs at least two pins: ", i)
		for _, v := range pins {
			enforce.ENFORCE(v < numNodes, "pin out of range: ", v)
			degrees[v]++
		}
		numPins += len(pins)
		if edgeWeights != nil {
			h.edgeWeights[i] = edgeWeights[i]
		} else {
			h.edgeWeights[i] = 1
		}
	}

	h.nodeEdges = make([]EdgeID, numPins)
	h.edgePins = make([]NodeID, numPins)
	var running uint32
	for v := NodeID(0); v < numNodes; v++ {
		h.nodeIdx[v] = running
		running += degrees[v]
	}
	h.nodeIdx[numNodes] = running

	offsets := make([]uint32, numNodes)
	var pinRunning uint32
	for i, pins := range hyperedges {
		h.edgeIdx[i] = pinRunning
		for _, v := range pins {
			h.edgePins[pinRunning] = v
			pinRunning++
			h.nodeEdges[h.nodeIdx[v]+offsets[v]] = EdgeID(i)
			offsets[v]++
		}
	}
	h.edgeIdx[len(hyperedges)] = pinRunning
	return h
}

func (h *PartitionedHypergraph) K() PartID               { return h.k }
func (h *PartitionedHypergraph) InitialNumNodes() NodeID { return h.numNodes }
func (h *PartitionedHypergraph) InitialNumEdges() EdgeID { return EdgeID(len(h.edgeWeights)) }
func (h *PartitionedHypergraph) TotalWeight() Weight     { return h.totalWeight }

func (h *PartitionedHypergraph) NodeWeight(v NodeID) Weight { return h.nodeWeights[v] }
func (h *PartitionedHypergraph) PartID(v NodeID) PartID     { return h.parts[v] }
func (h *PartitionedHypergraph) PartWeight(p PartID) Weight { return h.partWeights[p].Load() }

func (h *PartitionedHypergraph) pinCount(e EdgeID, p PartID) *atomic.Int32 {
	return &h.pinCounts[int(e)*int(h.k)+int(p)]
}

// SetNodePart places an unassigned node; used to seed the initial partition.
func (h *PartitionedHypergraph) SetNodePart(v NodeID, p PartID) {
	enforce.ENFORCE(h.parts[v] == InvalidPart, "node already assigned: ", v)
	h.parts[v] = p
	h.partWeights[p].Add(h.nodeWeights[v])
	for i := h.nodeIdx[v]; i < h.nodeIdx[v+1]; i++ {
		h.pinCount(h.nodeEdges[i], p).Add(1)
	}
}

func (h *PartitionedHypergraph) ChangeNodePart(v NodeID, from, to PartID, maxWeight Weight, delta DeltaFunc) bool {
	if from == to || to == InvalidPart {
		return false
	}
	enforce.DEBUG(h.parts[v] == from, "stale from-block for node ", v)
	w := h.nodeWeights[v]
	if h.partWeights[to].Add(w) > maxWeight {
		h.partWeights[to].Add(-w)
		return false
	}
	h.parts[v] = to
	h.partWeights[from].Add(-w)
	for i := h.nodeIdx[v]; i < h.nodeIdx[v+1]; i++ {
		e := h.nodeEdges[i]
		fromAfter := h.pinCount(e, from).Add(-1)
		toAfter := h.pinCount(e, to).Add(1)
		if delta != nil {
			delta(SyncUpdate{
				Edge:                e,
				EdgeWeight:          h.edgeWeights[e],
				EdgeSize:            h.EdgeSize(e),
				From:                from,
				To:                  to,
				PinCountInFromAfter: uint32(fromAfter),
				PinCountInToAfter:   uint32(toAfter),
			})
		}
	}
	return true
}

func (h *PartitionedHypergraph) PinCountInPart(e EdgeID, p PartID) uint32 {
	return uint32(h.pinCount(e, p).Load())
}

func (h *PartitionedHypergraph) EdgeSize(e EdgeID) uint32 {
	return h.edgeIdx[e+1] - h.edgeIdx[e]
}

func (h *PartitionedHypergraph) EdgeWeight(e EdgeID) Weight {
	return h.edgeWeights[e]
}

func (h *PartitionedHypergraph) IncidentEdges(v NodeID, applicator func(e EdgeID) bool) {
	for i := h.nodeIdx[v]; i < h.nodeIdx[v+1]; i++ {
		if !applicator(h.nodeEdges[i]) {
			return
		}
	}
}

func (h *PartitionedHypergraph) Pins(e EdgeID, applicator func(v NodeID) bool) {
	for i := h.edgeIdx[e]; i < h.edgeIdx[e+1]; i++ {
		if !applicator(h.edgePins[i]) {
			return
		}
	}
}

func (h *PartitionedHypergraph) ForEachNode(applicator func(v NodeID) bool) {
	for v := NodeID(0); v < h.numNodes; v++ {
		if !applicator(v) {
			return
		}
	}
}

func (h *PartitionedHypergraph) ForEachEdge(applicator func(e EdgeID) bool) {
	for e := EdgeID(0); e < h.InitialNumEdges(); e++ {
		if !applicator(e) {
			return
		}
	}
}

// Connectivity is the number of blocks edge e touches.
func (h *PartitionedHypergraph) Connectivity(e EdgeID) PartID {
	var lambda PartID
	for p := PartID(0); p < h.k; p++ {
		if h.pinCount(e, p).Load() > 0 {
			lambda++
		}
	}
	return lambda
}
