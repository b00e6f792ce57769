package graph

import (
	"sync/atomic"

	"github.com/uulm-janbaudisch/mt-kahypar/enforce"
)

// Pin count state of an edge after one side of a move, handed to delta
// callbacks so gain policies and refiners can attribute objective changes.
type SyncUpdate struct {
	Edge               EdgeID
	EdgeWeight         Weight
	EdgeSize           uint32
	From               PartID
	To                 PartID
	PinCountInFromAfter uint32
	PinCountInToAfter   uint32
}

type DeltaFunc func(SyncUpdate)

// Partitioned is the view of a partitioned (hyper)graph the refiners
// consume. Implemented by PartitionedGraph over the dynamic arena and by
// PartitionedHypergraph over a static incidence structure.
type Partitioned interface {
	K() PartID
	InitialNumNodes() NodeID
	InitialNumEdges() EdgeID
	TotalWeight() Weight

	NodeWeight(v NodeID) Weight
	PartID(v NodeID) PartID
	PartWeight(p PartID) Weight

	// ChangeNodePart moves v from one block to another if the target block
	// stays within maxWeight. The delta callback fires once per incident
	// edge with the synchronized pin counts.
	ChangeNodePart(v NodeID, from, to PartID, maxWeight Weight, delta DeltaFunc) bool

	PinCountInPart(e EdgeID, p PartID) uint32
	EdgeSize(e EdgeID) uint32
	EdgeWeight(e EdgeID) Weight

	IncidentEdges(v NodeID, applicator func(e EdgeID) bool)
	Pins(e EdgeID, applicator func(v NodeID) bool)
	ForEachNode(applicator func(v NodeID) bool)
	ForEachEdge(applicator func(e EdgeID) bool)
}

// PartitionedGraph overlays block assignments on a DynamicGraph level.
// Pin counts of the two-pin edges fall out of the endpoint blocks, so
// contraction and uncontraction leave nothing to rebuild.
type PartitionedGraph struct {
	g     *DynamicGraph
	k     PartID
	parts []PartID // per node; InvalidPart when unassigned
	partWeights []atomic.Int64
}

func NewPartitionedGraph(g *DynamicGraph, k PartID) *PartitionedGraph {
	p := &PartitionedGraph{
		g:           g,
		k:           k,
		parts:       make([]PartID, g.InitialNumNodes()),
		partWeights: make([]atomic.Int64, k),
	}
	for i := range p.parts {
		p.parts[i] = InvalidPart
	}
	return p
}

func (p *PartitionedGraph) K() PartID               { return p.k }
func (p *PartitionedGraph) InitialNumNodes() NodeID { return p.g.InitialNumNodes() }
func (p *PartitionedGraph) InitialNumEdges() EdgeID { return p.g.Adj.MaxEdgeID() }
func (p *PartitionedGraph) TotalWeight() Weight     { return p.g.TotalWeight() }

func (p *PartitionedGraph) NodeWeight(v NodeID) Weight { return p.g.NodeWeight(v) }
func (p *PartitionedGraph) PartID(v NodeID) PartID     { return p.parts[v] }

func (p *PartitionedGraph) PartWeight(part PartID) Weight {
	return p.partWeights[part].Load()
}

// SetOnlyNodePart assigns without weight bookkeeping; used when block ids are
// projected onto uncontracted nodes.
func (p *PartitionedGraph) SetOnlyNodePart(v NodeID, part PartID) {
	p.parts[v] = part
}

// SetNodePart assigns v to a block and accounts its weight.
func (p *PartitionedGraph) SetNodePart(v NodeID, part PartID) {
	enforce.ENFORCE(p.parts[v] == InvalidPart, "node already assigned: ", v)
	p.parts[v] = part
	p.partWeights[part].Add(p.g.NodeWeight(v))
}

func (p *PartitionedGraph) ChangeNodePart(v NodeID, from, to PartID, maxWeight Weight, delta DeltaFunc) bool {
	if from == to || to == InvalidPart {
		return false
	}
	enforce.DEBUG(p.parts[v] == from, "stale from-block for node ", v)
	w := p.g.NodeWeight(v)
	if p.partWeights[to].Add(w) > maxWeight {
		p.partWeights[to].Add(-w)
		return false
	}
	p.parts[v] = to
	p.partWeights[from].Add(-w)
	if delta != nil {
		p.g.Adj.IncidentEdges(v, func(e EdgeID) bool {
			rec := p.g.Adj.Edge(e)
			delta(SyncUpdate{
				Edge:                e,
				EdgeWeight:          rec.Weight,
				EdgeSize:            2,
				From:                from,
				To:                  to,
				PinCountInFromAfter: p.PinCountInPart(e, from),
				PinCountInToAfter:   p.PinCountInPart(e, to),
			})
			return true
		})
	}
	return true
}

func (p *PartitionedGraph) PinCountInPart(e EdgeID, part PartID) uint32 {
	rec := p.g.Adj.Edge(e)
	count := uint32(0)
	if p.parts[rec.Source] == part {
		count++
	}
	if p.parts[rec.Target] == part {
		count++
	}
	return count
}

func (p *PartitionedGraph) EdgeSize(EdgeID) uint32 { return 2 }

func (p *PartitionedGraph) EdgeWeight(e EdgeID) Weight {
	return p.g.Adj.Edge(e).Weight
}

func (p *PartitionedGraph) IncidentEdges(v NodeID, applicator func(e EdgeID) bool) {
	p.g.Adj.IncidentEdges(v, applicator)
}

func (p *PartitionedGraph) Pins(e EdgeID, applicator func(v NodeID) bool) {
	rec := p.g.Adj.Edge(e)
	if !applicator(rec.Source) {
		return
	}
	applicator(rec.Target)
}

func (p *PartitionedGraph) ForEachNode(applicator func(v NodeID) bool) {
	for u := NodeID(0); u < p.g.InitialNumNodes(); u++ {
		if p.g.IsHead(u) {
			if !applicator(u) {
				return
			}
		}
	}
}

// Each undirected edge is visited through exactly one of its two records:
// the one sourced at the smaller endpoint.
func (p *PartitionedGraph) ForEachEdge(applicator func(e EdgeID) bool) {
	stop := false
	p.ForEachNode(func(u NodeID) bool {
		p.g.Adj.IncidentEdges(u, func(e EdgeID) bool {
			rec := p.g.Adj.Edge(e)
			if rec.Source < rec.Target {
				if !applicator(e) {
					stop = true
					return false
				}
			}
			return true
		})
		return !stop
	})
}
