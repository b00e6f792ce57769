package refinement

import (
	"github.com/uulm-janbaudisch/mt-kahypar/graph"
	"github.com/uulm-janbaudisch/mt-kahypar/utils"
)

// DeltaPartition stages part changes of one local search on top of a shared
// partitioned view without mutating it. Lookups read through to the base
// unless an override exists; rollback is dropping the overlay.
type DeltaPartition struct {
	base graph.Partitioned
	k    graph.PartID

	partOverride    *utils.SparseMap[graph.PartID]
	pinCountDelta   *utils.SparseMap[int32] // keyed by edge*k + part
	partWeightDelta []graph.Weight
}

func NewDeltaPartition(base graph.Partitioned) *DeltaPartition {
	k := base.K()
	return &DeltaPartition{
		base:            base,
		k:               k,
		partOverride:    utils.NewSparseMap[graph.PartID](uint32(base.InitialNumNodes())),
		pinCountDelta:   utils.NewSparseMap[int32](uint32(base.InitialNumEdges()) * uint32(k)),
		partWeightDelta: make([]graph.Weight, k),
	}
}

// Clear drops all staged changes; the overlay reads through again.
func (d *DeltaPartition) Clear() {
	d.partOverride.Clear()
	d.pinCountDelta.Clear()
	for i := range d.partWeightDelta {
		d.partWeightDelta[i] = 0
	}
}

func (d *DeltaPartition) K() graph.PartID               { return d.k }
func (d *DeltaPartition) InitialNumNodes() graph.NodeID { return d.base.InitialNumNodes() }
func (d *DeltaPartition) InitialNumEdges() graph.EdgeID { return d.base.InitialNumEdges() }
func (d *DeltaPartition) TotalWeight() graph.Weight     { return d.base.TotalWeight() }

func (d *DeltaPartition) NodeWeight(v graph.NodeID) graph.Weight { return d.base.NodeWeight(v) }

func (d *DeltaPartition) PartID(v graph.NodeID) graph.PartID {
	if d.partOverride.Contains(v) {
		return d.partOverride.Get(v)
	}
	return d.base.PartID(v)
}

func (d *DeltaPartition) PartWeight(p graph.PartID) graph.Weight {
	return d.base.PartWeight(p) + d.partWeightDelta[p]
}

func (d *DeltaPartition) pinKey(e graph.EdgeID, p graph.PartID) uint32 {
	return uint32(e)*uint32(d.k) + uint32(p)
}

func (d *DeltaPartition) PinCountInPart(e graph.EdgeID, p graph.PartID) uint32 {
	return uint32(int32(d.base.PinCountInPart(e, p)) + d.pinCountDelta.Get(d.pinKey(e, p)))
}

func (d *DeltaPartition) EdgeSize(e graph.EdgeID) uint32     { return d.base.EdgeSize(e) }
func (d *DeltaPartition) EdgeWeight(e graph.EdgeID) graph.Weight { return d.base.EdgeWeight(e) }

func (d *DeltaPartition) IncidentEdges(v graph.NodeID, f func(e graph.EdgeID) bool) {
	d.base.IncidentEdges(v, f)
}

func (d *DeltaPartition) Pins(e graph.EdgeID, f func(v graph.NodeID) bool) {
	d.base.Pins(e, f)
}

func (d *DeltaPartition) ForEachNode(f func(v graph.NodeID) bool) { d.base.ForEachNode(f) }
func (d *DeltaPartition) ForEachEdge(f func(e graph.EdgeID) bool) { d.base.ForEachEdge(f) }

func (d *DeltaPartition) ChangeNodePart(v graph.NodeID, from, to graph.PartID, maxWeight graph.Weight, delta graph.DeltaFunc) bool {
	if from == to || to == graph.InvalidPart {
		return false
	}
	w := d.NodeWeight(v)
	if d.PartWeight(to)+w > maxWeight {
		return false
	}
	d.partOverride.Put(v, to)
	d.partWeightDelta[from] -= w
	d.partWeightDelta[to] += w
	d.IncidentEdges(v, func(e graph.EdgeID) bool {
		*d.pinCountDelta.Ref(d.pinKey(e, from)) -= 1
		*d.pinCountDelta.Ref(d.pinKey(e, to)) += 1
		if delta != nil {
			delta(graph.SyncUpdate{
				Edge:                e,
				EdgeWeight:          d.EdgeWeight(e),
				EdgeSize:            d.EdgeSize(e),
				From:                from,
				To:                  to,
				PinCountInFromAfter: d.PinCountInPart(e, from),
				PinCountInToAfter:   d.PinCountInPart(e, to),
			})
		}
		return true
	})
	return true
}

// Nodes with a staged move, in the order they were first staged, read from
// the override map.
func (d *DeltaPartition) StagedNodes() []graph.NodeID {
	return d.partOverride.Keys()
}
