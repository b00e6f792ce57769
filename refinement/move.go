// Package refinement contains the refiners that improve a k-way partition:
// deterministic synchronous label propagation, localized k-way FM, and the
// quotient-graph scheduler for flow-based refinement.
package refinement

import (
	"github.com/uulm-janbaudisch/mt-kahypar/graph"
)

// A single relocation of a node between two blocks. From == InvalidPart
// marks an invalidated move.
type Move struct {
	Node graph.NodeID
	From graph.PartID
	To   graph.PartID
	Gain graph.Gain
}

func (m *Move) Invalidate() {
	m.From = graph.InvalidPart
}

func (m *Move) IsValid() bool {
	return m.From != graph.InvalidPart
}

// GainPolicy selects how objective changes are attributed to moves.
type GainPolicy uint8

const (
	GainKm1 GainPolicy = iota
	GainCut
)

func PolicyFor(objective graph.Objective) GainPolicy {
	if objective == graph.ObjectiveCut {
		return GainCut
	}
	return GainKm1
}

// AttributedGain converts one synchronized edge update into the improvement
// it contributes (positive = objective got smaller). Summed over all updates
// of a move sequence this telescopes to the true objective change, no matter
// how concurrent moves interleaved.
func AttributedGain(policy GainPolicy, su graph.SyncUpdate) graph.Gain {
	w := graph.Gain(su.EdgeWeight)
	switch policy {
	case GainCut:
		var g graph.Gain
		if su.PinCountInToAfter == su.EdgeSize {
			g += w // edge pulled entirely into the target block
		}
		if su.PinCountInFromAfter == su.EdgeSize-1 && su.PinCountInToAfter == 1 {
			g -= w // edge was internal to the source block and is now cut
		}
		return g
	default:
		var g graph.Gain
		if su.PinCountInFromAfter == 0 {
			g += w // edge no longer touches the source block
		}
		if su.PinCountInToAfter == 1 {
			g -= w // edge now also touches the target block
		}
		return g
	}
}
