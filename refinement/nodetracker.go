package refinement

import (
	"math"
	"sync/atomic"

	"github.com/uulm-janbaudisch/mt-kahypar/graph"
)

type SearchID = uint32

const InvalidSearchID = SearchID(math.MaxUint32)

// NodeTracker hands exclusive ownership of nodes to local searches through a
// single CAS per node. Every round reserves one marker id for deactivated
// nodes; ids below the round's first active id count as inactive, so a round
// switch is one counter bump instead of an array sweep.
type NodeTracker struct {
	searchOfNode      []atomic.Uint32
	firstActiveID     SearchID
	deactivatedMarker SearchID
	highestActiveID   atomic.Uint32
}

func NewNodeTracker(numNodes graph.NodeID) *NodeTracker {
	t := &NodeTracker{searchOfNode: make([]atomic.Uint32, numNodes)}
	t.NewRound()
	return t
}

func (t *NodeTracker) NewSearch() SearchID {
	return t.highestActiveID.Add(1)
}

func (t *NodeTracker) isSearchInactive(s SearchID) bool {
	return s < t.firstActiveID
}

func (t *NodeTracker) SearchOfNode(v graph.NodeID) SearchID {
	return t.searchOfNode[v].Load()
}

// TryAcquireNode claims v for the given search; fails if a live search owns
// it or it was deactivated this round.
func (t *NodeTracker) TryAcquireNode(v graph.NodeID, search SearchID) bool {
	cur := t.searchOfNode[v].Load()
	return t.isSearchInactive(cur) && t.searchOfNode[v].CompareAndSwap(cur, search)
}

func (t *NodeTracker) OwnedBy(v graph.NodeID, search SearchID) bool {
	return t.searchOfNode[v].Load() == search
}

// DeactivateNode marks a moved node so it cannot be grabbed again this round.
func (t *NodeTracker) DeactivateNode(v graph.NodeID) {
	t.searchOfNode[v].Store(t.deactivatedMarker)
}

// ReleaseNode returns an unmoved node to the free pool.
func (t *NodeTracker) ReleaseNode(v graph.NodeID) {
	t.searchOfNode[v].Store(0)
}

// NewRound invalidates all ownership and deactivation of the previous round.
func (t *NodeTracker) NewRound() {
	if t.highestActiveID.Load() >= math.MaxUint32-2 {
		for i := range t.searchOfNode {
			t.searchOfNode[i].Store(0)
		}
		t.highestActiveID.Store(0)
	}
	t.deactivatedMarker = t.highestActiveID.Add(1)
	t.firstActiveID = t.deactivatedMarker
}
