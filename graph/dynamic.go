package graph

import (
	"github.com/rs/zerolog/log"

	"github.com/uulm-janbaudisch/mt-kahypar/enforce"
	"github.com/uulm-janbaudisch/mt-kahypar/utils"
)

// One contraction, recorded so uncoarsening can replay it backwards.
type Memento struct {
	U NodeID // representative
	V NodeID // contraction partner
}

// One coarsening level: the contractions of a pass plus the parallel edges
// the pass coalesced.
type Level struct {
	Mementos []Memento
	Batch    RemovedEdgesBatch
	NumNodes uint32 // node count before the pass
}

// A graph whose vertices can be contracted and uncontracted. Wraps the
// adjacency arena with node weights, per-vertex locks, and the level stack
// the multilevel driver pops during uncoarsening.
type DynamicGraph struct {
	Adj *DynamicAdjacencyArray

	nodeWeight  []Weight
	totalWeight Weight
	numWorkers  int
	locks       []utils.SpinLock
	levels      []Level
	numNodes    uint32 // current number of head vertices
}

func NewDynamicGraph(numNodes NodeID, pairs []utils.Pair[NodeID, NodeID], edgeWeights []Weight, nodeWeights []Weight, numWorkers int) *DynamicGraph {
	g := &DynamicGraph{
		Adj:        NewDynamicAdjacencyArray(numNodes, pairs, edgeWeights, numWorkers),
		nodeWeight: make([]Weight, numNodes),
		numWorkers: utils.Max(numWorkers, 1),
		locks:      make([]utils.SpinLock, numNodes),
		numNodes:   uint32(numNodes),
	}
	for i := range g.nodeWeight {
		if nodeWeights != nil {
			g.nodeWeight[i] = nodeWeights[i]
		} else {
			g.nodeWeight[i] = 1
		}
		g.totalWeight += g.nodeWeight[i]
	}
	return g
}

func (g *DynamicGraph) NumWorkers() int       { return g.numWorkers }
func (g *DynamicGraph) TotalWeight() Weight   { return g.totalWeight }
func (g *DynamicGraph) InitialNumNodes() NodeID { return g.Adj.NumNodes() }
func (g *DynamicGraph) CurrentNumNodes() uint32 { return g.numNodes }
func (g *DynamicGraph) NumLevels() int        { return len(g.levels) }

func (g *DynamicGraph) NodeWeight(u NodeID) Weight {
	return g.nodeWeight[u]
}

func (g *DynamicGraph) NodeDegree(u NodeID) uint32 {
	return g.Adj.NodeDegree(u)
}

func (g *DynamicGraph) IsHead(u NodeID) bool {
	return g.Adj.IsHead(u)
}

// CurrentNodes lists the head vertices of the current level in ascending id
// order.
func (g *DynamicGraph) CurrentNodes() []NodeID {
	nodes := make([]NodeID, 0, g.numNodes)
	for u := NodeID(0); u < g.Adj.NumNodes(); u++ {
		if g.Adj.IsHead(u) {
			nodes = append(nodes, u)
		}
	}
	return nodes
}

func (g *DynamicGraph) acquire(u NodeID) { g.locks[u].Lock() }
func (g *DynamicGraph) release(u NodeID) { g.locks[u].Unlock() }

// ContractClustering collapses every cluster of the given assignment into
// its representative and pushes the resulting level. clustering[u] must be
// the representative (cluster root) of u, with clustering[root] == root, and
// is only read for current head vertices. Pair contractions are applied in
// ascending partner order so the memento sequence, and with it the whole
// level, is reproducible.
func (g *DynamicGraph) ContractClustering(clustering []NodeID) *Level {
	level := &Level{NumNodes: g.numNodes}

	for v := NodeID(0); v < g.Adj.NumNodes(); v++ {
		if !g.Adj.IsHead(v) {
			continue
		}
		root := clustering[v]
		if root == v {
			continue
		}
		enforce.ENFORCE(clustering[root] == root, "clustering must map to cluster roots")
		g.Adj.Contract(root, v, g.acquire, g.release)
		g.nodeWeight[root] += g.nodeWeight[v]
		level.Mementos = append(level.Mementos, Memento{U: root, V: v})
		g.numNodes--
	}

	heads := g.CurrentNodes()
	level.Batch = g.Adj.RemoveParallelEdges(heads)
	g.levels = append(g.levels, *level)

	log.Debug().Msg("contracted level: nodes " + utils.V(level.NumNodes) + " -> " + utils.V(g.numNodes) +
		" (removed " + utils.V(level.Batch.NumRemoved()) + " parallel records)")
	return level
}

// PopLevel undoes the most recent ContractClustering: parallel edges are
// restored first, then the pass's contractions are replayed in reverse.
// The applicator sees each memento right after its uncontraction, so callers
// can hand partition ids from representative to partner. The case callbacks
// are forwarded to the arena (nil for none).
func (g *DynamicGraph) PopLevel(caseOne CaseOneFunc, caseTwo CaseTwoFunc, applicator func(m Memento)) {
	enforce.ENFORCE(len(g.levels) > 0, "no level to pop")
	level := g.levels[len(g.levels)-1]
	g.levels = g.levels[:len(g.levels)-1]

	g.Adj.RestoreParallelEdges(level.Batch)

	for i := len(level.Mementos) - 1; i >= 0; i-- {
		m := level.Mementos[i]
		g.Adj.Uncontract(m.U, m.V, caseOne, caseTwo, g.acquire, g.release)
		g.nodeWeight[m.U] -= g.nodeWeight[m.V]
		g.numNodes++
		if applicator != nil {
			applicator(m)
		}
	}
	enforce.DEBUG(g.numNodes == level.NumNodes, "level pop must restore the node count")
}
