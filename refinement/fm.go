package refinement

import (
	"math"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/uulm-janbaudisch/mt-kahypar/graph"
	"github.com/uulm-janbaudisch/mt-kahypar/utils"
)

// State shared by all concurrent localized searches of one FM round.
type FMSharedData struct {
	RefinementNodes *utils.WorkContainer[graph.NodeID]
	NodeTracker     *NodeTracker
	fruitlessSeed   []atomic.Bool
}

func NewFMSharedData(numNodes graph.NodeID, numWorkers int) *FMSharedData {
	return &FMSharedData{
		RefinementNodes: utils.NewWorkContainer[graph.NodeID](uint64(numNodes), numWorkers),
		NodeTracker:     NewNodeTracker(numNodes),
		fruitlessSeed:   make([]atomic.Bool, numNodes),
	}
}

func (sd *FMSharedData) NewRound() {
	sd.RefinementNodes.Clear()
	sd.NodeTracker.NewRound()
	for i := range sd.fruitlessSeed {
		sd.fruitlessSeed[i].Store(false)
	}
}

// Localized k-way FM search. One instance per worker; state is reset per
// search. Moves are staged on a delta overlay and only applied to the shared
// view when the search found an improving prefix.
type LocalizedKWayFM struct {
	ctx    *graph.Context
	policy GainPolicy
	k      graph.PartID

	thisSearch SearchID
	worker     int

	deltaPhg *DeltaPartition

	blockPQ   *utils.KeyedHeap
	vertexPQs []*utils.KeyedHeap

	updateDeduplicator *utils.SparseMap[struct{}]
	validEdges         *utils.SparseMap[bool]

	seedVertices []graph.NodeID
	localMoves   []Move

	connScratch []graph.Gain

	// stats of the current search
	pushes int
	moves  int
}

func NewLocalizedKWayFM(ctx *graph.Context, phg graph.Partitioned, worker int) *LocalizedKWayFM {
	k := ctx.Partition.K
	n := phg.InitialNumNodes()
	fm := &LocalizedKWayFM{
		ctx:                ctx,
		policy:             PolicyFor(ctx.Partition.Objective),
		k:                  k,
		worker:             worker,
		deltaPhg:           NewDeltaPartition(phg),
		blockPQ:            utils.NewKeyedHeap(uint32(k)),
		vertexPQs:          make([]*utils.KeyedHeap, k),
		updateDeduplicator: utils.NewSparseMap[struct{}](n),
		validEdges:         utils.NewSparseMap[bool](uint32(phg.InitialNumEdges())),
		connScratch:        make([]graph.Gain, k),
	}
	for i := range fm.vertexPQs {
		fm.vertexPQs[i] = utils.NewKeyedHeap(n)
	}
	return fm
}

// FindMoves seeds a local search from the shared refinement queue and runs
// it. Returns true if at least one node entered the search.
func (fm *LocalizedKWayFM) FindMoves(phg graph.Partitioned, shared *FMSharedData) bool {
	fm.clearSearchState()
	fm.thisSearch = shared.NodeTracker.NewSearch()

	nSeeds := fm.ctx.Refinement.FM.NumSeedNodes
	for uint32(fm.pushes) < nSeeds {
		seed, ok := shared.RefinementNodes.TryPop(fm.worker)
		if !ok {
			break
		}
		if !fm.updateDeduplicator.Contains(seed) && fm.insertOrUpdatePQ(phg, seed, shared.NodeTracker) {
			fm.seedVertices = append(fm.seedVertices, seed)
		}
	}
	fm.updateBlocks(phg, graph.InvalidPart)

	if fm.pushes == 0 {
		return false
	}
	if fm.ctx.Refinement.FM.PerformMovesGlobal {
		fm.findMovesOnGlobal(phg, shared)
	} else {
		fm.deltaPhg.Clear()
		fm.findMovesOnDelta(phg, shared)
	}
	return true
}

func (fm *LocalizedKWayFM) clearSearchState() {
	fm.seedVertices = fm.seedVertices[:0]
	fm.localMoves = fm.localMoves[:0]
	fm.validEdges.Clear()
	fm.updateDeduplicator.Clear()
	fm.pushes = 0
	fm.moves = 0
}

// Gains of pins can only change when an edge crosses one of the critical
// pin counts; such edges turn invalid and their pins are re-keyed lazily.
func (fm *LocalizedKWayFM) markInvalidEdges(su graph.SyncUpdate) {
	if su.PinCountInFromAfter == 0 || su.PinCountInFromAfter == 1 ||
		su.PinCountInToAfter == 1 || su.PinCountInToAfter == 2 {
		fm.validEdges.Put(su.Edge, false)
	}
}

func (fm *LocalizedKWayFM) findMovesOnDelta(phg graph.Partitioned, shared *FMSharedData) {
	stopRule := NewStopRule(uint32(phg.InitialNumNodes()))
	var m Move

	bestImprovementIndex := 0
	var estimatedImprovement, bestImprovement graph.Gain

	for !stopRule.SearchShouldStop() && fm.findNextMove(fm.deltaPhg, &m) {
		shared.NodeTracker.DeactivateNode(m.Node)

		moved := false
		var heaviestPartWeight, toWeight graph.Weight
		if m.To != graph.InvalidPart {
			_, heaviestPartWeight = graph.HeaviestPartAndWeight(fm.deltaPhg)
			fromWeight := fm.deltaPhg.PartWeight(m.From)
			toWeight = fm.deltaPhg.PartWeight(m.To)
			moved = fm.deltaPhg.ChangeNodePart(m.Node, m.From, m.To,
				utils.Max(fm.ctx.Partition.MaxPartWeights[m.To], fromWeight), fm.markInvalidEdges)
		}

		if moved {
			fm.moves++
			estimatedImprovement += m.Gain
			fm.localMoves = append(fm.localMoves, m)
			stopRule.Update(m.Gain)

			if fm.moveImprovedQuality(phg, m, estimatedImprovement, bestImprovement, toWeight, heaviestPartWeight) {
				stopRule.Reset()
				bestImprovement = estimatedImprovement
				bestImprovementIndex = len(fm.localMoves)
			}
			fm.insertOrUpdateNeighbors(fm.deltaPhg, shared, m.Node)
		}
		fm.updateBlocks(fm.deltaPhg, m.From)
	}

	bestImprovement, bestImprovementIndex = fm.applyMovesOnGlobal(phg, shared, bestImprovementIndex, bestImprovement)
	fm.clearPQs(shared, bestImprovementIndex)
}

func (fm *LocalizedKWayFM) findMovesOnGlobal(phg graph.Partitioned, shared *FMSharedData) {
	stopRule := NewStopRule(uint32(phg.InitialNumNodes()))
	var m Move

	bestImprovementIndex := 0
	var estimatedImprovement, bestImprovement graph.Gain

	for !stopRule.SearchShouldStop() && fm.findNextMove(phg, &m) {
		shared.NodeTracker.DeactivateNode(m.Node)

		moved := false
		var heaviestPartWeight, toWeight graph.Weight
		var attributed graph.Gain
		if m.To != graph.InvalidPart {
			_, heaviestPartWeight = graph.HeaviestPartAndWeight(phg)
			fromWeight := phg.PartWeight(m.From)
			toWeight = phg.PartWeight(m.To)
			moved = phg.ChangeNodePart(m.Node, m.From, m.To,
				utils.Max(fm.ctx.Partition.MaxPartWeights[m.To], fromWeight), func(su graph.SyncUpdate) {
					attributed += AttributedGain(fm.policy, su)
					fm.markInvalidEdges(su)
				})
		}

		if moved {
			fm.moves++
			estimatedImprovement += attributed
			move := m
			move.Gain = attributed
			fm.localMoves = append(fm.localMoves, move)
			stopRule.Update(attributed)

			if fm.moveImprovedQuality(phg, m, estimatedImprovement, bestImprovement, toWeight, heaviestPartWeight) {
				stopRule.Reset()
				bestImprovement = estimatedImprovement
				bestImprovementIndex = len(fm.localMoves)
			}
			fm.insertOrUpdateNeighbors(phg, shared, m.Node)
		}
		fm.updateBlocks(phg, m.From)
	}

	fm.revertToBestLocalPrefix(phg, bestImprovementIndex)
	fm.clearPQs(shared, bestImprovementIndex)
}

func (fm *LocalizedKWayFM) moveImprovedQuality(phg graph.Partitioned, m Move, estimated, best graph.Gain, toWeight, heaviestPartWeight graph.Weight) bool {
	if fm.ctx.Refinement.FM.AllowZeroGainMoves {
		return estimated >= best
	}
	improved := estimated > best
	improvedBalance := estimated >= best && toWeight+phg.NodeWeight(m.Node) < heaviestPartWeight
	return improved || improvedBalance
}

func (fm *LocalizedKWayFM) updateBlock(i graph.PartID) {
	if !fm.vertexPQs[i].Empty() {
		fm.blockPQ.InsertOrAdjustKey(uint32(i), fm.vertexPQs[i].TopKey())
	} else if fm.blockPQ.Contains(uint32(i)) {
		fm.blockPQ.Remove(uint32(i))
	}
}

func (fm *LocalizedKWayFM) updateBlocks(phg graph.Partitioned, movedFrom graph.PartID) {
	if movedFrom == graph.InvalidPart || fm.updateDeduplicator.Size() >= int(fm.k) {
		for i := graph.PartID(0); i < fm.k; i++ {
			fm.updateBlock(i)
		}
	} else {
		fm.updateBlock(movedFrom)
		for _, v := range fm.updateDeduplicator.Keys() {
			fm.updateBlock(phg.PartID(v))
		}
	}
	fm.updateDeduplicator.Clear()
}

func (fm *LocalizedKWayFM) insertOrUpdateNeighbors(phg graph.Partitioned, shared *FMSharedData, u graph.NodeID) {
	threshold := fm.ctx.Refinement.LabelPropagation.HyperedgeSizeActivationThreshold
	phg.IncidentEdges(u, func(e graph.EdgeID) bool {
		if phg.EdgeSize(e) < threshold && !(fm.validEdges.Contains(e) && fm.validEdges.Get(e)) {
			phg.Pins(e, func(v graph.NodeID) bool {
				if !fm.updateDeduplicator.Contains(v) {
					fm.updateDeduplicator.Put(v, struct{}{})
					fm.insertOrUpdatePQ(phg, v, shared.NodeTracker)
				}
				return true
			})
			fm.validEdges.Put(e, true)
		}
		return true
	})
}

func (fm *LocalizedKWayFM) insertOrUpdatePQ(phg graph.Partitioned, v graph.NodeID, nt *NodeTracker) bool {
	searchOfV := nt.SearchOfNode(v)
	// deactivated nodes carry a marker id so neither branch runs
	if nt.isSearchInactive(searchOfV) {
		if nt.searchOfNode[v].CompareAndSwap(searchOfV, fm.thisSearch) {
			pv := phg.PartID(v)
			_, gain := fm.bestDestinationBlock(phg, v)
			fm.vertexPQs[pv].Insert(v, gain) // blockPQ updates are done later, collectively
			fm.pushes++
			return true
		}
	} else if searchOfV == fm.thisSearch {
		pv := phg.PartID(v)
		_, gain := fm.bestDestinationBlock(phg, v)
		fm.vertexPQs[pv].AdjustKey(v, gain)
		return true
	}
	return false
}

// Best target block for u: lowest move penalty, ties broken towards the
// lighter block; blocks that cannot take u's weight only qualify when they
// are lighter than u's shrinking source block.
func (fm *LocalizedKWayFM) bestDestinationBlock(phg graph.Partitioned, u graph.NodeID) (graph.PartID, graph.Gain) {
	wu := phg.NodeWeight(u)
	from := phg.PartID(u)
	fromWeight := phg.PartWeight(from)

	conn := fm.connScratch
	for i := range conn {
		conn[i] = 0
	}
	var benefit, totalWeight graph.Gain
	phg.IncidentEdges(u, func(e graph.EdgeID) bool {
		w := graph.Gain(phg.EdgeWeight(e))
		totalWeight += w
		if phg.PinCountInPart(e, from) == 1 {
			benefit += w
		}
		for p := graph.PartID(0); p < fm.k; p++ {
			if p != from && phg.PinCountInPart(e, p) > 0 {
				conn[p] += w
			}
		}
		return true
	})

	to := graph.InvalidPart
	toPenalty := graph.Gain(math.MaxInt64)
	bestToWeight := fromWeight - wu
	for i := graph.PartID(0); i < fm.k; i++ {
		if i == from {
			continue
		}
		toWeight := phg.PartWeight(i)
		penalty := totalWeight - conn[i]
		if (penalty < toPenalty || (penalty == toPenalty && toWeight < bestToWeight)) &&
			(toWeight+wu <= fm.ctx.Partition.MaxPartWeights[i] || toWeight < bestToWeight) {
			toPenalty = penalty
			to = i
			bestToWeight = toWeight
		}
	}
	if to == graph.InvalidPart {
		return to, math.MinInt64
	}
	return to, benefit - toPenalty
}

func (fm *LocalizedKWayFM) findNextMove(phg graph.Partitioned, m *Move) bool {
	if fm.blockPQ.Empty() {
		return false
	}
	for {
		from := graph.PartID(fm.blockPQ.Top())
		u := fm.vertexPQs[from].Top()
		estimatedGain := fm.vertexPQs[from].TopKey()
		to, gain := fm.bestDestinationBlock(phg, u)
		if gain >= estimatedGain { // accept any gain that is at least as good
			m.Node = u
			m.From = from
			m.To = to
			m.Gain = gain
			fm.vertexPQs[from].DeleteTop() // blockPQ updates are done later, collectively
			return true
		}
		fm.vertexPQs[from].AdjustKey(u, gain)
		if fm.vertexPQs[from].TopKey() != fm.blockPQ.KeyOf(uint32(from)) {
			fm.blockPQ.AdjustKey(uint32(from), fm.vertexPQs[from].TopKey())
		}
	}
}

// Makes the staged prefix visible on the shared view, re-deriving every gain
// from live pin counts. If the replayed sequence turns out net negative, it
// rolls back to the best actually observed cumulative improvement.
func (fm *LocalizedKWayFM) applyMovesOnGlobal(phg graph.Partitioned, shared *FMSharedData, bestGainIndex int, bestEstimatedImprovement graph.Gain) (graph.Gain, int) {
	var estimatedImprovement, bestImprovement graph.Gain
	bestIndex := 0

	for i := 0; i < bestGainIndex; i++ {
		m := &fm.localMoves[i]
		var lastGain graph.Gain
		phg.ChangeNodePart(m.Node, m.From, m.To, math.MaxInt64, func(su graph.SyncUpdate) {
			lastGain += AttributedGain(fm.policy, su)
		})
		m.Gain = lastGain // update with the gain the shared view attributes
		estimatedImprovement += lastGain
		if estimatedImprovement >= bestImprovement {
			bestImprovement = estimatedImprovement
			bestIndex = i + 1
		}
	}

	if estimatedImprovement < 0 {
		// double rollback: the staged gains were stale
		for i := bestGainIndex - 1; i >= bestIndex; i-- {
			m := &fm.localMoves[i]
			phg.ChangeNodePart(m.Node, m.To, m.From, math.MaxInt64, nil)
			m.Invalidate()
		}
		return bestImprovement, bestIndex
	}
	return bestEstimatedImprovement, bestGainIndex
}

// Rollback for the global variant: undo everything past the best prefix.
func (fm *LocalizedKWayFM) revertToBestLocalPrefix(phg graph.Partitioned, bestGainIndex int) {
	for len(fm.localMoves) > bestGainIndex {
		m := fm.localMoves[len(fm.localMoves)-1]
		phg.ChangeNodePart(m.Node, m.To, m.From, math.MaxInt64, nil)
		fm.localMoves = fm.localMoves[:len(fm.localMoves)-1]
	}
}

// If the search made a move, releases the nodes left in its queues back to
// the tracker and requeues those that were popped from the work container and
// are not fruitless seeds; the seeds count as fruitless when no move improved.
// A search without moves releases nothing. The queues are cleared either way.
func (fm *LocalizedKWayFM) clearPQs(shared *FMSharedData, bestImprovementIndex int) {
	release := fm.moves > 0
	reinsertSeeds := bestImprovementIndex > 0

	if release {
		if !reinsertSeeds {
			for _, u := range fm.seedVertices {
				shared.fruitlessSeed[u].Store(true)
			}
		}
		for i := graph.PartID(0); i < fm.k; i++ {
			pq := fm.vertexPQs[i]
			for j := 0; j < pq.Size(); j++ {
				node := pq.At(j)
				shared.NodeTracker.ReleaseNode(node)
				if !shared.fruitlessSeed[node].Load() && shared.RefinementNodes.WasPushedAndRemoved(node) {
					shared.RefinementNodes.PushBack(node, fm.worker)
				}
			}
		}
	}
	for i := graph.PartID(0); i < fm.k; i++ {
		fm.vertexPQs[i].Clear()
	}
	fm.blockPQ.Clear()
}

// MultiTryKWayFM drives up to numRounds rounds of concurrent localized
// searches. Each round seeds the refinement queue with all border nodes and
// ends when the queue drains; the rounds stop early once a round brings no
// improvement. Returns the total improvement measured on the shared view.
func MultiTryKWayFM(ctx *graph.Context, phg graph.Partitioned, shared *FMSharedData, numRounds int) graph.Gain {
	numWorkers := ctx.SharedMemory.NumThreads
	searchers := make([]*LocalizedKWayFM, numWorkers)
	for w := range searchers {
		searchers[w] = NewLocalizedKWayFM(ctx, phg, w)
	}

	initialQuality := graph.Quality(phg, ctx.Partition.Objective)
	prevQuality := initialQuality
	for round := 0; round < numRounds; round++ {
		shared.NewRound()

		// seed the queue with all boundary nodes, spread over the workers
		worker := 0
		phg.ForEachNode(func(v graph.NodeID) bool {
			if isBorderNode(phg, v) {
				shared.RefinementNodes.PushBack(v, worker%numWorkers)
				worker++
			}
			return true
		})
		shared.RefinementNodes.Shuffle(utils.Hash64(ctx.Seed, uint64(round)))

		utils.ParallelRange(numWorkers, numWorkers, func(w, _, _ int) {
			for searchers[w].FindMoves(phg, shared) {
			}
		})

		quality := graph.Quality(phg, ctx.Partition.Objective)
		if quality >= prevQuality {
			break
		}
		prevQuality = quality
	}
	improvement := initialQuality - graph.Quality(phg, ctx.Partition.Objective)
	if improvement < 0 {
		improvement = 0
	}
	log.Debug().Msg("fm improvement: " + utils.V(improvement))
	return improvement
}

func isBorderNode(phg graph.Partitioned, v graph.NodeID) bool {
	border := false
	p := phg.PartID(v)
	if p == graph.InvalidPart {
		return false
	}
	phg.IncidentEdges(v, func(e graph.EdgeID) bool {
		if phg.PinCountInPart(e, p) < phg.EdgeSize(e) {
			border = true
			return false
		}
		return true
	})
	return border
}
