package refinement

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/exp/slices"

	"github.com/uulm-janbaudisch/mt-kahypar/graph"
	"github.com/uulm-janbaudisch/mt-kahypar/utils"
)

const lpSequentialCutoff = 2000

var invalidPos = uint32(math.MaxUint32)

// Deterministic synchronous label propagation. Vertices are processed in
// bucketed sub-rounds of a seeded permutation; each sub-round first collects
// best moves, then applies a balanced prefix per block pair, then the
// remainder sorted by gain. For a fixed seed the result is identical across
// worker counts.
type DeterministicLabelPropagation struct {
	ctx    *graph.Context
	policy GainPolicy

	permutation utils.Permutation
	seedCounter uint64

	moves       *movesBuffer
	sortedMoves []Move
	cumulativeNodeWeights []graph.Weight

	// active node machinery: epochs per node, and per edge at offset n
	useActiveNodeSet bool
	lastMovedInRound []atomic.Uint32
	round            uint32
	activeNodes      *nodesBuffer

	// gain recalculation scratch
	lastRecalcRound []atomic.Uint32
	recalcRound     uint32
	movePosOfNode   []uint32
	recalcScratch   [][]recalcData

	gainScratch [][]graph.Gain
}

type recalcData struct {
	firstIn       uint32
	lastOut       uint32
	remainingPins uint32
}

func newRecalcData() recalcData {
	return recalcData{firstIn: math.MaxUint32}
}

func NewDeterministicLabelPropagation(ctx *graph.Context, numNodes graph.NodeID, numEdges graph.EdgeID) *DeterministicLabelPropagation {
	numWorkers := ctx.SharedMemory.NumThreads
	r := &DeterministicLabelPropagation{
		ctx:              ctx,
		policy:           PolicyFor(ctx.Partition.Objective),
		moves:            newMovesBuffer(numWorkers),
		useActiveNodeSet: ctx.Refinement.Deterministic.UseActiveNodeSet,
		lastMovedInRound: make([]atomic.Uint32, uint64(numNodes)+uint64(numEdges)),
		activeNodes:      newNodesBuffer(numWorkers),
		lastRecalcRound:  make([]atomic.Uint32, numEdges),
		movePosOfNode:    make([]uint32, numNodes),
		recalcScratch:    make([][]recalcData, numWorkers),
		gainScratch:      make([][]graph.Gain, numWorkers),
	}
	for i := range r.movePosOfNode {
		r.movePosOfNode[i] = invalidPos
	}
	for w := 0; w < numWorkers; w++ {
		r.recalcScratch[w] = make([]recalcData, ctx.Partition.K)
		for p := range r.recalcScratch[w] {
			r.recalcScratch[w][p] = newRecalcData()
		}
		r.gainScratch[w] = make([]graph.Gain, ctx.Partition.K)
	}
	return r
}

// Refine runs up to MaximumIterations label propagation rounds and returns
// the total improvement.
func (r *DeterministicLabelPropagation) Refine(phg graph.Partitioned) graph.Gain {
	var overallImprovement graph.Gain
	numSubRounds := r.ctx.Refinement.Deterministic.NumSubRoundsSyncLP
	numWorkers := r.ctx.SharedMemory.NumThreads

	for iter := uint32(0); iter < r.ctx.Refinement.LabelPropagation.MaximumIterations; iter++ {
		if r.useActiveNodeSet {
			r.round++
			if r.round == 0 { // epoch wrap
				for i := range r.lastMovedInRound {
					r.lastMovedInRound[i].Store(0)
				}
				r.round = 1
			}
		}

		// an empty active set with positive gains last round means retry
		// with a fresh permutation over everything
		active := r.activeNodes.finalize()
		workPackages := r.ctx.SharedMemory.StaticBalancingWorkPackages
		if !r.useActiveNodeSet || iter == 0 || len(active) == 0 {
			r.permutation.RandomGrouping(phg.InitialNumNodes(), workPackages, r.nextSeed())
		} else {
			slices.Sort(active)
			r.permutation.SampleBucketsAndGroupBy(active, workPackages, r.nextSeed())
		}
		r.activeNodes.clear()

		numBucketsPerSubRound := utils.DivCeil(uint32(utils.PermutationNumBuckets), numSubRounds)
		numMoves := 0
		var roundImprovement graph.Gain
		increaseSubRounds := false

		for subRound := uint32(0); subRound < numSubRounds; subRound++ {
			firstBucket, lastBucket := utils.ChunkBounds(subRound, uint32(utils.PermutationNumBuckets), numBucketsPerSubRound)
			first, last := r.permutation.BucketBounds[firstBucket], r.permutation.BucketBounds[lastBucket]
			r.moves.clear()

			if phg.K() == 2 {
				utils.ParallelChunks(int(last-first), numWorkers, 512, func(worker, lo, hi int) {
					for i := lo; i < hi; i++ {
						r.calculateAndSaveBestMoveTwoWay(phg, r.permutation.At(first+uint32(i)), worker)
					}
				})
			} else {
				utils.ParallelChunks(int(last-first), numWorkers, 512, func(worker, lo, hi int) {
					for i := lo; i < hi; i++ {
						r.calculateAndSaveBestMove(phg, r.permutation.At(first+uint32(i)), worker)
					}
				})
			}

			var subRoundImprovement graph.Gain
			numMovesInSubRound := r.moves.size()
			if numMovesInSubRound > 0 {
				var reverted bool
				subRoundImprovement, reverted = r.applyMovesByMaximalPrefixesInBlockPairs(phg)
				increaseSubRounds = increaseSubRounds || reverted
				if subRoundImprovement > 0 && r.moves.size() > 0 {
					if r.ctx.Refinement.Deterministic.RecalculateGainsOnSecondApply {
						subRoundImprovement += r.applyMovesSortedByGainWithRecalculation(phg)
					} else {
						subRoundImprovement += r.applyMovesSortedByGainAndRevertUnbalanced(phg)
					}
				}
			}
			roundImprovement += subRoundImprovement
			numMoves += numMovesInSubRound
		}
		overallImprovement += roundImprovement

		if increaseSubRounds {
			numSubRounds = utils.Min(uint32(utils.PermutationNumBuckets), numSubRounds*2)
		}
		if numMoves == 0 {
			break // no vertices with positive gain
		}
	}

	log.Debug().Msg("sync lp improvement: " + utils.V(overallImprovement))
	return overallImprovement
}

func (r *DeterministicLabelPropagation) nextSeed() uint64 {
	r.seedCounter++
	return utils.Hash64(r.ctx.Seed, r.seedCounter)
}

func (r *DeterministicLabelPropagation) calculateAndSaveBestMoveTwoWay(phg graph.Partitioned, u graph.NodeID, worker int) {
	from := phg.PartID(u)
	if from == graph.InvalidPart {
		return
	}
	to := 1 - from
	var gain graph.Gain
	phg.IncidentEdges(u, func(e graph.EdgeID) bool {
		w := graph.Gain(phg.EdgeWeight(e))
		if phg.PinCountInPart(e, from) == 1 {
			gain += w
		}
		if phg.PinCountInPart(e, to) == 0 {
			gain -= w
		}
		return true
	})
	if gain > 0 && phg.PartWeight(to)+phg.NodeWeight(u) <= r.ctx.Partition.MaxPartWeights[to] {
		r.moves.push(worker, Move{Node: u, From: from, To: to, Gain: gain})
	}
}

func (r *DeterministicLabelPropagation) calculateAndSaveBestMove(phg graph.Partitioned, u graph.NodeID, worker int) {
	from := phg.PartID(u)
	if from == graph.InvalidPart {
		return
	}
	k := phg.K()
	conn := r.gainScratch[worker]
	for p := range conn {
		conn[p] = 0
	}
	var benefit, totalWeight graph.Gain
	phg.IncidentEdges(u, func(e graph.EdgeID) bool {
		w := graph.Gain(phg.EdgeWeight(e))
		totalWeight += w
		if phg.PinCountInPart(e, from) == 1 {
			benefit += w
		}
		for p := graph.PartID(0); p < k; p++ {
			if p != from && phg.PinCountInPart(e, p) > 0 {
				conn[p] += w
			}
		}
		return true
	})

	bestTo := graph.InvalidPart
	var bestGain graph.Gain = math.MinInt64
	wu := phg.NodeWeight(u)
	for p := graph.PartID(0); p < k; p++ {
		if p == from {
			continue
		}
		gain := benefit - (totalWeight - conn[p])
		if gain > bestGain && phg.PartWeight(p)+wu <= r.ctx.Partition.MaxPartWeights[p] {
			bestGain = gain
			bestTo = p
		}
	}
	if bestTo != graph.InvalidPart && bestGain > 0 {
		r.moves.push(worker, Move{Node: u, From: from, To: bestTo, Gain: bestGain})
	}
}

// Applies a move and accumulates the attributed improvement; on success the
// pins of small incident edges become active for the next iteration.
func (r *DeterministicLabelPropagation) performMoveWithAttributedGain(phg graph.Partitioned, m Move, activateNeighbors bool) graph.Gain {
	var attributed graph.Gain
	moved := phg.ChangeNodePart(m.Node, m.From, m.To, math.MaxInt64, func(su graph.SyncUpdate) {
		attributed += AttributedGain(r.policy, su)
	})
	if moved && activateNeighbors && r.useActiveNodeSet {
		n := uint32(phg.InitialNumNodes())
		threshold := r.ctx.Refinement.LabelPropagation.HyperedgeSizeActivationThreshold
		phg.IncidentEdges(m.Node, func(e graph.EdgeID) bool {
			if phg.EdgeSize(e) > threshold {
				return true
			}
			guard := &r.lastMovedInRound[n+uint32(e)]
			if guard.Load() != r.round {
				guard.Store(r.round)
				phg.Pins(e, func(v graph.NodeID) bool {
					lrv := r.lastMovedInRound[v].Load()
					if lrv != r.round && r.lastMovedInRound[v].CompareAndSwap(lrv, r.round) {
						r.activeNodes.push(v)
					}
					return true
				})
			}
			return true
		})
	}
	return attributed
}

// Applies moves[i] for every i < end accepted by the predicate, in
// parallel, returning the summed attributed gain.
func (r *DeterministicLabelPropagation) applyMovesIf(phg graph.Partitioned, moves []Move, end int, predicate func(worker, pos int) bool) graph.Gain {
	return utils.ParallelSumRange(end, r.ctx.SharedMemory.NumThreads, func(worker, first, last int) int64 {
		var myGain graph.Gain
		for i := first; i < last; i++ {
			if predicate(worker, i) {
				myGain += r.performMoveWithAttributedGain(phg, moves[i], true)
			}
		}
		return int64(myGain)
	})
}

func (r *DeterministicLabelPropagation) aggregatePartWeightDeltas(phg graph.Partitioned, moves []Move, end int) []graph.Weight {
	k := int(phg.K())
	numWorkers := r.ctx.SharedMemory.NumThreads
	perWorker := make([][]graph.Weight, numWorkers)
	for w := range perWorker {
		perWorker[w] = make([]graph.Weight, k)
	}
	utils.ParallelChunks(end, numWorkers, 1024, func(worker, first, last int) {
		pw := perWorker[worker]
		for i := first; i < last; i++ {
			w := phg.NodeWeight(moves[i].Node)
			pw[moves[i].From] -= w
			pw[moves[i].To] += w
		}
	})
	res := make([]graph.Weight, k)
	for _, pw := range perWorker {
		for i := range res {
			res[i] += pw[i]
		}
	}
	return res
}

// Balanced swap-prefix application: moves are grouped by direction, each
// block-pair commits the largest pair of opposing prefixes whose weight
// difference fits in the pair's share of the blocks' slack. Uncommitted
// moves are re-buffered for the second apply step.
func (r *DeterministicLabelPropagation) applyMovesByMaximalPrefixesInBlockPairs(phg graph.Partitioned) (graph.Gain, bool) {
	k := int(phg.K())
	maxKey := k * k
	index := func(b1, b2 graph.PartID) int { return int(b1)*k + int(b2) }

	moves := r.moves.finalize()
	numMoves := len(moves)
	if cap(r.sortedMoves) < numMoves {
		r.sortedMoves = make([]Move, numMoves)
	}
	r.sortedMoves = r.sortedMoves[:numMoves]
	if cap(r.cumulativeNodeWeights) < numMoves {
		r.cumulativeNodeWeights = make([]graph.Weight, numMoves)
	}
	r.cumulativeNodeWeights = r.cumulativeNodeWeights[:numMoves]

	positions := utils.CountingSort(moves, r.sortedMoves, maxKey-1,
		func(m Move) int { return index(m.From, m.To) }, r.ctx.SharedMemory.NumThreads)

	hasMoves := func(p1, p2 graph.PartID) bool {
		d := index(p1, p2)
		return positions[d+1] != positions[d]
	}

	type blockPair struct{ p1, p2 graph.PartID }
	var relevantPairs []blockPair
	involvements := make([]int, k)
	for p1 := graph.PartID(0); int(p1) < k; p1++ {
		for p2 := p1 + 1; int(p2) < k; p2++ {
			if hasMoves(p1, p2) || hasMoves(p2, p1) {
				relevantPairs = append(relevantPairs, blockPair{p1, p2})
			}
			// moves into a block consume its slack
			if hasMoves(p1, p2) {
				involvements[p2]++
			}
			if hasMoves(p2, p1) {
				involvements[p1]++
			}
		}
	}

	swapPrefix := make([]uint32, maxKey)
	utils.ParallelForEach(len(relevantPairs), r.ctx.SharedMemory.NumThreads, func(_, bp int) {
		p1, p2 := relevantPairs[bp].p1, relevantPairs[bp].p2

		sortAndPrefixSum := func(a, b graph.PartID) {
			begin, end := positions[index(a, b)], positions[index(a, b)+1]
			dir := r.sortedMoves[begin:end]
			slices.SortFunc(dir, func(m1, m2 Move) int {
				if m1.Gain != m2.Gain {
					if m1.Gain > m2.Gain {
						return -1
					}
					return 1
				}
				if m1.Node < m2.Node {
					return -1
				}
				return 1
			})
			var running graph.Weight
			for i := begin; i < end; i++ {
				running += phg.NodeWeight(r.sortedMoves[i].Node)
				r.cumulativeNodeWeights[i] = running
			}
		}
		sortAndPrefixSum(p1, p2)
		sortAndPrefixSum(p2, p1)

		budget1 := r.ctx.Partition.MaxPartWeights[p1] - phg.PartWeight(p1)
		budget2 := r.ctx.Partition.MaxPartWeights[p2] - phg.PartWeight(p2)
		lb1 := -(budget1 / graph.Weight(utils.Max(1, involvements[p1])))
		ub2 := budget2 / graph.Weight(utils.Max(1, involvements[p2]))

		b1, e1 := uint32(positions[index(p1, p2)]), uint32(positions[index(p1, p2)+1])
		b2, e2 := uint32(positions[index(p2, p1)]), uint32(positions[index(p2, p1)+1])

		a, b := r.findBestPrefixesRecursive(b1, e1, b2, e2, b1-1, b2-1, lb1, ub2)
		if a == invalidPos {
			a, b = b1, b2 // no feasible prefix pair: apply nothing
		}
		swapPrefix[index(p1, p2)] = a
		swapPrefix[index(p2, p1)] = b
	})

	r.moves.clear()
	actualGain := r.applyMovesIf(phg, r.sortedMoves, numMoves, func(worker, pos int) bool {
		m := r.sortedMoves[pos]
		if uint32(pos) < swapPrefix[index(m.From, m.To)] {
			return true
		}
		r.moves.push(worker, m)
		return false
	})

	// revert everything if the prefix application lost quality
	revertAll := actualGain < 0
	if revertAll {
		actualGain += r.applyMovesIf(phg, r.sortedMoves, numMoves, func(_, pos int) bool {
			m := &r.sortedMoves[pos]
			if uint32(pos) < swapPrefix[index(m.From, m.To)] {
				m.From, m.To = m.To, m.From
				return true
			}
			return false
		})
	}
	return actualGain, revertAll
}

// Divide and conquer over the longer side: binary-search the matching
// prefix on the other side, recurse on the halves the midpoint leaves
// undecided, sweep linearly below the cutoff.
func (r *DeterministicLabelPropagation) findBestPrefixesRecursive(
	p1Begin, p1End, p2Begin, p2End, p1Invalid, p2Invalid uint32,
	lb1, ub2 graph.Weight) (uint32, uint32) {

	c := r.cumulativeNodeWeights
	balance := func(i1, i2 uint32) graph.Weight {
		var a, b graph.Weight
		if i1 != p1Invalid {
			a = c[i1]
		}
		if i2 != p2Invalid {
			b = c[i2]
		}
		return a - b
	}
	isFeasible := func(i1, i2 uint32) bool {
		bal := balance(i1, i2)
		return lb1 <= bal && bal <= ub2
	}

	n1, n2 := p1End-p1Begin, p2End-p2Begin
	if n1 < lpSequentialCutoff && n2 < lpSequentialCutoff {
		return r.findBestPrefixesSequentially(p1Begin, p1End, p2Begin, p2End, p1Invalid, p2Invalid, lb1, ub2)
	}

	if n1 > n2 {
		p1Mid := p1Begin + n1/2
		p2Match := uint32(utils.LowerBound(c, int(p2Begin), int(p2End), c[p1Mid]))

		if p2Match != p2End && p1Mid != p1End && isFeasible(p1Mid, p2Match) {
			return r.findBestPrefixesRecursive(p1Mid+1, p1End, p2Match+1, p2End, p1Invalid, p2Invalid, lb1, ub2)
		}
		if p2Match == p2End && p2End > p2Begin && balance(p1Mid, p2End-1) > ub2 {
			return r.findBestPrefixesRecursive(p1Begin, p1Mid, p2Begin, p2Match, p1Invalid, p2Invalid, lb1, ub2)
		}
		var left, right [2]uint32
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			left[0], left[1] = r.findBestPrefixesRecursive(p1Begin, p1Mid, p2Begin, p2Match, p1Invalid, p2Invalid, lb1, ub2)
		}()
		right[0], right[1] = r.findBestPrefixesRecursive(p1Mid, p1End, p2Match, p2End, p1Invalid, p2Invalid, lb1, ub2)
		wg.Wait()
		if right[0] != invalidPos {
			return right[0], right[1]
		}
		return left[0], left[1]
	}

	p2Mid := p2Begin + n2/2
	p1Match := uint32(utils.LowerBound(c, int(p1Begin), int(p1End), c[p2Mid]))

	if p1Match != p1End && p2Mid != p2End && isFeasible(p1Match, p2Mid) {
		return r.findBestPrefixesRecursive(p1Match+1, p1End, p2Mid+1, p2End, p1Invalid, p2Invalid, lb1, ub2)
	}
	if p1Match == p1End && p1End > p1Begin && balance(p1End-1, p2Mid) < lb1 {
		return r.findBestPrefixesRecursive(p1Begin, p1Match, p2Begin, p2Mid, p1Invalid, p2Invalid, lb1, ub2)
	}
	var left, right [2]uint32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		left[0], left[1] = r.findBestPrefixesRecursive(p1Begin, p1Match, p2Begin, p2Mid, p1Invalid, p2Invalid, lb1, ub2)
	}()
	right[0], right[1] = r.findBestPrefixesRecursive(p1Match, p1End, p2Mid, p2End, p1Invalid, p2Invalid, lb1, ub2)
	wg.Wait()
	if right[0] != invalidPos {
		return right[0], right[1]
	}
	return left[0], left[1]
}

func (r *DeterministicLabelPropagation) findBestPrefixesSequentially(
	p1Begin, p1End, p2Begin, p2End, p1Invalid, p2Invalid uint32,
	lb1, ub2 graph.Weight) (uint32, uint32) {

	c := r.cumulativeNodeWeights
	balance := func(i1, i2 uint32) graph.Weight {
		var a, b graph.Weight
		if i1 != p1Invalid {
			a = c[i1]
		}
		if i2 != p2Invalid {
			b = c[i2]
		}
		return a - b
	}

	for {
		if lb := balance(p1End-1, p2End-1); lb1 <= lb && lb <= ub2 {
			return p1End, p2End
		} else if lb < 0 {
			if p2End == p2Begin {
				break
			}
			p2End--
		} else {
			if p1End == p1Begin {
				break
			}
			p1End--
		}
	}
	return invalidPos, invalidPos
}

// Second apply step without recalculation: sort the re-buffered moves by
// gain, revert from the back until no block is overloaded, apply the rest,
// and roll everything back if the net attributed gain is negative.
func (r *DeterministicLabelPropagation) applyMovesSortedByGainAndRevertUnbalanced(phg graph.Partitioned) graph.Gain {
	moves := r.moves.finalize()
	numMoves := len(moves)
	slices.SortFunc(moves, compareGainThenNode)

	maxPartWeights := r.ctx.Partition.MaxPartWeights
	partWeights := r.aggregatePartWeightDeltas(phg, moves, numMoves)
	numOverloaded := 0
	for p := 0; p < int(phg.K()); p++ {
		partWeights[p] += phg.PartWeight(graph.PartID(p))
		if partWeights[p] > maxPartWeights[p] {
			numOverloaded++
		}
	}

	revertMove := func(m *Move) {
		w := phg.NodeWeight(m.Node)
		partWeights[m.To] -= w
		partWeights[m.From] += w
		if partWeights[m.To] <= maxPartWeights[m.To] {
			numOverloaded--
		}
		m.Invalidate()
	}

	j := numMoves
	for numOverloaded > 0 && j > 0 {
		j--
		m := &moves[j]
		if partWeights[m.To] > maxPartWeights[m.To] &&
			partWeights[m.From]+phg.NodeWeight(m.Node) <= maxPartWeights[m.From] {
			revertMove(m)
		}
	}

	if numOverloaded > 0 {
		// the cheap pass failed; cycle from the back until balance holds,
		// even when a revert overloads the source block
		j = numMoves
		lastValidMove := 0
		for numOverloaded > 0 {
			if j == 0 {
				j = lastValidMove
				lastValidMove = 0
			}
			m := &moves[j-1]
			if m.IsValid() && partWeights[m.To] > maxPartWeights[m.To] {
				if partWeights[m.From]+phg.NodeWeight(m.Node) > maxPartWeights[m.From] &&
					partWeights[m.From] <= maxPartWeights[m.From] {
					numOverloaded++
				}
				revertMove(m)
			}
			if lastValidMove == 0 && m.IsValid() {
				lastValidMove = j
			}
			j--
		}
	}

	gain := r.applyMovesIf(phg, moves, numMoves, func(_, pos int) bool { return moves[pos].IsValid() })
	if gain < 0 {
		gain += r.applyMovesIf(phg, moves, numMoves, func(_, pos int) bool {
			if moves[pos].IsValid() {
				moves[pos].From, moves[pos].To = moves[pos].To, moves[pos].From
				return true
			}
			return false
		})
	}
	return gain
}

// Second apply step with recalculation: recompute the exact gain of every
// re-buffered move as if the whole sorted sequence were applied, then commit
// the best prefix that does not overload any additional block.
func (r *DeterministicLabelPropagation) applyMovesSortedByGainWithRecalculation(phg graph.Partitioned) graph.Gain {
	r.recalcRound++
	if r.recalcRound == math.MaxUint32 {
		for i := range r.lastRecalcRound {
			r.lastRecalcRound[i].Store(0)
		}
		r.recalcRound = 1
	}

	moves := r.moves.finalize()
	numMoves := len(moves)
	slices.SortFunc(moves, compareGainThenNode)

	numWorkers := r.ctx.SharedMemory.NumThreads
	utils.ParallelForEach(numMoves, numWorkers, func(_, pos int) {
		r.movePosOfNode[moves[pos].Node] = uint32(pos) + 1 // +1 so zero init of lastOut stays neutral
		moves[pos].Gain = 0
	})
	wasMoved := func(v graph.NodeID) bool { return r.movePosOfNode[v] != invalidPos }

	utils.ParallelForEach(numMoves, numWorkers, func(worker, pos int) {
		rd := r.recalcScratch[worker]
		u := moves[pos].Node
		phg.IncidentEdges(u, func(e graph.EdgeID) bool {
			expected := r.lastRecalcRound[e].Load()
			if expected >= r.recalcRound || !r.lastRecalcRound[e].CompareAndSwap(expected, r.recalcRound) {
				return true
			}
			phg.Pins(e, func(v graph.NodeID) bool {
				if wasMoved(v) {
					mID := r.movePosOfNode[v]
					m := &moves[mID-1]
					if mID < rd[m.To].firstIn {
						rd[m.To].firstIn = mID
					}
					if mID > rd[m.From].lastOut {
						rd[m.From].lastOut = mID
					}
				} else {
					rd[phg.PartID(v)].remainingPins++
				}
				return true
			})

			we := graph.Gain(phg.EdgeWeight(e))
			phg.Pins(e, func(v graph.NodeID) bool {
				if wasMoved(v) {
					mID := r.movePosOfNode[v]
					m := &moves[mID-1]
					benefit := rd[m.From].lastOut == mID && rd[m.From].firstIn > mID && rd[m.From].remainingPins == 0
					penalty := rd[m.To].firstIn == mID && rd[m.To].lastOut < mID && rd[m.To].remainingPins == 0
					if benefit && !penalty {
						atomic.AddInt64(&m.Gain, we)
					}
					if !benefit && penalty {
						atomic.AddInt64(&m.Gain, -we)
					}
				}
				return true
			})

			// reset only what this edge touched when that is cheaper
			if int(phg.K()) <= int(2*phg.EdgeSize(e)) {
				for p := range rd {
					rd[p] = newRecalcData()
				}
			} else {
				phg.Pins(e, func(v graph.NodeID) bool {
					if wasMoved(v) {
						m := &moves[r.movePosOfNode[v]-1]
						rd[m.From] = newRecalcData()
						rd[m.To] = newRecalcData()
					} else {
						rd[phg.PartID(v)] = newRecalcData()
					}
					return true
				})
			}
			return true
		})
	})

	utils.ParallelForEach(numMoves, numWorkers, func(_, pos int) {
		r.movePosOfNode[moves[pos].Node] = invalidPos
	})

	// prefix scan: commit the best prefix that leaves the number of
	// overloaded blocks no worse than before
	maxPartWeights := r.ctx.Partition.MaxPartWeights
	k := int(phg.K())
	partWeights := make([]graph.Weight, k)
	numOverloadedBefore := 0
	for p := 0; p < k; p++ {
		partWeights[p] = phg.PartWeight(graph.PartID(p))
		if partWeights[p] > maxPartWeights[p] {
			numOverloadedBefore++
		}
	}
	numOverloaded := numOverloadedBefore

	var bestGain, gainSum graph.Gain
	bestIndex := 0
	for pos := 0; pos < numMoves; pos++ {
		m := &moves[pos]
		w := phg.NodeWeight(m.Node)
		if partWeights[m.From] > maxPartWeights[m.From] && partWeights[m.From]-w <= maxPartWeights[m.From] {
			numOverloaded--
		}
		if partWeights[m.To] <= maxPartWeights[m.To] && partWeights[m.To]+w > maxPartWeights[m.To] {
			numOverloaded++
		}
		partWeights[m.From] -= w
		partWeights[m.To] += w
		gainSum += m.Gain
		if numOverloaded <= numOverloadedBefore && gainSum >= bestGain {
			bestIndex = pos + 1
			bestGain = gainSum
		}
	}

	r.applyMovesIf(phg, moves, bestIndex, func(int, int) bool { return true })
	return bestGain
}

func compareGainThenNode(m1, m2 Move) int {
	if m1.Gain != m2.Gain {
		if m1.Gain > m2.Gain {
			return -1
		}
		return 1
	}
	if m1.Node < m2.Node {
		return -1
	}
	if m1.Node > m2.Node {
		return 1
	}
	return 0
}

// movesBuffer collects moves from parallel workers without locking; the
// concatenation order is fixed by worker id, and every consumer re-sorts, so
// scheduling never leaks into results.
type movesBuffer struct {
	per    [][]Move
	merged []Move
}

func newMovesBuffer(numWorkers int) *movesBuffer {
	return &movesBuffer{per: make([][]Move, numWorkers)}
}

func (b *movesBuffer) push(worker int, m Move) {
	b.per[worker] = append(b.per[worker], m)
}

func (b *movesBuffer) size() int {
	n := len(b.merged)
	for _, p := range b.per {
		n += len(p)
	}
	return n
}

func (b *movesBuffer) finalize() []Move {
	for w := range b.per {
		b.merged = append(b.merged, b.per[w]...)
		b.per[w] = b.per[w][:0]
	}
	return b.merged
}

func (b *movesBuffer) clear() {
	b.merged = b.merged[:0]
	for w := range b.per {
		b.per[w] = b.per[w][:0]
	}
}

// nodesBuffer is the same idea for activated nodes; pushes may come from any
// goroutine, so slots are guarded by small locks.
type nodesBuffer struct {
	mu     []utils.SpinLock
	per    [][]graph.NodeID
	next   atomic.Uint64
	merged []graph.NodeID
}

func newNodesBuffer(numWorkers int) *nodesBuffer {
	return &nodesBuffer{
		mu:  make([]utils.SpinLock, numWorkers),
		per: make([][]graph.NodeID, numWorkers),
	}
}

func (b *nodesBuffer) push(v graph.NodeID) {
	slot := int(b.next.Add(1)) % len(b.per)
	b.mu[slot].Lock()
	b.per[slot] = append(b.per[slot], v)
	b.mu[slot].Unlock()
}

func (b *nodesBuffer) finalize() []graph.NodeID {
	b.merged = b.merged[:0]
	for w := range b.per {
		b.merged = append(b.merged, b.per[w]...)
	}
	return b.merged
}

func (b *nodesBuffer) clear() {
	for w := range b.per {
		b.per[w] = b.per[w][:0]
	}
}
