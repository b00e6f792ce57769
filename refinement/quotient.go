package refinement

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/uulm-janbaudisch/mt-kahypar/enforce"
	"github.com/uulm-janbaudisch/mt-kahypar/graph"
	"github.com/uulm-janbaudisch/mt-kahypar/utils"
)

// ErrNoSearchAvailable is reported when the block scheduler has no pair to
// hand out; callers stop scheduling new searches.
var ErrNoSearchAvailable = errors.New("no block pair available for scheduling")

// BlockPair identifies a quotient graph edge; I < J always.
type BlockPair struct {
	I graph.PartID
	J graph.PartID
}

// FlowOracle solves a flow subproblem between two blocks and reports the
// moves of a min-cut partition of the extracted subproblem. External to the
// core.
type FlowOracle interface {
	Solve(phg graph.Partitioned, blocks BlockPair, cutEdges []graph.EdgeID) (moves []Move, improvement graph.Gain)
}

// One edge of the quotient graph: ownership handling and the catalog of cut
// hyperedges between its two blocks.
type quotientGraphEdge struct {
	blocks    BlockPair
	ownership atomic.Uint32 // SearchID; InvalidSearchID when free
	isInQueue atomic.Bool

	cutHEsLock utils.SpinLock
	cutHEs     []graph.EdgeID

	firstValidEntry    int
	initialNumCutHEs   int
	initialCutHEWeight graph.Weight
	cutHEWeight        atomic.Int64

	numImprovementsFound atomic.Int64
	totalImprovement     atomic.Int64
}

func (qe *quotientGraphEdge) addHyperedge(he graph.EdgeID, weight graph.Weight) {
	qe.cutHEsLock.Lock()
	qe.cutHEs = append(qe.cutHEs, he)
	qe.cutHEsLock.Unlock()
	qe.cutHEWeight.Add(int64(weight))
}

func (qe *quotientGraphEdge) isAcquired() bool {
	return qe.ownership.Load() != InvalidSearchID
}

func (qe *quotientGraphEdge) acquire(search SearchID) bool {
	return qe.ownership.CompareAndSwap(InvalidSearchID, search)
}

func (qe *quotientGraphEdge) release(search SearchID) {
	enforce.DEBUG(qe.ownership.Load() == search, "release by non-owning search")
	qe.ownership.Store(InvalidSearchID)
}

func (qe *quotientGraphEdge) markAsInQueue() bool {
	return qe.isInQueue.CompareAndSwap(false, true)
}

func (qe *quotientGraphEdge) markAsNotInQueue() bool {
	return qe.isInQueue.CompareAndSwap(true, false)
}

func (qe *quotientGraphEdge) reset(blocks BlockPair) {
	qe.blocks = blocks
	qe.ownership.Store(InvalidSearchID)
	qe.isInQueue.Store(false)
	qe.cutHEs = qe.cutHEs[:0]
	qe.firstValidEntry = 0
	qe.initialNumCutHEs = 0
	qe.initialCutHEWeight = 0
	qe.cutHEWeight.Store(0)
}

// Search bookkeeping while a flow problem is constructed and solved on a
// block pair.
type Search struct {
	Blocks      BlockPair
	Round       int
	UsedCutHEs  []graph.EdgeID
	IsFinalized bool
}

// One round of active block scheduling: a queue of unscheduled pairs plus
// the blocks that turned active for the following round.
type schedulingRound struct {
	queueLock        sync.Mutex
	unscheduled      []BlockPair
	roundImprovement atomic.Int64
	activeBlocksLock utils.SpinLock
	activeBlocks     []bool
	remainingPairs   atomic.Int64
}

func newSchedulingRound(k graph.PartID) *schedulingRound {
	return &schedulingRound{activeBlocks: make([]bool, k)}
}

func (r *schedulingRound) pushBlockPair(blocks BlockPair) {
	r.queueLock.Lock()
	r.unscheduled = append(r.unscheduled, blocks)
	r.queueLock.Unlock()
	r.remainingPairs.Add(1)
}

func (r *schedulingRound) popBlockPair() (BlockPair, bool) {
	r.queueLock.Lock()
	defer r.queueLock.Unlock()
	if len(r.unscheduled) == 0 {
		return BlockPair{}, false
	}
	blocks := r.unscheduled[0]
	r.unscheduled = r.unscheduled[1:]
	return blocks, true
}

func (r *schedulingRound) finalizeSearch(blocks BlockPair, improvement graph.Gain) (bool, bool) {
	r.roundImprovement.Add(int64(improvement))
	r.remainingPairs.Add(-1)
	block0Active, block1Active := false, false
	if improvement > 0 {
		r.activeBlocksLock.Lock()
		block0Active = !r.activeBlocks[blocks.I]
		block1Active = !r.activeBlocks[blocks.J]
		r.activeBlocks[blocks.I] = true
		r.activeBlocks[blocks.J] = true
		r.activeBlocksLock.Unlock()
	}
	return block0Active, block1Active
}

// QuotientGraph maintains, per block pair, the cut hyperedges between the
// two blocks, and schedules flow-based searches over the pairs in
// active-block rounds.
type QuotientGraph struct {
	ctx *graph.Context
	k   graph.PartID
	phg graph.Partitioned

	edges [][]quotientGraphEdge // [i][j] with i < j

	rounds       []*schedulingRound
	roundsLock   sync.Mutex
	firstActiveRound int
	minImprovementPerRound graph.Gain

	searchesLock sync.Mutex
	searches     []*Search

	numActiveSearches atomic.Int64
}

func NewQuotientGraph(ctx *graph.Context) *QuotientGraph {
	k := ctx.Partition.K
	qg := &QuotientGraph{
		ctx:   ctx,
		k:     k,
		edges: make([][]quotientGraphEdge, k),
	}
	for i := graph.PartID(0); i < k; i++ {
		qg.edges[i] = make([]quotientGraphEdge, k)
		for j := graph.PartID(0); j < k; j++ {
			qg.edges[i][j].reset(BlockPair{I: i, J: j})
		}
	}
	return qg
}

func (qg *QuotientGraph) edge(i, j graph.PartID) *quotientGraphEdge {
	enforce.DEBUG(i < j, "block pair must be ordered")
	return &qg.edges[i][j]
}

// Initialize catalogs every cut hyperedge under its block pairs and sorts
// the catalogs by BFS locality. The first round schedules all cut pairs.
func (qg *QuotientGraph) Initialize(phg graph.Partitioned) {
	qg.phg = phg
	for i := graph.PartID(0); i < qg.k; i++ {
		for j := graph.PartID(0); j < qg.k; j++ {
			qg.edges[i][j].reset(BlockPair{I: i, J: j})
		}
	}
	qg.rounds = nil
	qg.firstActiveRound = 0
	qg.searches = nil
	qg.minImprovementPerRound = graph.Gain(
		qg.ctx.Refinement.Advanced.MinRelativeImprovementPerRound *
			float64(graph.Quality(phg, qg.ctx.Partition.Objective)))

	phg.ForEachEdge(func(e graph.EdgeID) bool {
		w := phg.EdgeWeight(e)
		for i := graph.PartID(0); i < qg.k; i++ {
			if phg.PinCountInPart(e, i) == 0 {
				continue
			}
			for j := i + 1; j < qg.k; j++ {
				if phg.PinCountInPart(e, j) > 0 {
					qg.edge(i, j).addHyperedge(e, w)
				}
			}
		}
		return true
	})

	bfs := newBFSData(phg.InitialNumNodes(), phg.InitialNumEdges())
	firstRound := newSchedulingRound(qg.k)
	for i := graph.PartID(0); i < qg.k; i++ {
		for j := i + 1; j < qg.k; j++ {
			qe := qg.edge(i, j)
			qe.initialNumCutHEs = len(qe.cutHEs)
			qe.initialCutHEWeight = graph.Weight(qe.cutHEWeight.Load())
			if len(qe.cutHEs) > 0 {
				qg.sortCutHyperedges(i, j, bfs)
				if qe.markAsInQueue() {
					firstRound.pushBlockPair(qe.blocks)
				}
			}
		}
	}
	qg.rounds = append(qg.rounds, firstRound)
}

// Cut hyperedges of a pair are sorted by their distance from a
// deterministically chosen seed edge, expanding along cut edges that share a
// pin. Close edges end up in the same flow problems.
func (qg *QuotientGraph) sortCutHyperedges(i, j graph.PartID, bfs *bfsData) {
	qe := qg.edge(i, j)
	bfs.reset()

	inPair := func(e graph.EdgeID) bool {
		return qg.phg.PinCountInPart(e, i) > 0 && qg.phg.PinCountInPart(e, j) > 0
	}

	distance := int32(0)
	var queue, nextQueue []graph.EdgeID
	startBFS := func(seed graph.EdgeID) {
		distance++
		queue = append(queue[:0], seed)
		bfs.distance[seed] = distance
		for len(queue) > 0 {
			for _, he := range queue {
				qg.phg.Pins(he, func(pin graph.NodeID) bool {
					if bfs.visited[pin] {
						return true
					}
					bfs.visited[pin] = true
					qg.phg.IncidentEdges(pin, func(next graph.EdgeID) bool {
						if bfs.distance[next] == 0 && inPair(next) {
							bfs.distance[next] = distance
							nextQueue = append(nextQueue, next)
						}
						return true
					})
					return true
				})
			}
			queue, nextQueue = nextQueue, queue[:0]
			distance++
		}
	}

	// the smallest cut edge id seeds the first BFS; disconnected remainders
	// get their own seeds in catalog order
	for _, he := range qe.cutHEs {
		if bfs.distance[he] == 0 {
			startBFS(he)
		}
	}

	stableSortByDistance(qe.cutHEs, bfs.distance)
}

func stableSortByDistance(hes []graph.EdgeID, distance []int32) {
	// insertion sort keeps the catalog order within equal distances; the
	// catalogs are small compared to the hypergraph
	for i := 1; i < len(hes); i++ {
		for j := i; j > 0 && distance[hes[j]] < distance[hes[j-1]]; j-- {
			hes[j], hes[j-1] = hes[j-1], hes[j]
		}
	}
}

type bfsData struct {
	visited  []bool
	distance []int32
}

func newBFSData(numNodes graph.NodeID, numEdges graph.EdgeID) *bfsData {
	return &bfsData{
		visited:  make([]bool, numNodes),
		distance: make([]int32, numEdges),
	}
}

func (b *bfsData) reset() {
	for i := range b.visited {
		b.visited[i] = false
	}
	for i := range b.distance {
		b.distance[i] = 0
	}
}

// RequestNewSearch pops a block pair from the scheduler and claims it for a
// fresh search. Returns InvalidSearchID with ErrNoSearchAvailable when no
// pair is available.
func (qg *QuotientGraph) RequestNewSearch() (SearchID, error) {
	blocks, round, ok := qg.popBlockPair()
	if !ok {
		return InvalidSearchID, ErrNoSearchAvailable
	}
	qg.searchesLock.Lock()
	searchID := SearchID(len(qg.searches))
	qg.searches = append(qg.searches, &Search{Blocks: blocks, Round: round})
	qg.searchesLock.Unlock()

	qe := qg.edge(blocks.I, blocks.J)
	if !qe.acquire(searchID) {
		// the pair was grabbed between pop and claim; treat as unavailable
		qg.searchAt(searchID).IsFinalized = true
		return InvalidSearchID, ErrNoSearchAvailable
	}
	qe.markAsNotInQueue()
	qg.numActiveSearches.Add(1)
	return searchID, nil
}

func (qg *QuotientGraph) popBlockPair() (BlockPair, int, bool) {
	qg.roundsLock.Lock()
	defer qg.roundsLock.Unlock()
	for r := qg.firstActiveRound; r < len(qg.rounds); r++ {
		if blocks, ok := qg.rounds[r].popBlockPair(); ok {
			return blocks, r, true
		}
	}
	return BlockPair{}, 0, false
}

func (qg *QuotientGraph) searchAt(search SearchID) *Search {
	qg.searchesLock.Lock()
	defer qg.searchesLock.Unlock()
	return qg.searches[search]
}

// BlockPairOf returns the pair the search operates on.
func (qg *QuotientGraph) BlockPairOf(search SearchID) BlockPair {
	return qg.searchAt(search).Blocks
}

// RequestCutHyperedges hands out up to maxEdges unused cut hyperedges of the
// search's block pair, advancing the catalog cursor.
func (qg *QuotientGraph) RequestCutHyperedges(search SearchID, maxEdges int) []graph.EdgeID {
	s := qg.searchAt(search)
	enforce.ENFORCE(!s.IsFinalized, "search already finalized: ", search)
	qe := qg.edge(s.Blocks.I, s.Blocks.J)
	enforce.DEBUG(qe.ownership.Load() == search, "cut hyperedges requested by non-owning search")

	var out []graph.EdgeID
	qe.cutHEsLock.Lock()
	for qe.firstValidEntry < len(qe.cutHEs) && len(out) < maxEdges {
		he := qe.cutHEs[qe.firstValidEntry]
		qe.firstValidEntry++
		// skip edges that are no longer cut between the pair
		if qg.phg.PinCountInPart(he, s.Blocks.I) > 0 && qg.phg.PinCountInPart(he, s.Blocks.J) > 0 {
			out = append(out, he)
		} else {
			qe.cutHEWeight.Add(-int64(qg.phg.EdgeWeight(he)))
		}
	}
	qe.cutHEsLock.Unlock()

	s.UsedCutHEs = append(s.UsedCutHEs, out...)
	return out
}

// AddNewCutHyperedge publishes he to every pair (block, other) with pins in
// other. Exactly the thread that raised the pin count of he in block to one
// must call this.
func (qg *QuotientGraph) AddNewCutHyperedge(he graph.EdgeID, block graph.PartID) {
	w := qg.phg.EdgeWeight(he)
	for other := graph.PartID(0); other < qg.k; other++ {
		if other == block || qg.phg.PinCountInPart(he, other) == 0 {
			continue
		}
		i, j := block, other
		if j < i {
			i, j = j, i
		}
		qg.edge(i, j).addHyperedge(he, w)
	}
}

// FinalizeConstruction releases ownership of the search's pair so other
// searches can claim it again.
func (qg *QuotientGraph) FinalizeConstruction(search SearchID) {
	s := qg.searchAt(search)
	s.IsFinalized = true
	qe := qg.edge(s.Blocks.I, s.Blocks.J)
	qe.release(search)
	qg.requeueIfEligible(qe, s.Round)
}

// FinalizeSearch records the improvement and drives round advancement.
func (qg *QuotientGraph) FinalizeSearch(search SearchID, improvement graph.Gain) {
	s := qg.searchAt(search)
	enforce.ENFORCE(s.IsFinalized, "finalize construction before finalizing the search: ", search)
	qe := qg.edge(s.Blocks.I, s.Blocks.J)
	if improvement > 0 {
		qe.numImprovementsFound.Add(1)
		qe.totalImprovement.Add(int64(improvement))
	}

	qg.roundsLock.Lock()
	round := qg.rounds[s.Round]
	qg.roundsLock.Unlock()
	block0Active, block1Active := round.finalizeSearch(s.Blocks, improvement)

	if block0Active || block1Active {
		qg.scheduleNextRoundPairs(s.Blocks, s.Round, block0Active, block1Active)
	}
	qg.numActiveSearches.Add(-1)
	qg.maybeAdvanceRound(s.Round)
}

// A pair re-enters its round's queue while it still has unused cut edges.
func (qg *QuotientGraph) requeueIfEligible(qe *quotientGraphEdge, round int) {
	qe.cutHEsLock.Lock()
	hasUnused := qe.firstValidEntry < len(qe.cutHEs)
	qe.cutHEsLock.Unlock()
	if hasUnused && !qe.isAcquired() && qe.markAsInQueue() {
		qg.roundsLock.Lock()
		if round < len(qg.rounds) {
			qg.rounds[round].pushBlockPair(qe.blocks)
		}
		qg.roundsLock.Unlock()
	}
}

// Pairs incident to a block that just became active join the next round.
func (qg *QuotientGraph) scheduleNextRoundPairs(blocks BlockPair, round int, block0, block1 bool) {
	qg.roundsLock.Lock()
	for len(qg.rounds) <= round+1 {
		qg.rounds = append(qg.rounds, newSchedulingRound(qg.k))
	}
	next := qg.rounds[round+1]
	qg.roundsLock.Unlock()

	push := func(active graph.PartID) {
		for other := graph.PartID(0); other < qg.k; other++ {
			if other == active {
				continue
			}
			i, j := active, other
			if j < i {
				i, j = j, i
			}
			qe := qg.edge(i, j)
			if qe.cutHEWeight.Load() > 0 && qe.markAsInQueue() {
				qe.cutHEsLock.Lock()
				qe.firstValidEntry = 0
				qe.cutHEsLock.Unlock()
				next.pushBlockPair(BlockPair{I: i, J: j})
			}
		}
	}
	if block0 {
		push(blocks.I)
	}
	if block1 {
		push(blocks.J)
	}
}

// A round ends when its queue drained and its in-flight searches finished;
// the next round only starts if the round's improvement clears the
// configured fraction of the baseline objective.
func (qg *QuotientGraph) maybeAdvanceRound(round int) {
	qg.roundsLock.Lock()
	defer qg.roundsLock.Unlock()
	if round != qg.firstActiveRound || round >= len(qg.rounds) {
		return
	}
	r := qg.rounds[round]
	if r.remainingPairs.Load() > 0 {
		return
	}
	if graph.Gain(r.roundImprovement.Load()) >= qg.minImprovementPerRound && round+1 < len(qg.rounds) {
		qg.firstActiveRound = round + 1
		log.Debug().Msg("active block scheduling advances to round " + utils.V(round+1))
	} else {
		// terminate: drop queued future rounds
		qg.rounds = qg.rounds[:round+1]
	}
}

// NumActiveSearches is exported for scheduling heuristics and tests.
func (qg *QuotientGraph) NumActiveSearches() int64 {
	return qg.numActiveSearches.Load()
}

// CutHyperedgeWeight of a pair; testing hook.
func (qg *QuotientGraph) CutHyperedgeWeight(i, j graph.PartID) graph.Weight {
	enforce.ENFORCE(i < j, "block pair must be ordered")
	return graph.Weight(qg.edge(i, j).cutHEWeight.Load())
}

// FlowRefinementScheduler drives flow searches over the quotient graph with
// the configured number of workers until the scheduler runs dry.
type FlowRefinementScheduler struct {
	ctx    *graph.Context
	oracle FlowOracle
	qg     *QuotientGraph
}

func NewFlowRefinementScheduler(ctx *graph.Context, oracle FlowOracle) *FlowRefinementScheduler {
	return &FlowRefinementScheduler{ctx: ctx, oracle: oracle, qg: NewQuotientGraph(ctx)}
}

const maxCutEdgesPerSearch = 1 << 10

func (s *FlowRefinementScheduler) Refine(phg graph.Partitioned) graph.Gain {
	s.qg.Initialize(phg)
	numWorkers := utils.Max(1, s.ctx.SharedMemory.NumThreads/utils.Max(1, s.ctx.Refinement.Advanced.NumThreadsPerSearch))

	var total atomic.Int64
	utils.ParallelRange(numWorkers, numWorkers, func(_, _, _ int) {
		fails := 0
		for {
			search, err := s.qg.RequestNewSearch()
			if err != nil {
				// in-flight searches may still activate new pairs
				if s.qg.NumActiveSearches() > 0 {
					utils.BackOff(fails)
					fails++
					continue
				}
				return
			}
			fails = 0
			blocks := s.qg.BlockPairOf(search)
			cutEdges := s.qg.RequestCutHyperedges(search, maxCutEdgesPerSearch)
			s.qg.FinalizeConstruction(search)

			var improvement graph.Gain
			if len(cutEdges) > 0 {
				moves, estimated := s.oracle.Solve(phg, blocks, cutEdges)
				improvement = s.applyMoves(phg, moves, estimated)
			}
			s.qg.FinalizeSearch(search, improvement)
			if improvement > 0 {
				total.Add(int64(improvement))
			}
		}
	})
	return graph.Gain(total.Load())
}

// applyMoves commits the oracle's moves under balance constraints and
// re-derives the attributed improvement; a net loss is rolled back.
func (s *FlowRefinementScheduler) applyMoves(phg graph.Partitioned, moves []Move, estimated graph.Gain) graph.Gain {
	policy := PolicyFor(s.ctx.Partition.Objective)
	var attributed graph.Gain
	applied := make([]Move, 0, len(moves))
	for _, m := range moves {
		from := phg.PartID(m.Node)
		if from != m.From {
			continue // the partition changed under the oracle
		}
		moved := phg.ChangeNodePart(m.Node, m.From, m.To, s.ctx.Partition.MaxPartWeights[m.To], func(su graph.SyncUpdate) {
			attributed += AttributedGain(policy, su)
			if su.PinCountInToAfter == 1 {
				s.qg.AddNewCutHyperedge(su.Edge, su.To)
			}
		})
		if moved {
			applied = append(applied, m)
		}
	}
	if attributed < 0 {
		for i := len(applied) - 1; i >= 0; i-- {
			m := applied[i]
			phg.ChangeNodePart(m.Node, m.To, m.From, math.MaxInt64, func(su graph.SyncUpdate) {
				attributed += AttributedGain(policy, su)
			})
		}
		enforce.DEBUG(attributed == 0, "rollback must restore the objective")
		return 0
	}
	if estimated != attributed {
		log.Trace().Msg("flow oracle estimate " + utils.V(estimated) + " attributed " + utils.V(attributed))
	}
	return attributed
}
