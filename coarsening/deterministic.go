// Package coarsening implements the deterministic multilevel coarsener:
// reproducible clustering passes whose outcome is independent of the worker
// count, contracted level by level into the dynamic graph.
package coarsening

import (
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/exp/slices"

	"github.com/uulm-janbaudisch/mt-kahypar/graph"
	"github.com/uulm-janbaudisch/mt-kahypar/utils"
)

type DeterministicMultilevelCoarsener struct {
	g   *graph.DynamicGraph
	ctx *graph.Context

	numBucketsPerSubRound uint32
	permutation           utils.Permutation
	posOfNode             []uint32 // permutation position per node, for tie ordering

	clusters             []graph.NodeID
	clusterWeight        []graph.Weight // committed weight per cluster root
	opportunisticWeight  []atomic.Int64 // committed + pending proposals
	propositions         []graph.NodeID
	ratingMaps           []*utils.SparseMap[float64]
	tooHeavyPerWorker    [][]graph.NodeID
	pass                 uint32
}

func NewDeterministicMultilevelCoarsener(g *graph.DynamicGraph, ctx *graph.Context) *DeterministicMultilevelCoarsener {
	n := g.InitialNumNodes()
	numWorkers := ctx.SharedMemory.NumThreads
	c := &DeterministicMultilevelCoarsener{
		g:                   g,
		ctx:                 ctx,
		numBucketsPerSubRound: utils.DivCeil(uint32(utils.PermutationNumBuckets), ctx.Coarsening.NumSubRoundsDeterministic),
		posOfNode:           make([]uint32, n),
		clusters:            make([]graph.NodeID, n),
		clusterWeight:       make([]graph.Weight, n),
		opportunisticWeight: make([]atomic.Int64, n),
		propositions:        make([]graph.NodeID, n),
		ratingMaps:          make([]*utils.SparseMap[float64], numWorkers),
		tooHeavyPerWorker:   make([][]graph.NodeID, numWorkers),
	}
	for i := range c.ratingMaps {
		c.ratingMaps[i] = utils.NewSparseMap[float64](n)
	}
	return c
}

func (c *DeterministicMultilevelCoarsener) ShouldTerminate() bool {
	return c.g.CurrentNumNodes() <= c.ctx.Coarsening.ContractionLimit
}

// Coarsen runs clustering passes until the contraction limit is reached or a
// pass stops shrinking the graph.
func (c *DeterministicMultilevelCoarsener) Coarsen() {
	for !c.ShouldTerminate() {
		before := c.g.CurrentNumNodes()
		c.coarseningPass()
		after := c.g.CurrentNumNodes()
		if after == before {
			log.Debug().Msg("coarsening pass " + utils.V(c.pass) + " stalled at " + utils.V(after) + " nodes")
			break
		}
	}
	log.Info().Msg("coarsening finished: " + utils.V(c.g.CurrentNumNodes()) + " nodes after " +
		utils.V(c.pass) + " passes")
}

// The per-pass cluster count floor: the larger of the contraction limit and
// the node count divided by the configured shrink factor. Sub-rounds stop once
// the cluster count reaches it; the last sub-round can go below it.
func (c *DeterministicMultilevelCoarsener) currentLevelContractionLimit() uint32 {
	floor := uint32(float64(c.g.CurrentNumNodes()) / c.ctx.Coarsening.MaximumShrinkFactor)
	return utils.Max(c.ctx.Coarsening.ContractionLimit, floor)
}

func (c *DeterministicMultilevelCoarsener) coarseningPass() {
	numWorkers := c.ctx.SharedMemory.NumThreads
	nodes := c.g.CurrentNodes()
	lowerBound := c.currentLevelContractionLimit()
	numClusters := uint32(len(nodes))

	for _, u := range nodes {
		c.clusters[u] = u
		c.clusterWeight[u] = c.g.NodeWeight(u)
		c.opportunisticWeight[u].Store(int64(c.g.NodeWeight(u)))
		c.propositions[u] = u
	}

	c.permutation.SampleBucketsAndGroupBy(nodes, c.ctx.SharedMemory.StaticBalancingWorkPackages,
		utils.Hash64(c.ctx.Seed, uint64(c.pass)))
	perm := &c.permutation
	utils.ParallelForEach(int(perm.Size()), numWorkers, func(_, pos int) {
		c.posOfNode[perm.At(uint32(pos))] = uint32(pos)
	})

	numSubRounds := c.ctx.Coarsening.NumSubRoundsDeterministic
	for subRound := uint32(0); subRound < numSubRounds && numClusters > lowerBound; subRound++ {
		firstBucket, lastBucket := utils.ChunkBounds(subRound, uint32(utils.PermutationNumBuckets), c.numBucketsPerSubRound)
		first, last := perm.BucketBounds[firstBucket], perm.BucketBounds[lastBucket]

		// phase 1: every active singleton publishes its preferred cluster
		utils.ParallelChunks(int(last-first), numWorkers, 256, func(worker, lo, hi int) {
			for i := lo; i < hi; i++ {
				u := perm.At(first + uint32(i))
				c.calculatePreferredTargetCluster(u, worker)
			}
		})

		// a proposer that is itself proposed to withdraws and stays a root;
		// sequential in permutation order, so the outcome is deterministic
		for i := first; i < last; i++ {
			u := perm.At(i)
			target := c.propositions[u]
			if target != u && c.opportunisticWeight[u].Load() != int64(c.g.NodeWeight(u)) {
				c.propositions[u] = u
				c.opportunisticWeight[target].Add(-int64(c.g.NodeWeight(u)))
			}
		}

		// phase 2: rectify clusters that ran over the cap, commit the rest
		for w := range c.tooHeavyPerWorker {
			c.tooHeavyPerWorker[w] = c.tooHeavyPerWorker[w][:0]
		}
		var merged atomic.Int64
		utils.ParallelChunks(int(last-first), numWorkers, 256, func(worker, lo, hi int) {
			for i := lo; i < hi; i++ {
				u := perm.At(first + uint32(i))
				target := c.propositions[u]
				if target == u {
					continue
				}
				if graph.Weight(c.opportunisticWeight[target].Load()) > c.ctx.Coarsening.MaxAllowedNodeWeight {
					c.tooHeavyPerWorker[worker] = append(c.tooHeavyPerWorker[worker], u)
				} else {
					c.clusters[u] = target
					merged.Add(1)
				}
			}
		})
		// committed weights of untouched clusters equal their opportunistic
		// weights; too heavy ones are settled below
		utils.ParallelChunks(int(last-first), numWorkers, 256, func(_, lo, hi int) {
			for i := lo; i < hi; i++ {
				u := perm.At(first + uint32(i))
				target := c.propositions[u]
				if target != u && graph.Weight(c.opportunisticWeight[target].Load()) <= c.ctx.Coarsening.MaxAllowedNodeWeight {
					c.clusterWeight[target] = graph.Weight(c.opportunisticWeight[target].Load())
				}
			}
		})

		merged.Add(int64(c.approveVerticesInTooHeavyClusters()))
		numClusters -= uint32(merged.Load())
	}

	c.pass++
	c.g.ContractClustering(c.clusters)
}

// Rates the clusters adjacent to u and publishes a proposition for the best
// one that still has room. Only unmerged singletons propose, and a proposer
// that is proposed to withdraws before the commit, so cluster roots stay
// roots for the whole pass.
func (c *DeterministicMultilevelCoarsener) calculatePreferredTargetCluster(u graph.NodeID, worker int) {
	if c.clusters[u] != u || c.clusterWeight[u] != c.g.NodeWeight(u) {
		return
	}
	ratings := c.ratingMaps[worker]
	ratings.Clear()
	adj := c.g.Adj
	adj.IncidentEdges(u, func(e graph.EdgeID) bool {
		rec := adj.Edge(e)
		target := c.clusters[rec.Target]
		*ratings.Ref(target) += float64(rec.Weight)
		return true
	})
	if ratings.Size() == 0 {
		return
	}

	// heavy node penalty: prefer light clusters on equal connectivity
	wu := c.g.NodeWeight(u)
	best := float64(-1)
	var ties []graph.NodeID
	for _, target := range ratings.Keys() {
		if target == u {
			continue
		}
		// filter on the committed weight, which is stable for the whole
		// sub-round; overshoot of concurrent proposals is settled by the
		// deterministic rectification step
		if c.clusterWeight[target]+wu > c.ctx.Coarsening.MaxAllowedNodeWeight {
			continue
		}
		score := ratings.Get(target) / float64(wu*utils.Max(c.clusterWeight[target], 1))
		if score > best {
			best = score
			ties = ties[:0]
			ties = append(ties, target)
		} else if score == best {
			ties = append(ties, target)
		}
	}
	if len(ties) == 0 {
		return
	}

	target := ties[0]
	if len(ties) > 1 {
		// deterministic tie break seeded by the node itself
		slices.SortFunc(ties, func(a, b graph.NodeID) int {
			if c.posOfNode[a] < c.posOfNode[b] {
				return -1
			}
			return 1
		})
		target = ties[utils.Hash64(c.ctx.Seed^uint64(c.pass), uint64(u))%uint64(len(ties))]
	}
	c.propositions[u] = target
	c.opportunisticWeight[target].Add(int64(wu))
}

// Clusters whose opportunistic weight ran over the cap accept the maximal
// prefix of their proposers in permutation order; everyone else stays a
// singleton and withdraws its weight.
func (c *DeterministicMultilevelCoarsener) approveVerticesInTooHeavyClusters() int {
	var tooHeavy []graph.NodeID
	for _, w := range c.tooHeavyPerWorker {
		tooHeavy = append(tooHeavy, w...)
	}
	if len(tooHeavy) == 0 {
		return 0
	}
	slices.SortFunc(tooHeavy, func(a, b graph.NodeID) int {
		ta, tb := c.propositions[a], c.propositions[b]
		if ta != tb {
			if ta < tb {
				return -1
			}
			return 1
		}
		if c.posOfNode[a] < c.posOfNode[b] {
			return -1
		}
		return 1
	})

	approved := 0
	for i := 0; i < len(tooHeavy); {
		target := c.propositions[tooHeavy[i]]
		run := i
		weight := c.clusterWeight[target]
		for ; run < len(tooHeavy) && c.propositions[tooHeavy[run]] == target; run++ {
			u := tooHeavy[run]
			wu := c.g.NodeWeight(u)
			if weight+wu <= c.ctx.Coarsening.MaxAllowedNodeWeight {
				weight += wu
				c.clusters[u] = target
				approved++
			} else {
				c.propositions[u] = u
				c.opportunisticWeight[target].Add(-int64(wu))
			}
		}
		c.clusterWeight[target] = weight
		c.opportunisticWeight[target].Store(int64(weight))
		i = run
	}
	return approved
}
