package main

import (
	"golang.org/x/exp/slices"

	"github.com/rs/zerolog/log"

	"github.com/uulm-janbaudisch/mt-kahypar/coarsening"
	"github.com/uulm-janbaudisch/mt-kahypar/graph"
	"github.com/uulm-janbaudisch/mt-kahypar/refinement"
	"github.com/uulm-janbaudisch/mt-kahypar/utils"
)

// Multilevel partitioning pipeline: coarsen, flat initial partition,
// refine while uncoarsening.
func Partition(g *graph.DynamicGraph, ctx *graph.Context) *graph.PartitionedGraph {
	coarsener := coarsening.NewDeterministicMultilevelCoarsener(g, ctx)
	coarsener.Coarsen()

	phg := graph.NewPartitionedGraph(g, ctx.Partition.K)
	initialPartition(g, phg, ctx)
	log.Info().Msg("initial quality " + utils.V(graph.Quality(phg, ctx.Partition.Objective)))

	lp := refinement.NewDeterministicLabelPropagation(ctx, phg.InitialNumNodes(), phg.InitialNumEdges())
	shared := refinement.NewFMSharedData(phg.InitialNumNodes(), ctx.SharedMemory.NumThreads)

	refine := func() {
		lp.Refine(phg)
		refinement.MultiTryKWayFM(ctx, phg, shared, 3)
	}
	refine()

	for g.NumLevels() > 0 {
		g.PopLevel(nil, nil, func(m graph.Memento) {
			phg.SetOnlyNodePart(m.V, phg.PartID(m.U))
		})
		refine()
	}
	return phg
}

// Greedy balanced assignment of the coarsest level: heaviest nodes first,
// each to the currently lightest block. Block capacities are not checked.
func initialPartition(g *graph.DynamicGraph, phg *graph.PartitionedGraph, ctx *graph.Context) {
	nodes := g.CurrentNodes()
	slices.SortFunc(nodes, func(a, b graph.NodeID) int {
		wa, wb := g.NodeWeight(a), g.NodeWeight(b)
		if wa != wb {
			if wa > wb {
				return -1
			}
			return 1
		}
		if a < b {
			return -1
		}
		return 1
	})
	for _, u := range nodes {
		best := graph.PartID(0)
		for p := graph.PartID(1); p < ctx.Partition.K; p++ {
			if phg.PartWeight(p) < phg.PartWeight(best) {
				best = p
			}
		}
		phg.SetNodePart(u, best)
	}
}
