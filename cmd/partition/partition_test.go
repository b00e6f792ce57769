package main

import (
	"math/rand"
	"testing"

	"github.com/uulm-janbaudisch/mt-kahypar/graph"
	"github.com/uulm-janbaudisch/mt-kahypar/utils"
)

func testContext(k graph.PartID, threads int) *graph.Context {
	return &graph.Context{
		Partition: graph.PartitionParams{K: k, Epsilon: 0.1},
		Coarsening: graph.CoarseningParams{
			ContractionLimit:          60,
			NumSubRoundsDeterministic: 8,
		},
		Refinement: graph.RefinementParams{
			LabelPropagation: graph.LabelPropagationParams{MaximumIterations: 3},
			Deterministic: graph.DeterministicRefinementParams{
				UseActiveNodeSet:   true,
				NumSubRoundsSyncLP: 2,
			},
			FM: graph.FMParams{NumSeedNodes: 10},
		},
		SharedMemory: graph.SharedMemoryParams{NumThreads: threads},
		Seed:         42,
	}
}

func ringWithChords(n int, seed int64) []utils.Pair[graph.NodeID, graph.NodeID] {
	rng := rand.New(rand.NewSource(seed))
	seen := map[[2]graph.NodeID]bool{}
	var pairs []utils.Pair[graph.NodeID, graph.NodeID]
	add := func(u, v graph.NodeID) {
		if u == v {
			return
		}
		if u > v {
			u, v = v, u
		}
		if seen[[2]graph.NodeID{u, v}] {
			return
		}
		seen[[2]graph.NodeID{u, v}] = true
		pairs = append(pairs, utils.Pair[graph.NodeID, graph.NodeID]{First: u, Second: v})
	}
	for i := 0; i < n; i++ {
		add(graph.NodeID(i), graph.NodeID((i+1)%n))
	}
	for i := 0; i < 3*n; i++ {
		add(graph.NodeID(rng.Intn(n)), graph.NodeID(rng.Intn(n)))
	}
	return pairs
}

func TestMultilevelPipeline(t *testing.T) {
	const n = 500
	pairs := ringWithChords(n, 17)
	g := graph.NewDynamicGraph(n, pairs, nil, nil, 4)
	ctx := testContext(4, 4)
	if err := ctx.Sanitize(g.TotalWeight()); err != nil {
		t.Fatal(err)
	}

	phg := Partition(g, ctx)

	// fully uncoarsened with every node assigned
	if g.NumLevels() != 0 {
		t.Fatal("pipeline must pop every level")
	}
	var assignedWeight graph.Weight
	for v := graph.NodeID(0); v < n; v++ {
		p := phg.PartID(v)
		if p == graph.InvalidPart || p >= 4 {
			t.Fatalf("node %d has invalid block %d", v, p)
		}
		assignedWeight++
	}
	if assignedWeight != g.TotalWeight() {
		t.Fatal("every node must be assigned")
	}

	var partWeightSum graph.Weight
	for p := graph.PartID(0); p < 4; p++ {
		w := phg.PartWeight(p)
		partWeightSum += w
		if w > ctx.Partition.MaxPartWeights[p] {
			t.Fatalf("block %d overloaded: %d > %d", p, w, ctx.Partition.MaxPartWeights[p])
		}
	}
	if partWeightSum != g.TotalWeight() {
		t.Fatalf("block weights sum to %d, want %d", partWeightSum, g.TotalWeight())
	}

	// a sane partition of a sparse graph does not cut every edge
	if cut := graph.Cut(phg); cut >= graph.Gain(len(pairs)) {
		t.Fatalf("cut %d is not smaller than the edge count %d", cut, len(pairs))
	}
}
