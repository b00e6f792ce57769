package coarsening

import (
	"math/rand"
	"testing"

	"golang.org/x/exp/slices"

	"github.com/uulm-janbaudisch/mt-kahypar/graph"
	"github.com/uulm-janbaudisch/mt-kahypar/utils"
)

func randomGraph(n int, m int, seed int64) []utils.Pair[graph.NodeID, graph.NodeID] {
	rng := rand.New(rand.NewSource(seed))
	seen := map[[2]graph.NodeID]bool{}
	var pairs []utils.Pair[graph.NodeID, graph.NodeID]
	// a ring keeps the graph connected, the rest is random
	for i := 0; i < n; i++ {
		u, v := graph.NodeID(i), graph.NodeID((i+1)%n)
		if u > v {
			u, v = v, u
		}
		seen[[2]graph.NodeID{u, v}] = true
		pairs = append(pairs, utils.Pair[graph.NodeID, graph.NodeID]{First: u, Second: v})
	}
	for len(pairs) < m {
		u, v := graph.NodeID(rng.Intn(n)), graph.NodeID(rng.Intn(n))
		if u == v {
			continue
		}
		if u > v {
			u, v = v, u
		}
		if seen[[2]graph.NodeID{u, v}] {
			continue
		}
		seen[[2]graph.NodeID{u, v}] = true
		pairs = append(pairs, utils.Pair[graph.NodeID, graph.NodeID]{First: u, Second: v})
	}
	return pairs
}

func coarsenContext(numThreads int) *graph.Context {
	ctx := &graph.Context{
		Partition: graph.PartitionParams{K: 2, Epsilon: 0.03},
		Coarsening: graph.CoarseningParams{
			ContractionLimit:          40,
			NumSubRoundsDeterministic: 8,
		},
		SharedMemory: graph.SharedMemoryParams{NumThreads: numThreads},
		Seed:         42,
	}
	return ctx
}

func coarsenedFingerprint(t *testing.T, numThreads int) ([]graph.NodeID, []graph.Weight, graph.Weight) {
	t.Helper()
	pairs := randomGraph(600, 2400, 11)
	g := graph.NewDynamicGraph(600, pairs, nil, nil, numThreads)
	ctx := coarsenContext(numThreads)
	if err := ctx.Sanitize(g.TotalWeight()); err != nil {
		t.Fatal(err)
	}
	c := NewDeterministicMultilevelCoarsener(g, ctx)
	c.Coarsen()

	nodes := g.CurrentNodes()
	weights := make([]graph.Weight, len(nodes))
	for i, u := range nodes {
		weights[i] = g.NodeWeight(u)
	}
	return nodes, weights, g.Adj.TotalActiveWeight()
}

func TestCoarseningDeterministicAcrossThreadCounts(t *testing.T) {
	nodes1, weights1, active1 := coarsenedFingerprint(t, 1)
	nodes8, weights8, active8 := coarsenedFingerprint(t, 8)

	if !slices.Equal(nodes1, nodes8) {
		t.Fatal("coarse node sets differ between thread counts")
	}
	if !slices.Equal(weights1, weights8) {
		t.Fatal("coarse node weights differ between thread counts")
	}
	if active1 != active8 {
		t.Fatalf("coarse edge weights differ: %d vs %d", active1, active8)
	}
}

func TestCoarseningReachesContractionLimit(t *testing.T) {
	pairs := randomGraph(600, 2400, 5)
	g := graph.NewDynamicGraph(600, pairs, nil, nil, 2)
	ctx := coarsenContext(2)
	if err := ctx.Sanitize(g.TotalWeight()); err != nil {
		t.Fatal(err)
	}
	c := NewDeterministicMultilevelCoarsener(g, ctx)
	c.Coarsen()

	if g.CurrentNumNodes() > 600 {
		t.Fatal("coarsening must never grow the graph")
	}
	if g.NumLevels() == 0 {
		t.Fatal("coarsening should produce at least one level")
	}
	// weight conservation: cluster weights sum to the original total
	var sum graph.Weight
	for _, u := range g.CurrentNodes() {
		sum += g.NodeWeight(u)
	}
	if sum != g.TotalWeight() {
		t.Fatalf("cluster weights sum to %d, want %d", sum, g.TotalWeight())
	}
}

func TestCoarseningRespectsMaxClusterWeight(t *testing.T) {
	pairs := randomGraph(400, 1200, 3)
	g := graph.NewDynamicGraph(400, pairs, nil, nil, 4)
	ctx := coarsenContext(4)
	ctx.Coarsening.MaxAllowedNodeWeight = 5
	if err := ctx.Sanitize(g.TotalWeight()); err != nil {
		t.Fatal(err)
	}
	c := NewDeterministicMultilevelCoarsener(g, ctx)
	c.Coarsen()

	for _, u := range g.CurrentNodes() {
		if g.NodeWeight(u) > 5 {
			t.Fatalf("cluster %d has weight %d beyond the cap", u, g.NodeWeight(u))
		}
	}
}

func TestUncoarseningRestoresOriginalGraph(t *testing.T) {
	pairs := randomGraph(300, 900, 9)
	g := graph.NewDynamicGraph(300, pairs, nil, nil, 2)
	totalBefore := g.Adj.TotalActiveWeight()
	ctx := coarsenContext(2)
	if err := ctx.Sanitize(g.TotalWeight()); err != nil {
		t.Fatal(err)
	}
	NewDeterministicMultilevelCoarsener(g, ctx).Coarsen()

	for g.NumLevels() > 0 {
		g.PopLevel(nil, nil, nil)
	}
	if g.CurrentNumNodes() != 300 {
		t.Fatalf("uncoarsening restored %d nodes, want 300", g.CurrentNumNodes())
	}
	if got := g.Adj.TotalActiveWeight(); got != totalBefore {
		t.Fatalf("uncoarsening restored active weight %d, want %d", got, totalBefore)
	}
	for _, u := range g.CurrentNodes() {
		if g.NodeWeight(u) != 1 {
			t.Fatalf("node %d weight %d after full uncoarsening, want 1", u, g.NodeWeight(u))
		}
	}
	if !g.Adj.VerifyTwins() {
		t.Fatal("twin symmetry violated after uncoarsening")
	}
}
