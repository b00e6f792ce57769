package refinement

import (
	"testing"

	"github.com/uulm-janbaudisch/mt-kahypar/graph"
	"github.com/uulm-janbaudisch/mt-kahypar/utils"
)

func fmContext(k graph.PartID, numThreads int) *graph.Context {
	ctx := &graph.Context{
		Partition: graph.PartitionParams{K: k, Epsilon: 0.25},
		Refinement: graph.RefinementParams{
			LabelPropagation: graph.LabelPropagationParams{MaximumIterations: 3},
			FM:               graph.FMParams{NumSeedNodes: 5},
		},
		SharedMemory: graph.SharedMemoryParams{NumThreads: numThreads},
		Seed:         42,
	}
	return ctx
}

func TestFMNeverWorsens(t *testing.T) {
	const n, m, k = 300, 600, 4
	hes := randomHypergraph(n, m, 5, 99)
	h := graph.NewPartitionedHypergraph(n, k, hes, nil, nil)
	seededPartition(h, k)

	ctx := fmContext(k, 4)
	if err := ctx.Sanitize(h.TotalWeight()); err != nil {
		t.Fatal(err)
	}
	before := graph.Km1(h)
	shared := NewFMSharedData(h.InitialNumNodes(), ctx.SharedMemory.NumThreads)
	improvement := MultiTryKWayFM(ctx, h, shared, 3)
	after := graph.Km1(h)

	if after > before {
		t.Fatalf("fm worsened km1: %d -> %d", before, after)
	}
	if improvement != before-after {
		t.Fatalf("reported improvement %d, but km1 went %d -> %d", improvement, before, after)
	}
}

func TestFMImprovesDumbbellGraph(t *testing.T) {
	// two cliques of five joined by a single bridge; the initial partition
	// splits the first clique down the middle
	var edges []utils.Pair[graph.NodeID, graph.NodeID]
	addClique := func(base graph.NodeID) {
		for i := graph.NodeID(0); i < 5; i++ {
			for j := i + 1; j < 5; j++ {
				edges = append(edges, utils.Pair[graph.NodeID, graph.NodeID]{First: base + i, Second: base + j})
			}
		}
	}
	addClique(0)
	addClique(5)
	edges = append(edges, utils.Pair[graph.NodeID, graph.NodeID]{First: 4, Second: 5})

	g := graph.NewDynamicGraph(10, edges, nil, nil, 2)
	phg := graph.NewPartitionedGraph(g, 2)
	for v := graph.NodeID(0); v < 10; v++ {
		// deliberately bad: 0,1 with the far clique
		if v < 2 || v >= 5 {
			phg.SetNodePart(v, 1)
		} else {
			phg.SetNodePart(v, 0)
		}
	}

	ctx := fmContext(2, 2)
	if err := ctx.Sanitize(phg.TotalWeight()); err != nil {
		t.Fatal(err)
	}
	before := graph.Quality(phg, graph.ObjectiveKm1)
	shared := NewFMSharedData(phg.InitialNumNodes(), ctx.SharedMemory.NumThreads)
	MultiTryKWayFM(ctx, phg, shared, 3)
	after := graph.Quality(phg, graph.ObjectiveKm1)

	if after >= before {
		t.Fatalf("fm failed to improve the dumbbell cut: %d -> %d", before, after)
	}
	if after != 1 {
		t.Fatalf("optimal cut is the bridge alone, got km1 %d", after)
	}
}

func TestLocalizedSearchRollsBackFruitlessMoves(t *testing.T) {
	// a 4-cycle split across the diagonal is already optimal for balanced
	// bipartition; a localized search must not commit anything
	edges := []utils.Pair[graph.NodeID, graph.NodeID]{
		{First: 0, Second: 1}, {First: 1, Second: 2},
		{First: 2, Second: 3}, {First: 3, Second: 0},
	}
	g := graph.NewDynamicGraph(4, edges, nil, nil, 1)
	phg := graph.NewPartitionedGraph(g, 2)
	phg.SetNodePart(0, 0)
	phg.SetNodePart(1, 0)
	phg.SetNodePart(2, 1)
	phg.SetNodePart(3, 1)

	ctx := fmContext(2, 1)
	ctx.Partition.Epsilon = 0.0
	if err := ctx.Sanitize(phg.TotalWeight()); err != nil {
		t.Fatal(err)
	}
	before := graph.Km1(phg)
	shared := NewFMSharedData(phg.InitialNumNodes(), 1)
	MultiTryKWayFM(ctx, phg, shared, 2)

	if got := graph.Km1(phg); got != before {
		t.Fatalf("search on an optimal partition changed km1: %d -> %d", before, got)
	}
	for p := graph.PartID(0); p < 2; p++ {
		if phg.PartWeight(p) != 2 {
			t.Fatalf("block %d weight %d, want 2", p, phg.PartWeight(p))
		}
	}
}

func TestNodeTrackerExclusiveAcquisition(t *testing.T) {
	nt := NewNodeTracker(8)
	s1, s2 := nt.NewSearch(), nt.NewSearch()

	if !nt.TryAcquireNode(3, s1) {
		t.Fatal("first acquisition must succeed")
	}
	if nt.TryAcquireNode(3, s2) {
		t.Fatal("second acquisition of an owned node must fail")
	}
	nt.ReleaseNode(3)
	if !nt.TryAcquireNode(3, s2) {
		t.Fatal("acquisition after release must succeed")
	}

	nt.DeactivateNode(3)
	if nt.TryAcquireNode(3, nt.NewSearch()) {
		t.Fatal("deactivated nodes stay unavailable for the round")
	}
	nt.NewRound()
	if !nt.TryAcquireNode(3, nt.NewSearch()) {
		t.Fatal("a new round frees deactivated nodes")
	}
}

func TestStopRule(t *testing.T) {
	sr := NewStopRule(1 << 20)
	if sr.SearchShouldStop() {
		t.Fatal("fresh rule must not stop")
	}
	for i := 0; i < 1000; i++ {
		sr.Update(0)
	}
	if !sr.SearchShouldStop() {
		t.Fatal("a long non-improving streak must stop the search")
	}
	sr.Update(1)
	if sr.SearchShouldStop() {
		t.Fatal("an improvement resets the streak")
	}
}

func TestDeltaOverlayStagesAndDiscards(t *testing.T) {
	h := graph.NewPartitionedHypergraph(4, 2, [][]graph.NodeID{{0, 1, 2}, {2, 3}}, nil, nil)
	h.SetNodePart(0, 0)
	h.SetNodePart(1, 0)
	h.SetNodePart(2, 1)
	h.SetNodePart(3, 1)

	d := NewDeltaPartition(h)
	if !d.ChangeNodePart(2, 1, 0, 100, nil) {
		t.Fatal("staged move must succeed")
	}
	if d.PartID(2) != 0 || h.PartID(2) != 1 {
		t.Fatal("override must not leak into the base")
	}
	if d.PinCountInPart(0, 0) != 3 || h.PinCountInPart(0, 0) != 2 {
		t.Fatal("pin count delta must stay in the overlay")
	}
	if d.PartWeight(0) != 3 || h.PartWeight(0) != 2 {
		t.Fatal("part weight delta must stay in the overlay")
	}

	d.Clear()
	if d.PartID(2) != 1 || d.PinCountInPart(0, 0) != 2 || d.PartWeight(0) != 2 {
		t.Fatal("clear must discard all staged changes")
	}
}
