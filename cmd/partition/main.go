package main

import (
	"bufio"
	"flag"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/uulm-janbaudisch/mt-kahypar/enforce"
	"github.com/uulm-janbaudisch/mt-kahypar/graph"
	"github.com/uulm-janbaudisch/mt-kahypar/utils"
)

func main() {
	graphPtr := flag.String("g", "", "Graph file: one 'src dst [weight]' pair per line.")
	kPtr := flag.Int("k", 2, "Number of blocks.")
	epsilonPtr := flag.Float64("e", 0.03, "Allowed imbalance.")
	seedPtr := flag.Uint64("seed", 42, "Random seed.")
	threadPtr := flag.Int("t", runtime.NumCPU(), "Thread count.")
	objectivePtr := flag.String("o", "km1", "Objective: km1 or cut.")
	lpIterPtr := flag.Int("lp-i", 5, "Maximum label propagation iterations.")
	subRoundsPtr := flag.Int("sr", 16, "Sub-rounds of the deterministic coarsener.")
	lpSubRoundsPtr := flag.Int("lp-sr", 2, "Sub-rounds of synchronous label propagation.")
	seedNodesPtr := flag.Int("fm-seeds", 25, "Seed nodes per localized FM search.")
	recalcPtr := flag.Bool("recalc", false, "Recalculate gains on the second LP apply step.")
	activeSetPtr := flag.Bool("active", true, "Restrict LP iterations to the active node set.")
	debugPtr := flag.Int("debug", 0, "Log verbosity: 0 info, 1 debug, 2 trace.")
	colourPtr := flag.Bool("nc", false, "Removes the colouring from the log output.")
	flag.Parse()

	if *colourPtr {
		utils.SetLoggerConsole(true)
	}
	utils.SetLevel(*debugPtr)

	if *graphPtr == "" {
		flag.Usage()
		os.Exit(1)
	}

	objective := graph.ObjectiveKm1
	if *objectivePtr == "cut" {
		objective = graph.ObjectiveCut
	}

	numNodes, pairs, weights := readEdgeList(*graphPtr)
	log.Info().Msg("loaded " + utils.V(numNodes) + " nodes, " + utils.V(len(pairs)) + " edges")

	g := graph.NewDynamicGraph(numNodes, pairs, weights, nil, *threadPtr)
	g.ComputeGraphStats()

	ctx := &graph.Context{
		Partition: graph.PartitionParams{
			K:         graph.PartID(*kPtr),
			Objective: objective,
			Epsilon:   *epsilonPtr,
		},
		Coarsening: graph.CoarseningParams{
			NumSubRoundsDeterministic: uint32(*subRoundsPtr),
		},
		Refinement: graph.RefinementParams{
			LabelPropagation: graph.LabelPropagationParams{
				MaximumIterations: uint32(*lpIterPtr),
			},
			Deterministic: graph.DeterministicRefinementParams{
				UseActiveNodeSet:              *activeSetPtr,
				RecalculateGainsOnSecondApply: *recalcPtr,
				NumSubRoundsSyncLP:            uint32(*lpSubRoundsPtr),
			},
			FM: graph.FMParams{
				NumSeedNodes: uint32(*seedNodesPtr),
			},
		},
		SharedMemory: graph.SharedMemoryParams{NumThreads: *threadPtr},
		Seed:         *seedPtr,
	}
	enforce.ENFORCE(ctx.Sanitize(g.TotalWeight()))

	watch := utils.NewStopwatch()
	phg := Partition(g, ctx)
	log.Info().Msg("partitioning took " + watch.Elapsed().String())

	graph.LogPartitionStats(phg, ctx)
}

func readEdgeList(path string) (graph.NodeID, []utils.Pair[graph.NodeID, graph.NodeID], []graph.Weight) {
	file, err := os.Open(path)
	enforce.ENFORCE(err, "could not open graph file")
	defer file.Close()

	var pairs []utils.Pair[graph.NodeID, graph.NodeID]
	var weights []graph.Weight
	weighted := false
	maxNode := graph.NodeID(0)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "%") {
			continue
		}
		fields := strings.Fields(line)
		enforce.ENFORCE(len(fields) >= 2, "malformed line: ", line)
		src, err := strconv.ParseUint(fields[0], 10, 32)
		enforce.ENFORCE(err)
		dst, err := strconv.ParseUint(fields[1], 10, 32)
		enforce.ENFORCE(err)
		if src == dst {
			continue
		}
		pairs = append(pairs, utils.Pair[graph.NodeID, graph.NodeID]{First: graph.NodeID(src), Second: graph.NodeID(dst)})
		w := graph.Weight(1)
		if len(fields) >= 3 {
			parsed, err := strconv.ParseInt(fields[2], 10, 64)
			enforce.ENFORCE(err)
			w = graph.Weight(parsed)
			weighted = true
		}
		weights = append(weights, w)
		maxNode = utils.Max(maxNode, utils.Max(graph.NodeID(src), graph.NodeID(dst)))
	}
	enforce.ENFORCE(scanner.Err())

	if !weighted {
		weights = nil
	}
	return maxNode + 1, pairs, weights
}
