package graph

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"github.com/uulm-janbaudisch/mt-kahypar/utils"
)

// ComputeGraphStats logs degree distribution figures of the current level.
func (g *DynamicGraph) ComputeGraphStats() {
	degrees := []float64{}
	numEdges := uint64(0)
	numIsolated := 0
	for u := NodeID(0); u < g.InitialNumNodes(); u++ {
		if !g.IsHead(u) {
			continue
		}
		d := g.NodeDegree(u)
		if d == 0 {
			numIsolated++
		}
		numEdges += uint64(d)
		degrees = append(degrees, float64(d))
	}
	mean, std := stat.MeanStdDev(degrees, nil)

	log.Info().Msg("----GraphStats----")
	log.Info().Msg("Nodes " + utils.V(len(degrees)) + " Isolated " + utils.V(numIsolated))
	log.Info().Msg("Edges " + utils.V(numEdges/2))
	log.Info().Msg("Degree mean " + utils.F("%.2f", mean) + " std " + utils.F("%.2f", std))
	log.Info().Msg("----EndStats----")
}

// LogPartitionStats reports block weight spread and quality of a partition.
func LogPartitionStats(phg Partitioned, ctx *Context) {
	weights := make([]float64, phg.K())
	for p := PartID(0); p < phg.K(); p++ {
		weights[p] = float64(phg.PartWeight(p))
	}
	mean, std := stat.MeanStdDev(weights, nil)
	log.Info().Msg("Quality(" + ctx.Partition.Objective.String() + ") " +
		utils.V(Quality(phg, ctx.Partition.Objective)) +
		" Imbalance " + utils.F("%.4f", Imbalance(phg, ctx)))
	log.Info().Msg("BlockWeights mean " + utils.F("%.1f", mean) + " std " + utils.F("%.1f", std))
}
