package graph

import (
	"runtime"

	"github.com/pkg/errors"
)

// Frozen configuration record, passed by reference through the whole
// pipeline. Assembled once by the driver, never mutated afterwards.
type Context struct {
	Partition    PartitionParams
	Coarsening   CoarseningParams
	Refinement   RefinementParams
	SharedMemory SharedMemoryParams
	Seed         uint64
}

type PartitionParams struct {
	K                         PartID
	Objective                 Objective
	MaxPartWeights            []Weight
	PerfectBalancePartWeights []Weight
	Epsilon                   float64
}

type CoarseningParams struct {
	ContractionLimit        uint32
	MaximumShrinkFactor     float64
	NumSubRoundsDeterministic uint32
	MaxAllowedNodeWeight    Weight
}

type RefinementParams struct {
	LabelPropagation LabelPropagationParams
	Deterministic    DeterministicRefinementParams
	FM               FMParams
	Advanced         AdvancedParams
}

type LabelPropagationParams struct {
	MaximumIterations                uint32
	HyperedgeSizeActivationThreshold uint32
}

type DeterministicRefinementParams struct {
	UseActiveNodeSet             bool
	RecalculateGainsOnSecondApply bool
	NumSubRoundsSyncLP           uint32
}

type FMParams struct {
	NumSeedNodes       uint32
	PerformMovesGlobal bool
	AllowZeroGainMoves bool
}

type AdvancedParams struct {
	NumThreadsPerSearch           int
	MinRelativeImprovementPerRound float64
}

type SharedMemoryParams struct {
	NumThreads                  int
	StaticBalancingWorkPackages int
}

// Fills in derived and defaulted values and checks the explicit ones.
func (c *Context) Sanitize(totalNodeWeight Weight) error {
	if c.Partition.K < 2 {
		return errors.Errorf("invalid number of blocks k=%d", c.Partition.K)
	}
	k := int(c.Partition.K)
	if c.SharedMemory.NumThreads <= 0 {
		c.SharedMemory.NumThreads = runtime.NumCPU()
	}
	if c.SharedMemory.StaticBalancingWorkPackages == 0 {
		c.SharedMemory.StaticBalancingWorkPackages = 128
	}
	if len(c.Partition.PerfectBalancePartWeights) == 0 {
		per := Weight(float64(totalNodeWeight)/float64(k) + 0.5)
		c.Partition.PerfectBalancePartWeights = make([]Weight, k)
		for i := range c.Partition.PerfectBalancePartWeights {
			c.Partition.PerfectBalancePartWeights[i] = per
		}
	}
	if len(c.Partition.MaxPartWeights) == 0 {
		c.Partition.MaxPartWeights = make([]Weight, k)
		for i := range c.Partition.MaxPartWeights {
			c.Partition.MaxPartWeights[i] =
				Weight((1.0 + c.Partition.Epsilon) * float64(c.Partition.PerfectBalancePartWeights[i]))
		}
	}
	if len(c.Partition.MaxPartWeights) != k || len(c.Partition.PerfectBalancePartWeights) != k {
		return errors.Errorf("part weight vectors must have k=%d entries", k)
	}
	if c.Coarsening.ContractionLimit == 0 {
		c.Coarsening.ContractionLimit = 160 * uint32(k)
	}
	if c.Coarsening.MaximumShrinkFactor <= 1.0 {
		c.Coarsening.MaximumShrinkFactor = 2.5
	}
	if c.Coarsening.NumSubRoundsDeterministic == 0 {
		c.Coarsening.NumSubRoundsDeterministic = 16
	}
	if c.Coarsening.MaxAllowedNodeWeight == 0 {
		c.Coarsening.MaxAllowedNodeWeight = totalNodeWeight/Weight(c.Coarsening.ContractionLimit) + 1
	}
	if c.Refinement.LabelPropagation.MaximumIterations == 0 {
		c.Refinement.LabelPropagation.MaximumIterations = 5
	}
	if c.Refinement.LabelPropagation.HyperedgeSizeActivationThreshold == 0 {
		c.Refinement.LabelPropagation.HyperedgeSizeActivationThreshold = 100
	}
	if c.Refinement.Deterministic.NumSubRoundsSyncLP == 0 {
		c.Refinement.Deterministic.NumSubRoundsSyncLP = 2
	}
	if c.Refinement.FM.NumSeedNodes == 0 {
		c.Refinement.FM.NumSeedNodes = 25
	}
	if c.Refinement.Advanced.NumThreadsPerSearch == 0 {
		c.Refinement.Advanced.NumThreadsPerSearch = 1
	}
	if c.Refinement.Advanced.MinRelativeImprovementPerRound == 0 {
		c.Refinement.Advanced.MinRelativeImprovementPerRound = 0.001
	}
	return nil
}
