package refinement

import (
	"math"

	"github.com/uulm-janbaudisch/mt-kahypar/utils"
)

// Adaptive stopping rule for localized searches: give up after a streak of
// non-improving moves whose length scales with the logarithm of the graph
// size.
type StopRule struct {
	stepsWithoutImprovement int
	maxSteps                int
}

func NewStopRule(numNodes uint32) StopRule {
	logN := 0
	if numNodes > 1 {
		logN = int(math.Log2(float64(numNodes)))
	}
	return StopRule{maxSteps: utils.Max(25, 5*logN)}
}

func (s *StopRule) SearchShouldStop() bool {
	return s.stepsWithoutImprovement > s.maxSteps
}

func (s *StopRule) Update(gain int64) {
	if gain > 0 {
		s.stepsWithoutImprovement = 0
	} else {
		s.stepsWithoutImprovement++
	}
}

func (s *StopRule) Reset() {
	s.stepsWithoutImprovement = 0
}
