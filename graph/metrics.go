package graph

// Quality metrics over any partitioned view. All of them treat unassigned
// pins as not contributing, so they are only meaningful on a fully assigned
// partition.

// Km1 is the connectivity objective: sum over edges of w(e) * (lambda(e)-1).
func Km1(phg Partitioned) Gain {
	var total Gain
	k := phg.K()
	phg.ForEachEdge(func(e EdgeID) bool {
		var lambda Gain
		for p := PartID(0); p < k; p++ {
			if phg.PinCountInPart(e, p) > 0 {
				lambda++
			}
		}
		if lambda > 1 {
			total += (lambda - 1) * Gain(phg.EdgeWeight(e))
		}
		return true
	})
	return total
}

// Cut is the total weight of edges spanning more than one block.
func Cut(phg Partitioned) Gain {
	var total Gain
	k := phg.K()
	phg.ForEachEdge(func(e EdgeID) bool {
		for p := PartID(0); p < k; p++ {
			c := phg.PinCountInPart(e, p)
			if c > 0 && c < phg.EdgeSize(e) {
				total += Gain(phg.EdgeWeight(e))
				break
			}
		}
		return true
	})
	return total
}

func Quality(phg Partitioned, objective Objective) Gain {
	if objective == ObjectiveCut {
		return Cut(phg)
	}
	return Km1(phg)
}

// Imbalance relative to the perfect balance weights: max_p w(p)/perfect(p) - 1.
func Imbalance(phg Partitioned, ctx *Context) float64 {
	worst := 0.0
	for p := PartID(0); p < phg.K(); p++ {
		ratio := float64(phg.PartWeight(p))/float64(ctx.Partition.PerfectBalancePartWeights[p]) - 1.0
		if ratio > worst {
			worst = ratio
		}
	}
	return worst
}

// HeaviestPartAndWeight gives the current maximum block.
func HeaviestPartAndWeight(phg Partitioned) (PartID, Weight) {
	heaviest := PartID(0)
	var weight Weight
	for p := PartID(0); p < phg.K(); p++ {
		if w := phg.PartWeight(p); w > weight {
			weight = w
			heaviest = p
		}
	}
	return heaviest, weight
}
