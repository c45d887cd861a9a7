package decision

import (
	"github.com/arterial/traffic-grid-controller/api/grid"
	"github.com/arterial/traffic-grid-controller/internal/perception"
)

// The policy contract is pinned to a 9-junction grid: observations are
// always 63 features. Larger grids truncate after sorting by junction id,
// smaller grids zero-pad.
const (
	ObservationJunctions = 9
	FeaturesPerJunction  = 7
	ObservationSize      = ObservationJunctions * FeaturesPerJunction
)

// EncodeObservation flattens a perceived state into the fixed-length
// feature vector the learned policy consumes. Per junction, in sorted-id
// order: the four directional densities (÷100), the average wait (÷100),
// the current green's direction index (÷3), and the mean density (÷50),
// each clamped to [0,1].
func EncodeObservation(state perception.State) []float64 {
	observation := make([]float64, ObservationSize)
	ids := state.SortedJunctionIDs()
	for i, junctionID := range ids {
		if i >= ObservationJunctions {
			break
		}
		base := i * FeaturesPerJunction

		var densitySum float64
		junctionDensity, haveDensity := state.JunctionDensities[junctionID]
		for d, direction := range grid.Directions() {
			score := 0.0
			if haveDensity {
				score = junctionDensity.DirectionalDensity[direction]
			}
			observation[base+d] = clamp01(score / 100.0)
			densitySum += score
		}

		observation[base+4] = clamp01(state.AvgWaitSeconds[junctionID] / 100.0)
		observation[base+5] = signalIndexFeature(state.SignalStates[junctionID])
		observation[base+6] = clamp01(densitySum / 4.0 / 50.0)
	}
	return observation
}

// signalIndexFeature encodes the current GREEN head as index/3 with
// N=0, E=1, S=2, W=3. A junction with no green encodes as 0.
func signalIndexFeature(signals map[grid.Direction]grid.SignalState) float64 {
	for _, direction := range grid.Directions() {
		if signals[direction] != grid.SignalGreen {
			continue
		}
		index, err := direction.Index()
		if err != nil {
			return 0
		}
		return float64(index) / 3.0
	}
	return 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
