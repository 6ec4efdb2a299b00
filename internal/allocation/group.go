package allocation

import (
	"math"

	"parkwatch/internal/occupancy"
)

// AllocateGroup picks the free group whose member count best fits a vehicle
// of the given size, preferring groups near the entrance. It returns "" and 0
// when no group is free.
func AllocateGroup(records map[string]occupancy.Record, vehicleSize int) (string, float64) {
	groups := make([]occupancy.Record, 0)
	for _, rec := range records {
		if rec.IsGroup && !rec.Occupied && rec.Members > 0 {
			groups = append(groups, rec)
		}
	}
	if len(groups) == 0 || vehicleSize <= 0 {
		return "", 0
	}
	occupancy.SortRecords(groups)

	bestID, bestScore := "", math.Inf(-1)
	for _, g := range groups {
		m, s := float64(g.Members), float64(vehicleSize)
		sizeMatch := 1 - math.Abs(m-s)/math.Max(m, s)
		distScore := 1 / (1 + float64(g.Distance)/1000)
		score := 0.7*sizeMatch + 0.3*distScore
		if score > bestScore {
			bestID, bestScore = g.SpaceID, score
		}
	}
	return bestID, bestScore
}
