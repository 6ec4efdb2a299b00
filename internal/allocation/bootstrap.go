package allocation

// Seed samples used for the bootstrap model and mixed into every retrain.
var (
	seedDistance = []float64{10, 20, 50, 30, 40, 60, 70, 25, 35, 45}
	seedMinutes  = []float64{60, 30, 15, 120, 45, 90, 10, 50, 75, 110}
	seedSize     = []float64{1, 2, 3, 1, 2, 3, 1, 2, 2, 1}
	seedLabel    = []float64{1, 1, 0, 1, 0, 1, 0, 1, 0, 1}
)

func seedDataset() ([][]float64, []float64) {
	x := make([][]float64, len(seedLabel))
	for i := range x {
		x[i] = []float64{seedDistance[i], seedMinutes[i], seedSize[i]}
	}
	return x, append([]float64(nil), seedLabel...)
}
