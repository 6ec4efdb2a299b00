// Package allocation picks the best free parking space for an arriving
// vehicle by combining a learned suitability score with section load.
package allocation

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

// FeatureNames is the model's input contract, in order.
var FeatureNames = []string{"distance_to_entrance", "minutes_since_last_state_change", "vehicle_size"}

var ErrInvalidModel = errors.New("invalid allocation model")

// Stump is a depth-one regression tree: rows with x[Feature] <= Threshold
// take Left, the rest take Right.
type Stump struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      float64 `json:"left"`
	Right     float64 `json:"right"`
}

func (s Stump) value(row []float64) float64 {
	if row[s.Feature] <= s.Threshold {
		return s.Left
	}
	return s.Right
}

// Model is a gradient boosted ensemble of stumps trained on logistic loss.
type Model struct {
	Features     []string `json:"features"`
	BaseScore    float64  `json:"base_score"`
	LearningRate float64  `json:"learning_rate"`
	Stumps       []Stump  `json:"stumps"`
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// Validate checks the feature contract and that every stump is usable.
func (m *Model) Validate() error {
	if len(m.Features) != len(FeatureNames) {
		return fmt.Errorf("%w: want features %v, got %v", ErrInvalidModel, FeatureNames, m.Features)
	}
	for i, name := range FeatureNames {
		if m.Features[i] != name {
			return fmt.Errorf("%w: want features %v, got %v", ErrInvalidModel, FeatureNames, m.Features)
		}
	}
	if len(m.Stumps) == 0 {
		return fmt.Errorf("%w: empty ensemble", ErrInvalidModel)
	}
	if !finite(m.BaseScore) || !finite(m.LearningRate) {
		return fmt.Errorf("%w: non-finite parameters", ErrInvalidModel)
	}
	for i, s := range m.Stumps {
		if s.Feature < 0 || s.Feature >= len(m.Features) {
			return fmt.Errorf("%w: stump %d uses feature %d", ErrInvalidModel, i, s.Feature)
		}
		if !finite(s.Threshold) || !finite(s.Left) || !finite(s.Right) {
			return fmt.Errorf("%w: stump %d has non-finite values", ErrInvalidModel, i)
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// PredictProba returns the positive class probability for each row.
func (m *Model) PredictProba(rows [][]float64) ([]float64, error) {
	out := make([]float64, len(rows))
	for i, row := range rows {
		if len(row) != len(m.Features) {
			return nil, fmt.Errorf("row %d has %d features, want %d", i, len(row), len(m.Features))
		}
		score := m.BaseScore
		for _, s := range m.Stumps {
			score += m.LearningRate * s.value(row)
		}
		out[i] = sigmoid(score)
	}
	return out, nil
}

// Encode serializes the model as JSON.
func (m *Model) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeModel parses and validates a serialized model.
func DecodeModel(data []byte) (*Model, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty blob", ErrInvalidModel)
	}
	m := &Model{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Train fits rounds stumps to labels y in {0,1}.
func Train(x [][]float64, y []float64, rounds int, learningRate float64) (*Model, error) {
	if len(x) == 0 {
		return nil, errors.New("no training rows")
	}
	if len(x) != len(y) {
		return nil, fmt.Errorf("%d rows but %d labels", len(x), len(y))
	}
	nf := len(FeatureNames)
	for i, row := range x {
		if len(row) != nf {
			return nil, fmt.Errorf("row %d has %d features, want %d", i, len(row), nf)
		}
	}
	if rounds <= 0 {
		rounds = 50
	}
	if learningRate <= 0 {
		learningRate = 0.1
	}

	var pos float64
	for _, v := range y {
		pos += v
	}
	p := math.Min(math.Max(pos/float64(len(y)), 0.01), 0.99)

	m := &Model{
		Features:     append([]string(nil), FeatureNames...),
		BaseScore:    math.Log(p / (1 - p)),
		LearningRate: learningRate,
	}

	scores := make([]float64, len(x))
	for i := range scores {
		scores[i] = m.BaseScore
	}
	thresholds := make([][]float64, nf)
	for f := 0; f < nf; f++ {
		thresholds[f] = candidateThresholds(x, f)
	}

	grad := make([]float64, len(x))
	hess := make([]float64, len(x))
	for r := 0; r < rounds; r++ {
		for i := range x {
			pi := sigmoid(scores[i])
			grad[i] = y[i] - pi
			hess[i] = pi * (1 - pi)
		}

		s := bestStump(x, grad, hess, thresholds)
		m.Stumps = append(m.Stumps, s)
		for i, row := range x {
			scores[i] += learningRate * s.value(row)
		}
	}
	return m, nil
}

// candidateThresholds returns midpoints between consecutive distinct values of feature f.
func candidateThresholds(x [][]float64, f int) []float64 {
	vals := make([]float64, 0, len(x))
	for _, row := range x {
		vals = append(vals, row[f])
	}
	sort.Float64s(vals)
	var out []float64
	for i := 1; i < len(vals); i++ {
		if vals[i] != vals[i-1] {
			out = append(out, (vals[i]+vals[i-1])/2)
		}
	}
	return out
}

func newtonStep(g, h float64) float64 {
	const lambda = 1.0
	return g / (h + lambda)
}

// bestStump picks the split with the largest second order gain. Without any
// usable split it returns a constant stump.
func bestStump(x [][]float64, grad, hess []float64, thresholds [][]float64) Stump {
	var gTotal, hTotal float64
	for i := range grad {
		gTotal += grad[i]
		hTotal += hess[i]
	}
	const lambda = 1.0
	parent := gTotal * gTotal / (hTotal + lambda)

	best := Stump{Feature: 0, Threshold: 0, Left: newtonStep(gTotal, hTotal), Right: newtonStep(gTotal, hTotal)}
	if len(x) > 0 {
		best.Threshold = x[0][0]
	}
	bestGain := 0.0

	for f, ts := range thresholds {
		for _, t := range ts {
			var gl, hl float64
			for i, row := range x {
				if row[f] <= t {
					gl += grad[i]
					hl += hess[i]
				}
			}
			gr, hr := gTotal-gl, hTotal-hl
			gain := gl*gl/(hl+lambda) + gr*gr/(hr+lambda) - parent
			if gain > bestGain+1e-12 {
				bestGain = gain
				best = Stump{Feature: f, Threshold: t, Left: newtonStep(gl, hl), Right: newtonStep(gr, hr)}
			}
		}
	}
	return best
}
