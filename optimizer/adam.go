package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-rendermap/checkpoints"
	"github.com/tsawler/go-rendermap/layers"
)

// AdamOptimizerState implements Adam with bias-corrected moment estimates.
type AdamOptimizerState struct {
	// Hyperparameters
	LearningRate float32
	Beta1        float32 // Momentum decay (typically 0.9)
	Beta2        float32 // Variance decay (typically 0.999)
	Epsilon      float32 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float32 // L2 regularization coefficient

	// Per-parameter state
	MomentumBuffers buffers // First moment for each weight tensor
	VarianceBuffers buffers // Second moment for each weight tensor

	// Step tracking for bias correction
	StepCount uint64

	shapes [][]int
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates a new Adam optimizer for params
func NewAdamOptimizer(config AdamConfig, params []*layers.Parameter) (*AdamOptimizerState, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}

	shapes := make([][]int, len(params))
	for i, p := range params {
		shapes[i] = append([]int(nil), p.Shape...)
	}

	return &AdamOptimizerState{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: newBuffers(params),
		VarianceBuffers: newBuffers(params),
		shapes:          shapes,
	}, nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step(params []*layers.Parameter) error {
	if err := checkParams(params, adam.MomentumBuffers); err != nil {
		return err
	}

	adam.StepCount++
	lr := float64(adam.LearningRate)
	b1, b2 := float64(adam.Beta1), float64(adam.Beta2)
	eps, wd := float64(adam.Epsilon), float64(adam.WeightDecay)
	bc1 := 1 - math.Pow(b1, float64(adam.StepCount))
	bc2 := 1 - math.Pow(b2, float64(adam.StepCount))

	for pi, p := range params {
		m, v := adam.MomentumBuffers[pi], adam.VarianceBuffers[pi]
		forEach(p, func(i int, w, g *float64) {
			grad := *g
			if wd != 0 {
				grad += wd * *w
			}
			m[i] = b1*m[i] + (1-b1)*grad
			v[i] = b2*v[i] + (1-b2)*grad*grad
			*w -= lr * (m[i] / bc1) / (math.Sqrt(v[i]/bc2) + eps)
		})
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(adam.MomentumBuffers))
	for i := range adam.MomentumBuffers {
		stateData = append(stateData,
			extractBufferState(adam.MomentumBuffers[i], adam.shapes[i], fmt.Sprintf("momentum_%d", i), "momentum"),
			extractBufferState(adam.VarianceBuffers[i], adam.shapes[i], fmt.Sprintf("variance_%d", i), "variance"),
		)
	}

	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]float64{
			"learning_rate": float64(adam.LearningRate),
			"beta1":         float64(adam.Beta1),
			"beta2":         float64(adam.Beta2),
			"epsilon":       float64(adam.Epsilon),
			"weight_decay":  float64(adam.WeightDecay),
			"step_count":    float64(adam.StepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	if err := restoreIndexed(state, "momentum", adam.MomentumBuffers); err != nil {
		return err
	}
	if err := restoreIndexed(state, "variance", adam.VarianceBuffers); err != nil {
		return err
	}

	adam.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)
	return nil
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float32) {
	adam.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (adam *AdamOptimizerState) GetLearningRate() float32 {
	return adam.LearningRate
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetStats returns optimizer statistics
func (adam *AdamOptimizerState) GetStats() AdamStats {
	total := 0
	for _, b := range adam.MomentumBuffers {
		total += 2 * len(b)
	}
	return AdamStats{
		StepCount:     adam.StepCount,
		LearningRate:  adam.LearningRate,
		Beta1:         adam.Beta1,
		Beta2:         adam.Beta2,
		Epsilon:       adam.Epsilon,
		WeightDecay:   adam.WeightDecay,
		NumParameters: len(adam.MomentumBuffers),
		StateElements: total,
	}
}

// AdamStats provides statistics about the Adam optimizer
type AdamStats struct {
	StepCount     uint64
	LearningRate  float32
	Beta1         float32
	Beta2         float32
	Epsilon       float32
	WeightDecay   float32
	NumParameters int
	StateElements int
}
