package optimizer

import (
	"fmt"

	"github.com/tsawler/go-rendermap/checkpoints"
	"github.com/tsawler/go-rendermap/layers"
)

// SGDOptimizerState implements stochastic gradient descent with optional
// momentum and Nesterov acceleration.
type SGDOptimizerState struct {
	LearningRate float32
	Momentum     float32 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay  float32 // L2 regularization coefficient
	Nesterov     bool    // Whether to use Nesterov momentum

	MomentumBuffers buffers
	StepCount       uint64

	shapes [][]int
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.9,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates a new SGD optimizer for params
func NewSGDOptimizer(config SGDConfig, params []*layers.Parameter) (*SGDOptimizerState, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}
	if config.Nesterov && config.Momentum <= 0 {
		return nil, fmt.Errorf("nesterov momentum requires a positive momentum")
	}

	shapes := make([][]int, len(params))
	for i, p := range params {
		shapes[i] = append([]int(nil), p.Shape...)
	}

	return &SGDOptimizerState{
		LearningRate:    config.LearningRate,
		Momentum:        config.Momentum,
		WeightDecay:     config.WeightDecay,
		Nesterov:        config.Nesterov,
		MomentumBuffers: newBuffers(params),
		shapes:          shapes,
	}, nil
}

// Step performs a single SGD optimization step
func (sgd *SGDOptimizerState) Step(params []*layers.Parameter) error {
	if err := checkParams(params, sgd.MomentumBuffers); err != nil {
		return err
	}

	sgd.StepCount++
	lr, mu, wd := float64(sgd.LearningRate), float64(sgd.Momentum), float64(sgd.WeightDecay)
	first := sgd.StepCount == 1

	for pi, p := range params {
		buf := sgd.MomentumBuffers[pi]
		forEach(p, func(i int, w, g *float64) {
			d := *g
			if wd != 0 {
				d += wd * *w
			}
			if mu != 0 {
				if first {
					buf[i] = d
				} else {
					buf[i] = mu*buf[i] + d
				}
				if sgd.Nesterov {
					d += mu * buf[i]
				} else {
					d = buf[i]
				}
			}
			*w -= lr * d
		})
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0)

	// Extract momentum buffers if momentum is used
	if sgd.Momentum > 0 {
		for i, buf := range sgd.MomentumBuffers {
			stateData = append(stateData, extractBufferState(buf, sgd.shapes[i], fmt.Sprintf("momentum_%d", i), "momentum"))
		}
	}

	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]float64{
			"learning_rate": float64(sgd.LearningRate),
			"momentum":      float64(sgd.Momentum),
			"weight_decay":  float64(sgd.WeightDecay),
			"nesterov":      boolParam(sgd.Nesterov),
			"step_count":    float64(sgd.StepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}
	if err := restoreIndexed(state, "momentum", sgd.MomentumBuffers); err != nil {
		return err
	}

	sgd.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = extractFloat32Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)
	return nil
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float32) {
	sgd.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (sgd *SGDOptimizerState) GetLearningRate() float32 {
	return sgd.LearningRate
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}
