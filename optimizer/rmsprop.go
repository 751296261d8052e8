package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-rendermap/checkpoints"
	"github.com/tsawler/go-rendermap/layers"
)

// RMSPropOptimizerState implements RMSProp with optional momentum and centering.
type RMSPropOptimizerState struct {
	LearningRate float32
	Alpha        float32 // Smoothing constant (typically 0.99)
	Epsilon      float32 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float32 // L2 regularization coefficient
	Momentum     float32 // Momentum coefficient (0.0 for no momentum)
	Centered     bool    // Whether to use centered RMSProp (subtract mean of gradients)

	SquaredGradAvgBuffers buffers
	MomentumBuffers       buffers
	GradientAvgBuffers    buffers // only used when Centered

	StepCount uint64

	shapes [][]int
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float32
	Alpha        float32
	Epsilon      float32
	WeightDecay  float32
	Momentum     float32
	Centered     bool
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
		Momentum:     0.0,
		Centered:     false,
	}
}

// NewRMSPropOptimizer creates a new RMSProp optimizer for params
func NewRMSPropOptimizer(config RMSPropConfig, params []*layers.Parameter) (*RMSPropOptimizerState, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}
	if config.Alpha <= 0 || config.Alpha >= 1 {
		return nil, fmt.Errorf("alpha must be in (0, 1), got %f", config.Alpha)
	}

	shapes := make([][]int, len(params))
	for i, p := range params {
		shapes[i] = append([]int(nil), p.Shape...)
	}

	return &RMSPropOptimizerState{
		LearningRate:          config.LearningRate,
		Alpha:                 config.Alpha,
		Epsilon:               config.Epsilon,
		WeightDecay:           config.WeightDecay,
		Momentum:              config.Momentum,
		Centered:              config.Centered,
		SquaredGradAvgBuffers: newBuffers(params),
		MomentumBuffers:       newBuffers(params),
		GradientAvgBuffers:    newBuffers(params),
		shapes:                shapes,
	}, nil
}

// Step performs a single RMSProp optimization step
func (rms *RMSPropOptimizerState) Step(params []*layers.Parameter) error {
	if err := checkParams(params, rms.SquaredGradAvgBuffers); err != nil {
		return err
	}

	rms.StepCount++
	lr, alpha := float64(rms.LearningRate), float64(rms.Alpha)
	eps, wd, mu := float64(rms.Epsilon), float64(rms.WeightDecay), float64(rms.Momentum)

	for pi, p := range params {
		sq, mom, avg := rms.SquaredGradAvgBuffers[pi], rms.MomentumBuffers[pi], rms.GradientAvgBuffers[pi]
		forEach(p, func(i int, w, g *float64) {
			grad := *g
			if wd != 0 {
				grad += wd * *w
			}
			sq[i] = alpha*sq[i] + (1-alpha)*grad*grad
			denom := sq[i]
			if rms.Centered {
				avg[i] = alpha*avg[i] + (1-alpha)*grad
				denom -= avg[i] * avg[i]
			}
			denom = math.Sqrt(math.Max(denom, 0)) + eps
			if mu > 0 {
				mom[i] = mu*mom[i] + grad/denom
				*w -= lr * mom[i]
			} else {
				*w -= lr * grad / denom
			}
		})
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (rms *RMSPropOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0)
	for i := range rms.SquaredGradAvgBuffers {
		stateData = append(stateData, extractBufferState(rms.SquaredGradAvgBuffers[i], rms.shapes[i],
			fmt.Sprintf("squared_grad_avg_%d", i), "squared_grad_avg"))
		if rms.Momentum > 0 {
			stateData = append(stateData, extractBufferState(rms.MomentumBuffers[i], rms.shapes[i],
				fmt.Sprintf("momentum_%d", i), "momentum"))
		}
		if rms.Centered {
			stateData = append(stateData, extractBufferState(rms.GradientAvgBuffers[i], rms.shapes[i],
				fmt.Sprintf("gradient_avg_%d", i), "gradient_avg"))
		}
	}

	return &OptimizerState{
		Type: "RMSProp",
		Parameters: map[string]float64{
			"learning_rate": float64(rms.LearningRate),
			"alpha":         float64(rms.Alpha),
			"epsilon":       float64(rms.Epsilon),
			"weight_decay":  float64(rms.WeightDecay),
			"momentum":      float64(rms.Momentum),
			"centered":      boolParam(rms.Centered),
			"step_count":    float64(rms.StepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (rms *RMSPropOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("RMSProp", state); err != nil {
		return err
	}
	for stateType, target := range map[string]buffers{
		"squared_grad_avg": rms.SquaredGradAvgBuffers,
		"momentum":         rms.MomentumBuffers,
		"gradient_avg":     rms.GradientAvgBuffers,
	} {
		if err := restoreIndexed(state, stateType, target); err != nil {
			return err
		}
	}

	rms.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", rms.LearningRate)
	rms.Alpha = extractFloat32Param(state.Parameters, "alpha", rms.Alpha)
	rms.Epsilon = extractFloat32Param(state.Parameters, "epsilon", rms.Epsilon)
	rms.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", rms.WeightDecay)
	rms.Momentum = extractFloat32Param(state.Parameters, "momentum", rms.Momentum)
	rms.Centered = extractBoolParam(state.Parameters, "centered", rms.Centered)
	rms.StepCount = extractUint64Param(state.Parameters, "step_count", rms.StepCount)
	return nil
}

// UpdateLearningRate updates the learning rate
func (rms *RMSPropOptimizerState) UpdateLearningRate(newLR float32) {
	rms.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (rms *RMSPropOptimizerState) GetLearningRate() float32 {
	return rms.LearningRate
}

// GetStepCount returns the current step count
func (rms *RMSPropOptimizerState) GetStepCount() uint64 {
	return rms.StepCount
}
