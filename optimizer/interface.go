package optimizer

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-rendermap/checkpoints"
	"github.com/tsawler/go-rendermap/layers"
)

// Optimizer defines the common interface for all optimizers.
// State save/restore lets training resume with identical moment estimates.
type Optimizer interface {
	// Step applies one update to every parameter using its current gradient.
	// params must be the same slice, in the same order, the optimizer was built with.
	Step(params []*layers.Parameter) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	// GetLearningRate returns the learning rate used by the next Step
	GetLearningRate() float32
}

// OptimizerState represents the complete state of an optimizer.
type OptimizerState = checkpoints.OptimizerState

// New creates an optimizer by name ("adam", "sgd" or "rmsprop") with default
// hyperparameters and the given learning rate.
func New(name string, lr float32, params []*layers.Parameter) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "", "adam":
		cfg := DefaultAdamConfig()
		cfg.LearningRate = lr
		return NewAdamOptimizer(cfg, params)
	case "sgd":
		cfg := DefaultSGDConfig()
		cfg.LearningRate = lr
		return NewSGDOptimizer(cfg, params)
	case "rmsprop":
		cfg := DefaultRMSPropConfig()
		cfg.LearningRate = lr
		return NewRMSPropOptimizer(cfg, params)
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1", "squared_grad_avg_0"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := strings.LastIndexByte(name, '_')
	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
