package optimizer

import (
	"fmt"

	"github.com/tsawler/go-rendermap/checkpoints"
	"github.com/tsawler/go-rendermap/layers"
)

// Common helper functions for optimizer state management

// buffers holds one float64 slice per parameter, row-major like the parameter.
type buffers [][]float64

func newBuffers(params []*layers.Parameter) buffers {
	b := make(buffers, len(params))
	for i, p := range params {
		b[i] = make([]float64, p.Len())
	}
	return b
}

// extractBufferState copies one buffer out as a checkpoint tensor.
func extractBufferState(buf []float64, shape []int, name string, stateType string) checkpoints.OptimizerTensor {
	data := make([]float32, len(buf))
	for i, v := range buf {
		data[i] = float32(v)
	}
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), shape...),
		Data:      data,
		StateType: stateType,
	}
}

// restoreBufferState copies checkpoint tensor data back into buf.
func restoreBufferState(buf []float64, data []float32, name string) error {
	if len(data) != len(buf) {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			name, len(buf), len(data))
	}
	for i, v := range data {
		buf[i] = float64(v)
	}
	return nil
}

// restoreIndexed routes each tensor of stateType to target[index] using the
// numeric suffix of its name.
func restoreIndexed(state *OptimizerState, stateType string, target buffers) error {
	for _, tensor := range state.StateData {
		if tensor.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(tensor.Name)
		if idx < 0 || idx >= len(target) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", tensor.Name)
		}
		if err := restoreBufferState(target[idx], tensor.Data, tensor.Name); err != nil {
			return err
		}
	}
	return nil
}

// checkParams verifies that params still match the shapes the optimizer was built for.
func checkParams(params []*layers.Parameter, sizes buffers) error {
	if len(params) != len(sizes) {
		return fmt.Errorf("expected %d parameters, got %d", len(sizes), len(params))
	}
	for i, p := range params {
		if p.Len() != len(sizes[i]) {
			return fmt.Errorf("parameter %s has %d elements, optimizer expects %d", p.Name, p.Len(), len(sizes[i]))
		}
	}
	return nil
}

// forEach visits every element of p with its value and gradient slots.
func forEach(p *layers.Parameter, fn func(i int, w, g *float64)) {
	value, grad := p.Value.RawMatrix(), p.Grad.RawMatrix()
	k := 0
	for r := 0; r < value.Rows; r++ {
		vrow := value.Data[r*value.Stride : r*value.Stride+value.Cols]
		grow := grad.Data[r*grad.Stride : r*grad.Stride+grad.Cols]
		for c := range vrow {
			fn(k, &vrow[c], &grow[c])
			k++
		}
	}
}

// extractFloat32Param safely extracts a float32 parameter from the state map
func extractFloat32Param(params map[string]float64, key string, defaultValue float32) float32 {
	if val, ok := params[key]; ok {
		return float32(val)
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter stored as 0/1
func extractBoolParam(params map[string]float64, key string, defaultValue bool) bool {
	if val, ok := params[key]; ok {
		return val != 0
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]float64, key string, defaultValue uint64) uint64 {
	if val, ok := params[key]; ok {
		return uint64(val)
	}
	return defaultValue
}

func boolParam(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
