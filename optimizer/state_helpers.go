package optimizer

import (
	"fmt"
	"math"

	"github.com/Xiaoxue-xx/TextBox/checkpoints"
)

// Common helper functions for optimizer state management

// extractBufferState copies a single state buffer for checkpointing
func extractBufferState(buffer []float64, name string, stateType string) *checkpoints.OptimizerTensor {
	if buffer == nil {
		return nil
	}

	return &checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     []int{len(buffer)},
		Data:      append([]float64(nil), buffer...),
		StateType: stateType,
	}
}

// restoreBufferState copies checkpointed data back into a state buffer
func restoreBufferState(buffer []float64, data []float64, name string) error {
	if buffer == nil {
		return fmt.Errorf("%s buffer is nil", name)
	}

	if len(data) != len(buffer) {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			name, len(buffer), len(data))
	}

	copy(buffer, data)
	return nil
}

// extractFloatParam safely extracts a float parameter from the state map
func extractFloatParam(params map[string]interface{}, key string, defaultValue float64) float64 {
	switch val := params[key].(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map.
// Deserialized numbers arrive as float64.
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch val := params[key].(type) {
	case uint64:
		return val
	case int:
		if val >= 0 {
			return uint64(val)
		}
	case float64:
		if val >= 0 && !math.IsNaN(val) {
			return uint64(val)
		}
	}
	return defaultValue
}

// extractBufferIndex extracts the buffer index from state tensor names like "m_0", "momentum_1", "squared_grad_avg_0"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

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

// restoreIndexedBuffers restores every state tensor of stateType into buffers[idx]
func restoreIndexedBuffers(state *OptimizerState, stateType string, buffers [][]float64) error {
	for _, tensor := range state.StateData {
		if tensor.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(tensor.Name)
		if idx < 0 || idx >= len(buffers) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", tensor.Name)
		}
		if err := restoreBufferState(buffers[idx], tensor.Data, tensor.Name); err != nil {
			return err
		}
	}
	return nil
}

// appendIndexedBuffers appends one state tensor per buffer, named <prefix>_<idx>
func appendIndexedBuffers(stateData []checkpoints.OptimizerTensor, buffers [][]float64, prefix, stateType string) []checkpoints.OptimizerTensor {
	for i, buffer := range buffers {
		if tensor := extractBufferState(buffer, fmt.Sprintf("%s_%d", prefix, i), stateType); tensor != nil {
			stateData = append(stateData, *tensor)
		}
	}
	return stateData
}

// allocBuffers allocates one zeroed buffer per parameter
func allocBuffers(params []*Parameter) [][]float64 {
	buffers := make([][]float64, len(params))
	for i, p := range params {
		buffers[i] = make([]float64, len(p.Data))
	}
	return buffers
}
