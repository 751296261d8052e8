package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/tsawler/go-rendermap/layers"
)

// ErrCorruptCheckpoint is returned when a checkpoint file exists but cannot be
// decoded or fails structural validation.
var ErrCorruptCheckpoint = errors.New("corrupt checkpoint")

const (
	// Framework identifies checkpoints written by this module.
	Framework = "go-rendermap"
	// Version is the current checkpoint schema version.
	Version = "1.0.0"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension used for the format, without the dot.
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatProto:
		return "ckpt"
	default:
		return "json"
	}
}

// ParseFormat maps a config value ("json" or "proto") to a format.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return FormatJSON, nil
	case "proto", "protobuf", "ckpt":
		return FormatProto, nil
	default:
		return 0, fmt.Errorf("unknown checkpoint format %q", s)
	}
}

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	ProfileID string `json:"profile_id"`

	// Model architecture and weights
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer and scheduler state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`
	SchedulerState *SchedulerState `json:"scheduler_state,omitempty"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures the current training progress. Epoch is the last
// fully completed epoch.
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	Loss         float64 `json:"loss"` // mean loss of Epoch
	BestLoss     float64 `json:"best_loss"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string             `json:"type"` // "SGD", "Adam", etc.
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "variance", etc.
}

// SchedulerState captures a learning rate scheduler's configuration and any
// values it accumulates between epochs.
type SchedulerState struct {
	Type       string             `json:"type"`
	Parameters map[string]float64 `json:"parameters"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// Validate checks that the checkpoint is internally consistent. Problems are
// reported as ErrCorruptCheckpoint.
func (c *Checkpoint) Validate() error {
	corrupt := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrCorruptCheckpoint, fmt.Sprintf(format, args...))
	}

	if c.ProfileID == "" {
		return corrupt("missing profile id")
	}
	if c.TrainingState.Epoch < 0 {
		return corrupt("negative epoch %d", c.TrainingState.Epoch)
	}
	if c.ModelSpec == nil || !c.ModelSpec.Compiled {
		return corrupt("missing compiled model spec")
	}
	if len(c.Weights) != len(c.ModelSpec.ParameterShapes) {
		return corrupt("%d weight tensors, model declares %d", len(c.Weights), len(c.ModelSpec.ParameterShapes))
	}

	total := int64(0)
	for i, w := range c.Weights {
		if !sameShape(w.Shape, c.ModelSpec.ParameterShapes[i]) {
			return corrupt("weight %s has shape %v, model declares %v", w.Name, w.Shape, c.ModelSpec.ParameterShapes[i])
		}
		if len(w.Data) != shapeSize(w.Shape) {
			return corrupt("weight %s has %d values for shape %v", w.Name, len(w.Data), w.Shape)
		}
		total += int64(len(w.Data))
	}
	if total != c.ModelSpec.TotalParameters {
		return corrupt("weights hold %d values, model declares %d", total, c.ModelSpec.TotalParameters)
	}

	if c.OptimizerState != nil {
		if c.OptimizerState.Type == "" {
			return corrupt("optimizer state without type")
		}
		for _, t := range c.OptimizerState.StateData {
			if len(t.Data) != shapeSize(t.Shape) {
				return corrupt("optimizer tensor %s has %d values for shape %v", t.Name, len(t.Data), t.Shape)
			}
		}
	}
	if c.SchedulerState != nil && c.SchedulerState.Type == "" {
		return corrupt("scheduler state without type")
	}
	return nil
}

func shapeSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat

	// beforeRename runs after the temp file is synced; tests use it to simulate a
	// crash between write and rename.
	beforeRename func(tmpPath string) error
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the saver's serialization format.
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint atomically replaces path with the encoded checkpoint. A reader
// sees either the previous file or the new one, never a partial write.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	// Ensure metadata is set
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = Framework
		checkpoint.Metadata.Version = Version
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}

	return writeFileAtomic(path, func(w io.Writer) error {
		return cs.Encode(w, checkpoint)
	}, cs.beforeRename)
}

// LoadCheckpoint loads and validates a model checkpoint. A missing file returns
// an error matching os.ErrNotExist; anything undecodable is ErrCorruptCheckpoint.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	checkpoint, err := cs.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return checkpoint, nil
}

// Encode writes checkpoint to w in the saver's format.
func (cs *CheckpointSaver) Encode(w io.Writer, checkpoint *Checkpoint) error {
	switch cs.format {
	case FormatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(checkpoint); err != nil {
			return fmt.Errorf("failed to encode checkpoint: %w", err)
		}
		return nil
	case FormatProto:
		return encodeProto(w, checkpoint)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// Decode reads and validates a checkpoint from r.
func (cs *CheckpointSaver) Decode(r io.Reader) (*Checkpoint, error) {
	var checkpoint *Checkpoint
	switch cs.format {
	case FormatJSON:
		checkpoint = &Checkpoint{}
		decoder := json.NewDecoder(r)
		if err := decoder.Decode(checkpoint); err != nil {
			return nil, fmt.Errorf("%w: failed to decode checkpoint: %v", ErrCorruptCheckpoint, err)
		}
	case FormatProto:
		var err error
		if checkpoint, err = decodeProto(r); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}

	if err := checkpoint.Validate(); err != nil {
		return nil, err
	}
	return checkpoint, nil
}

// ExtractWeights copies the network's parameters into checkpoint tensors.
func ExtractWeights(net *layers.Network) []WeightTensor {
	params := net.Parameters()
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		layer, kind, _ := strings.Cut(p.Name, ".")
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  p.Float32s(),
			Layer: layer,
			Type:  kind,
		})
	}
	return weights
}

// LoadWeights copies checkpoint tensors back into the network's parameters,
// matching them by name.
func LoadWeights(weights []WeightTensor, net *layers.Network) error {
	if len(weights) != len(net.Parameters()) {
		return fmt.Errorf("weight count mismatch: %d weights, %d parameters", len(weights), len(net.Parameters()))
	}

	for _, w := range weights {
		p, ok := net.Parameter(w.Name)
		if !ok {
			return fmt.Errorf("checkpoint weight %s has no matching parameter", w.Name)
		}
		if !sameShape(p.Shape, w.Shape) {
			return fmt.Errorf("shape mismatch for weight %s: parameter %v vs checkpoint %v", w.Name, p.Shape, w.Shape)
		}
		if err := p.SetFloat32s(w.Data); err != nil {
			return fmt.Errorf("failed to copy weight data for %s: %w", w.Name, err)
		}
	}
	return nil
}
