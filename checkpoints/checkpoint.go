package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Xiaoxue-xx/TextBox/metrics"
)

// ErrCheckpointNotFound is returned when a checkpoint path does not exist
var ErrCheckpointNotFound = errors.New("checkpoint not found")

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

// Extension returns the file extension used for the format, without the dot
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatProto:
		return "pb"
	default:
		return "json"
	}
}

// ParseFormat resolves a format name ("json", "proto"/"pb"); empty means JSON
func ParseFormat(name string) (CheckpointFormat, error) {
	switch name {
	case "", "json", "JSON":
		return FormatJSON, nil
	case "proto", "pb", "protobuf", "Proto":
		return FormatProto, nil
	default:
		return FormatJSON, fmt.Errorf("unsupported checkpoint format: %q", name)
	}
}

// FormatFromPath picks the format from the extension of path (".json",
// ".pb"), or fallback when the extension names no format
func FormatFromPath(path string, fallback CheckpointFormat) CheckpointFormat {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return fallback
	}
	format, err := ParseFormat(ext)
	if err != nil {
		return fallback
	}
	return format
}

// Checkpoint is the durable training state written after every validation pass
type Checkpoint struct {
	// Model parameters by name
	StateDict []WeightTensor `json:"state_dict"`

	// Optimizer state, including the learning-rate scheduler state
	Optimizer *OptimizerState `json:"optimizer,omitempty"`

	// Early stopping and progress
	StoppingCount  int     `json:"stopping_count"`
	BestValidScore float64 `json:"best_valid_score"`
	Epoch          int     `json:"epoch"`

	// Snapshot of the training configuration the checkpoint was produced with
	Config map[string]interface{} `json:"config"`

	// Most recent validation summary
	Summary *metrics.EpochSummary `json:"summary,omitempty"`

	// Epoch and summary of the best validation so far, -1 and nil before one
	BestEpoch   int                   `json:"best_epoch"`
	BestSummary *metrics.EpochSummary `json:"best_summary,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "Adam", "SGD", etc.
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
	Scheduler  map[string]interface{} `json:"scheduler,omitempty"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "variance", "m", "v", etc.
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	ID          string    `json:"id"`
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// jsonFloat encodes non-finite values as strings, which encoding/json rejects
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsInf(v, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Infinity"`), nil
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	}
	return json.Marshal(v)
}

func (f *jsonFloat) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		switch s {
		case "Infinity":
			*f = jsonFloat(math.Inf(1))
		case "-Infinity":
			*f = jsonFloat(math.Inf(-1))
		case "NaN":
			*f = jsonFloat(math.NaN())
		default:
			return fmt.Errorf("invalid float value %q", s)
		}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = jsonFloat(v)
	return nil
}

type summaryJSON struct {
	EpochIdx int             `json:"epoch_idx"`
	Mode     metrics.Mode    `json:"mode"`
	Loss     jsonFloat       `json:"loss"`
	Results  metrics.Results `json:"metrics_results"`
}

type checkpointJSON struct {
	StateDict      []WeightTensor         `json:"state_dict"`
	Optimizer      *OptimizerState        `json:"optimizer,omitempty"`
	StoppingCount  int                    `json:"stopping_count"`
	BestValidScore jsonFloat              `json:"best_valid_score"`
	Epoch          int                    `json:"epoch"`
	Config         map[string]interface{} `json:"config"`
	Summary        *summaryJSON           `json:"summary,omitempty"`
	BestEpoch      *int                   `json:"best_epoch,omitempty"`
	BestSummary    *summaryJSON           `json:"best_summary,omitempty"`
	Metadata       CheckpointMetadata     `json:"metadata"`
}

// MarshalJSON keeps -Inf best scores, +Inf losses and non-finite metric
// results representable
func (c *Checkpoint) MarshalJSON() ([]byte, error) {
	bestEpoch := c.BestEpoch
	out := checkpointJSON{
		StateDict:      c.StateDict,
		Optimizer:      c.Optimizer,
		StoppingCount:  c.StoppingCount,
		BestValidScore: jsonFloat(c.BestValidScore),
		Epoch:          c.Epoch,
		Config:         c.Config,
		Summary:        encodeSummary(c.Summary),
		BestEpoch:      &bestEpoch,
		BestSummary:    encodeSummary(c.BestSummary),
		Metadata:       c.Metadata,
	}
	return json.Marshal(out)
}

func encodeSummary(s *metrics.EpochSummary) *summaryJSON {
	if s == nil {
		return nil
	}
	results, _ := encodeResult(map[string]interface{}(s.Results)).(map[string]interface{})
	return &summaryJSON{
		EpochIdx: s.EpochIdx,
		Mode:     s.Mode,
		Loss:     jsonFloat(s.Loss),
		Results:  results,
	}
}

func decodeSummary(s *summaryJSON) *metrics.EpochSummary {
	if s == nil {
		return nil
	}
	results, _ := decodeResult(map[string]interface{}(s.Results)).(map[string]interface{})
	return &metrics.EpochSummary{
		EpochIdx: s.EpochIdx,
		Mode:     s.Mode,
		Loss:     float64(s.Loss),
		Results:  results,
	}
}

// encodeResult replaces the floats of a metric result, nested maps and
// slices included, with jsonFloat
func encodeResult(value interface{}) interface{} {
	switch v := value.(type) {
	case float64:
		return jsonFloat(v)
	case float32:
		return jsonFloat(v)
	case metrics.Results:
		return encodeResult(map[string]interface{}(v))
	case map[string]float64:
		out := make(map[string]interface{}, len(v))
		for key, member := range v {
			out[key] = jsonFloat(member)
		}
		return out
	case map[string]interface{}:
		if v == nil {
			return nil
		}
		out := make(map[string]interface{}, len(v))
		for key, member := range v {
			out[key] = encodeResult(member)
		}
		return out
	case []float64:
		out := make([]interface{}, len(v))
		for i, member := range v {
			out[i] = jsonFloat(member)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, member := range v {
			out[i] = encodeResult(member)
		}
		return out
	default:
		return value
	}
}

// decodeResult restores the non-finite floats encodeResult wrote as strings
func decodeResult(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		switch v {
		case "Infinity":
			return math.Inf(1)
		case "-Infinity":
			return math.Inf(-1)
		case "NaN":
			return math.NaN()
		}
		return v
	case map[string]interface{}:
		if v == nil {
			return nil
		}
		for key, member := range v {
			v[key] = decodeResult(member)
		}
		return v
	case []interface{}:
		for i, member := range v {
			v[i] = decodeResult(member)
		}
		return v
	default:
		return value
	}
}

func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	var in checkpointJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*c = Checkpoint{
		StateDict:      in.StateDict,
		Optimizer:      in.Optimizer,
		StoppingCount:  in.StoppingCount,
		BestValidScore: float64(in.BestValidScore),
		Epoch:          in.Epoch,
		Config:         in.Config,
		Summary:        decodeSummary(in.Summary),
		BestEpoch:      -1,
		BestSummary:    decodeSummary(in.BestSummary),
		Metadata:       in.Metadata,
	}
	if in.BestEpoch != nil {
		c.BestEpoch = *in.BestEpoch
	}
	return nil
}

// ConfigString returns a string-valued config entry of the checkpoint, "" when absent
func (c *Checkpoint) ConfigString(key string) string {
	if c.Config == nil {
		return ""
	}
	s, _ := c.Config[key].(string)
	return s
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the saver's serialization format
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint saves a complete checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "textbox-go"
		checkpoint.Metadata.Version = "1.0.0"
	}
	if checkpoint.Metadata.ID == "" {
		checkpoint.Metadata.ID = uuid.NewString()
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatProto:
		return cs.saveProto(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a checkpoint. A missing file yields ErrCheckpointNotFound.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, path)
		}
		return nil, fmt.Errorf("failed to stat checkpoint file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrCheckpointNotFound, path)
	}

	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatProto:
		return cs.loadProto(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// saveJSON saves checkpoint in JSON format
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	return writeFile(path, func(w io.Writer) error {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(checkpoint); err != nil {
			return fmt.Errorf("failed to encode checkpoint: %w", err)
		}
		return nil
	})
}

// writeFile writes through a temporary file next to path and renames it
// into place. A failed write leaves any existing file at path untouched.
func writeFile(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set checkpoint file mode: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}

// loadJSON loads checkpoint from JSON format
func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}

	return &checkpoint, nil
}
