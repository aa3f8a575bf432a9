package training

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Xiaoxue-xx/TextBox/checkpoints"
	"github.com/Xiaoxue-xx/TextBox/metrics"
	"github.com/Xiaoxue-xx/TextBox/optimizer"
)

// ErrInvalidConfig is returned by Validate for configurations that cannot be run
var ErrInvalidConfig = errors.New("invalid training configuration")

// Config holds the training configuration. Field tags are the recognized
// configuration keys.
type Config struct {
	Model    string `json:"model"`
	Filename string `json:"filename"`
	Epochs   int    `json:"epochs"`
	Seed     int64  `json:"seed"`

	// Validation cadence and early stopping
	EvalEpoch    int `json:"eval_epoch"`
	EvalStep     int `json:"eval_step"`
	StoppingStep int `json:"stopping_step"`

	// Optimization
	Optimizer    string  `json:"optimizer"`
	Scheduler    string  `json:"scheduler"`
	InitLR       float64 `json:"init_lr"`
	LearningRate float64 `json:"learning_rate"`
	WarmupSteps  int     `json:"warmup_steps"`
	MaxSteps     int     `json:"max_steps"`
	GradClip     float64 `json:"grad_clip"`

	// Metric names: a string ("bleu,rouge" or "[bleu, rouge]") or a list
	Metrics      interface{} `json:"metrics"`
	ValidMetrics interface{} `json:"valid_metrics"`

	// Outputs
	CheckpointDir    string `json:"checkpoint_dir"`
	CheckpointFormat string `json:"checkpoint_format"`
	GeneratedTextDir string `json:"generated_text_dir"`

	// Data
	TrainFile string `json:"train_file"`
	ValidFile string `json:"valid_file"`
	TestFile  string `json:"test_file"`
	BatchSize int    `json:"batch_size"`
	Prefetch  int    `json:"prefetch"`

	// Multi-process data parallel execution
	DDP        bool   `json:"DDP"`
	WorldSize  int    `json:"world_size"`
	Rank       int    `json:"rank"`
	MasterAddr string `json:"master_addr"`

	// Observability
	Dashboard    string `json:"dashboard"`
	DashboardDSN string `json:"dashboard_dsn"`
	SidecarURL   string `json:"sidecar_url"`

	// Resolved by Validate
	validated        bool
	optimizerKind    optimizer.Kind
	schedulerKind    SchedulerKind
	metricNames      []string
	validMetricNames []string
	format           checkpoints.CheckpointFormat
}

// DefaultConfig returns the default training configuration
func DefaultConfig() Config {
	return Config{
		Model:            "charlm",
		Epochs:           50,
		EvalEpoch:        1,
		StoppingStep:     2,
		Optimizer:        "adam",
		Scheduler:        "none",
		InitLR:           0,
		LearningRate:     0.001,
		WarmupSteps:      0,
		GradClip:         0.1,
		CheckpointDir:    "saved/",
		CheckpointFormat: "json",
		GeneratedTextDir: "generated/",
		BatchSize:        32,
		Dashboard:        "none",
		WorldSize:        1,
		MasterAddr:       "127.0.0.1:29500",
	}
}

// LoadConfig reads a JSON configuration file over the defaults
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	config := DefaultConfig()
	if err := json.NewDecoder(f).Decode(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &config, nil
}

// Validate resolves the optimizer, scheduler, metric and format selections
// once. Unrecognized optimizers fall back to Adam with a warning and
// unsupported metric names are dropped with a warning; every other problem
// is reported as ErrInvalidConfig.
func (c *Config) Validate(logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if c.Epochs < 0 {
		return fmt.Errorf("%w: epochs must not be negative, got %d", ErrInvalidConfig, c.Epochs)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("%w: learning_rate must be positive, got %g", ErrInvalidConfig, c.LearningRate)
	}
	if c.WarmupSteps < 0 {
		return fmt.Errorf("%w: warmup_steps must not be negative, got %d", ErrInvalidConfig, c.WarmupSteps)
	}

	kind, ok := optimizer.ParseKind(c.Optimizer)
	if !ok {
		logger.Warn("received unrecognized optimizer, set default Adam optimizer", "optimizer", c.Optimizer)
	}
	c.optimizerKind = kind

	schedulerKind, err := ParseSchedulerKind(c.Scheduler)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if schedulerKind.NeedsMaxSteps() && c.MaxSteps <= 0 {
		return fmt.Errorf("%w: scheduler %s requires max_steps", ErrInvalidConfig, schedulerKind)
	}
	c.schedulerKind = schedulerKind

	if c.metricNames, err = metrics.ProcessMetrics("metrics", c.Metrics, logger); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.validMetricNames, err = metrics.ProcessMetrics("valid_metrics", c.ValidMetrics, logger); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.format, err = checkpoints.ParseFormat(c.CheckpointFormat); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.DDP {
		if c.WorldSize < 1 {
			return fmt.Errorf("%w: world_size must be positive, got %d", ErrInvalidConfig, c.WorldSize)
		}
		if c.Rank < 0 || c.Rank >= c.WorldSize {
			return fmt.Errorf("%w: rank %d out of range for world_size %d", ErrInvalidConfig, c.Rank, c.WorldSize)
		}
		if c.WorldSize > 1 && c.MasterAddr == "" {
			return fmt.Errorf("%w: master_addr is required for distributed training", ErrInvalidConfig)
		}
	}

	if c.Filename == "" {
		c.Filename = fmt.Sprintf("%s-%s", c.Model, time.Now().Format("Jan-02-2006_15-04-05"))
	}
	if strings.ContainsRune(c.Filename, os.PathSeparator) {
		return fmt.Errorf("%w: filename must not contain a path separator: %q", ErrInvalidConfig, c.Filename)
	}

	c.validated = true
	return nil
}

// OptimizerKind returns the resolved base optimizer
func (c *Config) OptimizerKind() optimizer.Kind { return c.optimizerKind }

// SchedulerKind returns the resolved learning rate schedule
func (c *Config) SchedulerKind() SchedulerKind { return c.schedulerKind }

// MetricNames returns the processed test metrics
func (c *Config) MetricNames() []string { return c.metricNames }

// ValidMetricNames returns the processed validation metrics
func (c *Config) ValidMetricNames() []string { return c.validMetricNames }

// Format returns the resolved checkpoint format
func (c *Config) Format() checkpoints.CheckpointFormat { return c.format }

// Distributed reports whether more than one process takes part in training
func (c *Config) Distributed() bool {
	return c.DDP && c.WorldSize > 1
}

// Snapshot renders the configuration as the generic mapping stored in checkpoints
func (c *Config) Snapshot() map[string]interface{} {
	data, err := json.Marshal(c)
	if err != nil {
		return map[string]interface{}{}
	}
	var snapshot map[string]interface{}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return map[string]interface{}{}
	}
	return snapshot
}
