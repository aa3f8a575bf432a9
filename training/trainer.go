package training

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Xiaoxue-xx/TextBox/checkpoints"
	"github.com/Xiaoxue-xx/TextBox/dashboard"
	"github.com/Xiaoxue-xx/TextBox/distributed"
	"github.com/Xiaoxue-xx/TextBox/metrics"
	"github.com/Xiaoxue-xx/TextBox/optimizer"
)

// State is the lifecycle state of a Trainer
type State int

const (
	Idle State = iota
	Running
	Validating
	Checkpointing
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Validating:
		return "validating"
	case Checkpointing:
		return "checkpointing"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StopReason tells why Fit returned
type StopReason string

const (
	ExhaustedEpochs StopReason = "exhausted-epochs"
	EarlyStopped    StopReason = "early-stopped"
)

// Option configures a Trainer
type Option func(*Trainer)

// WithLogger sets the logger; the default discards
func WithLogger(logger *slog.Logger) Option {
	return func(t *Trainer) { t.logger = logger }
}

// WithCommunicator makes the trainer one rank of a process group
func WithCommunicator(comm distributed.Communicator) Option {
	return func(t *Trainer) { t.comm = comm }
}

// WithDashboard sends scalars to dash. The caller owns and closes it.
func WithDashboard(dash dashboard.Dashboard) Option {
	return func(t *Trainer) { t.dashboard = dash }
}

// WithEvaluator sets the evaluator used when metrics are configured
func WithEvaluator(evaluator Evaluator) Option {
	return func(t *Trainer) { t.evaluator = evaluator }
}

// WithProgress renders batch progress bars to out on the coordinator
func WithProgress(out io.Writer) Option {
	return func(t *Trainer) { t.progress = out }
}

// EvaluateOptions controls an Evaluate call
type EvaluateOptions struct {
	LoadBestModel bool   // Load the best checkpoint, or ModelFile, before generating
	ModelFile     string // Checkpoint to load instead of the best one
	Preview       bool   // Generate from the first batch only and skip scoring
	IsValid       bool   // Evaluation is part of validation: use valid metrics, never load
}

// Trainer drives training, validation, early stopping and checkpointing of
// a Model. Every rank of a process group runs its own Trainer in lock step;
// only the coordinator writes files.
type Trainer struct {
	config    *Config
	model     Model
	optimizer optimizer.Optimizer
	store     *checkpoints.Store
	cadence   *EvalCadence
	stopping  *EarlyStopping
	comm      distributed.Communicator
	dashboard dashboard.Dashboard
	evaluator Evaluator
	logger    *slog.Logger
	progress  io.Writer

	state      State
	stopReason StopReason
	stopped    bool
	startEpoch int
	epochIdx   int

	trainLossHistory []float64
	history          []metrics.EpochSummary
	bestIndex        int
	restoredBest     *metrics.EpochSummary
}

// NewTrainer creates a trainer for model. config is validated if it has not
// been already.
func NewTrainer(config *Config, model Model, opts ...Option) (*Trainer, error) {
	if config == nil {
		return nil, fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}
	if model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}

	t := &Trainer{
		config:    config,
		model:     model,
		bestIndex: -1,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if t.comm == nil {
		t.comm = distributed.NewSingle()
	}
	if t.dashboard == nil {
		t.dashboard = dashboard.Nil{}
	}
	t.logger = t.logger.With("rank", t.comm.Rank())

	if !config.validated {
		if err := config.Validate(t.logger); err != nil {
			return nil, err
		}
	}

	base, err := optimizer.New(config.OptimizerKind(), model.Parameters(), config.LearningRate)
	if err != nil {
		return nil, fmt.Errorf("failed to create optimizer: %w", err)
	}
	t.optimizer, err = NewScheduledOptimizer(base, config.SchedulerKind(), config.InitLR, config.LearningRate, config.WarmupSteps, config.MaxSteps)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	t.store, err = checkpoints.NewStore(checkpoints.StoreConfig{
		Directory: config.CheckpointDir,
		Filename:  config.Filename,
		Format:    config.Format(),
	}, t.logger)
	if err != nil {
		return nil, err
	}
	if config.GeneratedTextDir != "" {
		if err := os.MkdirAll(config.GeneratedTextDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create generated text directory: %w", err)
		}
	}

	t.cadence = NewEvalCadence(config.EvalEpoch, config.EvalStep, t.logger)
	t.stopping = NewEarlyStopping(config.StoppingStep)
	return t, nil
}

// Fit trains for the configured epochs starting at StartEpoch, validating
// on valid (which may be nil) at the configured cadence. It returns the
// best validation summary, or nil when no validation ran.
func (t *Trainer) Fit(ctx context.Context, train, valid DataLoader) (*metrics.EpochSummary, error) {
	if train == nil {
		return nil, fmt.Errorf("training data cannot be nil")
	}

	train, err := Prefetch(train, t.config.Prefetch)
	if err != nil {
		return nil, err
	}
	defer closeLoader(train)
	valid, err = Prefetch(valid, t.config.Prefetch)
	if err != nil {
		return nil, err
	}
	defer closeLoader(valid)

	if t.isCoordinator() {
		t.logger.Info("====== Start training ======", "host", DescribeHost(), "world_size", t.comm.WorldSize())
	}
	t.state = Running
	t.stopped = false
	t.stopReason = ""

	for epochIdx := t.startEpoch; epochIdx < t.config.Epochs; epochIdx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t.epochIdx = epochIdx

		start := time.Now()
		tracker, err := t.trainEpoch(ctx, train, valid, epochIdx)
		if err != nil {
			return nil, fmt.Errorf("training epoch %d failed: %w", epochIdx, err)
		}
		loss, err := tracker.Loss(ctx)
		if err != nil {
			return nil, err
		}
		t.trainLossHistory = append(t.trainLossHistory, loss)
		if err := tracker.Info(ctx, time.Since(start), ""); err != nil {
			return nil, err
		}

		if valid != nil {
			stop, err := t.valid(ctx, valid, epochIdx, AtEpoch)
			if err != nil {
				return nil, fmt.Errorf("validation of epoch %d failed: %w", epochIdx, err)
			}
			t.stopped = t.stopped || stop
		}
		if t.stopped {
			break
		}
	}

	t.state = Stopped
	if t.stopped {
		t.stopReason = EarlyStopped
	} else {
		t.stopReason = ExhaustedEpochs
	}

	best := t.bestSummary()
	if best != nil {
		t.logger.Info(fmt.Sprintf("====== Finished training, best eval result in epoch %d ======", best.EpochIdx),
			"reason", string(t.stopReason), "best_valid_score", t.stopping.BestScore)
	} else {
		t.logger.Info("====== Finished training ======", "reason", string(t.stopReason))
	}
	return best, nil
}

// trainEpoch runs one pass over train, validating at step cadence
func (t *Trainer) trainEpoch(ctx context.Context, train, valid DataLoader, epochIdx int) (*EpochTracker, error) {
	t.model.Train()
	tracker := NewEpochTracker(epochIdx, metrics.Train, t.comm, t.dashboard, t.logger)

	if err := train.Reset(); err != nil {
		return nil, fmt.Errorf("failed to reset training data: %w", err)
	}
	bar := t.newProgressBar(fmt.Sprintf("train %4d", epochIdx), train.Len())

	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := train.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load batch %d: %w", step, err)
		}

		t.optimizer.ZeroGrad()
		loss, err := t.model.Forward(ctx, batch, epochIdx)
		if err != nil {
			return nil, fmt.Errorf("forward pass failed at step %d: %w", step, err)
		}
		if err := tracker.AppendLoss(loss.Value()); err != nil {
			return nil, err
		}
		if err := loss.Backward(); err != nil {
			return nil, fmt.Errorf("backward pass failed at step %d: %w", step, err)
		}
		if err := t.averageGradients(ctx); err != nil {
			return nil, fmt.Errorf("gradient reduction failed at step %d: %w", step, err)
		}
		optimizer.ClipGradNorm(t.model.Parameters(), t.config.GradClip)
		if err := t.optimizer.Step(); err != nil {
			return nil, fmt.Errorf("optimizer step failed at step %d: %w", step, err)
		}
		t.dashboard.AddScalar("train/lr", t.optimizer.GetLR())

		if bar != nil {
			bar.Step(loss.Value())
		}

		if valid != nil {
			stop, err := t.valid(ctx, valid, epochIdx, AtStep)
			if err != nil {
				return nil, err
			}
			t.stopped = t.stopped || stop
			if t.stopped {
				break
			}
		}
	}

	if bar != nil {
		bar.Finish()
	}
	return tracker, nil
}

// valid validates when the cadence is due at position. It records the
// summary, updates early stopping, saves a checkpoint and reports whether
// training should stop.
func (t *Trainer) valid(ctx context.Context, valid DataLoader, epochIdx int, position Position) (bool, error) {
	if !t.cadence.Due(position) {
		return false, nil
	}
	t.state = Validating

	start := time.Now()
	tracker, err := t.validEpoch(ctx, valid, epochIdx)
	if err != nil {
		return false, err
	}
	if err := tracker.Info(ctx, time.Since(start), strconv.Itoa(t.cadence.Ordinal())); err != nil {
		return false, err
	}

	summary, err := tracker.Summary(ctx)
	if err != nil {
		return false, err
	}
	t.history = append(t.history, summary)

	score, _, err := tracker.Score(ctx)
	if err != nil {
		return false, err
	}
	if score, err = t.agreeOnScore(ctx, score); err != nil {
		return false, err
	}

	stop, improved := t.stopping.Evaluate(score, epochIdx)
	if improved {
		t.bestIndex = len(t.history) - 1
	}
	if stop {
		t.logger.Info("early stopping", "stopping_count", t.stopping.StoppingCount, "patience", t.stopping.Patience)
	}

	if _, err := t.SaveCheckpoint("", true); err != nil {
		return false, err
	}
	t.state = Running
	return stop, nil
}

// validEpoch computes the validation loss and metric results
func (t *Trainer) validEpoch(ctx context.Context, valid DataLoader, epochIdx int) (*EpochTracker, error) {
	t.model.Eval()
	defer t.model.Train()

	tracker := NewEpochTracker(epochIdx, metrics.Valid, t.comm, t.dashboard, t.logger)
	if err := valid.Reset(); err != nil {
		return nil, fmt.Errorf("failed to reset validation data: %w", err)
	}
	bar := t.newProgressBar(fmt.Sprintf("valid %4d", epochIdx), valid.Len())

	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := valid.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load validation batch %d: %w", step, err)
		}

		loss, err := t.model.Forward(ctx, batch, epochIdx)
		if err != nil {
			return nil, fmt.Errorf("validation forward pass failed at step %d: %w", step, err)
		}
		if err := tracker.AppendLoss(loss.Value()); err != nil {
			return nil, err
		}
		if bar != nil {
			bar.Step(loss.Value())
		}
	}
	if bar != nil {
		bar.Finish()
	}

	results, err := t.Evaluate(ctx, valid, EvaluateOptions{IsValid: true})
	if err != nil {
		return nil, err
	}
	tracker.SetResult(results)
	return tracker, nil
}

// averageGradients replaces every gradient with its mean across the group,
// so all ranks apply the same update and keep identical weights
func (t *Trainer) averageGradients(ctx context.Context) error {
	world := t.comm.WorldSize()
	if world <= 1 {
		return nil
	}
	params := t.model.Parameters()
	var flat []float64
	for _, p := range params {
		flat = append(flat, p.Grad...)
	}
	summed, err := t.comm.AllReduceSum(ctx, flat)
	if err != nil {
		return err
	}
	scale := 1 / float64(world)
	offset := 0
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] = summed[offset+i] * scale
		}
		offset += len(p.Grad)
	}
	return nil
}

// agreeOnScore makes every rank use the coordinator's score so that early
// stopping decisions stay identical across the group
func (t *Trainer) agreeOnScore(ctx context.Context, score float64) (float64, error) {
	if t.comm.WorldSize() <= 1 {
		return score, nil
	}
	local := 0.0
	if t.isCoordinator() {
		local = score
	}
	reduced, err := t.comm.AllReduceSum(ctx, []float64{local})
	if err != nil {
		return 0, fmt.Errorf("failed to share validation score: %w", err)
	}
	return reduced[0], nil
}

// SaveCheckpoint writes the current training state under tag, or the
// current epoch tag when tag is empty, and returns the path written. It
// does nothing before the first validation and on non-coordinator ranks.
func (t *Trainer) SaveCheckpoint(tag string, overwrite bool) (string, error) {
	if len(t.history) == 0 {
		t.logger.Warn("save checkpoint failed: no validation has been performed")
		return "", nil
	}
	if !t.isCoordinator() {
		return "", nil
	}

	previous := t.state
	t.state = Checkpointing
	defer func() { t.state = previous }()

	optimizerState, err := t.optimizer.GetState()
	if err != nil {
		return "", fmt.Errorf("failed to capture optimizer state: %w", err)
	}
	summary := t.history[len(t.history)-1]

	checkpoint := &checkpoints.Checkpoint{
		StateDict:      t.model.StateDict(),
		Optimizer:      optimizerState,
		StoppingCount:  t.stopping.StoppingCount,
		BestValidScore: t.stopping.BestScore,
		Epoch:          t.epochIdx,
		Config:         t.config.Snapshot(),
		Summary:        &summary,
		BestEpoch:      t.stopping.BestEpoch,
		BestSummary:    t.bestSummary(),
	}
	best := t.stopping.BestEpoch == t.epochIdx && t.bestIndex == len(t.history)-1
	return t.store.Save(checkpoint, tag, overwrite, best)
}

// ResumeCheckpoint restores the training state saved at path. A missing
// file is not an error: training then starts from epoch 0.
func (t *Trainer) ResumeCheckpoint(path string) error {
	t.logger.Info("resuming checkpoint", "path", path)

	checkpoint, err := t.store.Load(path)
	if checkpoints.IsNotFound(err) {
		t.logger.Warn("checkpoint file not found, resuming stopped", "path", path)
		return nil
	}
	if err != nil {
		return err
	}

	if seed := configInt(checkpoint.Config, "seed"); seed != 0 {
		if seeder, ok := t.model.(Seeder); ok {
			seeder.Seed(seed)
		}
	}

	if name := checkpoint.ConfigString("model"); !strings.EqualFold(name, t.config.Model) {
		t.logger.Warn("architecture configuration given in config file is different from that of checkpoint, "+
			"this may yield an exception while state_dict is being loaded",
			"checkpoint_model", name, "model", t.config.Model)
	}
	if err := t.model.LoadStateDict(checkpoint.StateDict); err != nil {
		return fmt.Errorf("failed to load model state: %w", err)
	}

	if name := checkpoint.ConfigString("optimizer"); !strings.EqualFold(name, t.config.Optimizer) {
		t.logger.Warn("optimizer configuration given in config file is different from that of checkpoint, "+
			"this may yield an exception while state_dict is being loaded",
			"checkpoint_optimizer", name, "optimizer", t.config.Optimizer)
	}
	if checkpoint.Optimizer != nil {
		if err := t.optimizer.LoadState(checkpoint.Optimizer); err != nil {
			return fmt.Errorf("failed to load optimizer state: %w", err)
		}
	}

	t.startEpoch = checkpoint.Epoch + 1
	t.epochIdx = checkpoint.Epoch
	t.stopping.StoppingCount = checkpoint.StoppingCount
	t.stopping.BestScore = checkpoint.BestValidScore
	t.stopping.BestEpoch = checkpoint.BestEpoch
	t.restoredBest = checkpoint.BestSummary
	if t.restoredBest == nil && checkpoint.BestEpoch >= 0 {
		// Checkpoints without a best summary: take it from the best pointer
		if best, err := t.store.LoadBest(); err == nil && best.Summary != nil && best.Summary.EpochIdx == checkpoint.BestEpoch {
			t.restoredBest = best.Summary
		}
	}

	t.logger.Info("checkpoint loaded, resume training", "start_epoch", t.startEpoch)
	return nil
}

// Evaluate generates texts for data and scores them with the configured
// metrics. Without metrics, or with Preview set, it returns the first
// generated text under "preview".
func (t *Trainer) Evaluate(ctx context.Context, data DataLoader, opts EvaluateOptions) (metrics.Results, error) {
	if data == nil {
		return nil, fmt.Errorf("evaluation data cannot be nil")
	}

	metricNames := t.config.MetricNames()
	if opts.IsValid {
		metricNames = t.config.ValidMetricNames()
		if opts.LoadBestModel {
			t.logger.Warn("evaluation during validation never loads the best model")
			opts.LoadBestModel = false
		}
	}

	if opts.LoadBestModel {
		path := opts.ModelFile
		if path == "" {
			path = t.store.BestPath()
		}
		checkpoint, err := t.store.Load(path)
		if err != nil {
			t.logger.Error("failed to load model for evaluation", "path", path, "error", err)
			return nil, err
		}
		if err := t.model.LoadStateDict(checkpoint.StateDict); err != nil {
			return nil, fmt.Errorf("failed to load model state: %w", err)
		}
		t.logger.Info("loaded model for evaluation", "path", path)
	}

	t.model.Eval()
	if !opts.IsValid {
		defer t.model.Train()
	}
	if err := data.Reset(); err != nil {
		return nil, fmt.Errorf("failed to reset evaluation data: %w", err)
	}

	if opts.Preview || len(metricNames) == 0 {
		return t.preview(ctx, data)
	}
	if t.evaluator == nil {
		return nil, fmt.Errorf("metrics %v configured but no evaluator is set", metricNames)
	}

	var corpus []string
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := data.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load evaluation batch: %w", err)
		}
		generated, err := t.model.Generate(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("generation failed: %w", err)
		}
		corpus = append(corpus, generated...)
	}

	if err := t.writeCorpus(corpus); err != nil {
		return nil, err
	}

	results, err := t.evaluator.Evaluate(ctx, corpus, data.References(), metricNames)
	if err != nil {
		return nil, fmt.Errorf("evaluation failed: %w", err)
	}
	return results, nil
}

// preview generates from the first batch and logs the first text
func (t *Trainer) preview(ctx context.Context, data DataLoader) (metrics.Results, error) {
	batch, err := data.Next(ctx)
	if errors.Is(err, io.EOF) {
		t.logger.Warn("no data to preview")
		return metrics.Results{"preview": ""}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load preview batch: %w", err)
	}

	generated, err := t.model.Generate(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("generation failed: %w", err)
	}
	sentence := ""
	if len(generated) > 0 {
		sentence = generated[0]
	}
	t.logger.Info("Generation Preview: " + sentence)
	return metrics.Results{"preview": sentence}, nil
}

// writeCorpus saves the generated texts, one per line, on the coordinator
func (t *Trainer) writeCorpus(corpus []string) error {
	if !t.isCoordinator() || t.config.GeneratedTextDir == "" {
		return nil
	}
	path := filepath.Join(t.config.GeneratedTextDir, t.config.Filename+".txt")

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create generated text file: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, text := range corpus {
		w.WriteString(strings.ReplaceAll(text, "\n", " "))
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write generated text: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write generated text: %w", err)
	}
	t.logger.Info("generated text saved", "path", path, "count", len(corpus))
	return nil
}

func (t *Trainer) newProgressBar(description string, total int) *ProgressBar {
	if t.progress == nil || !t.isCoordinator() {
		return nil
	}
	return NewProgressBar(t.progress, description, total)
}

func (t *Trainer) isCoordinator() bool {
	return distributed.IsCoordinator(t.comm)
}

// bestSummary returns the best validation of this run, or the one restored
// from a checkpoint when no validation since has improved on it
func (t *Trainer) bestSummary() *metrics.EpochSummary {
	var best metrics.EpochSummary
	switch {
	case t.bestIndex >= 0 && t.bestIndex < len(t.history):
		best = t.history[t.bestIndex]
	case t.restoredBest != nil:
		best = *t.restoredBest
	default:
		return nil
	}
	best.Results = best.Results.Clone()
	return &best
}

// TrainLossHistory returns the mean training loss of every completed epoch
func (t *Trainer) TrainLossHistory() []float64 {
	return append([]float64(nil), t.trainLossHistory...)
}

// History returns every validation summary in order
func (t *Trainer) History() []metrics.EpochSummary {
	return append([]metrics.EpochSummary(nil), t.history...)
}

// BestEpoch returns the epoch of the best validation score, or -1
func (t *Trainer) BestEpoch() int { return t.stopping.BestEpoch }

// BestValidScore returns the best validation score, -Inf before any validation
func (t *Trainer) BestValidScore() float64 { return t.stopping.BestScore }

// BestResult returns the summary of the best validation, or nil
func (t *Trainer) BestResult() *metrics.EpochSummary { return t.bestSummary() }

// StoppingCount returns the validations passed without improvement
func (t *Trainer) StoppingCount() int { return t.stopping.StoppingCount }

// StartEpoch returns the epoch Fit starts at
func (t *Trainer) StartEpoch() int { return t.startEpoch }

// Stopped reports whether early stopping ended the last Fit
func (t *Trainer) Stopped() bool { return t.stopped }

// StopReason returns why the last Fit returned
func (t *Trainer) StopReason() StopReason { return t.stopReason }

// State returns the lifecycle state
func (t *Trainer) State() State { return t.state }

// Optimizer returns the scheduled optimizer
func (t *Trainer) Optimizer() optimizer.Optimizer { return t.optimizer }

// Store returns the checkpoint store
func (t *Trainer) Store() *checkpoints.Store { return t.store }

func closeLoader(loader DataLoader) {
	if c, ok := loader.(io.Closer); ok {
		c.Close()
	}
}

func configInt(config map[string]interface{}, key string) int64 {
	switch v := config[key].(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}
