package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Xiaoxue-xx/TextBox/charlm"
	"github.com/Xiaoxue-xx/TextBox/dashboard"
	"github.com/Xiaoxue-xx/TextBox/distributed"
	"github.com/Xiaoxue-xx/TextBox/training"
)

// Train command flags
var (
	trainConfigPath string
	trainResume     string
	trainValidSplit float64
	trainPromptLen  int
	trainMaxLength  int
	trainNoProgress bool

	trainOverrides = training.DefaultConfig()
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a character language model on a text file",
	Long: `Train a character level language model on a text file with one sample
per line.

Flags override the values read from --config. Validation runs on --valid-file,
or on the last --valid-split fraction of the training file when no validation
file is given. The best checkpoint is kept under the checkpoint directory.

For data parallel training start one process per rank with --ddp, the same
--world-size and --master-addr, and a distinct --rank. Rank 0 listens on the
master address and is the only rank that writes files.`,
	Example: `  # Train with defaults
  textbox train --train-file data/train.txt --valid-file data/valid.txt

  # Train from a config file and resume from the best checkpoint
  textbox train --config run.json --resume saved/charlm.json

  # Two ranks on one host
  textbox train --config run.json --ddp --world-size 2 --rank 0 &
  textbox train --config run.json --ddp --world-size 2 --rank 1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}

		config, err := loadConfig(trainConfigPath)
		if err != nil {
			return err
		}
		applyTrainOverrides(cmd, config)
		if config.TrainFile == "" {
			return fmt.Errorf("no training file: set train_file in the config or pass --train-file")
		}
		if err := config.Validate(logger); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		comm, err := openCommunicator(ctx, config, logger)
		if err != nil {
			return err
		}
		defer comm.Close()
		logger = logger.With("world_size", comm.WorldSize())

		trainSet, validSet, err := loadTrainingData(config)
		if err != nil {
			return err
		}
		corpus := append(charlm.Targets(trainSet), charlm.Targets(validSet)...)
		model, err := charlm.NewModel(corpus, charlm.Config{
			MaxLength: trainMaxLength,
			Seed:      config.Seed,
		})
		if err != nil {
			return err
		}

		dash := dashboard.Dashboard(dashboard.Nil{})
		if distributed.IsCoordinator(comm) {
			dash, err = dashboard.New(ctx, dashboard.Config{
				Backends:   config.Dashboard,
				DSN:        config.DashboardDSN,
				SidecarURL: config.SidecarURL,
				RunName:    fmt.Sprintf("%s-%s", config.Filename, time.Now().Format("20060102-150405")),
			}, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := dash.Close(); err != nil {
					logger.Warn("failed to close dashboard", "error", err)
				}
			}()
		}

		opts := []training.Option{
			training.WithLogger(logger),
			training.WithCommunicator(comm),
			training.WithDashboard(dash),
			training.WithEvaluator(charlm.NewEvaluator(logger)),
		}
		if !trainNoProgress {
			opts = append(opts, training.WithProgress(os.Stderr))
		}
		trainer, err := training.NewTrainer(config, model, opts...)
		if err != nil {
			return err
		}
		if distributed.IsCoordinator(comm) {
			training.PrintParameters(os.Stdout, config.Model, model.Parameters())
		}
		if trainResume != "" {
			if err := trainer.ResumeCheckpoint(trainResume); err != nil {
				return err
			}
		}

		trainLoader, err := training.NewBatchLoader(trainSet, training.BatchLoaderConfig{
			BatchSize: config.BatchSize,
			Shuffle:   true,
			Seed:      config.Seed,
			Rank:      comm.Rank(),
			WorldSize: comm.WorldSize(),
		})
		if err != nil {
			return err
		}
		var validLoader training.DataLoader
		if len(validSet) > 0 {
			validLoader, err = training.NewBatchLoader(validSet, training.BatchLoaderConfig{
				BatchSize: config.BatchSize,
				Rank:      comm.Rank(),
				WorldSize: comm.WorldSize(),
			})
			if err != nil {
				return err
			}
		}

		best, err := trainer.Fit(ctx, trainLoader, validLoader)
		if err != nil {
			return err
		}
		if !distributed.IsCoordinator(comm) {
			return nil
		}

		fields := []field{
			{"stop reason", string(trainer.StopReason())},
			{"epochs run", fmt.Sprintf("%d", len(trainer.TrainLossHistory()))},
		}
		if losses := trainer.TrainLossHistory(); len(losses) > 0 {
			fields = append(fields, field{"final train loss", fmt.Sprintf("%.4f", losses[len(losses)-1])})
		}
		if best != nil {
			fields = append(fields,
				field{"best epoch", fmt.Sprintf("%d", best.EpochIdx)},
				field{"best valid score", fmt.Sprintf("%.4f", trainer.BestValidScore())},
				field{"best valid loss", fmt.Sprintf("%.4f", best.Loss)},
				field{"best checkpoint", trainer.Store().BestPath()},
			)
			fields = append(fields, resultFields(best.Results)...)
		}
		fmt.Println(panel("Training finished", fields))

		if config.TestFile == "" {
			return nil
		}
		testSet, err := charlm.LoadLines(config.TestFile, trainPromptLen)
		if err != nil {
			return err
		}
		testLoader, err := training.NewBatchLoader(testSet, training.BatchLoaderConfig{BatchSize: config.BatchSize})
		if err != nil {
			return err
		}
		results, err := trainer.Evaluate(ctx, testLoader, training.EvaluateOptions{LoadBestModel: best != nil})
		if err != nil {
			return err
		}
		fmt.Println(panel("Test results", resultFields(results)))
		return nil
	},
}

func init() {
	f := trainCmd.Flags()
	f.StringVarP(&trainConfigPath, "config", "c", "", "JSON configuration file")
	f.StringVar(&trainResume, "resume", "", "Checkpoint to resume training from")
	f.Float64Var(&trainValidSplit, "valid-split", 0.1, "Fraction of the training file held out when no validation file is set")
	f.IntVar(&trainPromptLen, "prompt-length", 1, "Leading characters of each line used as the generation prompt")
	f.IntVar(&trainMaxLength, "max-length", charlm.DefaultConfig().MaxLength, "Longest generated continuation in characters")
	f.BoolVar(&trainNoProgress, "no-progress", false, "Do not render progress bars")

	f.StringVar(&trainOverrides.TrainFile, "train-file", "", "Training text, one sample per line")
	f.StringVar(&trainOverrides.ValidFile, "valid-file", "", "Validation text, one sample per line")
	f.StringVar(&trainOverrides.TestFile, "test-file", "", "Test text evaluated with the best model after training")
	f.StringVar(&trainOverrides.Filename, "filename", "", "Checkpoint and generated text base name")
	f.IntVarP(&trainOverrides.Epochs, "epochs", "e", trainOverrides.Epochs, "Number of training epochs")
	f.IntVar(&trainOverrides.BatchSize, "batch-size", trainOverrides.BatchSize, "Samples per batch")
	f.Int64Var(&trainOverrides.Seed, "seed", 0, "Random seed")
	f.Float64Var(&trainOverrides.LearningRate, "lr", trainOverrides.LearningRate, "Learning rate")
	f.StringVar(&trainOverrides.Optimizer, "optimizer", trainOverrides.Optimizer, "Optimizer (adam, sgd, adagrad, rmsprop)")
	f.StringVar(&trainOverrides.Scheduler, "scheduler", trainOverrides.Scheduler, "Learning rate scheduler (none, inverse, linear, cosine, constant)")
	f.IntVar(&trainOverrides.StoppingStep, "stopping-step", trainOverrides.StoppingStep, "Validations without improvement before stopping")
	f.StringVar(&trainOverrides.CheckpointDir, "checkpoint-dir", trainOverrides.CheckpointDir, "Checkpoint directory")
	f.StringVar(&trainOverrides.Dashboard, "dashboard", trainOverrides.Dashboard, "Dashboard backends (none, sqlite, postgres, sidecar)")
	f.StringVar(&trainOverrides.DashboardDSN, "dsn", "", "Dashboard database path or connection string")
	f.StringVar(&trainOverrides.SidecarURL, "sidecar-url", "", "Plotting sidecar base URL")
	f.BoolVar(&trainOverrides.DDP, "ddp", false, "Run as one rank of a data parallel group")
	f.IntVar(&trainOverrides.Rank, "rank", 0, "Rank of this process")
	f.IntVar(&trainOverrides.WorldSize, "world-size", trainOverrides.WorldSize, "Number of processes")
	f.StringVar(&trainOverrides.MasterAddr, "master-addr", trainOverrides.MasterAddr, "host:port of rank 0")
}

// applyTrainOverrides copies the explicitly set flags onto config
func applyTrainOverrides(cmd *cobra.Command, config *training.Config) {
	o := trainOverrides
	changed := cmd.Flags().Changed
	set := func(name string, apply func()) {
		if changed(name) {
			apply()
		}
	}

	set("train-file", func() { config.TrainFile = o.TrainFile })
	set("valid-file", func() { config.ValidFile = o.ValidFile })
	set("test-file", func() { config.TestFile = o.TestFile })
	set("filename", func() { config.Filename = o.Filename })
	set("epochs", func() { config.Epochs = o.Epochs })
	set("batch-size", func() { config.BatchSize = o.BatchSize })
	set("seed", func() { config.Seed = o.Seed })
	set("lr", func() { config.LearningRate = o.LearningRate })
	set("optimizer", func() { config.Optimizer = o.Optimizer })
	set("scheduler", func() { config.Scheduler = o.Scheduler })
	set("stopping-step", func() { config.StoppingStep = o.StoppingStep })
	set("checkpoint-dir", func() { config.CheckpointDir = o.CheckpointDir })
	set("dashboard", func() { config.Dashboard = o.Dashboard })
	set("dsn", func() { config.DashboardDSN = o.DashboardDSN })
	set("sidecar-url", func() { config.SidecarURL = o.SidecarURL })
	set("ddp", func() { config.DDP = o.DDP })
	set("rank", func() { config.Rank = o.Rank })
	set("world-size", func() { config.WorldSize = o.WorldSize })
	set("master-addr", func() { config.MasterAddr = o.MasterAddr })
}

// openCommunicator joins the TCP process group when the run is distributed
func openCommunicator(ctx context.Context, config *training.Config, logger *slog.Logger) (distributed.Communicator, error) {
	if !config.Distributed() {
		return distributed.NewSingle(), nil
	}
	logger.Info("joining process group", "addr", config.MasterAddr, "rank", config.Rank, "world_size", config.WorldSize)
	group, err := distributed.DialTCPGroup(ctx, distributed.TCPConfig{
		Addr:      config.MasterAddr,
		Rank:      config.Rank,
		WorldSize: config.WorldSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to join process group: %w", err)
	}
	return group, nil
}

// loadTrainingData reads the training file and the validation file, or
// splits validation off the training file
func loadTrainingData(config *training.Config) (train, valid training.SliceDataset, err error) {
	train, err = charlm.LoadLines(config.TrainFile, trainPromptLen)
	if err != nil {
		return nil, nil, err
	}
	if len(train) == 0 {
		return nil, nil, fmt.Errorf("training file %s has no samples", config.TrainFile)
	}

	if config.ValidFile != "" {
		valid, err = charlm.LoadLines(config.ValidFile, trainPromptLen)
		if err != nil {
			return nil, nil, err
		}
		return train, valid, nil
	}
	train, valid = charlm.Split(train, trainValidSplit)
	return train, valid, nil
}
