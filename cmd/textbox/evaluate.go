package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Xiaoxue-xx/TextBox/charlm"
	"github.com/Xiaoxue-xx/TextBox/checkpoints"
	"github.com/Xiaoxue-xx/TextBox/training"
)

// Evaluate command flags
var (
	evalConfigPath string
	evalCheckpoint string
	evalTestFile   string
	evalMetrics    string
	evalPromptLen  int
	evalMaxLength  int
	evalPreview    bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate a checkpoint on a text file",
	Long: `Generate a continuation for every line of the test file with a saved
model and score the generated corpus with the configured metrics.

The generated texts are written to the generated text directory. Without
metrics, or with --preview, only the first generated text is shown.`,
	Example: `  # Evaluate the best checkpoint of a run
  textbox evaluate --config run.json --test-file data/test.txt

  # Evaluate a specific checkpoint
  textbox evaluate --checkpoint saved/charlm_epoch-3.json --test-file data/test.txt --metrics distinct,avg_len`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}

		config, err := loadConfig(evalConfigPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("test-file") {
			config.TestFile = evalTestFile
		}
		if cmd.Flags().Changed("metrics") {
			config.Metrics = evalMetrics
		}
		if config.TestFile == "" {
			return fmt.Errorf("no test file: set test_file in the config or pass --test-file")
		}

		path := evalCheckpoint
		if path == "" {
			if config.Filename == "" {
				return fmt.Errorf("pass --checkpoint or set filename in the config to locate the best checkpoint")
			}
			format, err := checkpoints.ParseFormat(config.CheckpointFormat)
			if err != nil {
				return err
			}
			path = filepath.Join(config.CheckpointDir, config.Filename+"."+format.Extension())
		}
		format := checkpoints.FormatFromPath(path, checkpoints.FormatJSON)
		checkpoint, err := checkpoints.NewCheckpointSaver(format).LoadCheckpoint(path)
		if err != nil {
			return err
		}
		// The checkpoint decides the output names and format
		if config.Filename == "" {
			config.Filename = checkpoint.ConfigString("filename")
		}
		config.CheckpointFormat = format.Extension()
		config.CheckpointDir = filepath.Dir(path)
		if err := config.Validate(logger); err != nil {
			return err
		}

		model, err := charlm.FromState(checkpoint.StateDict, charlm.Config{
			MaxLength: evalMaxLength,
			Seed:      config.Seed,
		})
		if err != nil {
			return err
		}
		trainer, err := training.NewTrainer(config, model,
			training.WithLogger(logger),
			training.WithEvaluator(charlm.NewEvaluator(logger)),
		)
		if err != nil {
			return err
		}

		testSet, err := charlm.LoadLines(config.TestFile, evalPromptLen)
		if err != nil {
			return err
		}
		loader, err := training.NewBatchLoader(testSet, training.BatchLoaderConfig{BatchSize: config.BatchSize})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		results, err := trainer.Evaluate(ctx, loader, training.EvaluateOptions{
			LoadBestModel: true,
			ModelFile:     path,
			Preview:       evalPreview,
		})
		if err != nil {
			return err
		}
		fmt.Println(panel(fmt.Sprintf("Evaluation of %s", path), resultFields(results)))
		return nil
	},
}

func init() {
	f := evaluateCmd.Flags()
	f.StringVarP(&evalConfigPath, "config", "c", "", "JSON configuration file")
	f.StringVar(&evalCheckpoint, "checkpoint", "", "Checkpoint to evaluate (default: the best checkpoint of the configured run)")
	f.StringVar(&evalTestFile, "test-file", "", "Test text, one sample per line")
	f.StringVar(&evalMetrics, "metrics", "", "Comma separated metrics")
	f.IntVar(&evalPromptLen, "prompt-length", 1, "Leading characters of each line used as the generation prompt")
	f.IntVar(&evalMaxLength, "max-length", charlm.DefaultConfig().MaxLength, "Longest generated continuation in characters")
	f.BoolVar(&evalPreview, "preview", false, "Only show the first generated text")
}
