// Package main provides the textbox command line: training, evaluation and
// inspection of text generation runs.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Xiaoxue-xx/TextBox/training"
)

var version = "0.1.0"

// Root command flags
var (
	logLevel  string
	logFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "textbox",
	Short: "Train and evaluate text generation models",
	Long: `textbox runs the training loop of a text generation model over plain
text files.

It provides:
  - Training with validation cadence, early stopping and checkpoints
  - Data parallel training across processes over TCP
  - Evaluation of saved checkpoints on held out text
  - Inspection of checkpoints and recorded dashboard history`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")

	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(historyCmd)
}

// newLogger builds the process logger from the root flags
func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", logLevel)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(logFormat) {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", logFormat)
	}
}

// loadConfig reads path over the defaults, or returns the defaults
func loadConfig(path string) (*training.Config, error) {
	if path == "" {
		config := training.DefaultConfig()
		return &config, nil
	}
	return training.LoadConfig(path)
}
