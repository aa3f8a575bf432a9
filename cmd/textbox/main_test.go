package main

import (
	"strings"
	"testing"

	"github.com/Xiaoxue-xx/TextBox/metrics"
	"github.com/Xiaoxue-xx/TextBox/training"
)

func TestApplyTrainOverrides(t *testing.T) {
	if err := trainCmd.Flags().Parse([]string{"--epochs", "7", "--lr", "0.5", "--train-file", "in.txt"}); err != nil {
		t.Fatalf("Failed to parse flags: %v", err)
	}

	config := training.DefaultConfig()
	config.Optimizer = "sgd"
	config.BatchSize = 4
	applyTrainOverrides(trainCmd, &config)

	if config.Epochs != 7 || config.LearningRate != 0.5 || config.TrainFile != "in.txt" {
		t.Errorf("Expected set flags to override, got epochs=%d lr=%g train=%q", config.Epochs, config.LearningRate, config.TrainFile)
	}
	if config.Optimizer != "sgd" || config.BatchSize != 4 {
		t.Errorf("Expected unset flags to keep config values, got optimizer=%q batch=%d", config.Optimizer, config.BatchSize)
	}
}

func TestResultFields(t *testing.T) {
	results := metrics.Results{
		"avg_len":  3.0,
		"distinct": map[string]float64{"distinct-2": 0.75, "distinct-1": 0.5},
		"preview":  "hello",
	}

	fields := resultFields(results)
	var keys []string
	for _, f := range fields {
		keys = append(keys, f.key)
	}
	expected := "avg_len,distinct/distinct-1,distinct/distinct-2,preview"
	if got := strings.Join(keys, ","); got != expected {
		t.Errorf("Expected rows %s, got %s", expected, got)
	}
	if fields[0].value != "3.0000" {
		t.Errorf("Expected formatted scalar, got %q", fields[0].value)
	}
}
