package charlm

import (
	"context"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Xiaoxue-xx/TextBox/checkpoints"
	"github.com/Xiaoxue-xx/TextBox/optimizer"
	"github.com/Xiaoxue-xx/TextBox/training"
)

func TestEncodeDecode(t *testing.T) {
	model, err := NewModel([]string{"abc", "cab"}, DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}
	if model.VocabSize() != 5 {
		t.Errorf("Expected 3 characters plus 2 reserved ids, got %d", model.VocabSize())
	}

	ids := model.Encode("abz")
	if len(ids) != 4 || ids[2] != unkID || ids[3] != eosID {
		t.Errorf("Unexpected encoding: %v", ids)
	}
	if got := model.Decode(ids); got != "ab" {
		t.Errorf("Expected reserved ids to be dropped, got %q", got)
	}

	if _, err := NewModel([]string{"", ""}, DefaultConfig()); err == nil {
		t.Error("Expected error for an empty corpus")
	}
}

func TestForwardAndBackward(t *testing.T) {
	model, err := NewModel([]string{"ab"}, DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}
	batch := &training.Batch{Samples: []training.Sample{{Target: "aab"}}}

	loss, err := model.Forward(context.Background(), batch, 0)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	// Uniform logits over 4 ids
	if math.Abs(loss.Value()-math.Log(4)) > 1e-12 {
		t.Errorf("Expected loss log(4), got %g", loss.Value())
	}

	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	grad := model.Parameters()[0].Grad
	sum := 0.0
	for _, g := range grad {
		sum += g
	}
	if math.Abs(sum) > 1e-12 {
		t.Errorf("Expected softmax gradient to sum to zero, got %g", sum)
	}
	// 'a' is half of the 4 targets (a, a, b, eos)
	aID := model.Encode("a")[0]
	if math.Abs(grad[aID]-(0.25-0.5)) > 1e-12 {
		t.Errorf("Expected gradient -0.25 for 'a', got %g", grad[aID])
	}

	if _, err := model.Forward(context.Background(), "not a batch", 0); err == nil {
		t.Error("Expected error for unsupported batch type")
	}
}

func TestTrainingLowersLoss(t *testing.T) {
	model, err := NewModel([]string{"aaab"}, DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}
	opt, err := optimizer.New(optimizer.SGD, model.Parameters(), 1.0)
	if err != nil {
		t.Fatalf("Failed to create optimizer: %v", err)
	}
	batch := &training.Batch{Samples: []training.Sample{{Target: "aaab"}}}

	var first, last float64
	for step := 0; step < 50; step++ {
		opt.ZeroGrad()
		loss, err := model.Forward(context.Background(), batch, 0)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if step == 0 {
			first = loss.Value()
		}
		last = loss.Value()
		loss.Backward()
		opt.Step()
	}

	if !(last < first) {
		t.Errorf("Expected loss to decrease, first %g last %g", first, last)
	}
	probs := model.Probabilities()
	if probs[model.Encode("a")[0]] < probs[model.Encode("b")[0]] {
		t.Errorf("Expected 'a' to become more likely than 'b': %v", probs)
	}
}

func TestGenerateIsSeeded(t *testing.T) {
	config := DefaultConfig()
	config.MaxLength = 10
	model, err := NewModel([]string{"hello world"}, config)
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}
	batch := &training.Batch{Samples: []training.Sample{{Source: "he"}, {Source: "wo"}}}

	model.Seed(3)
	first, err := model.Generate(context.Background(), batch)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	model.Seed(3)
	second, err := model.Generate(context.Background(), batch)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if len(first) != 2 {
		t.Fatalf("Expected one text per sample, got %d", len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("Sample %d: expected identical texts after reseeding, got %q and %q", i, first[i], second[i])
		}
		if !strings.HasPrefix(first[i], batch.Samples[i].Source) {
			t.Errorf("Sample %d: expected the source as prefix, got %q", i, first[i])
		}
		if len([]rune(first[i])) > 12 {
			t.Errorf("Sample %d: text exceeds the maximum length: %q", i, first[i])
		}
	}
}

func TestStateDictRoundTrip(t *testing.T) {
	model, err := NewModel([]string{"xyz"}, DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}
	for i := range model.logits.Data {
		model.logits.Data[i] = float64(i) * 0.5
	}

	restored, err := FromState(model.StateDict(), DefaultConfig())
	if err != nil {
		t.Fatalf("FromState failed: %v", err)
	}
	if restored.VocabSize() != model.VocabSize() {
		t.Fatalf("Expected vocabulary size %d, got %d", model.VocabSize(), restored.VocabSize())
	}
	for i := range model.logits.Data {
		if restored.logits.Data[i] != model.logits.Data[i] {
			t.Errorf("Logit %d: expected %g, got %g", i, model.logits.Data[i], restored.logits.Data[i])
		}
	}
	if got := restored.Decode(restored.Encode("zyx")); got != "zyx" {
		t.Errorf("Expected vocabulary to be restored, decoded %q", got)
	}

	other, _ := NewModel([]string{"abcdef"}, DefaultConfig())
	if err := other.LoadStateDict(model.StateDict()); err == nil {
		t.Error("Expected error for a vocabulary size mismatch")
	}
	if err := model.LoadStateDict([]checkpoints.WeightTensor{{Name: "logits"}}); err == nil {
		t.Error("Expected error for a state dict without vocabulary")
	}
}

func TestEvaluator(t *testing.T) {
	evaluator := NewEvaluator(nil)
	generated := []string{"a b a b", "a c"}

	results, err := evaluator.Evaluate(context.Background(), generated, nil, []string{"avg_len", "bleu", "distinct"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if _, ok := results["bleu"]; ok {
		t.Error("Expected unsupported metrics to be skipped")
	}
	if results["avg_len"] != 3.0 {
		t.Errorf("Expected avg_len 3, got %v", results["avg_len"])
	}

	distinct, ok := results["distinct"].(map[string]float64)
	if !ok {
		t.Fatalf("Expected distinct to be a map, got %T", results["distinct"])
	}
	// Unigrams: a b a b a c -> 3 unique of 6
	if math.Abs(distinct["distinct-1"]-0.5) > 1e-12 {
		t.Errorf("Expected distinct-1 0.5, got %g", distinct["distinct-1"])
	}
	// Bigrams: ab ba ab ac -> 3 unique of 4
	if math.Abs(distinct["distinct-2"]-0.75) > 1e-12 {
		t.Errorf("Expected distinct-2 0.75, got %g", distinct["distinct-2"])
	}

	if Distinct(nil, 1) != 0 || AverageLength(nil) != 0 {
		t.Error("Expected zero statistics for an empty corpus")
	}
}

func TestReadLinesAndSplit(t *testing.T) {
	text := "first line\n\n  second line  \nthird\nfourth\n"
	dataset, err := ReadLines(strings.NewReader(text), 3)
	if err != nil {
		t.Fatalf("ReadLines failed: %v", err)
	}
	if len(dataset) != 4 {
		t.Fatalf("Expected 4 samples, got %d", len(dataset))
	}
	if dataset[1].Target != "second line" || dataset[1].Source != "sec" {
		t.Errorf("Unexpected sample: %+v", dataset[1])
	}

	train, valid := Split(dataset, 0.25)
	if len(train) != 3 || len(valid) != 1 || valid[0].Target != "fourth" {
		t.Errorf("Unexpected split: %d/%d", len(train), len(valid))
	}
	train, valid = Split(dataset, 0.99)
	if len(train) != 1 || len(valid) != 3 {
		t.Errorf("Expected at least one training sample, got %d/%d", len(train), len(valid))
	}
	train, valid = Split(dataset, 0)
	if len(train) != 4 || valid != nil {
		t.Errorf("Expected no validation split, got %d/%d", len(train), len(valid))
	}

	if _, err := LoadLines(filepath.Join(t.TempDir(), "missing.txt"), 0); err == nil {
		t.Error("Expected error for a missing file")
	}
}

func TestTrainerIntegration(t *testing.T) {
	dir := t.TempDir()
	lines := []string{"the cat sat", "the dog ran", "a cat ran", "the cat ate", "a dog sat", "the end"}
	dataset := make(training.SliceDataset, len(lines))
	for i, line := range lines {
		dataset[i] = training.Sample{Source: "t", Target: line}
	}
	trainSet, validSet := Split(dataset, 0.34)

	model, err := NewModel(Targets(dataset), DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}

	config := training.DefaultConfig()
	config.Filename = "charlm-test"
	config.CheckpointDir = filepath.Join(dir, "saved")
	config.GeneratedTextDir = filepath.Join(dir, "generated")
	config.Epochs = 3
	config.LearningRate = 0.1
	config.ValidMetrics = "distinct,avg_len"

	trainer, err := training.NewTrainer(&config, model, training.WithEvaluator(NewEvaluator(nil)))
	if err != nil {
		t.Fatalf("Failed to create trainer: %v", err)
	}

	trainLoader, _ := training.NewBatchLoader(trainSet, training.BatchLoaderConfig{BatchSize: 2, Shuffle: true})
	validLoader, _ := training.NewBatchLoader(validSet, training.BatchLoaderConfig{BatchSize: 2})
	best, err := trainer.Fit(context.Background(), trainLoader, validLoader)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if best == nil {
		t.Fatal("Expected a best validation summary")
	}
	if _, ok := best.Results["distinct"]; !ok {
		t.Errorf("Expected distinct results in the best summary, got %v", best.Results)
	}

	losses := trainer.TrainLossHistory()
	if len(losses) == 0 || !(losses[len(losses)-1] < losses[0]) {
		t.Errorf("Expected the training loss to decrease, got %v", losses)
	}

	checkpoint, err := trainer.Store().LoadBest()
	if err != nil {
		t.Fatalf("Failed to load best checkpoint: %v", err)
	}
	if _, err := FromState(checkpoint.StateDict, DefaultConfig()); err != nil {
		t.Errorf("Failed to rebuild model from checkpoint: %v", err)
	}
}
