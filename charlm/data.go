package charlm

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Xiaoxue-xx/TextBox/training"
)

// ReadLines reads one sample per non-empty line. With promptLength > 0 the
// first promptLength characters of a line become the source and the whole
// line the target.
func ReadLines(r io.Reader, promptLength int) (training.SliceDataset, error) {
	var dataset training.SliceDataset

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		sample := training.Sample{Target: line}
		if promptLength > 0 {
			runes := []rune(line)
			sample.Source = string(runes[:min(promptLength, len(runes))])
		}
		dataset = append(dataset, sample)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read lines: %w", err)
	}
	return dataset, nil
}

// LoadLines reads a text file with ReadLines
func LoadLines(path string, promptLength int) (training.SliceDataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	dataset, err := ReadLines(f, promptLength)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return dataset, nil
}

// Split holds out the last fraction of dataset for validation. At least one
// sample stays on each side when the dataset has two or more.
func Split(dataset training.SliceDataset, validFraction float64) (train, valid training.SliceDataset) {
	if validFraction <= 0 || len(dataset) < 2 {
		return dataset, nil
	}
	n := int(float64(len(dataset)) * validFraction)
	n = max(1, min(n, len(dataset)-1))
	cut := len(dataset) - n
	return dataset[:cut], dataset[cut:]
}

// Targets returns the target texts of dataset
func Targets(dataset training.SliceDataset) []string {
	out := make([]string, len(dataset))
	for i, s := range dataset {
		out[i] = s.Target
	}
	return out
}
