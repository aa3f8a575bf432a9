package charlm

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/Xiaoxue-xx/TextBox/metrics"
)

// Evaluator computes the corpus statistics that need no reference model:
// distinct n-gram ratios and average length, both over whitespace tokens.
// Other requested metrics are skipped with a warning.
type Evaluator struct {
	logger *slog.Logger
}

// NewEvaluator creates an evaluator; a nil logger discards
func NewEvaluator(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Evaluator{logger: logger}
}

// Evaluate returns "distinct" as {"distinct-1", "distinct-2"} and "avg_len"
// when requested
func (e *Evaluator) Evaluate(ctx context.Context, generated, references []string, metricNames []string) (metrics.Results, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tokenized := make([][]string, len(generated))
	for i, text := range generated {
		tokenized[i] = strings.Fields(text)
	}

	results := metrics.Results{}
	for _, name := range metricNames {
		switch name {
		case "distinct":
			results[name] = map[string]float64{
				"distinct-1": Distinct(tokenized, 1),
				"distinct-2": Distinct(tokenized, 2),
			}
		case "avg_len":
			results[name] = AverageLength(tokenized)
		default:
			e.logger.Warn("metric is not computed by this evaluator", "metric", name)
		}
	}
	return results, nil
}

// Distinct returns the ratio of unique n-grams to all n-grams in the corpus,
// 0 when there are none
func Distinct(corpus [][]string, n int) float64 {
	if n <= 0 {
		return 0
	}
	unique := make(map[string]struct{})
	total := 0
	for _, tokens := range corpus {
		for i := 0; i+n <= len(tokens); i++ {
			unique[strings.Join(tokens[i:i+n], "\x00")] = struct{}{}
			total++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(len(unique)) / float64(total)
}

// AverageLength returns the mean number of tokens per text
func AverageLength(corpus [][]string) float64 {
	if len(corpus) == 0 {
		return 0
	}
	total := 0
	for _, tokens := range corpus {
		total += len(tokens)
	}
	return float64(total) / float64(len(corpus))
}
