// Package charlm is a character-level unigram language model that plugs into
// the training package. It exists to exercise the training loop end to end
// on plain text files.
package charlm

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"github.com/Xiaoxue-xx/TextBox/checkpoints"
	"github.com/Xiaoxue-xx/TextBox/optimizer"
	"github.com/Xiaoxue-xx/TextBox/training"
)

const (
	eosID = 0 // Ends a generated text
	unkID = 1 // Characters outside the vocabulary

	logitsName = "logits"
	vocabName  = "vocab"
)

// Config holds the generation settings of a Model
type Config struct {
	MaxLength   int     // Longest generated continuation in characters (default: 64)
	Temperature float64 // Softmax temperature used when sampling (default: 1.0)
	Seed        int64   // Sampling seed
}

// DefaultConfig returns the default model configuration
func DefaultConfig() Config {
	return Config{
		MaxLength:   64,
		Temperature: 1.0,
		Seed:        1,
	}
}

// Model predicts every character from the same learned distribution.
// Each text is scored character by character followed by an end token.
type Model struct {
	config Config

	charToID map[rune]int
	idToChar []rune
	logits   *optimizer.Parameter

	rng      *rand.Rand
	training bool
}

// NewModel builds the vocabulary from corpus and starts from a uniform
// distribution
func NewModel(corpus []string, config Config) (*Model, error) {
	if config.MaxLength <= 0 {
		config.MaxLength = DefaultConfig().MaxLength
	}
	if config.Temperature <= 0 {
		config.Temperature = DefaultConfig().Temperature
	}

	seen := make(map[rune]bool)
	for _, text := range corpus {
		for _, r := range text {
			seen[r] = true
		}
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("corpus has no characters")
	}
	chars := make([]rune, 0, len(seen))
	for r := range seen {
		chars = append(chars, r)
	}
	sort.Slice(chars, func(i, j int) bool { return chars[i] < chars[j] })

	m := &Model{
		config:   config,
		rng:      rand.New(rand.NewSource(config.Seed)),
		training: true,
	}
	m.setVocabulary(chars)
	m.logits = optimizer.NewParameter(logitsName, []int{len(m.idToChar)})
	return m, nil
}

// FromState rebuilds a model from a state dict written by StateDict
func FromState(state []checkpoints.WeightTensor, config Config) (*Model, error) {
	var size int
	for _, w := range state {
		if w.Name == logitsName {
			size = len(w.Data)
		}
	}
	if size < 2 {
		return nil, fmt.Errorf("state dict has no usable %q tensor", logitsName)
	}
	if config.MaxLength <= 0 {
		config.MaxLength = DefaultConfig().MaxLength
	}
	if config.Temperature <= 0 {
		config.Temperature = DefaultConfig().Temperature
	}

	m := &Model{
		config:   config,
		rng:      rand.New(rand.NewSource(config.Seed)),
		training: true,
		logits:   optimizer.NewParameter(logitsName, []int{size}),
	}
	if err := m.LoadStateDict(state); err != nil {
		return nil, err
	}
	return m, nil
}

// setVocabulary installs chars after the reserved ids
func (m *Model) setVocabulary(chars []rune) {
	m.idToChar = make([]rune, 0, len(chars)+2)
	m.idToChar = append(m.idToChar, 0, 0) // eos, unk
	m.charToID = make(map[rune]int, len(chars))
	for _, r := range chars {
		m.charToID[r] = len(m.idToChar)
		m.idToChar = append(m.idToChar, r)
	}
}

// VocabSize returns the number of ids, reserved ones included
func (m *Model) VocabSize() int { return len(m.idToChar) }

// Encode maps text to ids, followed by the end id
func (m *Model) Encode(text string) []int {
	ids := make([]int, 0, len(text)+1)
	for _, r := range text {
		if id, ok := m.charToID[r]; ok {
			ids = append(ids, id)
		} else {
			ids = append(ids, unkID)
		}
	}
	return append(ids, eosID)
}

// Decode maps ids back to text, dropping reserved ids
func (m *Model) Decode(ids []int) string {
	var b strings.Builder
	for _, id := range ids {
		if id > unkID && id < len(m.idToChar) {
			b.WriteRune(m.idToChar[id])
		}
	}
	return b.String()
}

// Train sets the model to training mode
func (m *Model) Train() { m.training = true }

// Eval sets the model to evaluation mode
func (m *Model) Eval() { m.training = false }

// IsTraining returns true if in training mode
func (m *Model) IsTraining() bool { return m.training }

// Parameters returns the logits
func (m *Model) Parameters() []*optimizer.Parameter {
	return []*optimizer.Parameter{m.logits}
}

// Seed restarts the sampling sequence
func (m *Model) Seed(seed int64) {
	m.rng = rand.New(rand.NewSource(seed))
}

// Probabilities returns the softmax of the logits
func (m *Model) Probabilities() []float64 {
	return softmax(m.logits.Data, 1.0)
}

// Forward returns the mean negative log likelihood of the batch targets
func (m *Model) Forward(ctx context.Context, batch any, epochIdx int) (training.Loss, error) {
	b, ok := batch.(*training.Batch)
	if !ok {
		return nil, fmt.Errorf("unsupported batch type %T", batch)
	}

	counts := make([]float64, len(m.idToChar))
	total := 0.0
	for _, target := range b.Targets() {
		for _, id := range m.Encode(target) {
			counts[id]++
			total++
		}
	}
	if total == 0 {
		return nil, fmt.Errorf("batch has no targets")
	}

	probs := m.Probabilities()
	nll := 0.0
	for id, count := range counts {
		if count > 0 {
			nll -= count * math.Log(probs[id])
		}
	}

	return &unigramLoss{
		value:     nll / total,
		probs:     probs,
		empirical: normalize(counts, total),
		logits:    m.logits,
	}, nil
}

// Generate continues every source of the batch with sampled characters
func (m *Model) Generate(ctx context.Context, batch any) ([]string, error) {
	b, ok := batch.(*training.Batch)
	if !ok {
		return nil, fmt.Errorf("unsupported batch type %T", batch)
	}

	weights := softmax(m.logits.Data, m.config.Temperature)
	weights[unkID] = 0

	out := make([]string, 0, len(b.Samples))
	for _, sample := range b.Samples {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ids := make([]int, 0, m.config.MaxLength)
		for len(ids) < m.config.MaxLength {
			id := sampleWeighted(m.rng, weights)
			if id == eosID {
				break
			}
			ids = append(ids, id)
		}
		out = append(out, sample.Source+m.Decode(ids))
	}
	return out, nil
}

// StateDict returns the logits and the vocabulary code points
func (m *Model) StateDict() []checkpoints.WeightTensor {
	vocab := make([]float64, 0, len(m.idToChar)-2)
	for _, r := range m.idToChar[2:] {
		vocab = append(vocab, float64(r))
	}
	return []checkpoints.WeightTensor{
		{Name: logitsName, Shape: []int{len(m.logits.Data)}, Data: append([]float64(nil), m.logits.Data...)},
		{Name: vocabName, Shape: []int{len(vocab)}, Data: vocab},
	}
}

// LoadStateDict restores the vocabulary and logits
func (m *Model) LoadStateDict(state []checkpoints.WeightTensor) error {
	byName := make(map[string]checkpoints.WeightTensor, len(state))
	for _, w := range state {
		byName[w.Name] = w
	}
	vocab, ok := byName[vocabName]
	if !ok {
		return fmt.Errorf("state dict has no %q tensor", vocabName)
	}
	logits, ok := byName[logitsName]
	if !ok {
		return fmt.Errorf("state dict has no %q tensor", logitsName)
	}
	if len(logits.Data) != len(vocab.Data)+2 {
		return fmt.Errorf("logits size %d does not match vocabulary size %d", len(logits.Data), len(vocab.Data)+2)
	}

	// The optimizer holds buffers sized for the current logits
	if len(logits.Data) != len(m.logits.Data) {
		return fmt.Errorf("checkpoint vocabulary size %d differs from model vocabulary size %d", len(logits.Data), len(m.logits.Data))
	}

	chars := make([]rune, len(vocab.Data))
	for i, v := range vocab.Data {
		chars[i] = rune(v)
	}
	m.setVocabulary(chars)
	copy(m.logits.Data, logits.Data)
	return nil
}

// unigramLoss back-propagates the cross entropy of a softmax: the gradient
// with respect to the logits is the predicted minus the empirical distribution
type unigramLoss struct {
	value     float64
	probs     []float64
	empirical []float64
	logits    *optimizer.Parameter
}

func (l *unigramLoss) Value() float64 { return l.value }

func (l *unigramLoss) Backward() error {
	if len(l.logits.Grad) != len(l.probs) {
		return fmt.Errorf("gradient size %d does not match vocabulary size %d", len(l.logits.Grad), len(l.probs))
	}
	for i := range l.probs {
		l.logits.Grad[i] += l.probs[i] - l.empirical[i]
	}
	return nil
}

func softmax(logits []float64, temperature float64) []float64 {
	maxLogit := -math.MaxFloat64
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}
	sum := 0.0
	out := make([]float64, len(logits))
	for i, l := range logits {
		out[i] = math.Exp((l - maxLogit) / temperature)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func normalize(counts []float64, total float64) []float64 {
	out := make([]float64, len(counts))
	for i, c := range counts {
		out[i] = c / total
	}
	return out
}

func sampleWeighted(rng *rand.Rand, weights []float64) int {
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	r := rng.Float64() * sum
	running := 0.0
	for i, w := range weights {
		running += w
		if r <= running {
			return i
		}
	}
	return len(weights) - 1
}
