package training

import "math"

// EarlyStopping tracks the best validation score and how many validations
// have passed without improving on it. A non-positive Patience never stops
// training but still tracks the best score.
type EarlyStopping struct {
	Patience      int
	BestScore     float64
	BestEpoch     int
	StoppingCount int
}

// NewEarlyStopping creates a monitor with no score seen yet
func NewEarlyStopping(patience int) *EarlyStopping {
	return &EarlyStopping{
		Patience:  patience,
		BestScore: math.Inf(-1),
		BestEpoch: -1,
	}
}

// Enabled reports whether the monitor can signal a stop
func (es *EarlyStopping) Enabled() bool {
	return es.Patience > 0
}

// Evaluate records score for epoch. improved reports a new best score; stop
// reports that the count of non-improving validations exceeds the patience.
func (es *EarlyStopping) Evaluate(score float64, epoch int) (stop bool, improved bool) {
	if score > es.BestScore {
		es.BestScore = score
		es.BestEpoch = epoch
		es.StoppingCount = 0
		return false, true
	}

	es.StoppingCount++
	return es.Enabled() && es.StoppingCount > es.Patience, false
}
