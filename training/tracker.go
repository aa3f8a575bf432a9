package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/Xiaoxue-xx/TextBox/dashboard"
	"github.com/Xiaoxue-xx/TextBox/distributed"
	"github.com/Xiaoxue-xx/TextBox/metrics"
)

// ErrInvalidLoss is returned when a step produces a NaN loss
var ErrInvalidLoss = errors.New("loss is NaN")

// EpochTracker accumulates the losses and metric results of one epoch in one
// mode. Loss and Score are computed on first use and cached; when the group
// has more than one rank, the first Loss call is a collective every rank
// must make.
type EpochTracker struct {
	epochIdx  int
	mode      metrics.Mode
	comm      distributed.Communicator
	dashboard dashboard.Dashboard
	logger    *slog.Logger

	accumulateLoss float64
	accumulateStep int
	results        metrics.Results

	lossReady  bool
	loss       float64
	scoreReady bool
	score      float64
}

// NewEpochTracker creates the tracker of epochIdx in mode. A nil
// communicator is single-process and a nil dashboard discards scalars.
func NewEpochTracker(epochIdx int, mode metrics.Mode, comm distributed.Communicator, dash dashboard.Dashboard, logger *slog.Logger) *EpochTracker {
	if comm == nil {
		comm = distributed.NewSingle()
	}
	if dash == nil {
		dash = dashboard.Nil{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	dash.UpdateAxes(string(mode) + "/epoch")
	return &EpochTracker{
		epochIdx:  epochIdx,
		mode:      mode,
		comm:      comm,
		dashboard: dash,
		logger:    logger,
		results:   metrics.Results{},
	}
}

// EpochIdx returns the tracked epoch
func (t *EpochTracker) EpochIdx() int { return t.epochIdx }

// Mode returns the tracked mode
func (t *EpochTracker) Mode() metrics.Mode { return t.mode }

// Steps returns how many losses were appended
func (t *EpochTracker) Steps() int { return t.accumulateStep }

// AppendLoss records the loss of one step. A NaN loss fails with
// ErrInvalidLoss and leaves the tracker untouched.
func (t *EpochTracker) AppendLoss(loss float64) error {
	if math.IsNaN(loss) {
		return fmt.Errorf("epoch %d step %d: %w", t.epochIdx, t.accumulateStep, ErrInvalidLoss)
	}
	t.dashboard.AddScalar("loss/"+string(t.mode), loss)
	t.dashboard.UpdateAxes(string(t.mode) + "/step")

	t.accumulateLoss += loss
	t.accumulateStep++
	return nil
}

// SetResult merges metric results; later calls overwrite same-named metrics
func (t *EpochTracker) SetResult(results metrics.Results) {
	for _, name := range results.Names() {
		t.dashboard.AddAny("metrics/"+name, results[name])
		t.results[name] = results[name]
	}
}

// Results returns a copy of the recorded metric results
func (t *EpochTracker) Results() metrics.Results {
	return t.results.Clone()
}

// Loss returns the mean appended loss, averaged over ranks in distributed
// runs. It is +Inf, with a warning, when nothing was appended.
func (t *EpochTracker) Loss(ctx context.Context) (float64, error) {
	if t.lossReady {
		return t.loss, nil
	}

	loss := math.Inf(1)
	if t.accumulateStep == 0 {
		t.logger.Warn("trying to access epoch average loss before appending any", "epoch", t.epochIdx, "mode", t.mode)
	} else {
		loss = t.accumulateLoss / float64(t.accumulateStep)
	}

	if worldSize := t.comm.WorldSize(); worldSize > 1 {
		reduced, err := t.comm.AllReduceSum(ctx, []float64{loss})
		if err != nil {
			return 0, fmt.Errorf("failed to reduce %s loss of epoch %d: %w", t.mode, t.epochIdx, err)
		}
		loss = reduced[0] / float64(worldSize)
	}

	t.loss = loss
	t.lossReady = true
	return loss, nil
}

// Score returns the validation score: the sum over metrics of the mean of
// each metric's numeric members, or the negated loss when no metric has a
// numeric member. ok is false in train mode, where no score exists.
func (t *EpochTracker) Score(ctx context.Context) (score float64, ok bool, err error) {
	if t.mode == metrics.Train {
		t.logger.Warn("score is unavailable in training epochs", "epoch", t.epochIdx)
		return 0, false, nil
	}
	if t.scoreReady {
		return t.score, true, nil
	}

	found := false
	for _, name := range t.results.Names() {
		values, recognized := metrics.NumericMembers(t.results[name])
		if !recognized {
			if _, isText := t.results[name].(string); !isText {
				t.logger.Warn("failed when working out score of metric", "metric", name)
			}
			continue
		}
		if len(values) == 0 {
			continue
		}
		score += metrics.Mean(values)
		found = true
	}

	if found {
		t.dashboard.AddScalar("metrics/score", score)
	} else {
		loss, err := t.Loss(ctx)
		if err != nil {
			return 0, false, err
		}
		score = -loss
	}

	t.score = score
	t.scoreReady = true
	return score, true, nil
}

// Summary finalizes the epoch into an immutable summary
func (t *EpochTracker) Summary(ctx context.Context) (metrics.EpochSummary, error) {
	loss, err := t.Loss(ctx)
	if err != nil {
		return metrics.EpochSummary{}, err
	}
	return metrics.EpochSummary{
		EpochIdx: t.epochIdx,
		Mode:     t.mode,
		Loss:     loss,
		Results:  t.results.Clone(),
	}, nil
}

// Info logs the epoch line with its duration and, in valid mode, the metric results
func (t *EpochTracker) Info(ctx context.Context, duration time.Duration, extra string) error {
	loss, err := t.Loss(ctx)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Epoch %d, ", t.epochIdx)
	if extra != "" {
		b.WriteString(extra + " ")
	}
	fmt.Fprintf(&b, "%s [time: %.2fs, %s_loss: %.4f", t.mode, duration.Seconds(), t.mode, loss)
	if t.mode == metrics.Valid {
		for _, name := range t.results.Names() {
			if name != "loss" {
				fmt.Fprintf(&b, ", %s: %v", name, t.results[name])
			}
		}
	}
	b.WriteString("]")

	t.logger.Info(b.String(), "epoch", t.epochIdx, "mode", string(t.mode), "loss", loss, "duration", duration)
	return nil
}
