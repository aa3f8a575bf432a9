package training

import (
	"io"
	"log/slog"
)

// Position identifies where in the loop a validation check is made
type Position string

const (
	AtEpoch Position = "epoch"
	AtStep  Position = "step"
)

// EvalCadence decides when validation is due. It is resolved once from the
// eval_epoch and eval_step settings; exactly one mode is active.
type EvalCadence struct {
	mode     Position
	interval int
	count    int
}

// NewEvalCadence resolves the cadence. When both settings are positive the
// step setting is ignored; when neither is, validation runs every epoch.
func NewEvalCadence(evalEpoch, evalStep int, logger *slog.Logger) *EvalCadence {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if evalEpoch > 0 && evalStep > 0 {
		logger.Warn(`"eval_step" and "eval_epoch" are specified at the same time, "eval_step" has been ignored`,
			"eval_epoch", evalEpoch, "eval_step", evalStep)
		evalStep = 0
	} else if evalEpoch <= 0 && evalStep <= 0 {
		logger.Warn(`"eval_step" and "eval_epoch" are both unset, "eval_epoch" has been set to 1`)
		evalEpoch = 1
	}

	if evalEpoch > 0 {
		logger.Info("eval mode: validate every epoch interval", "interval", evalEpoch)
		return &EvalCadence{mode: AtEpoch, interval: evalEpoch}
	}
	logger.Info("eval mode: validate every step interval", "interval", evalStep)
	return &EvalCadence{mode: AtStep, interval: evalStep}
}

// Due counts a call at the active position and reports whether the count is
// a multiple of the interval. Calls at the other position are ignored.
func (c *EvalCadence) Due(position Position) bool {
	if position != c.mode || c.interval <= 0 {
		return false
	}
	c.count++
	return c.count%c.interval == 0
}

// Mode returns the active position
func (c *EvalCadence) Mode() Position { return c.mode }

// Interval returns the validation interval
func (c *EvalCadence) Interval() int { return c.interval }

// Count returns how many calls were made at the active position
func (c *EvalCadence) Count() int { return c.count }

// Ordinal returns how many validations have been due so far
func (c *EvalCadence) Ordinal() int {
	if c.interval <= 0 {
		return 0
	}
	return c.count / c.interval
}
