package training

import (
	"fmt"
	"math"
	"strings"

	"github.com/Xiaoxue-xx/TextBox/optimizer"
)

// SchedulerKind selects a learning rate schedule
type SchedulerKind int

const (
	NoScheduler SchedulerKind = iota
	InverseSquareRoot
	Cosine
	Linear
	Constant
)

func (k SchedulerKind) String() string {
	switch k {
	case NoScheduler:
		return "none"
	case InverseSquareRoot:
		return "inverse"
	case Cosine:
		return "cosine"
	case Linear:
		return "linear"
	case Constant:
		return "constant"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// NeedsMaxSteps reports whether the schedule decays toward a total step budget
func (k SchedulerKind) NeedsMaxSteps() bool {
	return k == Cosine || k == Linear
}

// ParseSchedulerKind resolves a scheduler name. An empty name disables scheduling.
func ParseSchedulerKind(name string) (SchedulerKind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return NoScheduler, nil
	case "inverse", "inverse_sqrt", "inverse-square-root":
		return InverseSquareRoot, nil
	case "cosine":
		return Cosine, nil
	case "linear":
		return Linear, nil
	case "constant":
		return Constant, nil
	default:
		return NoScheduler, fmt.Errorf("unknown scheduler %q", name)
	}
}

// LRScheduler defines the interface for learning rate scheduling strategies.
// GetLR is a pure function of the global step, which starts at 1.
type LRScheduler interface {
	// GetLR returns the learning rate for the given step
	GetLR(step int) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// Warmup holds the parameters shared by every schedule: below WarmupSteps the
// rate interpolates linearly from InitLR to PeakLR.
type Warmup struct {
	InitLR      float64
	PeakLR      float64
	WarmupSteps int
}

// warmupLR returns the warmup rate and whether step is still warming up
func (w Warmup) warmupLR(step int) (float64, bool) {
	if w.WarmupSteps <= 0 || step > w.WarmupSteps {
		return 0, false
	}
	return w.InitLR + float64(step)*(w.PeakLR-w.InitLR)/float64(w.WarmupSteps), true
}

// InverseSquareRootScheduler decays proportionally to 1/sqrt(step) after warmup
type InverseSquareRootScheduler struct {
	Warmup
}

func (s *InverseSquareRootScheduler) GetLR(step int) float64 {
	if lr, ok := s.warmupLR(step); ok {
		return lr
	}
	if step < 1 {
		step = 1
	}
	return s.PeakLR * math.Sqrt(float64(max(s.WarmupSteps, 1))) / math.Sqrt(float64(step))
}

func (s *InverseSquareRootScheduler) GetName() string {
	return "InverseSquareRoot"
}

// CosineScheduler follows a half cosine from the peak rate to zero at MaxSteps
type CosineScheduler struct {
	Warmup
	MaxSteps int
}

func (s *CosineScheduler) GetLR(step int) float64 {
	if lr, ok := s.warmupLR(step); ok {
		return lr
	}
	progress := float64(step-s.WarmupSteps) / float64(max(1, s.MaxSteps-s.WarmupSteps))
	progress = math.Max(0, math.Min(1, progress))
	return s.PeakLR * 0.5 * (1 + math.Cos(math.Pi*progress))
}

func (s *CosineScheduler) GetName() string {
	return "Cosine"
}

// LinearScheduler decays linearly from the peak rate to zero at MaxSteps
type LinearScheduler struct {
	Warmup
	MaxSteps int
}

func (s *LinearScheduler) GetLR(step int) float64 {
	if lr, ok := s.warmupLR(step); ok {
		return lr
	}
	remaining := float64(s.MaxSteps-step) / float64(max(1, s.MaxSteps-s.WarmupSteps))
	return s.PeakLR * math.Max(0, remaining)
}

func (s *LinearScheduler) GetName() string {
	return "Linear"
}

// ConstantScheduler holds the peak rate after warmup
type ConstantScheduler struct {
	Warmup
}

func (s *ConstantScheduler) GetLR(step int) float64 {
	if lr, ok := s.warmupLR(step); ok {
		return lr
	}
	return s.PeakLR
}

func (s *ConstantScheduler) GetName() string {
	return "Constant"
}

// NewLRScheduler builds the schedule for kind. NoScheduler yields nil.
func NewLRScheduler(kind SchedulerKind, initLR, peakLR float64, warmupSteps, maxSteps int) (LRScheduler, error) {
	warmup := Warmup{InitLR: initLR, PeakLR: peakLR, WarmupSteps: warmupSteps}

	switch kind {
	case NoScheduler:
		return nil, nil
	case InverseSquareRoot:
		return &InverseSquareRootScheduler{Warmup: warmup}, nil
	case Cosine:
		return &CosineScheduler{Warmup: warmup, MaxSteps: maxSteps}, nil
	case Linear:
		return &LinearScheduler{Warmup: warmup, MaxSteps: maxSteps}, nil
	case Constant:
		return &ConstantScheduler{Warmup: warmup}, nil
	default:
		return nil, fmt.Errorf("unsupported scheduler kind: %s", kind)
	}
}

// ScheduledOptimizer drives a base optimizer's learning rate from a schedule.
// Each Step advances the global step counter, writes the scheduled rate into
// the base optimizer and then steps it.
type ScheduledOptimizer struct {
	optimizer.Optimizer

	kind     SchedulerKind
	schedule LRScheduler
	warmup   Warmup
	maxSteps int
	step     int
}

// NewScheduledOptimizer wraps base with the schedule described by the
// arguments. For NoScheduler base is returned unchanged.
func NewScheduledOptimizer(base optimizer.Optimizer, kind SchedulerKind, initLR, peakLR float64, warmupSteps, maxSteps int) (optimizer.Optimizer, error) {
	schedule, err := NewLRScheduler(kind, initLR, peakLR, warmupSteps, maxSteps)
	if err != nil {
		return nil, err
	}
	if schedule == nil {
		return base, nil
	}

	return &ScheduledOptimizer{
		Optimizer: base,
		kind:      kind,
		schedule:  schedule,
		warmup:    Warmup{InitLR: initLR, PeakLR: peakLR, WarmupSteps: warmupSteps},
		maxSteps:  maxSteps,
	}, nil
}

// Step applies the scheduled rate and steps the base optimizer
func (s *ScheduledOptimizer) Step() error {
	s.step++
	s.Optimizer.UpdateLearningRate(s.schedule.GetLR(s.step))
	return s.Optimizer.Step()
}

// ScheduleStep returns the global step counter
func (s *ScheduledOptimizer) ScheduleStep() int {
	return s.step
}

// Schedule returns the learning rate schedule
func (s *ScheduledOptimizer) Schedule() LRScheduler {
	return s.schedule
}

// Base returns the wrapped optimizer
func (s *ScheduledOptimizer) Base() optimizer.Optimizer {
	return s.Optimizer
}

// GetState extracts the base optimizer state and attaches the schedule state
func (s *ScheduledOptimizer) GetState() (*optimizer.OptimizerState, error) {
	state, err := s.Optimizer.GetState()
	if err != nil {
		return nil, err
	}
	state.Scheduler = map[string]interface{}{
		"kind":         s.kind.String(),
		"step":         s.step,
		"init_lr":      s.warmup.InitLR,
		"peak_lr":      s.warmup.PeakLR,
		"warmup_steps": s.warmup.WarmupSteps,
		"max_steps":    s.maxSteps,
	}
	return state, nil
}

// LoadState restores the schedule position and the base optimizer state.
// The schedule parameters themselves stay as configured.
func (s *ScheduledOptimizer) LoadState(state *optimizer.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Scheduler != nil {
		switch step := state.Scheduler["step"].(type) {
		case int:
			s.step = step
		case float64:
			s.step = int(step)
		}
	}
	return s.Optimizer.LoadState(state)
}
