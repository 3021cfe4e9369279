package optimizers

import (
	"math"

	"github.com/gradflow/gradflow/pkg/support/misconfig"
)

// This file implements learning rate schedules.

// Scheduler adjusts the learning rates of an optimizer. Step is called by
// the loop once per scheduling interval.
type Scheduler interface {
	// Step advances the schedule by one interval and updates the
	// optimizer's learning rates.
	Step()

	// LastLRs returns the learning rates set by the most recent Step,
	// one per parameter group.
	LastLRs() []float64
}

// Interval at which a scheduler steps.
type Interval string

const (
	// IntervalEpoch steps the scheduler once per epoch.
	IntervalEpoch Interval = "epoch"

	// IntervalStep steps the scheduler once per optimizer step.
	IntervalStep Interval = "step"
)

// SchedulerConfig wraps a Scheduler with the metadata the loop needs to
// drive it.
type SchedulerConfig struct {
	Scheduler Scheduler

	// Name for logging; may be empty.
	Name string

	// Interval at which the scheduler steps.
	Interval Interval

	// Frequency of stepping, in intervals.
	Frequency int

	// ReduceOnPlateau marks schedulers that monitor a metric instead of
	// following a fixed decay; Monitor names the metric.
	ReduceOnPlateau bool
	Monitor         string
}

// NewSchedulerConfig wraps a scheduler with the default scheduling metadata:
// stepped once per epoch, not a plateau monitor.
func NewSchedulerConfig(scheduler Scheduler) SchedulerConfig {
	return SchedulerConfig{
		Scheduler: scheduler,
		Interval:  IntervalEpoch,
		Frequency: 1,
	}
}

// AnnealStrategy selects how SWALR interpolates towards the target learning
// rate.
type AnnealStrategy string

const (
	// AnnealCos anneals along a half cosine.
	AnnealCos AnnealStrategy = "cos"

	// AnnealLinear anneals linearly.
	AnnealLinear AnnealStrategy = "linear"
)

// SWALR anneals each parameter group's learning rate from its current value
// to a fixed target over a number of epochs, then holds the target. It is
// the schedule used during the weight-averaging window.
type SWALR struct {
	opt          Optimizer
	initialLRs   []float64
	targetLRs    []float64
	annealEpochs int
	strategy     AnnealStrategy
	step         int
	lastLRs      []float64
}

// NewSWALR creates the annealing schedule over the optimizer's parameter
// groups.
//
// targetLRs must hold either a single learning rate, applied to every group,
// or exactly one value per group. annealingEpochs is the length of the
// annealing phase; with 0 the targets apply from the first step.
func NewSWALR(opt Optimizer, targetLRs []float64, annealingEpochs int, strategy AnnealStrategy) (*SWALR, error) {
	groups := opt.ParamGroups()
	if len(targetLRs) == 0 {
		return nil, misconfig.Errorf("SWALR requires at least one target learning rate")
	}
	for _, lr := range targetLRs {
		if lr <= 0 {
			return nil, misconfig.Errorf("SWALR target learning rates must be positive, got %v", targetLRs)
		}
	}
	if len(targetLRs) != 1 && len(targetLRs) != len(groups) {
		return nil, misconfig.Errorf(
			"SWALR got %d target learning rates for %d parameter groups; pass one value or one per group",
			len(targetLRs), len(groups))
	}
	if annealingEpochs < 0 {
		return nil, misconfig.Errorf("SWALR annealing epochs must be >= 0, got %d", annealingEpochs)
	}
	if strategy != AnnealCos && strategy != AnnealLinear {
		return nil, misconfig.Errorf("SWALR annealing strategy must be %q or %q, got %q",
			AnnealCos, AnnealLinear, strategy)
	}

	s := &SWALR{
		opt:          opt,
		annealEpochs: annealingEpochs,
		strategy:     strategy,
	}
	s.initialLRs = make([]float64, len(groups))
	s.targetLRs = make([]float64, len(groups))
	s.lastLRs = make([]float64, len(groups))
	for ii, group := range groups {
		s.initialLRs[ii] = group.LR
		if len(targetLRs) == 1 {
			s.targetLRs[ii] = targetLRs[0]
		} else {
			s.targetLRs[ii] = targetLRs[ii]
		}
		s.lastLRs[ii] = group.LR
	}
	return s, nil
}

// Step implements Scheduler.
func (s *SWALR) Step() {
	s.step++
	t := 1.0
	if s.annealEpochs > 0 {
		t = math.Min(float64(s.step)/float64(s.annealEpochs), 1.0)
	}
	var blend float64
	switch s.strategy {
	case AnnealLinear:
		blend = t
	default: // AnnealCos
		blend = (1 - math.Cos(math.Pi*t)) / 2
	}
	for ii, group := range s.opt.ParamGroups() {
		lr := s.initialLRs[ii] + (s.targetLRs[ii]-s.initialLRs[ii])*blend
		group.LR = lr
		s.lastLRs[ii] = lr
	}
}

// LastLRs implements Scheduler.
func (s *SWALR) LastLRs() []float64 { return s.lastLRs }
