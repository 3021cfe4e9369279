// Package swa implements Stochastic Weight Averaging for a train.Loop.
//
// SWA ("Averaging Weights Leads to Wider Optima and Better Generalization",
// Izmailov et al., UAI 2018) keeps a running average of the model parameters
// over the tail of training and swaps it in as the final model. While the
// averaging window is active the learning rate follows a dedicated annealing
// schedule (optimizers.SWALR), and for models with normalization layers a
// synthetic extra epoch recalibrates the running statistics against the
// averaged weights.
//
// Usage:
//
//	averaging, err := swa.New().StartAtFraction(0.8).LearningRate(0.05).Done()
//	if err != nil { ... }
//	averaging.Attach(loop)
//	err = loop.Run(ds)
package swa

import (
	. "github.com/gomlx/exceptions"
	"github.com/gradflow/gradflow/nn"
	"github.com/gradflow/gradflow/pkg/support/misconfig"
	"github.com/gradflow/gradflow/train"
	"github.com/gradflow/gradflow/train/optimizers"
	"github.com/gradflow/gradflow/types/tensor"
	"k8s.io/klog/v2"
)

// Config configures a SWA instance. Create it with New, adjust it with the
// setters and call Done when finished.
type Config struct {
	startEpoch       int
	startEpochSet    bool
	startFraction    float64
	startFractionSet bool

	lrs             []float64
	annealingEpochs int
	strategy        optimizers.AnnealStrategy
	avgFn           AverageFn
	device          tensor.Device
	deviceSet       bool
	deviceErr       error
}

// New creates a Config with the defaults: averaging starts at 80% of
// training, annealing runs for 10 epochs along a cosine. The target learning
// rate has no default -- set it with LearningRate or LearningRates before
// calling Done.
func New() *Config {
	return &Config{
		startFraction:   0.8,
		annealingEpochs: 10,
		strategy:        optimizers.AnnealCos,
	}
}

// StartAtEpoch makes averaging start at the given 1-based epoch. Mutually
// exclusive with StartAtFraction.
func (c *Config) StartAtEpoch(epoch int) *Config {
	c.startEpoch = epoch
	c.startEpochSet = true
	return c
}

// StartAtFraction makes averaging start at the given fraction of the total
// epoch count, in [0, 1]. The absolute epoch is resolved once the loop's
// epoch count is known. Mutually exclusive with StartAtEpoch.
func (c *Config) StartAtFraction(fraction float64) *Config {
	c.startFraction = fraction
	c.startFractionSet = true
	return c
}

// LearningRate sets the annealing target learning rate for all parameter
// groups together.
func (c *Config) LearningRate(lr float64) *Config {
	c.lrs = []float64{lr}
	return c
}

// LearningRates sets the annealing target learning rates separately per
// parameter group.
func (c *Config) LearningRates(lrs ...float64) *Config {
	c.lrs = lrs
	return c
}

// AnnealingEpochs sets the length of the annealing phase, in epochs.
func (c *Config) AnnealingEpochs(epochs int) *Config {
	c.annealingEpochs = epochs
	return c
}

// Strategy sets the annealing strategy, optimizers.AnnealCos or
// optimizers.AnnealLinear.
func (c *Config) Strategy(strategy optimizers.AnnealStrategy) *Config {
	c.strategy = strategy
	return c
}

// AverageWith sets the averaging strategy. A nil fn means the default
// RunningMean.
func (c *Config) AverageWith(fn AverageFn) *Config {
	c.avgFn = fn
	return c
}

// OnDevice stores the averaged model on the given device. By default it
// stays wherever the live model is placed.
func (c *Config) OnDevice(descriptor string) *Config {
	c.device, c.deviceErr = tensor.ParseDevice(descriptor)
	c.deviceSet = true
	return c
}

// Done validates the configuration and returns the SWA instance. All
// validation happens here, before any loop state is touched.
func (c *Config) Done() (*SWA, error) {
	if c.startEpochSet && c.startFractionSet {
		return nil, misconfig.Errorf("swa: StartAtEpoch and StartAtFraction are mutually exclusive")
	}
	if c.startEpochSet && c.startEpoch < 1 {
		return nil, misconfig.Errorf("swa: start epoch must be a positive (1-based) epoch, got %d", c.startEpoch)
	}
	if !c.startEpochSet && (c.startFraction < 0 || c.startFraction > 1) {
		return nil, misconfig.Errorf("swa: start fraction must be in [0, 1], got %g", c.startFraction)
	}
	if len(c.lrs) == 0 {
		return nil, misconfig.Errorf("swa: a target learning rate is required -- a positive value or a non-empty list of positive values")
	}
	for _, lr := range c.lrs {
		if lr <= 0 {
			return nil, misconfig.Errorf("swa: target learning rates must be positive, got %v", c.lrs)
		}
	}
	if c.annealingEpochs < 0 {
		return nil, misconfig.Errorf("swa: annealing epochs must be >= 0, got %d", c.annealingEpochs)
	}
	if c.strategy != optimizers.AnnealCos && c.strategy != optimizers.AnnealLinear {
		return nil, misconfig.Errorf("swa: annealing strategy must be %q or %q, got %q",
			optimizers.AnnealCos, optimizers.AnnealLinear, c.strategy)
	}
	if c.deviceSet && c.deviceErr != nil {
		return nil, misconfig.WithMessagef(c.deviceErr, "swa: invalid device")
	}
	return &SWA{cfg: *c}, nil
}

// SWA orchestrates stochastic weight averaging over a train.Loop, attached
// to the loop's lifecycle hooks.
//
// The averaging window is the epoch interval [swaStart, swaEnd], 0-based
// inclusive, with swaEnd the last regular epoch of the loop. Inside the
// window the averaged model accumulates the live parameters once per epoch;
// at the window start the loop's scheduler is swapped (once, destructively)
// for the annealing schedule; when the window closes the averaged weights
// are transferred into the live model -- directly at the last epoch's end,
// or via a synthetic recalibration epoch when the model has normalization
// layers.
type SWA struct {
	cfg Config

	avgModel     nn.Module
	numAveraged  int64
	swaStart     int
	swaEnd       int
	resolved     bool
	hasBatchNorm bool
	swapped      bool
	recalibrator Recalibrator
	savedAccum   int
}

// HookName used when registering on the loop.
const HookName = "swa"

// Attach registers the SWA lifecycle hooks on the loop.
func (s *SWA) Attach(loop *train.Loop) {
	loop.OnSetup(HookName, 0, s.OnSetup)
	loop.OnEpochStart(HookName, 0, s.OnEpochStart)
	loop.OnEpochEnd(HookName, 0, s.OnEpochEnd)
}

// OnSetup runs once, before the loop places the model on its device: it
// takes the host-side copy that will accumulate the average, resolves the
// averaging window and, for models with normalization layers, extends the
// loop by one synthetic recalibration epoch.
//
// It fails if the loop carries more than one optimizer or more than one
// scheduler: averaging a model trained by several optimizers is not
// supported.
func (s *SWA) OnSetup(loop *train.Loop) error {
	if s.resolved {
		return misconfig.Errorf("swa: OnSetup called twice -- the averaging window resolves exactly once")
	}
	if len(loop.Optimizers) > 1 {
		return misconfig.Errorf("swa: not supported for more than 1 optimizer, loop has %d", len(loop.Optimizers))
	}
	if len(loop.Schedulers) > 1 {
		return misconfig.Errorf("swa: not supported for more than 1 scheduler, loop has %d", len(loop.Schedulers))
	}

	model := loop.Trainer.Model
	s.avgModel = model.Clone()

	startEpoch := s.cfg.startEpoch
	if !s.cfg.startEpochSet {
		startEpoch = int(s.cfg.startFraction * float64(loop.MaxEpochs))
	}
	s.swaStart = max(startEpoch-1, 0) // 0-based.
	s.swaEnd = loop.MaxEpochs - 1
	s.resolved = true

	s.hasBatchNorm = nn.HasRunningStats(model)
	if s.hasBatchNorm {
		// The recalibration pass needs one forward sweep over the dataset
		// with the averaged weights in place.
		loop.IncMaxEpochs(1)
		klog.V(1).Infof("swa: model has normalization layers, extending loop to %d epochs for recalibration", loop.MaxEpochs)
	}
	return nil
}

// OnEpochStart drives the averaging window. Exactly one of three branches
// runs, depending on where the current epoch sits relative to the window:
// entering it (scheduler swap), inside it (averaging), or past it (the
// recalibration epoch, reachable only for models with normalization layers).
func (s *SWA) OnEpochStart(loop *train.Loop) error {
	if !s.resolved {
		Panicf("swa: OnEpochStart before OnSetup")
	}
	model := loop.Trainer.Model

	if loop.Epoch == s.swaStart {
		device := s.cfg.device
		if !s.cfg.deviceSet {
			device = nn.DeviceOf(model)
		}
		nn.ToDevice(s.avgModel, device)

		if len(loop.Optimizers) != 1 {
			return misconfig.Errorf("swa: requires exactly 1 optimizer at the averaging window start, loop has %d", len(loop.Optimizers))
		}
		if !s.swapped {
			schedule, err := optimizers.NewSWALR(loop.Optimizers[0], s.cfg.lrs, s.cfg.annealingEpochs, s.cfg.strategy)
			if err != nil {
				return err
			}
			klog.Warningf("swa: swapping the loop's scheduler for the annealing schedule")
			cfg := optimizers.NewSchedulerConfig(schedule)
			cfg.Name = "swalr"
			loop.ReplaceScheduler(cfg)
			s.swapped = true
		}
		s.numAveraged = 0
	}

	if loop.Epoch >= s.swaStart && loop.Epoch <= s.swaEnd {
		UpdateParameters(s.avgModel, model, s.numAveraged, s.cfg.avgFn)
		s.numAveraged++
	}

	if loop.Epoch > s.swaEnd {
		// Recalibration epoch: the averaged weights go live and one pass
		// over the dataset rebuilds the normalization statistics. No
		// gradient updates run; accumulation spans the whole dataset so
		// the optimizer can't step even if the flag were cleared early.
		TransferWeights(s.avgModel, model)
		s.recalibrator.ResetAndSnapshot(model)
		loop.SkipOptimizerStep = true
		s.savedAccum = loop.AccumulateGradBatches
		loop.AccumulateGradBatches = loop.NumTrainingBatches
		loop.NumTrainingBatches++
	}
	return nil
}

// OnEpochEnd clears the skip-step flag and closes out the averaging window:
// at the last regular epoch it transfers the averaged weights into the live
// model (models without normalization layers only -- the others transfer at
// the start of the recalibration epoch); after the recalibration epoch it
// restores the accumulation factor, the batch count and the normalization
// momenta.
func (s *SWA) OnEpochEnd(loop *train.Loop) error {
	if !s.resolved {
		Panicf("swa: OnEpochEnd before OnSetup")
	}
	loop.SkipOptimizerStep = false
	switch {
	case loop.Epoch == s.swaEnd && !s.hasBatchNorm:
		TransferWeights(s.avgModel, loop.Trainer.Model)
	case loop.Epoch > s.swaEnd:
		loop.AccumulateGradBatches = s.savedAccum
		loop.NumTrainingBatches--
		s.recalibrator.Restore(loop.Trainer.Model)
	}
	return nil
}

// AveragedModel returns the model copy holding the running average. Nil
// before OnSetup runs. Meant for diagnostics.
func (s *SWA) AveragedModel() nn.Module { return s.avgModel }

// NumAveraged returns how many epochs have been folded into the average in
// the current averaging run.
func (s *SWA) NumAveraged() int64 { return s.numAveraged }

// Window returns the resolved averaging window [start, end], 0-based
// inclusive. Only valid after OnSetup.
func (s *SWA) Window() (start, end int) { return s.swaStart, s.swaEnd }
