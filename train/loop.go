// Package train implements an epoch-driven training loop with named,
// priority-ordered lifecycle hooks.
//
// The Loop itself is deliberately small: it iterates epochs and batches and
// calls the registered hooks. Functionality like weight averaging or
// distributed training attaches to the hooks and mutates the loop's exposed
// state (optimizer list, scheduler list, batch counts) at the well-defined
// lifecycle points -- one hook at a time, in priority order, so no locking
// is involved.
package train

import (
	"io"
	"slices"

	"github.com/gradflow/gradflow/nn"
	"github.com/gradflow/gradflow/train/optimizers"
	"github.com/gradflow/gradflow/types/tensor"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but
// negative values are ok.
type Priority int

// OnSetupFn is the type of OnSetup hooks, run once before device placement.
type OnSetupFn func(loop *Loop) error

// OnEpochFn is the type of OnEpochStart and OnEpochEnd hooks.
type OnEpochFn func(loop *Loop) error

// OnStepFn is the type of OnStep hooks, run after each batch.
type OnStepFn func(loop *Loop, loss float64) error

// StepDelegate takes over the optimizer step: when set on the loop, every
// step (forward, backward, update) is delegated to it and the loop's own
// step logic does not run. Distributed engines use this to own gradient
// computation and application.
type StepDelegate interface {
	OptimizerStep(opt optimizers.Optimizer, closure optimizers.Closure) (loss float64, err error)
}

// Loop runs a training loop over epochs, invoking the Trainer for every
// batch and calling the appropriate hooks.
//
// The exported fields are the loop's bookkeeping, shared with the attached
// tools: tools may mutate them from within hooks, and the loop is the single
// source of truth for them. Outside of hooks, treat them as read-only.
type Loop struct {
	// Trainer runs the per-batch work.
	Trainer *Trainer

	// Epoch currently being executed, 0-based.
	Epoch int

	// MaxEpochs to run. Hooks may extend it (see IncMaxEpochs).
	MaxEpochs int

	// LoopStep counts batches across all epochs.
	LoopStep int

	// Device where the model is placed when the loop starts, after the
	// setup hooks have run.
	Device tensor.Device

	// Precision of training: 32 or 16.
	Precision int

	// AMPMode selects the mixed-precision backend when Precision is 16:
	// AMPNative or AMPApex. AMPLevel is the apex optimization level.
	AMPMode  string
	AMPLevel string

	// GradientClip is the gradient clipping threshold; 0 disables it.
	GradientClip float64

	// BatchSize used by the dataset, per device.
	BatchSize int

	// NumTrainingBatches is the number of batches reported per epoch.
	// Initialized from the dataset when it knows its length.
	NumTrainingBatches int

	// AccumulateGradBatches is the number of batches whose gradients are
	// accumulated before each optimizer step.
	AccumulateGradBatches int

	// SkipOptimizerStep makes the loop run forward-only statistics passes
	// instead of training steps for the current epoch.
	SkipOptimizerStep bool

	// Optimizers active in the loop. The loop steps Optimizers[0]; tools
	// that require a single optimizer validate the list length.
	Optimizers []optimizers.Optimizer

	// Schedulers active in the loop, stepped per their configuration.
	Schedulers []optimizers.SchedulerConfig

	// StepDelegate, when non-nil, owns the optimizer step.
	StepDelegate StepDelegate

	// SharedData allows attached tools to publish and consume information.
	// Keys and semantics of the values are not specified by the loop.
	SharedData map[string]any

	accumulated    int
	schedulerSwaps int
	onSetup        *priorityHooks[*hookWithName[OnSetupFn]]
	onEpochStart   *priorityHooks[*hookWithName[OnEpochFn]]
	onEpochEnd     *priorityHooks[*hookWithName[OnEpochFn]]
	onStep         *priorityHooks[*hookWithName[OnStepFn]]
}

// AMP modes, for Precision == 16.
const (
	AMPNative = "native"
	AMPApex   = "apex"
)

// NewLoop creates a training loop for the given trainer, running the given
// number of epochs on the CPU at full precision.
func NewLoop(trainer *Trainer, maxEpochs int) *Loop {
	return &Loop{
		Trainer:               trainer,
		MaxEpochs:             maxEpochs,
		Device:                tensor.CPU,
		Precision:             32,
		AMPMode:               AMPNative,
		AccumulateGradBatches: 1,
		SharedData:            make(map[string]any),
		onSetup:               newPriorityHooks[*hookWithName[OnSetupFn]](),
		onEpochStart:          newPriorityHooks[*hookWithName[OnEpochFn]](),
		onEpochEnd:            newPriorityHooks[*hookWithName[OnEpochFn]](),
		onStep:                newPriorityHooks[*hookWithName[OnStepFn]](),
	}
}

// Accelerator returns the accelerator type of the loop's device ("cpu",
// "cuda", "mps").
func (loop *Loop) Accelerator() string { return loop.Device.Accelerator() }

// IncMaxEpochs extends the total epoch count. Meant for hooks that schedule
// synthetic extra epochs.
func (loop *Loop) IncMaxEpochs(delta int) {
	loop.MaxEpochs += delta
}

// ReplaceScheduler applies a scheduler replacement: the active scheduler (if
// any) is discarded and cfg takes its place. Hooks don't mutate the
// scheduler list directly, they pass the replacement descriptor through this
// point.
func (loop *Loop) ReplaceScheduler(cfg optimizers.SchedulerConfig) {
	if len(loop.Schedulers) == 0 {
		loop.Schedulers = []optimizers.SchedulerConfig{cfg}
	} else {
		klog.V(1).Infof("Loop: discarding scheduler %q for %q", loop.Schedulers[0].Name, cfg.Name)
		loop.Schedulers[0] = cfg
	}
	loop.schedulerSwaps++
}

// SchedulerSwaps returns how many times ReplaceScheduler was called.
func (loop *Loop) SchedulerSwaps() int { return loop.schedulerSwaps }

// Run runs the loop over the dataset for MaxEpochs epochs: setup hooks,
// device placement, then per-epoch start hooks, batches, scheduler steps and
// end hooks. Dataset.Reset is called after each epoch.
func (loop *Loop) Run(ds Dataset) error {
	if loop.Trainer == nil || loop.Trainer.Model == nil {
		return errors.New("Loop.Run: no trainer or model configured")
	}
	if err := loop.setup(); err != nil {
		return err
	}

	// Device placement happens only now, after the setup hooks: tools that
	// need a host-side copy of the model take it during setup.
	nn.ToDevice(loop.Trainer.Model, loop.Device)

	if loop.NumTrainingBatches <= 0 && ds.NumBatches() > 0 {
		loop.NumTrainingBatches = ds.NumBatches()
	}

	// MaxEpochs is re-read each iteration: hooks may have extended it.
	for loop.Epoch = 0; loop.Epoch < loop.MaxEpochs; loop.Epoch++ {
		if err := loop.epochStart(); err != nil {
			return err
		}
		loop.accumulated = 0
		for {
			inputs, labels, err := ds.Yield()
			if err == io.EOF {
				break
			}
			if err != nil {
				return errors.WithMessagef(err, "Loop.Run: failed reading from Dataset (epoch=%d)", loop.Epoch)
			}
			if err = loop.step(inputs, labels); err != nil {
				return errors.WithMessagef(err, "Loop.Run: failed step (epoch=%d, step=%d)", loop.Epoch, loop.LoopStep)
			}
		}
		loop.stepSchedulers()
		if err := loop.epochEnd(); err != nil {
			return err
		}
		ds.Reset()
	}
	return nil
}

// step runs one batch: a forward-only statistics pass when
// SkipOptimizerStep is set, otherwise a training step honoring gradient
// accumulation and the step delegate.
func (loop *Loop) step(inputs, labels *tensor.Tensor) error {
	trainer := loop.Trainer
	loop.LoopStep++
	if loop.SkipOptimizerStep {
		return trainer.StatisticsStep(inputs, labels)
	}

	closure := trainer.closure(inputs, labels)
	loop.accumulated++
	if loop.accumulated < loop.AccumulateGradBatches {
		// Accumulate gradients only, no optimizer step yet.
		loss, err := closure()
		if err != nil {
			return err
		}
		return loop.stepHooks(loss)
	}
	loop.accumulated = 0

	if len(loop.Optimizers) == 0 {
		return errors.New("Loop.step: no optimizer configured")
	}
	opt := loop.Optimizers[0]
	var loss float64
	var err error
	if loop.StepDelegate != nil {
		loss, err = loop.StepDelegate.OptimizerStep(opt, closure)
	} else {
		loss, err = opt.Step(closure)
	}
	if err != nil {
		return err
	}
	return loop.stepHooks(loss)
}

// stepSchedulers steps the epoch-interval schedulers that are due this
// epoch. Plateau monitors are not stepped by the loop.
func (loop *Loop) stepSchedulers() {
	for ii := range loop.Schedulers {
		cfg := &loop.Schedulers[ii]
		if cfg.Scheduler == nil || cfg.Interval != optimizers.IntervalEpoch || cfg.ReduceOnPlateau {
			continue
		}
		frequency := cfg.Frequency
		if frequency <= 0 {
			frequency = 1
		}
		if (loop.Epoch+1)%frequency == 0 {
			cfg.Scheduler.Step()
		}
	}
}

// setup runs the setup hooks, before device placement.
func (loop *Loop) setup() (err error) {
	loop.onSetup.Enumerate(func(hook *hookWithName[OnSetupFn]) {
		if err != nil {
			// After the first error stop.
			return
		}
		err = hook.fn(loop)
		if err != nil {
			err = errors.WithMessagef(err, "OnSetup(hook %q)", hook.name)
		}
	})
	return
}

func (loop *Loop) epochStart() (err error) {
	loop.onEpochStart.Enumerate(func(hook *hookWithName[OnEpochFn]) {
		if err != nil {
			return
		}
		err = hook.fn(loop)
		if err != nil {
			err = errors.WithMessagef(err, "OnEpochStart(hook %q)", hook.name)
		}
	})
	return
}

func (loop *Loop) epochEnd() (err error) {
	loop.onEpochEnd.Enumerate(func(hook *hookWithName[OnEpochFn]) {
		if err != nil {
			return
		}
		err = hook.fn(loop)
		if err != nil {
			err = errors.WithMessagef(err, "OnEpochEnd(hook %q)", hook.name)
		}
	})
	return
}

func (loop *Loop) stepHooks(loss float64) (err error) {
	loop.onStep.Enumerate(func(hook *hookWithName[OnStepFn]) {
		if err != nil {
			return
		}
		err = hook.fn(loop, loss)
		if err != nil {
			err = errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	})
	return
}

// OnSetup adds a hook with given priority and name (for error reporting) to
// the setup phase, before device placement.
func (loop *Loop) OnSetup(name string, priority Priority, fn OnSetupFn) {
	loop.onSetup.Add(priority, &hookWithName[OnSetupFn]{name: name, fn: fn})
}

// OnEpochStart adds a hook with given priority and name to the start of
// every epoch.
func (loop *Loop) OnEpochStart(name string, priority Priority, fn OnEpochFn) {
	loop.onEpochStart.Add(priority, &hookWithName[OnEpochFn]{name: name, fn: fn})
}

// OnEpochEnd adds a hook with given priority and name to the end of every
// epoch.
func (loop *Loop) OnEpochEnd(name string, priority Priority, fn OnEpochFn) {
	loop.onEpochEnd.Add(priority, &hookWithName[OnEpochFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name called after each batch.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	list := h.hooks[priority]
	list = append(list, hook)
	h.hooks[priority] = list
}

// Enumerate will call fn for all registered hooks in priority order.
func (h *priorityHooks[H]) Enumerate(fn func(hook H)) {
	keys := maps.Keys(h.hooks)
	slices.Sort(keys)
	for _, key := range keys {
		for _, hook := range h.hooks[key] {
			fn(hook)
		}
	}
}
