package deepspeed

import (
	"github.com/google/uuid"
	"github.com/gradflow/gradflow/distributed"
	"github.com/gradflow/gradflow/nn"
	"github.com/gradflow/gradflow/pkg/support/misconfig"
	"github.com/gradflow/gradflow/train"
	"github.com/gradflow/gradflow/train/optimizers"
	"github.com/gradflow/gradflow/types/tensor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State of the adapter lifecycle. The adapter moves strictly forward:
// Uninitialized → ConfigLoaded → RankResolved → EngineInitialized → Training.
type State int

const (
	Uninitialized State = iota
	ConfigLoaded
	RankResolved
	EngineInitialized
	Training
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case ConfigLoaded:
		return "config-loaded"
	case RankResolved:
		return "rank-resolved"
	case EngineInitialized:
		return "engine-initialized"
	case Training:
		return "training"
	}
	return "invalid"
}

// Adapter hands the model and optimizer over to an external
// distributed-training engine and exposes the loop-facing contract:
// optimizer steps delegate to the engine, reductions and broadcasts go
// through the collective channel, and optimizer construction is owned here
// rather than by the loop's generic path.
//
// One Adapter instance runs per rank; cross-rank synchronization happens
// only at the collective points.
type Adapter struct {
	engine Engine
	config *Config
	state  State

	model        nn.Module
	engineModule EngineModule
	comm         distributed.Communicator
	ranks        distributed.RankTopology
	accelerator  string
	sessionID    uuid.UUID

	configFinalized bool
}

// Compile-time check: the adapter can take over the loop's optimizer step.
var _ train.StepDelegate = (*Adapter)(nil)

// NewAdapter creates an adapter around the given engine and configuration
// document. A nil config leaves the adapter Uninitialized and PreTraining
// will fail -- the engine cannot run without a configuration.
func NewAdapter(engine Engine, config *Config) *Adapter {
	a := &Adapter{
		engine:      engine,
		config:      config,
		comm:        &distributed.Local{},
		accelerator: string(tensor.CPU),
	}
	if config != nil {
		a.state = ConfigLoaded
	}
	return a
}

// NewAdapterFromFile creates an adapter with the configuration loaded from a
// JSON file.
func NewAdapterFromFile(engine Engine, path string) (*Adapter, error) {
	config, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return NewAdapter(engine, config), nil
}

// SetCommunicator replaces the collective channel. Must be called before
// PreTraining; the default is the single-process channel.
func (a *Adapter) SetCommunicator(comm distributed.Communicator) {
	a.comm = comm
}

// State returns the lifecycle state of the adapter.
func (a *Adapter) State() State { return a.state }

// Ranks returns the resolved rank topology. Zero before PreTraining.
func (a *Adapter) Ranks() distributed.RankTopology { return a.ranks }

// Setup stores the model. The lifecycle state does not advance -- everything
// else waits for PreTraining.
func (a *Adapter) Setup(model nn.Module) {
	a.model = model
}

// PreTraining runs the full engine handover, in order: open the collective
// channel (transport chosen from the loop's accelerator), resolve the rank
// topology from the environment, finalize the engine configuration (once),
// initialize the engine, install the engine's optimizer and scheduler into
// the loop (training mode only), move the model to this rank's device, and
// hold at a barrier until every rank got there.
func (a *Adapter) PreTraining(loop *train.Loop) error {
	if a.model == nil {
		return errors.New("deepspeed: PreTraining before Setup, no model")
	}
	a.accelerator = loop.Accelerator()
	if err := a.comm.Open(distributed.TransportFor(a.accelerator)); err != nil {
		return errors.WithMessage(err, "deepspeed: opening the collective channel")
	}

	ranks, err := distributed.RanksFromEnv()
	if err != nil {
		return err
	}
	a.ranks = ranks
	a.state = RankResolved

	if !a.configFinalized {
		if err := a.finalizeConfig(loop); err != nil {
			return err
		}
		a.configFinalized = true
		a.config.finalized = true
	}

	a.sessionID = uuid.New()
	klog.V(1).Infof("deepspeed: initializing engine, session %s, rank %d/%d (local %d)",
		a.sessionID, a.ranks.GlobalRank, a.ranks.WorldSize, a.ranks.LocalRank)

	module := wrapPrecision(a.model, loop.Precision)
	engineModule, optimizer, scheduler, err := a.engine.Initialize(
		a.ranks.LocalRank, module, nn.Parameters(a.model), a.config)
	if err != nil {
		return errors.WithMessage(err, "deepspeed: engine initialization failed")
	}
	a.engineModule = engineModule
	a.state = EngineInitialized

	if nn.IsTraining(a.model) {
		loop.Optimizers = []optimizers.Optimizer{optimizer}
		loop.Schedulers = []optimizers.SchedulerConfig{optimizers.NewSchedulerConfig(scheduler)}
		loop.StepDelegate = a
	}

	a.ModelToDevice()
	a.comm.Barrier()
	a.state = Training
	return nil
}

// finalizeConfig merges the host-loop-derived values into the configuration
// document: optimizer/scheduler definitions, batch sizing, gradient
// clipping and precision flags.
func (a *Adapter) finalizeConfig(loop *train.Loop) error {
	if a.config == nil || a.config.Empty() {
		return misconfig.Errorf("deepspeed: an engine config object or a path to one is required")
	}
	if err := a.formatOptimizerConfig(); err != nil {
		return err
	}
	if err := a.formatBatchConfig(loop); err != nil {
		return err
	}
	a.formatPrecisionConfig(loop)
	return nil
}

// formatOptimizerConfig fills in the optimizer and scheduler definitions
// from the model's own configuration callback when the document doesn't
// name them.
func (a *Adapter) formatOptimizerConfig() error {
	if a.config.Has(KeyOptimizer) {
		return nil
	}
	configurer, ok := a.model.(OptimizerConfigurer)
	if !ok {
		return misconfig.Errorf(
			"deepspeed: the engine config names no optimizer and the model does not declare one -- "+
				"add an %q section to the config or implement deepspeed.OptimizerConfigurer", KeyOptimizer)
	}
	optimizerDef, schedulerDef := configurer.ConfigureOptimizers()
	optimizerType, optimizerParams, err := singleDefinition("optimizer", optimizerDef)
	if err != nil {
		return err
	}
	schedulerType, schedulerParams, err := singleDefinition("scheduler", schedulerDef)
	if err != nil {
		return err
	}
	a.config.set(keyZeroAllowUntested, true)
	a.config.set(KeyOptimizer, refSpec(optimizerType, optimizerParams))
	a.config.set(KeyScheduler, refSpec(schedulerType, schedulerParams))
	return nil
}

// formatBatchConfig derives batch sizing from the loop. The batch-size and
// accumulation keys are host-loop-derived and must not be set by the user.
func (a *Adapter) formatBatchConfig(loop *train.Loop) error {
	if a.config.Has(KeyTrainBatchSize) || a.config.Has(KeyMicroBatchSize) {
		return misconfig.Errorf(
			"deepspeed: do not set %s or %s in the engine config, they are derived from the data loader",
			KeyTrainBatchSize, KeyMicroBatchSize)
	}
	if a.config.Has(KeyGradAccumSteps) {
		return misconfig.Errorf(
			"deepspeed: do not set %s in the engine config, it is derived from the loop's accumulation factor",
			KeyGradAccumSteps)
	}
	a.config.set(KeyMicroBatchSize, loop.BatchSize)
	a.config.set(KeyGradAccumSteps, loop.AccumulateGradBatches)
	if !a.config.Has(KeyGradClipping) {
		a.config.set(KeyGradClipping, loop.GradientClip)
	}
	return nil
}

// formatPrecisionConfig maps the loop's 16-bit settings to the engine's
// precision sections, unless the user configured them already.
func (a *Adapter) formatPrecisionConfig(loop *train.Loop) {
	if loop.Precision != 16 {
		return
	}
	switch loop.AMPMode {
	case train.AMPNative:
		if !a.config.Has(KeyFP16) {
			a.config.set(KeyFP16, map[string]any{"enabled": true})
		}
	case train.AMPApex:
		if !a.config.Has(KeyAMP) {
			a.config.set(KeyAMP, map[string]any{"enabled": true, "opt_level": loop.AMPLevel})
		}
	}
}

// OptimizerStep implements train.StepDelegate: the whole step -- forward,
// backward, optimizer update -- runs on the engine's side. The loop's own
// step logic must not run.
func (a *Adapter) OptimizerStep(opt optimizers.Optimizer, closure optimizers.Closure) (float64, error) {
	_ = opt
	if a.engineModule == nil {
		return 0, errors.New("deepspeed: OptimizerStep before the engine was initialized")
	}
	return a.engineModule.Step(closure)
}

// InitOptimizers tells the host loop that optimizer construction is fully
// owned by this adapter: the returned lists are intentionally empty. The
// engine builds the optimizer and scheduler from the configuration during
// PreTraining.
func (a *Adapter) InitOptimizers() ([]optimizers.Optimizer, []optimizers.SchedulerConfig, []int) {
	return []optimizers.Optimizer{}, []optimizers.SchedulerConfig{}, []int{}
}

// Reduce applies a collective reduction to tensor values when a distributed
// context is active; any other value passes through unchanged.
func (a *Adapter) Reduce(value any, op distributed.ReduceOp) (any, error) {
	t, ok := value.(*tensor.Tensor)
	if !ok || !a.comm.Initialized() {
		return value, nil
	}
	if err := a.comm.AllReduce(t, op); err != nil {
		return nil, errors.WithMessage(err, "deepspeed: Reduce")
	}
	return t, nil
}

// Broadcast sends obj from srcRank to every rank through the collective
// channel.
func (a *Adapter) Broadcast(obj any, srcRank int) (any, error) {
	return a.comm.Broadcast(obj, srcRank)
}

// Barrier blocks until every rank reaches it.
func (a *Adapter) Barrier() {
	a.comm.Barrier()
}

// ModelToDevice moves the model to this rank's local device.
func (a *Adapter) ModelToDevice() {
	device := a.ranks.LocalDevice(a.accelerator)
	if a.engineModule != nil {
		nn.ToDevice(a.engineModule, device)
		return
	}
	nn.ToDevice(a.model, device)
}

// SamplerArgs returns the data-partitioning parameters for this rank.
func (a *Adapter) SamplerArgs() distributed.SamplerArgs {
	return a.ranks.SamplerArgs()
}
