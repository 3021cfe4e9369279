package train

import (
	"testing"

	"github.com/gradflow/gradflow/nn"
	"github.com/gradflow/gradflow/train/optimizers"
	"github.com/gradflow/gradflow/types/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// constGradStep fills every gradient with 1 and reports a fixed loss.
func constGradStep(model nn.Module, inputs, labels *tensor.Tensor) (float64, error) {
	for _, p := range nn.Parameters(model) {
		grad := p.Grad()
		for ii := range grad {
			grad[ii] += 1
		}
	}
	return 1.0, nil
}

// countingOptimizer wraps an optimizer counting its steps.
type countingOptimizer struct {
	optimizers.Optimizer
	steps int
}

func (c *countingOptimizer) Step(closure optimizers.Closure) (float64, error) {
	c.steps++
	return c.Optimizer.Step(closure)
}

// countingScheduler records its steps.
type countingScheduler struct {
	steps int
}

func (c *countingScheduler) Step()              { c.steps++ }
func (c *countingScheduler) LastLRs() []float64 { return nil }

func newTestDataset(batches int) *SliceDataset {
	inputs := make([]*tensor.Tensor, batches)
	labels := make([]*tensor.Tensor, batches)
	for ii := range inputs {
		inputs[ii] = tensor.FromFlat([]float32{1, 2}, 1, 2)
		labels[ii] = tensor.FromFlat([]float32{0}, 1, 1)
	}
	return NewSliceDataset(inputs, labels)
}

func newTestLoop(epochs, batches int) (*Loop, *countingOptimizer, *SliceDataset) {
	model := nn.NewSequential(nn.NewLinear(2, 1))
	loop := NewLoop(NewTrainer(model, constGradStep), epochs)
	opt := &countingOptimizer{Optimizer: optimizers.NewSGD(nn.Parameters(model), 0.1)}
	loop.Optimizers = []optimizers.Optimizer{opt}
	return loop, opt, newTestDataset(batches)
}

func TestLoopRunsEpochsAndSteps(t *testing.T) {
	loop, opt, ds := newTestLoop(3, 4)
	require.NoError(t, loop.Run(ds))
	assert.Equal(t, 12, loop.LoopStep)
	assert.Equal(t, 12, opt.steps)
	assert.Equal(t, 4, loop.NumTrainingBatches)
}

func TestLoopHookOrder(t *testing.T) {
	loop, _, ds := newTestLoop(1, 1)
	var order []string
	loop.OnEpochStart("late", 10, func(*Loop) error { order = append(order, "late"); return nil })
	loop.OnEpochStart("early", -10, func(*Loop) error { order = append(order, "early"); return nil })
	loop.OnEpochStart("mid", 0, func(*Loop) error { order = append(order, "mid"); return nil })
	require.NoError(t, loop.Run(ds))
	assert.Equal(t, []string{"early", "mid", "late"}, order)
}

func TestLoopSetupRunsBeforeDevicePlacement(t *testing.T) {
	loop, _, ds := newTestLoop(1, 1)
	loop.Device = tensor.Device("cuda:0")
	var deviceAtSetup tensor.Device
	loop.OnSetup("check", 0, func(l *Loop) error {
		deviceAtSetup = nn.DeviceOf(l.Trainer.Model)
		return nil
	})
	require.NoError(t, loop.Run(ds))
	assert.Equal(t, tensor.CPU, deviceAtSetup)
	assert.Equal(t, tensor.Device("cuda:0"), nn.DeviceOf(loop.Trainer.Model))
}

func TestLoopGradientAccumulation(t *testing.T) {
	loop, opt, ds := newTestLoop(1, 6)
	loop.AccumulateGradBatches = 3
	require.NoError(t, loop.Run(ds))
	// 6 batches, one optimizer step every 3.
	assert.Equal(t, 2, opt.steps)
}

func TestLoopSkipOptimizerStep(t *testing.T) {
	model := nn.NewSequential(nn.NewLinear(2, 2), nn.NewBatchNorm(2))
	loop := NewLoop(NewTrainer(model, constGradStep), 1)
	opt := &countingOptimizer{Optimizer: optimizers.NewSGD(nn.Parameters(model), 0.1)}
	loop.Optimizers = []optimizers.Optimizer{opt}
	loop.OnEpochStart("skip", 0, func(l *Loop) error {
		l.SkipOptimizerStep = true
		return nil
	})

	before := nn.Parameters(model)[0].Clone()
	ds := NewSliceDataset(
		[]*tensor.Tensor{tensor.FromFlat([]float32{1, 2, 3, 4}, 2, 2)},
		[]*tensor.Tensor{tensor.FromFlat([]float32{0, 0}, 1, 2)},
	)
	require.NoError(t, loop.Run(ds))

	// No optimizer step ran, parameters are untouched...
	assert.Equal(t, 0, opt.steps)
	assert.True(t, before.Equal(nn.Parameters(model)[0]))
	// ...but the statistics pass updated the normalization counters.
	bn := nn.StatsLayers(model)[0]
	assert.EqualValues(t, 1, bn.BatchesTracked())
}

func TestLoopStepsEpochSchedulers(t *testing.T) {
	loop, _, ds := newTestLoop(4, 1)
	sched := &countingScheduler{}
	cfg := optimizers.NewSchedulerConfig(sched)
	cfg.Frequency = 2
	loop.Schedulers = []optimizers.SchedulerConfig{cfg}
	require.NoError(t, loop.Run(ds))
	// Stepped at the end of epochs 1 and 3 (0-based), per frequency 2.
	assert.Equal(t, 2, sched.steps)
}

func TestLoopReplaceScheduler(t *testing.T) {
	loop, _, _ := newTestLoop(1, 1)
	first := optimizers.NewSchedulerConfig(&countingScheduler{})
	second := optimizers.NewSchedulerConfig(&countingScheduler{})
	loop.ReplaceScheduler(first)
	require.Len(t, loop.Schedulers, 1)
	loop.ReplaceScheduler(second)
	require.Len(t, loop.Schedulers, 1)
	assert.Same(t, second.Scheduler, loop.Schedulers[0].Scheduler)
	assert.Equal(t, 2, loop.SchedulerSwaps())
}

func TestLoopIncMaxEpochsMidRunExtendsTheRun(t *testing.T) {
	loop, _, ds := newTestLoop(2, 1)
	extended := false
	loop.OnSetup("extend", 0, func(l *Loop) error {
		l.IncMaxEpochs(1)
		extended = true
		return nil
	})
	epochs := 0
	loop.OnEpochStart("count", 0, func(*Loop) error { epochs++; return nil })
	require.NoError(t, loop.Run(ds))
	assert.True(t, extended)
	assert.Equal(t, 3, epochs)
}
