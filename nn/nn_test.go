package nn

import (
	"testing"

	"github.com/gradflow/gradflow/types/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParametersTraversalOrder(t *testing.T) {
	l1 := NewLinear(2, 3)
	bn := NewBatchNorm(3)
	l2 := NewLinear(3, 1)
	model := NewSequential(l1, bn, l2)

	params := Parameters(model)
	require.Len(t, params, 6)
	// Pre-order, declaration order, weight before bias.
	assert.Same(t, l1.Weight, params[0])
	assert.Same(t, l1.Bias, params[1])
	assert.Same(t, bn.Weight, params[2])
	assert.Same(t, bn.Bias, params[3])
	assert.Same(t, l2.Weight, params[4])
	assert.Same(t, l2.Bias, params[5])

	// Traversal is stable across calls.
	again := Parameters(model)
	for ii := range params {
		assert.Same(t, params[ii], again[ii])
	}
}

func TestCloneSharesNothing(t *testing.T) {
	model := NewSequential(NewLinear(2, 2), NewBatchNorm(2))
	clone := model.Clone()

	origParams := Parameters(model)
	cloneParams := Parameters(clone)
	require.Len(t, cloneParams, len(origParams))
	for ii := range origParams {
		assert.NotSame(t, origParams[ii], cloneParams[ii])
		assert.True(t, origParams[ii].Equal(cloneParams[ii]))
	}

	cloneParams[0].Data()[0] += 42
	assert.False(t, origParams[0].Equal(cloneParams[0]))
}

func TestHasRunningStats(t *testing.T) {
	assert.False(t, HasRunningStats(NewSequential(NewLinear(2, 2))))
	assert.True(t, HasRunningStats(NewSequential(NewLinear(2, 2), NewBatchNorm(2))))
}

func TestStatsLayersOrder(t *testing.T) {
	bn1 := NewBatchNorm(2)
	bn2 := NewBatchNorm(2)
	model := NewSequential(NewLinear(2, 2), bn1, NewSequential(bn2))
	layers := StatsLayers(model)
	require.Len(t, layers, 2)
	assert.Same(t, bn1, layers[0].(*BatchNorm))
	assert.Same(t, bn2, layers[1].(*BatchNorm))
}

func TestLinearForward(t *testing.T) {
	l := NewLinear(2, 2)
	copy(l.Weight.Data(), []float32{1, 0, 0, 1}) // identity
	copy(l.Bias.Data(), []float32{1, -1})
	y := l.Forward(tensor.FromFlat([]float32{2, 3, 4, 5}, 2, 2))
	assert.Equal(t, []float32{3, 2, 5, 4}, y.Data())
}

func TestBatchNormTrainingUpdatesRunningStats(t *testing.T) {
	bn := NewBatchNorm(1)
	bn.SetTraining(true)

	// One batch with mean 2, biased variance 8/3, unbiased 4.
	x := tensor.FromFlat([]float32{0, 2, 4}, 3, 1)
	bn.Forward(x)

	assert.EqualValues(t, 1, bn.BatchesTracked())
	// Running mean: (1-0.1)*0 + 0.1*2.
	assert.InDelta(t, 0.2, bn.RunningMean().Data()[0], 1e-6)
	// Running var: (1-0.1)*1 + 0.1*4, with the unbiased batch variance.
	assert.InDelta(t, 1.3, bn.RunningVariance().Data()[0], 1e-5)
}

func TestBatchNormCumulativeMode(t *testing.T) {
	bn := NewBatchNorm(1)
	bn.SetMomentum(0, false)
	bn.ResetBatchesTracked()
	bn.RunningMean().Fill(0)
	bn.RunningVariance().Fill(1)

	// Two single-stat batches; cumulative mode averages them equally.
	bn.Forward(tensor.FromFlat([]float32{1, 3}, 2, 1)) // mean 2
	bn.Forward(tensor.FromFlat([]float32{3, 5}, 2, 1)) // mean 4
	assert.EqualValues(t, 2, bn.BatchesTracked())
	assert.InDelta(t, 3.0, bn.RunningMean().Data()[0], 1e-6)
}

func TestBatchNormEvalUsesRunningStats(t *testing.T) {
	bn := NewBatchNorm(1)
	bn.SetTraining(false)
	bn.RunningMean().Fill(10)
	bn.RunningVariance().Fill(4)
	y := bn.Forward(tensor.FromFlat([]float32{12}, 1, 1))
	// (12-10)/sqrt(4+eps) ≈ 1.
	assert.InDelta(t, 1.0, y.Data()[0], 1e-3)
	// Eval mode must not touch the counters.
	assert.EqualValues(t, 0, bn.BatchesTracked())
}

func TestTrainingMode(t *testing.T) {
	model := NewSequential(NewLinear(2, 2), NewBatchNorm(2))
	assert.True(t, IsTraining(model))
	SetTraining(model, false)
	assert.False(t, IsTraining(model))
	SetTraining(model, true)
	assert.True(t, IsTraining(model))

	// Models without mode-aware layers default to training.
	assert.True(t, IsTraining(NewSequential(NewLinear(2, 2))))
}

func TestToDevice(t *testing.T) {
	model := NewSequential(NewLinear(2, 2))
	assert.Equal(t, tensor.CPU, DeviceOf(model))
	ToDevice(model, tensor.Device("cuda:1"))
	assert.Equal(t, tensor.Device("cuda:1"), DeviceOf(model))
	for _, p := range Parameters(model) {
		assert.Equal(t, tensor.Device("cuda:1"), p.Device())
	}
}
