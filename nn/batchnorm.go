package nn

import (
	"fmt"
	"math"

	"github.com/gradflow/gradflow/types/tensor"
)

// BatchNorm normalizes inputs shaped [batch, features] per feature, keeping
// running estimates of the activation mean and variance for evaluation.
//
// During training the running estimates are updated with an exponential
// moving average controlled by the momentum; with the momentum unset the
// layer uses a cumulative moving average instead (the mode the weight
// averaging recalibration pass switches it to, so statistics are rebuilt
// from scratch with a simple running mean).
type BatchNorm struct {
	name     string
	Features int
	Epsilon  float64

	Weight *tensor.Tensor // scale, [features]
	Bias   *tensor.Tensor // offset, [features]

	runningMean    *tensor.Tensor // [features]
	runningVar     *tensor.Tensor // [features]
	momentum       float64
	hasMomentum    bool
	batchesTracked int64
	training       bool
}

// DefaultBatchNormMomentum is the momentum used by NewBatchNorm.
const DefaultBatchNormMomentum = 0.1

// NewBatchNorm creates a batch normalization layer over the given number of
// features, with scale 1, offset 0 and the default momentum.
func NewBatchNorm(features int) *BatchNorm {
	return &BatchNorm{
		name:        fmt.Sprintf("batchnorm[%d]", features),
		Features:    features,
		Epsilon:     1e-5,
		Weight:      tensor.Ones(features),
		Bias:        tensor.New(features),
		runningMean: tensor.New(features),
		runningVar:  tensor.Ones(features),
		momentum:    DefaultBatchNormMomentum,
		hasMomentum: true,
		training:    true,
	}
}

// Name implements Module.
func (bn *BatchNorm) Name() string { return bn.name }

// Parameters implements Module: scale first, then offset. Running statistics
// are state, not parameters, and are not averaged or transferred.
func (bn *BatchNorm) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{bn.Weight, bn.Bias}
}

// Children implements Module.
func (bn *BatchNorm) Children() []Module { return nil }

// Forward implements Module for inputs shaped [batch, features].
//
// In training mode the batch statistics are used for normalization and
// folded into the running estimates; in evaluation mode the running
// estimates are used.
func (bn *BatchNorm) Forward(x *tensor.Tensor) *tensor.Tensor {
	batch := x.Size() / bn.Features
	y := tensor.New(batch, bn.Features).ToDevice(x.Device())
	xData, yData := x.Data(), y.Data()
	w, b := bn.Weight.Data(), bn.Bias.Data()

	mean := bn.runningMean.Data()
	variance := bn.runningVar.Data()
	if bn.training {
		batchMean, batchVar := bn.batchStats(xData, batch)
		bn.updateRunningStats(batchMean, batchVar, batch)
		mean, variance = batchMean, batchVar
	}
	for row := 0; row < batch; row++ {
		for f := 0; f < bn.Features; f++ {
			v := xData[row*bn.Features+f]
			norm := (v - mean[f]) / float32(math.Sqrt(float64(variance[f])+bn.Epsilon))
			yData[row*bn.Features+f] = norm*w[f] + b[f]
		}
	}
	return y
}

// batchStats computes the per-feature mean and biased variance of the batch.
func (bn *BatchNorm) batchStats(xData []float32, batch int) (mean, variance []float32) {
	mean = make([]float32, bn.Features)
	variance = make([]float32, bn.Features)
	for row := 0; row < batch; row++ {
		for f := 0; f < bn.Features; f++ {
			mean[f] += xData[row*bn.Features+f]
		}
	}
	for f := range mean {
		mean[f] /= float32(batch)
	}
	for row := 0; row < batch; row++ {
		for f := 0; f < bn.Features; f++ {
			d := xData[row*bn.Features+f] - mean[f]
			variance[f] += d * d
		}
	}
	for f := range variance {
		variance[f] /= float32(batch)
	}
	return
}

// updateRunningStats folds the batch statistics into the running estimates.
// The variance estimate uses the unbiased batch variance.
func (bn *BatchNorm) updateRunningStats(batchMean, batchVar []float32, batch int) {
	bn.batchesTracked++
	factor := bn.momentum
	if !bn.hasMomentum {
		// Cumulative moving average.
		factor = 1.0 / float64(bn.batchesTracked)
	}
	unbias := float32(1)
	if batch > 1 {
		unbias = float32(batch) / float32(batch-1)
	}
	rm, rv := bn.runningMean.Data(), bn.runningVar.Data()
	for f := 0; f < bn.Features; f++ {
		rm[f] = float32(1-factor)*rm[f] + float32(factor)*batchMean[f]
		rv[f] = float32(1-factor)*rv[f] + float32(factor)*batchVar[f]*unbias
	}
}

// Clone implements Module.
func (bn *BatchNorm) Clone() Module {
	return &BatchNorm{
		name:           bn.name,
		Features:       bn.Features,
		Epsilon:        bn.Epsilon,
		Weight:         bn.Weight.Clone(),
		Bias:           bn.Bias.Clone(),
		runningMean:    bn.runningMean.Clone(),
		runningVar:     bn.runningVar.Clone(),
		momentum:       bn.momentum,
		hasMomentum:    bn.hasMomentum,
		batchesTracked: bn.batchesTracked,
		training:       bn.training,
	}
}

// SetTraining switches the layer between training and evaluation mode.
func (bn *BatchNorm) SetTraining(training bool) { bn.training = training }

// IsTraining reports whether the layer is in training mode.
func (bn *BatchNorm) IsTraining() bool { return bn.training }

// RunningMean implements RunningStats.
func (bn *BatchNorm) RunningMean() *tensor.Tensor { return bn.runningMean }

// RunningVariance implements RunningStats.
func (bn *BatchNorm) RunningVariance() *tensor.Tensor { return bn.runningVar }

// Momentum implements RunningStats.
func (bn *BatchNorm) Momentum() (value float64, ok bool) {
	return bn.momentum, bn.hasMomentum
}

// SetMomentum implements RunningStats.
func (bn *BatchNorm) SetMomentum(value float64, ok bool) {
	bn.momentum, bn.hasMomentum = value, ok
}

// BatchesTracked implements RunningStats.
func (bn *BatchNorm) BatchesTracked() int64 { return bn.batchesTracked }

// ResetBatchesTracked implements RunningStats.
func (bn *BatchNorm) ResetBatchesTracked() { bn.batchesTracked = 0 }
