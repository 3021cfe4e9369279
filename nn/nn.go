// Package nn defines the module tree that models are made of: a Module is a
// named node with its own parameters and child modules.
//
// Traversal order is load-bearing: Parameters and Visit enumerate the tree in
// pre-order, parents before children, children in declaration order. Tools
// that pair up parameters between two structurally identical models (weight
// averaging, weight transfer) rely on this order being stable.
package nn

import (
	"github.com/gradflow/gradflow/types/tensor"
)

// Module is a node of a model tree.
type Module interface {
	// Name of the module, for logging and error reporting.
	Name() string

	// Parameters owned directly by this module, not including children's.
	// The order must be stable across calls.
	Parameters() []*tensor.Tensor

	// Children modules, in declaration order.
	Children() []Module

	// Forward computes the module's output for the given input.
	Forward(x *tensor.Tensor) *tensor.Tensor

	// Clone returns a deep copy of the module: parameters and internal
	// state are copied, nothing is shared with the original.
	Clone() Module
}

// RunningStats is implemented by layers that keep running statistics of their
// activations (batch normalization and friends). It is the structural
// capability the recalibration pass looks for -- detection is by interface,
// never by concrete type.
type RunningStats interface {
	// RunningMean of the activations, updated during training.
	RunningMean() *tensor.Tensor

	// RunningVariance of the activations, updated during training.
	RunningVariance() *tensor.Tensor

	// Momentum of the exponential moving average. ok is false when the
	// layer is in cumulative moving average mode (no exponential decay).
	Momentum() (value float64, ok bool)

	// SetMomentum changes the momentum. Setting ok to false switches the
	// layer to cumulative moving average mode.
	SetMomentum(value float64, ok bool)

	// BatchesTracked returns how many batches contributed to the running
	// statistics so far.
	BatchesTracked() int64

	// ResetBatchesTracked zeroes the tracked-batch counter.
	ResetBatchesTracked()
}

// trainable is implemented by modules that distinguish training from
// evaluation mode.
type trainable interface {
	SetTraining(training bool)
	IsTraining() bool
}

// Visit calls fn for every module of the tree rooted at m, in pre-order.
func Visit(m Module, fn func(Module)) {
	fn(m)
	for _, child := range m.Children() {
		Visit(child, fn)
	}
}

// Parameters collects every parameter of the tree rooted at m, in the fixed
// pre-order traversal.
func Parameters(m Module) []*tensor.Tensor {
	var params []*tensor.Tensor
	Visit(m, func(mod Module) {
		params = append(params, mod.Parameters()...)
	})
	return params
}

// ToDevice re-tags every parameter of the tree as living on the given device.
func ToDevice(m Module, device tensor.Device) {
	for _, p := range Parameters(m) {
		p.ToDevice(device)
	}
}

// DeviceOf returns the device of the model, taken from its first parameter.
// Models without parameters report the CPU.
func DeviceOf(m Module) tensor.Device {
	params := Parameters(m)
	if len(params) == 0 {
		return tensor.CPU
	}
	return params[0].Device()
}

// SetTraining switches every mode-aware module of the tree between training
// and evaluation mode.
func SetTraining(m Module, training bool) {
	Visit(m, func(mod Module) {
		if t, ok := mod.(trainable); ok {
			t.SetTraining(training)
		}
	})
}

// IsTraining reports the mode of the model: true if any mode-aware module is
// in training mode, and also for models with no mode-aware modules at all
// (training is the default mode).
func IsTraining(m Module) bool {
	sawModeAware := false
	training := false
	Visit(m, func(mod Module) {
		if t, ok := mod.(trainable); ok {
			sawModeAware = true
			training = training || t.IsTraining()
		}
	})
	if !sawModeAware {
		return true
	}
	return training
}

// HasRunningStats reports whether any module of the tree keeps running
// activation statistics.
func HasRunningStats(m Module) bool {
	found := false
	Visit(m, func(mod Module) {
		if _, ok := mod.(RunningStats); ok {
			found = true
		}
	})
	return found
}

// StatsLayers collects the modules of the tree that keep running activation
// statistics, in the fixed pre-order traversal. The index of a layer in the
// returned slice is its stable handle for a reset/restore pair.
func StatsLayers(m Module) []RunningStats {
	var layers []RunningStats
	Visit(m, func(mod Module) {
		if rs, ok := mod.(RunningStats); ok {
			layers = append(layers, rs)
		}
	})
	return layers
}
