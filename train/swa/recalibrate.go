package swa

import (
	. "github.com/gomlx/exceptions"
	"github.com/gradflow/gradflow/nn"
)

// Recalibrator resets the running statistics of every normalization layer of
// a model so one forward pass over the dataset can rebuild them from
// scratch, and restores the layers' momenta afterwards.
//
// Averaged parameters invalidate batch-norm running estimates; the standard
// fix is to zero the running mean, reset the running variance to one and
// switch the layers to cumulative moving average mode for a single
// statistics pass.
//
// Layers are identified by their position in the fixed pre-order traversal,
// not by object identity: every ResetAndSnapshot must be paired with exactly
// one Restore over a model with the same normalization layers.
type Recalibrator struct {
	momenta []layerMomentum
	active  bool
}

// layerMomentum is the saved momentum of the layer at a traversal index.
type layerMomentum struct {
	index int
	value float64
	ok    bool
}

// ResetAndSnapshot saves the momentum of every layer with running statistics
// and resets the layer: zero running mean, all-ones running variance, zero
// tracked-batch counter and cumulative moving average mode.
func (r *Recalibrator) ResetAndSnapshot(model nn.Module) {
	layers := nn.StatsLayers(model)
	r.momenta = make([]layerMomentum, 0, len(layers))
	r.active = true
	for ii, layer := range layers {
		value, ok := layer.Momentum()
		r.momenta = append(r.momenta, layerMomentum{index: ii, value: value, ok: ok})
		layer.RunningMean().Fill(0)
		layer.RunningVariance().Fill(1)
		layer.ResetBatchesTracked()
		layer.SetMomentum(0, false)
	}
}

// Restore writes back the momentum of every layer saved by the matching
// ResetAndSnapshot, and clears the snapshot.
//
// Calling Restore without a prior ResetAndSnapshot, or on a model that lost
// a snapshotted layer, is an orchestration bug and panics.
func (r *Recalibrator) Restore(model nn.Module) {
	if !r.active {
		Panicf("swa.Recalibrator.Restore called without a matching ResetAndSnapshot")
	}
	layers := nn.StatsLayers(model)
	for _, saved := range r.momenta {
		if saved.index >= len(layers) {
			Panicf("swa.Recalibrator.Restore: normalization layer #%d from the snapshot no longer exists in the model (%d layers found)",
				saved.index, len(layers))
		}
		layers[saved.index].SetMomentum(saved.value, saved.ok)
	}
	r.momenta = nil
	r.active = false
}

// Active reports whether a reset is pending its restore.
func (r *Recalibrator) Active() bool { return r.active }
