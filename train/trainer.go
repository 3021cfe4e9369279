package train

import (
	"github.com/gradflow/gradflow/nn"
	"github.com/gradflow/gradflow/train/optimizers"
	"github.com/gradflow/gradflow/types/tensor"
	"github.com/pkg/errors"
)

// StepFn computes the loss for one batch and accumulates the gradients of
// the model's parameters into their gradient buffers (see tensor.Grad). It
// must not apply them -- that is the optimizer's job.
type StepFn func(model nn.Module, inputs, labels *tensor.Tensor) (loss float64, err error)

// Trainer runs the per-batch work of a Loop: training steps through the
// step function, and forward-only statistics passes.
type Trainer struct {
	// Model being trained.
	Model nn.Module

	stepFn StepFn
}

// NewTrainer creates a trainer for the model with the given step function.
func NewTrainer(model nn.Module, stepFn StepFn) *Trainer {
	return &Trainer{Model: model, stepFn: stepFn}
}

// closure binds a batch to the step function, in the form optimizers take.
func (r *Trainer) closure(inputs, labels *tensor.Tensor) optimizers.Closure {
	return func() (float64, error) {
		if r.stepFn == nil {
			return 0, errors.New("Trainer: no step function configured")
		}
		return r.stepFn(r.Model, inputs, labels)
	}
}

// StatisticsStep runs one forward pass in training mode without computing
// gradients or stepping the optimizer. Layers that keep running activation
// statistics update them; nothing else changes.
func (r *Trainer) StatisticsStep(inputs, labels *tensor.Tensor) error {
	_ = labels
	nn.SetTraining(r.Model, true)
	_ = r.Model.Forward(inputs)
	return nil
}
