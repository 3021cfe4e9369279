// Package optimizers implements the optimizer and learning-rate scheduler
// contracts the training loop works with, a plain SGD optimizer, and the
// annealing schedule used by stochastic weight averaging.
package optimizers

import (
	"github.com/gradflow/gradflow/types/tensor"
	"github.com/pkg/errors"
)

// Closure computes the loss for the current batch and fills the gradient
// buffers of the parameters the optimizer will update.
type Closure func() (loss float64, err error)

// ParamGroup ties a set of parameters to one learning rate. Schedulers
// mutate LR in place.
type ParamGroup struct {
	Params []*tensor.Tensor
	LR     float64
}

// Optimizer updates model parameters from their accumulated gradients.
type Optimizer interface {
	// ParamGroups returns the parameter groups, in a stable order.
	// Schedulers adjust the learning rate through them.
	ParamGroups() []*ParamGroup

	// Step runs the closure (forward, backward) and applies the
	// accumulated gradients. It returns the loss reported by the closure.
	Step(closure Closure) (loss float64, err error)
}

// SGD is plain stochastic gradient descent: p -= lr * grad, per group.
type SGD struct {
	groups []*ParamGroup
}

// NewSGD creates an SGD optimizer with a single parameter group.
func NewSGD(params []*tensor.Tensor, lr float64) *SGD {
	return NewSGDGroups(&ParamGroup{Params: params, LR: lr})
}

// NewSGDGroups creates an SGD optimizer over the given parameter groups.
func NewSGDGroups(groups ...*ParamGroup) *SGD {
	return &SGD{groups: groups}
}

// ParamGroups implements Optimizer.
func (opt *SGD) ParamGroups() []*ParamGroup { return opt.groups }

// Step implements Optimizer. Gradient buffers are cleared after they are
// applied.
func (opt *SGD) Step(closure Closure) (loss float64, err error) {
	if closure != nil {
		loss, err = closure()
		if err != nil {
			return 0, errors.WithMessage(err, "SGD.Step: closure failed")
		}
	}
	for _, group := range opt.groups {
		for _, p := range group.Params {
			data, grad := p.Data(), p.Grad()
			for ii := range data {
				data[ii] -= float32(group.LR) * grad[ii]
			}
			p.ZeroGrad()
		}
	}
	return loss, nil
}
