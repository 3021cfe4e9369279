// Package deepspeed integrates a training loop with an external
// distributed-training engine that owns model sharding, mixed precision and
// optimizer state partitioning.
//
// The package does not implement the engine. It owns the engine's lifecycle:
// reformatting the declarative engine configuration from the host loop's
// settings, resolving the rank topology, initializing the engine, and
// exposing the uniform step/reduce/broadcast contract back to the loop.
package deepspeed

import (
	"github.com/gradflow/gradflow/distributed"
	"github.com/gradflow/gradflow/nn"
	"github.com/gradflow/gradflow/train/optimizers"
	"github.com/gradflow/gradflow/types/tensor"
)

// Engine is the external distributed-training engine. Initialize hands it
// the model (possibly wrapped for precision), the trainable parameters and
// the finalized configuration; the engine gives back a wrapped module that
// owns the training step, plus the optimizer and scheduler it built from the
// configuration.
type Engine interface {
	Initialize(localRank int, module nn.Module, params []*tensor.Tensor, config *Config) (EngineModule, optimizers.Optimizer, optimizers.Scheduler, error)
}

// EngineModule is the model as wrapped by the engine. Step runs the whole
// training step -- forward, backward and optimizer update -- on the engine's
// side; the closure carries the host loop's batch work, which the engine may
// drive or replace.
type EngineModule interface {
	nn.Module
	Step(closure optimizers.Closure) (loss float64, err error)
}

// OptimizerConfigurer is implemented by models that declare their optimizer
// and scheduler for the engine, used when the engine configuration itself
// does not name them. Each returned definition must hold exactly one entry,
// mapping the type name to its parameters.
type OptimizerConfigurer interface {
	ConfigureOptimizers() (optimizer, scheduler map[string]map[string]any)
}

// Communicator is re-exported for convenience of callers wiring a custom
// channel into the adapter.
type Communicator = distributed.Communicator
