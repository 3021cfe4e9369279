// Package distributed defines the collective-communication contract used
// for multi-process training: one process per rank, full replica of the
// control flow on each, synchronization only at explicit collective points.
//
// Collective calls block the calling rank until every participating rank
// arrives. There is no cancellation: a rank that never reaches a collective
// call leaves the others blocked.
package distributed

import (
	"github.com/gradflow/gradflow/types/tensor"
	"github.com/pkg/errors"
)

// ReduceOp selects how values are combined by a collective reduction.
type ReduceOp int

const (
	// ReduceSum adds the values of all ranks. The default.
	ReduceSum ReduceOp = iota
	ReduceMean
	ReduceMax
	ReduceMin
)

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	switch op {
	case ReduceSum:
		return "sum"
	case ReduceMean:
		return "mean"
	case ReduceMax:
		return "max"
	case ReduceMin:
		return "min"
	}
	return "unknown"
}

// Communicator is the collective-communication channel between the ranks of
// a training job. Implementations wrap a transport (NCCL, Gloo, ...); the
// package also provides Local, the single-process implementation.
type Communicator interface {
	// Open initializes the channel over the given transport ("nccl",
	// "gloo"). Opening an already-open channel is a no-op.
	Open(transport string) error

	// Initialized reports whether the channel is open.
	Initialized() bool

	// Barrier blocks until every rank reaches it. A no-op when the
	// channel is not open.
	Barrier()

	// AllReduce combines t's values across all ranks in place.
	AllReduce(t *tensor.Tensor, op ReduceOp) error

	// Broadcast sends obj from srcRank to every rank and returns the
	// received value.
	Broadcast(obj any, srcRank int) (any, error)

	// Close releases the channel.
	Close() error
}

// TransportFor returns the collective transport for an accelerator type:
// "nccl" for CUDA devices, "gloo" otherwise.
func TransportFor(accelerator string) string {
	if accelerator == string(tensor.CUDA) {
		return "nccl"
	}
	return "gloo"
}

// Local is the single-process Communicator: barriers return immediately and
// reductions over a world of one leave values unchanged.
type Local struct {
	opened    bool
	transport string
}

// Open implements Communicator.
func (c *Local) Open(transport string) error {
	c.opened = true
	c.transport = transport
	return nil
}

// Initialized implements Communicator.
func (c *Local) Initialized() bool { return c.opened }

// Barrier implements Communicator. With a single rank there is nothing to
// wait for.
func (c *Local) Barrier() {}

// AllReduce implements Communicator: a reduction over one rank is the
// identity, for every ReduceOp.
func (c *Local) AllReduce(t *tensor.Tensor, op ReduceOp) error {
	if !c.opened {
		return errors.New("distributed.Local: AllReduce on a channel that was not opened")
	}
	_ = op
	return nil
}

// Broadcast implements Communicator.
func (c *Local) Broadcast(obj any, srcRank int) (any, error) {
	if !c.opened {
		return nil, errors.New("distributed.Local: Broadcast on a channel that was not opened")
	}
	_ = srcRank
	return obj, nil
}

// Close implements Communicator.
func (c *Local) Close() error {
	c.opened = false
	return nil
}

// Transport returns the transport the channel was opened with.
func (c *Local) Transport() string { return c.transport }
