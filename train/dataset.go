package train

import (
	"io"

	"github.com/gradflow/gradflow/types/tensor"
)

// Dataset yields the batches of one epoch. Yield returns io.EOF at the end
// of the epoch, and Reset rewinds it for the next one.
type Dataset interface {
	// Yield returns the next batch, or io.EOF when the epoch is over.
	Yield() (inputs, labels *tensor.Tensor, err error)

	// Reset restarts the dataset for a new epoch.
	Reset()

	// NumBatches per epoch, or -1 if not known upfront.
	NumBatches() int
}

// SliceDataset is an in-memory Dataset over fixed slices of batches.
type SliceDataset struct {
	inputs, labels []*tensor.Tensor
	next           int
}

// NewSliceDataset creates a dataset from parallel slices of input and label
// batches.
func NewSliceDataset(inputs, labels []*tensor.Tensor) *SliceDataset {
	if len(inputs) != len(labels) {
		panic("train.NewSliceDataset: inputs and labels must have the same length")
	}
	return &SliceDataset{inputs: inputs, labels: labels}
}

// Yield implements Dataset.
func (ds *SliceDataset) Yield() (inputs, labels *tensor.Tensor, err error) {
	if ds.next >= len(ds.inputs) {
		return nil, nil, io.EOF
	}
	inputs, labels = ds.inputs[ds.next], ds.labels[ds.next]
	ds.next++
	return
}

// Reset implements Dataset.
func (ds *SliceDataset) Reset() { ds.next = 0 }

// NumBatches implements Dataset.
func (ds *SliceDataset) NumBatches() int { return len(ds.inputs) }
