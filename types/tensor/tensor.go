// Package tensor implements the minimal dense tensor used to hold model
// parameters and activations.
//
// A Tensor is a flat float32 buffer plus its dimensions and a device tag.
// Storage always lives on the host; the device tag records where the host
// loop placed the owning model, so copies between models sitting on
// different devices remain explicit.
package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

// Tensor is a dense float32 value with a fixed shape.
//
// The public methods expose the flat data directly: mutations are visible to
// every holder of the tensor.
type Tensor struct {
	dims   []int
	data   []float32
	grad   []float32
	device Device
}

// New creates a zero-initialized tensor with the given dimensions, on the CPU.
func New(dims ...int) *Tensor {
	return &Tensor{
		dims:   append([]int(nil), dims...),
		data:   make([]float32, numElements(dims)),
		device: CPU,
	}
}

// FromFlat creates a tensor that takes ownership of the given flat data.
// It panics if the data length doesn't match the product of the dimensions.
func FromFlat(data []float32, dims ...int) *Tensor {
	if len(data) != numElements(dims) {
		panic(fmt.Sprintf("tensor.FromFlat: %d values for dimensions %v", len(data), dims))
	}
	return &Tensor{
		dims:   append([]int(nil), dims...),
		data:   data,
		device: CPU,
	}
}

// Ones creates a tensor filled with 1, on the CPU.
func Ones(dims ...int) *Tensor {
	t := New(dims...)
	t.Fill(1)
	return t
}

func numElements(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// Dims returns the dimensions of the tensor. Don't modify the returned slice.
func (t *Tensor) Dims() []int { return t.dims }

// Size is the total number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// Data returns the flat underlying buffer.
func (t *Tensor) Data() []float32 { return t.data }

// Device returns the device tag of the tensor.
func (t *Tensor) Device() Device { return t.device }

// ToDevice re-tags the tensor as living on the given device, and returns the
// tensor itself, so calls can be cascaded.
func (t *Tensor) ToDevice(device Device) *Tensor {
	t.device = device
	return t
}

// Fill sets every element to value.
func (t *Tensor) Fill(value float32) {
	for ii := range t.data {
		t.data[ii] = value
	}
}

// Clone returns a deep copy of the tensor, on the same device.
// Gradients are not cloned.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		dims:   append([]int(nil), t.dims...),
		data:   append([]float32(nil), t.data...),
		device: t.device,
	}
}

// CopyFrom overwrites the tensor's values with src's, keeping the
// destination's device tag. It fails if the sizes differ.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if src.Size() != t.Size() {
		return errors.Errorf("tensor.CopyFrom: size mismatch, cannot copy %v into %v", src.dims, t.dims)
	}
	copy(t.data, src.data)
	return nil
}

// Equal reports whether two tensors have the same dimensions and exactly the
// same values. Device tags are not compared.
func (t *Tensor) Equal(o *Tensor) bool {
	if len(t.dims) != len(o.dims) {
		return false
	}
	for ii, d := range t.dims {
		if o.dims[ii] != d {
			return false
		}
	}
	for ii, v := range t.data {
		if o.data[ii] != v {
			return false
		}
	}
	return true
}

// Grad returns the gradient buffer associated with the tensor, allocating it
// (zero-initialized) on first use.
func (t *Tensor) Grad() []float32 {
	if t.grad == nil {
		t.grad = make([]float32, len(t.data))
	}
	return t.grad
}

// ZeroGrad clears the gradient buffer, if one was allocated.
func (t *Tensor) ZeroGrad() {
	for ii := range t.grad {
		t.grad[ii] = 0
	}
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%v, %s)", t.dims, t.device)
}
