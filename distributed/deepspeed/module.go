package deepspeed

import (
	"github.com/gradflow/gradflow/nn"
	"github.com/gradflow/gradflow/types/tensor"
	"github.com/x448/float16"
)

// halfModule wraps a model for 16-bit training: inputs are rounded through
// half precision before the forward pass, matching what the engine sees on
// the accelerator.
type halfModule struct {
	inner nn.Module
}

// wrapPrecision returns the module the engine should wrap: the model itself
// at full precision, or a half-precision input wrapper at precision 16.
func wrapPrecision(m nn.Module, precision int) nn.Module {
	if precision == 16 {
		return &halfModule{inner: m}
	}
	return m
}

// Name implements nn.Module.
func (h *halfModule) Name() string { return h.inner.Name() + "[fp16]" }

// Parameters implements nn.Module.
func (h *halfModule) Parameters() []*tensor.Tensor { return nil }

// Children implements nn.Module.
func (h *halfModule) Children() []nn.Module { return []nn.Module{h.inner} }

// Forward implements nn.Module, rounding the input through half precision.
func (h *halfModule) Forward(x *tensor.Tensor) *tensor.Tensor {
	return h.inner.Forward(RoundToHalf(x))
}

// Clone implements nn.Module.
func (h *halfModule) Clone() nn.Module {
	return &halfModule{inner: h.inner.Clone()}
}

// RoundToHalf returns a copy of t with every value rounded to the nearest
// IEEE 754 half-precision value.
func RoundToHalf(t *tensor.Tensor) *tensor.Tensor {
	rounded := t.Clone()
	data := rounded.Data()
	for ii, v := range data {
		data[ii] = float16.Fromfloat32(v).Float32()
	}
	return rounded
}
