package nn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/gradflow/gradflow/types/tensor"
)

// Linear is a fully connected layer: y = x·W + b, for inputs shaped
// [batch, in].
type Linear struct {
	name    string
	In, Out int
	Weight  *tensor.Tensor // [in, out]
	Bias    *tensor.Tensor // [out]
}

// NewLinear creates a fully connected layer with weights initialized
// uniformly in [-1/sqrt(in), 1/sqrt(in)] and zero bias.
func NewLinear(in, out int) *Linear {
	l := &Linear{
		name:   fmt.Sprintf("linear[%dx%d]", in, out),
		In:     in,
		Out:    out,
		Weight: tensor.New(in, out),
		Bias:   tensor.New(out),
	}
	bound := 1.0 / math.Sqrt(float64(in))
	w := l.Weight.Data()
	for ii := range w {
		w[ii] = float32((rand.Float64()*2 - 1) * bound)
	}
	return l
}

// Name implements Module.
func (l *Linear) Name() string { return l.name }

// Parameters implements Module: weight first, then bias.
func (l *Linear) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{l.Weight, l.Bias}
}

// Children implements Module.
func (l *Linear) Children() []Module { return nil }

// Forward implements Module for inputs shaped [batch, in].
func (l *Linear) Forward(x *tensor.Tensor) *tensor.Tensor {
	batch := x.Size() / l.In
	y := tensor.New(batch, l.Out).ToDevice(x.Device())
	xData, yData := x.Data(), y.Data()
	w, b := l.Weight.Data(), l.Bias.Data()
	for row := 0; row < batch; row++ {
		for col := 0; col < l.Out; col++ {
			sum := b[col]
			for k := 0; k < l.In; k++ {
				sum += xData[row*l.In+k] * w[k*l.Out+col]
			}
			yData[row*l.Out+col] = sum
		}
	}
	return y
}

// Clone implements Module.
func (l *Linear) Clone() Module {
	return &Linear{
		name:   l.name,
		In:     l.In,
		Out:    l.Out,
		Weight: l.Weight.Clone(),
		Bias:   l.Bias.Clone(),
	}
}

// Sequential chains modules, feeding each one's output to the next.
type Sequential struct {
	name   string
	layers []Module
}

// NewSequential creates a Sequential from the given layers.
func NewSequential(layers ...Module) *Sequential {
	return &Sequential{name: "sequential", layers: layers}
}

// Name implements Module.
func (s *Sequential) Name() string { return s.name }

// Parameters implements Module: a Sequential owns no parameters directly.
func (s *Sequential) Parameters() []*tensor.Tensor { return nil }

// Children implements Module.
func (s *Sequential) Children() []Module { return s.layers }

// Forward implements Module.
func (s *Sequential) Forward(x *tensor.Tensor) *tensor.Tensor {
	for _, layer := range s.layers {
		x = layer.Forward(x)
	}
	return x
}

// Clone implements Module.
func (s *Sequential) Clone() Module {
	layers := make([]Module, len(s.layers))
	for ii, layer := range s.layers {
		layers[ii] = layer.Clone()
	}
	return &Sequential{name: s.name, layers: layers}
}
