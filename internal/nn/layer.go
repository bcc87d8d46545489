// Package nn implements the layers the segmentation models are built from.
// Each layer caches what its backward pass needs during Forward and
// accumulates parameter gradients into Param.Grad during Backward.
package nn

import (
	"math"
	"math/rand"

	"roadseg/internal/tensor"
)

// Param is a trainable weight buffer and its gradient.
type Param struct {
	Name  string
	Value []float64
	Grad  []float64
}

func newParam(name string, n int) *Param {
	return &Param{Name: name, Value: make([]float64, n), Grad: make([]float64, n)}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Layer is a differentiable building block.
type Layer interface {
	// Forward computes the layer output. train selects batch statistics in
	// normalization layers.
	Forward(x *tensor.Tensor, train bool) *tensor.Tensor
	// Backward takes dL/dy for the last Forward call, accumulates parameter
	// gradients and returns dL/dx.
	Backward(dy *tensor.Tensor) *tensor.Tensor
	Params() []*Param
}

// ZeroGrads clears every gradient in params.
func ZeroGrads(params []*Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// CountParams returns the number of scalar weights.
func CountParams(params []*Param) int {
	n := 0
	for _, p := range params {
		n += len(p.Value)
	}
	return n
}

func heNormal(p *Param, fanIn int, rng *rand.Rand) {
	std := math.Sqrt(2 / float64(fanIn))
	for i := range p.Value {
		p.Value[i] = rng.NormFloat64() * std
	}
}

func xavierUniform(p *Param, fanIn, fanOut int, rng *rand.Rand) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range p.Value {
		p.Value[i] = (rng.Float64()*2 - 1) * limit
	}
}

// Sequential chains layers.
type Sequential struct {
	Layers []Layer
}

// NewSequential builds a chain of layers.
func NewSequential(layers ...Layer) *Sequential {
	return &Sequential{Layers: layers}
}

func (s *Sequential) Forward(x *tensor.Tensor, train bool) *tensor.Tensor {
	for _, l := range s.Layers {
		x = l.Forward(x, train)
	}
	return x
}

func (s *Sequential) Backward(dy *tensor.Tensor) *tensor.Tensor {
	for i := len(s.Layers) - 1; i >= 0; i-- {
		dy = s.Layers[i].Backward(dy)
	}
	return dy
}

func (s *Sequential) Params() []*Param {
	var out []*Param
	for _, l := range s.Layers {
		out = append(out, l.Params()...)
	}
	return out
}

// ReLU is max(0, x).
type ReLU struct {
	mask []bool
}

func (r *ReLU) Forward(x *tensor.Tensor, _ bool) *tensor.Tensor {
	out := tensor.ZerosLike(x)
	r.mask = make([]bool, x.Len())
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
			r.mask[i] = true
		}
	}
	return out
}

func (r *ReLU) Backward(dy *tensor.Tensor) *tensor.Tensor {
	dx := tensor.ZerosLike(dy)
	for i, on := range r.mask {
		if on {
			dx.Data[i] = dy.Data[i]
		}
	}
	return dx
}

func (r *ReLU) Params() []*Param { return nil }
