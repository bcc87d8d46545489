// Package optim holds the Adam optimizer and the plateau learning-rate
// scheduler used by the trainer.
package optim

import (
	"math"

	"roadseg/internal/nn"
)

// Adam implements the Adam update rule with bias correction.
type Adam struct {
	LR      float64
	Beta1   float64
	Beta2   float64
	Epsilon float64

	params []*nn.Param
	m, v   map[*nn.Param][]float64
	step   int
}

// NewAdam returns an optimizer over params with the usual defaults for the
// moment decay rates.
func NewAdam(params []*nn.Param, lr float64) *Adam {
	a := &Adam{
		LR:      lr,
		Beta1:   0.9,
		Beta2:   0.999,
		Epsilon: 1e-8,
		params:  params,
		m:       make(map[*nn.Param][]float64, len(params)),
		v:       make(map[*nn.Param][]float64, len(params)),
	}
	for _, p := range params {
		a.m[p] = make([]float64, len(p.Value))
		a.v[p] = make([]float64, len(p.Value))
	}
	return a
}

// ZeroGrad clears gradients of every managed parameter.
func (a *Adam) ZeroGrad() {
	nn.ZeroGrads(a.params)
}

// Step applies one update using the accumulated gradients.
func (a *Adam) Step() {
	a.step++
	bc1 := 1 - math.Pow(a.Beta1, float64(a.step))
	bc2 := 1 - math.Pow(a.Beta2, float64(a.step))
	for _, p := range a.params {
		m, v := a.m[p], a.v[p]
		for i, g := range p.Grad {
			m[i] = a.Beta1*m[i] + (1-a.Beta1)*g
			v[i] = a.Beta2*v[i] + (1-a.Beta2)*g*g
			mh := m[i] / bc1
			vh := v[i] / bc2
			p.Value[i] -= a.LR * mh / (math.Sqrt(vh) + a.Epsilon)
		}
	}
}

// Steps returns how many updates have been applied.
func (a *Adam) Steps() int { return a.step }
