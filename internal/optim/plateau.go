package optim

import "math"

// Plateau lowers the learning rate of an optimizer when a minimized metric
// stops improving. An epoch counts as an improvement when the metric drops
// below best*(1-Threshold).
type Plateau struct {
	Factor    float64
	Patience  int
	Threshold float64
	MinLR     float64

	opt       *Adam
	best      float64
	badEpochs int
}

// NewPlateau attaches a scheduler to opt.
func NewPlateau(opt *Adam, factor float64, patience int) *Plateau {
	return &Plateau{
		Factor:    factor,
		Patience:  patience,
		Threshold: 1e-4,
		opt:       opt,
		best:      math.Inf(1),
	}
}

// Step records the epoch metric and reports whether the rate was reduced.
func (p *Plateau) Step(metric float64) bool {
	if metric < p.best*(1-p.Threshold) {
		p.best = metric
		p.badEpochs = 0
		return false
	}
	p.badEpochs++
	if p.badEpochs <= p.Patience {
		return false
	}
	p.badEpochs = 0
	next := math.Max(p.opt.LR*p.Factor, p.MinLR)
	if p.opt.LR-next <= 1e-12 {
		return false
	}
	p.opt.LR = next
	return true
}

// Best returns the lowest metric seen so far.
func (p *Plateau) Best() float64 { return p.best }
