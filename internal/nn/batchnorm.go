package nn

import (
	"fmt"
	"math"

	"roadseg/internal/tensor"
)

// BatchNorm2D normalizes each channel over the batch and spatial axes.
// Training mode uses batch statistics and updates the running estimates;
// evaluation mode uses the running estimates.
type BatchNorm2D struct {
	C           int
	Gamma, Beta *Param
	RunningMean []float64
	RunningVar  []float64
	Momentum    float64
	Eps         float64

	xhat   *tensor.Tensor
	invStd []float64
	train  bool
}

// NewBatchNorm2D returns a layer with gamma=1, beta=0.
func NewBatchNorm2D(name string, channels int) *BatchNorm2D {
	b := &BatchNorm2D{
		C:           channels,
		Gamma:       newParam(name+".gamma", channels),
		Beta:        newParam(name+".beta", channels),
		RunningMean: make([]float64, channels),
		RunningVar:  make([]float64, channels),
		Momentum:    0.1,
		Eps:         1e-5,
	}
	for i := 0; i < channels; i++ {
		b.Gamma.Value[i] = 1
		b.RunningVar[i] = 1
	}
	return b
}

func (b *BatchNorm2D) Forward(x *tensor.Tensor, train bool) *tensor.Tensor {
	n, c, h, w := x.Dims4()
	if c != b.C {
		panic(fmt.Sprintf("nn: batchnorm expects %d channels, got %d", b.C, c))
	}
	hw := h * w
	m := float64(n * hw)
	b.train = train
	b.xhat = tensor.ZerosLike(x)
	b.invStd = make([]float64, c)
	out := tensor.ZerosLike(x)
	for ch := 0; ch < c; ch++ {
		var mean, variance float64
		if train {
			for i := 0; i < n; i++ {
				for _, v := range x.Data[(i*c+ch)*hw : (i*c+ch+1)*hw] {
					mean += v
				}
			}
			mean /= m
			for i := 0; i < n; i++ {
				for _, v := range x.Data[(i*c+ch)*hw : (i*c+ch+1)*hw] {
					d := v - mean
					variance += d * d
				}
			}
			variance /= m
			unbiased := variance
			if m > 1 {
				unbiased = variance * m / (m - 1)
			}
			b.RunningMean[ch] = (1-b.Momentum)*b.RunningMean[ch] + b.Momentum*mean
			b.RunningVar[ch] = (1-b.Momentum)*b.RunningVar[ch] + b.Momentum*unbiased
		} else {
			mean, variance = b.RunningMean[ch], b.RunningVar[ch]
		}
		inv := 1 / math.Sqrt(variance+b.Eps)
		b.invStd[ch] = inv
		g, bt := b.Gamma.Value[ch], b.Beta.Value[ch]
		for i := 0; i < n; i++ {
			off := (i*c + ch) * hw
			for j := off; j < off+hw; j++ {
				xh := (x.Data[j] - mean) * inv
				b.xhat.Data[j] = xh
				out.Data[j] = g*xh + bt
			}
		}
	}
	return out
}

func (b *BatchNorm2D) Backward(dy *tensor.Tensor) *tensor.Tensor {
	n, c, h, w := dy.Dims4()
	hw := h * w
	m := float64(n * hw)
	dx := tensor.ZerosLike(dy)
	for ch := 0; ch < c; ch++ {
		var sumDy, sumDyXhat float64
		for i := 0; i < n; i++ {
			off := (i*c + ch) * hw
			for j := off; j < off+hw; j++ {
				sumDy += dy.Data[j]
				sumDyXhat += dy.Data[j] * b.xhat.Data[j]
			}
		}
		b.Gamma.Grad[ch] += sumDyXhat
		b.Beta.Grad[ch] += sumDy
		scale := b.Gamma.Value[ch] * b.invStd[ch]
		for i := 0; i < n; i++ {
			off := (i*c + ch) * hw
			for j := off; j < off+hw; j++ {
				if b.train {
					dx.Data[j] = scale * (dy.Data[j] - sumDy/m - b.xhat.Data[j]*sumDyXhat/m)
				} else {
					dx.Data[j] = scale * dy.Data[j]
				}
			}
		}
	}
	return dx
}

func (b *BatchNorm2D) Params() []*Param { return []*Param{b.Gamma, b.Beta} }
