package nn

import (
	"math"
	"math/rand"
	"testing"

	"roadseg/internal/tensor"
)

// probe is the scalar sum(forward(x) * r) whose gradient w.r.t. the layer
// output is r.
func probe(l Layer, x, r *tensor.Tensor, train bool) float64 {
	y := l.Forward(x, train)
	s := 0.0
	for i, v := range y.Data {
		s += v * r.Data[i]
	}
	return s
}

func randomTensor(rng *rand.Rand, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64()
	}
	return t
}

func checkGradients(t *testing.T, l Layer, x *tensor.Tensor, train bool, seed int64) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	y := l.Forward(x, train)
	r := randomTensor(rng, y.Shape...)
	ZeroGrads(l.Params())
	l.Forward(x, train)
	dx := l.Backward(r)

	const eps = 1e-5
	const tol = 1e-4
	for i := range x.Data {
		orig := x.Data[i]
		x.Data[i] = orig + eps
		plus := probe(l, x, r, train)
		x.Data[i] = orig - eps
		minus := probe(l, x, r, train)
		x.Data[i] = orig
		num := (plus - minus) / (2 * eps)
		if diff := math.Abs(num - dx.Data[i]); diff > tol*math.Max(1, math.Abs(num)) {
			t.Fatalf("input grad[%d]: analytic=%g numeric=%g", i, dx.Data[i], num)
		}
	}
	for _, p := range l.Params() {
		for i := range p.Value {
			orig := p.Value[i]
			p.Value[i] = orig + eps
			plus := probe(l, x, r, train)
			p.Value[i] = orig - eps
			minus := probe(l, x, r, train)
			p.Value[i] = orig
			num := (plus - minus) / (2 * eps)
			if diff := math.Abs(num - p.Grad[i]); diff > tol*math.Max(1, math.Abs(num)) {
				t.Fatalf("%s grad[%d]: analytic=%g numeric=%g", p.Name, i, p.Grad[i], num)
			}
		}
	}
}

func TestConv2DGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	conv := NewConv2D("conv", 2, 3, 3, rng)
	checkGradients(t, conv, randomTensor(rng, 2, 2, 4, 5), true, 2)
}

func TestConv2DPreservesSize(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	conv := NewConv2D("conv", 3, 4, 3, rng)
	y := conv.Forward(randomTensor(rng, 1, 3, 6, 7), false)
	if n, c, h, w := y.Dims4(); n != 1 || c != 4 || h != 6 || w != 7 {
		t.Fatalf("unexpected output shape %v", y.Shape)
	}
}

func TestConvTranspose2DGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	up := NewConvTranspose2D("up", 3, 2, rng)
	x := randomTensor(rng, 2, 3, 2, 3)
	if y := up.Forward(x, true); y.Shape[2] != 4 || y.Shape[3] != 6 {
		t.Fatalf("expected doubled spatial size, got %v", y.Shape)
	}
	checkGradients(t, up, x, true, 4)
}

func TestBatchNormGradientsTraining(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	bn := NewBatchNorm2D("bn", 3)
	for i := range bn.Gamma.Value {
		bn.Gamma.Value[i] = 0.5 + rng.Float64()
		bn.Beta.Value[i] = rng.NormFloat64()
	}
	checkGradients(t, bn, randomTensor(rng, 2, 3, 3, 3), true, 6)
}

func TestBatchNormGradientsEval(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	bn := NewBatchNorm2D("bn", 2)
	bn.RunningMean[0], bn.RunningVar[0] = 0.3, 2
	checkGradients(t, bn, randomTensor(rng, 2, 2, 2, 2), false, 8)
}

func TestBatchNormNormalizesInTraining(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	bn := NewBatchNorm2D("bn", 1)
	x := randomTensor(rng, 4, 1, 3, 3)
	for i := range x.Data {
		x.Data[i] = x.Data[i]*3 + 10
	}
	y := bn.Forward(x, true)
	mean := 0.0
	for _, v := range y.Data {
		mean += v
	}
	mean /= float64(y.Len())
	if math.Abs(mean) > 1e-9 {
		t.Fatalf("expected zero mean, got %g", mean)
	}
	if bn.RunningMean[0] < 0.5 {
		t.Fatalf("running mean not updated: %g", bn.RunningMean[0])
	}
}

func TestMaxPoolGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	checkGradients(t, &MaxPool2D{}, randomTensor(rng, 2, 2, 4, 4), true, 12)
}

func TestReLUGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	checkGradients(t, &ReLU{}, randomTensor(rng, 1, 2, 3, 3), true, 14)
}

func TestSelfAttentionGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(15))
	attn := NewSelfAttention2D("attn", 4, 2, rng)
	for _, p := range []*Param{attn.Bq, attn.Bk, attn.Bv, attn.Bo} {
		for i := range p.Value {
			p.Value[i] = 0.1 * rng.NormFloat64()
		}
	}
	checkGradients(t, attn, randomTensor(rng, 2, 4, 2, 3), true, 16)
}

func TestSelfAttentionSingleHeadOddWidth(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	attn := NewSelfAttention2D("attn", 3, 1, rng)
	checkGradients(t, attn, randomTensor(rng, 1, 3, 2, 2), true, 18)
}

func TestSequentialGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(19))
	seq := NewSequential(
		NewConv2D("c1", 2, 3, 3, rng),
		&ReLU{},
		NewConv2D("c2", 3, 1, 1, rng),
	)
	if got := CountParams(seq.Params()); got != 3*2*9+3+3+1 {
		t.Fatalf("unexpected parameter count %d", got)
	}
	checkGradients(t, seq, randomTensor(rng, 1, 2, 3, 3), true, 20)
}
