package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"roadseg/internal/tensor"
)

// SelfAttention2D runs multi-head self-attention over the H*W positions of
// a feature map, treating each position as a token of width C, and adds the
// result back onto the input.
type SelfAttention2D struct {
	C, Heads       int
	Wq, Wk, Wv, Wo *Param // [C, C], applied as tokens x W
	Bq, Bk, Bv, Bo *Param // [C]

	inShape []int
	cache   []attnCache
}

type attnCache struct {
	s, q, k, v, o *mat.Dense
	a             []*mat.Dense
}

// NewSelfAttention2D builds an attention block of width c. c must be
// divisible by heads.
func NewSelfAttention2D(name string, c, heads int, rng *rand.Rand) *SelfAttention2D {
	if heads <= 0 || c%heads != 0 {
		panic(fmt.Sprintf("nn: %d channels not divisible by %d heads", c, heads))
	}
	a := &SelfAttention2D{
		C:     c,
		Heads: heads,
		Wq:    newParam(name+".wq", c*c),
		Wk:    newParam(name+".wk", c*c),
		Wv:    newParam(name+".wv", c*c),
		Wo:    newParam(name+".wo", c*c),
		Bq:    newParam(name+".bq", c),
		Bk:    newParam(name+".bk", c),
		Bv:    newParam(name+".bv", c),
		Bo:    newParam(name+".bo", c),
	}
	for _, p := range []*Param{a.Wq, a.Wk, a.Wv, a.Wo} {
		xavierUniform(p, c, c, rng)
	}
	return a
}

func (a *SelfAttention2D) headDim() int { return a.C / a.Heads }

func (a *SelfAttention2D) Forward(x *tensor.Tensor, _ bool) *tensor.Tensor {
	n, c, h, w := x.Dims4()
	if c != a.C {
		panic(fmt.Sprintf("nn: attention expects %d channels, got %d", a.C, c))
	}
	l := h * w
	d := a.headDim()
	scale := 1 / math.Sqrt(float64(d))
	a.inShape = append(a.inShape[:0], x.Shape...)
	a.cache = make([]attnCache, n)
	out := tensor.ZerosLike(x)
	wq := mat.NewDense(c, c, a.Wq.Value)
	wk := mat.NewDense(c, c, a.Wk.Value)
	wv := mat.NewDense(c, c, a.Wv.Value)
	wo := mat.NewDense(c, c, a.Wo.Value)
	for i := 0; i < n; i++ {
		xm := x.Sample(i)
		s := mat.DenseCopyOf(xm.T())
		q := project(s, wq, a.Bq.Value)
		k := project(s, wk, a.Bk.Value)
		v := project(s, wv, a.Bv.Value)
		o := mat.NewDense(l, c, nil)
		probs := make([]*mat.Dense, a.Heads)
		for hd := 0; hd < a.Heads; hd++ {
			qh := q.Slice(0, l, hd*d, (hd+1)*d)
			kh := k.Slice(0, l, hd*d, (hd+1)*d)
			vh := v.Slice(0, l, hd*d, (hd+1)*d)
			scores := mat.NewDense(l, l, nil)
			scores.Mul(qh, kh.T())
			scores.Scale(scale, scores)
			for r := 0; r < l; r++ {
				softmaxInPlace(scores.RawRowView(r))
			}
			o.Slice(0, l, hd*d, (hd+1)*d).(*mat.Dense).Mul(scores, vh)
			probs[hd] = scores
		}
		y := project(o, wo, a.Bo.Value)
		out.Sample(i).Add(xm, y.T())
		a.cache[i] = attnCache{s: s, q: q, k: k, v: v, o: o, a: probs}
	}
	return out
}

func (a *SelfAttention2D) Backward(dy *tensor.Tensor) *tensor.Tensor {
	n, c, h, w := a.inShape[0], a.inShape[1], a.inShape[2], a.inShape[3]
	l := h * w
	d := a.headDim()
	scale := 1 / math.Sqrt(float64(d))
	dx := tensor.New(a.inShape...)
	wq := mat.NewDense(c, c, a.Wq.Value)
	wk := mat.NewDense(c, c, a.Wk.Value)
	wv := mat.NewDense(c, c, a.Wv.Value)
	wo := mat.NewDense(c, c, a.Wo.Value)
	for i := 0; i < n; i++ {
		cc := a.cache[i]
		dym := dy.Sample(i)
		dY := mat.DenseCopyOf(dym.T())

		dO := mat.NewDense(l, c, nil)
		dO.Mul(dY, wo.T())
		accumulateProjection(a.Wo, a.Bo, cc.o, dY)

		dQ := mat.NewDense(l, c, nil)
		dK := mat.NewDense(l, c, nil)
		dV := mat.NewDense(l, c, nil)
		dA := mat.NewDense(l, l, nil)
		for hd := 0; hd < a.Heads; hd++ {
			lo, hi := hd*d, (hd+1)*d
			dOh := dO.Slice(0, l, lo, hi)
			probs := cc.a[hd]
			dA.Mul(dOh, cc.v.Slice(0, l, lo, hi).T())
			dV.Slice(0, l, lo, hi).(*mat.Dense).Mul(probs.T(), dOh)
			for r := 0; r < l; r++ {
				pr := probs.RawRowView(r)
				gr := dA.RawRowView(r)
				dot := floats.Dot(pr, gr)
				for j := range gr {
					gr[j] = pr[j] * (gr[j] - dot) * scale
				}
			}
			dQ.Slice(0, l, lo, hi).(*mat.Dense).Mul(dA, cc.k.Slice(0, l, lo, hi))
			dK.Slice(0, l, lo, hi).(*mat.Dense).Mul(dA.T(), cc.q.Slice(0, l, lo, hi))
		}
		accumulateProjection(a.Wq, a.Bq, cc.s, dQ)
		accumulateProjection(a.Wk, a.Bk, cc.s, dK)
		accumulateProjection(a.Wv, a.Bv, cc.s, dV)

		dS := mat.NewDense(l, c, nil)
		tmp := mat.NewDense(l, c, nil)
		dS.Mul(dQ, wq.T())
		tmp.Mul(dK, wk.T())
		dS.Add(dS, tmp)
		tmp.Mul(dV, wv.T())
		dS.Add(dS, tmp)
		dx.Sample(i).Add(dym, dS.T())
	}
	return dx
}

func (a *SelfAttention2D) Params() []*Param {
	return []*Param{a.Wq, a.Bq, a.Wk, a.Bk, a.Wv, a.Bv, a.Wo, a.Bo}
}

// project computes tokens x W + b.
func project(tokens, w *mat.Dense, bias []float64) *mat.Dense {
	r, _ := tokens.Dims()
	_, c := w.Dims()
	out := mat.NewDense(r, c, nil)
	out.Mul(tokens, w)
	for i := 0; i < r; i++ {
		floats.Add(out.RawRowView(i), bias)
	}
	return out
}

// accumulateProjection adds the weight and bias gradients of project.
func accumulateProjection(w, b *Param, tokens, grad *mat.Dense) {
	_, c := grad.Dims()
	_, in := tokens.Dims()
	gw := mat.NewDense(in, c, w.Grad)
	tmp := mat.NewDense(in, c, nil)
	tmp.Mul(tokens.T(), grad)
	gw.Add(gw, tmp)
	r, _ := grad.Dims()
	for i := 0; i < r; i++ {
		floats.Add(b.Grad, grad.RawRowView(i))
	}
}

func softmaxInPlace(row []float64) {
	maxV := floats.Max(row)
	sum := 0.0
	for j, v := range row {
		e := math.Exp(v - maxV)
		row[j] = e
		sum += e
	}
	floats.Scale(1/sum, row)
}
