package nn

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"roadseg/internal/tensor"
)

// Conv2D is a stride-1 convolution with same padding (odd kernels only).
// The product runs as im2col followed by a gonum matrix multiply.
type Conv2D struct {
	In, Out, Kernel int
	W               *Param // [Out, In*K*K]
	B               *Param // [Out]

	inShape []int
	cols    []*mat.Dense
}

// NewConv2D returns a He-initialised convolution.
func NewConv2D(name string, in, out, kernel int, rng *rand.Rand) *Conv2D {
	if kernel%2 == 0 {
		panic(fmt.Sprintf("nn: conv kernel must be odd, got %d", kernel))
	}
	c := &Conv2D{
		In:     in,
		Out:    out,
		Kernel: kernel,
		W:      newParam(name+".weight", out*in*kernel*kernel),
		B:      newParam(name+".bias", out),
	}
	heNormal(c.W, in*kernel*kernel, rng)
	return c
}

func (c *Conv2D) Forward(x *tensor.Tensor, _ bool) *tensor.Tensor {
	n, ch, h, w := x.Dims4()
	if ch != c.In {
		panic(fmt.Sprintf("nn: conv expects %d channels, got %d", c.In, ch))
	}
	k := c.Kernel
	out := tensor.New(n, c.Out, h, w)
	wm := mat.NewDense(c.Out, c.In*k*k, c.W.Value)
	c.inShape = append(c.inShape[:0], x.Shape...)
	c.cols = make([]*mat.Dense, n)
	for i := 0; i < n; i++ {
		cols := im2col(x.SampleSlice(i), ch, h, w, k)
		om := out.Sample(i)
		om.Mul(wm, cols)
		for o := 0; o < c.Out; o++ {
			floats.AddConst(c.B.Value[o], om.RawRowView(o))
		}
		c.cols[i] = cols
	}
	return out
}

func (c *Conv2D) Backward(dy *tensor.Tensor) *tensor.Tensor {
	n, ch, h, w := c.inShape[0], c.inShape[1], c.inShape[2], c.inShape[3]
	k := c.Kernel
	dx := tensor.New(c.inShape...)
	wm := mat.NewDense(c.Out, c.In*k*k, c.W.Value)
	gw := mat.NewDense(c.Out, c.In*k*k, c.W.Grad)
	tmp := mat.NewDense(c.Out, c.In*k*k, nil)
	dcols := mat.NewDense(c.In*k*k, h*w, nil)
	for i := 0; i < n; i++ {
		dym := dy.Sample(i)
		tmp.Mul(dym, c.cols[i].T())
		gw.Add(gw, tmp)
		for o := 0; o < c.Out; o++ {
			c.B.Grad[o] += floats.Sum(dym.RawRowView(o))
		}
		dcols.Mul(wm.T(), dym)
		col2im(dcols, dx.SampleSlice(i), ch, h, w, k)
	}
	return dx
}

func (c *Conv2D) Params() []*Param { return []*Param{c.W, c.B} }

// im2col lays out every k*k patch of a [C,H,W] sample as a column.
func im2col(src []float64, ch, h, w, k int) *mat.Dense {
	pad := k / 2
	cols := mat.NewDense(ch*k*k, h*w, nil)
	for c := 0; c < ch; c++ {
		plane := src[c*h*w : (c+1)*h*w]
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := cols.RawRowView((c*k+ky)*k + kx)
				for y := 0; y < h; y++ {
					iy := y + ky - pad
					if iy < 0 || iy >= h {
						continue
					}
					for x := 0; x < w; x++ {
						ix := x + kx - pad
						if ix < 0 || ix >= w {
							continue
						}
						row[y*w+x] = plane[iy*w+ix]
					}
				}
			}
		}
	}
	return cols
}

// col2im scatters column gradients back onto a [C,H,W] sample.
func col2im(cols *mat.Dense, dst []float64, ch, h, w, k int) {
	pad := k / 2
	for c := 0; c < ch; c++ {
		plane := dst[c*h*w : (c+1)*h*w]
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := cols.RawRowView((c*k+ky)*k + kx)
				for y := 0; y < h; y++ {
					iy := y + ky - pad
					if iy < 0 || iy >= h {
						continue
					}
					for x := 0; x < w; x++ {
						ix := x + kx - pad
						if ix < 0 || ix >= w {
							continue
						}
						plane[iy*w+ix] += row[y*w+x]
					}
				}
			}
		}
	}
}

// ConvTranspose2D is a 2x2, stride-2 transposed convolution that doubles
// the spatial size.
type ConvTranspose2D struct {
	In, Out int
	W       *Param // [Out*4, In], row o*4 + dy*2 + dx
	B       *Param // [Out]

	x *tensor.Tensor
}

// NewConvTranspose2D returns a He-initialised 2x2 upsampling layer.
func NewConvTranspose2D(name string, in, out int, rng *rand.Rand) *ConvTranspose2D {
	t := &ConvTranspose2D{
		In:  in,
		Out: out,
		W:   newParam(name+".weight", out*4*in),
		B:   newParam(name+".bias", out),
	}
	heNormal(t.W, in, rng)
	return t
}

func (t *ConvTranspose2D) Forward(x *tensor.Tensor, _ bool) *tensor.Tensor {
	n, ch, h, w := x.Dims4()
	if ch != t.In {
		panic(fmt.Sprintf("nn: conv transpose expects %d channels, got %d", t.In, ch))
	}
	t.x = x
	out := tensor.New(n, t.Out, 2*h, 2*w)
	wm := mat.NewDense(t.Out*4, t.In, t.W.Value)
	y := mat.NewDense(t.Out*4, h*w, nil)
	ow := 2 * w
	for i := 0; i < n; i++ {
		y.Mul(wm, x.Sample(i))
		dst := out.SampleSlice(i)
		for o := 0; o < t.Out; o++ {
			plane := dst[o*4*h*w : (o+1)*4*h*w]
			bias := t.B.Value[o]
			for q := 0; q < 4; q++ {
				dy, dx := q/2, q%2
				row := y.RawRowView(o*4 + q)
				for r := 0; r < h; r++ {
					for c := 0; c < w; c++ {
						plane[(2*r+dy)*ow+2*c+dx] = row[r*w+c] + bias
					}
				}
			}
		}
	}
	return out
}

func (t *ConvTranspose2D) Backward(dout *tensor.Tensor) *tensor.Tensor {
	n, _, h, w := t.x.Dims4()
	dx := tensor.ZerosLike(t.x)
	wm := mat.NewDense(t.Out*4, t.In, t.W.Value)
	gw := mat.NewDense(t.Out*4, t.In, t.W.Grad)
	g := mat.NewDense(t.Out*4, h*w, nil)
	tmp := mat.NewDense(t.Out*4, t.In, nil)
	ow := 2 * w
	for i := 0; i < n; i++ {
		src := dout.SampleSlice(i)
		for o := 0; o < t.Out; o++ {
			plane := src[o*4*h*w : (o+1)*4*h*w]
			t.B.Grad[o] += floats.Sum(plane)
			for q := 0; q < 4; q++ {
				dy, dxo := q/2, q%2
				row := g.RawRowView(o*4 + q)
				for r := 0; r < h; r++ {
					for c := 0; c < w; c++ {
						row[r*w+c] = plane[(2*r+dy)*ow+2*c+dxo]
					}
				}
			}
		}
		xm := t.x.Sample(i)
		tmp.Mul(g, xm.T())
		gw.Add(gw, tmp)
		dx.Sample(i).Mul(wm.T(), g)
	}
	return dx
}

func (t *ConvTranspose2D) Params() []*Param { return []*Param{t.W, t.B} }

// MaxPool2D is 2x2 max pooling with stride 2.
type MaxPool2D struct {
	inShape []int
	argmax  []int
}

func (p *MaxPool2D) Forward(x *tensor.Tensor, _ bool) *tensor.Tensor {
	n, c, h, w := x.Dims4()
	oh, ow := h/2, w/2
	out := tensor.New(n, c, oh, ow)
	p.inShape = append(p.inShape[:0], x.Shape...)
	p.argmax = make([]int, out.Len())
	for nc := 0; nc < n*c; nc++ {
		base := nc * h * w
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				best := base + 2*y*w + 2*xx
				for _, off := range [3]int{1, w, w + 1} {
					if j := base + 2*y*w + 2*xx + off; x.Data[j] > x.Data[best] {
						best = j
					}
				}
				o := nc*oh*ow + y*ow + xx
				out.Data[o] = x.Data[best]
				p.argmax[o] = best
			}
		}
	}
	return out
}

func (p *MaxPool2D) Backward(dy *tensor.Tensor) *tensor.Tensor {
	dx := tensor.New(p.inShape...)
	for o, src := range p.argmax {
		dx.Data[src] += dy.Data[o]
	}
	return dx
}

func (p *MaxPool2D) Params() []*Param { return nil }
