// Package tensor holds dense float64 tensors in NCHW layout and the gonum
// matrix views the layers multiply with.
package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Tensor is a dense row-major tensor.
type Tensor struct {
	Shape []int
	Data  []float64
}

// New allocates a zeroed tensor of the given shape.
func New(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor: negative dimension in %v", shape))
		}
		n *= d
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, n)}
}

// FromData wraps data without copying. len(data) must match shape.
func FromData(data []float64, shape ...int) *Tensor {
	t := &Tensor{Shape: append([]int(nil), shape...), Data: data}
	if t.size() != len(data) {
		panic(fmt.Sprintf("tensor: %d values do not fill shape %v", len(data), shape))
	}
	return t
}

// ZerosLike returns a zeroed tensor with t's shape.
func ZerosLike(t *Tensor) *Tensor {
	return New(t.Shape...)
}

func (t *Tensor) size() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Len is the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := New(t.Shape...)
	copy(out.Data, t.Data)
	return out
}

// Zero resets every element to 0.
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// Dims4 returns N, C, H, W and panics on non-4D tensors.
func (t *Tensor) Dims4() (n, c, h, w int) {
	if len(t.Shape) != 4 {
		panic(fmt.Sprintf("tensor: expected 4D tensor, got shape %v", t.Shape))
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

// Sample returns sample i of a 4D tensor as a [C, H*W] matrix view sharing
// t's backing array.
func (t *Tensor) Sample(i int) *mat.Dense {
	_, c, h, w := t.Dims4()
	stride := c * h * w
	return mat.NewDense(c, h*w, t.Data[i*stride:(i+1)*stride])
}

// SampleSlice returns the backing slice of sample i.
func (t *Tensor) SampleSlice(i int) []float64 {
	stride := len(t.Data) / t.Shape[0]
	return t.Data[i*stride : (i+1)*stride]
}

// Stack builds an [N, ...] tensor from equally shaped tensors.
func Stack(items []*Tensor) (*Tensor, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("tensor: nothing to stack")
	}
	shape := append([]int{len(items)}, items[0].Shape...)
	out := New(shape...)
	stride := items[0].Len()
	for i, it := range items {
		if !SameShape(it, items[0]) {
			return nil, fmt.Errorf("tensor: stack shape mismatch %v vs %v", it.Shape, items[0].Shape)
		}
		copy(out.Data[i*stride:], it.Data)
	}
	return out, nil
}

// Index returns sample i of a batched tensor as a copy with the leading
// dimension dropped.
func (t *Tensor) Index(i int) *Tensor {
	out := New(t.Shape[1:]...)
	copy(out.Data, t.SampleSlice(i))
	return out
}

// ConcatChannels joins two 4D tensors along the channel axis.
func ConcatChannels(a, b *Tensor) *Tensor {
	n, ca, h, w := a.Dims4()
	nb, cb, hb, wb := b.Dims4()
	if n != nb || h != hb || w != wb {
		panic(fmt.Sprintf("tensor: concat mismatch %v vs %v", a.Shape, b.Shape))
	}
	out := New(n, ca+cb, h, w)
	sa, sb, so := ca*h*w, cb*h*w, (ca+cb)*h*w
	for i := 0; i < n; i++ {
		copy(out.Data[i*so:], a.Data[i*sa:(i+1)*sa])
		copy(out.Data[i*so+sa:], b.Data[i*sb:(i+1)*sb])
	}
	return out
}

// SplitChannels is the inverse of ConcatChannels; the first result has ca
// channels.
func SplitChannels(t *Tensor, ca int) (*Tensor, *Tensor) {
	n, c, h, w := t.Dims4()
	cb := c - ca
	a := New(n, ca, h, w)
	b := New(n, cb, h, w)
	sa, sb, so := ca*h*w, cb*h*w, c*h*w
	for i := 0; i < n; i++ {
		copy(a.Data[i*sa:(i+1)*sa], t.Data[i*so:i*so+sa])
		copy(b.Data[i*sb:(i+1)*sb], t.Data[i*so+sa:(i+1)*so])
	}
	return a, b
}
