package model

import (
	"errors"
	"fmt"
	"sort"

	"roadseg/internal/nn"
	"roadseg/internal/tensor"
)

// Downsamples is the number of 2x pooling stages in the encoder. Input height
// and width must be divisible by 1<<Downsamples.
const Downsamples = 4

var (
	// ErrUnknownModel is returned by New for unregistered names.
	ErrUnknownModel = errors.New("model: unknown model")
	// ErrInputSize is returned by CheckInput for unsupported tensor shapes.
	ErrInputSize = errors.New("model: unsupported input size")
)

// Model maps [N,3,H,W] images to [N,1,H,W] logits.
type Model interface {
	Name() string
	Forward(x *tensor.Tensor, train bool) *tensor.Tensor
	// Backward propagates dL/dlogits for the last Forward call and returns
	// dL/dx. Parameter gradients accumulate into Params().
	Backward(dy *tensor.Tensor) *tensor.Tensor
	Params() []*nn.Param
}

// Options configures model construction.
type Options struct {
	InChannels     int
	BaseChannels   int
	AttentionHeads int
	Seed           int64
}

func (o Options) withDefaults() Options {
	if o.InChannels <= 0 {
		o.InChannels = 3
	}
	if o.BaseChannels <= 0 {
		o.BaseChannels = 16
	}
	if o.AttentionHeads <= 0 {
		o.AttentionHeads = 4
	}
	return o
}

var registry = map[string]func(Options) Model{
	"baseline": func(o Options) Model { return NewUNet(o) },
	"hybrid":   func(o Options) Model { return NewHybridUNet(o) },
}

// New builds the registered model called name.
func New(name string, opts Options) (Model, error) {
	build, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %v)", ErrUnknownModel, name, Names())
	}
	return build(opts.withDefaults()), nil
}

// Known reports whether name is registered.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}

// Names lists registered model names.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CheckInput verifies x is [N,channels,H,W] with H and W divisible by 16.
func CheckInput(x *tensor.Tensor, channels int) error {
	if len(x.Shape) != 4 {
		return fmt.Errorf("%w: expected 4D tensor, got %v", ErrInputSize, x.Shape)
	}
	div := 1 << Downsamples
	if x.Shape[1] != channels || x.Shape[2]%div != 0 || x.Shape[3]%div != 0 || x.Shape[2] == 0 || x.Shape[3] == 0 {
		return fmt.Errorf("%w: %v (want [N,%d,H,W] with H,W multiples of %d)", ErrInputSize, x.Shape, channels, div)
	}
	return nil
}
