// Package model defines the two segmentation networks: a U-Net baseline and
// a hybrid U-Net whose encoder stages run self-attention before their
// convolutions.
package model

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"roadseg/internal/nn"
	"roadseg/internal/tensor"
)

type encoderStage struct {
	attn *nn.SelfAttention2D
	conv *nn.Sequential
	pool *nn.MaxPool2D
}

type decoderStage struct {
	up    *nn.ConvTranspose2D
	conv  *nn.Sequential
	skipC int
}

// UNet is an encoder-decoder with skip connections. With attention enabled
// each encoder stage is preceded by a residual self-attention block.
type UNet struct {
	name       string
	in         int
	enc        [Downsamples]encoderStage
	bottleneck *nn.Sequential
	dec        [Downsamples]decoderStage
	head       *nn.Conv2D
}

// NewUNet builds the baseline network.
func NewUNet(opts Options) *UNet {
	return build("UNet", opts.withDefaults(), false)
}

// NewHybridUNet builds the attention-augmented network.
func NewHybridUNet(opts Options) *UNet {
	return build("HybridUNet", opts.withDefaults(), true)
}

func doubleConv(name string, in, out int, rng *rand.Rand) *nn.Sequential {
	return nn.NewSequential(
		nn.NewConv2D(name+".conv1", in, out, 3, rng),
		nn.NewBatchNorm2D(name+".bn1", out),
		&nn.ReLU{},
		nn.NewConv2D(name+".conv2", out, out, 3, rng),
		nn.NewBatchNorm2D(name+".bn2", out),
		&nn.ReLU{},
	)
}

// headsFor falls back to a single head when width is not divisible.
func headsFor(width, heads int) int {
	if heads > 0 && width%heads == 0 {
		return heads
	}
	return 1
}

func build(name string, opts Options, attention bool) *UNet {
	rng := rand.New(rand.NewSource(opts.Seed))
	b := opts.BaseChannels
	u := &UNet{name: name, in: opts.InChannels}

	in := opts.InChannels
	for i := 0; i < Downsamples; i++ {
		out := b << i
		stage := encoderStage{
			conv: doubleConv(fmt.Sprintf("enc%d", i+1), in, out, rng),
			pool: &nn.MaxPool2D{},
		}
		if attention {
			stage.attn = nn.NewSelfAttention2D(fmt.Sprintf("enc%d.attn", i+1), in, headsFor(in, opts.AttentionHeads), rng)
		}
		u.enc[i] = stage
		in = out
	}
	u.bottleneck = doubleConv("bottleneck", in, in*2, rng)
	in *= 2
	for i := 0; i < Downsamples; i++ {
		skip := b << (Downsamples - 1 - i)
		u.dec[i] = decoderStage{
			up:    nn.NewConvTranspose2D(fmt.Sprintf("dec%d.up", i+1), in, skip, rng),
			conv:  doubleConv(fmt.Sprintf("dec%d", i+1), 2*skip, skip, rng),
			skipC: skip,
		}
		in = skip
	}
	u.head = nn.NewConv2D("head", in, 1, 1, rng)
	return u
}

func (u *UNet) Name() string { return u.name }

// Forward returns raw logits with the input's spatial size.
func (u *UNet) Forward(x *tensor.Tensor, train bool) *tensor.Tensor {
	var skips [Downsamples]*tensor.Tensor
	h := x
	for i := range u.enc {
		s := &u.enc[i]
		if s.attn != nil {
			h = s.attn.Forward(h, train)
		}
		h = s.conv.Forward(h, train)
		skips[i] = h
		h = s.pool.Forward(h, train)
	}
	h = u.bottleneck.Forward(h, train)
	for i := range u.dec {
		d := &u.dec[i]
		h = d.up.Forward(h, train)
		h = tensor.ConcatChannels(skips[Downsamples-1-i], h)
		h = d.conv.Forward(h, train)
	}
	return u.head.Forward(h, train)
}

func (u *UNet) Backward(dy *tensor.Tensor) *tensor.Tensor {
	var dskips [Downsamples]*tensor.Tensor
	dh := u.head.Backward(dy)
	for i := Downsamples - 1; i >= 0; i-- {
		d := &u.dec[i]
		dh = d.conv.Backward(dh)
		dskip, dup := tensor.SplitChannels(dh, d.skipC)
		dskips[Downsamples-1-i] = dskip
		dh = d.up.Backward(dup)
	}
	dh = u.bottleneck.Backward(dh)
	for i := Downsamples - 1; i >= 0; i-- {
		s := &u.enc[i]
		dh = s.pool.Backward(dh)
		floats.Add(dh.Data, dskips[i].Data)
		dh = s.conv.Backward(dh)
		if s.attn != nil {
			dh = s.attn.Backward(dh)
		}
	}
	return dh
}

func (u *UNet) Params() []*nn.Param {
	var out []*nn.Param
	for i := range u.enc {
		if u.enc[i].attn != nil {
			out = append(out, u.enc[i].attn.Params()...)
		}
		out = append(out, u.enc[i].conv.Params()...)
	}
	out = append(out, u.bottleneck.Params()...)
	for i := range u.dec {
		out = append(out, u.dec[i].up.Params()...)
		out = append(out, u.dec[i].conv.Params()...)
	}
	return append(out, u.head.Params()...)
}

// InChannels is the expected number of input channels.
func (u *UNet) InChannels() int { return u.in }
