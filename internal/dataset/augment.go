package dataset

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"gocv.io/x/gocv"
)

// matPair holds a float32 BGR image in [0,1] and a single-channel 0/1 mask.
type matPair struct {
	image gocv.Mat
	mask  gocv.Mat
}

func (p *matPair) Close() {
	p.image.Close()
	p.mask.Close()
}

// geometric applies the same spatial operation to image and mask. The
// callback receives isMask so it can pick nearest-neighbour sampling.
func (p *matPair) geometric(op func(src gocv.Mat, dst *gocv.Mat, isMask bool)) {
	img := gocv.NewMat()
	op(p.image, &img, false)
	mask := gocv.NewMat()
	op(p.mask, &mask, true)
	p.image.Close()
	p.mask.Close()
	p.image, p.mask = img, mask
}

// photometric replaces only the image.
func (p *matPair) photometric(op func(src gocv.Mat, dst *gocv.Mat)) {
	img := gocv.NewMat()
	op(p.image, &img)
	p.image.Close()
	p.image = img
}

// Transform is one augmentation step.
type Transform interface {
	Name() string
	Apply(p *matPair, rng *rand.Rand) error
}

// HorizontalFlip mirrors left-right.
type HorizontalFlip struct{}

func (HorizontalFlip) Name() string { return "hflip" }

func (HorizontalFlip) Apply(p *matPair, _ *rand.Rand) error {
	p.geometric(func(src gocv.Mat, dst *gocv.Mat, _ bool) { gocv.Flip(src, dst, 1) })
	return nil
}

// VerticalFlip mirrors top-bottom.
type VerticalFlip struct{}

func (VerticalFlip) Name() string { return "vflip" }

func (VerticalFlip) Apply(p *matPair, _ *rand.Rand) error {
	p.geometric(func(src gocv.Mat, dst *gocv.Mat, _ bool) { gocv.Flip(src, dst, 0) })
	return nil
}

// BrightnessContrast scales pixel values by 1±ContrastLimit and shifts them
// by ±BrightnessLimit.
type BrightnessContrast struct {
	BrightnessLimit float64
	ContrastLimit   float64
}

func (BrightnessContrast) Name() string { return "brightness_contrast" }

func (b BrightnessContrast) Apply(p *matPair, rng *rand.Rand) error {
	alpha := 1 + (rng.Float64()*2-1)*b.ContrastLimit
	beta := (rng.Float64()*2 - 1) * b.BrightnessLimit
	p.photometric(func(src gocv.Mat, dst *gocv.Mat) {
		src.ConvertToWithParams(dst, gocv.MatTypeCV32FC3, float32(alpha), float32(beta))
	})
	return nil
}

// Rotate turns the pair about its centre by a uniform angle in
// [-Limit, Limit] degrees. Uncovered pixels become zero.
type Rotate struct {
	Limit float64
	// Angle fixes the rotation when non-zero.
	Angle float64
}

func (Rotate) Name() string { return "rotate" }

func (r Rotate) Apply(p *matPair, rng *rand.Rand) error {
	angle := r.Angle
	if angle == 0 {
		angle = (rng.Float64()*2 - 1) * r.Limit
	}
	size := image.Pt(p.image.Cols(), p.image.Rows())
	rot := gocv.GetRotationMatrix2D(image.Pt(size.X/2, size.Y/2), angle, 1.0)
	defer rot.Close()
	p.geometric(func(src gocv.Mat, dst *gocv.Mat, isMask bool) {
		interp := gocv.InterpolationLinear
		if isMask {
			interp = gocv.InterpolationNearestNeighbor
		}
		gocv.WarpAffineWithParams(src, dst, rot, size, interp, gocv.BorderConstant, color.RGBA{})
	})
	return nil
}

// GaussianNoise adds zero-mean noise with a standard deviation drawn from
// [MinStd, MaxStd].
type GaussianNoise struct {
	MinStd float64
	MaxStd float64
}

func (GaussianNoise) Name() string { return "gauss_noise" }

func (g GaussianNoise) Apply(p *matPair, rng *rand.Rand) error {
	std := g.MinStd + rng.Float64()*(g.MaxStd-g.MinStd)
	data, err := p.image.DataPtrFloat32()
	if err != nil {
		return err
	}
	for i := range data {
		data[i] += float32(rng.NormFloat64() * std)
	}
	return nil
}

// Pipeline runs transforms in order, each with independent probability P.
type Pipeline struct {
	P          float64
	Transforms []Transform
}

// NewPipeline returns the standard road augmentation: flips, brightness and
// contrast jitter, rotation up to 30 degrees and Gaussian noise.
func NewPipeline(p float64) *Pipeline {
	return &Pipeline{
		P: p,
		Transforms: []Transform{
			HorizontalFlip{},
			VerticalFlip{},
			BrightnessContrast{BrightnessLimit: 0.2, ContrastLimit: 0.2},
			Rotate{Limit: 30},
			GaussianNoise{MinStd: math.Sqrt(10) / 255, MaxStd: math.Sqrt(50) / 255},
		},
	}
}

// Apply draws one coin per transform, in order, from rng.
func (pl *Pipeline) Apply(p *matPair, rng *rand.Rand) ([]string, error) {
	var applied []string
	for _, t := range pl.Transforms {
		if rng.Float64() >= pl.P {
			continue
		}
		if err := t.Apply(p, rng); err != nil {
			return applied, err
		}
		applied = append(applied, t.Name())
	}
	return applied, nil
}
