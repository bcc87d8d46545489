// Package dataset pairs road images with their masks, loads and augments
// them with OpenCV, splits the index range and streams batches to the
// trainer.
package dataset

import (
	"errors"
	"fmt"
	"image"
	"math/rand"

	"gocv.io/x/gocv"

	"roadseg/internal/tensor"
)

// ErrEmptyImage is returned when OpenCV cannot decode a file.
var ErrEmptyImage = errors.New("dataset: unreadable or empty image")

// Options configures how samples are decoded.
type Options struct {
	// Size resizes images and masks to Size x Size. Zero keeps the source
	// resolution, which then has to agree between image and mask.
	Size int
	// MaskThreshold marks mask pixels above it (0..255) as road.
	MaskThreshold float64
	// Augment is applied to every Get call when set.
	Augment *Pipeline
}

// Pair is a decoded sample: image [3,H,W] RGB in [0,1], mask [1,H,W] in {0,1}.
type Pair struct {
	Key   string
	Image *tensor.Tensor
	Mask  *tensor.Tensor
	// MaskNonBinary is set when the source mask held values other than 0
	// and 255 before thresholding.
	MaskNonBinary bool
	Augmentations []string
}

// Dataset reads samples from disk on every access.
type Dataset struct {
	samples []Sample
	opts    Options
}

// New validates samples and returns a dataset over them.
func New(samples []Sample, opts Options) (*Dataset, error) {
	if len(samples) == 0 {
		return nil, errors.New("dataset: no samples")
	}
	for i, s := range samples {
		if s.ImagePath == "" || s.MaskPath == "" {
			return nil, fmt.Errorf("dataset: sample %d (%q) is missing a path", i, s.Key)
		}
	}
	if opts.Size < 0 {
		return nil, fmt.Errorf("dataset: negative size %d", opts.Size)
	}
	return &Dataset{samples: append([]Sample(nil), samples...), opts: opts}, nil
}

// Len is the number of samples.
func (d *Dataset) Len() int { return len(d.samples) }

// Sample returns the file reference at index i.
func (d *Dataset) Sample(i int) Sample { return d.samples[i] }

// WithAugment returns a dataset over the same samples using pipeline, or no
// augmentation when pipeline is nil.
func (d *Dataset) WithAugment(pipeline *Pipeline) *Dataset {
	opts := d.opts
	opts.Augment = pipeline
	return &Dataset{samples: d.samples, opts: opts}
}

// Get decodes sample i. rng drives augmentation and may be nil when the
// dataset has no pipeline.
func (d *Dataset) Get(i int, rng *rand.Rand) (Pair, error) {
	if i < 0 || i >= len(d.samples) {
		return Pair{}, fmt.Errorf("dataset: index %d out of range [0,%d)", i, len(d.samples))
	}
	s := d.samples[i]
	pair, nonBinary, err := d.load(s)
	if err != nil {
		return Pair{}, err
	}
	defer pair.Close()

	out := Pair{Key: s.Key, MaskNonBinary: nonBinary}
	if d.opts.Augment != nil {
		if rng == nil {
			return Pair{}, errors.New("dataset: augmentation needs a random source")
		}
		applied, err := d.opts.Augment.Apply(pair, rng)
		if err != nil {
			return Pair{}, fmt.Errorf("augment %s: %w", s.Key, err)
		}
		out.Augmentations = applied
	}
	if out.Image, err = imageTensor(pair.image); err != nil {
		return Pair{}, fmt.Errorf("convert %s: %w", s.ImagePath, err)
	}
	if out.Mask, err = maskTensor(pair.mask); err != nil {
		return Pair{}, fmt.Errorf("convert %s: %w", s.MaskPath, err)
	}
	return out, nil
}

func (d *Dataset) load(s Sample) (*matPair, bool, error) {
	raw := gocv.IMRead(s.ImagePath, gocv.IMReadColor)
	if raw.Empty() {
		raw.Close()
		return nil, false, fmt.Errorf("%w: %s", ErrEmptyImage, s.ImagePath)
	}
	defer raw.Close()
	rawMask := gocv.IMRead(s.MaskPath, gocv.IMReadGrayScale)
	if rawMask.Empty() {
		rawMask.Close()
		return nil, false, fmt.Errorf("%w: %s", ErrEmptyImage, s.MaskPath)
	}
	defer rawMask.Close()

	if d.opts.Size == 0 && (raw.Rows() != rawMask.Rows() || raw.Cols() != rawMask.Cols()) {
		return nil, false, fmt.Errorf("dataset: %s is %dx%d but mask is %dx%d",
			s.Key, raw.Cols(), raw.Rows(), rawMask.Cols(), rawMask.Rows())
	}
	nonBinary, err := hasGrayLevels(rawMask)
	if err != nil {
		return nil, false, err
	}

	img := gocv.NewMat()
	raw.ConvertToWithParams(&img, gocv.MatTypeCV32FC3, 1.0/255, 0)
	mask := gocv.NewMat()
	gocv.Threshold(rawMask, &mask, float32(d.opts.MaskThreshold), 1, gocv.ThresholdBinary)

	if size := d.opts.Size; size > 0 {
		pt := image.Pt(size, size)
		resized := gocv.NewMat()
		gocv.Resize(img, &resized, pt, 0, 0, gocv.InterpolationLinear)
		img.Close()
		img = resized
		resizedMask := gocv.NewMat()
		gocv.Resize(mask, &resizedMask, pt, 0, 0, gocv.InterpolationNearestNeighbor)
		mask.Close()
		mask = resizedMask
	}
	return &matPair{image: img, mask: mask}, nonBinary, nil
}

func hasGrayLevels(mask gocv.Mat) (bool, error) {
	data, err := mask.DataPtrUint8()
	if err != nil {
		return false, err
	}
	for _, v := range data {
		if v != 0 && v != 255 {
			return true, nil
		}
	}
	return false, nil
}

// imageTensor converts a float32 BGR Mat to an RGB [3,H,W] tensor clamped to
// [0,1].
func imageTensor(m gocv.Mat) (*tensor.Tensor, error) {
	if m.Channels() != 3 {
		return nil, fmt.Errorf("expected 3 channels, got %d", m.Channels())
	}
	data, err := m.DataPtrFloat32()
	if err != nil {
		return nil, err
	}
	h, w := m.Rows(), m.Cols()
	out := tensor.New(3, h, w)
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			px := (y*w + x) * 3
			for c := 0; c < 3; c++ {
				v := float64(data[px+2-c])
				if v < 0 {
					v = 0
				} else if v > 1 {
					v = 1
				}
				out.Data[c*plane+y*w+x] = v
			}
		}
	}
	return out, nil
}

// maskTensor converts a 0/1 uint8 Mat to a [1,H,W] tensor.
func maskTensor(m gocv.Mat) (*tensor.Tensor, error) {
	data, err := m.DataPtrUint8()
	if err != nil {
		return nil, err
	}
	out := tensor.New(1, m.Rows(), m.Cols())
	for i, v := range data {
		if v > 0 {
			out.Data[i] = 1
		}
	}
	return out, nil
}
